// Package server hosts the Fiber HTTP service, the request middleware chain,
// and the shared upstream http.Client. Every proxied request (absolute-form
// GET/POST and CONNECT) reaches a single ProxyHandler; origin-form requests
// under /-/ fall through to the admin routes registered by the routes package.
// Keep exports narrow and accept explicit dependencies so tests can inject fakes.
package server

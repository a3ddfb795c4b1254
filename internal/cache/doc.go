// Package cache defines the disk-backed store that maps a cache key to one of
// four disjoint on-disk shapes inside StoragePath/<host>/<path>[/<digest>]/:
// a success body (200 + 200.headers), a not-found marker (404) or a redirect
// marker (301/302) holding the Location target. Success bodies are written to
// 200.temp and published with an atomic rename, so readers never observe a
// partial 200 file. Proxy handlers depend on this package to replay cached
// responses and to persist origin fetches without duplicating filesystem logic.
package cache

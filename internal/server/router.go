package server

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler describes the component responsible for every proxied request.
// It allows injecting fake handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx) error {
	return f(c)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger    *logrus.Logger
	Proxy     ProxyHandler
	BodyLimit int
}

const contextKeyRequestID = "_offline_proxy_request_id"

// NewApp builds a Fiber application that hands proxied requests to opts.Proxy.
// Admin routes must be registered on the returned app afterwards.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}

	cfg := fiber.Config{
		CaseSensitive: true,
	}
	if opts.BodyLimit > 0 {
		cfg.BodyLimit = opts.BodyLimit
	}
	app := fiber.New(cfg)

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	app.All("/*", func(c fiber.Ctx) error {
		if IsAdminRequest(c) {
			return c.Next()
		}
		if c.Method() != fiber.MethodConnect && isOriginForm(c) {
			return renderNotProxyRequest(c, opts.Logger)
		}
		return opts.Proxy.Handle(c)
	})

	return app, nil
}

// requestContextMiddleware 为每个请求生成请求 ID，写入 Locals 与响应头。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// renderNotProxyRequest 处理既不是绝对 URL 也不是管理接口的请求。
func renderNotProxyRequest(c fiber.Ctx, logger *logrus.Logger) error {
	fields := logrus.Fields{
		"action": "route",
		"method": c.Method(),
		"target": string(c.Request().Header.RequestURI()),
	}
	if reqID := RequestID(c); reqID != "" {
		fields["request_id"] = reqID
	}
	logger.WithFields(fields).Warn("not_a_proxy_request")

	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "parse_failed",
	})
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// IsAdminRequest 只把 origin-form 的 /-/ 路径视为管理接口，
// 绝对 URL 请求即使路径以 /-/ 开头也照常代理。
func IsAdminRequest(c fiber.Ctx) bool {
	return strings.HasPrefix(string(c.Request().Header.RequestURI()), "/-/")
}

func isOriginForm(c fiber.Ctx) bool {
	return strings.HasPrefix(string(c.Request().Header.RequestURI()), "/")
}

package routes

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/bpaquet/offline-proxy/internal/server"
	"github.com/bpaquet/offline-proxy/internal/version"
)

// MirrorReloader 刷新全部 git 镜像并返回命令输出。
type MirrorReloader interface {
	Reload(ctx context.Context) (string, error)
	Mirrors() ([]string, error)
}

// InFlightSource 提供当前在途回源的缓存键。
type InFlightSource interface {
	InFlight() []string
}

// AdminOptions 描述管理接口依赖，未注入的依赖对应接口不注册。
type AdminOptions struct {
	Logger     *logrus.Logger
	ReloadPath string
	Reloader   MirrorReloader
	InFlight   InFlightSource
}

// RegisterAdminRoutes 暴露 /-/status、/-/metrics 与镜像刷新接口。
// 只有 origin-form 请求会落到这些路由，见 server.IsAdminRequest。
func RegisterAdminRoutes(app *fiber.App, opts AdminOptions) {
	if app == nil {
		return
	}

	app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	app.Get("/-/status", func(c fiber.Ctx) error {
		payload := fiber.Map{
			"version": version.Full(),
		}
		if opts.InFlight != nil {
			payload["in_flight"] = nonNil(opts.InFlight.InFlight())
		}
		if opts.Reloader != nil {
			mirrors, err := opts.Reloader.Mirrors()
			if err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
			}
			payload["git_mirrors"] = nonNil(mirrors)
		}
		return c.JSON(payload)
	})

	if opts.Reloader != nil && opts.ReloadPath != "" {
		app.All(opts.ReloadPath, reloadHandler(opts))
	}
}

func reloadHandler(opts AdminOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		started := time.Now()
		output, err := opts.Reloader.Reload(context.Background())

		fields := logrus.Fields{
			"action":     "git_reload",
			"elapsed_ms": time.Since(started).Milliseconds(),
		}
		if reqID := server.RequestID(c); reqID != "" {
			fields["request_id"] = reqID
		}

		c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
		if err != nil {
			if opts.Logger != nil {
				opts.Logger.WithError(err).WithFields(fields).Error("git_reload_failed")
			}
			return c.Status(fiber.StatusInternalServerError).SendString(output + err.Error() + "\n")
		}
		if opts.Logger != nil {
			opts.Logger.WithFields(fields).Info("git_reload_complete")
		}
		return c.Status(fiber.StatusOK).SendString(output)
	}
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

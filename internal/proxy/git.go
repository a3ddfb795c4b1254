package proxy

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/bpaquet/offline-proxy/internal/gitmirror"
	"github.com/bpaquet/offline-proxy/internal/logging"
	"github.com/bpaquet/offline-proxy/internal/server"
)

// MirrorResolver 返回镜像中某个文件的本地路径，必要时先完成克隆。
type MirrorResolver interface {
	Resolve(ctx context.Context, repo gitmirror.Repository, rel string) (string, error)
}

// GitHandler 以静态文件方式向 git 客户端提供本地镜像内容。
type GitHandler struct {
	mirrors MirrorResolver
	logger  *logrus.Logger
}

// NewGitHandler 构造 GitHandler。
func NewGitHandler(mirrors MirrorResolver, logger *logrus.Logger) *GitHandler {
	return &GitHandler{mirrors: mirrors, logger: logger}
}

// Serve 返回镜像文件；文件不存在回复 404，克隆失败回复 500。
func (g *GitHandler) Serve(c fiber.Ctx, repo gitmirror.Repository, rel string) error {
	started := time.Now()
	fields := logging.RequestFields(c.Method(), string(c.Request().Header.RequestURI()), "", server.RequestID(c))
	fields["action"] = "git_mirror"
	fields["repo"] = repo.String()

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	filePath, err := g.mirrors.Resolve(ctx, repo, rel)
	if err != nil {
		fields["elapsed_ms"] = time.Since(started).Milliseconds()
		if errors.Is(err, gitmirror.ErrNotFound) {
			requestsTotal.WithLabelValues(resultNotFound).Inc()
			fields["status"] = fiber.StatusNotFound
			g.logger.WithFields(fields).Info("git_mirror_complete")
			return c.Status(fiber.StatusNotFound).Send(nil)
		}
		requestsTotal.WithLabelValues(resultError).Inc()
		fields["status"] = fiber.StatusInternalServerError
		g.logger.WithError(err).WithFields(fields).Error("git_mirror_failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "git_clone_failed"})
	}

	file, err := os.Open(filePath)
	if err != nil {
		requestsTotal.WithLabelValues(resultError).Inc()
		g.logger.WithError(err).WithFields(fields).Error("git_mirror_failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "read_failed"})
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		requestsTotal.WithLabelValues(resultError).Inc()
		g.logger.WithError(err).WithFields(fields).Error("git_mirror_failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "read_failed"})
	}

	requestsTotal.WithLabelValues(resultGit).Inc()
	c.Set(fiber.HeaderContentType, "application/octet-stream")
	c.Status(fiber.StatusOK)
	c.RequestCtx().SetBodyStream(file, int(info.Size()))

	fields["status"] = fiber.StatusOK
	fields["size_bytes"] = info.Size()
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	g.logger.WithFields(fields).Info("git_mirror_complete")
	return nil
}

package proxy

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/bpaquet/offline-proxy/internal/gitmirror"
	"github.com/bpaquet/offline-proxy/internal/logging"
	"github.com/bpaquet/offline-proxy/internal/server"
)

// requestClass 是 Forwarder 对入站请求的分类结果。
type requestClass int

const (
	classUnsupported requestClass = iota
	classTunnel
	classGit
	classCache
)

func (c requestClass) String() string {
	switch c {
	case classTunnel:
		return "tunnel"
	case classGit:
		return "git"
	case classCache:
		return "cache"
	default:
		return "unsupported"
	}
}

// Forwarder 按方法与 User-Agent 将请求分派给隧道、git 镜像或缓存 handler，
// 并把 handler 内部的 panic 转换成 500 响应。
type Forwarder struct {
	cache  *Handler
	tunnel *Tunnel
	git    *GitHandler
	logger *logrus.Logger
}

// NewForwarder 创建 Forwarder。git 为空时 git 客户端请求按普通缓存处理。
func NewForwarder(cache *Handler, tunnel *Tunnel, git *GitHandler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		cache:  cache,
		tunnel: tunnel,
		git:    git,
		logger: logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx) (err error) {
	requestID := server.RequestID(c)
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, r, requestID)
		}
	}()

	class, repo, rel := f.classify(c)
	switch class {
	case classTunnel:
		return f.tunnel.Handle(c)
	case classGit:
		return f.git.Serve(c, repo, rel)
	case classCache:
		return f.cache.Handle(c)
	default:
		requestsTotal.WithLabelValues(resultError).Inc()
		f.logRejected(c, requestID)
		c.Set(fiber.HeaderAllow, "GET, POST, CONNECT")
		return c.Status(fiber.StatusMethodNotAllowed).JSON(fiber.Map{"error": "method_not_allowed"})
	}
}

// InFlight 暴露缓存 handler 的在途回源键。
func (f *Forwarder) InFlight() []string {
	if f.cache == nil {
		return nil
	}
	return f.cache.InFlight()
}

func (f *Forwarder) classify(c fiber.Ctx) (requestClass, gitmirror.Repository, string) {
	switch c.Method() {
	case fiber.MethodConnect:
		return classTunnel, gitmirror.Repository{}, ""
	case fiber.MethodGet:
		if f.git != nil && gitmirror.IsGitClient(c.Get(fiber.HeaderUserAgent)) {
			if target, err := url.Parse(string(c.Request().Header.RequestURI())); err == nil {
				if repo, rel, ok := gitmirror.Locate(target.Scheme, target.Host, target.Path); ok {
					return classGit, repo, rel
				}
			}
		}
		return classCache, gitmirror.Repository{}, ""
	case fiber.MethodPost:
		return classCache, gitmirror.Repository{}, ""
	default:
		return classUnsupported, gitmirror.Repository{}, ""
	}
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, recovered interface{}, requestID string) error {
	fields := logging.RequestFields(c.Method(), string(c.Request().Header.RequestURI()), "", requestID)
	fields["action"] = "proxy"
	fields["error"] = "handler_panic"
	f.logger.WithFields(fields).Error(fmt.Sprintf("panic: %v", recovered))
	requestsTotal.WithLabelValues(resultError).Inc()
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "handler_panic"})
}

func (f *Forwarder) logRejected(c fiber.Ctx, requestID string) {
	fields := logging.RequestFields(c.Method(), strings.TrimSpace(string(c.Request().Header.RequestURI())), "", requestID)
	fields["action"] = "proxy"
	fields["status"] = fiber.StatusMethodNotAllowed
	f.logger.WithFields(fields).Warn("method_not_allowed")
}

package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/bpaquet/offline-proxy/internal/cache"
	"github.com/bpaquet/offline-proxy/internal/logging"
	"github.com/bpaquet/offline-proxy/internal/server"
)

// Handler 负责 “查磁盘缓存 → 命中回放 / 未命中加入 flight” 的全流程。
// 同一缓存键的并发 miss 由 Coalescer 合并成一次回源。
type Handler struct {
	store     cache.Store
	coalescer *Coalescer
	logger    *logrus.Logger
}

// NewHandler constructs a caching handler backed by the disk store and a shared fetcher.
func NewHandler(store cache.Store, fetcher Fetcher, logger *logrus.Logger) *Handler {
	return &Handler{
		store:     store,
		coalescer: NewCoalescer(store, fetcher, logger),
		logger:    logger,
	}
}

// InFlight exposes the keys currently being fetched, used by the status endpoint.
func (h *Handler) InFlight() []string {
	return h.coalescer.InFlight()
}

// requestState 汇总一次请求在日志中需要的字段。
type requestState struct {
	method    string
	target    string
	key       cache.Key
	requestID string
	started   time.Time
}

// Handle 处理绝对 URL 形式的 GET/POST 代理请求。
func (h *Handler) Handle(c fiber.Ctx) error {
	state := requestState{
		method:    c.Method(),
		target:    string(c.Request().Header.RequestURI()),
		requestID: server.RequestID(c),
		started:   time.Now(),
	}

	target, err := buildOriginRequest(c)
	if err != nil {
		return h.fail(c, state, err)
	}
	key, err := cache.NewKey(target.Method, target.URL.Host, target.URL.EscapedPath(), target.URL.RawQuery, target.Body)
	if err != nil {
		return h.fail(c, state, fmt.Errorf("%w: %v", ErrParse, err))
	}
	state.key = key

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	entry, err := h.store.Lookup(ctx, key)
	switch {
	case err == nil:
		return h.serveEntry(c, state, entry, resultHit)
	case !errors.Is(err, cache.ErrNotFound):
		return h.fail(c, state, err)
	}

	f, entry, created, err := h.coalescer.Join(ctx, key, target)
	if err != nil {
		return h.fail(c, state, err)
	}
	if entry != nil {
		return h.serveEntry(c, state, entry, resultHit)
	}

	result := resultCoalesced
	if created {
		result = resultMiss
	}
	return h.serveFlight(c, ctx, state, f, result)
}

// serveEntry 回放已落盘的条目：404 与重定向直接返回状态码，200 附带白名单响应头与正文。
func (h *Handler) serveEntry(c fiber.Ctx, state requestState, entry *cache.Entry, result string) error {
	switch {
	case entry.Kind == cache.KindNotFound:
		h.logResult(state, resultNotFound, fiber.StatusNotFound, nil)
		return c.Status(fiber.StatusNotFound).Send(nil)
	case entry.Kind.IsRedirect():
		h.logResult(state, resultRedirect, entry.Kind.StatusCode(), nil)
		c.Set(fiber.HeaderLocation, entry.Location)
		return c.Status(entry.Kind.StatusCode()).Send(nil)
	}

	if notModified(c, entry.ModTime) {
		h.logResult(state, resultNotModified, fiber.StatusNotModified, nil)
		return c.Status(fiber.StatusNotModified).Send(nil)
	}

	file, err := h.store.Open(entry)
	if err != nil {
		return h.fail(c, state, err)
	}

	copyReplayHeaders(c, entry.Header)
	c.Status(fiber.StatusOK)
	c.RequestCtx().SetBodyStream(file, int(entry.SizeBytes))
	h.logResult(state, result, fiber.StatusOK, nil)
	return nil
}

// serveFlight 等待 flight 拿到上游状态后回复客户端；200 时边下载边转发。
// 响应头发出后 flight 才失败的话无法再改写状态码，此时直接断开客户端连接。
func (h *Handler) serveFlight(c fiber.Ctx, ctx context.Context, state requestState, f *flight, result string) error {
	view, err := f.awaitHeaders(ctx)
	if err != nil {
		return h.fail(c, state, err)
	}

	switch {
	case view.state == stateFailed:
		return h.fail(c, state, view.err)
	case view.kind == cache.KindNotFound:
		h.logResult(state, resultNotFound, fiber.StatusNotFound, nil)
		return c.Status(fiber.StatusNotFound).Send(nil)
	case view.kind.IsRedirect():
		h.logResult(state, resultRedirect, view.kind.StatusCode(), nil)
		c.Set(fiber.HeaderLocation, view.location)
		return c.Status(view.kind.StatusCode()).Send(nil)
	}

	copyReplayHeaders(c, view.header)
	c.Status(fiber.StatusOK)

	logger := h.logger
	rc := c.RequestCtx()
	rc.SetBodyStreamWriter(func(w *bufio.Writer) {
		sent, err := drainFlight(context.Background(), f, flushWriter{w: w})
		fields := logging.RequestFields(state.method, state.target, state.key.String(), state.requestID)
		fields["action"] = "proxy_stream"
		fields["bytes_sent"] = sent
		fields["elapsed_ms"] = time.Since(state.started).Milliseconds()
		if err != nil {
			// 直接断开连接，chunked 响应不会写出结束块，客户端能感知正文不完整。
			_ = rc.Conn().Close()
			logger.WithError(err).WithFields(fields).Warn("proxy_stream_aborted")
			return
		}
		logger.WithFields(fields).Debug("proxy_stream_complete")
	})
	// SetBodyStreamWriter 会把 Content-Length 重置为 chunked，需在其后恢复。
	if length := view.header.Get(fiber.HeaderContentLength); length != "" {
		if n, err := strconv.Atoi(length); err == nil && n >= 0 {
			rc.Response.Header.SetContentLength(n)
		}
	}

	h.logResult(state, result, fiber.StatusOK, nil)
	return nil
}

func (h *Handler) fail(c fiber.Ctx, state requestState, err error) error {
	h.logResult(state, resultError, fiber.StatusInternalServerError, err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": errorCode(err)})
}

func (h *Handler) logResult(state requestState, result string, status int, err error) {
	requestsTotal.WithLabelValues(result).Inc()

	key := ""
	if state.key.Host != "" {
		key = state.key.String()
	}
	fields := logging.RequestFields(state.method, state.target, key, state.requestID)
	fields["action"] = "proxy"
	fields["result"] = result
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(state.started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

// buildOriginRequest 从绝对 URL 形式的代理请求构造回源请求；正文与头部均复制，
// 因为 fasthttp 会在 handler 返回后复用这些缓冲区。
func buildOriginRequest(c fiber.Ctx) (*OriginRequest, error) {
	raw := string(c.Request().Header.RequestURI())
	target, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("%w: not an absolute http url: %q", ErrParse, raw)
	}
	if target.Host == "" {
		return nil, fmt.Errorf("%w: missing host: %q", ErrParse, raw)
	}

	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})

	var body []byte
	if c.Method() == fiber.MethodPost {
		body = append([]byte(nil), c.Body()...)
	}

	return &OriginRequest{
		URL:    target,
		Method: c.Method(),
		Header: header,
		Body:   body,
	}, nil
}

// notModified 判断 If-Modified-Since 是否不早于条目的修改时间（秒级精度）。
func notModified(c fiber.Ctx, modTime time.Time) bool {
	raw := c.Get(fiber.HeaderIfModifiedSince)
	if raw == "" || modTime.IsZero() {
		return false
	}
	since, err := http.ParseTime(raw)
	if err != nil {
		return false
	}
	return !since.Before(modTime.Truncate(time.Second))
}

// copyReplayHeaders 回放白名单响应头；Content-Length 由正文长度决定，不在此处设置。
func copyReplayHeaders(c fiber.Ctx, header http.Header) {
	for _, name := range cache.ReplayHeaders {
		if name == fiber.HeaderContentLength {
			continue
		}
		if value := header.Get(name); value != "" {
			c.Set(name, value)
		}
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrParse), errors.Is(err, cache.ErrInvalidKey):
		return "parse_failed"
	case errors.Is(err, ErrOriginConnect):
		return "origin_connect_failed"
	case errors.Is(err, ErrUnsupportedStatus):
		return "unsupported_status"
	case errors.Is(err, cache.ErrDirectoryCreate):
		return "directory_create_failed"
	case errors.Is(err, cache.ErrWrite):
		return "write_failed"
	case errors.Is(err, cache.ErrRename):
		return "rename_failed"
	case errors.Is(err, cache.ErrRead):
		return "read_failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "client_gone"
	default:
		return "internal_error"
	}
}

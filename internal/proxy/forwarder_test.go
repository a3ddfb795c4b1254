package proxy

import (
	"bytes"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
)

const requestIDKey = "_offline_proxy_request_id"

func newForwarderCtx(t *testing.T, method, uri string) (fiber.Ctx, func()) {
	t.Helper()
	app := fiber.New()
	fctx := new(fasthttp.RequestCtx)
	fctx.Request.Header.SetMethod(method)
	fctx.Request.SetRequestURI(uri)
	raw := app.AcquireCtx(fctx)
	return raw, func() {
		app.ReleaseCtx(raw)
		_ = app.Shutdown()
	}
}

func TestForwarderRejectsUnsupportedMethods(t *testing.T) {
	for _, method := range []string{fiber.MethodPut, fiber.MethodDelete, fiber.MethodHead, fiber.MethodOptions} {
		ctx, release := newForwarderCtx(t, method, "http://example.com/x")
		ctx.Locals(requestIDKey, "req-405")

		logger := logrus.New()
		logBuf := &bytes.Buffer{}
		logger.SetOutput(logBuf)

		forwarder := NewForwarder(nil, nil, nil, logger)
		if err := forwarder.Handle(ctx); err != nil {
			t.Fatalf("%s: unexpected error: %v", method, err)
		}
		if status := ctx.Response().StatusCode(); status != fiber.StatusMethodNotAllowed {
			t.Fatalf("%s: expected 405, got %d", method, status)
		}
		if !strings.Contains(logBuf.String(), "req-405") {
			t.Fatalf("%s: expected log to include request id, got %s", method, logBuf.String())
		}
		release()
	}
}

func TestForwarderRecoversHandlerPanic(t *testing.T) {
	ctx, release := newForwarderCtx(t, fiber.MethodGet, "http://example.com/boom")
	defer release()
	ctx.Locals(requestIDKey, "panic-req")

	logger := logrus.New()
	logBuf := &bytes.Buffer{}
	logger.SetOutput(logBuf)

	// 空的 Handler 在访问磁盘缓存时触发 nil 指针 panic。
	forwarder := NewForwarder(&Handler{logger: logger}, nil, nil, logger)
	if err := forwarder.Handle(ctx); err != nil {
		t.Fatalf("forwarder.Handle returned unexpected error: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusInternalServerError {
		t.Fatalf("expected 500 after panic, got %d", status)
	}
	if body := string(ctx.Response().Body()); !strings.Contains(body, "handler_panic") {
		t.Fatalf("expected handler_panic body, got %s", body)
	}
	if !strings.Contains(logBuf.String(), "panic-req") {
		t.Fatalf("expected log to include request id, got %s", logBuf.String())
	}
}

func TestForwarderClassification(t *testing.T) {
	git := NewGitHandler(&fakeMirrors{}, logrus.New())
	forwarder := NewForwarder(nil, nil, git, logrus.New())

	cases := []struct {
		method    string
		uri       string
		userAgent string
		want      requestClass
		repoPath  string
	}{
		{fiber.MethodConnect, "example.com:443", "", classTunnel, ""},
		{fiber.MethodGet, "http://example.com/a.tgz", "npm/10", classCache, ""},
		{fiber.MethodPost, "http://example.com/api", "git/2.40", classCache, ""},
		{fiber.MethodGet, "https://github.com/o/p.git/info/refs?service=git-upload-pack", "git/2.40.1", classGit, "/o/p.git"},
		{fiber.MethodGet, "http://example.com/no-repo/file", "git/2.40", classCache, ""},
		{fiber.MethodGet, "http://github.com/o/p.git/HEAD", "Mozilla/5.0", classCache, ""},
		{fiber.MethodPatch, "http://example.com/", "", classUnsupported, ""},
	}
	for _, tc := range cases {
		ctx, release := newForwarderCtx(t, tc.method, tc.uri)
		if tc.userAgent != "" {
			ctx.Request().Header.Set(fiber.HeaderUserAgent, tc.userAgent)
		}
		class, repo, _ := forwarder.classify(ctx)
		release()
		if class != tc.want {
			t.Fatalf("%s %s (%s): got %s, want %s", tc.method, tc.uri, tc.userAgent, class, tc.want)
		}
		if tc.repoPath != "" && repo.Path != tc.repoPath {
			t.Fatalf("%s: unexpected repo path %s", tc.uri, repo.Path)
		}
	}
}

func TestForwarderWithoutGitTreatsGitClientsAsCache(t *testing.T) {
	forwarder := NewForwarder(nil, nil, nil, logrus.New())
	ctx, release := newForwarderCtx(t, fiber.MethodGet, "http://github.com/o/p.git/info/refs")
	defer release()
	ctx.Request().Header.Set(fiber.HeaderUserAgent, "git/2.40")

	if class, _, _ := forwarder.classify(ctx); class != classCache {
		t.Fatalf("expected cache class without git handler, got %s", class)
	}
}

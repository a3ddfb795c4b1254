package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/bpaquet/offline-proxy/internal/cache"
	"github.com/bpaquet/offline-proxy/internal/config"
	"github.com/bpaquet/offline-proxy/internal/gitmirror"
	"github.com/bpaquet/offline-proxy/internal/logging"
	"github.com/bpaquet/offline-proxy/internal/server"
)

// testStack 是一套完整的代理：磁盘缓存 + Fiber app + 随机端口监听。
type testStack struct {
	store    cache.Store
	root     string
	handler  *Handler
	proxyURL *url.URL
}

type stackOptions struct {
	fetcher  Fetcher
	mirrors  MirrorResolver
	dial     DialFunc
	upstream string
}

func newTestStack(t *testing.T, opts stackOptions) *testStack {
	t.Helper()

	root := t.TempDir()
	store, err := cache.NewStore(root, cache.Options{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	fetcher := opts.fetcher
	if fetcher == nil {
		cfg := &config.Config{UpstreamProxy: opts.upstream}
		client, err := server.NewUpstreamClient(cfg)
		if err != nil {
			t.Fatalf("new client: %v", err)
		}
		fetcher = NewFetcher(client)
	}

	logger := logging.Discard()
	handler := NewHandler(store, fetcher, logger)
	var git *GitHandler
	if opts.mirrors != nil {
		git = NewGitHandler(opts.mirrors, logger)
	}
	forwarder := NewForwarder(handler, NewTunnel(opts.dial, logger), git, logger)

	app, err := server.NewApp(server.AppOptions{Logger: logger, Proxy: forwarder})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		_ = app.Listener(ln, fiber.ListenConfig{DisableStartupMessage: true})
	}()
	t.Cleanup(func() {
		_ = app.ShutdownWithTimeout(2 * time.Second)
	})

	proxyURL, _ := url.Parse("http://" + ln.Addr().String())
	return &testStack{store: store, root: root, handler: handler, proxyURL: proxyURL}
}

// client 返回经由代理发送请求、不跟随重定向的 http.Client。
func (s *testStack) client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:             http.ProxyURL(s.proxyURL),
			DisableKeepAlives: true,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Timeout: 10 * time.Second,
	}
}

func (s *testStack) get(t *testing.T, target string, header http.Header) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for name, values := range header {
		req.Header[name] = values
	}
	return s.do(t, req)
}

func (s *testStack) do(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := s.client().Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", req.Method, req.URL, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

// waitInFlightEmpty 等待后台回源结束，避免测试结束时 goroutine 仍在写临时目录。
func (s *testStack) waitInFlightEmpty(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for len(s.handler.InFlight()) > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("flights still running: %v", s.handler.InFlight())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// countFiles 统计缓存根目录下的普通文件数量。
func countFiles(t *testing.T, root string) int {
	t.Helper()
	count := 0
	err := filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			count++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", root, err)
	}
	return count
}

type fakeMirrors struct {
	mu    sync.Mutex
	files map[string]string
	err   error
	repos []gitmirror.Repository
}

func (f *fakeMirrors) Resolve(_ context.Context, repo gitmirror.Repository, rel string) (string, error) {
	f.mu.Lock()
	f.repos = append(f.repos, repo)
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if p, ok := f.files[rel]; ok {
		return p, nil
	}
	return "", gitmirror.ErrNotFound
}

func (f *fakeMirrors) resolved() []gitmirror.Repository {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gitmirror.Repository(nil), f.repos...)
}

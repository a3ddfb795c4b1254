package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/bpaquet/offline-proxy/internal/cache"
	"github.com/bpaquet/offline-proxy/internal/server"
)

// OriginRequest 描述一次回源请求，由触发 miss 的第一个客户端请求构造。
type OriginRequest struct {
	URL    *url.URL
	Method string
	Header http.Header
	Body   []byte
}

// Fetcher 执行一次回源请求。测试中可替换为计数或阻塞的实现。
type Fetcher interface {
	Fetch(ctx context.Context, req *OriginRequest) (*http.Response, error)
}

// HTTPFetcher 基于共享 http.Client 回源；上级代理由 client 的 Transport 决定。
type HTTPFetcher struct {
	client *http.Client
}

// NewFetcher 构造 HTTPFetcher。
func NewFetcher(client *http.Client) *HTTPFetcher {
	return &HTTPFetcher{client: client}
}

// Fetch 只透传白名单请求头，返回未经读取的响应，调用方负责关闭 Body。
func (f *HTTPFetcher) Fetch(ctx context.Context, req *OriginRequest) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, fmt.Errorf("%w: empty origin request", ErrParse)
	}

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	outbound, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	server.CopyHeaders(outbound.Header, req.Header, server.ForwardedRequestHeaders)
	outbound.Header.Del("Content-Length")
	outbound.ContentLength = int64(len(req.Body))

	resp, err := f.client.Do(outbound)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOriginConnect, err)
	}
	return resp, nil
}

// classify 将上游状态码归入 200/301/302/404 之一，其余状态码视为本次回源失败。
func classify(resp *http.Response) (cache.Kind, error) {
	kind, ok := cache.KindForStatus(resp.StatusCode)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedStatus, resp.StatusCode)
	}
	return kind, nil
}

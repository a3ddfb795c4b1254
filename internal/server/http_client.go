package server

import (
	"net"
	"net/http"
	"time"

	"github.com/bpaquet/offline-proxy/internal/config"
)

// Shared HTTP transport tunings，复用长连接；只限制建连与 TLS 握手，不限制整体回源耗时。
var defaultTransport = &http.Transport{
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// ForwardedRequestHeaders 是回源时允许透传的请求头，避免把代理内部状态泄露给上游。
var ForwardedRequestHeaders = []string{
	"Content-Type",
	"Accept",
	"User-Agent",
	"Content-Encoding",
	"Accept-Encoding",
	"Content-Length",
}

// NewUpstreamClient 返回共享 http.Client。配置了 UpstreamProxy 时所有回源请求
// 改写为发往该代理的绝对 URL 请求；重定向不跟随，交由缓存层记录 301/302。
func NewUpstreamClient(cfg *config.Config) (*http.Client, error) {
	transport := defaultTransport.Clone()
	transport.Proxy = nil

	if cfg != nil {
		proxyURL, err := cfg.UpstreamProxyURL()
		if err != nil {
			return nil, err
		}
		if proxyURL != nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}

// CopyHeaders 将 src 中位于 allow 列表的头复制到 dst。
func CopyHeaders(dst, src http.Header, allow []string) {
	for _, name := range allow {
		for _, value := range src.Values(name) {
			dst.Add(name, value)
		}
	}
}

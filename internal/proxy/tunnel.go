package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bpaquet/offline-proxy/internal/logging"
	"github.com/bpaquet/offline-proxy/internal/server"
)

const connectEstablished = "HTTP/1.1 200 Connection established\r\n\r\n"

// DialFunc 建立到隧道目标的 TCP 连接，测试中可替换。
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Tunnel 处理 CONNECT：不缓存，只在客户端与目标之间双向转发字节。
type Tunnel struct {
	dial   DialFunc
	logger *logrus.Logger
}

// NewTunnel 构造 Tunnel，dial 为空时使用 30 秒建连超时的 net.Dialer。
func NewTunnel(dial DialFunc, logger *logrus.Logger) *Tunnel {
	if dial == nil {
		dial = (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext
	}
	return &Tunnel{dial: dial, logger: logger}
}

// Handle 先连接目标，成功后接管客户端连接并写出 200 Connection established；
// 连接失败时回复 500 并关闭客户端连接。
func (t *Tunnel) Handle(c fiber.Ctx) error {
	requestID := server.RequestID(c)
	target, err := connectTarget(c)
	if err != nil {
		t.logFailure(target, requestID, err)
		requestsTotal.WithLabelValues(resultError).Inc()
		c.RequestCtx().SetConnectionClose()
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "parse_failed"})
	}

	upstream, err := t.dial(c.Context(), "tcp", target)
	if err != nil {
		t.logFailure(target, requestID, fmt.Errorf("%w: %v", ErrOriginConnect, err))
		requestsTotal.WithLabelValues(resultError).Inc()
		c.RequestCtx().SetConnectionClose()
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "origin_connect_failed"})
	}

	requestsTotal.WithLabelValues(resultTunnel).Inc()
	rc := c.RequestCtx()
	rc.HijackSetNoResponse(true)
	rc.Hijack(func(conn net.Conn) {
		t.splice(conn, upstream, target, requestID)
	})
	return nil
}

// splice 双向拷贝，任一方向结束即关闭两端。
func (t *Tunnel) splice(client, upstream net.Conn, target, requestID string) {
	tunnelsActive.Inc()
	defer tunnelsActive.Dec()

	started := time.Now()
	if _, err := io.WriteString(client, connectEstablished); err != nil {
		client.Close()
		upstream.Close()
		t.logFailure(target, requestID, err)
		return
	}

	// 接管后的客户端连接 Close 不会关闭底层 socket，过期 deadline 用来打断阻塞中的读取，
	// hijack 回调返回后由 fasthttp 关闭真实连接。
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = client.SetDeadline(time.Now())
			client.Close()
			upstream.Close()
		})
	}

	var g errgroup.Group
	var sentUp, sentDown int64
	g.Go(func() error {
		defer closeBoth()
		n, err := io.Copy(upstream, client)
		sentUp = n
		return err
	})
	g.Go(func() error {
		defer closeBoth()
		n, err := io.Copy(client, upstream)
		sentDown = n
		return err
	})
	err := g.Wait()

	fields := logrus.Fields{
		"action":     "tunnel",
		"target":     target,
		"bytes_up":   sentUp,
		"bytes_down": sentDown,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, os.ErrDeadlineExceeded) {
		fields["error"] = err.Error()
	}
	t.logger.WithFields(fields).Info("tunnel_closed")
}

func (t *Tunnel) logFailure(target, requestID string, err error) {
	fields := logging.RequestFields(fiber.MethodConnect, target, "", requestID)
	fields["action"] = "tunnel"
	t.logger.WithError(err).WithFields(fields).Warn("tunnel_failed")
}

// connectTarget 解析 CONNECT 的 host:port 目标，端口必填。
func connectTarget(c fiber.Ctx) (string, error) {
	raw := strings.TrimSpace(string(c.Request().Header.RequestURI()))
	if raw == "" || strings.HasPrefix(raw, "/") {
		raw = strings.TrimSpace(string(c.Request().Header.Host()))
	}
	host, port, err := net.SplitHostPort(raw)
	if err != nil {
		return raw, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if host == "" || port == "" {
		return raw, fmt.Errorf("%w: connect target %q", ErrParse, raw)
	}
	return net.JoinHostPort(host, port), nil
}

package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/bpaquet/offline-proxy/internal/cache"
)

const fetchChunkSize = 32 * 1024

// flightState 描述一次回源的生命周期，只会单向推进。
type flightState int

const (
	stateAwaitingHeaders flightState = iota
	stateStreaming
	stateFinished
	stateFailed
)

func (s flightState) String() string {
	switch s {
	case stateAwaitingHeaders:
		return "awaiting_headers"
	case stateStreaming:
		return "streaming"
	case stateFinished:
		return "finished"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// flight 是同一缓存键上唯一的一次回源。订阅者通过 view 读取快照，
// 每次状态或进度变化都会关闭 changed 并换上新的 channel 来唤醒全部等待者。
type flight struct {
	key    cache.Key
	target *OriginRequest

	mu        sync.Mutex
	state     flightState
	kind      cache.Kind
	header    http.Header
	location  string
	tempPath  string
	finalPath string
	written   int64
	err       error
	changed   chan struct{}
}

// flightView 是 flight 在某一时刻的只读快照。
type flightView struct {
	state     flightState
	kind      cache.Kind
	header    http.Header
	location  string
	tempPath  string
	finalPath string
	written   int64
	err       error
	changed   <-chan struct{}
}

func newFlight(key cache.Key, target *OriginRequest) *flight {
	return &flight{
		key:     key,
		target:  target,
		state:   stateAwaitingHeaders,
		changed: make(chan struct{}),
	}
}

func (f *flight) view() flightView {
	f.mu.Lock()
	defer f.mu.Unlock()
	return flightView{
		state:     f.state,
		kind:      f.kind,
		header:    f.header,
		location:  f.location,
		tempPath:  f.tempPath,
		finalPath: f.finalPath,
		written:   f.written,
		err:       f.err,
		changed:   f.changed,
	}
}

// publish 在锁内修改状态并广播。终态之后的修改会被忽略。
func (f *flight) publish(mutate func(*flight)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == stateFinished || f.state == stateFailed {
		return
	}
	mutate(f)
	close(f.changed)
	f.changed = make(chan struct{})
}

// awaitHeaders 阻塞到 flight 离开 awaiting_headers 或 ctx 结束。
func (f *flight) awaitHeaders(ctx context.Context) (flightView, error) {
	for {
		v := f.view()
		if v.state != stateAwaitingHeaders {
			return v, nil
		}
		select {
		case <-v.changed:
		case <-ctx.Done():
			return v, ctx.Err()
		}
	}
}

// Coalescer 保证同一缓存键同时最多只有一次回源，后来的请求加入已有 flight。
type Coalescer struct {
	store   cache.Store
	fetcher Fetcher
	logger  *logrus.Logger

	mu      sync.Mutex
	flights map[cache.Key]*flight
}

// NewCoalescer 构造 Coalescer。
func NewCoalescer(store cache.Store, fetcher Fetcher, logger *logrus.Logger) *Coalescer {
	return &Coalescer{
		store:   store,
		fetcher: fetcher,
		logger:  logger,
		flights: make(map[cache.Key]*flight),
	}
}

// Join 返回 key 上正在进行的 flight；没有时在锁内再查一次磁盘，
// 仍未命中才登记新的 flight 并启动回源。刚完成的 flight 已先落盘再注销，
// 所以这里的二次查找可以拿到 entry，不会重复回源。
func (c *Coalescer) Join(ctx context.Context, key cache.Key, target *OriginRequest) (*flight, *cache.Entry, bool, error) {
	c.mu.Lock()
	if existing, ok := c.flights[key]; ok {
		c.mu.Unlock()
		return existing, nil, false, nil
	}

	entry, err := c.store.Lookup(ctx, key)
	if err == nil {
		c.mu.Unlock()
		return nil, entry, false, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		c.mu.Unlock()
		return nil, nil, false, err
	}

	f := newFlight(key, target)
	c.flights[key] = f
	c.mu.Unlock()

	inflightFetches.Inc()
	go c.run(f)
	return f, nil, true, nil
}

// InFlight 返回当前正在回源的缓存键，按字典序排列。
func (c *Coalescer) InFlight() []string {
	c.mu.Lock()
	keys := make([]string, 0, len(c.flights))
	for key := range c.flights {
		keys = append(keys, key.String())
	}
	c.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// run 在后台执行回源，与任何单个客户端的生命周期解耦。
func (c *Coalescer) run(f *flight) {
	ctx := context.Background()

	resp, err := c.fetcher.Fetch(ctx, f.target)
	if err != nil {
		c.fail(f, err)
		return
	}
	defer resp.Body.Close()

	kind, err := classify(resp)
	if err != nil {
		c.fail(f, err)
		return
	}

	switch {
	case kind == cache.KindNotFound:
		if err := c.store.WriteNotFound(ctx, f.key); err != nil {
			c.fail(f, err)
			return
		}
		c.finishMarker(f, kind, "")
	case kind.IsRedirect():
		location := resp.Header.Get("Location")
		if err := c.store.WriteRedirect(ctx, f.key, kind, location); err != nil {
			c.fail(f, err)
			return
		}
		c.finishMarker(f, kind, location)
	default:
		c.stream(ctx, f, resp)
	}
}

func (c *Coalescer) stream(ctx context.Context, f *flight, resp *http.Response) {
	writer, err := c.store.BeginWrite(ctx, f.key, resp.Header)
	if err != nil {
		c.fail(f, err)
		return
	}

	f.publish(func(f *flight) {
		f.state = stateStreaming
		f.kind = cache.KindSuccess
		f.header = writer.Header()
		f.tempPath = writer.TempPath()
		f.finalPath = writer.FinalPath()
	})

	buf := make([]byte, fetchChunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := writer.Write(buf[:n]); err != nil {
				_ = writer.Abort()
				c.fail(f, err)
				return
			}
			total := writer.Written()
			f.publish(func(f *flight) {
				f.written = total
			})
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			_ = writer.Abort()
			c.fail(f, fmt.Errorf("%w: %v", ErrOriginConnect, readErr))
			return
		}
	}

	entry, err := writer.Commit()
	if err != nil {
		c.fail(f, err)
		return
	}

	originFetches.WithLabelValues(kindOutcome(cache.KindSuccess)).Inc()
	c.complete(f, func(f *flight) {
		f.state = stateFinished
		f.written = entry.SizeBytes
	})
	c.logger.WithFields(logrus.Fields{
		"action":     "origin_fetch",
		"cache_key":  f.key.String(),
		"status":     cache.KindSuccess.StatusCode(),
		"size_bytes": entry.SizeBytes,
	}).Debug("origin_fetch_complete")
}

func (c *Coalescer) finishMarker(f *flight, kind cache.Kind, location string) {
	originFetches.WithLabelValues(kindOutcome(kind)).Inc()
	c.complete(f, func(f *flight) {
		f.state = stateFinished
		f.kind = kind
		f.location = location
	})
	c.logger.WithFields(logrus.Fields{
		"action":    "origin_fetch",
		"cache_key": f.key.String(),
		"status":    kind.StatusCode(),
	}).Debug("origin_fetch_complete")
}

func (c *Coalescer) fail(f *flight, err error) {
	originFetches.WithLabelValues("failed").Inc()
	c.complete(f, func(f *flight) {
		f.state = stateFailed
		f.err = err
	})
	c.logger.WithError(err).WithFields(logrus.Fields{
		"action":    "origin_fetch",
		"cache_key": f.key.String(),
		"origin":    f.target.URL.String(),
	}).Warn("origin_fetch_failed")
}

// complete 先从登记表注销再发布终态：等待者被唤醒时，后续请求要么命中磁盘，
// 要么登记新的 flight。
func (c *Coalescer) complete(f *flight, mutate func(*flight)) {
	c.mu.Lock()
	if c.flights[f.key] == f {
		delete(c.flights, f.key)
	}
	c.mu.Unlock()
	inflightFetches.Dec()
	f.publish(mutate)
}

func kindOutcome(kind cache.Kind) string {
	return fmt.Sprintf("%d", kind.StatusCode())
}

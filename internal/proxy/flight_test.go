package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bpaquet/offline-proxy/internal/cache"
	"github.com/bpaquet/offline-proxy/internal/logging"
)

// gatedFetcher 在 release 关闭前阻塞，便于观察在途状态。
type gatedFetcher struct {
	calls   int32
	release chan struct{}
	status  int
	body    string
	err     error
}

func (g *gatedFetcher) Fetch(ctx context.Context, req *OriginRequest) (*http.Response, error) {
	atomic.AddInt32(&g.calls, 1)
	if g.release != nil {
		<-g.release
	}
	if g.err != nil {
		return nil, g.err
	}
	return &http.Response{
		StatusCode: g.status,
		Header:     http.Header{"Content-Type": {"text/plain"}},
		Body:       io.NopCloser(strings.NewReader(g.body)),
	}, nil
}

func newTestCoalescer(t *testing.T, fetcher Fetcher) (*Coalescer, cache.Store) {
	t.Helper()
	store, err := cache.NewStore(t.TempDir(), cache.Options{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return NewCoalescer(store, fetcher, logging.Discard()), store
}

func testTarget(raw string) *OriginRequest {
	u, _ := url.Parse(raw)
	return &OriginRequest{URL: u, Method: http.MethodGet, Header: http.Header{}}
}

func waitTerminal(t *testing.T, f *flight) flightView {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		v := f.view()
		if v.state == stateFinished || v.state == stateFailed {
			return v
		}
		select {
		case <-v.changed:
		case <-timeout:
			t.Fatalf("flight did not finish, state=%s", v.state)
		}
	}
}

func TestJoinSharesInFlightFetch(t *testing.T) {
	fetcher := &gatedFetcher{release: make(chan struct{}), status: http.StatusOK, body: "shared"}
	coalescer, store := newTestCoalescer(t, fetcher)
	key := cache.Key{Host: "example.com", Path: "/shared"}

	first, entry, created, err := coalescer.Join(context.Background(), key, testTarget("http://example.com/shared"))
	if err != nil || entry != nil || !created {
		t.Fatalf("first join: created=%v entry=%v err=%v", created, entry, err)
	}
	second, _, created, err := coalescer.Join(context.Background(), key, testTarget("http://example.com/shared"))
	if err != nil || created {
		t.Fatalf("second join should attach: created=%v err=%v", created, err)
	}
	if first != second {
		t.Fatalf("expected the same flight")
	}
	if keys := coalescer.InFlight(); len(keys) != 1 || keys[0] != "example.com/shared" {
		t.Fatalf("unexpected in-flight keys: %v", keys)
	}

	close(fetcher.release)
	view := waitTerminal(t, first)
	if view.state != stateFinished || view.written != int64(len("shared")) {
		t.Fatalf("unexpected terminal view: %+v", view)
	}
	if keys := coalescer.InFlight(); len(keys) != 0 {
		t.Fatalf("registry should be empty, got %v", keys)
	}

	_, entry, created, err = coalescer.Join(context.Background(), key, testTarget("http://example.com/shared"))
	if err != nil || created || entry == nil {
		t.Fatalf("join after completion should return the stored entry: created=%v entry=%v err=%v", created, entry, err)
	}
	if entry.Kind != cache.KindSuccess || entry.SizeBytes != int64(len("shared")) {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if got := atomic.LoadInt32(&fetcher.calls); got != 1 {
		t.Fatalf("expected one fetch, got %d", got)
	}
	if _, err := store.Lookup(context.Background(), key); err != nil {
		t.Fatalf("lookup: %v", err)
	}
}

func TestFailedFlightIsForgotten(t *testing.T) {
	fetcher := &gatedFetcher{err: ErrOriginConnect}
	coalescer, _ := newTestCoalescer(t, fetcher)
	key := cache.Key{Host: "example.com", Path: "/down"}

	f, _, _, err := coalescer.Join(context.Background(), key, testTarget("http://example.com/down"))
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	view := waitTerminal(t, f)
	if view.state != stateFailed || !errors.Is(view.err, ErrOriginConnect) {
		t.Fatalf("unexpected terminal view: %+v", view)
	}

	_, _, created, err := coalescer.Join(context.Background(), key, testTarget("http://example.com/down"))
	if err != nil || !created {
		t.Fatalf("a new request after failure should start a fresh fetch: created=%v err=%v", created, err)
	}
}

func TestFlightRecordsMarkers(t *testing.T) {
	cases := []struct {
		status int
		kind   cache.Kind
	}{
		{http.StatusNotFound, cache.KindNotFound},
		{http.StatusMovedPermanently, cache.KindRedirectPermanent},
		{http.StatusFound, cache.KindRedirectTemporary},
	}
	for _, tc := range cases {
		fetcher := &gatedFetcher{status: tc.status}
		coalescer, store := newTestCoalescer(t, fetcher)
		key := cache.Key{Host: "example.com", Path: "/marker"}

		f, _, _, err := coalescer.Join(context.Background(), key, testTarget("http://example.com/marker"))
		if err != nil {
			t.Fatalf("join: %v", err)
		}
		view := waitTerminal(t, f)
		if view.state != stateFinished || view.kind != tc.kind {
			t.Fatalf("status %d: unexpected view %+v", tc.status, view)
		}
		entry, err := store.Lookup(context.Background(), key)
		if err != nil || entry.Kind != tc.kind {
			t.Fatalf("status %d: marker not stored: %v %v", tc.status, entry, err)
		}
	}
}

func TestUnsupportedStatusFailsFlight(t *testing.T) {
	fetcher := &gatedFetcher{status: http.StatusBadGateway}
	coalescer, store := newTestCoalescer(t, fetcher)
	key := cache.Key{Host: "example.com", Path: "/bad"}

	f, _, _, _ := coalescer.Join(context.Background(), key, testTarget("http://example.com/bad"))
	view := waitTerminal(t, f)
	if view.state != stateFailed || !errors.Is(view.err, ErrUnsupportedStatus) {
		t.Fatalf("unexpected terminal view: %+v", view)
	}
	if _, err := store.Lookup(context.Background(), key); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("nothing should be cached, got %v", err)
	}
}

func TestAwaitHeadersHonoursContext(t *testing.T) {
	f := newFlight(cache.Key{Host: "example.com", Path: "/slow"}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := f.awaitHeaders(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

// flakyFetcher 返回在读取 failAfter 字节后中断的正文。
type flakyFetcher struct {
	payload   []byte
	failAfter int
}

func (f *flakyFetcher) Fetch(context.Context, *OriginRequest) (*http.Response, error) {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       io.NopCloser(&flakyReader{payload: f.payload, failAfter: f.failAfter}),
	}, nil
}

type flakyReader struct {
	payload   []byte
	failAfter int
	readBytes int
}

func (f *flakyReader) Read(p []byte) (int, error) {
	if f.readBytes >= f.failAfter {
		return 0, io.ErrUnexpectedEOF
	}
	remaining := f.failAfter - f.readBytes
	if remaining > len(p) {
		remaining = len(p)
	}
	copy(p[:remaining], f.payload[f.readBytes:f.readBytes+remaining])
	f.readBytes += remaining
	return remaining, nil
}

func TestInterruptedStreamLeavesNoEntry(t *testing.T) {
	coalescer, store := newTestCoalescer(t, &flakyFetcher{payload: []byte("partial_data"), failAfter: 5})
	key := cache.Key{Host: "example.com", Path: "/interrupt/blob.tar"}

	f, _, _, err := coalescer.Join(context.Background(), key, testTarget("http://example.com/interrupt/blob.tar"))
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	view := waitTerminal(t, f)
	if view.state != stateFailed || !errors.Is(view.err, ErrOriginConnect) {
		t.Fatalf("expected origin failure, got %+v", view)
	}

	if _, err := store.Lookup(context.Background(), key); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("interrupted fetch must not publish an entry, got %v", err)
	}
	temp, final, err := store.Paths(key)
	if err != nil {
		t.Fatalf("paths: %v", err)
	}
	for _, p := range []string{temp, final} {
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("expected %s to be absent, got err=%v", p, err)
		}
	}
}

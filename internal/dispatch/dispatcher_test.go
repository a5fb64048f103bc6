package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/proxy-dispatch-service/internal/counter"
	"github.com/proxy-dispatch-service/internal/ratelimit"
	"github.com/proxy-dispatch-service/internal/registry"
	"github.com/proxy-dispatch-service/internal/selector"
	"github.com/proxy-dispatch-service/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// proxyFromServer turns an httptest server into a proxy endpoint: HTTP
// proxying of plain http:// URLs delivers the absolute request to the proxy
// host, so the test server can answer for any upstream domain.
func proxyFromServer(t *testing.T, srv *httptest.Server, id string, maxConcurrent int) types.Proxy {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return types.Proxy{
		ID:       id,
		Tier:     types.TierDatacenter,
		Host:     u.Hostname(),
		Port:     port,
		Protocol: "http",
		Limits:   types.Limits{MaxConcurrent: maxConcurrent},
	}
}

func newDispatcher(t *testing.T, opts Options, rules []types.RateLimitRule, proxies ...types.Proxy) (*Dispatcher, *registry.Registry) {
	t.Helper()
	reg, err := registry.New(proxies)
	require.NoError(t, err)
	limiter := ratelimit.New(counter.NewMemoryStore(), rules)
	sel := selector.New(reg, limiter)
	return New(sel, reg, nil, opts), reg
}

func TestEnqueueValidatesURL(t *testing.T) {
	d, _ := newDispatcher(t, Options{}, nil)

	_, err := d.Enqueue(Request{URL: "://bad"})
	assert.Error(t, err)

	_, err = d.Enqueue(Request{URL: "relative/path"})
	require.Error(t, err)
	assert.ErrorContains(t, err, "no host")
}

func TestEnqueueQueueFull(t *testing.T) {
	d, _ := newDispatcher(t, Options{MaxQueue: 1}, nil)

	_, err := d.Enqueue(Request{URL: "http://example.com/"})
	require.NoError(t, err)

	_, err = d.Enqueue(Request{URL: "http://example.com/"})
	assert.True(t, errors.Is(err, types.ErrQueueFull))
}

func TestDrainBatchPriorityOrder(t *testing.T) {
	d, _ := newDispatcher(t, Options{BatchSize: 10}, nil)

	for i, prio := range []int{5, 5, 9, 1} {
		_, err := d.Enqueue(Request{
			URL:      fmt.Sprintf("http://example.com/%d", i),
			Priority: prio,
		})
		require.NoError(t, err)
	}

	batch := d.drainBatch()
	require.Len(t, batch, 4)

	gotPriorities := []int{}
	gotPaths := []string{}
	for _, it := range batch {
		gotPriorities = append(gotPriorities, it.req.Priority)
		gotPaths = append(gotPaths, it.req.URL)
	}

	assert.Equal(t, []int{9, 5, 5, 1}, gotPriorities)
	// FIFO within the priority-5 band
	assert.Equal(t, "http://example.com/0", gotPaths[1])
	assert.Equal(t, "http://example.com/1", gotPaths[2])
}

func TestDrainBatchRespectsBatchSize(t *testing.T) {
	d, _ := newDispatcher(t, Options{BatchSize: 2}, nil)

	for i := 0; i < 5; i++ {
		_, err := d.Enqueue(Request{URL: "http://example.com/"})
		require.NoError(t, err)
	}

	assert.Len(t, d.drainBatch(), 2)
	assert.Equal(t, 3, d.QueueDepth())
}

func TestPriorityClamping(t *testing.T) {
	d, _ := newDispatcher(t, Options{}, nil)

	h, err := d.Enqueue(Request{URL: "http://example.com/", Priority: 99})
	require.NoError(t, err)
	require.NotNil(t, h)

	batch := d.drainBatch()
	require.Len(t, batch, 1)
	assert.Equal(t, MaxPriority, batch[0].req.Priority)
}

func TestDispatchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		fmt.Fprint(w, "hello")
	}))
	defer srv.Close()

	d, reg := newDispatcher(t, Options{TickInterval: 10 * time.Millisecond, BatchSize: 4}, nil,
		proxyFromServer(t, srv, "p1", 4))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	handle, err := d.Enqueue(Request{URL: "http://upstream.test/data", Priority: 5})
	require.NoError(t, err)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()

	resp, err := handle.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", string(resp.Body))
	assert.Equal(t, "yes", resp.Headers.Get("X-Upstream"))
	assert.Equal(t, "p1", resp.ProxyID)

	cand, err := reg.FindByID("p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cand.TotalRequests)
	assert.Equal(t, int64(0), cand.Failures)
	assert.Equal(t, 0, cand.Usage, "reservation released after outcome")
	assert.Equal(t, int64(len("hello")), cand.TotalBytes)
}

func TestDispatchUpstreamErrorIsTransportSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	d, reg := newDispatcher(t, Options{TickInterval: 10 * time.Millisecond}, nil,
		proxyFromServer(t, srv, "p1", 4))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	handle, err := d.Enqueue(Request{URL: "http://upstream.test/"})
	require.NoError(t, err)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()

	resp, err := handle.Wait(waitCtx)
	require.Error(t, err)

	var upstream *types.UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, http.StatusInternalServerError, upstream.StatusCode)
	require.NotNil(t, resp, "the upstream response is still delivered")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	cand, findErr := reg.FindByID("p1")
	require.NoError(t, findErr)
	assert.Equal(t, int64(0), cand.Failures, "upstream errors do not count against proxy health")
	assert.Equal(t, int64(1), cand.TotalRequests)
}

func TestDispatchTransportError(t *testing.T) {
	// Reserve a port, then close the listener so connections are refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	dead := types.Proxy{
		ID:       "dead",
		Tier:     types.TierDatacenter,
		Host:     "127.0.0.1",
		Port:     addr.Port,
		Protocol: "http",
		Limits:   types.Limits{MaxConcurrent: 4},
	}

	d, reg := newDispatcher(t, Options{TickInterval: 10 * time.Millisecond}, nil, dead)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	handle, err := d.Enqueue(Request{URL: "http://upstream.test/", Timeout: time.Second})
	require.NoError(t, err)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer waitCancel()

	resp, err := handle.Wait(waitCtx)
	require.Error(t, err)
	assert.Nil(t, resp)

	var transportErr *types.TransportError
	require.True(t, errors.As(err, &transportErr))
	assert.Equal(t, "dead", transportErr.ProxyID)

	cand, findErr := reg.FindByID("dead")
	require.NoError(t, findErr)
	assert.Equal(t, int64(1), cand.Failures, "connection failures count against proxy health")
	assert.Equal(t, 0, cand.Usage)
}

func TestDispatchRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	// BatchSize 1 serializes execution, making the denial deterministic.
	d, _ := newDispatcher(t, Options{TickInterval: 10 * time.Millisecond, BatchSize: 1},
		[]types.RateLimitRule{{Domain: "upstream.test", Requests: 1, WindowMs: 60000}},
		proxyFromServer(t, srv, "p1", 4))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	first, err := d.Enqueue(Request{URL: "http://upstream.test/"})
	require.NoError(t, err)
	second, err := d.Enqueue(Request{URL: "http://upstream.test/"})
	require.NoError(t, err)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer waitCancel()

	_, err = first.Wait(waitCtx)
	require.NoError(t, err)

	_, err = second.Wait(waitCtx)
	assert.True(t, errors.Is(err, types.ErrRateLimitExceeded))
}

func TestDispatchWaitsForSaturatedProxy(t *testing.T) {
	var inflight, maxInflight atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			prev := maxInflight.Load()
			if cur <= prev || maxInflight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(60 * time.Millisecond)
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	d, _ := newDispatcher(t, Options{TickInterval: 10 * time.Millisecond, BatchSize: 4}, nil,
		proxyFromServer(t, srv, "solo", 1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	h1, err := d.Enqueue(Request{URL: "http://upstream.test/a"})
	require.NoError(t, err)
	h2, err := d.Enqueue(Request{URL: "http://upstream.test/b"})
	require.NoError(t, err)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()

	_, err = h1.Wait(waitCtx)
	require.NoError(t, err)
	_, err = h2.Wait(waitCtx)
	require.NoError(t, err, "the second request waits for the slot instead of failing")

	assert.Equal(t, int64(1), maxInflight.Load(), "usage never exceeds MaxConcurrent=1")
}

func TestWaitingRequestsDoNotConsumeRateWindow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(60 * time.Millisecond)
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	reg, err := registry.New([]types.Proxy{proxyFromServer(t, srv, "solo", 1)})
	require.NoError(t, err)
	store := counter.NewMemoryStore()
	limiter := ratelimit.New(store, []types.RateLimitRule{
		{Domain: "upstream.test", Requests: 3, WindowMs: 60000},
	})
	d := New(selector.New(reg, limiter), reg, nil, Options{
		TickInterval: 10 * time.Millisecond,
		BatchSize:    4,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	// With MaxConcurrent=1 the second request requeues through many ticks
	// before the slot frees. None of those ticks may touch the window.
	h1, err := d.Enqueue(Request{URL: "http://upstream.test/a"})
	require.NoError(t, err)
	h2, err := d.Enqueue(Request{URL: "http://upstream.test/b"})
	require.NoError(t, err)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()

	_, err = h1.Wait(waitCtx)
	require.NoError(t, err)
	_, err = h2.Wait(waitCtx)
	require.NoError(t, err, "two requests against a window of three must both go through")

	used, ok, err := store.Get(context.Background(), "ratelimit:upstream.test")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), used, "the window counts dispatched requests, one per execution")
}

func TestDispatchNoProxyForDeadPool(t *testing.T) {
	d, reg := newDispatcher(t, Options{TickInterval: 10 * time.Millisecond}, nil,
		types.Proxy{
			ID: "down", Tier: types.TierDatacenter, Host: "10.0.0.1", Port: 8080,
			Protocol: "http", Limits: types.Limits{MaxConcurrent: 4},
		})
	require.NoError(t, reg.SetStatus("down", types.StatusFailed))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	handle, err := d.Enqueue(Request{URL: "http://upstream.test/"})
	require.NoError(t, err)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()

	_, err = handle.Wait(waitCtx)
	assert.True(t, errors.Is(err, types.ErrNoProxyAvailable))
}

func TestStopResolvesQueuedRequests(t *testing.T) {
	d, _ := newDispatcher(t, Options{}, nil)

	handle, err := d.Enqueue(Request{URL: "http://example.com/"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	d.Stop()

	select {
	case res := <-handle.Done():
		assert.True(t, errors.Is(res.Err, types.ErrDispatcherClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("queued request was silently dropped at shutdown")
	}

	_, err = d.Enqueue(Request{URL: "http://example.com/"})
	assert.True(t, errors.Is(err, types.ErrDispatcherClosed))
}

func TestHandleResolvesExactlyOnce(t *testing.T) {
	h := newHandle()
	h.resolve(Result{Err: types.ErrNoProxyAvailable})
	h.resolve(Result{Response: &Response{StatusCode: 200}})

	res := <-h.Done()
	assert.True(t, errors.Is(res.Err, types.ErrNoProxyAvailable), "first resolution wins")

	select {
	case <-h.Done():
		t.Fatal("handle resolved twice")
	case <-time.After(50 * time.Millisecond):
	}
}

package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/proxy-dispatch-service/internal/metrics"
	"github.com/proxy-dispatch-service/internal/registry"
	"github.com/proxy-dispatch-service/internal/selector"
	"github.com/proxy-dispatch-service/internal/transport"
	"github.com/proxy-dispatch-service/internal/types"
	log "github.com/sirupsen/logrus"
)

const (
	MinPriority = 1
	MaxPriority = 10
)

// Request is a caller's egress request. Priority runs 1-10, higher first.
// Retries is carried for the caller's own retry policy; the dispatcher never
// loops internally.
type Request struct {
	URL       string
	Method    string
	Headers   map[string]string
	Body      []byte
	Timeout   time.Duration
	Retries   int
	Tier      types.Tier
	Country   string
	UserAgent string
	Priority  int
}

// Options tune the drain loop and queue bound.
type Options struct {
	TickInterval time.Duration
	BatchSize    int
	MaxQueue     int
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.TickInterval <= 0 {
		out.TickInterval = 50 * time.Millisecond
	}
	if out.BatchSize <= 0 {
		out.BatchSize = 16
	}
	if out.MaxQueue <= 0 {
		out.MaxQueue = 10000
	}
	return out
}

type item struct {
	req      Request
	handle   *Handle
	domain   string
	enqueued time.Time
	seq      uint64
}

// Dispatcher owns the priority queue and the bounded executor that drains it.
// Enqueue never blocks; a background tick re-sorts the queue by descending
// priority (FIFO within a band) and admits up to BatchSize items into
// concurrent execution.
type Dispatcher struct {
	selector *selector.Selector
	registry *registry.Registry
	metrics  *metrics.Collector
	opts     Options

	mu     sync.Mutex
	queue  []*item
	seq    uint64
	closed bool

	transportMu sync.Mutex
	transports  map[string]*http.Transport

	sem      chan struct{}
	stop     chan struct{}
	loopDone chan struct{}
	inflight sync.WaitGroup
}

func New(sel *selector.Selector, reg *registry.Registry, collector *metrics.Collector, opts Options) *Dispatcher {
	o := opts.withDefaults()
	return &Dispatcher{
		selector:   sel,
		registry:   reg,
		metrics:    collector,
		opts:       o,
		transports: make(map[string]*http.Transport),
		sem:        make(chan struct{}, o.BatchSize),
		stop:       make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
}

// Enqueue appends a request and returns its completion handle immediately.
// The handle resolves exactly once, with a response or a failure.
func (d *Dispatcher) Enqueue(req Request) (*Handle, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid request url %q: %w", req.URL, err)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("invalid request url %q: no host", req.URL)
	}

	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.Timeout <= 0 {
		req.Timeout = 30 * time.Second
	}
	if req.Priority < MinPriority {
		req.Priority = MinPriority
	}
	if req.Priority > MaxPriority {
		req.Priority = MaxPriority
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, types.ErrDispatcherClosed
	}
	if len(d.queue) >= d.opts.MaxQueue {
		return nil, types.ErrQueueFull
	}

	d.seq++
	it := &item{
		req:      req,
		handle:   newHandle(),
		domain:   u.Hostname(),
		enqueued: time.Now(),
		seq:      d.seq,
	}
	d.queue = append(d.queue, it)
	d.metrics.SetQueueDepth(len(d.queue))

	return it.handle, nil
}

// QueueDepth reports how many requests are waiting.
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Start launches the drain loop. The loop stops when ctx is cancelled or
// Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	go func() {
		defer close(d.loopDone)

		ticker := time.NewTicker(d.opts.TickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stop:
				return
			case <-ticker.C:
				d.drain(ctx)
			}
		}
	}()
}

// Stop halts the drain loop, waits for in-flight executions and resolves
// everything still queued with ErrDispatcherClosed. No request is silently
// dropped.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	close(d.stop)
	<-d.loopDone
	d.inflight.Wait()

	d.mu.Lock()
	pending := d.queue
	d.queue = nil
	d.metrics.SetQueueDepth(0)
	d.mu.Unlock()

	for _, it := range pending {
		it.handle.resolve(Result{Err: types.ErrDispatcherClosed})
	}

	if len(pending) > 0 {
		log.Warnf("Dispatcher stopped with %d queued requests unresolved by execution", len(pending))
	}
}

// drainBatch pulls the next batch in priority order. Exposed to the drain
// loop and to tests.
func (d *Dispatcher) drainBatch() []*item {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.queue) == 0 {
		return nil
	}

	// Stable sort keeps FIFO order inside a priority band; the seq
	// tiebreak makes it explicit even if the sort were unstable.
	sort.SliceStable(d.queue, func(i, j int) bool {
		if d.queue[i].req.Priority != d.queue[j].req.Priority {
			return d.queue[i].req.Priority > d.queue[j].req.Priority
		}
		return d.queue[i].seq < d.queue[j].seq
	})

	n := d.opts.BatchSize
	if n > len(d.queue) {
		n = len(d.queue)
	}
	batch := d.queue[:n]
	d.queue = append([]*item(nil), d.queue[n:]...)
	d.metrics.SetQueueDepth(len(d.queue))
	return batch
}

func (d *Dispatcher) drain(ctx context.Context) {
	batch := d.drainBatch()
	for _, it := range batch {
		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			it.handle.resolve(Result{Err: types.ErrDispatcherClosed})
			continue
		case <-d.stop:
			it.handle.resolve(Result{Err: types.ErrDispatcherClosed})
			continue
		}

		d.inflight.Add(1)
		go func(it *item) {
			defer d.inflight.Done()
			defer func() { <-d.sem }()
			d.execute(ctx, it)
		}(it)
	}
}

// requeue puts an item back in the queue keeping its original seq, so it
// stays at the head of its priority band for the next drain. Returns false
// once the dispatcher is closed.
func (d *Dispatcher) requeue(it *item) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false
	}
	d.queue = append(d.queue, it)
	d.metrics.SetQueueDepth(len(d.queue))
	return true
}

// execute runs one item end to end: pick a proxy, make the call, record the
// outcome, resolve the handle.
func (d *Dispatcher) execute(ctx context.Context, it *item) {
	cand, err := d.selector.Pick(ctx, it.domain, it.req.Tier, it.req.Country)
	if err != nil {
		switch {
		case errors.Is(err, types.ErrRateLimitExceeded):
			d.metrics.RecordDispatch("rate_limited")
			d.metrics.RecordRateLimitDenial()
		case errors.Is(err, types.ErrNoProxyAvailable):
			// A saturated pool frees up when an outcome is recorded;
			// only an exhausted or unhealthy pool is a terminal
			// failure.
			tier := d.selector.ResolveTier(it.domain, it.req.Tier)
			if d.registry.HasUsable(tier, it.req.Country) && d.requeue(it) {
				return
			}
			d.metrics.RecordDispatch("no_proxy")
		default:
			d.metrics.RecordDispatch("error")
		}
		it.handle.resolve(Result{Err: err})
		return
	}

	proxyID := cand.Proxy.ID
	start := time.Now()

	resp, err := d.roundTrip(ctx, it, cand.Proxy)
	duration := time.Since(start)
	d.metrics.RecordDispatchDuration(duration.Seconds())

	if err != nil {
		if recErr := d.registry.RecordOutcome(proxyID, types.Outcome{
			Success:      false,
			ResponseTime: duration,
		}); recErr != nil {
			log.Errorf("Record outcome for %s: %v", proxyID, recErr)
		}
		d.metrics.RecordDispatch("transport_error")
		log.WithFields(log.Fields{
			"proxy":  proxyID,
			"domain": it.domain,
		}).Debugf("Transport failure: %v", err)
		it.handle.resolve(Result{Err: &types.TransportError{ProxyID: proxyID, Err: err}})
		return
	}

	resp.ProxyID = proxyID
	resp.Duration = duration

	if recErr := d.registry.RecordOutcome(proxyID, types.Outcome{
		Success:          true,
		ResponseTime:     duration,
		BytesTransferred: int64(len(resp.Body)),
	}); recErr != nil {
		log.Errorf("Record outcome for %s: %v", proxyID, recErr)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.metrics.RecordDispatch("success")
		it.handle.resolve(Result{Response: resp})
		return
	}

	// Upstream errors are a transport success for proxy stats; the proxy
	// did its job.
	d.metrics.RecordDispatch("upstream_error")
	it.handle.resolve(Result{
		Response: resp,
		Err: &types.UpstreamError{
			StatusCode: resp.StatusCode,
			Status:     http.StatusText(resp.StatusCode),
		},
	})
}

func (d *Dispatcher) roundTrip(ctx context.Context, it *item, p types.Proxy) (*Response, error) {
	tr, err := d.transportFor(p)
	if err != nil {
		return nil, err
	}

	client := &http.Client{
		Transport: tr,
		Timeout:   it.req.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	var body io.Reader
	if len(it.req.Body) > 0 {
		body = bytes.NewReader(it.req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, it.req.Method, it.req.URL, body)
	if err != nil {
		return nil, err
	}
	for k, v := range it.req.Headers {
		httpReq.Header.Set(k, v)
	}
	if it.req.UserAgent != "" {
		httpReq.Header.Set("User-Agent", it.req.UserAgent)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Header.Clone(),
		Body:       respBody,
	}, nil
}

// transportFor caches one transport per proxy so connection pools are reused
// across requests with differing timeouts.
func (d *Dispatcher) transportFor(p types.Proxy) (*http.Transport, error) {
	d.transportMu.Lock()
	defer d.transportMu.Unlock()

	if tr, ok := d.transports[p.ID]; ok {
		return tr, nil
	}
	tr, err := transport.NewTransport(p)
	if err != nil {
		return nil, err
	}
	d.transports[p.ID] = tr
	return tr, nil
}

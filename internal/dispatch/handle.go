package dispatch

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Response is the upstream answer delivered to the caller.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	ProxyID    string
	Duration   time.Duration
}

// Result is the terminal outcome of a queued request. For a non-2xx upstream
// status both Response and Err are set, Err being an *types.UpstreamError.
type Result struct {
	Response *Response
	Err      error
}

// Handle is the one-shot completion side of a queued request. The dispatcher
// resolves it exactly once; construction guarantees there is no second
// delivery path.
type Handle struct {
	done chan Result
	once sync.Once
}

func newHandle() *Handle {
	return &Handle{done: make(chan Result, 1)}
}

func (h *Handle) resolve(res Result) {
	h.once.Do(func() {
		h.done <- res
	})
}

// Done exposes the completion channel for select-based callers.
func (h *Handle) Done() <-chan Result {
	return h.done
}

// Wait blocks until the request completes or the context expires. Waiting in
// the queue cannot be cancelled; an expired context abandons the handle but
// the request still runs to completion.
func (h *Handle) Wait(ctx context.Context) (*Response, error) {
	select {
	case res := <-h.done:
		return res.Response, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

package types

import (
	"errors"
	"fmt"
)

var (
	// ErrRateLimitExceeded means the domain's admission window is exhausted.
	// Recoverable by caller backoff.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrNoProxyAvailable means the requested tier has no eligible proxy.
	ErrNoProxyAvailable = errors.New("no proxy available")

	// ErrQueueFull means the dispatch queue hit its configured bound.
	ErrQueueFull = errors.New("dispatch queue full")

	// ErrProxyNotFound is returned for lookups of unknown proxy IDs.
	ErrProxyNotFound = errors.New("proxy not found")

	// ErrDispatcherClosed resolves requests still queued at shutdown.
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

// TransportError wraps a network or timeout failure on the path through a
// proxy. It is recorded as a proxy failure.
type TransportError struct {
	ProxyID string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error via proxy %s: %v", e.ProxyID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// UpstreamError is a non-2xx response from the target server. It is surfaced
// as-is and does not count against proxy health.
type UpstreamError struct {
	StatusCode int
	Status     string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned %s", e.Status)
}

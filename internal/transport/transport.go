package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/proxy-dispatch-service/internal/types"
	xproxy "golang.org/x/net/proxy"
)

// NewTransport builds an http.Transport routed through the given proxy.
// Credentials travel as structured URL userinfo or SOCKS auth, never as a
// concatenated string.
func NewTransport(p types.Proxy) (*http.Transport, error) {
	switch p.Protocol {
	case "", "http", "https":
		return newHTTPTransport(p), nil
	case "socks5":
		return newSOCKS5Transport(p)
	default:
		return nil, fmt.Errorf("proxy %s: unsupported protocol %q", p.ID, p.Protocol)
	}
}

func newHTTPTransport(p types.Proxy) *http.Transport {
	proxyURL := &url.URL{
		Scheme: "http",
		Host:   p.Addr(),
	}
	if p.Credentials != nil {
		proxyURL.User = url.UserPassword(p.Credentials.Username, p.Credentials.Password)
	}

	return &http.Transport{
		Proxy: http.ProxyURL(proxyURL),
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     false,
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

func newSOCKS5Transport(p types.Proxy) (*http.Transport, error) {
	var auth *xproxy.Auth
	if p.Credentials != nil {
		auth = &xproxy.Auth{
			User:     p.Credentials.Username,
			Password: p.Credentials.Password,
		}
	}

	dialer, err := xproxy.SOCKS5("tcp", p.Addr(), auth, xproxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("proxy %s: socks5 dialer: %w", p.ID, err)
	}

	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cd, ok := dialer.(xproxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return dialer.Dial(network, addr)
		},
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}, nil
}

// NewClient wraps a proxied transport in a client with a total request
// timeout. Redirects are not followed; the caller sees the upstream response
// as the target server sent it.
func NewClient(p types.Proxy, timeout time.Duration) (*http.Client, error) {
	tr, err := NewTransport(p)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Transport: tr,
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}

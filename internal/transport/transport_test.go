package transport

import (
	"net/http"
	"testing"
	"time"

	"github.com/proxy-dispatch-service/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTransportHTTPCredentials(t *testing.T) {
	tr, err := NewTransport(types.Proxy{
		ID:       "p1",
		Host:     "10.0.0.1",
		Port:     3128,
		Protocol: "http",
		Credentials: &types.Credentials{
			Username: "user",
			Password: "p@ss:word",
		},
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	require.NoError(t, err)

	proxyURL, err := tr.Proxy(req)
	require.NoError(t, err)
	require.NotNil(t, proxyURL)

	assert.Equal(t, "10.0.0.1:3128", proxyURL.Host)
	assert.Equal(t, "user", proxyURL.User.Username())
	pass, ok := proxyURL.User.Password()
	require.True(t, ok)
	assert.Equal(t, "p@ss:word", pass, "special characters survive as structured userinfo")
}

func TestNewTransportHTTPWithoutCredentials(t *testing.T) {
	tr, err := NewTransport(types.Proxy{ID: "p1", Host: "10.0.0.1", Port: 3128, Protocol: "http"})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	require.NoError(t, err)

	proxyURL, err := tr.Proxy(req)
	require.NoError(t, err)
	require.NotNil(t, proxyURL)
	assert.Nil(t, proxyURL.User)
}

func TestNewTransportSOCKS5(t *testing.T) {
	tr, err := NewTransport(types.Proxy{
		ID:       "p1",
		Host:     "10.0.0.1",
		Port:     1080,
		Protocol: "socks5",
		Credentials: &types.Credentials{
			Username: "user",
			Password: "pass",
		},
	})
	require.NoError(t, err)
	assert.Nil(t, tr.Proxy, "socks5 routes through the dialer, not the Proxy hook")
	assert.NotNil(t, tr.DialContext)
}

func TestNewTransportUnsupportedProtocol(t *testing.T) {
	_, err := NewTransport(types.Proxy{ID: "p1", Host: "10.0.0.1", Port: 9, Protocol: "gopher"})
	assert.ErrorContains(t, err, "unsupported protocol")
}

func TestNewClientDoesNotFollowRedirects(t *testing.T) {
	client, err := NewClient(types.Proxy{ID: "p1", Host: "10.0.0.1", Port: 3128, Protocol: "http"}, 10*time.Second)
	require.NoError(t, err)

	require.NotNil(t, client.CheckRedirect)
	err = client.CheckRedirect(nil, nil)
	assert.Equal(t, http.ErrUseLastResponse, err)
	assert.Equal(t, 10*time.Second, client.Timeout)
}

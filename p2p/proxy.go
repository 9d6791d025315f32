package p2p

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// newProxyHTTPClient builds the HTTP client used for websocket handshakes when outbound dials
// must traverse a proxy. socks5 and socks5h go through golang.org/x/net/proxy; http and https
// proxies use CONNECT via net/http.
func newProxyHTTPClient(raw string) (*http.Client, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedProxy, err)
	}
	forward := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        0,
	}
	switch strings.ToLower(u.Scheme) {
	case "socks5", "socks5h":
		dialer, err := proxy.FromURL(u, forward)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedProxy, err)
		}
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		} else {
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	case "http", "https":
		transport.Proxy = http.ProxyURL(u)
		transport.DialContext = forward.DialContext
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProxy, u.Scheme)
	}
	return &http.Client{Transport: transport}, nil
}

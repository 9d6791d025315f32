package p2p

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWebSocketLoopbackExchange(t *testing.T) {
	transport, err := NewWebSocketTransport(WebSocketConfig{ListenHost: "127.0.0.1"})
	require.NoError(t, err)

	registry := NewServerRegistry()
	server := NewServerListener(transport, registry)
	t.Cleanup(func() { _ = registry.Reset() })

	var (
		mu          sync.Mutex
		inbound     *Conn
		serverGot   []string
		serverClose string
		clientGot   []string
		clientOpen  error
		clientClose bool
	)

	l, err := server.CreateServer(context.Background(), ListenerConfig{
		URL:     "ws://127.0.0.1",
		Port:    0,
		OnStart: func(error, *Listener) {},
		OnConnection: func(err error, c *Conn) {
			if err != nil {
				return
			}
			mu.Lock()
			inbound = c
			mu.Unlock()
		},
		OnMessage: func(c *Conn, frame []byte) {
			mu.Lock()
			serverGot = append(serverGot, string(frame))
			mu.Unlock()
			SendMessage(c, "ack", map[string]int{"n": len(frame)})
		},
		OnError: func(*Conn, error) {},
		OnClose: func(_ *Conn, reason string) {
			mu.Lock()
			serverClose = reason
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	target := fmt.Sprintf("ws://127.0.0.1:%d", port)

	dialer := NewClientDialer(transport, NewOutboundCache())
	opened := make(chan struct{})
	conn, err := dialer.ConnectToServer(context.Background(), DialConfig{
		MinerGateway: target,
		OnOpen: func(err error, c *Conn) {
			mu.Lock()
			clientOpen = err
			mu.Unlock()
			close(opened)
		},
		OnMessage: func(c *Conn, frame []byte) {
			mu.Lock()
			clientGot = append(clientGot, string(frame))
			mu.Unlock()
		},
		OnError: func(*Conn, error) {},
		OnClose: func(*Conn, string) {
			mu.Lock()
			clientClose = true
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	select {
	case <-opened:
	case <-time.After(5 * time.Second):
		t.Fatalf("dial did not open")
	}
	mu.Lock()
	require.NoError(t, clientOpen)
	mu.Unlock()
	require.Equal(t, target, conn.Peer())

	require.True(t, SendMessage(conn, "hello", map[string]int{"v": 1}))
	wait(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(clientGot) == 1
	})

	mu.Lock()
	require.Equal(t, []string{`["hello",{"v":1}]`}, serverGot)
	require.Equal(t, `["ack",{"n":17}]`, clientGot[0])
	require.NotNil(t, inbound)
	require.Equal(t, "127.0.0.1", inbound.Host())
	mu.Unlock()

	d := SendMessageOnce(conn, "bye", map[string]bool{"last": true})
	select {
	case <-d.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("drain did not finish")
	}
	require.Equal(t, DrainCompleted, d.Outcome())

	wait(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return clientClose && serverClose != ""
	})
	mu.Lock()
	require.Equal(t, fmt.Sprintf("client %s disconnected", inbound.Peer()), serverClose)
	mu.Unlock()
	wait(t, func() bool { return l.InboundCount() == 0 })
	require.Zero(t, dialer.Cache().Len())
}

func TestWebSocketDialFailure(t *testing.T) {
	transport, err := NewWebSocketTransport(WebSocketConfig{HandshakeTimeout: time.Second})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = transport.Dial(ctx, "ws://"+addr)
	require.Error(t, err)
}

func TestNegotiatedURL(t *testing.T) {
	u, err := url.Parse("https://peer.example:7000/gossip")
	require.NoError(t, err)
	resp := &http.Response{Request: &http.Request{URL: u}}
	require.Equal(t, "wss://peer.example:7000/gossip", negotiatedURL("wss://peer.example:7000/gossip", resp))
	require.Equal(t, "ws://fallback:1", negotiatedURL("ws://fallback:1", nil))
}

func TestProxyHTTPClient(t *testing.T) {
	for _, raw := range []string{"socks5://127.0.0.1:1080", "socks5h://user:pw@127.0.0.1:1080", "http://proxy.internal:3128"} {
		client, err := newProxyHTTPClient(raw)
		require.NoErrorf(t, err, "proxy %s", raw)
		require.NotNil(t, client.Transport)
	}
	_, err := newProxyHTTPClient("ftp://proxy.internal:21")
	require.ErrorIs(t, err, ErrUnsupportedProxy)

	_, err = NewWebSocketTransport(WebSocketConfig{ProxyURL: "gopher://x"})
	require.ErrorIs(t, err, ErrUnsupportedProxy)
}

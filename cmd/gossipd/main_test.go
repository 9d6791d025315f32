package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gossipnet/p2p"
)

func TestBootstrapPeers(t *testing.T) {
	known := []p2p.PeerstoreEntry{
		{URL: "ws://b.example:7000"},
		{URL: "ws://c.example:7000"},
		{URL: "ws://self.example:6000"},
	}
	got := bootstrapPeers([]string{" WS://A.example:7000", "ws://b.example:7000", ""}, known, "ws://Self.example:6000")
	require.Equal(t, []string{"ws://a.example:7000", "ws://b.example:7000", "ws://c.example:7000"}, got)
}

func TestNodeAnswersPing(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	n := newNode(logger, time.Second)

	transport, err := p2p.NewWebSocketTransport(p2p.WebSocketConfig{ListenHost: "127.0.0.1", Logger: logger})
	require.NoError(t, err)
	registry := p2p.NewServerRegistry()
	t.Cleanup(func() { _ = registry.Reset() })
	server := p2p.NewServerListener(transport, registry, p2p.WithServerLogger(logger))
	l, err := server.CreateServer(context.Background(), n.listenerConfig("ws://127.0.0.1", 0))
	require.NoError(t, err)
	target := fmt.Sprintf("ws://127.0.0.1:%d", l.Addr().(*net.TCPAddr).Port)

	var (
		mu     sync.Mutex
		frames []string
	)
	opened := make(chan *p2p.Conn, 1)
	cfg := n.dialConfig(target)
	cfg.OnOpen = func(err error, c *p2p.Conn) {
		require.NoError(t, err)
		opened <- c
	}
	cfg.OnMessage = func(_ *p2p.Conn, frame []byte) {
		mu.Lock()
		frames = append(frames, string(frame))
		mu.Unlock()
	}
	cache := p2p.NewOutboundCache()
	dialer := p2p.NewClientDialer(transport, cache, p2p.WithDialerLogger(logger))
	_, err = dialer.ConnectToServer(context.Background(), cfg)
	require.NoError(t, err)

	var conn *p2p.Conn
	select {
	case conn = <-opened:
	case <-time.After(5 * time.Second):
		t.Fatalf("dial did not open")
	}
	require.True(t, p2p.SendMessage(conn, commandPing, map[string]int{"seq": 7}))

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		count := len(frames)
		mu.Unlock()
		if count > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no pong received")
		}
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	require.Equal(t, `["pong",{"seq":7}]`, frames[0])
	mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n.farewell(ctx, cache.Snapshot())
	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("connection not closed after farewell")
	}
}

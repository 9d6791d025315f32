package rpc

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"gossipnet/p2p"
)

type stubSocket struct {
	url    string
	events chan p2p.Event
	once   sync.Once
}

func (s *stubSocket) Send([]byte) error { return nil }

func (s *stubSocket) Close(code websocket.StatusCode, reason string) error {
	s.once.Do(func() {
		s.events <- p2p.Event{Kind: p2p.EventClose, Code: code, Reason: reason}
		close(s.events)
	})
	return nil
}

func (s *stubSocket) Terminate() error { return s.Close(websocket.StatusAbnormalClosure, "") }

func (s *stubSocket) ReadyState() p2p.ReadyState { return p2p.StateOpen }

func (s *stubSocket) BufferedAmount() int { return 0 }

func (s *stubSocket) URL() string { return s.url }

func (s *stubSocket) RemoteAddr() string { return "127.0.0.1:7001" }

func (s *stubSocket) Header(string) string { return "" }

func (s *stubSocket) Events() <-chan p2p.Event { return s.events }

type stubBinding struct{}

func (stubBinding) Addr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6000} }

func (stubBinding) Close() error { return nil }

type stubTransport struct {
	mu      sync.Mutex
	sockets []*stubSocket
}

func (t *stubTransport) Dial(_ context.Context, url string) (p2p.Socket, error) {
	sock := &stubSocket{url: url, events: make(chan p2p.Event, 4)}
	t.mu.Lock()
	t.sockets = append(t.sockets, sock)
	t.mu.Unlock()
	return sock, nil
}

func (t *stubTransport) Listen(context.Context, int, func(p2p.Socket)) (p2p.Binding, error) {
	return stubBinding{}, nil
}

func TestAdminHealthz(t *testing.T) {
	handler := NewAdminHandler(AdminConfig{})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}

func TestAdminPeersSnapshot(t *testing.T) {
	transport := &stubTransport{}
	registry := p2p.NewServerRegistry()
	server := p2p.NewServerListener(transport, registry)
	_, err := server.CreateServer(context.Background(), p2p.ListenerConfig{
		URL:          "ws://127.0.0.1",
		Port:         6000,
		OnStart:      func(error, *p2p.Listener) {},
		OnConnection: func(error, *p2p.Conn) {},
		OnMessage:    func(*p2p.Conn, []byte) {},
		OnError:      func(*p2p.Conn, error) {},
		OnClose:      func(*p2p.Conn, string) {},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = registry.Reset() })

	cache := p2p.NewOutboundCache()
	dialer := p2p.NewClientDialer(transport, cache)
	opened := make(chan struct{})
	_, err = dialer.ConnectToServer(context.Background(), p2p.DialConfig{
		MinerGateway: "ws://Peer.Example:7000",
		OnOpen:       func(error, *p2p.Conn) { close(opened) },
		OnMessage:    func(*p2p.Conn, []byte) {},
		OnError:      func(*p2p.Conn, error) {},
		OnClose:      func(*p2p.Conn, string) {},
	})
	require.NoError(t, err)
	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatalf("dial never opened")
	}
	t.Cleanup(func() {
		for _, conn := range cache.Snapshot() {
			_ = conn.Close(p2p.StatusNormalClosure, "test done")
		}
	})

	handler := NewAdminHandler(AdminConfig{Registry: registry, Cache: cache})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/peers", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body peersResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Listeners, 1)
	require.Equal(t, "*.6000", body.Listeners[0].Key)
	require.Equal(t, "127.0.0.1:6000", body.Listeners[0].Addr)
	require.Zero(t, body.Listeners[0].Inbound)
	require.Len(t, body.Outbound, 1)
	require.Equal(t, "ws://peer.example:7000", body.Outbound[0].Peer)
	require.Equal(t, "peer.example", body.Outbound[0].Host)
	require.Equal(t, "outbound", body.Outbound[0].Direction)
	require.Equal(t, "open", body.Outbound[0].State)
	require.NotNil(t, body.Outbound[0].EstablishedAt)
}

func TestAdminMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "gossip_admin_test_total", Help: "test"})
	registry.MustRegister(counter)
	counter.Inc()

	handler := NewAdminHandler(AdminConfig{Gatherer: registry})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "gossip_admin_test_total 1"))
}

func TestAdminUnknownRoute(t *testing.T) {
	handler := NewAdminHandler(AdminConfig{})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminForgetKnownPeer(t *testing.T) {
	store, err := p2p.NewPeerstore(filepath.Join(t.TempDir(), "peers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	_, err = store.RecordOpen("ws://peer.example:7000", time.Now())
	require.NoError(t, err)

	handler := NewAdminHandler(AdminConfig{Peerstore: store})
	forget := func(target string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, target, nil))
		return rec
	}

	rec := forget("/peers/known")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = forget("/peers/known?url=ws://other.example:7000")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = forget("/peers/known?url=WS://Peer.Example:7000")
	require.Equal(t, http.StatusOK, rec.Code)
	var body forgetResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ws://peer.example:7000", body.Removed)
	_, ok := store.Get("ws://peer.example:7000")
	require.False(t, ok)
	require.Empty(t, store.List())
}

func TestAdminForgetWithoutPeerstore(t *testing.T) {
	handler := NewAdminHandler(AdminConfig{})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/peers/known?url=ws://peer.example:7000", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

package p2p

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// fakeSocket is an in-memory Socket. Close completes the close handshake immediately.
type fakeSocket struct {
	url    string
	remote string
	header map[string]string

	mu          sync.Mutex
	state       ReadyState
	sent        [][]byte
	buffered    int
	closeCode   websocket.StatusCode
	closeReason string
	terminated  bool
	ended       bool
	events      chan Event
}

func newFakeSocket(url, remote string) *fakeSocket {
	return &fakeSocket{
		url:    url,
		remote: remote,
		header: make(map[string]string),
		state:  StateOpen,
		events: make(chan Event, 64),
	}
}

func (s *fakeSocket) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return ErrNotOpen
	}
	s.sent = append(s.sent, append([]byte(nil), frame...))
	return nil
}

func (s *fakeSocket) Close(code websocket.StatusCode, reason string) error {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosing
	s.closeCode = code
	s.closeReason = reason
	s.mu.Unlock()
	s.end(Event{Kind: EventClose, Code: code, Reason: reason})
	return nil
}

func (s *fakeSocket) Terminate() error {
	s.mu.Lock()
	s.terminated = true
	s.mu.Unlock()
	s.end(Event{Kind: EventClose, Code: websocket.StatusAbnormalClosure})
	return nil
}

func (s *fakeSocket) ReadyState() ReadyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSocket) BufferedAmount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffered
}

func (s *fakeSocket) URL() string { return s.url }

func (s *fakeSocket) RemoteAddr() string { return s.remote }

func (s *fakeSocket) Header(name string) string { return s.header[name] }

func (s *fakeSocket) Events() <-chan Event { return s.events }

func (s *fakeSocket) setBuffered(n int) {
	s.mu.Lock()
	s.buffered = n
	s.mu.Unlock()
}

// push delivers an event unless the stream already ended.
func (s *fakeSocket) push(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.events <- ev
}

// end emits the final event and closes the stream.
func (s *fakeSocket) end(final Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.state = StateClosed
	s.events <- final
	close(s.events)
}

// remoteClose simulates the peer closing the connection.
func (s *fakeSocket) remoteClose(reason string) {
	s.end(Event{Kind: EventClose, Code: websocket.StatusNormalClosure, Reason: reason})
}

func (s *fakeSocket) frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

func (s *fakeSocket) closeInfo() (websocket.StatusCode, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode, s.closeReason, s.terminated
}

type fakeBinding struct {
	port   int
	mu     sync.Mutex
	closed bool
}

func (b *fakeBinding) Addr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: b.port} }

func (b *fakeBinding) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *fakeBinding) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// fakeTransport records Listen calls and hands out sockets from dial.
type fakeTransport struct {
	mu        sync.Mutex
	listens   int
	listenErr error
	accept    func(Socket)
	bindings  []*fakeBinding
	dials     []string
	dial      func(ctx context.Context, url string) (Socket, error)
}

func (t *fakeTransport) Dial(ctx context.Context, url string) (Socket, error) {
	t.mu.Lock()
	t.dials = append(t.dials, url)
	dial := t.dial
	t.mu.Unlock()
	if dial == nil {
		return nil, errors.New("no dialer configured")
	}
	return dial(ctx, url)
}

func (t *fakeTransport) Listen(_ context.Context, port int, accept func(Socket)) (Binding, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listens++
	if t.listenErr != nil {
		return nil, t.listenErr
	}
	t.accept = accept
	if port == 0 {
		port = 40000 + t.listens
	}
	b := &fakeBinding{port: port}
	t.bindings = append(t.bindings, b)
	return b, nil
}

func (t *fakeTransport) listenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listens
}

// connect simulates an inbound socket arriving on the last bound listener.
func (t *fakeTransport) connect(sock Socket) {
	t.mu.Lock()
	accept := t.accept
	t.mu.Unlock()
	go accept(sock)
}

func wait(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

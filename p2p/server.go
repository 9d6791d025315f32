package p2p

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// DefaultMaxInbound is the per-listener ceiling on concurrently accepted sockets.
const DefaultMaxInbound = 1000

// ListenerConfig describes a listener bind request. Every field is required.
type ListenerConfig struct {
	// URL is the address this listener is advertised under.
	URL string
	// Port zero binds an ephemeral port; the listener is registered under the port the
	// transport picked, so every zero-port request binds anew.
	Port int

	OnStart      func(err error, l *Listener)
	OnConnection func(err error, c *Conn)
	OnMessage    func(c *Conn, frame []byte)
	OnError      func(c *Conn, cause error)
	OnClose      func(c *Conn, reason string)
}

func (cfg ListenerConfig) validate() error {
	if strings.TrimSpace(cfg.URL) == "" {
		return fmt.Errorf("%w: CreateServer requires URL", ErrInvalidConfig)
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("%w: CreateServer port %d out of range", ErrInvalidConfig, cfg.Port)
	}
	if cfg.OnStart == nil {
		return fmt.Errorf("%w: CreateServer requires OnStart", ErrInvalidConfig)
	}
	if cfg.OnConnection == nil {
		return fmt.Errorf("%w: CreateServer requires OnConnection", ErrInvalidConfig)
	}
	if cfg.OnMessage == nil {
		return fmt.Errorf("%w: CreateServer requires OnMessage", ErrInvalidConfig)
	}
	if cfg.OnError == nil {
		return fmt.Errorf("%w: CreateServer requires OnError", ErrInvalidConfig)
	}
	if cfg.OnClose == nil {
		return fmt.Errorf("%w: CreateServer requires OnClose", ErrInvalidConfig)
	}
	return nil
}

// ServerListenerOption customises a ServerListener.
type ServerListenerOption func(*ServerListener)

func WithServerLogger(logger *slog.Logger) ServerListenerOption {
	return func(s *ServerListener) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMaxInbound overrides the per-listener inbound ceiling. Values below one are ignored.
func WithMaxInbound(n int) ServerListenerOption {
	return func(s *ServerListener) {
		if n > 0 {
			s.maxInbound = n
		}
	}
}

// WithAcceptRate limits how many sockets a single remote address may open per second.
// Disabled unless perSecond is positive.
func WithAcceptRate(perSecond float64, burst int) ServerListenerOption {
	return func(s *ServerListener) {
		s.acceptRate = perSecond
		s.acceptBurst = burst
	}
}

func withServerClock(now func() time.Time) ServerListenerOption {
	return func(s *ServerListener) {
		if now != nil {
			s.now = now
		}
	}
}

// ServerListener binds at most one listener per port and applies inbound admission policy.
type ServerListener struct {
	transport Transport
	registry  *ServerRegistry
	logger    *slog.Logger
	metrics   *networkMetrics
	now       func() time.Time

	maxInbound  int
	acceptRate  float64
	acceptBurst int
}

func NewServerListener(transport Transport, registry *ServerRegistry, opts ...ServerListenerOption) *ServerListener {
	s := &ServerListener{
		transport:  transport,
		registry:   registry,
		logger:     slog.Default().With(slog.String("component", "p2p_server")),
		metrics:    newNetworkMetrics(),
		now:        time.Now,
		maxInbound: DefaultMaxInbound,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.registry == nil {
		s.registry = NewServerRegistry()
	}
	return s
}

// Registry returns the registry this listener records bound ports in.
func (s *ServerListener) Registry() *ServerRegistry { return s.registry }

// CreateServer binds a listener for cfg.Port. When the port is already bound by this process
// no new listener is created: OnStart receives the running listener and it is returned.
// A zero port always binds.
func (s *ServerListener) CreateServer(ctx context.Context, cfg ListenerConfig) (*Listener, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if s.transport == nil {
		return nil, fmt.Errorf("%w: CreateServer requires a transport", ErrInvalidConfig)
	}

	key := serverKey(cfg.Port)
	s.registry.mu.Lock()
	if existing := s.registry.servers[key]; cfg.Port != 0 && existing != nil {
		s.registry.mu.Unlock()
		s.logger.Info("Server already running", slog.String("key", key))
		cfg.OnStart(nil, existing)
		return existing, nil
	}

	l := &Listener{
		key:      key,
		url:      cfg.URL,
		port:     cfg.Port,
		cfg:      cfg,
		server:   s,
		limiter:  newAcceptLimiter(s.acceptRate, s.acceptBurst),
		inbound:  make(map[*Conn]struct{}),
		logger:   s.logger.With(slog.String("listener", key)),
		maxConns: s.maxInbound,
	}
	ready := make(chan struct{})
	binding, err := s.transport.Listen(ctx, cfg.Port, func(sock Socket) {
		<-ready
		l.accept(sock)
	})
	if err != nil {
		s.registry.mu.Unlock()
		err = fmt.Errorf("listen on port %d: %w", cfg.Port, err)
		s.logger.Warn("Failed to start server", slog.String("key", key), slog.Any("error", err))
		cfg.OnStart(err, nil)
		return nil, err
	}
	l.binding = binding
	if cfg.Port == 0 {
		if tcp, ok := binding.Addr().(*net.TCPAddr); ok && tcp.Port > 0 {
			l.port = tcp.Port
			l.key = serverKey(tcp.Port)
			l.logger = s.logger.With(slog.String("listener", l.key))
		}
	}
	s.registry.servers[l.key] = l
	s.registry.mu.Unlock()
	close(ready)

	cfg.OnStart(nil, l)
	s.logger.Info("Server running",
		slog.String("key", l.key),
		slog.Int("port", l.port),
		slog.String("url", cfg.URL))
	return l, nil
}

// Listener is a bound port accepting inbound peers.
type Listener struct {
	key     string
	url     string
	port    int
	cfg     ListenerConfig
	server  *ServerListener
	binding Binding
	limiter *acceptLimiter
	logger  *slog.Logger

	mu       sync.Mutex
	inbound  map[*Conn]struct{}
	maxConns int
	closed   bool
}

// Key is the registry key, "*.<port>".
func (l *Listener) Key() string { return l.key }

func (l *Listener) URL() string { return l.url }

func (l *Listener) Port() int { return l.port }

// Addr returns the bound address; useful when Port was zero.
func (l *Listener) Addr() net.Addr {
	if l.binding == nil {
		return nil
	}
	return l.binding.Addr()
}

// InboundCount returns the number of currently accepted inbound connections.
func (l *Listener) InboundCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inbound)
}

// Connections returns the accepted inbound connections.
func (l *Listener) Connections() []*Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Conn, 0, len(l.inbound))
	for conn := range l.inbound {
		out = append(out, conn)
	}
	return out
}

// Close stops accepting and closes every inbound connection. Use ServerRegistry.Reset to
// also drop the registry entry.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conns := make([]*Conn, 0, len(l.inbound))
	for conn := range l.inbound {
		conns = append(conns, conn)
	}
	l.mu.Unlock()

	var err error
	if l.binding != nil {
		err = l.binding.Close()
	}
	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	return err
}

// accept applies admission policy to one inbound socket and, when admitted, forwards its
// events until it closes.
func (l *Listener) accept(sock Socket) {
	cfg := l.cfg
	metrics := l.server.metrics
	if sock == nil {
		metrics.recordRejection("invalid_socket")
		cfg.OnConnection(ErrNilSocket, nil)
		return
	}

	conn := newConn(DirectionInbound, "", l.logger, metrics)
	conn.attach(sock)

	addr := RemoteAddress(sock)
	if addr == "" {
		metrics.recordRejection("no_address")
		l.reject(conn, fmt.Errorf("%w: no ip/remote address in accepted connection", ErrAddressRejected), true, "")
		return
	}
	if !IsValidResourceAddress(addr) {
		metrics.recordRejection("untrusted_address")
		l.reject(conn, fmt.Errorf("%w: we only accept connection from intranet or loop-back, got %s", ErrAddressRejected, addr), true, "")
		return
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		metrics.recordRejection("shutdown")
		l.reject(conn, fmt.Errorf("%w: %s", ErrListenerClosed, l.key), false, "server shutting down")
		return
	}
	if len(l.inbound) >= l.maxConns {
		l.mu.Unlock()
		metrics.recordRejection("capacity")
		l.reject(conn, fmt.Errorf("%w: rejecting new client %s", ErrInboundFull, addr), false, "inbound connections maxed out")
		return
	}
	now := l.server.now()
	if !l.limiter.allow(addr, now) {
		l.mu.Unlock()
		metrics.recordRejection("rate")
		l.reject(conn, fmt.Errorf("%w: rejecting new client %s", ErrRateLimited, addr), false, "accept rate exceeded")
		return
	}
	l.inbound[conn] = struct{}{}
	l.mu.Unlock()

	peer := addr + ":" + remotePort(sock)
	if err := conn.identify(peer, addr, now); err != nil {
		l.logger.Error("Inbound connection already identified", slog.String("peer", peer), slog.Any("error", err))
	}
	metrics.connOpened(DirectionInbound)
	l.logger.Info("Accepted connection",
		slog.String("peer", peer),
		slog.String("host", addr),
		slog.String("conn_id", conn.ID()))

	cfg.OnConnection(nil, conn)
	l.forward(conn, sock)
}

// reject reports an admission failure and disposes of the socket. Terminated sockets are
// dropped outright; the others get a normal close with reason.
func (l *Listener) reject(conn *Conn, err error, terminate bool, reason string) {
	l.logger.Info("Rejected inbound connection",
		slog.String("remote", conn.RemoteAddr()),
		slog.Any("error", err))
	l.cfg.OnConnection(err, conn)
	if terminate {
		_ = conn.Terminate()
	} else {
		_ = conn.Close(StatusNormalClosure, reason)
	}
	drainEvents(conn.sock())
	conn.markClosed(err.Error())
}

func (l *Listener) forward(conn *Conn, sock Socket) {
	cfg := l.cfg
	metrics := l.server.metrics
	for ev := range sock.Events() {
		switch ev.Kind {
		case EventMessage:
			conn.touch(l.server.now())
			metrics.recordFrame(directionIn, len(ev.Data))
			cfg.OnMessage(conn, ev.Data)
		case EventError:
			// Clean up before telling the consumer.
			_ = conn.Close(StatusNormalClosure, "received error")
			cfg.OnError(conn, ev.Err)
		case EventClose:
			l.mu.Lock()
			delete(l.inbound, conn)
			l.mu.Unlock()
			reason := fmt.Sprintf("client %s disconnected", conn.Peer())
			conn.markClosed(reason)
			metrics.connClosed(DirectionInbound)
			cfg.OnClose(conn, reason)
		}
	}
	// A transport that closes its stream without a close event still releases the slot.
	l.mu.Lock()
	_, stillCounted := l.inbound[conn]
	delete(l.inbound, conn)
	l.mu.Unlock()
	if stillCounted {
		reason := fmt.Sprintf("client %s disconnected", conn.Peer())
		conn.markClosed(reason)
		metrics.connClosed(DirectionInbound)
		cfg.OnClose(conn, reason)
	}
}

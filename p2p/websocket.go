package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"gossipnet/observability/logging"
)

const (
	defaultMaxMessageSize   = 1 << 20
	defaultWriteTimeout     = 5 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	outboundQueueSize       = 64
	eventQueueSize          = 64
)

// WebSocketConfig configures the websocket transport.
type WebSocketConfig struct {
	// ListenHost restricts the interface listeners bind to. Empty binds every interface.
	ListenHost string
	// ProxyURL routes outbound dials through a socks5:// or http(s):// proxy when set.
	ProxyURL         string
	MaxMessageBytes  int64
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

// WebSocketTransport implements Transport on top of nhooyr.io/websocket.
type WebSocketTransport struct {
	cfg    WebSocketConfig
	client *http.Client
	logger *slog.Logger
}

var _ Transport = (*WebSocketTransport)(nil)

func NewWebSocketTransport(cfg WebSocketConfig) (*WebSocketTransport, error) {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With(slog.String("component", "p2p_websocket"))
	}
	t := &WebSocketTransport{cfg: cfg, logger: logger}
	if cfg.ProxyURL != "" {
		client, err := newProxyHTTPClient(cfg.ProxyURL)
		if err != nil {
			return nil, err
		}
		t.client = client
		logger.Info("Outbound dials routed through proxy", logging.MaskField("proxy_url", cfg.ProxyURL))
	}
	return t, nil
}

// Dial performs the websocket handshake with url. ctx bounds the handshake only.
func (t *WebSocketTransport) Dial(ctx context.Context, url string) (Socket, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
	defer cancel()
	opts := &websocket.DialOptions{HTTPClient: t.client}
	conn, resp, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(t.cfg.MaxMessageBytes)
	remote := ""
	if resp != nil && resp.Request != nil && resp.Request.URL != nil {
		remote = resp.Request.URL.Host
	}
	return newWSSocket(conn, negotiatedURL(url, resp), remote, nil, t.cfg.WriteTimeout, t.logger), nil
}

// negotiatedURL reports the websocket URL the handshake was actually completed against.
func negotiatedURL(requested string, resp *http.Response) string {
	if resp == nil || resp.Request == nil || resp.Request.URL == nil {
		return requested
	}
	u := *resp.Request.URL
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String()
}

// Listen binds an HTTP server on port that upgrades every request to a websocket.
func (t *WebSocketTransport) Listen(ctx context.Context, port int, accept func(Socket)) (Binding, error) {
	addr := net.JoinHostPort(t.cfg.ListenHost, strconv.Itoa(port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.serveSocket(w, r, accept)
		}),
		ReadHeaderTimeout: t.cfg.HandshakeTimeout,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Warn("Websocket listener stopped", slog.String("addr", addr), slog.Any("error", err))
		}
	}()
	return &wsBinding{ln: ln, srv: srv}, nil
}

func (t *WebSocketTransport) serveSocket(w http.ResponseWriter, r *http.Request, accept func(Socket)) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		t.logger.Debug("Websocket upgrade failed", slog.String("remote", r.RemoteAddr), slog.Any("error", err))
		return
	}
	conn.SetReadLimit(t.cfg.MaxMessageBytes)
	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	url := scheme + "://" + r.Host + r.URL.RequestURI()
	accept(newWSSocket(conn, url, r.RemoteAddr, r.Header.Clone(), t.cfg.WriteTimeout, t.logger))
}

type wsBinding struct {
	ln        net.Listener
	srv       *http.Server
	closeOnce sync.Once
	closeErr  error
}

func (b *wsBinding) Addr() net.Addr { return b.ln.Addr() }

func (b *wsBinding) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = b.srv.Close()
	})
	return b.closeErr
}

type closeRequest struct {
	code   websocket.StatusCode
	reason string
}

// wsSocket adapts a websocket.Conn to Socket. One goroutine reads frames into the event
// channel; another drains the outbound queue so BufferedAmount reflects unwritten bytes.
type wsSocket struct {
	conn         *websocket.Conn
	url          string
	remoteAddr   string
	header       http.Header
	writeTimeout time.Duration
	logger       *slog.Logger

	state    atomic.Int32
	closing  atomic.Bool
	buffered atomic.Int64

	outbound chan []byte
	closeReq chan closeRequest
	events   chan Event

	ctx    context.Context
	cancel context.CancelFunc
}

func newWSSocket(conn *websocket.Conn, url, remoteAddr string, header http.Header, writeTimeout time.Duration, logger *slog.Logger) *wsSocket {
	ctx, cancel := context.WithCancel(context.Background())
	s := &wsSocket{
		conn:         conn,
		url:          url,
		remoteAddr:   remoteAddr,
		header:       header,
		writeTimeout: writeTimeout,
		logger:       logger,
		outbound:     make(chan []byte, outboundQueueSize),
		closeReq:     make(chan closeRequest, 1),
		events:       make(chan Event, eventQueueSize),
		ctx:          ctx,
		cancel:       cancel,
	}
	s.state.Store(int32(StateOpen))
	go s.readLoop()
	go s.writeLoop()
	return s
}

func (s *wsSocket) URL() string { return s.url }

func (s *wsSocket) RemoteAddr() string { return s.remoteAddr }

func (s *wsSocket) Header(name string) string {
	if s.header == nil {
		return ""
	}
	return s.header.Get(name)
}

func (s *wsSocket) Events() <-chan Event { return s.events }

func (s *wsSocket) ReadyState() ReadyState { return ReadyState(s.state.Load()) }

func (s *wsSocket) BufferedAmount() int { return int(s.buffered.Load()) }

func (s *wsSocket) Send(frame []byte) error {
	if s.ReadyState() != StateOpen {
		return ErrNotOpen
	}
	s.buffered.Add(int64(len(frame)))
	select {
	case s.outbound <- frame:
		return nil
	case <-s.ctx.Done():
		s.buffered.Add(-int64(len(frame)))
		return ErrNotOpen
	default:
		s.buffered.Add(-int64(len(frame)))
		return errQueueFull
	}
}

// Close flushes queued frames and then performs the close handshake in the background.
func (s *wsSocket) Close(code websocket.StatusCode, reason string) error {
	if !s.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return nil
	}
	s.closing.Store(true)
	s.closeReq <- closeRequest{code: code, reason: reason}
	return nil
}

func (s *wsSocket) Terminate() error {
	s.closing.Store(true)
	s.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
	// Cancelling the read context makes the library drop the connection.
	s.cancel()
	return nil
}

func (s *wsSocket) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.finish(err)
			return
		}
		s.events <- Event{Kind: EventMessage, Data: data}
	}
}

func (s *wsSocket) finish(err error) {
	s.state.Store(int32(StateClosed))
	s.cancel()

	code := websocket.CloseStatus(err)
	reason := ""
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		reason = ce.Reason
	}
	if code == -1 && !s.closing.Load() && !isConnectionDrop(err) {
		s.events <- Event{Kind: EventError, Err: err}
	}
	s.events <- Event{Kind: EventClose, Code: code, Reason: reason}
}

func isConnectionDrop(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}

func (s *wsSocket) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.outbound:
			if err := s.write(frame); err != nil {
				s.logger.Debug("Websocket write failed", slog.String("remote", s.remoteAddr), slog.Any("error", err))
				_ = s.Terminate()
				return
			}
		case req := <-s.closeReq:
			s.flush()
			if err := s.conn.Close(req.code, req.reason); err != nil {
				s.logger.Debug("Websocket close handshake failed", slog.String("remote", s.remoteAddr), slog.Any("error", err))
			}
			return
		}
	}
}

func (s *wsSocket) flush() {
	for {
		select {
		case frame := <-s.outbound:
			if err := s.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *wsSocket) write(frame []byte) error {
	defer s.buffered.Add(-int64(len(frame)))
	ctx, cancel := context.WithTimeout(s.ctx, s.writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, frame)
}

package p2p

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

const defaultDialCloseReason = "socket was closed"

// NormalizeURL reduces an endpoint to the trimmed, lower-cased form used as cache key and
// outbound peer identity.
func NormalizeURL(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// ParseHost extracts the host from a peer URL: a leading ws:// or wss:// is stripped
// (case-insensitively) and the remainder is cut at the first ':' or '/'.
func ParseHost(peerURL string) string {
	rest := peerURL
	lower := strings.ToLower(peerURL)
	switch {
	case strings.HasPrefix(lower, "wss://"):
		rest = peerURL[len("wss://"):]
	case strings.HasPrefix(lower, "ws://"):
		rest = peerURL[len("ws://"):]
	}
	if i := strings.IndexAny(rest, ":/"); i >= 0 {
		return rest[:i]
	}
	return rest
}

// DialConfig describes an outbound connection request. Every field is required.
type DialConfig struct {
	// MinerGateway is the ws:// or wss:// endpoint to dial.
	MinerGateway string

	OnOpen    func(err error, c *Conn)
	OnMessage func(c *Conn, frame []byte)
	OnError   func(c *Conn, cause error)
	OnClose   func(c *Conn, reason string)
}

func (cfg DialConfig) validate() error {
	if cfg.MinerGateway == "" {
		return fmt.Errorf("%w: ConnectToServer requires MinerGateway", ErrInvalidConfig)
	}
	u, err := url.Parse(NormalizeURL(cfg.MinerGateway))
	if err != nil {
		return fmt.Errorf("%w: ConnectToServer MinerGateway: %v", ErrInvalidConfig, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: ConnectToServer MinerGateway must use ws:// or wss://, got %q", ErrInvalidConfig, cfg.MinerGateway)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: ConnectToServer MinerGateway has no host", ErrInvalidConfig)
	}
	if cfg.OnOpen == nil {
		return fmt.Errorf("%w: ConnectToServer requires OnOpen", ErrInvalidConfig)
	}
	if cfg.OnMessage == nil {
		return fmt.Errorf("%w: ConnectToServer requires OnMessage", ErrInvalidConfig)
	}
	if cfg.OnError == nil {
		return fmt.Errorf("%w: ConnectToServer requires OnError", ErrInvalidConfig)
	}
	if cfg.OnClose == nil {
		return fmt.Errorf("%w: ConnectToServer requires OnClose", ErrInvalidConfig)
	}
	return nil
}

// ClientDialerOption customises a ClientDialer.
type ClientDialerOption func(*ClientDialer)

func WithDialerLogger(logger *slog.Logger) ClientDialerOption {
	return func(d *ClientDialer) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithPeerstore records successful opens and closes in store.
func WithPeerstore(store *Peerstore) ClientDialerOption {
	return func(d *ClientDialer) {
		d.peerstore = store
	}
}

func withDialerClock(now func() time.Time) ClientDialerOption {
	return func(d *ClientDialer) {
		if now != nil {
			d.now = now
		}
	}
}

// ClientDialer opens outbound connections and keeps at most one live connection per
// normalized endpoint.
type ClientDialer struct {
	transport Transport
	cache     *OutboundCache
	peerstore *Peerstore
	logger    *slog.Logger
	metrics   *networkMetrics
	now       func() time.Time
}

func NewClientDialer(transport Transport, cache *OutboundCache, opts ...ClientDialerOption) *ClientDialer {
	d := &ClientDialer{
		transport: transport,
		cache:     cache,
		logger:    slog.Default().With(slog.String("component", "p2p_client")),
		metrics:   newNetworkMetrics(),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if d.cache == nil {
		d.cache = NewOutboundCache()
	}
	return d
}

// Cache returns the outbound cache consulted for deduplication.
func (d *ClientDialer) Cache() *OutboundCache { return d.cache }

// ConnectToServer validates cfg and starts dialing on a new goroutine. The returned
// connection is in the connecting state; its outcome is reported through cfg's callbacks.
// ctx bounds the dial handshake only.
func (d *ClientDialer) ConnectToServer(ctx context.Context, cfg DialConfig) (*Conn, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if d.transport == nil {
		return nil, fmt.Errorf("%w: ConnectToServer requires a transport", ErrInvalidConfig)
	}
	target := NormalizeURL(cfg.MinerGateway)
	conn := newConn(DirectionOutbound, target, d.logger, d.metrics)
	go d.run(ctx, conn, cfg)
	return conn, nil
}

type openOutcome uint8

const (
	openAccepted openOutcome = iota
	openDuplicate
	openFailed
)

func (d *ClientDialer) run(ctx context.Context, conn *Conn, cfg DialConfig) {
	target := conn.Target()
	sock, err := d.transport.Dial(ctx, target)
	if err != nil {
		d.metrics.recordConnection(DirectionOutbound, "dial_failed")
		d.logger.Info("Dial failed", slog.String("url", target), slog.Any("error", err))
		conn.markClosed(defaultDialCloseReason)
		cfg.OnError(conn, err)
		cfg.OnClose(conn, defaultDialCloseReason)
		return
	}
	conn.attach(sock)
	outcome := d.open(conn, sock, cfg)
	d.forward(conn, sock, cfg, outcome)
}

// open runs the checks that follow a successful handshake and reports how the connection
// should be treated from here on.
func (d *ClientDialer) open(conn *Conn, sock Socket, cfg DialConfig) openOutcome {
	target := conn.Target()
	negotiated := sock.URL()
	if negotiated != target && negotiated != target+"/" {
		err := fmt.Errorf("%w: requested %s, got %s", ErrURLMismatch, target, negotiated)
		d.metrics.recordConnection(DirectionOutbound, "url_mismatch")
		d.logger.Warn("Refusing rerouted connection", slog.String("url", target), slog.String("negotiated", negotiated))
		_ = conn.Close(StatusNormalClosure, "url mismatch")
		cfg.OnOpen(err, conn)
		return openFailed
	}

	if existing, claimed := d.cache.claim(target, conn); !claimed {
		// May happen when a dial abandoned after a timeout still succeeds while its retry
		// already opened another connection. Keep the old one.
		d.logger.Info("Already connected, closing duplicate",
			slog.String("url", target),
			slog.String("existing_conn_id", existing.ID()),
			slog.String("conn_id", conn.ID()))
		d.metrics.recordConnection(DirectionOutbound, "duplicate")
		conn.duplicate.Store(true)
		_ = conn.Close(StatusNormalClosure, "duplicate driver")
		cfg.OnOpen(nil, conn)
		return openDuplicate
	}

	now := d.now()
	if err := conn.identify(target, ParseHost(target), now); err != nil {
		d.logger.Error("Outbound connection already identified", slog.String("url", target), slog.Any("error", err))
	}
	d.metrics.connOpened(DirectionOutbound)
	if d.peerstore != nil {
		if _, err := d.peerstore.RecordOpen(target, now); err != nil {
			d.logger.Warn("Failed to record peer", slog.String("url", target), slog.Any("error", err))
		}
	}
	d.logger.Info("Connected",
		slog.String("url", target),
		slog.String("host", conn.Host()),
		slog.String("conn_id", conn.ID()))
	cfg.OnOpen(nil, conn)
	return openAccepted
}

// forward delivers socket events until the stream ends. Only an accepted connection owns a
// cache slot; a failed open forwards nothing but the final close.
func (d *ClientDialer) forward(conn *Conn, sock Socket, cfg DialConfig, outcome openOutcome) {
	reason := defaultDialCloseReason
	for ev := range sock.Events() {
		switch ev.Kind {
		case EventMessage:
			if outcome == openFailed {
				continue
			}
			conn.touch(d.now())
			d.metrics.recordFrame(directionIn, len(ev.Data))
			cfg.OnMessage(conn, ev.Data)
		case EventError:
			if outcome == openFailed {
				continue
			}
			cfg.OnError(conn, ev.Err)
		case EventClose:
			reason = closeReason(ev)
		}
	}

	d.cache.Remove(conn)
	conn.markClosed(reason)
	if outcome == openAccepted {
		d.metrics.connClosed(DirectionOutbound)
		if d.peerstore != nil {
			if err := d.peerstore.RecordClose(conn.Peer(), reason, d.now()); err != nil {
				d.logger.Debug("Failed to record peer close", slog.String("url", conn.Peer()), slog.Any("error", err))
			}
		}
	}
	cfg.OnClose(conn, reason)
}

func closeReason(ev Event) string {
	if reason := strings.TrimSpace(ev.Reason); reason != "" {
		return reason
	}
	return defaultDialCloseReason
}

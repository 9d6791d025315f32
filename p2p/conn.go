package p2p

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// Direction is relative to the local process.
type Direction uint8

const (
	DirectionInbound Direction = iota + 1
	DirectionOutbound
)

func (d Direction) String() string {
	switch d {
	case DirectionInbound:
		return "inbound"
	case DirectionOutbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// Conn is a live peer session shared between this package (for lifecycle bookkeeping) and
// the consumer (for sending). Consumers should stop using it once their close callback fired.
type Conn struct {
	id     string
	target string
	dir    Direction

	logger  *slog.Logger
	metrics *networkMetrics

	mu            sync.RWMutex
	socket        Socket
	peer          string
	host          string
	establishedAt time.Time
	closeReason   string

	lastActivity atomic.Int64
	willClose    atomic.Bool
	duplicate    atomic.Bool

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(dir Direction, target string, logger *slog.Logger, metrics *networkMetrics) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		id:      uuid.NewString(),
		target:  target,
		dir:     dir,
		logger:  logger,
		metrics: metrics,
		closed:  make(chan struct{}),
	}
}

// ID is a process-unique identifier used for log correlation.
func (c *Conn) ID() string { return c.id }

// Peer is host:port for inbound connections and the normalized URL for outbound ones. It is
// empty until the connection has been accepted or opened.
func (c *Conn) Peer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peer
}

func (c *Conn) Host() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.host
}

func (c *Conn) Direction() Direction { return c.dir }

func (c *Conn) Inbound() bool { return c.dir == DirectionInbound }

func (c *Conn) Outbound() bool { return c.dir == DirectionOutbound }

// Target returns the normalized URL an outbound connection was dialed with.
func (c *Conn) Target() string { return c.target }

func (c *Conn) EstablishedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.establishedAt
}

func (c *Conn) LastActivity() time.Time {
	ts := c.lastActivity.Load()
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(0, ts)
}

// WillClose reports whether a close has been requested for this connection, either by the
// caller or administratively (duplicate dial, url mismatch, error cleanup).
func (c *Conn) WillClose() bool { return c.willClose.Load() }

// Duplicate reports whether this outbound connection lost the dedup check against an
// already open connection to the same endpoint. Duplicates are closing when handed out.
func (c *Conn) Duplicate() bool { return c.duplicate.Load() }

// CloseReason returns the reason recorded when the connection closed.
func (c *Conn) CloseReason() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closeReason
}

// Done is closed once the connection has been torn down.
func (c *Conn) Done() <-chan struct{} { return c.closed }

func (c *Conn) RemoteAddr() string {
	sock := c.sock()
	if sock == nil {
		return ""
	}
	return sock.RemoteAddr()
}

func (c *Conn) ReadyState() ReadyState {
	sock := c.sock()
	if sock == nil {
		select {
		case <-c.closed:
			return StateClosed
		default:
			return StateConnecting
		}
	}
	return sock.ReadyState()
}

func (c *Conn) BufferedAmount() int {
	sock := c.sock()
	if sock == nil {
		return 0
	}
	return sock.BufferedAmount()
}

// Send hands a pre-encoded frame to the transport.
func (c *Conn) Send(frame []byte) error {
	sock := c.sock()
	if sock == nil {
		return ErrNotConnected
	}
	if err := sock.Send(frame); err != nil {
		return err
	}
	c.touch(time.Now())
	return nil
}

func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	sock := c.sock()
	if sock == nil {
		return ErrNotConnected
	}
	c.willClose.Store(true)
	return sock.Close(code, reason)
}

// Terminate drops the connection without a close handshake.
func (c *Conn) Terminate() error {
	sock := c.sock()
	if sock == nil {
		return ErrNotConnected
	}
	c.willClose.Store(true)
	return sock.Terminate()
}

func (c *Conn) String() string {
	if peer := c.Peer(); peer != "" {
		return peer
	}
	if c.target != "" {
		return c.target
	}
	return c.RemoteAddr()
}

func (c *Conn) sock() Socket {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.socket
}

func (c *Conn) attach(sock Socket) {
	c.mu.Lock()
	c.socket = sock
	c.mu.Unlock()
}

// identify assigns the peer identity. It succeeds exactly once per connection.
func (c *Conn) identify(peer, host string, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peer != "" {
		return ErrPeerAssigned
	}
	c.peer = strings.TrimSpace(peer)
	c.host = host
	c.establishedAt = now
	c.lastActivity.Store(now.UnixNano())
	return nil
}

func (c *Conn) touch(now time.Time) {
	c.lastActivity.Store(now.UnixNano())
}

func (c *Conn) markClosed(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeReason = reason
		c.mu.Unlock()
		c.willClose.Store(true)
		close(c.closed)
	})
}

package p2p

import (
	"context"
	"net"

	"nhooyr.io/websocket"
)

// StatusNormalClosure is used for every administrative close issued by this package. The
// close reason distinguishes the cause.
const StatusNormalClosure = websocket.StatusNormalClosure

// ReadyState mirrors the websocket readyState values.
type ReadyState int32

const (
	StateConnecting ReadyState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ReadyState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventKind enumerates the events a Socket delivers after it has been established.
type EventKind uint8

const (
	EventMessage EventKind = iota + 1
	EventError
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event is a single entry on a socket's event stream. Data is set for EventMessage, Err for
// EventError, Code and Reason for EventClose.
type Event struct {
	Kind   EventKind
	Data   []byte
	Err    error
	Code   websocket.StatusCode
	Reason string
}

// Socket is the capability set the transport exposes for one established connection.
//
// Events are delivered in arrival order on the channel returned by Events. EventClose is
// always the final event and the channel is closed right after it; consumers must drain the
// channel until it is closed.
type Socket interface {
	Send(frame []byte) error
	Close(code websocket.StatusCode, reason string) error
	// Terminate drops the connection without a close handshake.
	Terminate() error
	ReadyState() ReadyState
	// BufferedAmount returns the number of queued bytes not yet written to the wire.
	BufferedAmount() int
	// URL returns the endpoint negotiated during the handshake.
	URL() string
	// RemoteAddr returns the immediate remote endpoint as host:port.
	RemoteAddr() string
	// Header returns a handshake request header, empty when absent.
	Header(name string) string
	Events() <-chan Event
}

// Binding is a bound listener returned by Transport.Listen.
type Binding interface {
	Addr() net.Addr
	Close() error
}

// Transport opens outbound sockets and binds listeners. Implementations are chosen
// explicitly at construction time.
type Transport interface {
	Dial(ctx context.Context, url string) (Socket, error)
	// Listen binds port and invokes accept for every established inbound socket. accept
	// runs on a dedicated goroutine per socket and may block for the socket's lifetime.
	Listen(ctx context.Context, port int, accept func(Socket)) (Binding, error)
}

// drainEvents discards the remaining events of a socket nobody forwards.
func drainEvents(sock Socket) {
	for range sock.Events() {
	}
}

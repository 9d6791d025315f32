package p2p

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"
)

const drainPollInterval = 50 * time.Millisecond

// EncodeFrame serialises a command and payload into the two-element JSON array carried by a
// single text frame.
func EncodeFrame(command string, payload any) ([]byte, error) {
	return json.Marshal([2]any{command, payload})
}

// DecodeFrame splits a received frame into its command and raw payload. The transport never
// calls it; interpreting frames is up to the consumer.
func DecodeFrame(frame []byte) (string, json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(frame, &parts); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if len(parts) != 2 {
		return "", nil, fmt.Errorf("%w: expected 2 elements, got %d", ErrInvalidFrame, len(parts))
	}
	var command string
	if err := json.Unmarshal(parts[0], &command); err != nil {
		return "", nil, fmt.Errorf("%w: command: %v", ErrInvalidFrame, err)
	}
	return command, parts[1], nil
}

// SendMessage encodes [command, payload] and hands it to the connection's transport. It
// returns false, without touching the transport, when the connection is nil or not open, or
// when the payload is not a non-nil structured value.
func SendMessage(c *Conn, command string, payload any) bool {
	if c == nil {
		slog.Default().Info("Refusing to send frame on nil connection", slog.String("command", command))
		return false
	}
	logger := c.logger
	if state := c.ReadyState(); state != StateOpen {
		logger.Info("Connection not open, dropping frame",
			slog.String("peer", c.String()),
			slog.String("ready_state", state.String()),
			slog.String("command", command))
		return false
	}
	if !isStructured(payload) {
		logger.Info("Refusing to send frame with invalid payload",
			slog.String("peer", c.String()),
			slog.String("command", command),
			slog.String("payload_type", fmt.Sprintf("%T", payload)))
		return false
	}
	frame, err := EncodeFrame(command, payload)
	if err != nil {
		logger.Info("Failed to encode frame",
			slog.String("peer", c.String()),
			slog.String("command", command),
			slog.Any("error", err))
		return false
	}
	logger.Debug("Sending frame",
		slog.String("peer", c.String()),
		slog.String("command", command),
		slog.Int("bytes", len(frame)))
	if err := c.Send(frame); err != nil {
		logger.Info("Transport refused frame",
			slog.String("peer", c.String()),
			slog.String("command", command),
			slog.Any("error", err))
		return false
	}
	c.metrics.recordFrame(directionOut, len(frame))
	return true
}

func isStructured(payload any) bool {
	if payload == nil {
		return false
	}
	v := reflect.ValueOf(payload)
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return false
		}
		return isStructured(v.Elem().Interface())
	case reflect.Map, reflect.Slice:
		return !v.IsNil()
	case reflect.Struct, reflect.Array:
		return true
	default:
		return false
	}
}

// DrainOutcome records why a drain poll stopped.
type DrainOutcome int

const (
	DrainPending DrainOutcome = iota
	// DrainCompleted means the buffer emptied and the connection was closed with "done".
	DrainCompleted
	DrainTimedOut
	DrainConnClosed
	DrainCancelled
)

func (o DrainOutcome) String() string {
	switch o {
	case DrainPending:
		return "pending"
	case DrainCompleted:
		return "completed"
	case DrainTimedOut:
		return "timed_out"
	case DrainConnClosed:
		return "conn_closed"
	case DrainCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

type drainOptions struct {
	timeout time.Duration
}

// DrainOption customises SendMessageOnce.
type DrainOption func(*drainOptions)

// WithDrainTimeout bounds how long SendMessageOnce waits for the send buffer to empty. When
// the bound elapses the connection is closed anyway with reason "drain timeout". Zero or
// negative keeps the wait unbounded.
func WithDrainTimeout(d time.Duration) DrainOption {
	return func(o *drainOptions) {
		o.timeout = d
	}
}

// Drain tracks the poll started by SendMessageOnce.
type Drain struct {
	sent bool

	mu      sync.Mutex
	outcome DrainOutcome

	stopOnce sync.Once
	cancel   chan struct{}
	done     chan struct{}
}

// Sent reports whether the initial SendMessage succeeded.
func (d *Drain) Sent() bool { return d.sent }

// Done is closed once polling stopped, whatever the cause.
func (d *Drain) Done() <-chan struct{} { return d.done }

func (d *Drain) Outcome() DrainOutcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outcome
}

// Cancel stops polling without closing the connection. It is a no-op once polling stopped.
func (d *Drain) Cancel() {
	if d.claim() {
		close(d.cancel)
	}
}

// claim reports whether the caller is the one stopping the poll.
func (d *Drain) claim() bool {
	won := false
	d.stopOnce.Do(func() {
		won = true
	})
	return won
}

func (d *Drain) finish(outcome DrainOutcome) {
	d.mu.Lock()
	d.outcome = outcome
	d.mu.Unlock()
	close(d.done)
}

// SendMessageOnce sends a single frame and then polls the connection's buffered byte count
// every 50ms. The first time the count is observed at zero the connection is closed with
// StatusNormalClosure and reason "done".
func SendMessageOnce(c *Conn, command string, payload any, opts ...DrainOption) *Drain {
	var options drainOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	d := &Drain{
		sent:   SendMessage(c, command, payload),
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}
	if c == nil {
		d.claim()
		d.finish(DrainConnClosed)
		return d
	}
	go d.poll(c, options.timeout)
	return d
}

func (d *Drain) poll(c *Conn, timeout time.Duration) {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-ticker.C:
			if c.BufferedAmount() == 0 {
				d.stop(c, DrainCompleted, "done")
				return
			}
		case <-deadline:
			c.logger.Info("Send buffer did not drain in time, closing",
				slog.String("peer", c.String()),
				slog.Duration("timeout", timeout),
				slog.Int("buffered", c.BufferedAmount()))
			d.stop(c, DrainTimedOut, "drain timeout")
			return
		case <-c.Done():
			d.stop(nil, DrainConnClosed, "")
			return
		case <-d.cancel:
			d.finish(DrainCancelled)
			return
		}
	}
}

func (d *Drain) stop(c *Conn, outcome DrainOutcome, reason string) {
	if !d.claim() {
		d.finish(DrainCancelled)
		return
	}
	if c != nil {
		if err := c.Close(StatusNormalClosure, reason); err != nil {
			c.logger.Debug("Close after drain failed",
				slog.String("peer", c.String()),
				slog.Any("error", err))
		}
	}
	d.finish(outcome)
}

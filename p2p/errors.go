package p2p

import "errors"

var (
	// ErrInvalidConfig indicates a caller supplied a listener or dialer configuration with a
	// missing or malformed field. It is always returned synchronously.
	ErrInvalidConfig = errors.New("p2p: invalid config")

	ErrNilSocket       = errors.New("p2p: invalid socket")
	ErrAddressRejected = errors.New("p2p: remote address rejected")
	ErrInboundFull     = errors.New("p2p: inbound connections maxed out")
	ErrRateLimited     = errors.New("p2p: accept rate exceeded")
	ErrListenerClosed  = errors.New("p2p: listener closed")

	// ErrURLMismatch reports that the transport negotiated a different endpoint than the one
	// requested by the dialer.
	ErrURLMismatch = errors.New("p2p: negotiated url differs from requested url")

	ErrNotOpen          = errors.New("p2p: socket not open")
	ErrNotConnected     = errors.New("p2p: connection has no socket")
	ErrPeerAssigned     = errors.New("p2p: peer identity already assigned")
	ErrInvalidFrame     = errors.New("p2p: invalid frame")
	ErrUnsupportedProxy = errors.New("p2p: unsupported proxy scheme")
)

var errQueueFull = errors.New("socket outbound queue full")

// IsInvalidConfig reports whether the error originated from configuration validation.
func IsInvalidConfig(err error) bool {
	return errors.Is(err, ErrInvalidConfig)
}

// IsAdmissionRejected reports whether an inbound socket was refused by admission policy.
func IsAdmissionRejected(err error) bool {
	return errors.Is(err, ErrAddressRejected) || errors.Is(err, ErrInboundFull) || errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrListenerClosed)
}

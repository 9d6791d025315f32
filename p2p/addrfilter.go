package p2p

import (
	"net"
	"strings"
)

const (
	loopbackAddress      = "127.0.0.1"
	privateAddressPrefix = "192.168."

	// RealIPHeader is the proxy header consulted when the immediate hop is trusted.
	RealIPHeader = "X-Real-IP"
)

// IsValidResourceAddress reports whether the address is the loop-back literal or lies in the
// 192.168.0.0/16 private range. It gates both inbound admission and proxy header trust.
func IsValidResourceAddress(address string) bool {
	if address == "" {
		return false
	}
	return address == loopbackAddress || strings.HasPrefix(address, privateAddressPrefix)
}

// RemoteAddress resolves the effective remote address of an accepted socket. The X-Real-IP
// header only overrides the immediate peer address when that peer is itself trusted, so an
// untrusted remote cannot spoof its origin.
func RemoteAddress(sock Socket) string {
	if sock == nil {
		return ""
	}
	addr := hostOnly(sock.RemoteAddr())
	if addr == "" {
		return ""
	}
	if forwarded := strings.TrimSpace(sock.Header(RealIPHeader)); forwarded != "" && IsValidResourceAddress(addr) {
		return forwarded
	}
	return addr
}

func remotePort(sock Socket) string {
	_, port, err := net.SplitHostPort(sock.RemoteAddr())
	if err != nil {
		return ""
	}
	return port
}

func hostOnly(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return host
}

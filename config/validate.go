package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Validate checks a normalised configuration.
func (c *Config) Validate() error {
	if err := validateWebsocketURL("NodeURL", c.NodeURL); err != nil {
		return err
	}
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return fmt.Errorf("%w: ListenPort %d out of range", ErrInvalid, c.ListenPort)
	}
	for _, peer := range c.Peers {
		if err := validateWebsocketURL("Peers", peer); err != nil {
			return err
		}
	}
	if c.ProxyURL != "" {
		u, err := url.Parse(c.ProxyURL)
		if err != nil {
			return fmt.Errorf("%w: ProxyURL: %v", ErrInvalid, err)
		}
		switch strings.ToLower(u.Scheme) {
		case "socks5", "socks5h", "http", "https":
		default:
			return fmt.Errorf("%w: ProxyURL scheme %q not supported", ErrInvalid, u.Scheme)
		}
	}
	if c.MaxInbound < 0 {
		return fmt.Errorf("%w: MaxInbound < 0", ErrInvalid)
	}
	if c.MaxMsgBytes < 0 {
		return fmt.Errorf("%w: MaxMsgBytes < 0", ErrInvalid)
	}
	if c.WriteTimeout < 0 || c.HandshakeTimeout < 0 || c.DrainTimeoutMs < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", ErrInvalid)
	}
	if c.AcceptRatePerSecond < 0 || c.AcceptBurst < 0 {
		return fmt.Errorf("%w: accept rate must not be negative", ErrInvalid)
	}
	if c.LogMaxSizeMB < 0 || c.LogMaxBackups < 0 {
		return fmt.Errorf("%w: log rotation limits must not be negative", ErrInvalid)
	}
	return nil
}

func validateWebsocketURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %s %q: %v", ErrInvalid, field, raw, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return fmt.Errorf("%w: %s %q must use ws:// or wss://", ErrInvalid, field, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: %s %q has no host", ErrInvalid, field, raw)
	}
	return nil
}

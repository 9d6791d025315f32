package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"gossipnet/p2p"
)

const (
	commandPing    = "ping"
	commandPong    = "pong"
	commandGoodbye = "goodbye"
)

// node holds the gossipd side of the connection callbacks. Broadcast logic lives elsewhere;
// here frames are only logged and pings answered.
type node struct {
	logger       *slog.Logger
	drainTimeout time.Duration
}

func newNode(logger *slog.Logger, drainTimeout time.Duration) *node {
	if logger == nil {
		logger = slog.Default()
	}
	return &node{logger: logger, drainTimeout: drainTimeout}
}

func (n *node) listenerConfig(url string, port int) p2p.ListenerConfig {
	return p2p.ListenerConfig{
		URL:  url,
		Port: port,
		OnStart: func(err error, l *p2p.Listener) {
			if err != nil {
				n.logger.Error("Listener failed to start", slog.Int("port", port), slog.Any("error", err))
				return
			}
			n.logger.Info("Listener ready", slog.String("key", l.Key()))
		},
		OnConnection: func(err error, c *p2p.Conn) {
			if err != nil {
				n.logger.Info("Inbound connection refused", slog.Any("error", err))
				return
			}
			n.logger.Info("Peer joined", slog.String("peer", c.Peer()))
		},
		OnMessage: n.handleFrame,
		OnError:   n.handleError,
		OnClose:   n.handleClose,
	}
}

func (n *node) dialConfig(url string) p2p.DialConfig {
	return p2p.DialConfig{
		MinerGateway: url,
		OnOpen: func(err error, c *p2p.Conn) {
			if err != nil {
				n.logger.Warn("Outbound open failed", slog.String("url", url), slog.Any("error", err))
				return
			}
			if c.Duplicate() {
				n.logger.Debug("Dropped duplicate outbound connection", slog.String("url", url))
				return
			}
			n.logger.Info("Peer connected", slog.String("peer", c.Peer()))
		},
		OnMessage: n.handleFrame,
		OnError:   n.handleError,
		OnClose:   n.handleClose,
	}
}

func (n *node) handleFrame(c *p2p.Conn, frame []byte) {
	command, payload, err := p2p.DecodeFrame(frame)
	if err != nil {
		n.logger.Debug("Ignoring malformed frame", slog.String("peer", c.String()), slog.Any("error", err))
		return
	}
	n.logger.Debug("Frame received",
		slog.String("peer", c.String()),
		slog.String("command", command),
		slog.Int("bytes", len(frame)))
	if command == commandPing {
		var body json.RawMessage = payload
		if len(body) == 0 || string(body) == "null" {
			body = json.RawMessage(`{}`)
		}
		p2p.SendMessage(c, commandPong, body)
	}
}

func (n *node) handleError(c *p2p.Conn, cause error) {
	n.logger.Warn("Connection error", slog.String("peer", c.String()), slog.Any("error", cause))
}

func (n *node) handleClose(c *p2p.Conn, reason string) {
	n.logger.Info("Peer left", slog.String("peer", c.String()), slog.String("reason", reason))
}

// farewell sends a goodbye frame to every outbound peer and waits until each drained or
// ctx expired.
func (n *node) farewell(ctx context.Context, conns []*p2p.Conn) {
	drains := make([]*p2p.Drain, 0, len(conns))
	for _, c := range conns {
		drains = append(drains, p2p.SendMessageOnce(c, commandGoodbye,
			map[string]string{"reason": "shutdown"},
			p2p.WithDrainTimeout(n.drainTimeout)))
	}
	for _, d := range drains {
		select {
		case <-d.Done():
		case <-ctx.Done():
			d.Cancel()
		}
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gossipnet/config"
	"gossipnet/observability/logging"
	telemetry "gossipnet/observability/otel"
	"gossipnet/p2p"
	"gossipnet/rpc"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gossipd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configFile := flag.String("config", "./gossipd.toml", "Path to the configuration file (.toml or .yaml)")
	logLevel := flag.String("log-level", "info", "Minimum log level: debug, info, warn or error")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("GOSSIP_ENV"))
	logger, logCloser := logging.SetupWithOptions(logging.Options{
		Service:    "gossipd",
		Env:        env,
		Level:      logging.ParseLevel(*logLevel),
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
	defer logCloser.Close()

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "gossipd",
		Environment: env,
		InstanceID:  cfg.NodeURL,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	transport, err := p2p.NewWebSocketTransport(p2p.WebSocketConfig{
		ListenHost:       cfg.ListenHost,
		ProxyURL:         cfg.ProxyURL,
		MaxMessageBytes:  cfg.MaxMsgBytes,
		WriteTimeout:     cfg.WriteTimeoutDuration(),
		HandshakeTimeout: cfg.HandshakeTimeoutDuration(),
		Logger:           logger.With(slog.String("component", "p2p_websocket")),
	})
	if err != nil {
		return fmt.Errorf("build transport: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("prepare data directory: %w", err)
	}
	peerstore, err := p2p.NewPeerstore(cfg.PeerstorePath())
	if err != nil {
		return fmt.Errorf("open peerstore: %w", err)
	}
	defer peerstore.Close()

	registry := p2p.NewServerRegistry()
	cache := p2p.NewOutboundCache()
	server := p2p.NewServerListener(transport, registry,
		p2p.WithServerLogger(logger.With(slog.String("component", "p2p_server"))),
		p2p.WithMaxInbound(cfg.MaxInbound),
		p2p.WithAcceptRate(cfg.AcceptRatePerSecond, cfg.AcceptBurst))
	dialer := p2p.NewClientDialer(transport, cache,
		p2p.WithDialerLogger(logger.With(slog.String("component", "p2p_client"))),
		p2p.WithPeerstore(peerstore))
	n := newNode(logger, cfg.DrainTimeout())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := server.CreateServer(ctx, n.listenerConfig(cfg.NodeURL, cfg.ListenPort)); err != nil {
		return fmt.Errorf("start listener: %w", err)
	}

	peers := bootstrapPeers(cfg.Peers, peerstore.List(), cfg.NodeURL)
	for _, peer := range peers {
		if _, err := dialer.ConnectToServer(ctx, n.dialConfig(peer)); err != nil {
			logger.Warn("Skipping peer", slog.String("url", peer), slog.Any("error", err))
		}
	}
	logger.Info("gossipd started",
		slog.String("url", cfg.NodeURL),
		slog.Int("port", cfg.ListenPort),
		slog.Int("peers", len(peers)))

	var adminServer *http.Server
	errs := make(chan error, 1)
	if cfg.AdminAddress != "" {
		adminServer = &http.Server{
			Addr:              cfg.AdminAddress,
			Handler:           rpc.NewAdminHandler(rpc.AdminConfig{Registry: registry, Cache: cache, Peerstore: peerstore}),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		go func() {
			logger.Info("Admin endpoint listening", slog.String("addr", cfg.AdminAddress))
			errs <- adminServer.ListenAndServe()
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Admin endpoint failed", slog.Any("error", err))
		}
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if adminServer != nil {
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			_ = adminServer.Close()
		}
	}
	n.farewell(shutdownCtx, cache.Snapshot())
	if err := registry.Reset(); err != nil {
		logger.Warn("Failed to close listeners", slog.Any("error", err))
	}
	cache.Reset()
	return nil
}

// bootstrapPeers merges configured peers with endpoints remembered from earlier runs,
// skipping our own advertised URL.
func bootstrapPeers(configured []string, known []p2p.PeerstoreEntry, self string) []string {
	self = p2p.NormalizeURL(self)
	seen := make(map[string]struct{}, len(configured)+len(known))
	out := make([]string, 0, len(configured)+len(known))
	add := func(raw string) {
		url := p2p.NormalizeURL(raw)
		if url == "" || url == self {
			return
		}
		if _, dup := seen[url]; dup {
			return
		}
		seen[url] = struct{}{}
		out = append(out, url)
	}
	for _, peer := range configured {
		add(peer)
	}
	for _, entry := range known {
		add(entry.URL)
	}
	return out
}

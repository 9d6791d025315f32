package rpc

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	telemetry "gossipnet/observability/otel"
	"gossipnet/p2p"
)

// AdminConfig wires the admin endpoints to the node's registries. Peerstore and Gatherer
// are optional.
type AdminConfig struct {
	Registry  *p2p.ServerRegistry
	Cache     *p2p.OutboundCache
	Peerstore *p2p.Peerstore
	Gatherer  prometheus.Gatherer
}

type listenerJSON struct {
	Key     string     `json:"key"`
	URL     string     `json:"url"`
	Port    int        `json:"port"`
	Addr    string     `json:"addr,omitempty"`
	Inbound int        `json:"inbound"`
	Conns   []connJSON `json:"conns"`
}

type connJSON struct {
	ID            string     `json:"id"`
	Peer          string     `json:"peer"`
	Host          string     `json:"host"`
	Direction     string     `json:"direction"`
	State         string     `json:"state"`
	Buffered      int        `json:"buffered"`
	EstablishedAt *time.Time `json:"establishedAt,omitempty"`
	LastActivity  *time.Time `json:"lastActivity,omitempty"`
}

type peersResult struct {
	Listeners []listenerJSON       `json:"listeners"`
	Outbound  []connJSON           `json:"outbound"`
	Known     []p2p.PeerstoreEntry `json:"known,omitempty"`
}

// NewAdminHandler serves /healthz, /peers and /metrics for operators. DELETE /peers/known
// drops an endpoint from the peerstore so it is not redialed at the next boot.
func NewAdminHandler(cfg AdminConfig) http.Handler {
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/peers", func(w http.ResponseWriter, r *http.Request) {
		writeAdminJSON(w, http.StatusOK, snapshotPeers(cfg))
	})
	r.Delete("/peers/known", func(w http.ResponseWriter, r *http.Request) {
		forgetPeer(w, r, cfg.Peerstore)
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return otelhttp.NewHandler(r, "gossipd.admin", otelhttp.WithSpanNameFormatter(telemetry.SpanNameFormatter))
}

type forgetResult struct {
	Removed string `json:"removed,omitempty"`
	Error   string `json:"error,omitempty"`
}

func forgetPeer(w http.ResponseWriter, r *http.Request, store *p2p.Peerstore) {
	if store == nil {
		writeAdminJSON(w, http.StatusServiceUnavailable, forgetResult{Error: "peerstore disabled"})
		return
	}
	url := p2p.NormalizeURL(r.URL.Query().Get("url"))
	if url == "" {
		writeAdminJSON(w, http.StatusBadRequest, forgetResult{Error: "url query parameter required"})
		return
	}
	if _, ok := store.Get(url); !ok {
		writeAdminJSON(w, http.StatusNotFound, forgetResult{Error: "unknown peer"})
		return
	}
	if err := store.Remove(url); err != nil {
		writeAdminJSON(w, http.StatusInternalServerError, forgetResult{Error: err.Error()})
		return
	}
	writeAdminJSON(w, http.StatusOK, forgetResult{Removed: url})
}

func snapshotPeers(cfg AdminConfig) peersResult {
	result := peersResult{
		Listeners: []listenerJSON{},
		Outbound:  []connJSON{},
	}
	if cfg.Registry != nil {
		for _, l := range cfg.Registry.Listeners() {
			entry := listenerJSON{
				Key:     l.Key(),
				URL:     l.URL(),
				Port:    l.Port(),
				Inbound: l.InboundCount(),
				Conns:   []connJSON{},
			}
			if addr := l.Addr(); addr != nil {
				entry.Addr = addr.String()
			}
			for _, conn := range l.Connections() {
				entry.Conns = append(entry.Conns, formatConn(conn))
			}
			result.Listeners = append(result.Listeners, entry)
		}
	}
	if cfg.Cache != nil {
		for _, conn := range cfg.Cache.Snapshot() {
			result.Outbound = append(result.Outbound, formatConn(conn))
		}
	}
	if cfg.Peerstore != nil {
		result.Known = cfg.Peerstore.List()
	}
	return result
}

func formatConn(conn *p2p.Conn) connJSON {
	out := connJSON{
		ID:        conn.ID(),
		Peer:      conn.Peer(),
		Host:      conn.Host(),
		Direction: conn.Direction().String(),
		State:     conn.ReadyState().String(),
		Buffered:  conn.BufferedAmount(),
	}
	if ts := conn.EstablishedAt(); !ts.IsZero() {
		out.EstablishedAt = &ts
	}
	if ts := conn.LastActivity(); !ts.IsZero() {
		out.LastActivity = &ts
	}
	return out
}

func writeAdminJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

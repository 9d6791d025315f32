package p2p

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	telemetry "gossipnet/observability/otel"
)

const meterComponent = "p2p"

const (
	directionIn  = "in"
	directionOut = "out"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *networkMetrics
)

type networkMetrics struct {
	connections *prometheus.CounterVec
	admissions  *prometheus.CounterVec
	active      *prometheus.GaugeVec
	frames      *prometheus.CounterVec
	frameBytes  *prometheus.CounterVec

	meter             metric.Meter
	connectionCounter metric.Int64Counter
	frameCounter      metric.Int64Counter
	frameSize         metric.Int64Histogram
}

func newNetworkMetrics() *networkMetrics {
	metricsInitOnce.Do(func() {
		nm := &networkMetrics{
			connections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "gossip_ws_connections_total",
				Help: "Connection lifecycle outcomes by direction.",
			}, []string{"direction", "result"}),
			admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "gossip_ws_inbound_rejections_total",
				Help: "Inbound sockets refused by admission policy.",
			}, []string{"reason"}),
			active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "gossip_ws_active_connections",
				Help: "Currently open connections by direction.",
			}, []string{"direction"}),
			frames: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "gossip_ws_frames_total",
				Help: "Frames sent and received.",
			}, []string{"direction"}),
			frameBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "gossip_ws_frame_bytes_total",
				Help: "Frame payload bytes sent and received.",
			}, []string{"direction"}),
		}
		prometheus.MustRegister(nm.connections, nm.admissions, nm.active, nm.frames, nm.frameBytes)
		nm.initMeter()
		sharedMetrics = nm
	})
	return sharedMetrics
}

func (m *networkMetrics) initMeter() {
	meter := telemetry.Meter(meterComponent)
	connections, err := meter.Int64Counter("gossip.ws.connections")
	if err != nil {
		meter = noop.NewMeterProvider().Meter(telemetry.ScopeName(meterComponent))
		connections, _ = meter.Int64Counter("gossip.ws.connections")
	}
	frames, err := meter.Int64Counter("gossip.ws.frames")
	if err != nil {
		meter = noop.NewMeterProvider().Meter(telemetry.ScopeName(meterComponent))
		frames, _ = meter.Int64Counter("gossip.ws.frames")
	}
	size, err := meter.Int64Histogram("gossip.ws.frame_bytes")
	if err != nil {
		meter = noop.NewMeterProvider().Meter(telemetry.ScopeName(meterComponent))
		size, _ = meter.Int64Histogram("gossip.ws.frame_bytes")
	}
	m.meter = meter
	m.connectionCounter = connections
	m.frameCounter = frames
	m.frameSize = size
}

func (m *networkMetrics) recordConnection(dir Direction, result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.connections.WithLabelValues(dir.String(), result).Inc()
	if m.connectionCounter != nil {
		m.connectionCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("direction", dir.String()),
			attribute.String("result", result),
		))
	}
}

func (m *networkMetrics) recordRejection(reason string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(reason).Inc()
	m.recordConnection(DirectionInbound, "rejected")
}

func (m *networkMetrics) connOpened(dir Direction) {
	if m == nil {
		return
	}
	m.active.WithLabelValues(dir.String()).Inc()
	m.recordConnection(dir, "opened")
}

func (m *networkMetrics) connClosed(dir Direction) {
	if m == nil {
		return
	}
	m.active.WithLabelValues(dir.String()).Dec()
	m.recordConnection(dir, "closed")
}

func (m *networkMetrics) recordFrame(direction string, size int) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(direction).Inc()
	m.frameBytes.WithLabelValues(direction).Add(float64(size))
	if m.frameCounter != nil {
		attrs := metric.WithAttributes(attribute.String("direction", direction))
		m.frameCounter.Add(context.Background(), 1, attrs)
		m.frameSize.Record(context.Background(), int64(size), attrs)
	}
}

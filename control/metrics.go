// File: control/metrics.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Prometheus collectors for the engine. Every method is a no-op on a nil
// *Metrics so callers never branch on whether metrics are enabled.

package control

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/momentics/wsengine/pool"
)

// MetricsConfig configures collector naming.
type MetricsConfig struct {
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

// MetricsOption customizes MetricsConfig.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(ns string) MetricsOption {
	return func(c *MetricsConfig) { c.Namespace = ns }
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(sub string) MetricsOption {
	return func(c *MetricsConfig) { c.Subsystem = sub }
}

// WithConstLabels adds constant labels to every collector.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) { c.ConstLabels = labels }
}

// Metrics groups the engine collectors.
type Metrics struct {
	cfg     MetricsConfig
	factory promauto.Factory

	connections       prometheus.Gauge
	accepted          prometheus.Counter
	handshakeFailures prometheus.Counter
	protocolErrors    prometheus.Counter
	messages          *prometheus.CounterVec
	bytes             *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer, opts ...MetricsOption) *Metrics {
	cfg := MetricsConfig{Namespace: "wsengine"}
	for _, opt := range opts {
		opt(&cfg)
	}
	f := promauto.With(reg)
	m := &Metrics{cfg: cfg, factory: f}

	m.connections = f.NewGauge(prometheus.GaugeOpts{
		Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, ConstLabels: cfg.ConstLabels,
		Name: "connections_open",
		Help: "Number of open WebSocket connections",
	})
	m.accepted = f.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, ConstLabels: cfg.ConstLabels,
		Name: "connections_accepted_total",
		Help: "Connections that completed the handshake",
	})
	m.handshakeFailures = f.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, ConstLabels: cfg.ConstLabels,
		Name: "handshake_failures_total",
		Help: "Candidate streams dropped during TLS or WebSocket handshake",
	})
	m.protocolErrors = f.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, ConstLabels: cfg.ConstLabels,
		Name: "protocol_errors_total",
		Help: "Connections closed for a framing violation",
	})
	m.messages = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, ConstLabels: cfg.ConstLabels,
		Name: "messages_total",
		Help: "Binary messages by direction",
	}, []string{"direction"})
	m.bytes = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, ConstLabels: cfg.ConstLabels,
		Name: "message_bytes_total",
		Help: "Binary payload bytes by direction",
	}, []string{"direction"})
	return m
}

// ObservePool exports buffer pool occupancy as gauges read on scrape.
func (m *Metrics) ObservePool(p *pool.Pool) {
	if m == nil || p == nil {
		return
	}
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: m.cfg.Namespace, Subsystem: m.cfg.Subsystem, ConstLabels: m.cfg.ConstLabels,
		Name: "pool_buffers_in_use",
		Help: "Pooled buffers currently taken and not yet released",
	}, func() float64 { return float64(p.Stats().InUse) })
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: m.cfg.Namespace, Subsystem: m.cfg.Subsystem, ConstLabels: m.cfg.ConstLabels,
		Name: "pool_buffers_free",
		Help: "Buffers parked on bucket free lists",
	}, func() float64 {
		free := 0
		for _, b := range p.Stats().Buckets {
			free += b.Free
		}
		return float64(free)
	})
	m.factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: m.cfg.Namespace, Subsystem: m.cfg.Subsystem, ConstLabels: m.cfg.ConstLabels,
		Name: "pool_double_releases_total",
		Help: "Release calls on buffers that were already recycled",
	}, func() float64 { return float64(p.Stats().DoubleReleases) })
}

// ConnectionOpened counts a connection that entered the registry.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.accepted.Inc()
	m.connections.Inc()
}

// ConnectionClosed counts a connection that left the registry.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

// HandshakeFailed counts a dropped candidate stream.
func (m *Metrics) HandshakeFailed() {
	if m == nil {
		return
	}
	m.handshakeFailures.Inc()
}

// MessageIn implements protocol.Observer.
func (m *Metrics) MessageIn(n int) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues("in").Inc()
	m.bytes.WithLabelValues("in").Add(float64(n))
}

// MessageOut implements protocol.Observer.
func (m *Metrics) MessageOut(n int) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues("out").Inc()
	m.bytes.WithLabelValues("out").Add(float64(n))
}

// ProtocolError implements protocol.Observer.
func (m *Metrics) ProtocolError() {
	if m == nil {
		return
	}
	m.protocolErrors.Inc()
}

// Package metrics provides Prometheus instrumentation for the WebSocket engine.
//
// All recording methods are safe on a nil *Metrics, so instrumentation is
// optional for embedders.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's collectors.
type Metrics struct {
	// Connection metrics
	ActiveConnections  prometheus.Gauge
	ConnectionsTotal   *prometheus.CounterVec
	ConnectionDuration prometheus.Histogram

	// Handshake metrics
	HandshakesTotal *prometheus.CounterVec

	// Traffic metrics
	FramesTotal   *prometheus.CounterVec
	MessagesTotal *prometheus.CounterVec
	BytesTotal    *prometheus.CounterVec

	// Protocol violations by close code
	ProtocolErrors *prometheus.CounterVec

	// Upgrade requests refused by the rate limiter
	RateLimited prometheus.Counter
}

// New registers the collectors with reg under namespace.
// A nil reg registers with prometheus.DefaultRegisterer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "nanows"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of currently open WebSocket connections",
		}),
		ConnectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of finished WebSocket connections by outcome",
		}, []string{"status"}),
		ConnectionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "WebSocket connection lifetime in seconds",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600, 3600},
		}),
		HandshakesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Total number of opening handshakes by result",
		}, []string{"result"}),
		FramesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Total number of frames by direction and opcode",
		}, []string{"direction", "opcode"}),
		MessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Total number of application messages by direction and type",
		}, []string{"direction", "type"}),
		BytesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_bytes_total",
			Help:      "Total frame payload bytes by direction",
		}, []string{"direction"}),
		ProtocolErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Total number of peer protocol violations by close code",
		}, []string{"code"}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Total number of upgrade requests refused by the rate limiter",
		}),
	}
}

// Direction labels.
const (
	In  = "in"
	Out = "out"
)

// ConnOpened records a new open connection.
func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

// ConnClosed records a finished connection and its lifetime.
func (m *Metrics) ConnClosed(status string, lifetime time.Duration) {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
	m.ConnectionsTotal.WithLabelValues(status).Inc()
	m.ConnectionDuration.Observe(lifetime.Seconds())
}

// Handshake records an opening handshake result.
func (m *Metrics) Handshake(result string) {
	if m == nil {
		return
	}
	m.HandshakesTotal.WithLabelValues(result).Inc()
}

// Frame records one frame of n payload bytes.
func (m *Metrics) Frame(direction, opcode string, n int) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(direction, opcode).Inc()
	m.BytesTotal.WithLabelValues(direction).Add(float64(n))
}

// Message records one application message.
func (m *Metrics) Message(direction, typ string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(direction, typ).Inc()
}

// ProtocolError records a peer protocol violation closed with code.
func (m *Metrics) ProtocolError(code int) {
	if m == nil {
		return
	}
	m.ProtocolErrors.WithLabelValues(strconv.Itoa(code)).Inc()
}

// Limited records an upgrade request refused by the rate limiter.
func (m *Metrics) Limited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

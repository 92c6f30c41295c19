// Package metrics exposes prometheus instrumentation for the access layer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the collectors used across HTTP middleware and the gateway.
type Metrics struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpInFlight        prometheus.Gauge

	wsConnections       *prometheus.GaugeVec
	wsBroadcastsTotal   *prometheus.CounterVec
	wsMessagesDropped   *prometheus.CounterVec
	migrationStepsTotal prometheus.Counter
}

// New registers the collectors on the given registerer and returns the bundle.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, path and status.",
		}, []string{"service", "method", "path", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service", "method", "path"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Requests currently being served.",
		}),
		wsConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ws_connections",
			Help: "Live websocket connections by channel kind.",
		}, []string{"channel"}),
		wsBroadcastsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_broadcasts_total",
			Help: "Messages fanned out by channel kind.",
		}, []string{"channel"}),
		wsMessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_messages_dropped_total",
			Help: "Messages dropped by overflowing per-connection send queues.",
		}, []string{"channel"}),
		migrationStepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "schema_migration_steps_applied_total",
			Help: "Schema migration steps applied by this process.",
		}),
	}

	reg.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.httpInFlight,
		m.wsConnections,
		m.wsBroadcastsTotal,
		m.wsMessagesDropped,
		m.migrationStepsTotal,
	)
	return m
}

// IncrementInFlight bumps the in-flight request gauge.
func (m *Metrics) IncrementInFlight() { m.httpInFlight.Inc() }

// DecrementInFlight lowers the in-flight request gauge.
func (m *Metrics) DecrementInFlight() { m.httpInFlight.Dec() }

// RecordHTTPRequest records one completed HTTP request.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.httpRequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// ConnectionOpened bumps the live connection gauge for a channel kind
// ("dashboard" or "scheduler").
func (m *Metrics) ConnectionOpened(channel string) { m.wsConnections.WithLabelValues(channel).Inc() }

// ConnectionClosed lowers the live connection gauge.
func (m *Metrics) ConnectionClosed(channel string) { m.wsConnections.WithLabelValues(channel).Dec() }

// RecordBroadcast counts one fan-out on a channel kind.
func (m *Metrics) RecordBroadcast(channel string) { m.wsBroadcastsTotal.WithLabelValues(channel).Inc() }

// RecordDroppedMessage counts a message evicted from a full send queue.
func (m *Metrics) RecordDroppedMessage(channel string) {
	m.wsMessagesDropped.WithLabelValues(channel).Inc()
}

// RecordMigrationStep counts one applied schema migration step.
func (m *Metrics) RecordMigrationStep() { m.migrationStepsTotal.Inc() }

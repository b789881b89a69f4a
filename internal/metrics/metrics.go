// Package metrics provides Prometheus metrics for the gateway client.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the daemon.
type Metrics struct {
	RPCsTotal         *prometheus.CounterVec
	RPCDuration       *prometheus.HistogramVec
	ConnectsTotal     *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	Connected         prometheus.Gauge
	EventsTotal       *prometheus.CounterVec
	StreamBuffers     prometheus.Gauge
	PairingsTotal     *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RPCsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clawdeck_rpcs_total",
				Help: "Total number of gateway RPCs by method and status.",
			},
			[]string{"method", "status"},
		),
		RPCDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clawdeck_rpc_duration_seconds",
				Help:    "Gateway RPC round-trip duration by method.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		ConnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clawdeck_connects_total",
				Help: "Total gateway connection attempts by outcome.",
			},
			[]string{"outcome"},
		),
		ReconnectAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "clawdeck_reconnect_attempts_total",
				Help: "Total scheduled reconnect attempts.",
			},
		),
		Connected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "clawdeck_connected",
				Help: "Whether the gateway connection is up (1) or down (0).",
			},
		),
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clawdeck_events_total",
				Help: "Total gateway events received by kind.",
			},
			[]string{"kind"},
		),
		StreamBuffers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "clawdeck_stream_buffers",
				Help: "Number of live stream accumulation buffers.",
			},
		),
		PairingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clawdeck_pairings_total",
				Help: "Total pairing flow outcomes.",
			},
			[]string{"outcome"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clawdeck_errors_total",
				Help: "Total errors by component and type.",
			},
			[]string{"component", "type"},
		),
		registry: reg,
	}

	reg.MustRegister(m.RPCsTotal)
	reg.MustRegister(m.RPCDuration)
	reg.MustRegister(m.ConnectsTotal)
	reg.MustRegister(m.ReconnectAttempts)
	reg.MustRegister(m.Connected)
	reg.MustRegister(m.EventsTotal)
	reg.MustRegister(m.StreamBuffers)
	reg.MustRegister(m.PairingsTotal)
	reg.MustRegister(m.ErrorsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRPC increments the RPC counter.
func (m *Metrics) RecordRPC(method, status string) {
	m.RPCsTotal.WithLabelValues(method, status).Inc()
}

// ObserveRPCDuration records an RPC round-trip duration.
func (m *Metrics) ObserveRPCDuration(method string, seconds float64) {
	m.RPCDuration.WithLabelValues(method).Observe(seconds)
}

// RecordConnect increments the connect counter.
func (m *Metrics) RecordConnect(outcome string) {
	m.ConnectsTotal.WithLabelValues(outcome).Inc()
}

// RecordEvent increments the event counter.
func (m *Metrics) RecordEvent(kind string) {
	m.EventsTotal.WithLabelValues(kind).Inc()
}

// RecordPairing increments the pairing counter.
func (m *Metrics) RecordPairing(outcome string) {
	m.PairingsTotal.WithLabelValues(outcome).Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, errType string) {
	m.ErrorsTotal.WithLabelValues(component, errType).Inc()
}

// SetConnected flips the connectivity gauge.
func (m *Metrics) SetConnected(up bool) {
	if up {
		m.Connected.Set(1)
	} else {
		m.Connected.Set(0)
	}
}

// SetStreamBuffers sets the live stream buffer count.
func (m *Metrics) SetStreamBuffers(count float64) {
	m.StreamBuffers.Set(count)
}

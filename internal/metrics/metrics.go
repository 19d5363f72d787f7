// Package metrics exposes the server's Prometheus instruments.
//
// All Record methods are safe on a nil *Metrics so components can run
// without instrumentation in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tandem"

// Metrics holds the server's collectors.
type Metrics struct {
	registry *prometheus.Registry

	calls      *prometheus.CounterVec
	published  *prometheus.CounterVec
	delivered  *prometheus.CounterVec
	suppressed *prometheus.CounterVec
	sockets    prometheus.Gauge
	observed   prometheus.Gauge
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "calls_total",
				Help:      "Count of handled requests by command and outcome.",
			},
			[]string{"cmd", "outcome"},
		),
		published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "hub",
				Name:      "published_total",
				Help:      "Count of notifications published to the broker by kind.",
			},
			[]string{"kind"},
		),
		delivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "hub",
				Name:      "delivered_total",
				Help:      "Count of notifications delivered to local sockets by kind.",
			},
			[]string{"kind"},
		),
		suppressed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "hub",
				Name:      "echo_suppressed_total",
				Help:      "Count of notifications withheld from their authoring socket by kind.",
			},
			[]string{"kind"},
		),
		sockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sockets",
			Help:      "Number of connected client sockets.",
		}),
		observed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "observed_keypaths",
			Help:      "Number of key paths with at least one local observer.",
		}),
	}
	m.registry.MustRegister(
		m.calls, m.published, m.delivered, m.suppressed, m.sockets, m.observed,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordCall counts one handled request. outcome is "ok" or an error code.
func (m *Metrics) RecordCall(cmd, outcome string) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(cmd, outcome).Inc()
}

// RecordPublished counts one notification sent to the broker.
func (m *Metrics) RecordPublished(kind string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(kind).Inc()
}

// RecordDelivered counts deliveries to local sockets.
func (m *Metrics) RecordDelivered(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.delivered.WithLabelValues(kind).Add(float64(n))
}

// RecordSuppressed counts one echo withheld from its author.
func (m *Metrics) RecordSuppressed(kind string) {
	if m == nil {
		return
	}
	m.suppressed.WithLabelValues(kind).Inc()
}

// SocketConnected and SocketDisconnected track the socket gauge.
func (m *Metrics) SocketConnected() {
	if m == nil {
		return
	}
	m.sockets.Inc()
}

func (m *Metrics) SocketDisconnected() {
	if m == nil {
		return
	}
	m.sockets.Dec()
}

// KeyPathObserved and KeyPathReleased track the observed key path gauge.
func (m *Metrics) KeyPathObserved() {
	if m == nil {
		return
	}
	m.observed.Inc()
}

func (m *Metrics) KeyPathReleased() {
	if m == nil {
		return
	}
	m.observed.Dec()
}

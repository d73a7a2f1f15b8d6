// Package metrics exposes Prometheus collectors for server activity.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "publichat"

// Metrics holds the server collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	connections       *prometheus.CounterVec
	activeConnections *prometheus.GaugeVec
	requests          *prometheus.CounterVec
	recordsPushed     prometheus.Counter
	recordsServed     prometheus.Counter
	protocolErrors    *prometheus.CounterVec
	storageCorrupt    prometheus.Counter
	rejected          prometheus.Counter
}

// New registers the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry registers the collectors on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		connections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Accepted connections by transport",
		}, []string{"transport"}),

		activeConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Connections currently running the SMRT dispatcher",
		}, []string{"transport"}),

		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "SMRT requests handled by kind",
		}, []string{"kind"}),

		recordsPushed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_pushed_total",
			Help:      "Records appended to room logs",
		}),

		recordsServed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_served_total",
			Help:      "Records sent to clients",
		}),

		protocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Connections closed because of a framing error",
		}, []string{"transport"}),

		storageCorrupt: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_corruption_total",
			Help:      "Requests dropped because a room log was corrupted",
		}),

		rejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_connections_total",
			Help:      "Connections closed because their prefix was not recognised",
		}),
	}
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ConnectionOpened(transport string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(transport).Inc()
	m.activeConnections.WithLabelValues(transport).Inc()
}

func (m *Metrics) ConnectionClosed(transport string) {
	if m == nil {
		return
	}
	m.activeConnections.WithLabelValues(transport).Dec()
}

func (m *Metrics) Request(kind string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordPushed() {
	if m == nil {
		return
	}
	m.recordsPushed.Inc()
}

func (m *Metrics) RecordsServed(n int) {
	if m == nil {
		return
	}
	m.recordsServed.Add(float64(n))
}

func (m *Metrics) ProtocolError(transport string) {
	if m == nil {
		return
	}
	m.protocolErrors.WithLabelValues(transport).Inc()
}

func (m *Metrics) StorageCorruption() {
	if m == nil {
		return
	}
	m.storageCorrupt.Inc()
}

func (m *Metrics) Rejected() {
	if m == nil {
		return
	}
	m.rejected.Inc()
}

// Package metrics provides Prometheus metrics for the activity engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	SyncCyclesTotal  *prometheus.CounterVec
	SyncDuration     prometheus.Histogram
	SamplesTotal     *prometheus.CounterVec
	DrainedSeconds   prometheus.Counter
	EventsTotal      *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	StoreBuckets     prometheus.Gauge
	RetentionRemoved prometheus.Counter
	DBSizeBytes      prometheus.Gauge
	ErrorsTotal      *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		SyncCyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codetime_sync_cycles_total",
				Help: "Total number of sync cycles by result.",
			},
			[]string{"result"},
		),
		SyncDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "codetime_sync_duration_seconds",
				Help:    "Sync cycle duration.",
				Buckets: prometheus.DefBuckets,
			},
		),
		SamplesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codetime_samples_total",
				Help: "Remote sample uploads by kind, origin and result.",
			},
			[]string{"kind", "origin", "result"},
		),
		DrainedSeconds: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "codetime_drained_seconds_total",
				Help: "Active seconds drained from accumulators.",
			},
		),
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codetime_events_total",
				Help: "Inbound editor events by type.",
			},
			[]string{"type"},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "codetime_queue_depth",
				Help: "Payloads waiting for redelivery.",
			},
		),
		StoreBuckets: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "codetime_store_buckets",
				Help: "Hour and project buckets held by the local store.",
			},
		),
		RetentionRemoved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "codetime_retention_removed_total",
				Help: "Hour buckets removed by retention.",
			},
		),
		DBSizeBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "codetime_db_size_bytes",
				Help: "Size of the state database.",
			},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codetime_errors_total",
				Help: "Total errors by module and type.",
			},
			[]string{"module", "type"},
		),
		registry: reg,
	}

	reg.MustRegister(m.SyncCyclesTotal)
	reg.MustRegister(m.SyncDuration)
	reg.MustRegister(m.SamplesTotal)
	reg.MustRegister(m.DrainedSeconds)
	reg.MustRegister(m.EventsTotal)
	reg.MustRegister(m.QueueDepth)
	reg.MustRegister(m.StoreBuckets)
	reg.MustRegister(m.RetentionRemoved)
	reg.MustRegister(m.DBSizeBytes)
	reg.MustRegister(m.ErrorsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordCycle counts a finished sync cycle.
func (m *Metrics) RecordCycle(result string, seconds float64) {
	m.SyncCyclesTotal.WithLabelValues(result).Inc()
	m.SyncDuration.Observe(seconds)
}

// RecordSample counts a sample upload.
func (m *Metrics) RecordSample(kind, origin, result string) {
	m.SamplesTotal.WithLabelValues(kind, origin, result).Inc()
}

// RecordEvent counts an inbound event.
func (m *Metrics) RecordEvent(eventType string) {
	m.EventsTotal.WithLabelValues(eventType).Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(module, errType string) {
	m.ErrorsTotal.WithLabelValues(module, errType).Inc()
}

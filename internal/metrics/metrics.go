// Package metrics exposes Prometheus instrumentation for the analysis
// engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocdev21/l1sentry/internal/models"
)

// Metrics holds the engine's instrument set, registered on its own registry
// so tests can run isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	FilesProcessed     *prometheus.CounterVec
	FileFailures       prometheus.Counter
	RecordsParsed      prometheus.Counter
	MalformedRecords   prometheus.Counter
	Anomalies          *prometheus.CounterVec
	Retrains           prometheus.Counter
	RetrainFailures    prometheus.Counter
	ProcessingDuration *prometheus.HistogramVec
}

// New creates and registers the instrument set.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.FilesProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "l1sentry",
		Name:      "files_processed_total",
		Help:      "Input files analyzed, by source format.",
	}, []string{"format"})

	m.FileFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "l1sentry",
		Name:      "file_failures_total",
		Help:      "Input files that could not be analyzed.",
	})

	m.RecordsParsed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "l1sentry",
		Name:      "records_parsed_total",
		Help:      "Records successfully parsed across all files.",
	})

	m.MalformedRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "l1sentry",
		Name:      "records_malformed_total",
		Help:      "Records skipped as malformed.",
	})

	m.Anomalies = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "l1sentry",
		Name:      "anomalies_total",
		Help:      "Anomaly records emitted, by category and severity.",
	}, []string{"category", "severity"})

	m.Retrains = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "l1sentry",
		Name:      "model_retrains_total",
		Help:      "Successful ensemble retrains.",
	})

	m.RetrainFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "l1sentry",
		Name:      "model_retrain_failures_total",
		Help:      "Ensemble retrains that failed and kept the previous models.",
	})

	m.ProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "l1sentry",
		Name:      "file_processing_seconds",
		Help:      "Wall time to analyze one file, by source format.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"format"})

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.FilesProcessed,
		m.FileFailures,
		m.RecordsParsed,
		m.MalformedRecords,
		m.Anomalies,
		m.Retrains,
		m.RetrainFailures,
		m.ProcessingDuration,
	)
	return m
}

// ObserveAnomaly counts one emitted anomaly record.
func (m *Metrics) ObserveAnomaly(rec *models.AnomalyRecord) {
	m.Anomalies.WithLabelValues(string(rec.Category), string(rec.Severity)).Inc()
}

// Handler returns the HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Package metrics holds the Prometheus collectors of the service. Collectors are registered
// on a private registry so tests can build as many instances as they need.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bandi/internal/model"
)

const namespace = "bandi"

type Metrics struct {
	registry *prometheus.Registry

	IngestCandidates *prometheus.CounterVec
	IngestFetchErrs  *prometheus.CounterVec

	JobsExecuted *prometheus.CounterVec
	JobDuration  *prometheus.HistogramVec
	JobsRunning  prometheus.Gauge
	JobsSkipped  *prometheus.CounterVec

	Notifications *prometheus.CounterVec

	IndexSize       prometheus.Gauge
	EmbeddingsTotal *prometheus.CounterVec
	SearchesTotal   prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		IngestCandidates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "candidates_total",
			Help:      "Candidates seen by the ingestion pipeline, by source and outcome",
		}, []string{"source", "outcome"}),
		IngestFetchErrs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "fetch_errors_total",
			Help:      "Source fetches that failed",
		}, []string{"source"}),
		JobsExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "jobs_executed_total",
			Help:      "Job executions by job and final status",
		}, []string{"job", "status"}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Duration of job execution in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"job"}),
		JobsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "jobs_running",
			Help:      "Jobs currently executing",
		}),
		JobsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "jobs_skipped_total",
			Help:      "Due jobs not started, by reason",
		}, []string{"reason"}),
		Notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "notifications_total",
			Help:      "Notifications by kind and result",
		}, []string{"kind", "result"}),
		IndexSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "matcher",
			Name:      "index_size",
			Help:      "Vectors held by the similarity index",
		}),
		EmbeddingsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "matcher",
			Name:      "embeddings_total",
			Help:      "Announcement vectors by refresh outcome",
		}, []string{"outcome"}),
		SearchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "matcher",
			Name:      "searches_total",
			Help:      "Similarity searches served",
		}),
	}
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveIngest records the per-source outcome of one ingestion run. A nil receiver is a no-op
// so components can run without metrics.
func (m *Metrics) ObserveIngest(source string, s model.SourceSummary) {
	if m == nil {
		return
	}
	m.IngestCandidates.WithLabelValues(source, "found").Add(float64(s.Found))
	m.IngestCandidates.WithLabelValues(source, "new").Add(float64(s.New))
	m.IngestCandidates.WithLabelValues(source, "duplicate").Add(float64(s.Duplicates))
	m.IngestCandidates.WithLabelValues(source, "filtered").Add(float64(s.Filtered))
	m.IngestCandidates.WithLabelValues(source, "error").Add(float64(s.Errors))
	if s.Err != "" {
		m.IngestFetchErrs.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.JobsRunning.Inc()
}

func (m *Metrics) JobFinished(job string, status model.RunStatus, took time.Duration) {
	if m == nil {
		return
	}
	m.JobsRunning.Dec()
	m.JobsExecuted.WithLabelValues(job, string(status)).Inc()
	m.JobDuration.WithLabelValues(job).Observe(took.Seconds())
}

func (m *Metrics) JobSkipped(reason string) {
	if m == nil {
		return
	}
	m.JobsSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Notified(kind, result string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) IndexRefreshed(size, embedded, reused int) {
	if m == nil {
		return
	}
	m.IndexSize.Set(float64(size))
	m.EmbeddingsTotal.WithLabelValues("embedded").Add(float64(embedded))
	m.EmbeddingsTotal.WithLabelValues("reused").Add(float64(reused))
}

func (m *Metrics) Searched() {
	if m == nil {
		return
	}
	m.SearchesTotal.Inc()
}

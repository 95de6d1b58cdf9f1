package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Archive outcomes used as the "outcome" label
const (
	OutcomeCompleted    = "completed"
	OutcomeNotFound     = "not_found"
	OutcomeSpawnFailed  = "spawn_failed"
	OutcomeArchiverFail = "archiver_failed"
	OutcomeDisconnected = "client_disconnected"
	OutcomeCancelled    = "cancelled"
)

// Metrics contains all Prometheus metrics for the archive streaming service
type Metrics struct {
	registry *prometheus.Registry

	// Archive metrics
	ArchivesStarted  prometheus.Counter
	ArchivesFinished *prometheus.CounterVec
	ActiveArchives   prometheus.Gauge
	BytesStreamed    prometheus.Counter
	ArchiveDuration  prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ArchivesStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "archive_streams_started_total",
			Help: "Total number of archiver processes started",
		}),
		ArchivesFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "archive_streams_finished_total",
			Help: "Total number of archive requests by outcome",
		}, []string{"outcome"}),
		ActiveArchives: factory.NewGauge(prometheus.GaugeOpts{
			Name: "archive_streams_active",
			Help: "Current number of archives being streamed",
		}),
		BytesStreamed: factory.NewCounter(prometheus.CounterOpts{
			Name: "archive_bytes_streamed_total",
			Help: "Total number of archive bytes written to clients",
		}),
		ArchiveDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "archive_stream_duration_seconds",
			Help:    "Time from archiver start to end of stream",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~2.7 minutes
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "archive_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "archive_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "archive_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordArchiveStarted counts a started archiver and marks it active
func (m *Metrics) RecordArchiveStarted() {
	m.ArchivesStarted.Inc()
	m.ActiveArchives.Inc()
}

// RecordArchiveFinished records the end of an archive that was started
func (m *Metrics) RecordArchiveFinished(outcome string, bytes int64, durationSeconds float64) {
	m.ActiveArchives.Dec()
	m.ArchivesFinished.WithLabelValues(outcome).Inc()
	m.BytesStreamed.Add(float64(bytes))
	m.ArchiveDuration.Observe(durationSeconds)
}

// RecordArchiveRejected records a request that ended before any archiver ran
func (m *Metrics) RecordArchiveRejected(outcome string) {
	m.ArchivesFinished.WithLabelValues(outcome).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}

// Package metrics holds the Prometheus instruments of the ingestion pipeline.
// Every method is safe on a nil *Metrics so components can run uninstrumented.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec   // lfingest_http_requests_total{method,route,status}
	RequestDuration *prometheus.HistogramVec // lfingest_http_request_duration_seconds{method,route}

	// Upload metrics
	SessionsTotal *prometheus.CounterVec // lfingest_upload_sessions_total{status}
	ChunksTotal   *prometheus.CounterVec // lfingest_upload_chunks_total{result}
	BytesReceived prometheus.Counter     // lfingest_upload_bytes_received_total

	// Scan metrics
	ScanVerdicts *prometheus.CounterVec // lfingest_scan_verdicts_total{status}
	Bans         prometheus.Counter     // lfingest_scan_bans_total

	// Offload metrics
	OffloadJobs     *prometheus.CounterVec // lfingest_offload_jobs_total{result}
	OffloadBytes    prometheus.Counter     // lfingest_offload_bytes_total
	OffloadDuration prometheus.Histogram   // lfingest_offload_duration_seconds

	// Garbage collection metrics
	GCReclaimed *prometheus.CounterVec // lfingest_gc_reclaimed_total{category}
}

// New registers the pipeline metrics with registry, or the default registerer when nil.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lfingest_http_requests_total",
			Help: "Total HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lfingest_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),

		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lfingest_upload_sessions_total",
			Help: "Upload sessions by terminal or initial status",
		}, []string{"status"}),

		ChunksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lfingest_upload_chunks_total",
			Help: "Chunk writes by result",
		}, []string{"result"}),

		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "lfingest_upload_bytes_received_total",
			Help: "Total chunk bytes written to disk",
		}),

		ScanVerdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lfingest_scan_verdicts_total",
			Help: "Scan verdicts by check status",
		}, []string{"status"}),

		Bans: factory.NewCounter(prometheus.CounterOpts{
			Name: "lfingest_scan_bans_total",
			Help: "Bans applied by the violation policy",
		}),

		OffloadJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lfingest_offload_jobs_total",
			Help: "Offload job attempts by result",
		}, []string{"result"}),

		OffloadBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "lfingest_offload_bytes_total",
			Help: "Total bytes streamed to the object store",
		}),

		OffloadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lfingest_offload_duration_seconds",
			Help:    "Duration of successful object store transfers",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),

		GCReclaimed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lfingest_gc_reclaimed_total",
			Help: "Artifacts reclaimed by the garbage collector by category",
		}, []string{"category"}),
	}
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(method, route, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, route, status).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Session counts a session reaching status.
func (m *Metrics) Session(status string) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(status).Inc()
}

// Chunk counts a chunk write result and, when written, its bytes.
func (m *Metrics) Chunk(result string, written int64) {
	if m == nil {
		return
	}
	m.ChunksTotal.WithLabelValues(result).Inc()
	if written > 0 {
		m.BytesReceived.Add(float64(written))
	}
}

// Verdict counts a scan verdict.
func (m *Metrics) Verdict(status string) {
	if m == nil {
		return
	}
	m.ScanVerdicts.WithLabelValues(status).Inc()
}

// Ban counts an applied ban.
func (m *Metrics) Ban() {
	if m == nil {
		return
	}
	m.Bans.Inc()
}

// Offload counts an offload attempt result.
func (m *Metrics) Offload(result string, size int64, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.OffloadJobs.WithLabelValues(result).Inc()
	if size > 0 {
		m.OffloadBytes.Add(float64(size))
		m.OffloadDuration.Observe(elapsed.Seconds())
	}
}

// Reclaimed counts GC reclamations of category.
func (m *Metrics) Reclaimed(category string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.GCReclaimed.WithLabelValues(category).Add(float64(count))
}

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Build metrics
	BuildsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "controller_builds_total",
			Help: "Total number of builds by status",
		},
		[]string{"status"},
	)

	BuildsSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "controller_builds_submitted_total",
			Help: "Total number of builds submitted",
		},
	)

	BuildsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "controller_builds_completed_total",
			Help: "Total number of builds completed successfully",
		},
	)

	BuildsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "controller_builds_failed_total",
			Help: "Total number of builds that failed",
		},
	)

	// Worker metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "controller_workers_total",
			Help: "Total number of registered workers by status",
		},
		[]string{"status"},
	)

	// Dispatch metrics
	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "controller_dispatch_latency_seconds",
			Help:    "Time taken to dispatch a build to a worker",
			Buckets: prometheus.DefBuckets,
		},
	)

	DispatchQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "controller_dispatch_queue_depth",
			Help: "Number of pending builds awaiting dispatch",
		},
	)

	FSMApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "controller_fsm_apply_duration_seconds",
			Help:    "Time taken to apply a command through the single-writer FSM",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Liveness supervisor metrics
	LivenessScanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "controller_liveness_scan_duration_seconds",
			Help:    "Time taken for a liveness supervisor scan cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	LivenessScanCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "controller_liveness_scan_cycles_total",
			Help: "Total number of liveness scan cycles completed",
		},
	)

	BuildsReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "controller_builds_reaped_total",
			Help: "Total number of builds marked failed by the liveness supervisor",
		},
	)

	WorkersMarkedOfflineTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "controller_workers_marked_offline_total",
			Help: "Total number of workers marked offline by the liveness supervisor",
		},
	)

	// HTTP API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controller_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "controller_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Blob store metrics
	BlobBytesWrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "controller_blob_bytes_written_total",
			Help: "Total bytes written to the blob store",
		},
	)

	BlobBytesReadTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "controller_blob_bytes_read_total",
			Help: "Total bytes streamed out of the blob store",
		},
	)
)

func init() {
	prometheus.MustRegister(
		BuildsTotal,
		BuildsSubmittedTotal,
		BuildsCompletedTotal,
		BuildsFailedTotal,
		WorkersTotal,
		DispatchLatency,
		DispatchQueueDepth,
		FSMApplyDuration,
		LivenessScanDuration,
		LivenessScanCyclesTotal,
		BuildsReapedTotal,
		WorkersMarkedOfflineTotal,
		APIRequestsTotal,
		APIRequestDuration,
		BlobBytesWrittenTotal,
		BlobBytesReadTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

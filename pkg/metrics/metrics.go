// Package metrics provides Prometheus instrumentation for Tributary.
//
// # Overview
//
// All collectors are registered on the default registry through promauto
// and exposed by the API server on /metrics. Components record directly:
//
//	metrics.TasksTotal.WithLabelValues("sync", "google_calendar", "completed").Inc()
//
//	timer := metrics.NewTimer()
//	runSync()
//	metrics.TaskDuration.WithLabelValues("sync", "google_calendar").Observe(timer.Seconds())
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tributary"

var (
	// TasksTotal counts finished tasks.
	// Labels: kind (sync/process/maintenance), stream, outcome (completed/failed/skipped/retried)
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "tasks_total",
			Help:      "Total number of tasks handled by the worker pool",
		},
		[]string{"kind", "stream", "outcome"},
	)

	// TaskDuration tracks task wall time in seconds
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "task_duration_seconds",
			Help:      "Task execution time in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"kind", "stream"},
	)

	// TaskRetries counts re-enqueued tasks
	TaskRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "task_retries_total",
			Help:      "Tasks re-enqueued after a retryable failure",
		},
		[]string{"kind", "stream"},
	)

	// QueueDepth tracks tasks waiting in the delayed queue
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "queue_depth",
			Help:      "Tasks currently queued, including delayed retries",
		},
	)

	// RecordsFetched counts raw records returned by syncs
	RecordsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "records_fetched_total",
			Help:      "Raw records fetched from providers",
		},
		[]string{"stream", "sync_type"},
	)

	// CursorResets counts cursor invalidations that fell back to a full sync
	CursorResets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "cursor_resets_total",
			Help:      "Cursor invalidations recovered by a full-range fetch",
		},
		[]string{"stream"},
	)

	// ProbeStreams counts streams examined and triggered by the scheduler
	ProbeStreams = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "streams_total",
			Help:      "Streams checked and triggered by scheduler probes",
		},
		[]string{"result"},
	)

	// ProbeErrors counts failed scheduler probes
	ProbeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "probe_errors_total",
			Help:      "Scheduler probes that failed",
		},
	)

	// RecordsStored counts rows written to the relational sink
	RecordsStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "records_stored_total",
			Help:      "Rows written to stream tables",
		},
		[]string{"table"},
	)

	// Uploads counts object store uploads by outcome
	Uploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "uploads_total",
			Help:      "Object store uploads by outcome",
		},
		[]string{"stream", "outcome"},
	)

	// UploadBytes tracks the size of uploaded assets
	UploadBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "upload_bytes",
			Help:      "Size of uploaded assets in bytes",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		},
		[]string{"stream"},
	)

	// TokenRefreshes counts credential refreshes
	// Labels: mode (proactive/reactive), outcome (success/failure)
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "token_refreshes_total",
			Help:      "Credential refresh attempts",
		},
		[]string{"source", "mode", "outcome"},
	)

	// RateLimitWaits tracks time spent waiting on outbound rate limiters
	RateLimitWaits = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "rate_limit_wait_seconds",
			Help:      "Time spent waiting for an outbound rate limit token",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5},
		},
		[]string{"limiter"},
	)
)

// Timer measures the duration of an operation from its creation
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the time since the timer started
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// Seconds returns the elapsed time in seconds, the unit histograms observe
func (t *Timer) Seconds() float64 {
	return t.Elapsed().Seconds()
}

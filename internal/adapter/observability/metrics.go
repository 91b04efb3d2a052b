// Package observability provides logging, metrics, and tracing.
//
// It integrates with OpenTelemetry for system monitoring.
// The package provides comprehensive observability features
// including metrics collection, distributed tracing, and logging.
package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// JobsEnqueuedTotal counts jobs enqueued by type.
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"type"},
	)
	// JobsProcessing is a gauge of the number of currently processing jobs by type.
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently processing",
		},
		[]string{"type"},
	)
	// JobsCompletedTotal counts jobs completed by type.
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"type"},
	)
	// JobsFailedTotal counts jobs failed by type.
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed",
		},
		[]string{"type"},
	)
	// JobProgress tracks the current progress of each in-flight job.
	JobProgress = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "job_progress",
			Help: "Progress fraction [0,1] of the current job, by job id",
		},
		[]string{"job_id"},
	)

	// ProcessesRunning is a gauge of running engine processes by model.
	ProcessesRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_processes_running",
			Help: "Whether an engine process is running (0 or 1) by model id",
		},
		[]string{"model_id"},
	)
	// ProcessStartsTotal counts process start attempts by model and outcome.
	ProcessStartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_process_starts_total",
			Help: "Total engine process start attempts by model and outcome",
		},
		[]string{"model_id", "outcome"},
	)
	// ProcessZombiesReapedTotal counts zombie process records cleaned up.
	ProcessZombiesReapedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_process_zombies_reaped_total",
			Help: "Total process records removed by the zombie reaper",
		},
		[]string{"model_id"},
	)

	// DownloadBytesTotal counts bytes transferred by download id.
	DownloadBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "download_bytes_total",
			Help: "Total bytes transferred for model downloads",
		},
		[]string{"download_id"},
	)
	// DownloadsActive is a gauge of in-flight downloads.
	DownloadsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "downloads_active",
			Help: "Number of downloads currently in progress",
		},
	)

	// EventBusDroppedTotal counts events dropped due to a full subscriber buffer.
	EventBusDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_dropped_total",
			Help: "Total events dropped because a subscriber's buffer was full",
		},
		[]string{"topic"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobProgress)
	prometheus.MustRegister(ProcessesRunning)
	prometheus.MustRegister(ProcessStartsTotal)
	prometheus.MustRegister(ProcessZombiesReapedTotal)
	prometheus.MustRegister(DownloadBytesTotal)
	prometheus.MustRegister(DownloadsActive)
	prometheus.MustRegister(EventBusDroppedTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// EnqueueJob increments the enqueued jobs counter for the given type.
func EnqueueJob(jobType string) {
	JobsEnqueuedTotal.WithLabelValues(jobType).Inc()
}

// StartProcessingJob increments the processing gauge for the given type.
func StartProcessingJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Inc()
}

// CompleteJob marks a job complete by decrementing processing gauge and incrementing completed counter.
func CompleteJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Dec()
	JobsCompletedTotal.WithLabelValues(jobType).Inc()
}

// FailJob marks a job failed by decrementing processing gauge and incrementing failed counter.
func FailJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Dec()
	JobsFailedTotal.WithLabelValues(jobType).Inc()
}

// RecordJobProgress sets the progress gauge for an in-flight job. Callers
// should delete the series once the job leaves processing.
func RecordJobProgress(jobID string, progress float64) {
	JobProgress.WithLabelValues(jobID).Set(progress)
}

// ClearJobProgress removes the progress series for a job once it is no
// longer in flight.
func ClearJobProgress(jobID string) {
	JobProgress.DeleteLabelValues(jobID)
}

// RecordProcessStart records the outcome of a process start attempt and
// sets the running gauge for modelID accordingly.
func RecordProcessStart(modelID, outcome string, running bool) {
	ProcessStartsTotal.WithLabelValues(modelID, outcome).Inc()
	if running {
		ProcessesRunning.WithLabelValues(modelID).Set(1)
	} else {
		ProcessesRunning.WithLabelValues(modelID).Set(0)
	}
}

// RecordZombieReaped increments the zombie-reap counter for modelID.
func RecordZombieReaped(modelID string) {
	ProcessZombiesReapedTotal.WithLabelValues(modelID).Inc()
}

// RecordDownloadBytes adds n bytes to the running total for downloadID.
func RecordDownloadBytes(downloadID string, n int64) {
	DownloadBytesTotal.WithLabelValues(downloadID).Add(float64(n))
}

// RecordEventDropped increments the drop counter for topic.
func RecordEventDropped(topic string) {
	EventBusDroppedTotal.WithLabelValues(topic).Inc()
}

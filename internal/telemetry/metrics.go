package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "videogen_jobs_submitted_total", Help: "Jobs accepted into the queue"})
	JobsCompleted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "videogen_jobs_completed_total", Help: "Jobs that produced a video"})
	JobsFailed         = prometheus.NewCounter(prometheus.CounterOpts{Name: "videogen_jobs_failed_total", Help: "Jobs whose generation failed"})
	JobsSkipped        = prometheus.NewCounter(prometheus.CounterOpts{Name: "videogen_jobs_skipped_total", Help: "Queue entries with no matching registry record"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "videogen_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	WorkerLoopErrors   = prometheus.NewCounter(prometheus.CounterOpts{Name: "videogen_worker_loop_errors_total", Help: "Worker loop malfunctions not tied to a job"})
	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "videogen_queue_depth", Help: "Job ids waiting in the work queue"})
	ProcessingGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "videogen_processing", Help: "1 while a generation is in flight"})
	GenerationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "videogen_generation_duration_seconds",
		Help:    "Wall time of generator calls",
		Buckets: []float64{30, 60, 120, 240, 480, 720, 1200, 1800},
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsCompleted,
			JobsFailed,
			JobsSkipped,
			RateLimitRejects,
			WorkerLoopErrors,
			QueueDepthGauge,
			ProcessingGauge,
			GenerationDuration,
		)
	})
	return promhttp.Handler()
}

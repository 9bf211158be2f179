package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "conversion_jobs_enqueued_total", Help: "Jobs accepted into a worker queue"}, []string{"engine"})
	JobsCompleted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "conversion_jobs_completed_total", Help: "Jobs finished successfully"}, []string{"engine"})
	JobsFailed       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "conversion_jobs_failed_total", Help: "Jobs that ended in failure"}, []string{"engine"})
	JobsCancelled    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "conversion_jobs_cancelled_total", Help: "Jobs cancelled before completion"}, []string{"engine"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "conversion_rate_limit_rejects_total", Help: "Enqueue requests rejected by the rate limiter"})
	QueueDepthGauge  = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "conversion_queue_depth", Help: "Jobs waiting in each worker queue"}, []string{"engine"})
	PausedGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "conversion_paused", Help: "Whether the synthesis queue is paused"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsFailed,
			JobsCancelled,
			RateLimitRejects,
			QueueDepthGauge,
			PausedGauge,
		)
	})
	return promhttp.Handler()
}

package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "genqueue_jobs_enqueued_total", Help: "Total enqueued jobs"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "genqueue_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	JobsClaimed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "genqueue_jobs_claimed_total", Help: "Jobs moved from queued to in_progress"})
	ClaimConflicts   = prometheus.NewCounter(prometheus.CounterOpts{Name: "genqueue_claim_conflicts_total", Help: "Claim attempts lost to another worker"})
	JobsCompleted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "genqueue_jobs_completed_total", Help: "Jobs that finished successfully"}, []string{"job_type"})
	JobsErrored      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "genqueue_jobs_errored_total", Help: "Jobs that finished with an error"}, []string{"job_type"})
	JobsReaped       = prometheus.NewCounter(prometheus.CounterOpts{Name: "genqueue_jobs_reaped_total", Help: "In-progress jobs errored after losing their heartbeat"})
	JobDuration      = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "genqueue_job_duration_seconds",
		Help:    "Handler execution time",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"job_type"})
	QueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "genqueue_queue_depth", Help: "Jobs waiting in queued state"})
	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "genqueue_jobs_inflight", Help: "Jobs currently executing on this worker"})

	WebhookOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "genqueue_webhook_events_total", Help: "Webhook deliveries by outcome"}, []string{"outcome"})
	WebhookRejected = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "genqueue_webhook_rejected_total", Help: "Webhook deliveries rejected before recording"}, []string{"reason"})
	EventsReaped    = prometheus.NewCounter(prometheus.CounterOpts{Name: "genqueue_webhook_events_reaped_total", Help: "Events failed after being stuck in processing"})
	NotifyFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "genqueue_notify_failures_total", Help: "Notifications that could not be delivered"})
	ArtifactUploads = prometheus.NewCounter(prometheus.CounterOpts{Name: "genqueue_artifact_uploads_total", Help: "Job results stored as artifacts"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// Register adds every collector to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			JobsClaimed,
			ClaimConflicts,
			JobsCompleted,
			JobsErrored,
			JobsReaped,
			JobDuration,
			QueueDepthGauge,
			InFlightGauge,
			WebhookOutcomes,
			WebhookRejected,
			EventsReaped,
			NotifyFailures,
			ArtifactUploads,
		)
	})
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assessment_jobs_submitted_total",
			Help: "Total number of assessment jobs accepted",
		},
		[]string{"source"},
	)

	JobsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "assessment_jobs_completed_total",
			Help: "Total number of assessment jobs that reached SUCCESS",
		},
	)

	JobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assessment_jobs_failed_total",
			Help: "Total number of assessment jobs that reached FAILURE",
		},
		[]string{"error_code"},
	)

	JobsRevoked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "assessment_jobs_revoked_total",
			Help: "Total number of assessment jobs cancelled before completion",
		},
	)

	JobsRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "assessment_jobs_recovered_total",
			Help: "Total number of interrupted jobs taken over after a restart",
		},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "assessment_job_duration_seconds",
			Help:    "Duration of job processing in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"status"},
	)

	JobsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "assessment_jobs_active",
			Help: "Number of jobs currently being processed by workers",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "assessment_queue_depth",
			Help: "Number of work items waiting in the queue",
		},
	)

	TranscriptionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "assessment_transcription_duration_seconds",
			Help:    "Duration of transcription backend calls in seconds",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		},
		[]string{"backend", "outcome"},
	)
)

var HTTPRequestDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "assessment_http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"method", "route", "status"},
)

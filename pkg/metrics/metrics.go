package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestDuration tracks the duration of HTTP requests.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Time spent processing HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method", "status"},
	)

	// AnalysisJobs counts constitutional analysis jobs by outcome.
	AnalysisJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysis_jobs_total",
			Help: "Constitutional analysis jobs by outcome",
		},
		[]string{"outcome"},
	)

	// AnalysisDuration tracks how long a full bill analysis takes.
	AnalysisDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "analysis_duration_seconds",
			Help:    "Time spent analysing a bill against the provision tree",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ScoreRecomputes counts engagement score recomputations by outcome.
	ScoreRecomputes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engagement_score_recomputes_total",
			Help: "Engagement score recomputations by outcome",
		},
		[]string{"outcome"},
	)

	// DispatchedEvents counts notification events pushed to subscribers.
	DispatchedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatched_events_total",
			Help: "Notification events dispatched to WebSocket subscribers",
		},
		[]string{"event_type"},
	)

	// ActiveSubscribers tracks connected WebSocket subscribers.
	ActiveSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_active_subscribers",
			Help: "Number of connected WebSocket subscribers",
		},
	)

	// ExpertQueueDepth tracks the number of reviews waiting for an expert.
	ExpertQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "expert_queue_depth",
			Help: "Reviews waiting for expert confirmation",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Worker metrics

	SegmentTasksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "segment_engine",
		Name:      "segment_tasks_total",
		Help:      "Segment tasks finished, by outcome.",
	}, []string{"outcome"}) // created | skipped | failed

	TaskCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "segment_engine",
		Name:      "task_call_duration_seconds",
		Help:      "Duration of platform creation calls.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"result"})

	BatchesInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "segment_engine",
		Name:      "batches_in_flight",
		Help:      "Batches currently being drained by a worker.",
	})

	BatchesFinishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "segment_engine",
		Name:      "batches_finished_total",
		Help:      "Batches reaching a terminal status.",
	}, []string{"status"}) // completed | failed | cancelled

	QuotaDenialsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "segment_engine",
		Name:      "quota_denials_total",
		Help:      "Pacer denials, by the window that bound.",
	}, []string{"window"}) // minute | day

	// Sweep metrics

	SweepClaimedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "segment_engine",
		Name:      "sweep_claimed_total",
		Help:      "Batches claimed by sweep ticks.",
	})

	SweepReleasedStaleTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "segment_engine",
		Name:      "sweep_released_stale_total",
		Help:      "Abandoned in_progress batches returned to waiting_retry.",
	})

	// Engine lifecycle

	EngineStartTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "segment_engine",
		Name:      "start_time_seconds",
		Help:      "Unix timestamp when the engine started.",
	})

	// HTTP metrics

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "segment_engine",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "segment_engine",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests.",
	}, []string{"method", "path", "status"})
)

func Register() {
	prometheus.MustRegister(
		SegmentTasksTotal,
		TaskCallDuration,
		BatchesInFlight,
		BatchesFinishedTotal,
		QuotaDenialsTotal,
		SweepClaimedTotal,
		SweepReleasedStaleTotal,
		EngineStartTime,
		HTTPRequestDuration,
		HTTPRequestsTotal,
	)
}

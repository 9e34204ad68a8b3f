package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storeflow_events_emitted_total",
			Help: "Domain events emitted on the in-process bus",
		},
		[]string{"topic"},
	)

	ListenerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storeflow_listener_failures_total",
			Help: "Listener errors and panics isolated by the event bus",
		},
		[]string{"topic"},
	)

	AutomationRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storeflow_automation_runs_total",
			Help: "Automation run transitions by status",
		},
		[]string{"status"},
	)

	ActionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storeflow_action_duration_seconds",
			Help:    "Automation action execution time",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		},
		[]string{"kind", "outcome"},
	)

	Resumes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storeflow_resumes_total",
			Help: "Resume callbacks by result",
		},
		[]string{"result"},
	)

	ScheduleFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storeflow_schedule_failures_total",
			Help: "Failed attempts to hand a resumption ticket to the scheduler",
		},
		[]string{"driver"},
	)

	DispatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storeflow_dispatch_attempts_total",
			Help: "Redis dispatcher delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	RateLimitDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storeflow_rate_limit_drops_total",
			Help: "Requests rejected with HTTP 429",
		},
		[]string{"key"},
	)
)

// IncRateLimitDrop increments drop counters for the given key.
// Use "global" when the limiter has no specific key.
func IncRateLimitDrop(key string) {
	if key == "" {
		key = "global"
	}
	RateLimitDrops.WithLabelValues(key).Inc()
}

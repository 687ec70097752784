package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "crow"

var (
	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of artifact submissions, labeled by result (created, deduplicated).",
		},
		[]string{"result"},
	)

	JobsClaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_claimed_total",
			Help:      "Total number of jobs claimed by the coordinator.",
		},
	)

	OutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Total number of executor outcomes, labeled by final status and error reason.",
		},
		[]string{"status", "reason"},
	)

	ExecutorsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executors_in_flight",
			Help:      "Number of executors currently holding a sandbox slot.",
		},
	)

	PhaseDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sandbox_phase_duration_seconds",
			Help:      "Time spent in each executor phase (seconds).",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"backend", "phase"},
	)

	TeardownFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_teardown_failures_total",
			Help:      "Total number of sandbox teardowns that returned an error.",
		},
		[]string{"backend"},
	)

	CoordinatorTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coordinator_ticks_total",
			Help:      "Total number of coordinator ticks, labeled by result.",
		},
		[]string{"result"},
	)

	StoreErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Total number of job store errors, labeled by operation and reason.",
		},
		[]string{"op", "reason"},
	)

	StoreHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_healthy",
			Help:      "1 when the last job store health probe succeeded, 0 otherwise.",
		},
	)

	RecoveredJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovered_jobs_total",
			Help:      "Total number of stale running jobs handled by the recovery sweep, labeled by action.",
		},
		[]string{"action"},
	)

	RateLimitHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total number of requests rejected by the rate limiter.",
		},
		[]string{"scope", "operation"},
	)
)

func init() {
	prometheus.MustRegister(
		JobsSubmittedTotal,
		JobsClaimedTotal,
		OutcomesTotal,
		ExecutorsInFlight,
		PhaseDurationSeconds,
		TeardownFailuresTotal,
		CoordinatorTicksTotal,
		StoreErrorsTotal,
		StoreHealthy,
		RecoveredJobsTotal,
		RateLimitHitsTotal,
	)
}

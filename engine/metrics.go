package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nanoflow"

var (
	// claimsTotal counts enrollments claimed by workers.
	claimsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrollment_claims_total",
			Help:      "Total number of enrollments claimed by workers",
		},
	)

	// outcomesTotal counts processed enrollments by outcome.
	outcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_outcomes_total",
			Help:      "Total number of executed steps by node kind and outcome",
		},
		[]string{"node_kind", "outcome"}, // outcome: advance, terminate, retryable, fatal, paused
	)

	// staleCommitsTotal counts transitions rejected for a stale revision.
	staleCommitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_commits_total",
			Help:      "Total number of enrollment transitions discarded as stale",
		},
	)

	// expiredClaimsTotal counts claims abandoned because their lease
	// would expire before the step could finish.
	expiredClaimsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expired_claims_total",
			Help:      "Total number of claimed enrollments abandoned for an expiring lease",
		},
	)

	// stepDuration is a histogram of step execution duration in seconds.
	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Histogram of step execution duration in seconds",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 15},
		},
		[]string{"node_kind"},
	)

	allMetrics = []prometheus.Collector{
		claimsTotal,
		outcomesTotal,
		staleCommitsTotal,
		expiredClaimsTotal,
		stepDuration,
	}
)

// Collectors returns the engine metrics for registration.
func Collectors() []prometheus.Collector {
	return allMetrics
}

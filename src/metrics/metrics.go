// Package metrics holds the Prometheus collectors updated by the engine and served at /metrics.
//
//   - stopguard_mutations_total{policy,outcome}  protective level submissions by result
//   - stopguard_verify_mismatch_total            venue re-reads that disagreed with the request
//   - stopguard_fail_safe_close_total            positions force-closed after exhausted retries
//   - stopguard_breaker_tripped                  1 while new trade admission is paused
//   - stopguard_tracked_tickets                  tickets currently held in the tracking store
//   - stopguard_cycle_seconds{cadence}           monitoring cycle duration
package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	OutcomeVerified   = "verified"
	OutcomeUnverified = "unverified"
	OutcomeDebounced  = "debounced"
	OutcomeThrottled  = "rate_limited"
	OutcomeRejected   = "rejected"
	OutcomeExhausted  = "exhausted"
	OutcomeAborted    = "aborted"
)

var (
	Mutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stopguard_mutations_total",
			Help: "Protective level mutation attempts by policy and outcome",
		},
		[]string{"policy", "outcome"},
	)

	VerifyMismatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stopguard_verify_mismatch_total",
			Help: "Post-submit re-reads whose protective price differed from the request",
		},
	)

	FailSafeCloses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stopguard_fail_safe_close_total",
			Help: "Positions closed by the fail-safe after protective updates were exhausted",
		},
	)

	BreakerTripped = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stopguard_breaker_tripped",
			Help: "1 while the circuit breaker blocks new trade admission",
		},
	)

	TrackedTickets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stopguard_tracked_tickets",
			Help: "Tickets held in the tracking store",
		},
	)

	CycleSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stopguard_cycle_seconds",
			Help:    "Monitoring cycle duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cadence"},
	)
)

func init() {
	prometheus.MustRegister(
		Mutations,
		VerifyMismatches,
		FailSafeCloses,
		BreakerTripped,
		TrackedTickets,
		CycleSeconds,
	)
}

// SetBreaker mirrors the breaker state into the gauge.
func SetBreaker(tripped bool) {
	if tripped {
		BreakerTripped.Set(1)
		return
	}
	BreakerTripped.Set(0)
}

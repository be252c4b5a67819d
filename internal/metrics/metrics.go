// Package metrics holds the prometheus collectors for the reconciler loops.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector the service exports.
type Metrics struct {
	DispatchOutcomes *prometheus.CounterVec
	DispatchAttempts prometheus.Histogram
	ProofBackfills   *prometheus.CounterVec
	ProofConflicts   prometheus.Counter
	CycleFailures    *prometheus.CounterVec
	ProviderErrors   prometheus.Counter
	PayoutRetries    prometheus.Counter
}

// New builds the collectors and registers them on reg. A nil reg leaves
// them unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DispatchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "payout_reconciler",
			Name:      "dispatch_outcomes_total",
			Help:      "Dispatch workflow runs by outcome.",
		}, []string{"outcome"}),
		DispatchAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "payout_reconciler",
			Name:      "dispatch_attempts",
			Help:      "Completeness polling attempts per dispatch run.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		}),
		ProofBackfills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "payout_reconciler",
			Name:      "proof_backfills_total",
			Help:      "Proof fallback results per deposit.",
		}, []string{"result"}),
		ProofConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "payout_reconciler",
			Name:      "proof_conflicts_total",
			Help:      "Attempts to overwrite a stored payment proof with a different value.",
		}),
		CycleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "payout_reconciler",
			Name:      "cycle_failures_total",
			Help:      "Poller and fallback cycles skipped because the store query failed.",
		}, []string{"loop"}),
		ProviderErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "payout_reconciler",
			Name:      "provider_errors_total",
			Help:      "Failed payment provider status lookups.",
		}),
		PayoutRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "payout_reconciler",
			Name:      "payout_retries_total",
			Help:      "Payout triggers resent after a transport failure.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.DispatchOutcomes,
			m.DispatchAttempts,
			m.ProofBackfills,
			m.ProofConflicts,
			m.CycleFailures,
			m.ProviderErrors,
			m.PayoutRetries,
		)
	}
	return m
}

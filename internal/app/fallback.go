/**
 * @description
 * Blockchain-proof fallback. Provider webhooks are not guaranteed to arrive,
 * so this sweep pulls the status of every pending deposit that still lacks a
 * proof reference and backfills it. UpdateProof is idempotent, which keeps the
 * sweep free of any bookkeeping of its own.
 */
package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ghostbot/payout-reconciler/internal/metrics"
	"github.com/ghostbot/payout-reconciler/internal/store"
	"github.com/ghostbot/payout-reconciler/pkg/depixclient"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// StatusProvider looks up a deposit at the payment provider.
type StatusProvider interface {
	GetDepositStatus(ctx context.Context, depositID string) (*depixclient.DepositStatus, error)
}

// SweepSummary reports what one fallback sweep did.
type SweepSummary struct {
	Scanned    int    `json:"scanned"`
	Backfilled int    `json:"backfilled"`
	Unchanged  int    `json:"unchanged"`
	NoProof    int    `json:"no_proof"`
	Conflicts  int    `json:"conflicts"`
	Errors     int    `json:"errors"`
	QueryError string `json:"query_error,omitempty"`
}

// FallbackConfig carries the sweep tunables.
type FallbackConfig struct {
	BatchLimit    int
	MaxAge        time.Duration
	CallTimeout   time.Duration
	RatePerSecond float64
}

// ProofFallback is the pull-based safety net for missed provider webhooks.
type ProofFallback struct {
	repo     store.Repository
	provider StatusProvider
	recorder *ProofRecorder
	limiter  *rate.Limiter
	metrics  *metrics.Metrics
	cfg      FallbackConfig
	log      *logrus.Entry
	now      func() time.Time
}

func NewProofFallback(repo store.Repository, provider StatusProvider, recorder *ProofRecorder, m *metrics.Metrics, log *logrus.Entry, cfg FallbackConfig) *ProofFallback {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 48 * time.Hour
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &ProofFallback{
		repo:     repo,
		provider: provider,
		recorder: recorder,
		limiter:  rate.NewLimiter(limit, 1),
		metrics:  m,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// RunSweep executes one reconciliation pass.
func (f *ProofFallback) RunSweep(ctx context.Context) SweepSummary {
	start := time.Now()
	var summary SweepSummary

	deposits, err := f.repo.FindPendingWithoutProof(ctx, f.now().Add(-f.cfg.MaxAge), f.cfg.BatchLimit)
	if err != nil {
		f.metrics.CycleFailures.WithLabelValues("fallback").Inc()
		f.log.WithError(err).Error("failed to query pending deposits; skipping sweep")
		summary.QueryError = err.Error()
		return summary
	}

	for i := range deposits {
		d := &deposits[i]
		if err := f.limiter.Wait(ctx); err != nil {
			f.log.WithError(err).Warn("sweep interrupted")
			break
		}
		summary.Scanned++
		log := f.log.WithField("deposit_id", d.DepositID)

		callCtx, cancel := context.WithTimeout(ctx, f.cfg.CallTimeout)
		status, err := f.provider.GetDepositStatus(callCtx, d.DepositID)
		cancel()
		if err != nil {
			summary.Errors++
			f.metrics.ProviderErrors.Inc()
			log.WithError(err).Warn("provider status lookup failed; retrying next sweep")
			continue
		}
		// A tx id on an unsettled payment is not proof of a confirmed fiat leg.
		if status == nil || !status.Settled() || strings.TrimSpace(status.ProofRef) == "" {
			summary.NoProof++
			log.WithField("provider_status", statusOf(status)).Debug("no settled proof reported yet")
			continue
		}

		res, err := f.recorder.Record(ctx, d.DepositID, strings.TrimSpace(status.ProofRef), "fallback")
		switch {
		case errors.Is(err, store.ErrProofConflict):
			summary.Conflicts++
		case err != nil:
			summary.Errors++
			log.WithError(err).Warn("failed to store proof; retrying next sweep")
		case res == store.ProofStored:
			summary.Backfilled++
		default:
			summary.Unchanged++
		}
	}

	f.log.WithFields(logrus.Fields{
		"scanned":     summary.Scanned,
		"backfilled":  summary.Backfilled,
		"conflicts":   summary.Conflicts,
		"errors":      summary.Errors,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("proof fallback sweep finished")
	return summary
}

func statusOf(s *depixclient.DepositStatus) string {
	if s == nil {
		return ""
	}
	return s.Status
}

package app

import (
	"context"
	"time"

	"github.com/ghostbot/payout-reconciler/internal/domain"
	"github.com/ghostbot/payout-reconciler/internal/metrics"
	"github.com/ghostbot/payout-reconciler/internal/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DepositDispatcher runs the dispatch workflow for one deposit.
type DepositDispatcher interface {
	Run(ctx context.Context, req DispatchRequest) (DispatchResult, error)
}

// PollSummary reports what one poller cycle did.
type PollSummary struct {
	Found      int             `json:"found"`
	Errors     int             `json:"errors"`
	Outcomes   map[Outcome]int `json:"outcomes"`
	QueryError string          `json:"query_error,omitempty"`
}

// ConfirmationPoller surfaces confirmed deposits that still need payout and
// hands each one to the dispatch workflow once per cycle.
type ConfirmationPoller struct {
	repo        store.Repository
	dispatcher  DepositDispatcher
	interactive map[string]bool
	metrics     *metrics.Metrics
	log         *logrus.Entry
	batchLimit  int
	concurrency int
}

// NewConfirmationPoller creates a poller. interactive decides, per network,
// whether the payout needs a customer-supplied destination.
func NewConfirmationPoller(repo store.Repository, dispatcher DepositDispatcher, interactive map[string]bool, m *metrics.Metrics, log *logrus.Entry, batchLimit, concurrency int) *ConfirmationPoller {
	if concurrency <= 0 {
		concurrency = 1
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &ConfirmationPoller{
		repo:        repo,
		dispatcher:  dispatcher,
		metrics:     m,
		log:         log,
		batchLimit:  batchLimit,
		concurrency: concurrency,
		interactive: interactive,
	}
}

// RunCycle executes one polling pass. A failed query skips the cycle.
func (p *ConfirmationPoller) RunCycle(ctx context.Context) PollSummary {
	start := time.Now()
	summary := PollSummary{Outcomes: make(map[Outcome]int)}

	deposits, err := p.repo.FindConfirmedAwaitingPayout(ctx, p.batchLimit)
	if err != nil {
		p.metrics.CycleFailures.WithLabelValues("poller").Inc()
		p.log.WithError(err).Error("failed to query confirmed deposits; skipping cycle")
		summary.QueryError = err.Error()
		return summary
	}

	seen := make(map[string]bool, len(deposits))
	requests := make([]DispatchRequest, 0, len(deposits))
	for i := range deposits {
		d := &deposits[i]
		if seen[d.DepositID] {
			continue
		}
		seen[d.DepositID] = true
		requests = append(requests, DispatchRequest{
			DepositID:   d.DepositID,
			CustomerID:  d.CustomerID,
			Interactive: p.interactive[domain.NormalizeNetwork(d.Network)],
		})
	}
	summary.Found = len(requests)
	if len(requests) == 0 {
		return summary
	}

	results := make([]DispatchResult, len(requests))
	errs := make([]error, len(requests))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, req := range requests {
		i, req := i, req
		g.Go(func() error {
			// One deposit failing must not cancel the others, so errors are
			// collected rather than returned.
			results[i], errs[i] = p.dispatcher.Run(gctx, req)
			return nil
		})
	}
	_ = g.Wait()

	for i, res := range results {
		if errs[i] != nil {
			summary.Errors++
			p.log.WithError(errs[i]).WithField("deposit_id", requests[i].DepositID).Warn("dispatch run failed; retrying next cycle")
			continue
		}
		summary.Outcomes[res.Outcome]++
	}

	p.log.WithFields(logrus.Fields{
		"found":       summary.Found,
		"errors":      summary.Errors,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("confirmation poll cycle finished")
	return summary
}

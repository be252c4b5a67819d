package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ghostbot/payout-reconciler/internal/domain"
	"github.com/ghostbot/payout-reconciler/internal/metrics"
	"github.com/ghostbot/payout-reconciler/internal/store"
	"github.com/ghostbot/payout-reconciler/pkg/depixclient"
	"github.com/ghostbot/payout-reconciler/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dispatcherStub struct {
	mu    sync.Mutex
	calls map[string]int
	reqs  []DispatchRequest
	err   error
}

func (s *dispatcherStub) Run(ctx context.Context, req DispatchRequest) (DispatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[req.DepositID]++
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return DispatchResult{}, s.err
	}
	return DispatchResult{DepositID: req.DepositID, Outcome: OutcomeDispatched, Attempts: 1}, nil
}

type findRepoStub struct {
	store.Repository
	deposits []domain.Deposit
	err      error
}

func (r findRepoStub) FindConfirmedAwaitingPayout(ctx context.Context, limit int) ([]domain.Deposit, error) {
	return r.deposits, r.err
}

func TestPoller_DispatchesEachDepositOncePerCycle(t *testing.T) {
	d1, d2 := completeDeposit("D1"), completeDeposit("D2")
	d2.Network = "onchain"
	repo := findRepoStub{deposits: []domain.Deposit{d1, d2, d1}}
	dispatcher := &dispatcherStub{}

	p := NewConfirmationPoller(repo, dispatcher, map[string]bool{"lightning": true}, nil, logger.Discard(), 100, 4)
	summary := p.RunCycle(context.Background())

	assert.Equal(t, 2, summary.Found)
	assert.Equal(t, 2, summary.Outcomes[OutcomeDispatched])
	assert.Equal(t, map[string]int{"D1": 1, "D2": 1}, dispatcher.calls)
	for _, req := range dispatcher.reqs {
		assert.Equal(t, req.DepositID == "D1", req.Interactive, "interactive flag for %s", req.DepositID)
	}
}

func TestPoller_QueryFailureSkipsCycle(t *testing.T) {
	m := metrics.New(nil)
	repo := findRepoStub{err: errors.New("connection reset")}
	dispatcher := &dispatcherStub{}

	p := NewConfirmationPoller(repo, dispatcher, nil, m, logger.Discard(), 100, 4)
	summary := p.RunCycle(context.Background())

	assert.Equal(t, "connection reset", summary.QueryError)
	assert.Empty(t, dispatcher.calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CycleFailures.WithLabelValues("poller")))
}

func TestPoller_DispatchErrorsAreCountedNotFatal(t *testing.T) {
	repo := findRepoStub{deposits: []domain.Deposit{completeDeposit("D1"), completeDeposit("D2")}}
	dispatcher := &dispatcherStub{err: errors.New("timeout")}

	p := NewConfirmationPoller(repo, dispatcher, nil, nil, logger.Discard(), 100, 1)
	summary := p.RunCycle(context.Background())

	assert.Equal(t, 2, summary.Errors)
	assert.Equal(t, map[string]int{"D1": 1, "D2": 1}, dispatcher.calls)
}

func TestFallbackThenPoller_RoundTripReachesDispatched(t *testing.T) {
	f := newDispatchFixture(t, nil)
	d := completeDeposit("D5")
	d.PaymentProofRef = nil
	d.Status = domain.StatusPending
	require.NoError(t, f.repo.Insert(d))

	provider := &providerStub{statuses: map[string]*depixclient.DepositStatus{
		"D5": {Status: depixclient.StatusDepixSent, ProofRef: "tx-D5"},
	}}
	recorder := NewProofRecorder(f.repo, f.events, f.metrics, logger.Discard())
	fallback := NewProofFallback(f.repo, provider, recorder, f.metrics, logger.Discard(), FallbackConfig{BatchLimit: 10, CallTimeout: time.Second})
	poller := NewConfirmationPoller(f.repo, f.dispatcher, f.cfg.InteractiveNetworks, f.metrics, logger.Discard(), 10, 2)

	before := poller.RunCycle(context.Background())
	assert.Equal(t, 0, before.Found, "no proof yet, nothing to dispatch")

	sweep := fallback.RunSweep(context.Background())
	assert.Equal(t, 1, sweep.Backfilled)
	assert.Equal(t, domain.StatusConfirmed, mustGet(t, f.repo, "D5").Status)

	after := poller.RunCycle(context.Background())
	assert.Equal(t, 1, after.Found)
	assert.Equal(t, 1, after.Outcomes[OutcomeDispatched])

	stored := mustGet(t, f.repo, "D5")
	assert.Equal(t, domain.StatusDispatched, stored.Status)
	assert.Equal(t, "tx-D5", *stored.PaymentProofRef)
	assert.Equal(t, 1, f.payouts.count())
	assert.Equal(t, []string{domain.EventDepositConfirmed, domain.EventDepositDispatched}, f.events.keys())

	// A later cycle finds nothing left to do.
	again := poller.RunCycle(context.Background())
	assert.Equal(t, 0, again.Found)
}

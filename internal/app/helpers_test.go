package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ghostbot/payout-reconciler/internal/domain"
	"github.com/ghostbot/payout-reconciler/internal/metrics"
	"github.com/ghostbot/payout-reconciler/internal/store"
	"github.com/ghostbot/payout-reconciler/pkg/depixclient"
	"github.com/ghostbot/payout-reconciler/pkg/logger"
	"github.com/ghostbot/payout-reconciler/pkg/payoutclient"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// payoutStub fails the n-th call with errs[n-1] when set, else with err.
// onCall runs before the result is decided, like a slow backend would.
type payoutStub struct {
	mu     sync.Mutex
	calls  []payoutclient.PayoutRequest
	err    error
	errs   []error
	onCall func(n int)
}

func (s *payoutStub) TriggerPayout(ctx context.Context, payload payoutclient.PayoutRequest) (*payoutclient.PayoutResponse, error) {
	s.mu.Lock()
	s.calls = append(s.calls, payload)
	n := len(s.calls)
	onCall := s.onCall
	err := s.err
	if n <= len(s.errs) {
		err = s.errs[n-1]
	}
	s.mu.Unlock()

	if onCall != nil {
		onCall(n)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		return nil, err
	}
	return &payoutclient.PayoutResponse{Success: true, Ref: "pay_" + payload.DepositID}, nil
}

func (s *payoutStub) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type sentMessage struct {
	customerID string
	text       string
}

type notifierStub struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (s *notifierStub) SendMessage(ctx context.Context, customerID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentMessage{customerID: customerID, text: text})
	return nil
}

func (s *notifierStub) messages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

type publishedEvent struct {
	routingKey string
	event      domain.DepositEvent
}

type publisherStub struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *publisherStub) PublishDepositEvent(ctx context.Context, routingKey string, event domain.DepositEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	p.events = append(p.events, publishedEvent{routingKey: routingKey, event: event})
	return nil
}

func (p *publisherStub) Close() {}

func (p *publisherStub) keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.routingKey)
	}
	return out
}

type providerStub struct {
	mu       sync.Mutex
	statuses map[string]*depixclient.DepositStatus
	errs     map[string]error
	calls    int
}

func (p *providerStub) GetDepositStatus(ctx context.Context, depositID string) (*depixclient.DepositStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if err := p.errs[depositID]; err != nil {
		return nil, err
	}
	if s, ok := p.statuses[depositID]; ok {
		return s, nil
	}
	return &depixclient.DepositStatus{Status: "pending"}, nil
}

// sleepRecorder replaces the real timer; hook runs on the n-th sleep.
type sleepRecorder struct {
	mu        sync.Mutex
	durations []time.Duration
	hook      func(n int)
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.durations = append(s.durations, d)
	n := len(s.durations)
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return ctx.Err()
}

type dispatchFixture struct {
	repo       *store.MemoryRepository
	payouts    *payoutStub
	notifier   *notifierStub
	events     *publisherStub
	sleeps     *sleepRecorder
	metrics    *metrics.Metrics
	cfg        DispatchConfig
	dispatcher *Dispatcher
}

func newDispatchFixture(t *testing.T, mutate func(cfg *DispatchConfig)) *dispatchFixture {
	t.Helper()
	cfg := DispatchConfig{
		MaxAttempts:         5,
		RetryInterval:       3 * time.Second,
		EscalationEnabled:   true,
		InteractiveNetworks: map[string]bool{"lightning": true},
		SupportContact:      "@ghostbot_suporte",
		PayoutRetries:       2,
		PayoutRetryInterval: time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f := &dispatchFixture{
		repo:     store.NewMemoryRepository(),
		payouts:  &payoutStub{},
		notifier: &notifierStub{},
		events:   &publisherStub{},
		sleeps:   &sleepRecorder{},
		metrics:  metrics.New(nil),
		cfg:      cfg,
	}
	f.dispatcher = newTestDispatcher(f.repo, f)
	return f
}

func newTestDispatcher(repo store.Repository, f *dispatchFixture) *Dispatcher {
	d := NewDispatcher(repo, f.payouts, f.notifier, f.events, f.metrics, logger.Discard(), f.cfg)
	d.sleep = f.sleeps.sleep
	return d
}

func strPtr(v string) *string { return &v }

// completeDeposit returns a deposit with every payout field populated.
func completeDeposit(id string) domain.Deposit {
	return domain.Deposit{
		DepositID:        id,
		CustomerID:       "555001",
		AmountMinorUnits: 1000,
		Currency:         "BRL",
		Network:          "lightning",
		FeeRate:          decimal.NewNullDecimal(decimal.RequireFromString("0.015")),
		PaymentProofRef:  strPtr("tx-" + id),
		Destination:      strPtr("satoshi@walletofsatoshi.com"),
		Status:           domain.StatusConfirmed,
		CreatedAt:        time.Now().Add(-time.Minute),
	}
}

func mustGet(t *testing.T, repo store.Repository, id string) *domain.Deposit {
	t.Helper()
	d, err := repo.GetByDepositID(context.Background(), id)
	require.NoError(t, err)
	return d
}

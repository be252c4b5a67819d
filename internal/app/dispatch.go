/**
 * @description
 * Invoice dispatch workflow. Given a confirmed deposit it waits, with a bounded
 * number of spaced attempts, for every payout-required field to be written by
 * the purchase flow and the proof paths, then claims the deposit through the
 * status compare-and-swap and fires the payout trigger exactly once.
 *
 * @notes
 * - The claim (CAS to dispatched) happens before the payout call. Transport
 *   failures are resent in place under the same idempotency key; a rejection
 *   or exhausted resends escalate the customer to support and store the
 *   failure reason for reconciliation. No later cycle retries the payout.
 * - Once a CAS succeeds, the follow-up work (payout, message, event) runs on a
 *   context detached from the caller, so shutdown cannot strand a claimed
 *   deposit half-handled.
 * - Exhausted completeness checks move the deposit to failed and then
 *   escalated. The payout trigger is never called on that path.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ghostbot/payout-reconciler/internal/domain"
	"github.com/ghostbot/payout-reconciler/internal/metrics"
	"github.com/ghostbot/payout-reconciler/internal/store"
	"github.com/ghostbot/payout-reconciler/pkg/payoutclient"
	"github.com/ghostbot/payout-reconciler/pkg/rabbitmq"
	"github.com/sirupsen/logrus"
)

// PayoutTrigger starts the crypto payout for a deposit.
type PayoutTrigger interface {
	TriggerPayout(ctx context.Context, payload payoutclient.PayoutRequest) (*payoutclient.PayoutResponse, error)
}

// Notifier delivers a text message to a customer.
type Notifier interface {
	SendMessage(ctx context.Context, customerID, text string) error
}

// Outcome is the result of one dispatch workflow run.
type Outcome string

const (
	OutcomeDispatched      Outcome = "dispatched"
	OutcomeAwaitingInvoice Outcome = "awaiting_invoice"
	OutcomeEscalated       Outcome = "escalated"
	OutcomeFailed          Outcome = "failed"
	OutcomeDispatchFailed  Outcome = "dispatch_failed"
	OutcomeSkipped         Outcome = "skipped"
)

// DispatchRequest identifies the deposit to dispatch. Interactive marks
// networks that need a customer-supplied destination; it is also derived from
// the stored network once the record is readable.
type DispatchRequest struct {
	DepositID   string
	CustomerID  string
	Interactive bool
}

// DispatchResult summarizes a run.
type DispatchResult struct {
	DepositID     string   `json:"deposit_id"`
	Outcome       Outcome  `json:"outcome"`
	Attempts      int      `json:"attempts"`
	MissingFields []string `json:"missing_fields,omitempty"`
}

// DispatchConfig carries the workflow tunables.
type DispatchConfig struct {
	MaxAttempts         int
	RetryInterval       time.Duration
	EscalationEnabled   bool
	InteractiveNetworks map[string]bool
	SupportContact      string
	PayoutTimeout       time.Duration
	NotifyTimeout       time.Duration
	// PayoutRetries bounds resends of a payout that failed in transport.
	PayoutRetries       int
	PayoutRetryInterval time.Duration
}

// Dispatcher runs the invoice dispatch workflow.
type Dispatcher struct {
	repo     store.Repository
	payouts  PayoutTrigger
	notifier Notifier
	events   rabbitmq.Publisher
	locker   store.DepositLocker
	metrics  *metrics.Metrics
	cfg      DispatchConfig
	log      *logrus.Entry

	sleep func(ctx context.Context, d time.Duration) error
}

// NewDispatcher wires the workflow.
func NewDispatcher(repo store.Repository, payouts PayoutTrigger, notifier Notifier, events rabbitmq.Publisher, m *metrics.Metrics, log *logrus.Entry, cfg DispatchConfig) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.PayoutTimeout <= 0 {
		cfg.PayoutTimeout = 30 * time.Second
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 15 * time.Second
	}
	if cfg.PayoutRetries < 0 {
		cfg.PayoutRetries = 0
	}
	if cfg.PayoutRetryInterval <= 0 {
		cfg.PayoutRetryInterval = 2 * time.Second
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if events == nil {
		events = &rabbitmq.EventProducerFallback{Log: log}
	}
	return &Dispatcher{
		repo:     repo,
		payouts:  payouts,
		notifier: notifier,
		events:   events,
		metrics:  m,
		cfg:      cfg,
		log:      log,
		sleep:    sleepContext,
	}
}

// WithLocker adds a cross-process lock taken before polling a deposit.
func (w *Dispatcher) WithLocker(locker store.DepositLocker) *Dispatcher {
	w.locker = locker
	return w
}

// RequestFor builds a request for a stored deposit.
func (w *Dispatcher) RequestFor(d *domain.Deposit) DispatchRequest {
	return DispatchRequest{
		DepositID:   d.DepositID,
		CustomerID:  d.CustomerID,
		Interactive: w.isInteractive(d.Network),
	}
}

func (w *Dispatcher) isInteractive(network string) bool {
	return w.cfg.InteractiveNetworks[domain.NormalizeNetwork(network)]
}

// Run executes the workflow for one deposit. A non-nil error means a
// transient failure; the deposit is left untouched for the next cycle.
func (w *Dispatcher) Run(ctx context.Context, req DispatchRequest) (DispatchResult, error) {
	log := w.log.WithFields(logrus.Fields{"deposit_id": req.DepositID, "customer_id": req.CustomerID})
	result := DispatchResult{DepositID: req.DepositID}

	if w.locker != nil {
		release, ok, err := w.locker.TryLock(ctx, req.DepositID)
		switch {
		case err != nil:
			log.WithError(err).Warn("dispatch lock unavailable; relying on status compare-and-swap")
		case !ok:
			log.Debug("dispatch already running elsewhere")
			result.Outcome = OutcomeSkipped
			w.record(result)
			return result, nil
		default:
			defer func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := release(releaseCtx); err != nil {
					log.WithError(err).Warn("failed to release dispatch lock")
				}
			}()
		}
	}

	var (
		deposit     *domain.Deposit
		missing     []string
		interactive bool
	)
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := w.sleep(ctx, w.cfg.RetryInterval); err != nil {
				return result, err
			}
		}
		result.Attempts = attempt

		d, err := w.repo.GetByDepositID(ctx, req.DepositID)
		if errors.Is(err, store.ErrDepositNotFound) {
			missing = []string{domain.FieldDepositID}
			log.WithField("attempt", attempt).Debug("deposit not visible yet")
			continue
		}
		if err != nil {
			return result, fmt.Errorf("load deposit %s: %w", req.DepositID, err)
		}
		if !d.Status.IsOpen() {
			log.WithField("status", d.Status).Debug("deposit already handled")
			result.Outcome = OutcomeSkipped
			w.record(result)
			return result, nil
		}

		deposit = d
		interactive = req.Interactive || w.isInteractive(d.Network)
		missing = d.MissingFields(interactive)
		if len(missing) == 0 {
			break
		}
		log.WithFields(logrus.Fields{"attempt": attempt, "missing": strings.Join(missing, ",")}).Info("deposit incomplete; waiting")
	}

	if len(missing) > 0 || deposit == nil {
		result.MissingFields = missing
		return w.escalate(ctx, log, req, deposit, result)
	}
	return w.dispatch(ctx, log, deposit, interactive, result)
}

func (w *Dispatcher) dispatch(ctx context.Context, log *logrus.Entry, d *domain.Deposit, interactive bool, result DispatchResult) (DispatchResult, error) {
	if d.Status == domain.StatusPending {
		err := w.repo.AdvanceStatus(ctx, d.DepositID, domain.StatusPending, domain.StatusConfirmed)
		switch {
		case err == nil:
			d.Status = domain.StatusConfirmed
		case errors.Is(err, store.ErrStatusConflict):
			fresh, getErr := w.repo.GetByDepositID(ctx, d.DepositID)
			if getErr != nil {
				return result, fmt.Errorf("reload deposit %s: %w", d.DepositID, getErr)
			}
			if !fresh.Status.IsOpen() || fresh.Status == domain.StatusPending {
				return w.skip(log, result, "confirmation raced"), nil
			}
			d = fresh
		default:
			return result, fmt.Errorf("confirm deposit %s: %w", d.DepositID, err)
		}
	}

	if interactive && !d.HasDestination() {
		if d.Status == domain.StatusAwaitingClientInvoice {
			return w.skip(log, result, "still waiting for customer invoice"), nil
		}
		err := w.repo.AdvanceStatus(ctx, d.DepositID, d.Status, domain.StatusAwaitingClientInvoice)
		if errors.Is(err, store.ErrStatusConflict) {
			return w.skip(log, result, "claimed by another worker"), nil
		}
		if err != nil {
			return result, fmt.Errorf("request invoice for %s: %w", d.DepositID, err)
		}
		d.Status = domain.StatusAwaitingClientInvoice
		w.notify(context.WithoutCancel(ctx), log, d.DepositID, d.CustomerID, invoiceRequestMessage(d))
		log.Info("payout waiting for customer invoice")
		result.Outcome = OutcomeAwaitingInvoice
		w.record(result)
		return result, nil
	}

	// The compare-and-swap below is the claim: only one worker gets past it.
	err := w.repo.AdvanceStatus(ctx, d.DepositID, d.Status, domain.StatusDispatched)
	if errors.Is(err, store.ErrStatusConflict) {
		return w.skip(log, result, "claimed by another worker"), nil
	}
	if err != nil {
		return result, fmt.Errorf("claim deposit %s: %w", d.DepositID, err)
	}
	d.Status = domain.StatusDispatched
	// The deposit is ours now; a caller going away must not leave it claimed
	// without a payout attempt and a customer message.
	ctx = context.WithoutCancel(ctx)

	resp, err := w.triggerPayout(ctx, log, payoutclient.PayoutRequest{
		DepositID:        d.DepositID,
		CustomerID:       d.CustomerID,
		AmountMinorUnits: d.AmountMinorUnits,
		Network:          d.Network,
		Destination:      d.Destination,
	})
	if err != nil {
		log.WithError(err).Error("payout trigger failed after claim; escalating to support")
		w.setFailureReason(ctx, log, d.DepositID, "payout trigger failed: "+err.Error())
		w.notify(ctx, log, d.DepositID, d.CustomerID, escalationMessage(d.DepositID, w.cfg.SupportContact))
		evt := domain.NewDepositEvent(d, "dispatch")
		evt.Reason = err.Error()
		w.publish(ctx, log, domain.EventDepositEscalated, evt)
		result.Outcome = OutcomeDispatchFailed
		w.record(result)
		return result, nil
	}

	fields := logrus.Fields{"amount": d.AmountMinorUnits, "network": d.Network}
	if resp != nil && resp.Ref != "" {
		fields["payout_ref"] = resp.Ref
	}
	log.WithFields(fields).Info("payout dispatched")
	w.notify(ctx, log, d.DepositID, d.CustomerID, dispatchedMessage(d))
	w.publish(ctx, log, domain.EventDepositDispatched, domain.NewDepositEvent(d, "dispatch"))
	result.Outcome = OutcomeDispatched
	w.record(result)
	return result, nil
}

func (w *Dispatcher) escalate(ctx context.Context, log *logrus.Entry, req DispatchRequest, d *domain.Deposit, result DispatchResult) (DispatchResult, error) {
	reason := "missing required fields: " + strings.Join(result.MissingFields, ",")

	if d == nil {
		// Nothing to transition; the customer still hears from us.
		log.WithField("reason", reason).Error("deposit never became readable; escalating to support")
		w.notify(ctx, log, "", req.CustomerID, escalationMessage(req.DepositID, w.cfg.SupportContact))
		result.Outcome = OutcomeEscalated
		w.record(result)
		return result, nil
	}

	err := w.repo.AdvanceStatus(ctx, d.DepositID, d.Status, domain.StatusFailed)
	if errors.Is(err, store.ErrStatusConflict) {
		return w.skip(log, result, "state changed while waiting for fields"), nil
	}
	if err != nil {
		return result, fmt.Errorf("fail deposit %s: %w", d.DepositID, err)
	}
	d.Status = domain.StatusFailed
	ctx = context.WithoutCancel(ctx)
	w.setFailureReason(ctx, log, d.DepositID, reason)
	result.Outcome = OutcomeFailed

	if w.cfg.EscalationEnabled {
		err := w.repo.AdvanceStatus(ctx, d.DepositID, domain.StatusFailed, domain.StatusEscalated)
		switch {
		case err == nil:
			d.Status = domain.StatusEscalated
			result.Outcome = OutcomeEscalated
		case errors.Is(err, store.ErrStatusConflict):
			return w.skip(log, result, "escalated by another worker"), nil
		default:
			log.WithError(err).Error("failed to mark deposit escalated; notifying customer anyway")
		}
	}

	log.WithFields(logrus.Fields{"status": d.Status, "reason": reason, "attempts": result.Attempts}).Warn("deposit handed to support")
	customerID := d.CustomerID
	if customerID == "" {
		customerID = req.CustomerID
	}
	w.notify(ctx, log, d.DepositID, customerID, escalationMessage(d.DepositID, w.cfg.SupportContact))
	evt := domain.NewDepositEvent(d, "dispatch")
	evt.Reason = reason
	w.publish(ctx, log, domain.EventDepositEscalated, evt)
	w.record(result)
	return result, nil
}

// triggerPayout calls the payout backend, resending on transport failures.
func (w *Dispatcher) triggerPayout(ctx context.Context, log *logrus.Entry, req payoutclient.PayoutRequest) (*payoutclient.PayoutResponse, error) {
	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, w.cfg.PayoutTimeout)
		resp, err := w.payouts.TriggerPayout(callCtx, req)
		cancel()
		if err == nil {
			return resp, nil
		}
		if attempt > w.cfg.PayoutRetries || !payoutclient.IsRetryable(err) {
			return resp, err
		}
		log.WithError(err).WithField("attempt", attempt).Warn("payout trigger failed in transport; resending")
		w.metrics.PayoutRetries.Inc()
		if err := w.sleep(ctx, w.cfg.PayoutRetryInterval); err != nil {
			return nil, err
		}
	}
}

func (w *Dispatcher) skip(log *logrus.Entry, result DispatchResult, why string) DispatchResult {
	log.WithField("reason", why).Info("dispatch skipped")
	result.Outcome = OutcomeSkipped
	w.record(result)
	return result
}

func (w *Dispatcher) notify(ctx context.Context, log *logrus.Entry, depositID, customerID, text string) {
	if customerID == "" {
		log.Error("no customer id to notify")
		return
	}
	notifyCtx, cancel := context.WithTimeout(ctx, w.cfg.NotifyTimeout)
	defer cancel()
	if err := w.notifier.SendMessage(notifyCtx, customerID, text); err != nil {
		log.WithError(err).Error("customer notification failed")
		return
	}
	if depositID == "" {
		return
	}
	if err := w.repo.MarkNotified(ctx, depositID); err != nil {
		log.WithError(err).Warn("failed to record notification")
	}
}

func (w *Dispatcher) setFailureReason(ctx context.Context, log *logrus.Entry, depositID, reason string) {
	if err := w.repo.SetFailureReason(ctx, depositID, reason); err != nil {
		log.WithError(err).Warn("failed to store failure reason")
	}
}

func (w *Dispatcher) publish(ctx context.Context, log *logrus.Entry, routingKey string, evt domain.DepositEvent) {
	if err := w.events.PublishDepositEvent(ctx, routingKey, evt); err != nil {
		log.WithError(err).WithField("routing_key", routingKey).Warn("failed to publish deposit event")
	}
}

func (w *Dispatcher) record(result DispatchResult) {
	w.metrics.DispatchOutcomes.WithLabelValues(string(result.Outcome)).Inc()
	if result.Attempts > 0 {
		w.metrics.DispatchAttempts.Observe(float64(result.Attempts))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

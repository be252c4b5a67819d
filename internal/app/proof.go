package app

import (
	"context"
	"errors"

	"github.com/ghostbot/payout-reconciler/internal/domain"
	"github.com/ghostbot/payout-reconciler/internal/metrics"
	"github.com/ghostbot/payout-reconciler/internal/store"
	"github.com/ghostbot/payout-reconciler/pkg/rabbitmq"
	"github.com/sirupsen/logrus"
)

// ProofRecorder stores provider proof references and promotes the deposit to
// confirmed. Both the provider webhook and the fallback sweep go through it.
type ProofRecorder struct {
	repo    store.Repository
	events  rabbitmq.Publisher
	metrics *metrics.Metrics
	log     *logrus.Entry
}

func NewProofRecorder(repo store.Repository, events rabbitmq.Publisher, m *metrics.Metrics, log *logrus.Entry) *ProofRecorder {
	if m == nil {
		m = metrics.New(nil)
	}
	if events == nil {
		events = &rabbitmq.EventProducerFallback{Log: log}
	}
	return &ProofRecorder{repo: repo, events: events, metrics: m, log: log}
}

// Record writes proofRef for depositID. Replays of the same proof are no-ops;
// a different proof returns store.ErrProofConflict.
func (r *ProofRecorder) Record(ctx context.Context, depositID, proofRef, source string) (store.ProofUpdate, error) {
	log := r.log.WithFields(logrus.Fields{"deposit_id": depositID, "source": source})

	res, err := r.repo.UpdateProof(ctx, depositID, proofRef)
	if errors.Is(err, store.ErrProofConflict) {
		r.metrics.ProofConflicts.Inc()
		fields := logrus.Fields{"incoming_proof": proofRef}
		if existing, getErr := r.repo.GetByDepositID(ctx, depositID); getErr == nil && existing.PaymentProofRef != nil {
			fields["stored_proof"] = *existing.PaymentProofRef
		}
		log.WithFields(fields).Error("provider reported a different proof for a confirmed deposit")
		return 0, err
	}
	if err != nil {
		return 0, err
	}
	r.metrics.ProofBackfills.WithLabelValues(res.String()).Inc()

	promoted := false
	err = r.repo.AdvanceStatus(ctx, depositID, domain.StatusPending, domain.StatusConfirmed)
	switch {
	case err == nil:
		promoted = true
	case errors.Is(err, store.ErrStatusConflict):
		// already past pending
	default:
		// The poller also picks up pending deposits that carry a proof.
		log.WithError(err).Warn("failed to promote deposit to confirmed")
	}

	if res == store.ProofStored || promoted {
		log.WithField("proof_ref", proofRef).Info("payment proof recorded")
		d, err := r.repo.GetByDepositID(ctx, depositID)
		if err != nil {
			log.WithError(err).Warn("failed to reload deposit for confirmation event")
			return res, nil
		}
		if err := r.events.PublishDepositEvent(ctx, domain.EventDepositConfirmed, domain.NewDepositEvent(d, source)); err != nil {
			log.WithError(err).Warn("failed to publish confirmation event")
		}
	}
	return res, nil
}

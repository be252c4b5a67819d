/**
 * @description
 * This file defines the deposit store contract shared by the poller, the
 * proof fallback and the dispatch workflow. Components depend on this
 * interface only; nothing outside this package reaches into storage.
 *
 * @notes
 * - AdvanceStatus is a compare-and-swap and is the only way status changes.
 * - UpdateProof never overwrites a different non-null proof reference.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ghostbot/payout-reconciler/internal/domain"
)

var (
	ErrDepositNotFound   = errors.New("deposit not found")
	ErrStatusConflict    = errors.New("deposit status conflict")
	ErrProofConflict     = errors.New("deposit already has a different payment proof")
	ErrInvalidTransition = errors.New("invalid deposit status transition")
	ErrProofRequired     = errors.New("payment proof required before confirmation")
	ErrStoreUnavailable  = errors.New("deposit store unavailable")
)

// ProofUpdate describes what UpdateProof did.
type ProofUpdate int

const (
	// ProofStored means the proof was written for the first time.
	ProofStored ProofUpdate = iota + 1
	// ProofUnchanged means the same proof was already on file.
	ProofUnchanged
)

func (p ProofUpdate) String() string {
	switch p {
	case ProofStored:
		return "stored"
	case ProofUnchanged:
		return "unchanged"
	}
	return "unknown"
}

// Repository defines the interface for deposit persistence.
type Repository interface {
	// FindConfirmedAwaitingPayout returns deposits with a proof on file that
	// have not reached payout yet, oldest first.
	FindConfirmedAwaitingPayout(ctx context.Context, limit int) ([]domain.Deposit, error)
	// FindPendingWithoutProof returns pending deposits created after
	// createdAfter that still lack a proof reference, oldest first.
	FindPendingWithoutProof(ctx context.Context, createdAfter time.Time, limit int) ([]domain.Deposit, error)
	GetByDepositID(ctx context.Context, depositID string) (*domain.Deposit, error)
	UpdateProof(ctx context.Context, depositID, proofRef string) (ProofUpdate, error)
	AdvanceStatus(ctx context.Context, depositID string, from, to domain.Status) error
	MarkNotified(ctx context.Context, depositID string) error
	SetFailureReason(ctx context.Context, depositID, reason string) error
}

// checkTransition applies the state machine rules shared by every backend.
func checkTransition(d *domain.Deposit, from, to domain.Status) error {
	if !domain.CanTransition(from, to) {
		return ErrInvalidTransition
	}
	if to == domain.StatusConfirmed && !d.HasProof() {
		return ErrProofRequired
	}
	return nil
}

// classifyProofMiss explains why a conditional proof write touched no row.
// existing is the stored proof, read back after the write missed.
func classifyProofMiss(found bool, existing *string, proofRef, depositID string) (ProofUpdate, error) {
	if !found {
		return 0, ErrDepositNotFound
	}
	if existing != nil && strings.TrimSpace(*existing) == strings.TrimSpace(proofRef) {
		return ProofUnchanged, nil
	}
	return 0, fmt.Errorf("%w: deposit %s", ErrProofConflict, depositID)
}

// classifyStatusMiss explains why a status compare-and-swap touched no row.
func classifyStatusMiss(found bool, current domain.Status, proof *string, from, to domain.Status) error {
	if !found {
		return ErrDepositNotFound
	}
	if current != from {
		return ErrStatusConflict
	}
	return checkTransition(&domain.Deposit{PaymentProofRef: proof}, from, to)
}

// isBlankProof reports whether proofRef would count as no proof at all.
func isBlankProof(proofRef string) bool {
	return strings.TrimSpace(proofRef) == ""
}

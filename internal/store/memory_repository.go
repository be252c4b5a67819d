package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ghostbot/payout-reconciler/internal/domain"
)

// MemoryRepository keeps deposits in process memory. It backs STORE_DRIVER=memory
// for local runs and mirrors the Postgres semantics exactly.
type MemoryRepository struct {
	mu       sync.Mutex
	deposits map[string]*domain.Deposit
	now      func() time.Time
}

// NewMemoryRepository creates an empty in-memory store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		deposits: make(map[string]*domain.Deposit),
		now:      time.Now,
	}
}

// Insert seeds a deposit. Deposit ids are immutable, so inserting an
// existing id fails.
func (r *MemoryRepository) Insert(d domain.Deposit) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d.DepositID == "" {
		return errors.New("deposit id is required")
	}
	if _, exists := r.deposits[d.DepositID]; exists {
		return fmt.Errorf("deposit %s already exists", d.DepositID)
	}
	if d.Status == "" {
		d.Status = domain.StatusPending
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = d.CreatedAt
	}
	cp := cloneDeposit(&d)
	r.deposits[d.DepositID] = cp
	return nil
}

// Mutate applies fn to a stored deposit under the store lock. It exists for
// seeding late field population (the purchase flow writing amount, fee or
// destination after the deposit row was created).
func (r *MemoryRepository) Mutate(depositID string, fn func(d *domain.Deposit)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.deposits[depositID]
	if !ok {
		return ErrDepositNotFound
	}
	proof, hadProof := d.PaymentProofRef, d.HasProof()
	fn(d)
	// proof monotonicity and id immutability hold even for seeding
	d.DepositID = depositID
	if hadProof {
		d.PaymentProofRef = proof
	}
	d.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRepository) FindConfirmedAwaitingPayout(ctx context.Context, limit int) ([]domain.Deposit, error) {
	return r.collect(limit, func(d *domain.Deposit) bool {
		if !d.HasProof() {
			return false
		}
		switch d.Status {
		case domain.StatusPending, domain.StatusConfirmed:
			return true
		case domain.StatusAwaitingClientInvoice:
			return d.HasDestination()
		}
		return false
	}), nil
}

func (r *MemoryRepository) FindPendingWithoutProof(ctx context.Context, createdAfter time.Time, limit int) ([]domain.Deposit, error) {
	return r.collect(limit, func(d *domain.Deposit) bool {
		return d.Status == domain.StatusPending && !d.HasProof() && !d.CreatedAt.Before(createdAfter)
	}), nil
}

func (r *MemoryRepository) GetByDepositID(ctx context.Context, depositID string) (*domain.Deposit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.deposits[depositID]
	if !ok {
		return nil, ErrDepositNotFound
	}
	return cloneDeposit(d), nil
}

func (r *MemoryRepository) UpdateProof(ctx context.Context, depositID, proofRef string) (ProofUpdate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if isBlankProof(proofRef) {
		return 0, ErrProofRequired
	}
	d, ok := r.deposits[depositID]
	if !ok {
		return 0, ErrDepositNotFound
	}
	if d.HasProof() {
		return classifyProofMiss(true, d.PaymentProofRef, proofRef, depositID)
	}
	ref := proofRef
	d.PaymentProofRef = &ref
	d.UpdatedAt = r.now()
	return ProofStored, nil
}

func (r *MemoryRepository) AdvanceStatus(ctx context.Context, depositID string, from, to domain.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !domain.CanTransition(from, to) {
		return ErrInvalidTransition
	}
	d, ok := r.deposits[depositID]
	if !ok {
		return ErrDepositNotFound
	}
	if d.Status != from || (to == domain.StatusConfirmed && !d.HasProof()) {
		return classifyStatusMiss(true, d.Status, d.PaymentProofRef, from, to)
	}
	d.Status = to
	d.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRepository) MarkNotified(ctx context.Context, depositID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.deposits[depositID]
	if !ok {
		return ErrDepositNotFound
	}
	d.Notified++
	d.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRepository) SetFailureReason(ctx context.Context, depositID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.deposits[depositID]
	if !ok {
		return ErrDepositNotFound
	}
	v := reason
	d.FailureReason = &v
	d.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRepository) collect(limit int, match func(d *domain.Deposit) bool) []domain.Deposit {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.Deposit, 0)
	for _, d := range r.deposits {
		if match(d) {
			out = append(out, *cloneDeposit(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].DepositID < out[j].DepositID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func cloneDeposit(d *domain.Deposit) *domain.Deposit {
	cp := *d
	cp.PaymentProofRef = cloneString(d.PaymentProofRef)
	cp.Destination = cloneString(d.Destination)
	cp.ReceiptRef = cloneString(d.ReceiptRef)
	cp.FailureReason = cloneString(d.FailureReason)
	return &cp
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

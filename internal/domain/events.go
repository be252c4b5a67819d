package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys published on the deposit events exchange.
const (
	EventDepositConfirmed  = "deposit.confirmed"
	EventDepositDispatched = "deposit.dispatched"
	EventDepositEscalated  = "deposit.escalated"
)

// DepositEvent is the payload published to RabbitMQ when a deposit changes state.
type DepositEvent struct {
	EventID    uuid.UUID `json:"event_id"`
	DepositID  string    `json:"deposit_id"`
	CustomerID string    `json:"customer_id"`
	Status     Status    `json:"status"`
	ProofRef   string    `json:"proof_ref,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Source     string    `json:"source"` // e.g., 'webhook', 'fallback', 'dispatch'
	Timestamp  time.Time `json:"timestamp"`
}

// NewDepositEvent stamps a fresh event for the given deposit.
func NewDepositEvent(d *Deposit, source string) DepositEvent {
	evt := DepositEvent{
		EventID:    uuid.New(),
		DepositID:  d.DepositID,
		CustomerID: d.CustomerID,
		Status:     d.Status,
		Source:     source,
		Timestamp:  time.Now().UTC(),
	}
	if d.PaymentProofRef != nil {
		evt.ProofRef = *d.PaymentProofRef
	}
	return evt
}

// DepixWebhookEvent is the callback body posted by the payment provider.
type DepixWebhookEvent struct {
	ID             string `json:"id"`
	QRID           string `json:"qrId,omitempty"`
	Status         string `json:"status"`
	BlockchainTxID string `json:"blockchainTxID"`
	ValueInCents   int64  `json:"valueInCents,omitempty"`
}

// DepositID returns the deposit reference carried by the callback.
func (e DepixWebhookEvent) DepositID() string {
	if e.QRID != "" {
		return e.QRID
	}
	return e.ID
}

/**
 * @description
 * Core domain models for the payout reconciler. A Deposit is one PIX payment
 * attempt tracked from fiat confirmation to crypto payout.
 *
 * @notes
 * - Amounts are stored as int64 centavos to avoid floating-point drift.
 * - PaymentProofRef and Destination are explicit optional fields; a nil
 *   PaymentProofRef means the provider has not confirmed the fiat leg yet.
 */

package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Deposit maps to the `deposits` table.
type Deposit struct {
	DepositID        string              `json:"deposit_id"`
	CustomerID       string              `json:"customer_id"`
	AmountMinorUnits int64               `json:"amount_minor_units"` // in centavos
	Currency         string              `json:"currency"`
	Network          string              `json:"network"` // e.g., 'lightning', 'onchain'
	FeeRate          decimal.NullDecimal `json:"fee_rate"`
	PaymentProofRef  *string             `json:"payment_proof_ref,omitempty"`
	Destination      *string             `json:"destination,omitempty"`
	Status           Status              `json:"status"`
	Notified         int                 `json:"notified"`
	ReceiptRef       *string             `json:"receipt_ref,omitempty"`
	FailureReason    *string             `json:"failure_reason,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// Field names reported by MissingFields.
const (
	FieldProofRef   = "payment_proof_ref"
	FieldCustomerID = "customer_id"
	FieldDepositID  = "deposit_id"
	FieldCreatedAt  = "created_at"
	FieldAmount     = "amount"
	FieldFeeRate    = "fee_rate"
	FieldCurrency   = "currency"
	FieldNetwork    = "network"
)

// HasProof reports whether the provider proof reference has been recorded.
func (d *Deposit) HasProof() bool {
	return d.PaymentProofRef != nil && strings.TrimSpace(*d.PaymentProofRef) != ""
}

// HasDestination reports whether a payout destination is on file.
func (d *Deposit) HasDestination() bool {
	return d.Destination != nil && strings.TrimSpace(*d.Destination) != ""
}

// MissingFields lists the payout-required fields that are not populated yet.
// Interactive networks additionally require the network identifier.
func (d *Deposit) MissingFields(interactive bool) []string {
	missing := make([]string, 0)
	if !d.HasProof() {
		missing = append(missing, FieldProofRef)
	}
	if strings.TrimSpace(d.CustomerID) == "" {
		missing = append(missing, FieldCustomerID)
	}
	if strings.TrimSpace(d.DepositID) == "" {
		missing = append(missing, FieldDepositID)
	}
	if d.CreatedAt.IsZero() {
		missing = append(missing, FieldCreatedAt)
	}
	if d.AmountMinorUnits <= 0 {
		missing = append(missing, FieldAmount)
	}
	if !d.FeeRate.Valid {
		missing = append(missing, FieldFeeRate)
	}
	if strings.TrimSpace(d.Currency) == "" {
		missing = append(missing, FieldCurrency)
	}
	if interactive && strings.TrimSpace(d.Network) == "" {
		missing = append(missing, FieldNetwork)
	}
	return missing
}

// AmountDecimal returns the amount in major currency units.
func (d *Deposit) AmountDecimal() decimal.Decimal {
	return decimal.New(d.AmountMinorUnits, -2)
}

// NormalizeNetwork lowercases a network name and folds common aliases.
func NormalizeNetwork(network string) string {
	n := strings.ToLower(strings.TrimSpace(network))
	switch n {
	case "on-chain", "on_chain", "bitcoin", "btc":
		return "onchain"
	case "ln", "lnurl":
		return "lightning"
	default:
		return n
	}
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ghostbot/payout-reconciler/internal/app"
	"github.com/ghostbot/payout-reconciler/internal/domain"
	"github.com/ghostbot/payout-reconciler/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

// DispatchRunner runs the dispatch workflow on demand.
type DispatchRunner interface {
	Run(ctx context.Context, req app.DispatchRequest) (app.DispatchResult, error)
	RequestFor(d *domain.Deposit) app.DispatchRequest
}

// CycleRunner runs one confirmation poll.
type CycleRunner interface {
	RunCycle(ctx context.Context) app.PollSummary
}

// SweepRunner runs one proof fallback sweep.
type SweepRunner interface {
	RunSweep(ctx context.Context) app.SweepSummary
}

// DepositReader loads a deposit by id.
type DepositReader interface {
	GetByDepositID(ctx context.Context, depositID string) (*domain.Deposit, error)
}

// InternalHandlers serves the operator and service-to-service routes.
type InternalHandlers struct {
	deposits   DepositReader
	dispatcher DispatchRunner
	poller     CycleRunner
	fallback   SweepRunner
	log        *logrus.Entry
}

func NewInternalHandlers(deposits DepositReader, dispatcher DispatchRunner, poller CycleRunner, fallback SweepRunner, log *logrus.Entry) *InternalHandlers {
	return &InternalHandlers{
		deposits:   deposits,
		dispatcher: dispatcher,
		poller:     poller,
		fallback:   fallback,
		log:        log,
	}
}

type dispatchRequestBody struct {
	Interactive *bool `json:"interactive,omitempty"`
}

type depositResponse struct {
	DepositID        string  `json:"deposit_id"`
	CustomerID       string  `json:"customer_id"`
	Status           string  `json:"status"`
	Amount           string  `json:"amount"`
	AmountMinorUnits int64   `json:"amount_minor_units"`
	Currency         string  `json:"currency"`
	Network          string  `json:"network"`
	FeeRate          *string `json:"fee_rate,omitempty"`
	PaymentProofRef  *string `json:"payment_proof_ref,omitempty"`
	Destination      *string `json:"destination,omitempty"`
	FailureReason    *string `json:"failure_reason,omitempty"`
	Notified         int     `json:"notified"`
	CreatedAt        string  `json:"created_at"`
	UpdatedAt        string  `json:"updated_at"`
}

func toDepositResponse(d *domain.Deposit) depositResponse {
	resp := depositResponse{
		DepositID:        d.DepositID,
		CustomerID:       d.CustomerID,
		Status:           d.Status.String(),
		Amount:           d.AmountDecimal().StringFixed(2),
		AmountMinorUnits: d.AmountMinorUnits,
		Currency:         d.Currency,
		Network:          d.Network,
		PaymentProofRef:  d.PaymentProofRef,
		Destination:      d.Destination,
		FailureReason:    d.FailureReason,
		Notified:         d.Notified,
		CreatedAt:        d.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:        d.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if d.FeeRate.Valid {
		fee := d.FeeRate.Decimal.String()
		resp.FeeRate = &fee
	}
	return resp
}

// GetDepositHandler returns the stored view of one deposit.
func (h *InternalHandlers) GetDepositHandler(w http.ResponseWriter, r *http.Request) {
	depositID := strings.TrimSpace(chi.URLParam(r, "depositID"))
	if depositID == "" {
		writeError(w, http.StatusBadRequest, "Deposit ID is required")
		return
	}

	d, err := h.deposits.GetByDepositID(r.Context(), depositID)
	if err != nil {
		h.writeStoreError(w, "get_deposit", depositID, err)
		return
	}
	writeJSON(w, http.StatusOK, toDepositResponse(d))
}

// DispatchHandler runs the dispatch workflow for one deposit synchronously.
// The call blocks for the whole completeness poll.
func (h *InternalHandlers) DispatchHandler(w http.ResponseWriter, r *http.Request) {
	depositID := strings.TrimSpace(chi.URLParam(r, "depositID"))
	if depositID == "" {
		writeError(w, http.StatusBadRequest, "Deposit ID is required")
		return
	}

	var body dispatchRequestBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	d, err := h.deposits.GetByDepositID(r.Context(), depositID)
	if err != nil {
		h.writeStoreError(w, "dispatch", depositID, err)
		return
	}

	req := h.dispatcher.RequestFor(d)
	if body.Interactive != nil {
		req.Interactive = req.Interactive || *body.Interactive
	}

	result, err := h.dispatcher.Run(r.Context(), req)
	if err != nil {
		h.writeStoreError(w, "dispatch", depositID, err)
		return
	}

	h.log.WithFields(logrus.Fields{
		"endpoint":   "dispatch",
		"deposit_id": depositID,
		"outcome":    result.Outcome,
		"attempts":   result.Attempts,
	}).Info("manual dispatch finished")
	writeJSON(w, http.StatusOK, result)
}

// ReconcileConfirmationsHandler runs one poller cycle.
func (h *InternalHandlers) ReconcileConfirmationsHandler(w http.ResponseWriter, r *http.Request) {
	summary := h.poller.RunCycle(r.Context())
	if summary.QueryError != "" {
		writeJSON(w, http.StatusServiceUnavailable, summary)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ReconcileProofsHandler runs one fallback sweep.
func (h *InternalHandlers) ReconcileProofsHandler(w http.ResponseWriter, r *http.Request) {
	summary := h.fallback.RunSweep(r.Context())
	if summary.QueryError != "" {
		writeJSON(w, http.StatusServiceUnavailable, summary)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *InternalHandlers) writeStoreError(w http.ResponseWriter, endpoint, depositID string, err error) {
	switch {
	case errors.Is(err, store.ErrDepositNotFound):
		writeError(w, http.StatusNotFound, "Deposit not found")
	case errors.Is(err, store.ErrStoreUnavailable), errors.Is(err, context.DeadlineExceeded):
		h.log.WithError(err).WithFields(logrus.Fields{"endpoint": endpoint, "deposit_id": depositID}).Warn("store unavailable")
		writeError(w, http.StatusServiceUnavailable, "Service temporarily unavailable")
	default:
		h.log.WithError(err).WithFields(logrus.Fields{"endpoint": endpoint, "deposit_id": depositID}).Error("request failed")
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

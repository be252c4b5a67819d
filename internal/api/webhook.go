/**
 * @description
 * HTTP handler for deposit callbacks from the Depix payment provider. This is
 * the primary confirmation path: a callback carrying a blockchain transaction
 * id stores the payment proof and promotes the deposit to confirmed. The
 * fallback sweep covers callbacks that never arrive.
 *
 * Key features:
 * - Security: validates the hex HMAC-SHA256 signature over the raw body.
 * - Idempotency: replays of the same proof are acknowledged without effect.
 * - Monotonic proofs: a different proof for the same deposit is rejected.
 *
 * @dependencies
 * - crypto/hmac, crypto/sha256, encoding/hex: signature validation.
 * - github.com/sirupsen/logrus: structured request logging.
 */
package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/ghostbot/payout-reconciler/internal/domain"
	"github.com/ghostbot/payout-reconciler/internal/store"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

const (
	signatureHeader = "X-Depix-Signature"
	maxWebhookBody  = 1 << 20
)

// ProofSink stores a provider-reported payment proof.
type ProofSink interface {
	Record(ctx context.Context, depositID, proofRef, source string) (store.ProofUpdate, error)
}

// DepixWebhookHandler processes incoming deposit callbacks.
type DepixWebhookHandler struct {
	proofs ProofSink
	secret string
	log    *logrus.Entry
}

// NewDepixWebhookHandler creates the webhook handler. An empty secret skips
// signature validation.
func NewDepixWebhookHandler(proofs ProofSink, secret string, log *logrus.Entry) *DepixWebhookHandler {
	if strings.TrimSpace(secret) == "" {
		log.Warn("DEPIX_WEBHOOK_SECRET is not set; webhook signatures will not be validated")
	}
	return &DepixWebhookHandler{proofs: proofs, secret: strings.TrimSpace(secret), log: log}
}

// ServeHTTP implements http.Handler.
func (h *DepixWebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := h.log.WithField("request_id", middleware.GetReqID(r.Context()))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		log.WithError(err).Warn("cannot read webhook body")
		writeError(w, http.StatusBadRequest, "Cannot read request body")
		return
	}

	if !h.isValidSignature(r.Header.Get(signatureHeader), body) {
		log.Warn("invalid webhook signature")
		writeError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	var event domain.DepixWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.WithError(err).Warn("invalid webhook payload")
		writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	depositID := strings.TrimSpace(event.DepositID())
	if depositID == "" {
		writeError(w, http.StatusBadRequest, "Deposit id is required")
		return
	}
	log = log.WithFields(logrus.Fields{"deposit_id": depositID, "provider_status": event.Status})

	proof := strings.TrimSpace(event.BlockchainTxID)
	if proof == "" {
		log.Info("webhook without proof; nothing to record")
		writeJSON(w, http.StatusOK, map[string]string{"result": "ignored"})
		return
	}

	res, err := h.proofs.Record(r.Context(), depositID, proof, "webhook")
	switch {
	case errors.Is(err, store.ErrProofConflict):
		writeError(w, http.StatusConflict, "Deposit already carries a different payment proof")
		return
	case errors.Is(err, store.ErrDepositNotFound):
		log.Warn("webhook for unknown deposit")
		writeError(w, http.StatusNotFound, "Deposit not found")
		return
	case err != nil:
		log.WithError(err).Error("failed to record payment proof")
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	log.WithField("result", res.String()).Info("webhook processed")
	writeJSON(w, http.StatusOK, map[string]string{"result": res.String()})
}

func (h *DepixWebhookHandler) isValidSignature(header string, body []byte) bool {
	if h.secret == "" {
		return true
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(header), "sha256="))
	if err != nil || len(provided) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

// SignBody returns the signature header value the provider sends for body.
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

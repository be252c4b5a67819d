package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ghostbot/payout-reconciler/internal/app"
	"github.com/ghostbot/payout-reconciler/internal/domain"
	"github.com/ghostbot/payout-reconciler/internal/store"
	"github.com/ghostbot/payout-reconciler/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "whsec_test"
	testAPIKey = "internal-key"
)

type dispatchRunnerStub struct {
	reqs   []app.DispatchRequest
	result app.DispatchResult
	err    error
}

func (s *dispatchRunnerStub) Run(ctx context.Context, req app.DispatchRequest) (app.DispatchResult, error) {
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return app.DispatchResult{}, s.err
	}
	res := s.result
	res.DepositID = req.DepositID
	return res, nil
}

func (s *dispatchRunnerStub) RequestFor(d *domain.Deposit) app.DispatchRequest {
	return app.DispatchRequest{DepositID: d.DepositID, CustomerID: d.CustomerID, Interactive: d.Network == "lightning"}
}

type cycleStub struct{ summary app.PollSummary }

func (s cycleStub) RunCycle(ctx context.Context) app.PollSummary { return s.summary }

type sweepStub struct{ summary app.SweepSummary }

func (s sweepStub) RunSweep(ctx context.Context) app.SweepSummary { return s.summary }

type testServer struct {
	repo       *store.MemoryRepository
	dispatcher *dispatchRunnerStub
	handler    http.Handler
}

func newTestServer(t *testing.T, poll app.PollSummary, sweep app.SweepSummary) *testServer {
	t.Helper()
	repo := store.NewMemoryRepository()
	dispatcher := &dispatchRunnerStub{result: app.DispatchResult{Outcome: app.OutcomeDispatched, Attempts: 1}}
	recorder := app.NewProofRecorder(repo, nil, nil, logger.Discard())

	internal := NewInternalHandlers(repo, dispatcher, cycleStub{poll}, sweepStub{sweep}, logger.Discard())
	webhook := NewDepixWebhookHandler(recorder, testSecret, logger.Discard())
	return &testServer{
		repo:       repo,
		dispatcher: dispatcher,
		handler:    Routes(internal, webhook, testAPIKey, nil),
	}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func pendingDeposit(id string) domain.Deposit {
	return domain.Deposit{
		DepositID:        id,
		CustomerID:       "555001",
		AmountMinorUnits: 2500,
		Currency:         "BRL",
		Network:          "lightning",
		Status:           domain.StatusPending,
		CreatedAt:        time.Now().Add(-time.Minute),
	}
}

func webhookRequest(t *testing.T, payload any, secret string) *http.Request {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/depix", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(signatureHeader, SignBody(secret, body))
	}
	return req
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, app.PollSummary{}, app.SweepSummary{})
	rr := s.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "healthy", rr.Body.String())
}

func TestDepixWebhook_StoresProofAndConfirms(t *testing.T) {
	s := newTestServer(t, app.PollSummary{}, app.SweepSummary{})
	require.NoError(t, s.repo.Insert(pendingDeposit("D1")))

	payload := domain.DepixWebhookEvent{ID: "D1", Status: "depix_sent", BlockchainTxID: "tx-abc"}
	rr := s.do(webhookRequest(t, payload, testSecret))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "stored", decodeBody(t, rr)["result"])

	d, err := s.repo.GetByDepositID(context.Background(), "D1")
	require.NoError(t, err)
	assert.Equal(t, "tx-abc", *d.PaymentProofRef)
	assert.Equal(t, domain.StatusConfirmed, d.Status)

	// Provider retries the same callback.
	rr = s.do(webhookRequest(t, payload, testSecret))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "unchanged", decodeBody(t, rr)["result"])
}

func TestDepixWebhook_RejectsDifferentProof(t *testing.T) {
	s := newTestServer(t, app.PollSummary{}, app.SweepSummary{})
	require.NoError(t, s.repo.Insert(pendingDeposit("D1")))

	rr := s.do(webhookRequest(t, domain.DepixWebhookEvent{ID: "D1", BlockchainTxID: "tx-1"}, testSecret))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = s.do(webhookRequest(t, domain.DepixWebhookEvent{ID: "D1", BlockchainTxID: "tx-2"}, testSecret))
	assert.Equal(t, http.StatusConflict, rr.Code)

	d, err := s.repo.GetByDepositID(context.Background(), "D1")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", *d.PaymentProofRef)
}

func TestDepixWebhook_Rejections(t *testing.T) {
	s := newTestServer(t, app.PollSummary{}, app.SweepSummary{})
	require.NoError(t, s.repo.Insert(pendingDeposit("D1")))

	t.Run("bad signature", func(t *testing.T) {
		rr := s.do(webhookRequest(t, domain.DepixWebhookEvent{ID: "D1", BlockchainTxID: "tx"}, "wrong-secret"))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("missing signature", func(t *testing.T) {
		rr := s.do(webhookRequest(t, domain.DepixWebhookEvent{ID: "D1", BlockchainTxID: "tx"}, ""))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("malformed json", func(t *testing.T) {
		body := []byte("{nope")
		req := httptest.NewRequest(http.MethodPost, "/webhooks/depix", bytes.NewReader(body))
		req.Header.Set(signatureHeader, SignBody(testSecret, body))
		assert.Equal(t, http.StatusBadRequest, s.do(req).Code)
	})

	t.Run("unknown deposit", func(t *testing.T) {
		rr := s.do(webhookRequest(t, domain.DepixWebhookEvent{ID: "ghost", BlockchainTxID: "tx"}, testSecret))
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("no proof yet", func(t *testing.T) {
		rr := s.do(webhookRequest(t, domain.DepixWebhookEvent{ID: "D1", Status: "pending"}, testSecret))
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "ignored", decodeBody(t, rr)["result"])

		d, err := s.repo.GetByDepositID(context.Background(), "D1")
		require.NoError(t, err)
		assert.Nil(t, d.PaymentProofRef)
	})
}

func TestInternalRoutes_RequireAPIKey(t *testing.T) {
	s := newTestServer(t, app.PollSummary{}, app.SweepSummary{})
	require.NoError(t, s.repo.Insert(pendingDeposit("D1")))

	rr := s.do(httptest.NewRequest(http.MethodGet, "/internal/deposits/D1", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/internal/deposits/D1", nil)
	req.Header.Set("X-Internal-API-Key", "nope")
	assert.Equal(t, http.StatusUnauthorized, s.do(req).Code)
}

func internalRequest(method, target string, body []byte) *http.Request {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.Header.Set("X-Internal-API-Key", testAPIKey)
	return req
}

func TestGetDeposit(t *testing.T) {
	s := newTestServer(t, app.PollSummary{}, app.SweepSummary{})
	require.NoError(t, s.repo.Insert(pendingDeposit("D1")))

	rr := s.do(internalRequest(http.MethodGet, "/internal/deposits/D1", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	assert.Equal(t, "D1", body["deposit_id"])
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "25.00", body["amount"])

	rr = s.do(internalRequest(http.MethodGet, "/internal/deposits/missing", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDispatchHandler(t *testing.T) {
	s := newTestServer(t, app.PollSummary{}, app.SweepSummary{})
	d := pendingDeposit("D1")
	d.Network = "onchain"
	require.NoError(t, s.repo.Insert(d))

	rr := s.do(internalRequest(http.MethodPost, "/internal/deposits/D1/dispatch", nil))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "dispatched", decodeBody(t, rr)["outcome"])
	require.Len(t, s.dispatcher.reqs, 1)
	assert.False(t, s.dispatcher.reqs[0].Interactive)
	assert.Equal(t, "555001", s.dispatcher.reqs[0].CustomerID)

	rr = s.do(internalRequest(http.MethodPost, "/internal/deposits/D1/dispatch", []byte(`{"interactive":true}`)))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, s.dispatcher.reqs[1].Interactive)

	rr = s.do(internalRequest(http.MethodPost, "/internal/deposits/missing/dispatch", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Len(t, s.dispatcher.reqs, 2)

	s.dispatcher.err = errors.New("connection refused")
	rr = s.do(internalRequest(http.MethodPost, "/internal/deposits/D1/dispatch", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)

	s.dispatcher.err = store.ErrStoreUnavailable
	rr = s.do(internalRequest(http.MethodPost, "/internal/deposits/D1/dispatch", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestReconcileHandlers(t *testing.T) {
	poll := app.PollSummary{Found: 2, Outcomes: map[app.Outcome]int{app.OutcomeDispatched: 2}}
	sweep := app.SweepSummary{Scanned: 3, Backfilled: 1, NoProof: 2}
	s := newTestServer(t, poll, sweep)

	rr := s.do(internalRequest(http.MethodPost, "/internal/reconcile/confirmations", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 2, decodeBody(t, rr)["found"])

	rr = s.do(internalRequest(http.MethodPost, "/internal/reconcile/proofs", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	assert.EqualValues(t, 3, body["scanned"])
	assert.EqualValues(t, 1, body["backfilled"])

	failing := newTestServer(t, app.PollSummary{QueryError: "db down"}, app.SweepSummary{QueryError: "db down"})
	assert.Equal(t, http.StatusServiceUnavailable, failing.do(internalRequest(http.MethodPost, "/internal/reconcile/confirmations", nil)).Code)
	assert.Equal(t, http.StatusServiceUnavailable, failing.do(internalRequest(http.MethodPost, "/internal/reconcile/proofs", nil)).Code)
}

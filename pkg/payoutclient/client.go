/**
 * @description
 * This package provides a client for the payout trigger exposed by the
 * Lightning/on-chain payout backend. One request per deposit; the deposit id
 * doubles as the idempotency key so a replayed request cannot pay twice on the
 * backend side either.
 */
package payoutclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrTransport marks failures where no payout response was received, so the
// backend may or may not have seen the request.
var ErrTransport = errors.New("payout transport error")

// Client is a client for the payout API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new payout API client.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// PayoutRequest is the payload for a payout trigger.
type PayoutRequest struct {
	DepositID        string  `json:"deposit_id"`
	CustomerID       string  `json:"customer_id"`
	AmountMinorUnits int64   `json:"amount_minor_units"`
	Network          string  `json:"network"`
	Destination      *string `json:"destination,omitempty"`
}

// PayoutResponse is the trigger result.
type PayoutResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Ref     string `json:"payout_ref,omitempty"`
}

// ErrorResponse is returned when the backend rejects the payout.
type ErrorResponse struct {
	StatusCode int
	Message    string
}

func (e *ErrorResponse) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("payout rejected (status %d)", e.StatusCode)
	}
	return fmt.Sprintf("payout rejected (status %d): %s", e.StatusCode, e.Message)
}

// Temporary reports whether the backend asked us to come back later.
func (e *ErrorResponse) Temporary() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// IsRetryable reports whether resending the same request is worthwhile. The
// Idempotency-Key header keeps a resend from paying twice.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrTransport) {
		return true
	}
	var rejected *ErrorResponse
	if errors.As(err, &rejected) {
		return rejected.Temporary()
	}
	return false
}

// TriggerPayout asks the payout backend to pay out a deposit.
func (c *Client) TriggerPayout(ctx context.Context, payload PayoutRequest) (*PayoutResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payout request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/v1/payouts", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create payout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Key", c.APIKey)
	req.Header.Set("Idempotency-Key", payload.DepositID)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute payout request: %w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read payout response: %w: %w", ErrTransport, err)
	}

	var result PayoutResponse
	decodeErr := json.Unmarshal(bodyBytes, &result)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ErrorResponse{StatusCode: resp.StatusCode, Message: result.Error}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to decode payout response: %w", decodeErr)
	}
	if !result.Success {
		return &result, &ErrorResponse{StatusCode: resp.StatusCode, Message: result.Error}
	}
	return &result, nil
}

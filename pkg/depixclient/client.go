/**
 * @description
 * This package provides a client for the Depix payment provider status API.
 * The reconciler only needs one call: look up a deposit by its provider id and
 * read back the status and the blockchain transaction id that proves the PIX
 * leg settled.
 *
 * @dependencies
 * - github.com/sony/gobreaker/v2: Circuit breaker around provider calls so a
 *   degraded provider does not stall every sweep for the full timeout.
 */
package depixclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
)

// Provider statuses that mean the fiat leg is settled.
const (
	StatusDepixSent = "depix_sent"
	StatusConfirmed = "confirmed"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("depix circuit breaker open")

// Client is a client for the Depix API.
type Client struct {
	BaseURL    string
	APIToken   string
	HTTPClient *http.Client

	breaker *gobreaker.CircuitBreaker[*DepositStatus]
	log     *logrus.Entry
}

// DepositStatus is the subset of the provider status response used here.
type DepositStatus struct {
	Status   string
	ProofRef string
}

// Settled reports whether the provider considers the payment complete.
func (s *DepositStatus) Settled() bool {
	switch strings.ToLower(s.Status) {
	case StatusDepixSent, StatusConfirmed:
		return true
	}
	return false
}

type statusResponse struct {
	Async    bool `json:"async"`
	Response struct {
		Status         string `json:"status"`
		BlockchainTxID string `json:"blockchainTxID"`
		ErrorMessage   string `json:"errorMessage,omitempty"`
	} `json:"response"`
}

// ErrorResponse is returned for non-2xx provider responses.
type ErrorResponse struct {
	StatusCode int
	Message    string
}

func (e *ErrorResponse) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("depix api error (status %d)", e.StatusCode)
	}
	return fmt.Sprintf("depix api error (status %d): %s", e.StatusCode, e.Message)
}

// Temporary reports whether retrying later may succeed.
func (e *ErrorResponse) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// NewClient creates a new Depix API client with the given per-request timeout.
func NewClient(baseURL, apiToken string, timeout time.Duration, log *logrus.Entry) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		APIToken: apiToken,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
	c.breaker = gobreaker.NewCircuitBreaker[*DepositStatus](gobreaker.Settings{
		Name:        "depix-status",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Client-side errors say nothing about provider health.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var apiErr *ErrorResponse
			if errors.As(err, &apiErr) {
				return !apiErr.Temporary()
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("circuit breaker state changed")
		},
	})
	return c
}

// GetDepositStatus fetches the provider status for a deposit.
func (c *Client) GetDepositStatus(ctx context.Context, depositID string) (*DepositStatus, error) {
	res, err := c.breaker.Execute(func() (*DepositStatus, error) {
		return c.getDepositStatus(ctx, depositID)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	return res, err
}

func (c *Client) getDepositStatus(ctx context.Context, depositID string) (*DepositStatus, error) {
	endpoint := c.BaseURL + "/api/deposit-status?id=" + url.QueryEscape(depositID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create deposit status request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIToken)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute deposit status request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read deposit status response: %w", err)
	}

	var parsed statusResponse
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &ErrorResponse{StatusCode: resp.StatusCode}
		if json.Unmarshal(bodyBytes, &parsed) == nil {
			apiErr.Message = parsed.Response.ErrorMessage
		}
		c.log.WithFields(logrus.Fields{"op": "deposit_status", "status": resp.StatusCode, "deposit_id": depositID}).Warn("non-2xx response")
		return nil, apiErr
	}

	if err := json.Unmarshal(bodyBytes, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode deposit status response: %w", err)
	}

	return &DepositStatus{
		Status:   strings.TrimSpace(parsed.Response.Status),
		ProofRef: strings.TrimSpace(parsed.Response.BlockchainTxID),
	}, nil
}

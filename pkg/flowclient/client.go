/**
 * @description
 * Client for the internal Flow gateway: the service that actually signs and
 * broadcasts Cadence transactions against the chain. The core treats its
 * results as opaque outcomes (confirmed, transient failure, or permanent
 * failure) and never inspects ledger internals.
 *
 * @notes
 * - Network errors, 5xx responses, and congestion-class rejections map to
 *   OutcomeTransient; definitional rejections (invalid recipient, malformed
 *   transaction) map to OutcomePermanent.
 * - Vault credits carry a dedup key (the action id) so the gateway can drop
 *   duplicate compensation requests.
 */

package flowclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Outcome classifies a transfer submission result.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeTransient Outcome = "transient_failure"
	OutcomePermanent Outcome = "permanent_failure"
)

// TransferResult is the gateway's verdict on one submission.
type TransferResult struct {
	Outcome Outcome `json:"outcome"`
	TxID    string  `json:"tx_id,omitempty"`
	Reason  string  `json:"reason,omitempty"`
}

// Client is a client for the Flow gateway service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new Flow gateway client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type submitTransferPayload struct {
	UserAddress      string `json:"user_address"`
	RecipientAddress string `json:"recipient_address"`
	Amount           int64  `json:"amount"` // in 1e-8 FLOW
	ActionID         string `json:"action_id"`
}

type gatewayTransferResponse struct {
	Status string `json:"status"`
	TxID   string `json:"tx_id"`
	Reason string `json:"reason"`
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	return req, nil
}

// SubmitTransfer asks the gateway to withdraw from the user's vault via the
// delegated capability and deposit to the recipient. The returned result is
// one of confirmed, transient failure, or permanent failure; a transport-level
// error is reported as a transient result so callers have a single outcome
// channel to reason about.
func (c *Client) SubmitTransfer(ctx context.Context, userAddress, recipientAddress string, amount int64, actionID string) (*TransferResult, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("flow gateway base URL is not configured")
	}

	body, err := json.Marshal(submitTransferPayload{
		UserAddress:      userAddress,
		RecipientAddress: recipientAddress,
		Amount:           amount,
		ActionID:         actionID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transfer payload: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/v1/transfers", body)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &TransferResult{Outcome: OutcomeTransient, Reason: err.Error()}, nil
	}
	defer resp.Body.Close()

	var decoded gatewayTransferResponse
	if decodeErr := json.NewDecoder(resp.Body).Decode(&decoded); decodeErr != nil {
		decoded = gatewayTransferResponse{}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		switch strings.ToLower(strings.TrimSpace(decoded.Status)) {
		case "sealed", "confirmed", "success":
			return &TransferResult{Outcome: OutcomeConfirmed, TxID: decoded.TxID}, nil
		case "rejected":
			return &TransferResult{Outcome: OutcomePermanent, TxID: decoded.TxID, Reason: decoded.Reason}, nil
		default:
			// Accepted but not sealed within the gateway's window.
			return &TransferResult{Outcome: OutcomeTransient, TxID: decoded.TxID, Reason: decoded.Reason}, nil
		}
	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest:
		return &TransferResult{Outcome: OutcomePermanent, Reason: nonEmpty(decoded.Reason, fmt.Sprintf("gateway rejected submission (%d)", resp.StatusCode))}, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &TransferResult{Outcome: OutcomeTransient, Reason: "gateway congestion"}, nil
	default:
		return &TransferResult{Outcome: OutcomeTransient, Reason: nonEmpty(decoded.Reason, fmt.Sprintf("gateway error status %d", resp.StatusCode))}, nil
	}
}

type capabilityResponse struct {
	Valid bool `json:"valid"`
}

// CheckCapability reports whether the user's published withdraw capability
// still checks out on chain.
func (c *Client) CheckCapability(ctx context.Context, userAddress string) (bool, error) {
	if c.baseURL == "" {
		return false, fmt.Errorf("flow gateway base URL is not configured")
	}

	req, err := c.newRequest(ctx, http.MethodGet, "/v1/capabilities/"+userAddress, nil)
	if err != nil {
		return false, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to execute capability check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode >= 400 {
		return false, fmt.Errorf("flow gateway returned error status %d", resp.StatusCode)
	}

	var decoded capabilityResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return false, fmt.Errorf("failed to decode capability response: %w", err)
	}
	return decoded.Valid, nil
}

type vaultCreditPayload struct {
	UserAddress string `json:"user_address"`
	Amount      int64  `json:"amount"` // in 1e-8 FLOW
	DedupKey    string `json:"dedup_key"`
}

type vaultCreditResponse struct {
	TxID string `json:"tx_id"`
}

// CreditFromVault pays a fixed compensation from the shared vault. The dedup
// key (the action id) lets the gateway drop duplicates, so the credit stays
// at-most-once even if this call is retried.
func (c *Client) CreditFromVault(ctx context.Context, userAddress string, amount int64, dedupKey string) (string, error) {
	if c.baseURL == "" {
		return "", fmt.Errorf("flow gateway base URL is not configured")
	}

	body, err := json.Marshal(vaultCreditPayload{
		UserAddress: userAddress,
		Amount:      amount,
		DedupKey:    dedupKey,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal vault credit payload: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/v1/vault/credits", body)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute vault credit: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("flow gateway returned error status %d for vault credit", resp.StatusCode)
	}

	var decoded vaultCreditResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("failed to decode vault credit response: %w", err)
	}
	return decoded.TxID, nil
}

type vaultBalanceResponse struct {
	Balance int64 `json:"balance"` // in 1e-8 FLOW
}

// VaultBalance returns the compensation vault's current balance.
func (c *Client) VaultBalance(ctx context.Context) (int64, error) {
	if c.baseURL == "" {
		return 0, fmt.Errorf("flow gateway base URL is not configured")
	}

	req, err := c.newRequest(ctx, http.MethodGet, "/v1/vault/balance", nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to execute vault balance query: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("flow gateway returned error status %d for vault balance", resp.StatusCode)
	}

	var decoded vaultBalanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return 0, fmt.Errorf("failed to decode vault balance response: %w", err)
	}
	return decoded.Balance, nil
}

func nonEmpty(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

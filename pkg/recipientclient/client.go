/**
 * @description
 * Client for the recipient-list service. Recipient-list CRUD lives outside
 * this backend; scheduled transfers that reference a saved list resolve its
 * members through this client at creation time.
 */

package recipientclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Flow-Sure/flowsure-backend/internal/domain"
)

var ErrListNotFound = errors.New("recipient list not found")

// Client is a client for the recipient-list service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new recipient-list service client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type listResponse struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Recipients []domain.Recipient `json:"recipients"`
}

// GetListRecipients resolves a saved recipient list owned by the given user.
func (c *Client) GetListRecipients(ctx context.Context, listID, ownerAddress string) ([]domain.Recipient, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("recipient-list service base URL is not configured")
	}

	endpoint := fmt.Sprintf("%s/lists/%s?owner=%s", c.baseURL, url.PathEscape(listID), url.QueryEscape(ownerAddress))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request to recipient-list service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrListNotFound
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("recipient-list service returned error status %d", resp.StatusCode)
	}

	var decoded listResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode recipient list: %w", err)
	}
	return decoded.Recipients, nil
}

package entitlement

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"shoplist/internal/types"
)

// APIClient is a Fetcher backed by the entitlement read API. It decodes
// the standard response envelope used by all API endpoints.
type APIClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewAPIClient creates an APIClient for the given API base URL and bearer
// token. Pass nil to use a default HTTP client with a 10 second timeout.
func NewAPIClient(baseURL, token string, httpClient *http.Client) *APIClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &APIClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: httpClient,
	}
}

// Fetch retrieves the caller's entitlement record from
// GET /v1/billing/entitlement.
func (c *APIClient) Fetch(ctx context.Context) (*types.EntitlementRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/billing/entitlement", nil)
	if err != nil {
		return nil, fmt.Errorf("building entitlement request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching entitlement: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&errResp); decodeErr == nil && errResp.Error.Code != "" {
			return nil, fmt.Errorf("entitlement API returned %d: %s (%s)",
				resp.StatusCode, errResp.Error.Message, errResp.Error.Code)
		}
		return nil, fmt.Errorf("entitlement API returned %d", resp.StatusCode)
	}

	var envelope struct {
		Data types.EntitlementRecord `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decoding entitlement response: %w", err)
	}
	return &envelope.Data, nil
}

var _ Fetcher = (*APIClient)(nil)

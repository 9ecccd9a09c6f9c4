// Package apiclient is an HTTP client for the lendbridge operator API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the lendbridge API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // Operator key; sent as a bearer token when set
}

// Client is a pure HTTP client for the lendbridge API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx answer from the API. Code is empty when the body
// was not the usual {"error","message"} object.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error (%d %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var body apiError
		if json.Unmarshal(respBody, &body) == nil && body.Message != "" {
			return nil, &APIError{StatusCode: resp.StatusCode, Code: body.Error, Message: body.Message}
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	return json.RawMessage(respBody), nil
}

func escrowPath(id string, suffix string) string {
	return "/v1/escrow/" + url.PathEscape(id) + suffix
}

// GetEscrow returns one escrow. withChain also reads the ledger.
func (c *Client) GetEscrow(ctx context.Context, id string, withChain bool) (json.RawMessage, error) {
	var q url.Values
	if withChain {
		q = url.Values{"chain": {"true"}}
	}
	return c.doRequest(ctx, http.MethodGet, escrowPath(id, ""), q, nil)
}

// ListEscrows lists one page of escrows in one status, newest first. Pass
// the previous response's nextCursor to continue.
func (c *Client) ListEscrows(ctx context.Context, status, cursor string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/escrow", q, nil)
}

// ListEscrowEvents returns an escrow's audit log.
func (c *Client) ListEscrowEvents(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, escrowPath(id, "/events"), nil, nil)
}

// ReleaseEscrow pays out a PENDING escrow to the borrower.
func (c *Client) ReleaseEscrow(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, escrowPath(id, "/release"), nil, nil)
}

// RefundEscrow returns a PENDING escrow's funds to the lender.
func (c *Client) RefundEscrow(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, escrowPath(id, "/refund"), nil, nil)
}

// DisputeEscrow raises a dispute on behalf of a party.
func (c *Client) DisputeEscrow(ctx context.Context, id, raisedBy, reason string) (json.RawMessage, error) {
	body := map[string]string{
		"raisedBy": raisedBy,
		"reason":   reason,
	}
	return c.doRequest(ctx, http.MethodPost, escrowPath(id, "/dispute"), nil, body)
}

// ResolveEscrow applies an arbitrator's ruling.
func (c *Client) ResolveEscrow(ctx context.Context, id, arbitrator, outcome string) (json.RawMessage, error) {
	body := map[string]string{
		"arbitratorAddress": arbitrator,
		"outcome":           outcome,
	}
	return c.doRequest(ctx, http.MethodPost, escrowPath(id, "/resolve"), nil, body)
}

// GetLoan returns a loan and its payments.
func (c *Client) GetLoan(ctx context.Context, proposalID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/loans/"+url.PathEscape(proposalID), nil, nil)
}

// GetWebhookEvent returns a stored delivery and its raw payload.
func (c *Client) GetWebhookEvent(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/webhooks/events/"+url.PathEscape(id), nil, nil)
}

// Reconcile runs one reconciliation pass on the server and returns its
// report.
func (c *Client) Reconcile(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/admin/reconcile", nil, nil)
}

// RecoverWebhooks re-handles deliveries left PENDING for longer than
// olderThan.
func (c *Client) RecoverWebhooks(ctx context.Context, olderThan time.Duration, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if olderThan > 0 {
		q.Set("olderThan", olderThan.String())
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/admin/webhooks/recover", q, nil)
}

// Package client is the Go SDK for echoat.
//
// # Quick start
//
//	c := client.New("http://localhost:3000")
//
//	// Deliver in one hour
//	id, err := c.Enqueue(ctx, "hello", time.Hour)
//
//	// Deliver at an absolute time
//	id, err := c.EnqueueAt(ctx, "hello", time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC))
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. IsInvalid reports whether the server rejected the request
// itself, e.g. because the delivery time is not in the future.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client internally
// so connections are reused across goroutines.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the echoat server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("echoat: server returned %d: %s", e.StatusCode, e.Message)
}

// IsInvalid reports whether the error is a 400 from the server.
func IsInvalid(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusBadRequest
}

// IsUnauthorized reports whether the server rejected the API key.
func IsUnauthorized(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusUnauthorized
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has auth.enabled = true.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
// The default is 30 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the echoat API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a new Client that connects to the echoat server at baseURL.
//
//	c := client.New("http://localhost:3000")
//	c := client.New("https://echoat.example.com", client.WithAPIKey("secret"))
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Types ────────────────────────────────────────────────────────────────────

// Receipt is returned for an accepted message.
type Receipt struct {
	ID        string
	DeliverAt time.Time
}

// HealthInfo is the decoded /health response.
type HealthInfo struct {
	Status  string
	NodeID  string
	Uptime  time.Duration
	Version string
}

// Stats is the decoded /api/stats response.
type Stats struct {
	// Pending is the number of messages waiting for their delivery time.
	Pending int64 `json:"pending"`
	// Queued is the number of due messages waiting for a worker.
	Queued int64 `json:"queued"`
}

// ─── Enqueue ──────────────────────────────────────────────────────────────────

// Enqueue schedules payload for delivery after delay.
func (c *Client) Enqueue(ctx context.Context, payload string, delay time.Duration) (*Receipt, error) {
	return c.EnqueueAt(ctx, payload, time.Now().Add(delay))
}

// EnqueueAt schedules payload for delivery at the given time, which the server
// requires to be in the future.
func (c *Client) EnqueueAt(ctx context.Context, payload string, at time.Time) (*Receipt, error) {
	var resp struct {
		ID        string `json:"id"`
		DeliverAt int64  `json:"deliver_at"`
	}
	body := enqueuePayload{Payload: payload, DeliverAt: at.UnixMilli()}
	if err := c.do(ctx, http.MethodPost, "/messages", body, &resp); err != nil {
		return nil, err
	}
	return &Receipt{ID: resp.ID, DeliverAt: time.UnixMilli(resp.DeliverAt).UTC()}, nil
}

// ─── Observability ────────────────────────────────────────────────────────────

// Health checks the server's /health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var resp struct {
		Status   string `json:"status"`
		NodeID   string `json:"node_id"`
		UptimeMs int64  `json:"uptime_ms"`
		Version  string `json:"version"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &HealthInfo{
		Status:  resp.Status,
		NodeID:  resp.NodeID,
		Uptime:  time.Duration(resp.UptimeMs) * time.Millisecond,
		Version: resp.Version,
	}, nil
}

// Stats returns the number of pending and queued messages.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	if err := c.do(ctx, http.MethodGet, "/api/stats", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a single HTTP request.
// body is encoded as JSON when non-nil, resp is decoded from JSON when non-nil.
// A 204 No Content response is treated as success with no body.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("echoat: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("echoat: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("echoat: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("echoat: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("echoat: decode response: %w", err)
		}
	}
	return nil
}

// ─── Internal wire types ──────────────────────────────────────────────────────

type enqueuePayload struct {
	Payload   string `json:"payload"`
	DeliverAt int64  `json:"deliver_at"`
}

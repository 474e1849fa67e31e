package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/venturelink/sync-be/internal/faults"
)

const (
	defaultTimeout        = 30 * time.Second
	defaultRequestsPerSec = 5
)

// Client talks to the CRM HTTP API. All requests pass through a shared rate
// limiter so concurrent jobs stay inside the provider's quota.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Option configures a Client
type Option func(*Client)

// WithBaseURL overrides the API base URL
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithHTTPClient overrides the underlying HTTP client
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithRateLimit sets the client-side request rate cap
func WithRateLimit(requestsPerSec int) Option {
	return func(c *Client) {
		if requestsPerSec > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(requestsPerSec), 1)
		}
	}
}

// WithTimeout sets the per-request timeout
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient creates a CRM API client
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(defaultRequestsPerSec), 1),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// ListRecords fetches one page of records for a scope. Pass an empty
// pageToken for the first page; a page with an empty NextPageToken is the
// last one.
func (c *Client) ListRecords(ctx context.Context, scope, pageToken string) (*Page, error) {
	params := url.Values{}
	params.Set("scope", scope)
	if pageToken != "" {
		params.Set("page_token", pageToken)
	}

	body, err := c.do(ctx, http.MethodGet, "/v1/records?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var page Page
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, faults.Validation(fmt.Errorf("failed to decode records page: %w", err))
	}

	return &page, nil
}

// GetRecord fetches a single record by its CRM identifier
func (c *Client) GetRecord(ctx context.Context, scope, recordID string) (*Record, error) {
	params := url.Values{}
	params.Set("scope", scope)

	body, err := c.do(ctx, http.MethodGet, "/v1/records/"+url.PathEscape(recordID)+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, faults.Validation(fmt.Errorf("failed to decode record: %w", err))
	}

	return &rec, nil
}

// CreateRecord creates a record in the CRM and returns it with the
// provider-assigned identifier
func (c *Client) CreateRecord(ctx context.Context, scope string, rec *Record) (*Record, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, faults.Validation(fmt.Errorf("failed to encode record: %w", err))
	}

	params := url.Values{}
	params.Set("scope", scope)

	body, err := c.do(ctx, http.MethodPost, "/v1/records?"+params.Encode(), payload)
	if err != nil {
		return nil, err
	}

	var created Record
	if err := json.Unmarshal(body, &created); err != nil {
		return nil, faults.Validation(fmt.Errorf("failed to decode created record: %w", err))
	}

	return &created, nil
}

// UpdateRecord overwrites a record in the CRM
func (c *Client) UpdateRecord(ctx context.Context, scope string, rec *Record) (*Record, error) {
	if rec.ID == "" {
		return nil, faults.Validation(fmt.Errorf("record id is required for update"))
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, faults.Validation(fmt.Errorf("failed to encode record: %w", err))
	}

	params := url.Values{}
	params.Set("scope", scope)

	body, err := c.do(ctx, http.MethodPut, "/v1/records/"+url.PathEscape(rec.ID)+"?"+params.Encode(), payload)
	if err != nil {
		return nil, err
	}

	var updated Record
	if err := json.Unmarshal(body, &updated); err != nil {
		return nil, faults.Validation(fmt.Errorf("failed to decode updated record: %w", err))
	}

	return &updated, nil
}

// do executes one rate-limited request and classifies non-2xx responses
func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, faults.Network(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, faults.Network(fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	return nil, classifyStatus(resp.StatusCode, body)
}

func classifyStatus(status int, body []byte) error {
	err := fmt.Errorf("crm api returned status %d: %s", status, truncate(body, 200))

	switch {
	case status == http.StatusTooManyRequests:
		return faults.RateLimit(err)
	case status == http.StatusConflict:
		return faults.Conflict(err)
	case status >= 400 && status < 500:
		return faults.Validation(err)
	default:
		return faults.Network(err)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

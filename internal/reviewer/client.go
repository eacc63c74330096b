// Package reviewer is a client for the specialized code-review service that acts as
// the primary review backend.
package reviewer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds a single review request.
const DefaultTimeout = 2 * time.Minute

// StatusError is returned when the service answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("reviewer returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("reviewer returned HTTP %d: %s", e.StatusCode, e.Body)
}

// Review is a completed review from the service.
type Review struct {
	Body         string  `json:"review"`
	Model        string  `json:"model,omitempty"`
	InputTokens  int64   `json:"input_tokens,omitempty"`
	OutputTokens int64   `json:"output_tokens,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
}

type reviewRequest struct {
	Diff string `json:"diff"`
}

// Client calls the review service for one configured agent.
type Client struct {
	baseURL    string
	apiKey     string
	agentID    string
	httpClient *http.Client
}

// NewClient creates a review service client. A zero timeout uses DefaultTimeout.
func NewClient(baseURL, apiKey, agentID string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		agentID:    agentID,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name identifies the backend in usage records and metrics.
func (c *Client) Name() string { return "reviewer" }

// Review submits a diff and returns the service's review.
func (c *Client) Review(ctx context.Context, diffText string) (*Review, error) {
	payload, err := json.Marshal(reviewRequest{Diff: diffText})
	if err != nil {
		return nil, fmt.Errorf("encode review request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/agents/%s/reviews", c.baseURL, url.PathEscape(c.agentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build review request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("review request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read review response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(truncate(string(body), 200))}
	}

	var review Review
	if err := json.Unmarshal(body, &review); err != nil {
		return nil, fmt.Errorf("decode review response: %w", err)
	}
	if strings.TrimSpace(review.Body) == "" {
		return nil, fmt.Errorf("review response has no review text")
	}
	return &review, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

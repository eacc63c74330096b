package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Config holds connection settings for the Anthropic API.
type Config struct {
	APIKey     string
	Model      string
	MaxRetries int
	BaseURL    string
	Timeout    time.Duration
}

// Completion is the text and usage returned for a single request.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Client wraps the Anthropic Messages API.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client. Retries are handled by the SDK itself and are
// bounded by cfg.MaxRetries.
func NewClient(cfg Config) *Client {
	opts := []option.RequestOption{option.WithMaxRetries(cfg.MaxRetries)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(cfg.Model),
	}
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return string(c.model)
}

// Complete sends one system+user prompt pair and returns the first text block.
func (c *Client) Complete(ctx context.Context, system, user string, maxTokens int64) (*Completion, error) {
	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call: %w", err)
	}

	// Extract text from response
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return nil, ErrEmptyResponse
	}

	return &Completion{
		Text:         StripFence(text),
		Model:        string(msg.Model),
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}, nil
}

// ErrEmptyResponse is returned when the API answers without any text content.
var ErrEmptyResponse = errors.New("no text content in API response")

// StatusCode returns the HTTP status of an API error, or 0 if err did not come from
// an HTTP response.
func StatusCode(err error) int {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsRateLimit reports whether err is a throttling or overload response.
func IsRateLimit(err error) bool {
	switch StatusCode(err) {
	case 429, 529:
		return true
	}
	return false
}

// StripFence removes a surrounding markdown code fence if present.
func StripFence(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		} else {
			text = ""
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}

// price is USD per million tokens.
type price struct {
	input, output float64
}

var prices = map[string]price{
	"haiku":  {input: 1, output: 5},
	"sonnet": {input: 3, output: 15},
	"opus":   {input: 15, output: 75},
}

// EstimateCost returns an approximate USD cost for a completion based on the model family.
func EstimateCost(model string, inputTokens, outputTokens int64) float64 {
	lower := strings.ToLower(model)
	for family, p := range prices {
		if strings.Contains(lower, family) {
			return (float64(inputTokens)*p.input + float64(outputTokens)*p.output) / 1e6
		}
	}
	return 0
}

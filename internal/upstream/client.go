// Package upstream talks to the OpenAI-compatible chat completions endpoint
// of the completion provider and exposes its streamed reply as content deltas.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/chat-relay/internal/domain"
)

const (
	DefaultBaseURL = "https://openrouter.ai/api/v1"
	DefaultModel   = "openai/gpt-4o-mini"

	// maxErrorBody bounds how much of a failed response is kept for diagnostics.
	maxErrorBody = 64 * 1024
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimSuffix(baseURL, "/")
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithModel sets the model requested for every completion.
func WithModel(model string) ClientOption {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// WithReferer sets the HTTP-Referer header some providers use for attribution.
func WithReferer(referer string) ClientOption {
	return func(c *Client) {
		c.referer = referer
	}
}

// Client opens streaming completion sessions.
type Client struct {
	baseURL    string
	model      string
	referer    string
	httpClient *http.Client
}

// NewClient creates a new upstream client. The default transport is
// instrumented with OpenTelemetry.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		model:   DefaultModel,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model returns the model requested upstream.
func (c *Client) Model() string {
	return c.model
}

// ChatCompletionRequest is the body sent to the provider.
type ChatCompletionRequest struct {
	Model    string           `json:"model"`
	Messages []domain.Message `json:"messages"`
	Stream   bool             `json:"stream"`
}

// Open issues one streaming completion request for messages, authenticated
// with apiKey. It fails with an ErrorKindUpstreamUnavailable error if the
// provider cannot be reached or answers with a non-success status; the
// status and body are kept on the error verbatim.
func (c *Client) Open(ctx context.Context, apiKey string, messages []domain.Message) (*Session, error) {
	body, err := json.Marshal(&ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq, apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, domain.ErrUpstreamUnavailable(0, "", fmt.Errorf("request failed: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, domain.ErrUpstreamUnavailable(resp.StatusCode, string(respBody),
			fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody)))
	}

	return newSession(resp.Body), nil
}

func (c *Client) setHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("User-Agent", "chat-relay/1.0")
	if c.referer != "" {
		req.Header.Set("HTTP-Referer", c.referer)
	}
}

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/chat-relay/internal/domain"
)

const (
	conversationIDHeader = "X-Conversation-ID"
	maxErrorBody         = 64 << 10
)

// TransportOption configures an HTTPTransport.
type TransportOption func(*HTTPTransport)

// WithHTTPClient sets the HTTP client. Streaming responses have no overall
// deadline, so the client should not set Timeout.
func WithHTTPClient(c *http.Client) TransportOption {
	return func(t *HTTPTransport) {
		if c != nil {
			t.httpClient = c
		}
	}
}

// HTTPTransport talks to a relay over HTTP. It implements Sender and
// TurnLoader.
type HTTPTransport struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var (
	_ Sender     = (*HTTPTransport)(nil)
	_ TurnLoader = (*HTTPTransport)(nil)
)

func NewHTTPTransport(baseURL, apiKey string, opts ...TransportOption) *HTTPTransport {
	t := &HTTPTransport{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Send posts the message to /v1/chat. A non-success answer becomes an
// *Error carrying the relay's status and error text.
func (t *HTTPTransport) Send(ctx context.Context, req domain.ChatRequest) (*Stream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/v1/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	t.authorize(httpReq)

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, &Error{Op: OpSend, Message: "request failed", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, responseError(OpSend, resp)
	}

	return &Stream{
		ConversationID: resp.Header.Get(conversationIDHeader),
		Body:           resp.Body,
	}, nil
}

type turnsResponse struct {
	Turns []domain.Turn `json:"turns"`
}

// LoadTurns fetches /v1/conversations/{id}/turns.
func (t *HTTPTransport) LoadTurns(ctx context.Context, conversationID string) ([]domain.Turn, error) {
	var out turnsResponse
	if err := t.getJSON(ctx, OpReload, "/v1/conversations/"+url.PathEscape(conversationID)+"/turns", &out); err != nil {
		return nil, err
	}
	return out.Turns, nil
}

type conversationsResponse struct {
	Conversations []*domain.Conversation `json:"conversations"`
}

// ListConversations fetches the caller's conversations, most recent first.
func (t *HTTPTransport) ListConversations(ctx context.Context) ([]*domain.Conversation, error) {
	var out conversationsResponse
	if err := t.getJSON(ctx, OpReload, "/v1/conversations", &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

func (t *HTTPTransport) getJSON(ctx context.Context, op Op, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	t.authorize(req)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return &Error{Op: op, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return responseError(op, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return &Error{Op: op, Message: "invalid response", Err: err}
	}
	return nil
}

func (t *HTTPTransport) authorize(req *http.Request) {
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}
}

func responseError(op Op, resp *http.Response) *Error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	e := &Error{Op: op, StatusCode: resp.StatusCode}

	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		e.Message = body.Error
	} else if msg := strings.TrimSpace(string(raw)); msg != "" {
		e.Message = msg
	} else {
		e.Message = http.StatusText(resp.StatusCode)
	}
	return e
}

package upstream

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/tjfontaine/chat-relay/internal/domain"
	"github.com/tjfontaine/chat-relay/internal/sse"
)

// ChatCompletionChunk is the subset of a streamed chunk the relay reads.
type ChatCompletionChunk struct {
	Choices []struct {
		Delta struct {
			Role    string  `json:"role,omitempty"`
			Content *string `json:"content,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// Session is one in-flight streamed completion. It is not safe for
// concurrent use.
type Session struct {
	body    io.ReadCloser
	decoder *sse.Decoder

	// Skipped counts events whose payload was not valid JSON.
	Skipped int

	done bool
}

func newSession(body io.ReadCloser, opts ...sse.DecoderOption) *Session {
	return &Session{
		body:    body,
		decoder: sse.NewDecoder(body, opts...),
	}
}

// Next returns the next non-empty content fragment. It returns io.EOF when
// the provider sends [DONE] or the body ends. Any other read failure is
// returned as an ErrorKindUpstreamStreamError error.
func (s *Session) Next() (string, error) {
	if s.done {
		return "", io.EOF
	}

	for {
		ev, err := s.decoder.Next()
		if errors.Is(err, io.EOF) {
			s.done = true
			return "", io.EOF
		}
		if err != nil {
			s.done = true
			return "", domain.NewError(domain.ErrorKindUpstreamStreamError, "upstream stream interrupted", err)
		}
		if ev.Done {
			s.done = true
			return "", io.EOF
		}

		var chunk ChatCompletionChunk
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			// Skip invalid JSON
			s.Skipped++
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		content := chunk.Choices[0].Delta.Content
		if content == nil || *content == "" {
			continue
		}
		return *content, nil
	}
}

// Close releases the response body. It is safe to call more than once.
func (s *Session) Close() error {
	s.done = true
	return s.body.Close()
}

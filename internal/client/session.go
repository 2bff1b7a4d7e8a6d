// Package client consumes the relay's chat stream. A Session tracks one
// conversation from the user's side: it shows the submitted message
// optimistically, accumulates streamed text, and settles on the turns the
// relay persisted.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/tjfontaine/chat-relay/internal/domain"
	"github.com/tjfontaine/chat-relay/internal/sse"
)

// Stream is an accepted chat request.
type Stream struct {
	ConversationID string
	Body           io.ReadCloser
}

// Sender submits a message and returns the open event stream.
type Sender interface {
	Send(ctx context.Context, req domain.ChatRequest) (*Stream, error)
}

// TurnLoader fetches the persisted turns of a conversation.
type TurnLoader interface {
	LoadTurns(ctx context.Context, conversationID string) ([]domain.Turn, error)
}

// Observer receives Session changes. Callbacks run on the goroutine calling
// Submit, without the Session's lock held; nil callbacks are skipped.
type Observer struct {
	OnState   func(State)
	OnContent func(content string)
	OnTurns   func(turns []domain.Turn)
	OnError   func(err *Error)
}

// Option configures a Session.
type Option func(*Session)

// WithObserver sets the Session's observer.
func WithObserver(o Observer) Option {
	return func(s *Session) {
		s.observer = o
	}
}

// WithConversation resumes an existing conversation.
func WithConversation(id string) Option {
	return func(s *Session) {
		s.conversationID = id
	}
}

// Session drives one conversation through submit, stream and settle.
type Session struct {
	sender   Sender
	loader   TurnLoader
	observer Observer

	mu             sync.Mutex
	state          State
	conversationID string
	turns          []domain.Turn
	content        strings.Builder
}

func NewSession(sender Sender, loader TurnLoader, opts ...Option) *Session {
	s := &Session{sender: sender, loader: loader}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Turns returns the turns currently displayed, including an optimistic
// user turn while an exchange is in flight.
func (s *Session) Turns() []domain.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Turn(nil), s.turns...)
}

// Content is the text streamed so far in the current exchange.
func (s *Session) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content.String()
}

// Reload replaces the displayed turns with the persisted ones.
func (s *Session) Reload(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrBusy
	}
	id := s.conversationID
	s.mu.Unlock()
	if id == "" {
		return nil
	}

	turns, err := s.loader.LoadTurns(ctx, id)
	if err != nil {
		cerr := asClientError(OpReload, err)
		s.emitError(cerr)
		return cerr
	}
	s.mu.Lock()
	s.turns = turns
	s.mu.Unlock()
	s.emitTurns()
	return nil
}

// Submit sends message and blocks until the exchange settles or fails.
// Cancelling ctx abandons the stream and releases its body. On failure the
// optimistic user turn is withdrawn and an *Error is returned; nothing is
// retried.
func (s *Session) Submit(ctx context.Context, message string) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrBusy
	}
	pending := domain.Turn{
		ID:             "pending-" + uuid.NewString(),
		ConversationID: s.conversationID,
		Role:           domain.RoleUser,
		Content:        message,
	}
	s.turns = append(s.turns, pending)
	s.content.Reset()
	s.state = StateSending
	req := domain.ChatRequest{Message: message}
	if s.conversationID != "" {
		id := s.conversationID
		req.ConversationID = &id
	}
	s.mu.Unlock()
	s.emitState(StateSending)
	s.emitTurns()

	stream, err := s.sender.Send(ctx, req)
	if err != nil {
		return s.fail(OpSend, pending.ID, err)
	}

	s.mu.Lock()
	if stream.ConversationID != "" {
		s.conversationID = stream.ConversationID
	}
	s.mu.Unlock()

	if err := s.consume(ctx, stream.Body); err != nil {
		return s.fail(OpStream, pending.ID, err)
	}
	return s.settle(ctx)
}

// consume reads frames until the done sentinel or end of stream.
func (s *Session) consume(ctx context.Context, body io.ReadCloser) error {
	defer body.Close()
	stop := context.AfterFunc(ctx, func() { body.Close() })
	defer stop()

	dec := sse.NewDecoder(body)
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
		if ev.Done {
			return nil
		}

		var delta domain.Delta
		if err := json.Unmarshal([]byte(ev.Data), &delta); err != nil {
			continue
		}

		s.mu.Lock()
		first := s.state == StateSending
		if first {
			s.state = StateStreaming
		}
		s.content.WriteString(delta.Content)
		content := s.content.String()
		s.mu.Unlock()

		if first {
			s.emitState(StateStreaming)
		}
		if s.observer.OnContent != nil {
			s.observer.OnContent(content)
		}
	}
}

// settle reloads the authoritative turns. If the reload fails, or the relay
// never named the conversation so there is nothing to reload, the streamed
// text is kept as an unconfirmed assistant turn so the reply is not lost.
func (s *Session) settle(ctx context.Context) error {
	s.mu.Lock()
	s.state = StateSettling
	id := s.conversationID
	s.mu.Unlock()
	s.emitState(StateSettling)

	var turns []domain.Turn
	var err error
	if id != "" {
		turns, err = s.loader.LoadTurns(ctx, id)
	}

	s.mu.Lock()
	if id != "" && err == nil {
		s.turns = turns
	} else if s.content.Len() > 0 {
		s.turns = append(s.turns, domain.Turn{
			ID:             "pending-" + uuid.NewString(),
			ConversationID: id,
			Role:           domain.RoleAssistant,
			Content:        s.content.String(),
		})
	}
	s.content.Reset()
	s.state = StateIdle
	s.mu.Unlock()

	s.emitTurns()
	s.emitState(StateIdle)
	if err != nil {
		cerr := asClientError(OpReload, err)
		s.emitError(cerr)
		return cerr
	}
	return nil
}

func (s *Session) fail(op Op, pendingID string, err error) error {
	s.mu.Lock()
	for i, t := range s.turns {
		if t.ID == pendingID {
			s.turns = append(s.turns[:i:i], s.turns[i+1:]...)
			break
		}
	}
	s.content.Reset()
	s.state = StateIdle
	s.mu.Unlock()

	cerr := asClientError(op, err)
	s.emitTurns()
	s.emitState(StateIdle)
	s.emitError(cerr)
	return cerr
}

func (s *Session) emitState(st State) {
	if s.observer.OnState != nil {
		s.observer.OnState(st)
	}
}

func (s *Session) emitTurns() {
	if s.observer.OnTurns != nil {
		s.observer.OnTurns(s.Turns())
	}
}

func (s *Session) emitError(err *Error) {
	if s.observer.OnError != nil {
		s.observer.OnError(err)
	}
}

package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tjfontaine/chat-relay/internal/auth"
	"github.com/tjfontaine/chat-relay/internal/domain"
	"github.com/tjfontaine/chat-relay/internal/notify"
)

// FrameWriter receives outbound frames. sse.Writer implements it.
type FrameWriter interface {
	WriteDelta(content string) error
	WriteDone() error
}

// Result describes how a Stream call ended.
type Result struct {
	// Content is everything received from upstream, including a delta whose
	// write to the client failed.
	Content string
	Deltas  int

	// AssistantTurn is nil when nothing was received or persisting failed.
	AssistantTurn *domain.Turn

	StreamErr  error
	WriteErr   error
	PersistErr error
	DoneErr    error
}

// Exchange is one prepared request with an open upstream stream.
type Exchange struct {
	Conversation *domain.Conversation
	UserTurn     domain.Turn
	PromptTokens int

	relay  *Relay
	caller *auth.Caller
	stream DeltaStream
	cancel func()
	logger *slog.Logger

	once sync.Once
}

// Stream relays upstream deltas to w until the upstream completes, fails, or
// w rejects a write. The accumulated reply is then persisted if non-empty and
// exactly one done frame is written. Upstream stream errors do not reach the
// client; they are logged and reported in Result.
func (x *Exchange) Stream(ctx context.Context, w FrameWriter) Result {
	r := x.relay
	ctx, span := r.tracer.Start(ctx, "relay.stream")
	defer span.End()
	span.SetAttributes(attribute.String("relay.conversation_id", x.Conversation.ID))

	var (
		res Result
		acc strings.Builder
	)
	for {
		delta, err := x.stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			res.StreamErr = err
			x.logger.Error("stream error", slog.String("error", err.Error()))
			break
		}
		acc.WriteString(delta)
		res.Deltas++
		if err := w.WriteDelta(delta); err != nil {
			res.WriteErr = err
			x.logger.Info("client went away", slog.String("error", err.Error()))
			break
		}
	}
	x.release()

	res.Content = acc.String()
	if res.Content != "" {
		turn, err := x.persistReply(ctx, res.Content)
		if err != nil {
			res.PersistErr = err
			x.logger.Error("failed to persist assistant turn", slog.String("error", err.Error()))
		} else {
			res.AssistantTurn = turn
		}
	}

	if err := w.WriteDone(); err != nil {
		res.DoneErr = err
		x.logger.Debug("failed to write done frame", slog.String("error", err.Error()))
	}

	span.SetAttributes(
		attribute.Int("relay.deltas", res.Deltas),
		attribute.Int("relay.content_length", len(res.Content)),
	)
	if res.StreamErr != nil {
		span.RecordError(res.StreamErr)
		span.SetStatus(codes.Error, string(domain.ErrorKindUpstreamStreamError))
	} else if res.PersistErr != nil {
		span.RecordError(res.PersistErr)
		span.SetStatus(codes.Error, string(domain.ErrorKindAssistantPersistFailed))
	}

	completionTokens := 0
	if res.AssistantTurn != nil {
		completionTokens = res.AssistantTurn.TokenCount
	}
	x.logger.Info("stream finished",
		slog.Int("deltas", res.Deltas),
		slog.Int("prompt_tokens", x.PromptTokens),
		slog.Int("completion_tokens", completionTokens),
		slog.Bool("client_gone", res.WriteErr != nil))
	return res
}

// Abort releases the upstream stream without relaying anything.
func (x *Exchange) Abort() {
	x.release()
}

func (x *Exchange) release() {
	x.once.Do(func() {
		if err := x.stream.Close(); err != nil {
			x.logger.Debug("failed to close upstream stream", slog.String("error", err.Error()))
		}
		x.cancel()
	})
}

func (x *Exchange) persistReply(ctx context.Context, content string) (*domain.Turn, error) {
	r := x.relay
	pctx, cancel := r.persistContext(ctx)
	defer cancel()

	turn := &domain.Turn{
		ID:         r.newID(),
		Role:       domain.RoleAssistant,
		Content:    content,
		TokenCount: r.countText(content),
	}
	if err := r.conversations.AddTurn(pctx, x.Conversation.ID, turn); err != nil {
		return nil, domain.NewError(domain.ErrorKindAssistantPersistFailed, "Failed to save assistant message", err)
	}
	r.publish(pctx, x.logger, notify.Event{
		Type:           notify.EventTurnCreated,
		ConversationID: x.Conversation.ID,
		OwnerID:        x.caller.ID,
		Turn:           turn,
	})
	return turn, nil
}

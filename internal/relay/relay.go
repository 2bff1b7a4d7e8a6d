// Package relay implements the streaming chat relay: it persists the
// caller's message, forwards the conversation to the completion provider,
// re-frames the provider's deltas for the client and persists the assembled
// reply.
//
// A request runs in two phases. Prepare performs every step that may reject
// the request (conversation, credential, history, user turn, upstream
// connect) so failures can still be answered with a plain error. Stream then
// relays deltas and always finishes with exactly one done frame.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/chat-relay/internal/auth"
	"github.com/tjfontaine/chat-relay/internal/domain"
	"github.com/tjfontaine/chat-relay/internal/notify"
	"github.com/tjfontaine/chat-relay/internal/storage"
	"github.com/tjfontaine/chat-relay/internal/tokens"
	"github.com/tjfontaine/chat-relay/internal/upstream"
)

const (
	defaultProvider        = "openrouter"
	defaultUpstreamTimeout = 5 * time.Minute
	defaultPersistTimeout  = 5 * time.Second
	maxTitleRunes          = 60
)

// DeltaStream yields content fragments until io.EOF.
type DeltaStream interface {
	Next() (string, error)
	Close() error
}

// Upstream opens a completion stream for messages using the caller's key.
type Upstream interface {
	Open(ctx context.Context, apiKey string, messages []domain.Message) (DeltaStream, error)
}

// ClientUpstream adapts an *upstream.Client to Upstream.
func ClientUpstream(c *upstream.Client) Upstream {
	return clientUpstream{c: c}
}

type clientUpstream struct {
	c *upstream.Client
}

func (u clientUpstream) Open(ctx context.Context, apiKey string, messages []domain.Message) (DeltaStream, error) {
	s, err := u.c.Open(ctx, apiKey, messages)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Option configures a Relay.
type Option func(*Relay)

// WithProvider sets the provider name used for credential lookup.
func WithProvider(name string) Option {
	return func(r *Relay) {
		if name != "" {
			r.provider = name
		}
	}
}

// WithModel sets the model name used for token accounting.
func WithModel(model string) Option {
	return func(r *Relay) {
		r.model = model
	}
}

// WithPublisher sets where conversation and turn events are published.
func WithPublisher(p notify.Publisher) Option {
	return func(r *Relay) {
		if p != nil {
			r.publisher = p
		}
	}
}

// WithTokenCounter enables token accounting on persisted turns.
func WithTokenCounter(c *tokens.Counter) Option {
	return func(r *Relay) {
		r.counter = c
	}
}

// WithTitleFunc sets how new conversations are titled from the first message.
func WithTitleFunc(f func(string) string) Option {
	return func(r *Relay) {
		if f != nil {
			r.titleFunc = f
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithUpstreamTimeout bounds the total time spent waiting on the provider.
// Zero disables the bound.
func WithUpstreamTimeout(d time.Duration) Option {
	return func(r *Relay) {
		r.upstreamTimeout = d
	}
}

// WithIDFunc overrides how conversation and turn IDs are generated.
func WithIDFunc(f func() string) Option {
	return func(r *Relay) {
		if f != nil {
			r.newID = f
		}
	}
}

// Relay handles chat requests. It holds no per-request state and is safe for
// concurrent use.
type Relay struct {
	conversations storage.ConversationStore
	credentials   storage.CredentialStore
	upstream      Upstream

	provider        string
	model           string
	publisher       notify.Publisher
	counter         *tokens.Counter
	titleFunc       func(string) string
	logger          *slog.Logger
	tracer          trace.Tracer
	upstreamTimeout time.Duration
	persistTimeout  time.Duration
	newID           func() string
}

// New creates a Relay.
func New(conversations storage.ConversationStore, credentials storage.CredentialStore, up Upstream, opts ...Option) *Relay {
	r := &Relay{
		conversations:   conversations,
		credentials:     credentials,
		upstream:        up,
		provider:        defaultProvider,
		publisher:       notify.Nop{},
		titleFunc:       DeriveTitle,
		logger:          slog.Default(),
		tracer:          otel.Tracer("github.com/tjfontaine/chat-relay/internal/relay"),
		upstreamTimeout: defaultUpstreamTimeout,
		persistTimeout:  defaultPersistTimeout,
		newID:           uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Prepare runs every step that can reject the request, in order: resolve or
// create the conversation, look up the caller's credential, load history,
// persist the user turn and open the upstream stream. The user turn is
// always durable before any upstream call is made. On success the returned
// Exchange owns the open upstream stream; the caller must call Stream or
// Abort.
func (r *Relay) Prepare(ctx context.Context, caller *auth.Caller, req domain.ChatRequest) (_ *Exchange, err error) {
	ctx, span := r.tracer.Start(ctx, "relay.prepare")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(domain.AsError(err).Kind))
		}
		span.End()
	}()

	if caller == nil || caller.ID == "" {
		return nil, domain.ErrUnauthorized("Unauthorized")
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, domain.ErrInvalidRequest("message is required")
	}
	span.SetAttributes(attribute.String("relay.user_id", caller.ID))

	logger := r.logger.With(slog.String("user_id", caller.ID))

	conv, err := r.resolveConversation(ctx, caller, req)
	if err != nil {
		logger.Error("conversation error", slog.String("error", err.Error()))
		return nil, err
	}
	logger = logger.With(slog.String("conversation_id", conv.ID))
	span.SetAttributes(attribute.String("relay.conversation_id", conv.ID))

	apiKey, err := r.credentials.GetCredential(ctx, caller.ID, r.provider)
	if err != nil || apiKey == "" {
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			logger.Error("API key error", slog.String("error", err.Error()))
		}
		e := domain.ErrCredentialMissing(r.provider)
		e.Err = err
		return nil, e
	}

	history, err := r.conversations.ListTurns(ctx, conv.ID)
	if err != nil {
		logger.Error("messages error", slog.String("error", err.Error()))
		return nil, domain.NewError(domain.ErrorKindHistoryLoadFailed, "Failed to fetch conversation history", err)
	}

	userTurn := domain.Turn{
		ID:         r.newID(),
		Role:       domain.RoleUser,
		Content:    req.Message,
		TokenCount: r.countText(req.Message),
	}
	if err := r.conversations.AddTurn(ctx, conv.ID, &userTurn); err != nil {
		logger.Error("insert error", slog.String("error", err.Error()))
		return nil, domain.NewError(domain.ErrorKindPersistFailed, "Failed to save message", err)
	}
	r.publish(ctx, logger, notify.Event{
		Type:           notify.EventTurnCreated,
		ConversationID: conv.ID,
		OwnerID:        caller.ID,
		Turn:           &userTurn,
	})

	messages := append(domain.Messages(history), domain.Message{Role: domain.RoleUser, Content: req.Message})

	upstreamCtx, cancel := ctx, context.CancelFunc(func() {})
	if r.upstreamTimeout > 0 {
		upstreamCtx, cancel = context.WithTimeout(ctx, r.upstreamTimeout)
	}

	stream, err := r.upstream.Open(upstreamCtx, apiKey, messages)
	if err != nil {
		cancel()
		var relayErr *domain.Error
		if !errors.As(err, &relayErr) {
			relayErr = domain.ErrUpstreamUnavailable(0, "", err)
		}
		logger.Error("upstream error",
			slog.Int("status", relayErr.UpstreamStatus),
			slog.String("body", relayErr.UpstreamBody),
			slog.String("error", err.Error()))
		return nil, relayErr
	}

	if err := r.credentials.TouchCredential(ctx, caller.ID, r.provider); err != nil {
		logger.Warn("failed to update credential last use", slog.String("error", err.Error()))
	}

	promptTokens := 0
	if r.counter != nil {
		promptTokens = r.counter.CountMessages(r.model, messages)
	}
	logger.Info("upstream stream opened",
		slog.Int("history_turns", len(history)),
		slog.Int("prompt_tokens", promptTokens))

	return &Exchange{
		Conversation: conv,
		UserTurn:     userTurn,
		PromptTokens: promptTokens,
		relay:        r,
		caller:       caller,
		stream:       stream,
		cancel:       cancel,
		logger:       logger,
	}, nil
}

func (r *Relay) resolveConversation(ctx context.Context, caller *auth.Caller, req domain.ChatRequest) (*domain.Conversation, error) {
	if req.ConversationID != nil && *req.ConversationID != "" {
		conv, err := r.conversations.GetConversation(ctx, *req.ConversationID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, domain.NewError(domain.ErrorKindConversationNotFound, "Conversation not found", err)
		}
		if err != nil {
			return nil, domain.NewError(domain.ErrorKindHistoryLoadFailed, "Failed to fetch conversation", err)
		}
		if conv.OwnerID != caller.ID {
			return nil, domain.NewError(domain.ErrorKindConversationNotFound, "Conversation not found", nil)
		}
		return conv, nil
	}

	conv := &domain.Conversation{
		ID:      r.newID(),
		OwnerID: caller.ID,
		Title:   r.titleFunc(req.Message),
	}
	if err := r.conversations.CreateConversation(ctx, conv); err != nil {
		return nil, domain.NewError(domain.ErrorKindConversationCreateFailed, "Failed to create conversation", err)
	}
	r.publish(ctx, r.logger, notify.Event{
		Type:           notify.EventConversationCreated,
		ConversationID: conv.ID,
		OwnerID:        caller.ID,
		Conversation:   conv,
	})
	return conv, nil
}

func (r *Relay) countText(text string) int {
	if r.counter == nil {
		return 0
	}
	return r.counter.CountText(r.model, text)
}

func (r *Relay) publish(ctx context.Context, logger *slog.Logger, e notify.Event) {
	if err := r.publisher.Publish(ctx, e); err != nil {
		logger.Warn("failed to publish event",
			slog.String("type", string(e.Type)),
			slog.String("error", err.Error()))
	}
}

// DeriveTitle titles a conversation from its first message: the first
// non-empty line, cut to 60 runes.
func DeriveTitle(message string) string {
	title := ""
	for _, line := range strings.Split(message, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			title = line
			break
		}
	}
	if utf8.RuneCountInString(title) <= maxTitleRunes {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:maxTitleRunes])) + "..."
}

// persistContext detaches persistence from the request so a client
// disconnect does not drop the reply, while still bounding the write.
func (r *Relay) persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.persistTimeout)
}

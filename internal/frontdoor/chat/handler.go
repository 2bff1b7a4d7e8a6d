// Package chat is the HTTP front door of the relay: the streaming chat
// endpoint, the read endpoints a client settles from, and the change
// subscription.
package chat

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/tjfontaine/chat-relay/internal/auth"
	"github.com/tjfontaine/chat-relay/internal/domain"
	"github.com/tjfontaine/chat-relay/internal/notify"
	"github.com/tjfontaine/chat-relay/internal/relay"
	"github.com/tjfontaine/chat-relay/internal/server"
	"github.com/tjfontaine/chat-relay/internal/sse"
	"github.com/tjfontaine/chat-relay/internal/storage"
)

// ConversationIDHeader carries the resolved conversation on a chat stream.
const ConversationIDHeader = "X-Conversation-ID"

const maxRequestBytes = 1 << 20

// Broker publishes changes made through the handler and hands out change
// feeds. A nil Broker disables the event endpoints.
type Broker interface {
	notify.Publisher
	Subscribe(ownerID, convID string) (<-chan notify.Event, func())
}

type Handler struct {
	relay      *relay.Relay
	store      storage.Store
	broker     Broker
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	pingPeriod time.Duration
}

func NewHandler(r *relay.Relay, store storage.Store, broker Broker, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		relay:  r,
		store:  store,
		broker: broker,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		pingPeriod: defaultPingPeriod,
	}
}

// Routes registers the handler's endpoints on an authenticated router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/chat", h.HandleChat)
	r.Get("/conversations", h.HandleListConversations)
	r.Get("/conversations/{id}/turns", h.HandleListTurns)
	r.Delete("/conversations/{id}", h.HandleDeleteConversation)
	r.Get("/credentials/{provider}", h.HandleGetCredential)
	r.Put("/credentials/{provider}", h.HandlePutCredential)
	r.Delete("/credentials/{provider}", h.HandleDeleteCredential)
	if h.broker != nil {
		r.Get("/conversations/{id}/events", h.HandleEvents)
		r.Get("/events", h.HandleEvents)
	}
}

// HandleChat relays one user message. Errors before the first frame are
// answered with a JSON body; after that the stream always ends with a done
// frame.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := auth.CallerFrom(ctx)
	if caller == nil {
		h.writeError(w, r, domain.ErrUnauthorized("Unauthorized"))
		return
	}

	var req domain.ChatRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	x, err := h.relay.Prepare(ctx, caller, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	server.AddLogField(ctx, "conversation_id", x.Conversation.ID)

	// The client left while the upstream was connecting.
	if ctx.Err() != nil {
		x.Abort()
		server.AddLogField(ctx, "client_gone", "true")
		return
	}

	sse.SetHeaders(w.Header())
	w.Header().Set(ConversationIDHeader, x.Conversation.ID)
	w.WriteHeader(http.StatusOK)
	_ = http.NewResponseController(w).Flush()

	res := x.Stream(ctx, sse.NewWriter(w))

	server.AddLogField(ctx, "deltas", strconv.Itoa(res.Deltas))
	switch {
	case res.StreamErr != nil:
		server.AddError(ctx, res.StreamErr)
	case res.PersistErr != nil:
		server.AddError(ctx, res.PersistErr)
	case res.WriteErr != nil:
		server.AddLogField(ctx, "client_gone", "true")
	}
}

type listConversationsResponse struct {
	Conversations []*domain.Conversation `json:"conversations"`
}

// HandleListConversations returns the caller's conversations, most recently
// active first.
func (h *Handler) HandleListConversations(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFrom(r.Context())
	if caller == nil {
		h.writeError(w, r, domain.ErrUnauthorized("Unauthorized"))
		return
	}

	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeError(w, r, domain.ErrInvalidRequest("limit must be a non-negative integer"))
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		h.writeError(w, r, domain.ErrInvalidRequest("offset must be a non-negative integer"))
		return
	}
	if limit > storage.DefaultListLimit {
		limit = storage.DefaultListLimit
	}

	convs, err := h.store.ListConversations(r.Context(), storage.ListOptions{
		OwnerID: caller.ID,
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		h.writeError(w, r, domain.NewError(domain.ErrorKindHistoryLoadFailed, "Failed to fetch conversations", err))
		return
	}
	if convs == nil {
		convs = []*domain.Conversation{}
	}
	writeJSON(w, http.StatusOK, listConversationsResponse{Conversations: convs})
}

type listTurnsResponse struct {
	ConversationID string        `json:"conversation_id"`
	Turns          []domain.Turn `json:"turns"`
}

// HandleListTurns returns a conversation's turns in order.
func (h *Handler) HandleListTurns(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.ownedConversation(w, r)
	if !ok {
		return
	}

	turns, err := h.store.ListTurns(r.Context(), conv.ID)
	if err != nil {
		h.writeError(w, r, domain.NewError(domain.ErrorKindHistoryLoadFailed, "Failed to fetch conversation history", err))
		return
	}
	if turns == nil {
		turns = []domain.Turn{}
	}
	writeJSON(w, http.StatusOK, listTurnsResponse{ConversationID: conv.ID, Turns: turns})
}

// HandleDeleteConversation removes one of the caller's conversations and its
// turns.
func (h *Handler) HandleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.ownedConversation(w, r)
	if !ok {
		return
	}

	err := h.store.DeleteConversation(r.Context(), conv.ID)
	if errors.Is(err, storage.ErrNotFound) {
		h.writeError(w, r, domain.NewError(domain.ErrorKindConversationNotFound, "Conversation not found", err))
		return
	}
	if err != nil {
		h.writeError(w, r, domain.NewError(domain.ErrorKindConversationDeleteFailed, "Failed to delete conversation", err))
		return
	}

	h.publish(r, notify.Event{
		Type:           notify.EventConversationDeleted,
		ConversationID: conv.ID,
		OwnerID:        conv.OwnerID,
		Conversation:   conv,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) publish(r *http.Request, e notify.Event) {
	if h.broker == nil {
		return
	}
	if err := h.broker.Publish(r.Context(), e); err != nil {
		h.logger.Warn("failed to publish event",
			slog.String("type", string(e.Type)),
			slog.String("conversation_id", e.ConversationID),
			slog.String("error", err.Error()))
	}
}

// ownedConversation loads the {id} conversation and checks the caller owns
// it, writing the error response when not.
func (h *Handler) ownedConversation(w http.ResponseWriter, r *http.Request) (*domain.Conversation, bool) {
	caller := auth.CallerFrom(r.Context())
	if caller == nil {
		h.writeError(w, r, domain.ErrUnauthorized("Unauthorized"))
		return nil, false
	}

	id := chi.URLParam(r, "id")
	conv, err := h.store.GetConversation(r.Context(), id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		h.writeError(w, r, domain.NewError(domain.ErrorKindHistoryLoadFailed, "Failed to fetch conversation", err))
		return nil, false
	}
	if err != nil || conv.OwnerID != caller.ID {
		h.writeError(w, r, domain.NewError(domain.ErrorKindConversationNotFound, "Conversation not found", err))
		return nil, false
	}
	server.AddLogField(r.Context(), "conversation_id", conv.ID)
	return conv, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := domain.AsError(err)
	server.AddError(r.Context(), err)
	server.AddLogField(r.Context(), "error_kind", string(e.Kind))
	if e.UpstreamBody != "" {
		h.logger.Warn("upstream rejected request",
			slog.String("request_id", server.GetRequestID(r.Context())),
			slog.Int("status", e.UpstreamStatus),
			slog.String("body", e.UpstreamBody))
	}
	server.WriteJSONError(w, e.HTTPStatusCode(), e.Message)
}

// decodeBody reads a size-limited JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return nil
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return domain.NewError(domain.ErrorKindInvalidRequest, "Request body too large", err).
			WithStatusCode(http.StatusRequestEntityTooLarge)
	}
	return domain.NewError(domain.ErrorKindInvalidRequest, "Invalid request body", err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, strconv.ErrRange
	}
	return n, nil
}

package chat

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/tjfontaine/chat-relay/internal/auth"
	"github.com/tjfontaine/chat-relay/internal/domain"
	"github.com/tjfontaine/chat-relay/internal/notify"
	"github.com/tjfontaine/chat-relay/internal/server"
	"github.com/tjfontaine/chat-relay/internal/sse"
)

const (
	defaultPingPeriod = 30 * time.Second
	writeWait         = 10 * time.Second
)

// HandleEvents streams change events for one conversation, or for all of the
// caller's conversations when no id is given. WebSocket clients receive one
// JSON text message per event; plain HTTP clients get an event stream.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFrom(r.Context())
	if caller == nil {
		h.writeError(w, r, domain.ErrUnauthorized("Unauthorized"))
		return
	}

	convID := chi.URLParam(r, "id")
	if convID != "" {
		if _, ok := h.ownedConversation(w, r); !ok {
			return
		}
	}

	events, cancel := h.broker.Subscribe(caller.ID, convID)
	defer cancel()

	if !websocket.IsWebSocketUpgrade(r) {
		h.streamEvents(w, r, events)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client.
		server.AddError(r.Context(), err)
		return
	}
	defer conn.Close()
	h.pumpEvents(conn, events)
}

func (h *Handler) pumpEvents(conn *websocket.Conn, events <-chan notify.Event) {
	// Incoming messages are ignored; reading surfaces the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case e, ok := <-events:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request, events <-chan notify.Event) {
	sse.SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	_ = http.NewResponseController(w).Flush()

	sw := sse.NewWriter(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-events:
			if !ok {
				_ = sw.WriteDone()
				return
			}
			if err := sw.WriteEvent(e); err != nil {
				return
			}
		}
	}
}

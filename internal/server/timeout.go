package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// TimeoutMiddleware bounds the request context. Handlers stop cooperatively
// when the context is done; a streaming chat reply is cut off at the
// deadline and still finishes with its done frame. WebSocket upgrades are
// exempt because their lifetime is the subscription.
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if timeout <= 0 || websocket.IsWebSocketUpgrade(r) {
				next.ServeHTTP(w, r)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

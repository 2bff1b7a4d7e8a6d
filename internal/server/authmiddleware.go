package server

import (
	"encoding/json"
	"net/http"

	"github.com/tjfontaine/chat-relay/internal/auth"
)

// AuthMiddleware validates the bearer API key and injects the caller into
// the request context. Failures are answered with a JSON 401.
func AuthMiddleware(authenticator *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey, err := auth.ExtractAPIKey(r)
			if err != nil {
				AddError(r.Context(), err)
				WriteJSONError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			caller, err := authenticator.ValidateAPIKey(apiKey)
			if err != nil {
				AddError(r.Context(), err)
				WriteJSONError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			AddLogField(r.Context(), "user_id", caller.ID)
			next.ServeHTTP(w, r.WithContext(auth.WithCaller(r.Context(), caller)))
		})
	}
}

// WriteJSONError writes {"error": message} with the given status.
func WriteJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

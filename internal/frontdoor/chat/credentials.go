package chat

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/chat-relay/internal/auth"
	"github.com/tjfontaine/chat-relay/internal/domain"
	"github.com/tjfontaine/chat-relay/internal/server"
	"github.com/tjfontaine/chat-relay/internal/storage"
)

// credentialResponse reports whether a key is stored. The key itself is never
// returned.
type credentialResponse struct {
	Provider string `json:"provider"`
	HasKey   bool   `json:"has_key"`
}

type putCredentialRequest struct {
	APIKey string `json:"api_key"`
}

// HandleGetCredential reports whether the caller has a key for {provider}.
func (h *Handler) HandleGetCredential(w http.ResponseWriter, r *http.Request) {
	caller, provider, ok := h.credentialTarget(w, r)
	if !ok {
		return
	}

	_, err := h.store.GetCredential(r.Context(), caller.ID, provider)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		h.writeError(w, r, domain.NewError(domain.ErrorKindCredentialStoreFailed, "Failed to load API key", err))
		return
	}
	writeJSON(w, http.StatusOK, credentialResponse{Provider: provider, HasKey: err == nil})
}

// HandlePutCredential stores or replaces the caller's key for {provider}.
func (h *Handler) HandlePutCredential(w http.ResponseWriter, r *http.Request) {
	caller, provider, ok := h.credentialTarget(w, r)
	if !ok {
		return
	}

	var req putCredentialRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	key := strings.TrimSpace(req.APIKey)
	if key == "" {
		h.writeError(w, r, domain.ErrInvalidRequest("api_key is required"))
		return
	}

	if err := h.store.PutCredential(r.Context(), caller.ID, provider, key); err != nil {
		h.writeError(w, r, domain.NewError(domain.ErrorKindCredentialStoreFailed, "Failed to save API key", err))
		return
	}
	writeJSON(w, http.StatusOK, credentialResponse{Provider: provider, HasKey: true})
}

// HandleDeleteCredential removes the caller's key for {provider}. Deleting a
// key that does not exist succeeds.
func (h *Handler) HandleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	caller, provider, ok := h.credentialTarget(w, r)
	if !ok {
		return
	}

	err := h.store.DeleteCredential(r.Context(), caller.ID, provider)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		h.writeError(w, r, domain.NewError(domain.ErrorKindCredentialStoreFailed, "Failed to delete API key", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) credentialTarget(w http.ResponseWriter, r *http.Request) (*auth.Caller, string, bool) {
	caller := auth.CallerFrom(r.Context())
	if caller == nil {
		h.writeError(w, r, domain.ErrUnauthorized("Unauthorized"))
		return nil, "", false
	}
	provider := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	if provider == "" {
		h.writeError(w, r, domain.ErrInvalidRequest("provider is required"))
		return nil, "", false
	}
	server.AddLogField(r.Context(), "provider", provider)
	return caller, provider, true
}

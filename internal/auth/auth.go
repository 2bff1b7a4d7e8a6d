// Package auth maps bearer credentials to caller identities.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
)

// Caller identifies the authenticated user making a request.
type Caller struct {
	ID   string
	Name string
}

// User is a configured account with the hashes of the keys it may present.
type User struct {
	ID        string
	Name      string
	KeyHashes []string
}

type callerKey struct{}

// WithCaller returns a context carrying c.
func WithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom retrieves the caller from context.
// Returns nil if no caller is set.
func CallerFrom(ctx context.Context) *Caller {
	if c, ok := ctx.Value(callerKey{}).(*Caller); ok {
		return c
	}
	return nil
}

// Authenticator validates API keys and extracts caller information.
// The user table can be replaced at runtime with Update.
type Authenticator struct {
	users atomic.Pointer[map[string]*User] // keyhash -> user
}

// NewAuthenticator creates a new authenticator with user mappings
func NewAuthenticator(users []*User) *Authenticator {
	a := &Authenticator{}
	a.Update(users)
	return a
}

// Update atomically replaces the set of known users.
func (a *Authenticator) Update(users []*User) {
	m := make(map[string]*User)
	for _, u := range users {
		for _, h := range u.KeyHashes {
			m[strings.ToLower(h)] = u
		}
	}
	a.users.Store(&m)
}

// ValidateAPIKey validates an API key and returns the associated caller
func (a *Authenticator) ValidateAPIKey(apiKey string) (*Caller, error) {
	keyHash := HashAPIKey(apiKey)

	users := *a.users.Load()
	u, ok := users[keyHash]
	if !ok {
		return nil, fmt.Errorf("invalid API key")
	}

	// Constant-time comparison to prevent timing attacks
	for _, h := range u.KeyHashes {
		if subtle.ConstantTimeCompare([]byte(keyHash), []byte(strings.ToLower(h))) == 1 {
			return &Caller{ID: u.ID, Name: u.Name}, nil
		}
	}

	return nil, fmt.Errorf("invalid API key")
}

// ExtractAPIKey extracts the API key from the Authorization header
func ExtractAPIKey(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", fmt.Errorf("missing Authorization header")
	}

	// Support "Bearer <key>" format
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid Authorization header format")
	}

	if strings.ToLower(parts[0]) != "bearer" {
		return "", fmt.Errorf("unsupported authorization scheme")
	}

	key := strings.TrimSpace(parts[1])
	if key == "" {
		return "", fmt.Errorf("empty bearer token")
	}
	return key, nil
}

// HashAPIKey creates a SHA-256 hash of an API key for storage
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}

// Package storage defines the durable store collaborators used by the relay.
package storage

import (
	"context"
	"errors"

	"github.com/tjfontaine/chat-relay/internal/domain"
)

// ErrNotFound is returned when a conversation or credential does not exist.
var ErrNotFound = errors.New("not found")

// ConversationStore persists conversations and their turns. Every method is
// an independent atomic operation; callers never span a transaction across
// calls.
type ConversationStore interface {
	// CreateConversation inserts conv, setting its timestamps.
	CreateConversation(ctx context.Context, conv *domain.Conversation) error

	// GetConversation retrieves a conversation by ID.
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)

	// ListConversations lists an owner's conversations, most recently active first.
	ListConversations(ctx context.Context, opts ListOptions) ([]*domain.Conversation, error)

	// ListTurns returns a conversation's turns ordered by creation time.
	ListTurns(ctx context.Context, convID string) ([]domain.Turn, error)

	// AddTurn inserts turn and bumps the conversation's UpdatedAt.
	AddTurn(ctx context.Context, convID string, turn *domain.Turn) error

	// DeleteConversation removes a conversation and all of its turns.
	DeleteConversation(ctx context.Context, id string) error

	// Close closes the storage connection
	Close() error
}

// CredentialStore holds provider API keys per user.
type CredentialStore interface {
	// GetCredential returns ErrNotFound when the user has no key for provider.
	GetCredential(ctx context.Context, userID, provider string) (string, error)

	// PutCredential inserts or replaces a key.
	PutCredential(ctx context.Context, userID, provider, apiKey string) error

	// DeleteCredential removes a key. It returns ErrNotFound when there is none.
	DeleteCredential(ctx context.Context, userID, provider string) error

	// TouchCredential records that a key was just used.
	TouchCredential(ctx context.Context, userID, provider string) error
}

// Store is implemented by every backend.
type Store interface {
	ConversationStore
	CredentialStore
}

// ListOptions defines options for listing conversations
type ListOptions struct {
	OwnerID string
	Limit   int
	Offset  int
}

// DefaultListLimit is applied when ListOptions.Limit is zero.
const DefaultListLimit = 100

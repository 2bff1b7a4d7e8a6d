package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tjfontaine/chat-relay/internal/domain"
	"github.com/tjfontaine/chat-relay/internal/storage"
)

// Store is an in-memory implementation of storage.Store
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*domain.Conversation
	turns         map[string][]domain.Turn
	credentials   map[credentialKey]*credential

	now func() time.Time
}

type credentialKey struct {
	userID   string
	provider string
}

type credential struct {
	apiKey     string
	lastUsedAt time.Time
}

var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		conversations: make(map[string]*domain.Conversation),
		turns:         make(map[string][]domain.Turn),
		credentials:   make(map[credentialKey]*credential),
		now:           time.Now,
	}
}

// nextTime returns a timestamp strictly after last so turns appended in quick
// succession keep a total order.
func (s *Store) nextTime(last time.Time) time.Time {
	t := s.now()
	if !t.After(last) {
		t = last.Add(time.Nanosecond)
	}
	return t
}

func (s *Store) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[conv.ID]; exists {
		return fmt.Errorf("conversation %s already exists", conv.ID)
	}

	conv.CreatedAt = s.now()
	conv.UpdatedAt = conv.CreatedAt

	stored := *conv
	s.conversations[conv.ID] = &stored
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, exists := s.conversations[id]
	if !exists {
		return nil, fmt.Errorf("conversation %s: %w", id, storage.ErrNotFound)
	}

	out := *conv
	return &out, nil
}

func (s *Store) ListConversations(ctx context.Context, opts storage.ListOptions) ([]*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Conversation
	for _, conv := range s.conversations {
		if opts.OwnerID != "" && conv.OwnerID != opts.OwnerID {
			continue
		}
		c := *conv
		result = append(result, &c)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})

	// Simple pagination
	start := opts.Offset
	if start >= len(result) {
		return []*domain.Conversation{}, nil
	}

	limit := opts.Limit
	if limit == 0 {
		limit = storage.DefaultListLimit
	}
	end := start + limit
	if end > len(result) {
		end = len(result)
	}

	return result[start:end], nil
}

func (s *Store) ListTurns(ctx context.Context, convID string) ([]domain.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.conversations[convID]; !exists {
		return nil, fmt.Errorf("conversation %s: %w", convID, storage.ErrNotFound)
	}

	turns := s.turns[convID]
	out := make([]domain.Turn, len(turns))
	copy(out, turns)
	return out, nil
}

func (s *Store) AddTurn(ctx context.Context, convID string, turn *domain.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[convID]
	if !exists {
		return fmt.Errorf("conversation %s: %w", convID, storage.ErrNotFound)
	}

	var last time.Time
	if existing := s.turns[convID]; len(existing) > 0 {
		last = existing[len(existing)-1].CreatedAt
	}

	turn.ConversationID = convID
	turn.CreatedAt = s.nextTime(last)
	s.turns[convID] = append(s.turns[convID], *turn)
	conv.UpdatedAt = turn.CreatedAt

	return nil
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[id]; !exists {
		return fmt.Errorf("conversation %s: %w", id, storage.ErrNotFound)
	}
	delete(s.conversations, id)
	delete(s.turns, id)
	return nil
}

func (s *Store) GetCredential(ctx context.Context, userID, provider string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.credentials[credentialKey{userID, provider}]
	if !ok {
		return "", storage.ErrNotFound
	}
	return c.apiKey, nil
}

func (s *Store) PutCredential(ctx context.Context, userID, provider, apiKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.credentials[credentialKey{userID, provider}] = &credential{apiKey: apiKey}
	return nil
}

func (s *Store) DeleteCredential(ctx context.Context, userID, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := credentialKey{userID, provider}
	if _, ok := s.credentials[key]; !ok {
		return storage.ErrNotFound
	}
	delete(s.credentials, key)
	return nil
}

func (s *Store) TouchCredential(ctx context.Context, userID, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.credentials[credentialKey{userID, provider}]
	if !ok {
		return storage.ErrNotFound
	}
	c.lastUsedAt = s.now()
	return nil
}

// LastUsed reports when a credential was last touched.
func (s *Store) LastUsed(userID, provider string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.credentials[credentialKey{userID, provider}]
	if !ok {
		return time.Time{}, false
	}
	return c.lastUsedAt, !c.lastUsedAt.IsZero()
}

func (s *Store) Close() error {
	return nil
}

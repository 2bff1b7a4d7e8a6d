// Package notify is the publish/subscribe side channel that lets clients
// refresh conversation and turn lists without polling.
package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tjfontaine/chat-relay/internal/domain"
)

// EventType names a change in the store.
type EventType string

const (
	EventConversationCreated EventType = "conversation.created"
	EventConversationDeleted EventType = "conversation.deleted"
	EventTurnCreated         EventType = "turn.created"
)

// Event describes one change. Exactly one of Conversation or Turn is set.
type Event struct {
	Type           EventType            `json:"type"`
	ConversationID string               `json:"conversation_id"`
	OwnerID        string               `json:"owner_id"`
	Conversation   *domain.Conversation `json:"conversation,omitempty"`
	Turn           *domain.Turn         `json:"turn,omitempty"`
	At             time.Time            `json:"at"`
}

// Publisher accepts events. Implementations must not block the caller on
// slow consumers.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// subscriberBuffer is how many events a subscriber may fall behind before
// events are dropped for it.
const subscriberBuffer = 16

type subscriber struct {
	ch      chan Event
	convID  string
	ownerID string
}

// Broker is an in-process Publisher with per-conversation or per-owner
// subscriptions. This is the default for single-instance deployments.
type Broker struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool

	dropped atomic.Int64
}

var _ Publisher = (*Broker)(nil)

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[*subscriber]struct{})}
}

// Subscribe returns a channel receiving events for conversation convID. If
// convID is empty, every event for ownerID is delivered instead. The returned
// cancel function unsubscribes and closes the channel.
func (b *Broker) Subscribe(ownerID, convID string) (<-chan Event, func()) {
	s := &subscriber{
		ch:      make(chan Event, subscriberBuffer),
		convID:  convID,
		ownerID: ownerID,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[s]; ok {
				delete(b.subs, s)
				close(s.ch)
			}
		})
	}
}

// Publish fans event out to matching subscribers without blocking. A
// subscriber whose buffer is full misses the event.
func (b *Broker) Publish(ctx context.Context, event Event) error {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for s := range b.subs {
		if !s.matches(event) {
			continue
		}
		select {
		case s.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

func (s *subscriber) matches(e Event) bool {
	if s.ownerID != "" && e.OwnerID != s.ownerID {
		return false
	}
	if s.convID != "" && e.ConversationID != s.convID {
		return false
	}
	return true
}

// Subscribers returns the number of active subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscription. Later Subscribe calls get a closed channel.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for s := range b.subs {
		close(s.ch)
		delete(b.subs, s)
	}
	b.closed = true
	return nil
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

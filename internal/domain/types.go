// Package domain holds the conversation model shared by the relay, the store
// and the client.
package domain

import "time"

// Role identifies who authored a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a role the relay persists.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Conversation is a thread of turns owned by one user.
type Conversation struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Turn is a single persisted message. Turns are never edited after insert.
type Turn struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	TokenCount     int       `json:"token_count,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Message is the role/content pair sent upstream.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Messages converts persisted turns to upstream messages, preserving order.
func Messages(turns []Turn) []Message {
	out := make([]Message, 0, len(turns))
	for _, t := range turns {
		out = append(out, Message{Role: t.Role, Content: t.Content})
	}
	return out
}

// ChatRequest is the inbound body of POST /v1/chat.
// A nil ConversationID asks the relay to start a new conversation.
type ChatRequest struct {
	ConversationID *string `json:"conversationId"`
	Message        string  `json:"message"`
}

// Delta is the payload of one outbound delta frame.
type Delta struct {
	Content string `json:"content"`
}

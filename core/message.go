package core

import "time"

// Roles the engine writes itself. Role is an open string rather than a
// closed enum so callers can introduce additional tags (e.g. "system")
// without touching this package.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single utterance within a session. Immutable once
// committed; owned by its session's history.
type Message struct {
	// ID is the durable store's row id. Zero for volatile messages.
	ID int64 `json:"id,omitempty"`

	// SessionID identifies the owning session. Empty in volatile mode.
	SessionID string `json:"session_id,omitempty"`

	// Seq is the message's position within its session, starting at 0.
	// It is the join key between history and the vector index.
	Seq int `json:"seq"`

	// Role tags the author, normally RoleUser or RoleAssistant.
	Role string `json:"role"`

	// Content is the message text.
	Content string `json:"content"`

	// Model names the model that produced the content. Empty for user
	// messages.
	Model string `json:"model,omitempty"`

	// CreatedAt is the commit time.
	CreatedAt time.Time `json:"created_at"`
}

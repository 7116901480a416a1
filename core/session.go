package core

import "time"

// Session is one bounded conversation with its own history and vector
// index. Persistent sessions live in the durable store; the volatile
// session exists only for the lifetime of its engine.
type Session struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// Embedding is the stored vector for exactly one message. Vectors are
// unit length at rest so index rebuilds can load them verbatim.
type Embedding struct {
	ID        int64     `json:"id,omitempty"`
	MessageID int64     `json:"message_id"`
	SessionID string    `json:"session_id"`
	Model     string    `json:"model"`
	Vector    []float32 `json:"vector"`

	// Position records the index slot the vector occupied when written.
	// A hint only: the authoritative position is the message's Seq.
	Position int `json:"position"`

	CreatedAt time.Time `json:"created_at"`
}

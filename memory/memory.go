package memory

import (
	"context"
	"errors"
	"time"

	"github.com/coreonhq/coreon-go/core"
)

var (
	// ErrDimensionMismatch reports a vector whose length differs from
	// the index dimension. A mismatch means the embed model and the
	// engine disagree about geometry; it is never retried.
	ErrDimensionMismatch = errors.New("memory: embedding dimension mismatch")

	// ErrSessionNotFound reports a persistent session id that does not
	// exist while auto-create is disabled.
	ErrSessionNotFound = errors.New("memory: session not found")
)

// DefaultSessionTitle names sessions created without a title.
const DefaultSessionTitle = "New chat"

// HistoryStore is the ordered message log for one session. Positions
// start at 0 and never have gaps; Get is valid for 0 <= position < Len.
// Implementations: VolatileHistory (bounded RAM ring) and StoredHistory
// (write-through onto a Store).
type HistoryStore interface {
	// Append stores a message at the next position and returns it with
	// Seq and CreatedAt populated.
	Append(ctx context.Context, role, content, modelName string) (core.Message, error)

	// Get returns the message at position.
	Get(ctx context.Context, position int) (core.Message, error)

	// Len returns the number of stored messages.
	Len(ctx context.Context) (int, error)

	// All returns every message in insertion order.
	All(ctx context.Context) ([]core.Message, error)
}

// Store is the durable record backend for persistent sessions.
// Implementation: sqlite.Store.
type Store interface {
	// CreateSession creates a session. An empty id gets a generated
	// UUID; an empty title gets DefaultSessionTitle.
	CreateSession(ctx context.Context, id, title string) (core.Session, error)

	// GetSession returns the session or ErrSessionNotFound.
	GetSession(ctx context.Context, id string) (core.Session, error)

	// ListSessions returns all sessions, most recently active first.
	ListSessions(ctx context.Context) ([]core.Session, error)

	// TouchSession advances the session's last-active time.
	TouchSession(ctx context.Context, id string) error

	// DeleteSession removes a session with its messages and embeddings.
	DeleteSession(ctx context.Context, id string) error

	// AppendMessage stores msg at the session's next ordinal and
	// returns it with ID, Seq and CreatedAt populated.
	AppendMessage(ctx context.Context, sessionID string, msg core.Message) (core.Message, error)

	// Messages returns the session's messages ordered by Seq.
	Messages(ctx context.Context, sessionID string) ([]core.Message, error)

	// MessageAt returns the message at the given ordinal.
	MessageAt(ctx context.Context, sessionID string, seq int) (core.Message, error)

	// MessageCount returns the number of messages in the session.
	MessageCount(ctx context.Context, sessionID string) (int, error)

	// SaveEmbedding stores the embedding record for a message.
	SaveEmbedding(ctx context.Context, emb core.Embedding) (core.Embedding, error)

	// Embeddings returns the session's embeddings ordered by their
	// message's Seq.
	Embeddings(ctx context.Context, sessionID string) ([]core.Embedding, error)

	// Close releases the backend.
	Close() error
}

// Config holds Engine configuration.
type Config struct {
	// Dimension is the embedding vector length the indexes accept.
	Dimension int

	// Capacity bounds the volatile history; appending past it evicts
	// the oldest message.
	Capacity int

	// TopK is the default number of neighbours retrieved per query.
	TopK int

	// EmbedTimeout bounds each embedding call. Zero means no timeout.
	EmbedTimeout time.Duration

	// AutoCreate makes unknown persistent session ids create
	// themselves instead of failing with ErrSessionNotFound.
	AutoCreate bool
}

// DefaultConfig holds the defaults applied for unset Config fields.
var DefaultConfig = &Config{
	Dimension: 768,
	Capacity:  50,
	TopK:      5,
}

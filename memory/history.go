package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/coreonhq/coreon-go/core"
)

// VolatileHistory is the RAM-only history: a bounded window over the
// most recent messages. Appending past capacity evicts the oldest
// message and shifts every surviving position down by one, which is why
// the engine rebuilds the index after an eviction.
type VolatileHistory struct {
	capacity int
	messages []core.Message
}

var _ HistoryStore = (*VolatileHistory)(nil)

// NewVolatileHistory creates a buffer holding at most capacity messages
// (minimum 1).
func NewVolatileHistory(capacity int) *VolatileHistory {
	if capacity < 1 {
		capacity = 1
	}
	return &VolatileHistory{capacity: capacity}
}

// Capacity returns the buffer bound.
func (h *VolatileHistory) Capacity() int { return h.capacity }

// Append stores the message, evicting the oldest if the buffer is full.
func (h *VolatileHistory) Append(ctx context.Context, role, content, modelName string) (core.Message, error) {
	if len(h.messages) == h.capacity {
		copy(h.messages, h.messages[1:])
		h.messages = h.messages[:len(h.messages)-1]
		for i := range h.messages {
			h.messages[i].Seq = i
		}
	}
	msg := core.Message{
		Seq:       len(h.messages),
		Role:      role,
		Content:   content,
		Model:     modelName,
		CreatedAt: time.Now().UTC(),
	}
	h.messages = append(h.messages, msg)
	return msg, nil
}

// Get returns the message at position.
func (h *VolatileHistory) Get(ctx context.Context, position int) (core.Message, error) {
	if position < 0 || position >= len(h.messages) {
		return core.Message{}, fmt.Errorf("history position %d out of range [0,%d)", position, len(h.messages))
	}
	return h.messages[position], nil
}

// Len returns the number of buffered messages.
func (h *VolatileHistory) Len(ctx context.Context) (int, error) {
	return len(h.messages), nil
}

// All returns the buffered messages oldest first.
func (h *VolatileHistory) All(ctx context.Context) ([]core.Message, error) {
	out := make([]core.Message, len(h.messages))
	copy(out, h.messages)
	return out, nil
}

// StoredHistory is the durable history: a write-through adapter binding
// a Store to one session id. Positions are the store's session ordinals
// and never shift.
type StoredHistory struct {
	store     Store
	sessionID string
}

var _ HistoryStore = (*StoredHistory)(nil)

// NewStoredHistory binds store to sessionID.
func NewStoredHistory(store Store, sessionID string) *StoredHistory {
	return &StoredHistory{store: store, sessionID: sessionID}
}

// Append stores a message at the session's next ordinal.
func (h *StoredHistory) Append(ctx context.Context, role, content, modelName string) (core.Message, error) {
	return h.store.AppendMessage(ctx, h.sessionID, core.Message{
		Role:    role,
		Content: content,
		Model:   modelName,
	})
}

// Get returns the message at position.
func (h *StoredHistory) Get(ctx context.Context, position int) (core.Message, error) {
	return h.store.MessageAt(ctx, h.sessionID, position)
}

// Len returns the number of stored messages.
func (h *StoredHistory) Len(ctx context.Context) (int, error) {
	return h.store.MessageCount(ctx, h.sessionID)
}

// All returns the session's messages ordered by position.
func (h *StoredHistory) All(ctx context.Context) ([]core.Message, error) {
	return h.store.Messages(ctx, h.sessionID)
}

// Package chat drives the turn protocol over a memory engine: retrieve
// context, generate a reply (whole or streamed), commit the turn.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/coreonhq/coreon-go/core"
	"github.com/coreonhq/coreon-go/memory"
)

// ErrEmptyReply reports a generation that succeeded at the transport
// level but produced no content. The user side of the turn is already
// committed when this is returned.
var ErrEmptyReply = errors.New("chat: model returned an empty reply")

// Session runs turns against one engine. Safe for concurrent use; the
// engine serializes per-session mutation internally.
type Session struct {
	engine     *memory.Engine
	genTimeout time.Duration
}

// Option configures a Session.
type Option func(*Session)

// WithGenerateTimeout bounds each model call. Expiry surfaces as the
// wrapped context error and the turn counts as a failed generation.
func WithGenerateTimeout(d time.Duration) Option {
	return func(s *Session) { s.genTimeout = d }
}

// New creates a turn driver over engine.
func New(engine *memory.Engine, opts ...Option) *Session {
	s := &Session{engine: engine}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Engine returns the underlying memory engine.
func (s *Session) Engine() *memory.Engine { return s.engine }

// Request is one user turn.
type Request struct {
	// Content is the user's message.
	Content string

	// SessionID selects a persistent session; empty selects the
	// engine's volatile session.
	SessionID string

	// Model names the generation model; empty resolves the primary.
	Model string

	// EmbedModel names the embedding model; empty resolves the primary.
	EmbedModel string

	// K is how many prior messages to retrieve. Zero uses the engine
	// default.
	K int

	// UserRole and AssistantRole override the stored role tags.
	UserRole      string
	AssistantRole string
}

// Reply is one completed turn.
type Reply struct {
	// Content is the assistant's full reply text.
	Content string

	// Model is the resolved generation model name.
	Model string

	// SessionID is the session the turn landed in: the request's id, or
	// the engine's volatile token when the request carried none.
	SessionID string

	// Context is the prompt history the model saw, retrieval hits
	// first, the user message last.
	Context []core.Message
}

// Chunk is one streamed fragment of a reply.
type Chunk struct {
	// Content is the fragment text. Empty on the terminal chunk.
	Content string

	// Done marks the final chunk of the turn.
	Done bool
}

// Chat runs one synchronous turn: resolve the generation model,
// retrieve context, generate, commit. A transport-level generation
// failure aborts the turn with nothing persisted. An empty reply
// commits the user side only and returns ErrEmptyReply.
func (s *Session) Chat(ctx context.Context, req Request) (*Reply, error) {
	gen, genName, err := s.engine.Registry().Generator(req.Model)
	if err != nil {
		return nil, err
	}

	history, err := s.engine.RetrieveContext(ctx, req.SessionID, req.Content, req.UserRole, req.EmbedModel, req.K)
	if err != nil {
		return nil, err
	}

	genCtx := ctx
	if s.genTimeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, s.genTimeout)
		defer cancel()
	}
	text, err := gen.Generate(genCtx, history)
	if err != nil {
		return nil, fmt.Errorf("generate with %s: %w", genName, err)
	}

	if err := s.engine.CommitTurn(ctx, req.SessionID, req.Content, req.UserRole, text, req.AssistantRole, genName, req.EmbedModel); err != nil {
		return nil, err
	}

	if text == "" {
		sid := s.sessionID(req)
		log.Printf("[CHAT] Model %s produced no content for session %s, user message kept", genName, sid)
		return nil, fmt.Errorf("session %s: %w", sid, ErrEmptyReply)
	}

	return &Reply{
		Content:   text,
		Model:     genName,
		SessionID: s.sessionID(req),
		Context:   history,
	}, nil
}

// ChatStream runs one streamed turn. Chunks reach fn as they arrive,
// followed by one terminal Done chunk. Nothing is persisted until the
// stream drains completely: a mid-stream error, a cancelled context or
// an error returned by fn all drop the whole turn, user message
// included.
func (s *Session) ChatStream(ctx context.Context, req Request, fn func(Chunk) error) (*Reply, error) {
	gen, genName, err := s.engine.Registry().Generator(req.Model)
	if err != nil {
		return nil, err
	}

	history, err := s.engine.RetrieveContext(ctx, req.SessionID, req.Content, req.UserRole, req.EmbedModel, req.K)
	if err != nil {
		return nil, err
	}

	genCtx := ctx
	if s.genTimeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, s.genTimeout)
		defer cancel()
	}
	text, err := gen.GenerateStream(genCtx, history, func(chunk string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(Chunk{Content: chunk})
	})
	if err != nil {
		log.Printf("[CHAT] Stream aborted for session %s, turn dropped: %v", s.sessionID(req), err)
		return nil, fmt.Errorf("generate with %s: %w", genName, err)
	}

	if err := s.engine.CommitTurn(ctx, req.SessionID, req.Content, req.UserRole, text, req.AssistantRole, genName, req.EmbedModel); err != nil {
		return nil, err
	}

	if text == "" {
		sid := s.sessionID(req)
		log.Printf("[CHAT] Model %s streamed no content for session %s, user message kept", genName, sid)
		return nil, fmt.Errorf("session %s: %w", sid, ErrEmptyReply)
	}

	if err := fn(Chunk{Done: true}); err != nil {
		// The turn is committed; a rejected terminal chunk only means
		// the consumer stopped listening.
		log.Printf("[CHAT] Terminal chunk rejected: %v", err)
	}

	return &Reply{
		Content:   text,
		Model:     genName,
		SessionID: s.sessionID(req),
		Context:   history,
	}, nil
}

// EmbedText embeds text with the named embedding model (primary when
// empty). Pass-through; nothing is indexed or stored.
func (s *Session) EmbedText(ctx context.Context, text, modelName string) ([]float32, error) {
	vec, _, err := s.engine.Registry().Embed(ctx, text, modelName)
	return vec, err
}

func (s *Session) sessionID(req Request) string {
	if req.SessionID != "" {
		return req.SessionID
	}
	return s.engine.VolatileToken()
}

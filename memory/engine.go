package memory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coreonhq/coreon-go/core"
	"github.com/coreonhq/coreon-go/model"
)

// Engine coordinates embedding, indexing, retrieval and persistence for
// any number of sessions. Each session owns a history, an index and a
// mutex; index position i always holds the normalized embedding of the
// message at history position i, and every mutation below preserves
// that alignment or fails before touching state.
type Engine struct {
	registry *model.Registry
	store    Store // nil = volatile only
	config   *Config

	mu            sync.Mutex
	sessions      map[string]*sessionState
	volatileToken string
}

// sessionState is the per-session working set. vectors mirrors the
// index contents by position so eviction rebuilds never re-embed.
type sessionState struct {
	mu       sync.Mutex
	id       string
	history  HistoryStore
	index    *Index
	vectors  [][]float32
	volatile bool
	loaded   bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore attaches a durable store, enabling persistent sessions.
func WithStore(s Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithDimension sets the embedding dimension the indexes accept.
func WithDimension(dim int) Option {
	return func(e *Engine) { e.config.Dimension = dim }
}

// WithCapacity bounds the volatile history buffer.
func WithCapacity(n int) Option {
	return func(e *Engine) { e.config.Capacity = n }
}

// WithTopK sets the default retrieval depth.
func WithTopK(k int) Option {
	return func(e *Engine) { e.config.TopK = k }
}

// WithEmbedTimeout bounds each embedding call.
func WithEmbedTimeout(d time.Duration) Option {
	return func(e *Engine) { e.config.EmbedTimeout = d }
}

// WithAutoCreate makes unknown persistent session ids create
// themselves on first use instead of failing with ErrSessionNotFound.
func WithAutoCreate() Option {
	return func(e *Engine) { e.config.AutoCreate = true }
}

// NewEngine creates an engine resolving models through registry.
func NewEngine(registry *model.Registry, opts ...Option) *Engine {
	cfg := *DefaultConfig
	e := &Engine{
		registry: registry,
		config:   &cfg,
		sessions: make(map[string]*sessionState),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.config.Dimension <= 0 {
		e.config.Dimension = DefaultConfig.Dimension
	}
	if e.config.Capacity <= 0 {
		e.config.Capacity = DefaultConfig.Capacity
	}
	if e.config.TopK <= 0 {
		e.config.TopK = DefaultConfig.TopK
	}
	return e
}

// Registry returns the engine's model registry.
func (e *Engine) Registry() *model.Registry { return e.registry }

// VolatileToken returns the ephemeral id of the engine's volatile
// session, creating it on first call. Callers that pass no session id
// land in this session; the token lets them keep its thread across
// calls.
func (e *Engine) VolatileToken() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.volatileToken == "" {
		e.volatileToken = uuid.NewString()
	}
	return e.volatileToken
}

// session returns the state for id, creating it on first use. An empty
// id selects the volatile session; other ids require a store.
func (e *Engine) session(id string) (*sessionState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if id == "" {
		if e.volatileToken == "" {
			e.volatileToken = uuid.NewString()
		}
		id = e.volatileToken
	}
	if s, ok := e.sessions[id]; ok {
		return s, nil
	}

	volatile := id == e.volatileToken
	if !volatile && e.store == nil {
		return nil, fmt.Errorf("session %s: no durable store configured", id)
	}

	index, err := NewIndex(e.config.Dimension)
	if err != nil {
		return nil, err
	}
	s := &sessionState{id: id, index: index}
	if volatile {
		s.history = NewVolatileHistory(e.config.Capacity)
		s.volatile = true
		s.loaded = true
	} else {
		s.history = NewStoredHistory(e.store, id)
	}
	e.sessions[id] = s
	return s, nil
}

// acquire returns the locked, loaded state for sessionID. The caller
// must unlock s.mu when done.
func (e *Engine) acquire(ctx context.Context, sessionID string) (*sessionState, error) {
	s, err := e.session(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if err := e.loadLocked(ctx, s); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	return s, nil
}

// loadLocked brings an unloaded persistent session into memory:
// validate the id, load messages and embeddings, rebuild the index in
// message order. A message/embedding count divergence or a stored
// vector of the wrong length aborts the load; truncating silently would
// break alignment without anyone noticing. Caller holds s.mu.
func (e *Engine) loadLocked(ctx context.Context, s *sessionState) error {
	if s.loaded {
		return nil
	}

	_, err := e.store.GetSession(ctx, s.id)
	if errors.Is(err, ErrSessionNotFound) && e.config.AutoCreate {
		if _, err = e.store.CreateSession(ctx, s.id, ""); err == nil {
			log.Printf("[ENGINE] Auto-created session %s", s.id)
		}
	}
	if err != nil {
		return fmt.Errorf("load session %s: %w", s.id, err)
	}

	msgs, err := e.store.Messages(ctx, s.id)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	embs, err := e.store.Embeddings(ctx, s.id)
	if err != nil {
		return fmt.Errorf("load embeddings: %w", err)
	}
	if len(msgs) != len(embs) {
		return fmt.Errorf("session %s has %d messages but %d embeddings, refusing misaligned load", s.id, len(msgs), len(embs))
	}

	vectors := make([][]float32, 0, len(embs))
	for i, emb := range embs {
		if len(emb.Vector) != e.config.Dimension {
			return fmt.Errorf("%w: stored vector %d has %d dims, index wants %d", ErrDimensionMismatch, i, len(emb.Vector), e.config.Dimension)
		}
		vectors = append(vectors, emb.Vector)
	}

	if err := s.index.Reset(e.config.Dimension); err != nil {
		return err
	}
	if _, err := s.index.AddBatch(ctx, vectors); err != nil {
		return err
	}
	s.vectors = vectors
	s.loaded = true
	log.Printf("[ENGINE] Loaded session %s: %d messages", s.id, len(msgs))
	return nil
}

// LoadSession eagerly loads a persistent session. Optional: every
// operation loads on first touch; this exists to surface load errors up
// front.
func (e *Engine) LoadSession(ctx context.Context, sessionID string) error {
	s, err := e.acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	s.mu.Unlock()
	return nil
}

// RetrieveContext assembles the prompt context for query: the k most
// similar prior messages in similarity order, then the user message
// itself, last. Embed and search failures degrade to just the user
// message; retrieval never blocks a turn. Session resolution failures
// do surface, so an unknown persistent id fails before any model call.
func (e *Engine) RetrieveContext(ctx context.Context, sessionID, query, userRole, embedModel string, k int) ([]core.Message, error) {
	if userRole == "" {
		userRole = core.RoleUser
	}
	if k <= 0 {
		k = e.config.TopK
	}
	userMsg := core.Message{Role: userRole, Content: query}

	s, err := e.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	if s.index.Size() == 0 {
		return []core.Message{userMsg}, nil
	}

	vec, _, err := e.embedNormalized(ctx, query, embedModel)
	if err != nil {
		log.Printf("[ENGINE] Query embed failed, continuing without context: %v", err)
		return []core.Message{userMsg}, nil
	}

	hits, err := s.index.Search(ctx, vec, k)
	if err != nil {
		log.Printf("[ENGINE] Index search failed, continuing without context: %v", err)
		return []core.Message{userMsg}, nil
	}

	history := make([]core.Message, 0, len(hits)+1)
	for _, hit := range hits {
		msg, err := s.history.Get(ctx, hit.Position)
		if err != nil {
			log.Printf("[ENGINE] Dropping hit at position %d: %v", hit.Position, err)
			continue
		}
		history = append(history, core.Message{Role: msg.Role, Content: msg.Content})
	}
	history = append(history, userMsg)
	if len(history) > 1 {
		log.Printf("[ENGINE] Retrieved %d context messages for query: %q", len(history)-1, truncateLog(query, 50))
	}
	return history, nil
}

// CommitTurn persists one exchange: the user message, then the
// assistant reply, each as embed, append, index. An empty
// assistantContent commits the user side only, leaving a half turn;
// callers must not assume even message counts.
func (e *Engine) CommitTurn(ctx context.Context, sessionID, userContent, userRole, assistantContent, assistantRole, genModel, embedModel string) error {
	if userRole == "" {
		userRole = core.RoleUser
	}
	if assistantRole == "" {
		assistantRole = core.RoleAssistant
	}

	s, err := e.acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	if err := e.commitMessage(ctx, s, userRole, userContent, "", embedModel); err != nil {
		return fmt.Errorf("commit user message: %w", err)
	}

	if assistantContent != "" {
		if err := e.commitMessage(ctx, s, assistantRole, assistantContent, genModel, embedModel); err != nil {
			return fmt.Errorf("commit assistant message: %w", err)
		}
	} else {
		log.Printf("[ENGINE] Empty assistant reply for session %s, committed user side only", s.id)
	}

	if !s.volatile {
		if err := e.store.TouchSession(ctx, s.id); err != nil {
			log.Printf("[ENGINE] Touch session %s: %v", s.id, err)
		}
	}
	return nil
}

// commitMessage runs the append protocol for one message: embed first
// so a failing embedder leaves history and index untouched, then append
// to history, then index. Caller holds s.mu.
func (e *Engine) commitMessage(ctx context.Context, s *sessionState, role, content, genModel, embedModel string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	vec, embName, err := e.embedNormalized(ctx, content, embedModel)
	if err != nil {
		return err
	}

	before, err := s.history.Len(ctx)
	if err != nil {
		return err
	}
	msg, err := s.history.Append(ctx, role, content, genModel)
	if err != nil {
		return err
	}
	after, err := s.history.Len(ctx)
	if err != nil {
		return err
	}

	if after == before {
		// The volatile buffer was full: one eviction, every surviving
		// position shifted down. Shift the mirror and rebuild.
		s.vectors = append(s.vectors[:0], s.vectors[1:]...)
		s.vectors = append(s.vectors, vec)
		if err := s.index.Reset(e.config.Dimension); err != nil {
			return err
		}
		if _, err := s.index.AddBatch(ctx, s.vectors); err != nil {
			return err
		}
		log.Printf("[ENGINE] Eviction in session %s, index rebuilt with %d vectors", s.id, len(s.vectors))
	} else {
		pos, err := s.index.Add(ctx, vec)
		if err != nil {
			return err
		}
		if pos != msg.Seq {
			// Drift here silently corrupts retrieval; fail loudly.
			return fmt.Errorf("index position %d does not match history position %d in session %s", pos, msg.Seq, s.id)
		}
		s.vectors = append(s.vectors, vec)
	}

	if !s.volatile {
		if _, err := e.store.SaveEmbedding(ctx, core.Embedding{
			MessageID: msg.ID,
			SessionID: s.id,
			Model:     embName,
			Vector:    vec,
			Position:  msg.Seq,
		}); err != nil {
			return err
		}
	}
	return nil
}

// embedNormalized embeds text with the resolved embed model and returns
// the unit vector plus the resolved model name.
func (e *Engine) embedNormalized(ctx context.Context, text, modelName string) ([]float32, string, error) {
	if e.config.EmbedTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.EmbedTimeout)
		defer cancel()
	}
	vec, resolved, err := e.registry.Embed(ctx, text, modelName)
	if err != nil {
		return nil, resolved, err
	}
	if len(vec) != e.config.Dimension {
		return nil, resolved, fmt.Errorf("%w: model %s returned %d dims, index wants %d", ErrDimensionMismatch, resolved, len(vec), e.config.Dimension)
	}
	return normalize(vec), resolved, nil
}

// CreateSession creates a persistent session through the configured
// store.
func (e *Engine) CreateSession(ctx context.Context, title string) (core.Session, error) {
	if e.store == nil {
		return core.Session{}, errors.New("create session: no durable store configured")
	}
	sess, err := e.store.CreateSession(ctx, "", title)
	if err != nil {
		return core.Session{}, err
	}
	log.Printf("[ENGINE] Created session %s (%q)", sess.ID, sess.Title)
	return sess, nil
}

// Sessions lists persistent sessions, most recently active first. An
// engine without a store has none.
func (e *Engine) Sessions(ctx context.Context) ([]core.Session, error) {
	if e.store == nil {
		return nil, nil
	}
	return e.store.ListSessions(ctx)
}

// History returns the session's messages in order.
func (e *Engine) History(ctx context.Context, sessionID string) ([]core.Message, error) {
	s, err := e.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.history.All(ctx)
}

// Stats reports a session's history length and indexed vector count.
// The two match whenever the alignment invariant holds.
type Stats struct {
	Messages int
	Vectors  int
}

// Stats returns the session's current counters.
func (e *Engine) Stats(ctx context.Context, sessionID string) (Stats, error) {
	s, err := e.acquire(ctx, sessionID)
	if err != nil {
		return Stats{}, err
	}
	defer s.mu.Unlock()

	n, err := s.history.Len(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Messages: n, Vectors: s.index.Size()}, nil
}

// normalize returns a unit-length copy of vec. L2 distance over unit
// vectors ranks identically to cosine similarity, which is what makes
// index distances comparable across queries.
func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	out := make([]float32, len(vec))
	if norm == 0 {
		copy(out, vec)
		return out
	}
	inv := 1 / float32(math.Sqrt(norm))
	for i, v := range vec {
		out[i] = v * inv
	}
	return out
}

// truncateLog shortens text for log lines.
func truncateLog(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

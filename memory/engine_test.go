package memory_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/coreonhq/coreon-go/core"
	"github.com/coreonhq/coreon-go/memory"
	"github.com/coreonhq/coreon-go/memory/store/sqlite"
	"github.com/coreonhq/coreon-go/model"
	"github.com/coreonhq/coreon-go/model/mock"
)

func newVolatileEngine(t *testing.T, opts ...memory.Option) (*memory.Engine, *mock.Embedder) {
	t.Helper()
	embedder := mock.NewEmbedder(testDim)
	registry := model.NewRegistry()
	if err := registry.Register("mock-embed", embedder, model.AsPrimaryEmbedder()); err != nil {
		t.Fatalf("Failed to register embedder: %v", err)
	}
	opts = append([]memory.Option{memory.WithDimension(testDim)}, opts...)
	return memory.NewEngine(registry, opts...), embedder
}

func TestEngineCommitAlignsIndexAndHistory(t *testing.T) {
	ctx := context.Background()
	eng, _ := newVolatileEngine(t)

	err := eng.CommitTurn(ctx, "", "what is the capital of france", "", "paris", "", "test-model", "")
	if err != nil {
		t.Fatalf("Failed to commit turn: %v", err)
	}

	stats, err := eng.Stats(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	if stats.Messages != 2 || stats.Vectors != 2 {
		t.Errorf("Expected 2 messages and 2 vectors, got %+v", stats)
	}

	history, err := eng.History(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get history: %v", err)
	}
	if history[0].Role != core.RoleUser || history[1].Role != core.RoleAssistant {
		t.Errorf("Unexpected roles: %s, %s", history[0].Role, history[1].Role)
	}
	if history[1].Model != "test-model" {
		t.Errorf("Expected assistant message tagged with model, got %q", history[1].Model)
	}
	if history[0].Model != "" {
		t.Errorf("Expected no model tag on user message, got %q", history[0].Model)
	}
}

func TestEngineRetrieveClosestPosition(t *testing.T) {
	ctx := context.Background()
	eng, _ := newVolatileEngine(t)

	if err := eng.CommitTurn(ctx, "", "first question", "", "first answer", "", "m", ""); err != nil {
		t.Fatalf("Failed to commit turn: %v", err)
	}
	if err := eng.CommitTurn(ctx, "", "second question", "", "", "", "m", ""); err != nil {
		t.Fatalf("Failed to commit half turn: %v", err)
	}

	// Query text identical to the message at position 1.
	history, err := eng.RetrieveContext(ctx, "", "first answer", "", "", 1)
	if err != nil {
		t.Fatalf("Failed to retrieve context: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("Expected hit plus user message, got %d entries", len(history))
	}
	if history[0].Content != "first answer" || history[0].Role != core.RoleAssistant {
		t.Errorf("Expected retrieval hit first, got %+v", history[0])
	}
	if history[1].Content != "first answer" || history[1].Role != core.RoleUser {
		t.Errorf("Expected user message last, got %+v", history[1])
	}
}

func TestEngineRetrieveOnEmptySession(t *testing.T) {
	ctx := context.Background()
	eng, _ := newVolatileEngine(t)

	history, err := eng.RetrieveContext(ctx, "", "hello", "", "", 5)
	if err != nil {
		t.Fatalf("Failed to retrieve context: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("Expected only the user message, got %d entries", len(history))
	}
	if history[0].Role != core.RoleUser || history[0].Content != "hello" {
		t.Errorf("Unexpected user message: %+v", history[0])
	}
}

func TestEngineHalfCommitOnEmptyAssistant(t *testing.T) {
	ctx := context.Background()
	eng, _ := newVolatileEngine(t)

	if err := eng.CommitTurn(ctx, "", "anyone there?", "", "", "", "m", ""); err != nil {
		t.Fatalf("Failed to commit half turn: %v", err)
	}

	stats, err := eng.Stats(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	if stats.Messages != 1 || stats.Vectors != 1 {
		t.Errorf("Expected 1 message and 1 vector, got %+v", stats)
	}

	history, _ := eng.History(ctx, "")
	if len(history) != 1 || history[0].Role != core.RoleUser {
		t.Errorf("Expected only the user message, got %+v", history)
	}
}

func TestEngineEvictionRebuildsIndex(t *testing.T) {
	ctx := context.Background()
	eng, _ := newVolatileEngine(t, memory.WithCapacity(2))

	turns := [][2]string{
		{"first question", "first answer"},
		{"second question", "second answer"},
		{"third question", "third answer"},
	}
	for _, turn := range turns {
		if err := eng.CommitTurn(ctx, "", turn[0], "", turn[1], "", "m", ""); err != nil {
			t.Fatalf("Failed to commit turn: %v", err)
		}
	}

	stats, err := eng.Stats(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	if stats.Messages != 2 || stats.Vectors != 2 {
		t.Errorf("Expected capacity-bounded 2/2, got %+v", stats)
	}

	history, err := eng.History(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get history: %v", err)
	}
	if history[0].Content != "third question" || history[1].Content != "third answer" {
		t.Errorf("Expected last turn to survive, got [%s %s]", history[0].Content, history[1].Content)
	}

	// The rebuilt index still maps hits onto the shifted positions.
	got, err := eng.RetrieveContext(ctx, "", "third answer", "", "", 1)
	if err != nil {
		t.Fatalf("Failed to retrieve context: %v", err)
	}
	if got[0].Content != "third answer" || got[0].Role != core.RoleAssistant {
		t.Errorf("Expected surviving assistant message as closest hit, got %+v", got[0])
	}
}

func TestEngineVolatileTokenKeepsThread(t *testing.T) {
	ctx := context.Background()
	eng, _ := newVolatileEngine(t)

	if err := eng.CommitTurn(ctx, "", "hello", "", "hi there", "", "m", ""); err != nil {
		t.Fatalf("Failed to commit turn: %v", err)
	}

	token := eng.VolatileToken()
	if token == "" {
		t.Fatal("Expected a volatile token")
	}

	// The token addresses the same session as the empty id.
	stats, err := eng.Stats(ctx, token)
	if err != nil {
		t.Fatalf("Failed to get stats by token: %v", err)
	}
	if stats.Messages != 2 {
		t.Errorf("Expected token to reach the volatile session, got %+v", stats)
	}
}

func TestEnginePersistentReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "engine.db")

	store, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	embedder := mock.NewEmbedder(testDim)
	registry := model.NewRegistry()
	if err := registry.Register("mock-embed", embedder, model.AsPrimaryEmbedder()); err != nil {
		t.Fatalf("Failed to register embedder: %v", err)
	}

	first := memory.NewEngine(registry, memory.WithStore(store), memory.WithDimension(testDim))
	sess, err := first.CreateSession(ctx, "reload test")
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	if err := first.CommitTurn(ctx, sess.ID, "first question", "", "first answer", "", "m", ""); err != nil {
		t.Fatalf("Failed to commit turn: %v", err)
	}
	if err := first.CommitTurn(ctx, sess.ID, "second question", "", "second answer", "", "m", ""); err != nil {
		t.Fatalf("Failed to commit turn: %v", err)
	}

	// A fresh engine sees the same session and rebuilds its index from
	// the stored vectors.
	second := memory.NewEngine(registry, memory.WithStore(store), memory.WithDimension(testDim))
	stats, err := second.Stats(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Failed to load session: %v", err)
	}
	if stats.Messages != 4 || stats.Vectors != 4 {
		t.Errorf("Expected 4/4 after reload, got %+v", stats)
	}

	history, err := second.RetrieveContext(ctx, sess.ID, "second answer", "", "", 1)
	if err != nil {
		t.Fatalf("Failed to retrieve context: %v", err)
	}
	if history[0].Content != "second answer" {
		t.Errorf("Expected reloaded index to find stored message, got %+v", history[0])
	}
}

func TestEngineSessionNotFound(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "missing.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	embedder := mock.NewEmbedder(testDim)
	registry := model.NewRegistry()
	if err := registry.Register("mock-embed", embedder, model.AsPrimaryEmbedder()); err != nil {
		t.Fatalf("Failed to register embedder: %v", err)
	}
	eng := memory.NewEngine(registry, memory.WithStore(store), memory.WithDimension(testDim))

	if _, err := eng.RetrieveContext(ctx, "ghost", "hello", "", "", 1); !errors.Is(err, memory.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound on retrieve, got %v", err)
	}
	if err := eng.CommitTurn(ctx, "ghost", "hello", "", "hi", "", "m", ""); !errors.Is(err, memory.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound on commit, got %v", err)
	}
}

func TestEngineAutoCreatesSession(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "auto.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	embedder := mock.NewEmbedder(testDim)
	registry := model.NewRegistry()
	if err := registry.Register("mock-embed", embedder, model.AsPrimaryEmbedder()); err != nil {
		t.Fatalf("Failed to register embedder: %v", err)
	}
	eng := memory.NewEngine(registry,
		memory.WithStore(store),
		memory.WithDimension(testDim),
		memory.WithAutoCreate(),
	)

	if err := eng.CommitTurn(ctx, "fresh-id", "hello", "", "hi there", "", "m", ""); err != nil {
		t.Fatalf("Expected auto-created session, got %v", err)
	}

	sess, err := store.GetSession(ctx, "fresh-id")
	if err != nil {
		t.Fatalf("Expected session row to exist: %v", err)
	}
	if sess.Title != memory.DefaultSessionTitle {
		t.Errorf("Expected default title, got %q", sess.Title)
	}

	stats, _ := eng.Stats(ctx, "fresh-id")
	if stats.Messages != 2 || stats.Vectors != 2 {
		t.Errorf("Expected 2/2 in auto-created session, got %+v", stats)
	}
}

func TestEngineDimensionMismatchAbortsCommit(t *testing.T) {
	ctx := context.Background()

	// Embedder and engine disagree about vector geometry.
	registry := model.NewRegistry()
	if err := registry.Register("small", mock.NewEmbedder(32), model.AsPrimaryEmbedder()); err != nil {
		t.Fatalf("Failed to register embedder: %v", err)
	}
	eng := memory.NewEngine(registry, memory.WithDimension(testDim))

	err := eng.CommitTurn(ctx, "", "hello", "", "hi", "", "m", "")
	if !errors.Is(err, memory.ErrDimensionMismatch) {
		t.Fatalf("Expected ErrDimensionMismatch, got %v", err)
	}

	stats, _ := eng.Stats(ctx, "")
	if stats.Messages != 0 || stats.Vectors != 0 {
		t.Errorf("Expected nothing persisted after mismatch, got %+v", stats)
	}
}

func TestEngineEmbedFailure(t *testing.T) {
	ctx := context.Background()
	eng, embedder := newVolatileEngine(t)

	if err := eng.CommitTurn(ctx, "", "hello", "", "hi there", "", "m", ""); err != nil {
		t.Fatalf("Failed to commit turn: %v", err)
	}

	embedder.Err = errors.New("embedding service down")

	// Retrieval degrades to just the user message.
	history, err := eng.RetrieveContext(ctx, "", "hello again", "", "", 3)
	if err != nil {
		t.Fatalf("Expected degraded retrieval, got error: %v", err)
	}
	if len(history) != 1 || history[0].Content != "hello again" {
		t.Errorf("Expected only the user message, got %+v", history)
	}

	// Commit does not degrade; it fails without touching state.
	if err := eng.CommitTurn(ctx, "", "hello again", "", "hi again", "", "m", ""); err == nil {
		t.Fatal("Expected commit to fail with a dead embedder")
	}
	stats, _ := eng.Stats(ctx, "")
	if stats.Messages != 2 || stats.Vectors != 2 {
		t.Errorf("Expected state unchanged after failed commit, got %+v", stats)
	}
}

func TestEngineNoEmbedderRegistered(t *testing.T) {
	ctx := context.Background()
	eng := memory.NewEngine(model.NewRegistry(), memory.WithDimension(testDim))

	// No index content yet, so retrieval succeeds without embedding.
	history, err := eng.RetrieveContext(ctx, "", "hello", "", "", 3)
	if err != nil || len(history) != 1 {
		t.Fatalf("Expected bare user message, got %v (err %v)", history, err)
	}

	if err := eng.CommitTurn(ctx, "", "hello", "", "hi", "", "m", ""); !errors.Is(err, model.ErrNoModel) {
		t.Errorf("Expected ErrNoModel on commit, got %v", err)
	}
}

package model_test

import (
	"context"
	"testing"

	"github.com/coreonhq/coreon-go/model"
)

// countingEmbedder counts how often the wrapped service is actually hit.
type countingEmbedder struct {
	calls int
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls++
	return []float32{float32(len(text)), 1, 0}, nil
}

func TestCachedEmbedderHitsCache(t *testing.T) {
	ctx := context.Background()
	inner := &countingEmbedder{}

	cached, err := model.NewCachedEmbedder(inner, 1<<20)
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	defer cached.Close()

	first, err := cached.Embed(ctx, "hello world")
	if err != nil {
		t.Fatalf("Failed to embed: %v", err)
	}
	cached.Wait()

	second, err := cached.Embed(ctx, "hello world")
	if err != nil {
		t.Fatalf("Failed to embed: %v", err)
	}
	if inner.calls != 1 {
		t.Errorf("Expected 1 inner call after repeat embed, got %d", inner.calls)
	}
	if len(first) != len(second) || first[0] != second[0] {
		t.Errorf("Expected identical vectors, got %v and %v", first, second)
	}

	if _, err := cached.Embed(ctx, "different text"); err != nil {
		t.Fatalf("Failed to embed: %v", err)
	}
	if inner.calls != 2 {
		t.Errorf("Expected cache miss for new text, got %d inner calls", inner.calls)
	}
}

// Package mock provides deterministic model handles for tests and
// offline runs. The embedder derives vectors from a text hash so
// identical inputs always land on identical vectors; the generator
// replays a scripted reply.
package mock

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/coreonhq/coreon-go/core"
	"github.com/coreonhq/coreon-go/model"
)

// Embedder produces deterministic unit vectors from a text hash.
type Embedder struct {
	dims int

	// Err, when non-nil, is returned once the call count exceeds
	// FailAfter, modelling a dying embedding service.
	Err       error
	FailAfter int

	calls int
}

var _ model.Embedder = (*Embedder)(nil)

// NewEmbedder creates a mock embedder producing vectors of the given
// dimension.
func NewEmbedder(dims int) *Embedder {
	return &Embedder{dims: dims}
}

// Dimensions returns the embedding size.
func (e *Embedder) Dimensions() int { return e.dims }

// Embed creates a deterministic unit vector from text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls++
	if e.Err != nil && e.calls > e.FailAfter {
		return nil, e.Err
	}

	h := fnv.New64a()
	h.Write([]byte(text))

	// The hash seeds an LCG so every dimension is reproducible.
	seed := h.Sum64()
	vec := make([]float32, e.dims)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return normalize(vec), nil
}

func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = float32(math.Sqrt(float64(norm)))
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = v / norm
	}
	return out
}

// Generator replays a scripted reply.
type Generator struct {
	// Reply is the canned response. An empty Reply models a model that
	// produced no content.
	Reply string

	// Err, when non-nil, fails every call before any content is
	// produced.
	Err error

	// ChunkSize is how many bytes each streamed chunk carries. Zero
	// delivers the whole reply as one chunk.
	ChunkSize int

	// StreamErr, when non-nil, is returned after ErrAfterChunks chunks
	// have been delivered, modelling a transport failure mid-stream.
	StreamErr      error
	ErrAfterChunks int
}

var _ model.Generator = (*Generator)(nil)

// Generate returns the scripted reply.
func (g *Generator) Generate(ctx context.Context, history []core.Message) (string, error) {
	if g.Err != nil {
		return "", g.Err
	}
	return g.Reply, nil
}

// GenerateStream delivers the scripted reply in ChunkSize pieces.
func (g *Generator) GenerateStream(ctx context.Context, history []core.Message, fn func(string) error) (string, error) {
	if g.Err != nil {
		return "", g.Err
	}
	size := g.ChunkSize
	if size <= 0 {
		size = len(g.Reply)
	}

	var sent int
	for i := 0; i < len(g.Reply); i += size {
		if g.StreamErr != nil && sent >= g.ErrAfterChunks {
			return "", g.StreamErr
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		end := i + size
		if end > len(g.Reply) {
			end = len(g.Reply)
		}
		if err := fn(g.Reply[i:end]); err != nil {
			return "", err
		}
		sent++
	}
	return g.Reply, nil
}

package memory

import (
	"context"
	"fmt"
	"log"
	"math"
	"runtime"
	"strconv"

	chromem "github.com/philippgille/chromem-go"
)

const indexCollection = "positions"

// SearchHit is one nearest-neighbour result: the index position of the
// matching vector and its L2 distance from the query. Vectors are unit
// length, so distance ranking equals cosine ranking.
type SearchHit struct {
	Position int
	Distance float32
}

// Index is a positional vector index over an embedded chromem-go
// collection. Positions are assigned in strict append order and are the
// only join key back to the history.
//
// Index validates dimensions but does not normalize: callers insert and
// query unit vectors. Not safe for concurrent use; the engine guards it
// with the per-session lock.
type Index struct {
	db   *chromem.DB
	col  *chromem.Collection
	dim  int
	size int
}

// NewIndex creates an empty index accepting vectors of the given
// dimension.
func NewIndex(dim int) (*Index, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("index dimension must be positive, got %d", dim)
	}
	db := chromem.NewDB()
	col, err := db.CreateCollection(indexCollection, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &Index{db: db, col: col, dim: dim}, nil
}

// Dimension returns the vector length the index accepts.
func (ix *Index) Dimension() int { return ix.dim }

// Size returns the number of stored vectors.
func (ix *Index) Size() int { return ix.size }

// Reset drops every vector and re-arms the index for the given
// dimension.
func (ix *Index) Reset(dim int) error {
	if dim <= 0 {
		return fmt.Errorf("index dimension must be positive, got %d", dim)
	}
	if err := ix.db.DeleteCollection(indexCollection); err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	col, err := ix.db.CreateCollection(indexCollection, nil, nil)
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	ix.col = col
	ix.dim = dim
	ix.size = 0
	return nil
}

// Add appends one vector and returns its position.
func (ix *Index) Add(ctx context.Context, vec []float32) (int, error) {
	if len(vec) != ix.dim {
		return 0, fmt.Errorf("%w: got %d dims, index wants %d", ErrDimensionMismatch, len(vec), ix.dim)
	}
	pos := ix.size
	doc := chromem.Document{
		ID:        strconv.Itoa(pos),
		Embedding: vec,
	}
	if err := ix.col.AddDocument(ctx, doc); err != nil {
		return 0, fmt.Errorf("add document: %w", err)
	}
	ix.size++
	return pos, nil
}

// AddBatch appends vectors in input order and returns their positions,
// contiguous from the pre-call size.
func (ix *Index) AddBatch(ctx context.Context, vecs [][]float32) ([]int, error) {
	if len(vecs) == 0 {
		return nil, nil
	}
	docs := make([]chromem.Document, 0, len(vecs))
	positions := make([]int, 0, len(vecs))
	for i, vec := range vecs {
		if len(vec) != ix.dim {
			return nil, fmt.Errorf("%w: vector %d has %d dims, index wants %d", ErrDimensionMismatch, i, len(vec), ix.dim)
		}
		pos := ix.size + i
		docs = append(docs, chromem.Document{ID: strconv.Itoa(pos), Embedding: vec})
		positions = append(positions, pos)
	}
	if err := ix.col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return nil, fmt.Errorf("add documents: %w", err)
	}
	ix.size += len(vecs)
	return positions, nil
}

// Search returns the k nearest stored vectors ordered by ascending
// distance. An empty index yields an empty result; k beyond Size is
// clamped, since chromem rejects over-sized result requests outright.
func (ix *Index) Search(ctx context.Context, query []float32, k int) ([]SearchHit, error) {
	if len(query) != ix.dim {
		return nil, fmt.Errorf("%w: query has %d dims, index wants %d", ErrDimensionMismatch, len(query), ix.dim)
	}
	if k > ix.size {
		k = ix.size
	}
	if k <= 0 {
		return nil, nil
	}

	results, err := ix.col.QueryEmbedding(ctx, query, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query embedding: %w", err)
	}

	hits := make([]SearchHit, 0, len(results))
	for _, res := range results {
		pos, err := strconv.Atoi(res.ID)
		if err != nil {
			log.Printf("[INDEX] Skipping result with malformed id %q", res.ID)
			continue
		}
		hits = append(hits, SearchHit{Position: pos, Distance: unitL2(res.Similarity)})
	}
	return hits, nil
}

// unitL2 converts cosine similarity between unit vectors to their L2
// distance: d^2 = 2 - 2s. Rounding can push s past 1, so the radicand
// is floored at zero.
func unitL2(sim float32) float32 {
	d := 2 - 2*float64(sim)
	if d < 0 {
		d = 0
	}
	return float32(math.Sqrt(d))
}

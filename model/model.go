// Package model defines the generation and embedding capabilities and a
// registry that resolves named handles to them. A handle may implement
// either capability or both; backends live in subpackages (ollama,
// claude, mock).
package model

import (
	"context"
	"errors"

	"github.com/coreonhq/coreon-go/core"
)

// ErrNoModel is returned when resolution finds neither the requested
// model nor a primary for the capability.
var ErrNoModel = errors.New("model: no model available")

// Generator produces assistant replies from an ordered message history.
type Generator interface {
	// Generate returns the complete reply for the given history.
	Generate(ctx context.Context, history []core.Message) (string, error)

	// GenerateStream produces the reply incrementally, calling fn once
	// per chunk, and returns the concatenated text. An error returned by
	// fn aborts the stream.
	GenerateStream(ctx context.Context, history []core.Message, fn func(chunk string) error) (string, error)
}

// Embedder converts text into a fixed-length vector. Vector length is a
// property of the backing model; consumers validate it against their own
// configured dimension.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

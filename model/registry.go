package model

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/coreonhq/coreon-go/core"
)

// Registry holds named model handles and resolves which one serves a
// call. Each capability tracks its own primary, so a generation-only
// handle and an embedding-only handle can share a registry. Resolution
// order: requested name, then the capability's primary, then ErrNoModel.
type Registry struct {
	mu         sync.RWMutex
	generators map[string]Generator
	embedders  map[string]Embedder
	primaryGen string
	primaryEmb string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		generators: make(map[string]Generator),
		embedders:  make(map[string]Embedder),
	}
}

type registration struct {
	primaryGen bool
	primaryEmb bool
}

// RegisterOption adjusts a registration.
type RegisterOption func(*registration)

// AsPrimaryGenerator makes the handle the default generation model.
func AsPrimaryGenerator() RegisterOption {
	return func(r *registration) { r.primaryGen = true }
}

// AsPrimaryEmbedder makes the handle the default embedding model.
func AsPrimaryEmbedder() RegisterOption {
	return func(r *registration) { r.primaryEmb = true }
}

// Register adds handle under name for every capability it implements.
// The first handle registered for a capability becomes its primary
// unless a later registration claims the slot explicitly. Registering a
// name twice replaces the earlier handle.
func (r *Registry) Register(name string, handle any, opts ...RegisterOption) error {
	if name == "" {
		return errors.New("model: name is empty")
	}
	var reg registration
	for _, opt := range opts {
		opt(&reg)
	}

	gen, isGen := handle.(Generator)
	emb, isEmb := handle.(Embedder)
	if !isGen && !isEmb {
		return fmt.Errorf("model %s: handle implements neither Generator nor Embedder", name)
	}
	if reg.primaryGen && !isGen {
		return fmt.Errorf("model %s: cannot be primary generator, handle does not generate", name)
	}
	if reg.primaryEmb && !isEmb {
		return fmt.Errorf("model %s: cannot be primary embedder, handle does not embed", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if isGen {
		r.generators[name] = gen
		if reg.primaryGen || r.primaryGen == "" {
			r.primaryGen = name
		}
	}
	if isEmb {
		r.embedders[name] = emb
		if reg.primaryEmb || r.primaryEmb == "" {
			r.primaryEmb = name
		}
	}
	log.Printf("[REGISTRY] Registered %s (generate=%t, embed=%t)", name, isGen, isEmb)
	return nil
}

// Generator resolves a generation handle and reports the resolved name.
// An unknown requested name falls back to the primary.
func (r *Registry) Generator(name string) (Generator, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name != "" {
		if g, ok := r.generators[name]; ok {
			return g, name, nil
		}
	}
	if r.primaryGen != "" {
		return r.generators[r.primaryGen], r.primaryGen, nil
	}
	return nil, "", fmt.Errorf("generate: %w", ErrNoModel)
}

// Embedder resolves an embedding handle and reports the resolved name.
// An unknown requested name falls back to the primary.
func (r *Registry) Embedder(name string) (Embedder, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name != "" {
		if e, ok := r.embedders[name]; ok {
			return e, name, nil
		}
	}
	if r.primaryEmb != "" {
		return r.embedders[r.primaryEmb], r.primaryEmb, nil
	}
	return nil, "", fmt.Errorf("embed: %w", ErrNoModel)
}

// Generate resolves name and produces a complete reply, reporting the
// resolved model name alongside the text.
func (r *Registry) Generate(ctx context.Context, history []core.Message, name string) (string, string, error) {
	g, resolved, err := r.Generator(name)
	if err != nil {
		return "", "", err
	}
	text, err := g.Generate(ctx, history)
	if err != nil {
		return "", resolved, fmt.Errorf("generate with %s: %w", resolved, err)
	}
	return text, resolved, nil
}

// GenerateStream resolves name and streams a reply through fn, reporting
// the resolved model name alongside the concatenated text.
func (r *Registry) GenerateStream(ctx context.Context, history []core.Message, name string, fn func(chunk string) error) (string, string, error) {
	g, resolved, err := r.Generator(name)
	if err != nil {
		return "", "", err
	}
	text, err := g.GenerateStream(ctx, history, fn)
	if err != nil {
		return "", resolved, fmt.Errorf("generate with %s: %w", resolved, err)
	}
	return text, resolved, nil
}

// Embed resolves name and embeds text, reporting the resolved model name
// alongside the vector.
func (r *Registry) Embed(ctx context.Context, text, name string) ([]float32, string, error) {
	e, resolved, err := r.Embedder(name)
	if err != nil {
		return nil, "", err
	}
	vec, err := e.Embed(ctx, text)
	if err != nil {
		return nil, resolved, fmt.Errorf("embed with %s: %w", resolved, err)
	}
	return vec, resolved, nil
}

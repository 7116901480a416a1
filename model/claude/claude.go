// Package claude provides a generation-only model handle backed by the
// Anthropic Messages API. Anthropic exposes no embeddings endpoint, so
// the handle implements just model.Generator; pair it with an
// embedding-capable handle in the registry.
package claude

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/coreonhq/coreon-go/core"
	"github.com/coreonhq/coreon-go/model"
)

// DefaultMaxTokens caps replies when no option overrides it.
const DefaultMaxTokens = 4096

// Model is an Anthropic-backed generation handle for one named model.
type Model struct {
	client    *anthropic.Client
	name      string
	maxTokens int64
	system    string
}

var _ model.Generator = (*Model)(nil)

// Option configures a Model.
type Option func(*Model)

// WithMaxTokens sets the per-reply token cap.
func WithMaxTokens(n int64) Option {
	return func(m *Model) { m.maxTokens = n }
}

// WithSystemPrompt sets a system prompt sent with every request.
func WithSystemPrompt(s string) Option {
	return func(m *Model) { m.system = s }
}

// New creates a handle for the named model using the given API key.
func New(apiKey, name string, opts ...Option) *Model {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	m := &Model{
		client:    &client,
		name:      name,
		maxTokens: DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name returns the Anthropic model identifier.
func (m *Model) Name() string { return m.name }

// Generate returns the complete reply for the history.
func (m *Model) Generate(ctx context.Context, history []core.Message) (string, error) {
	resp, err := m.client.Messages.New(ctx, m.params(history))
	if err != nil {
		return "", fmt.Errorf("anthropic api: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text, nil
}

// GenerateStream produces the reply incrementally, forwarding each text
// delta to fn.
func (m *Model) GenerateStream(ctx context.Context, history []core.Message, fn func(string) error) (string, error) {
	stream := m.client.Messages.NewStreaming(ctx, m.params(history))
	defer stream.Close()

	var text string
	for stream.Next() {
		event := stream.Current()
		switch evt := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch delta := evt.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				text += delta.Text
				if err := fn(delta.Text); err != nil {
					return "", err
				}
			}
		case anthropic.MessageStopEvent:
			// Stream complete
		}
	}
	if err := stream.Err(); err != nil {
		return "", fmt.Errorf("anthropic stream: %w", err)
	}
	return text, nil
}

// params builds the request, folding system-role messages into the
// system prompt since the Messages API takes those out of band.
func (m *Model) params(history []core.Message) anthropic.MessageNewParams {
	system := m.system
	msgs := make([]anthropic.MessageParam, 0, len(history))
	for _, msg := range history {
		switch msg.Role {
		case core.RoleAssistant:
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		case "system":
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
		default:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(m.name),
		MaxTokens: m.maxTokens,
		Messages:  msgs,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	return params
}

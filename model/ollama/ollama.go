// Package ollama provides model handles backed by a local or remote
// Ollama server. One handle serves one named model and implements both
// generation and embedding; register separate handles for a chat model
// and an embedding model.
package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/coreonhq/coreon-go/core"
	"github.com/coreonhq/coreon-go/model"
)

// Model is an Ollama-backed handle for one named model.
type Model struct {
	client *api.Client
	name   string
}

var (
	_ model.Generator = (*Model)(nil)
	_ model.Embedder  = (*Model)(nil)
)

type options struct {
	host       string
	httpClient *http.Client
}

// Option configures a Model.
type Option func(*options)

// WithHost points the handle at an explicit server instead of the
// OLLAMA_HOST environment lookup.
func WithHost(host string) Option {
	return func(o *options) { o.host = host }
}

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// New creates a handle for the named model. Without WithHost the client
// is configured from the environment (OLLAMA_HOST, default
// localhost:11434).
func New(name string, opts ...Option) (*Model, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if o.host == "" {
		client, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("ollama client: %w", err)
		}
		return &Model{client: client, name: name}, nil
	}

	base, err := url.Parse(o.host)
	if err != nil {
		return nil, fmt.Errorf("ollama host: %w", err)
	}
	httpClient := o.httpClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Model{client: api.NewClient(base, httpClient), name: name}, nil
}

// Name returns the model name as known to the Ollama server.
func (m *Model) Name() string { return m.name }

// Generate returns the complete reply for the history.
func (m *Model) Generate(ctx context.Context, history []core.Message) (string, error) {
	stream := false
	req := &api.ChatRequest{
		Model:    m.name,
		Messages: toAPIMessages(history),
		Stream:   &stream,
	}

	var out strings.Builder
	err := m.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		out.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat: %w", err)
	}
	return out.String(), nil
}

// GenerateStream produces the reply incrementally. Each non-empty chunk
// reaches fn in arrival order.
func (m *Model) GenerateStream(ctx context.Context, history []core.Message, fn func(string) error) (string, error) {
	req := &api.ChatRequest{
		Model:    m.name,
		Messages: toAPIMessages(history),
	}

	var out strings.Builder
	err := m.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		if resp.Message.Content == "" {
			return nil
		}
		out.WriteString(resp.Message.Content)
		return fn(resp.Message.Content)
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat stream: %w", err)
	}
	return out.String(), nil
}

// Embed converts text to a vector using the model's embedding endpoint.
func (m *Model) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := m.client.Embed(ctx, &api.EmbedRequest{
		Model: m.name,
		Input: text,
	})
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("ollama embed: model %s returned no embedding", m.name)
	}
	return resp.Embeddings[0], nil
}

func toAPIMessages(history []core.Message) []api.Message {
	msgs := make([]api.Message, 0, len(history))
	for _, m := range history {
		msgs = append(msgs, api.Message{Role: m.Role, Content: m.Content})
	}
	return msgs
}

// Package providers defines the LLM provider contract and a registry that
// builds and caches clients from configuration, resolving providers by name
// or by required capability.
package providers

import (
	"context"
	"encoding/json"

	"github.com/cerise-ai/cerise/pkg/models"
)

// Capabilities describes what a provider can do.
type Capabilities struct {
	Chat             bool `json:"chat" yaml:"chat"`
	Streaming        bool `json:"streaming" yaml:"streaming"`
	FunctionCalling  bool `json:"function_calling" yaml:"function_calling"`
	Vision           bool `json:"vision" yaml:"vision"`
	Embeddings       bool `json:"embeddings" yaml:"embeddings"`
	Rerank           bool `json:"rerank" yaml:"rerank"`
	MaxContextLength int  `json:"max_context_length" yaml:"max_context_length"`
}

// Has reports whether a named capability is present.
func (c Capabilities) Has(name string) bool {
	switch name {
	case "chat":
		return c.Chat
	case "streaming", "stream":
		return c.Streaming
	case "function_calling", "tools":
		return c.FunctionCalling
	case "vision":
		return c.Vision
	case "embeddings", "embed":
		return c.Embeddings
	case "rerank":
		return c.Rerank
	}
	return false
}

// ToolSpec is the provider-facing tool schema.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ChatOptions tunes a single chat call.
type ChatOptions struct {
	Model       string
	Temperature float32
	MaxTokens   int
	Tools       []ToolSpec
}

// RerankResult is one entry of a rerank response: the index of the document
// in the request and its relevance score.
type RerankResult struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Provider is the unified LLM client contract. Adapters translate between
// this interface and the vendor SDKs; everything above it is vendor-blind.
type Provider interface {
	// Name returns the configured provider name.
	Name() string

	// Chat performs a completion over the full message history.
	Chat(ctx context.Context, messages []*models.Message, opts *ChatOptions) (*models.ChatResponse, error)

	// StreamChat streams completion text deltas. The channel closes when the
	// stream ends.
	StreamChat(ctx context.Context, messages []*models.Message, opts *ChatOptions) (<-chan string, error)

	// Embed returns one embedding vector per input text.
	Embed(ctx context.Context, texts []string, model string) ([][]float64, error)

	// Rerank scores documents against a query, best first.
	Rerank(ctx context.Context, query string, documents []string, model string, topK int) ([]RerankResult, error)

	// Capabilities reports what this provider supports.
	Capabilities() Capabilities

	// AvailableModels lists the configured model identifiers.
	AvailableModels() []string
}

package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/cerise-ai/cerise/internal/cerr"
	"github.com/cerise-ai/cerise/pkg/models"
)

// openAIProvider adapts any OpenAI-compatible endpoint (OpenAI, OpenRouter,
// ollama, vllm) to the Provider interface.
type openAIProvider struct {
	name   string
	cfg    ProviderConfig
	client *openai.Client
	caps   Capabilities
	logger *slog.Logger
}

func newOpenAIProvider(name string, cfg ProviderConfig, logger *slog.Logger) (Provider, error) {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	caps := Capabilities{
		Chat:             true,
		Streaming:        true,
		FunctionCalling:  true,
		Vision:           true,
		Embeddings:       true,
		MaxContextLength: 128000,
	}
	if cfg.Capabilities != nil {
		caps = *cfg.Capabilities
	}
	return &openAIProvider{
		name:   name,
		cfg:    cfg,
		client: openai.NewClientWithConfig(clientCfg),
		caps:   caps,
		logger: logger.With("provider", name, "type", "openai"),
	}, nil
}

func (p *openAIProvider) Name() string { return p.name }

func (p *openAIProvider) Capabilities() Capabilities { return p.caps }

func (p *openAIProvider) AvailableModels() []string {
	if len(p.cfg.Models) > 0 {
		return p.cfg.Models
	}
	if p.cfg.Model != "" {
		return []string{p.cfg.Model}
	}
	return nil
}

func (p *openAIProvider) model(opts *ChatOptions) string {
	if opts != nil && opts.Model != "" {
		return opts.Model
	}
	return p.cfg.Model
}

func (p *openAIProvider) Chat(ctx context.Context, messages []*models.Message, opts *ChatOptions) (*models.ChatResponse, error) {
	req := openai.ChatCompletionRequest{
		Model:    p.model(opts),
		Messages: toOpenAIMessages(messages),
	}
	if opts != nil {
		req.Temperature = opts.Temperature
		req.MaxTokens = opts.MaxTokens
		req.Tools = toOpenAITools(opts.Tools)
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, cerr.Wrap(cerr.ErrTransport, "openai chat: %v", err)
	}
	if len(resp.Choices) == 0 {
		return nil, cerr.Wrap(cerr.ErrExternal, "openai chat returned no choices")
	}

	choice := resp.Choices[0]
	out := &models.ChatResponse{
		Content: choice.Message.Content,
		Model:   resp.Model,
		Usage: models.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
		FinishReason: string(choice.FinishReason),
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out, nil
}

func (p *openAIProvider) StreamChat(ctx context.Context, messages []*models.Message, opts *ChatOptions) (<-chan string, error) {
	req := openai.ChatCompletionRequest{
		Model:    p.model(opts),
		Messages: toOpenAIMessages(messages),
		Stream:   true,
	}
	if opts != nil {
		req.Temperature = opts.Temperature
		req.MaxTokens = opts.MaxTokens
	}
	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, cerr.Wrap(cerr.ErrTransport, "openai stream: %v", err)
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer stream.Close()
		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				p.logger.Error("stream receive failed", "error", err)
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				select {
				case out <- delta:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (p *openAIProvider) Embed(ctx context.Context, texts []string, model string) ([][]float64, error) {
	if model == "" {
		model = p.cfg.EmbeddingModel
	}
	if model == "" {
		return nil, cerr.Wrap(cerr.ErrFailedPrecondition, "provider %q has no embedding model configured", p.name)
	}
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(model),
	})
	if err != nil {
		return nil, cerr.Wrap(cerr.ErrTransport, "openai embeddings: %v", err)
	}
	out := make([][]float64, len(resp.Data))
	for i, item := range resp.Data {
		vec := make([]float64, len(item.Embedding))
		for j, v := range item.Embedding {
			vec[j] = float64(v)
		}
		out[i] = vec
	}
	return out, nil
}

func (p *openAIProvider) Rerank(ctx context.Context, query string, documents []string, model string, topK int) ([]RerankResult, error) {
	return nil, cerr.Wrap(cerr.ErrFailedPrecondition, "provider %q does not support rerank", p.name)
}

func toOpenAIMessages(messages []*models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

func toOpenAITools(tools []ToolSpec) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

var _ Provider = (*openAIProvider)(nil)

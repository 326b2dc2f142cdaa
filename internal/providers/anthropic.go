package providers

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/cerise-ai/cerise/internal/cerr"
	"github.com/cerise-ai/cerise/pkg/models"
)

// anthropicProvider adapts the Anthropic Messages API to the Provider
// interface. Anthropic keeps the system prompt out of the message array and
// reports tool results as user-role content blocks; the conversion below
// hides both quirks.
type anthropicProvider struct {
	name   string
	cfg    ProviderConfig
	client anthropic.Client
	caps   Capabilities
	logger *slog.Logger
}

func newAnthropicProvider(name string, cfg ProviderConfig, logger *slog.Logger) (Provider, error) {
	options := []option.RequestOption{}
	if cfg.APIKey != "" {
		options = append(options, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	caps := Capabilities{
		Chat:             true,
		Streaming:        true,
		FunctionCalling:  true,
		Vision:           true,
		MaxContextLength: 200000,
	}
	if cfg.Capabilities != nil {
		caps = *cfg.Capabilities
	}
	return &anthropicProvider{
		name:   name,
		cfg:    cfg,
		client: anthropic.NewClient(options...),
		caps:   caps,
		logger: logger.With("provider", name, "type", "anthropic"),
	}, nil
}

func (p *anthropicProvider) Name() string { return p.name }

func (p *anthropicProvider) Capabilities() Capabilities { return p.caps }

func (p *anthropicProvider) AvailableModels() []string {
	if len(p.cfg.Models) > 0 {
		return p.cfg.Models
	}
	if p.cfg.Model != "" {
		return []string{p.cfg.Model}
	}
	return nil
}

func (p *anthropicProvider) model(opts *ChatOptions) string {
	if opts != nil && opts.Model != "" {
		return opts.Model
	}
	return p.cfg.Model
}

func (p *anthropicProvider) Chat(ctx context.Context, messages []*models.Message, opts *ChatOptions) (*models.ChatResponse, error) {
	system, converted := toAnthropicMessages(messages)

	maxTokens := 4096
	if opts != nil && opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(opts)),
		MaxTokens: int64(maxTokens),
		Messages:  converted,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if opts != nil && opts.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(opts.Temperature))
	}
	if opts != nil && len(opts.Tools) > 0 {
		tools, err := toAnthropicTools(opts.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, cerr.Wrap(cerr.ErrTransport, "anthropic chat: %v", err)
	}

	out := &models.ChatResponse{
		Model: string(resp.Model),
		Usage: models.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
		},
		FinishReason: string(resp.StopReason),
	}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			out.Content += block.Text
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: json.RawMessage(block.Input),
			})
		}
	}
	return out, nil
}

func (p *anthropicProvider) StreamChat(ctx context.Context, messages []*models.Message, opts *ChatOptions) (<-chan string, error) {
	system, converted := toAnthropicMessages(messages)

	maxTokens := 4096
	if opts != nil && opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(opts)),
		MaxTokens: int64(maxTokens),
		Messages:  converted,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer stream.Close()
		for stream.Next() {
			event := stream.Current()
			if event.Type != "content_block_delta" {
				continue
			}
			if delta := event.Delta.Text; delta != "" {
				select {
				case out <- delta:
				case <-ctx.Done():
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			p.logger.Error("stream failed", "error", err)
		}
	}()
	return out, nil
}

func (p *anthropicProvider) Embed(ctx context.Context, texts []string, model string) ([][]float64, error) {
	return nil, cerr.Wrap(cerr.ErrFailedPrecondition, "provider %q does not support embeddings", p.name)
}

func (p *anthropicProvider) Rerank(ctx context.Context, query string, documents []string, model string, topK int) ([]RerankResult, error) {
	return nil, cerr.Wrap(cerr.ErrFailedPrecondition, "provider %q does not support rerank", p.name)
}

// toAnthropicMessages splits out system text and converts the rest. Tool
// messages become user-role tool_result blocks; assistant tool calls become
// tool_use blocks.
func toAnthropicMessages(messages []*models.Message) (string, []anthropic.MessageParam) {
	system := ""
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case models.RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		case models.RoleTool:
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false),
			))
		case models.RoleAssistant:
			content := []anthropic.ContentBlockParamUnion{}
			if m.Content != "" {
				content = append(content, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				content = append(content, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
			}
			if len(content) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(content...))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return system, out
}

func toAnthropicTools(tools []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(t.Parameters, &schema); err != nil {
			return nil, cerr.InvalidArgument("tool schema for %s: %v", t.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool != nil {
			param.OfTool.Description = anthropic.String(t.Description)
		}
		out = append(out, param)
	}
	return out, nil
}

var _ Provider = (*anthropicProvider)(nil)

package dialogue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cerise-ai/cerise/internal/abilities"
	"github.com/cerise-ai/cerise/internal/capability"
	"github.com/cerise-ai/cerise/internal/cerr"
	"github.com/cerise-ai/cerise/internal/events"
	"github.com/cerise-ai/cerise/internal/memory"
	"github.com/cerise-ai/cerise/internal/providers"
	"github.com/cerise-ai/cerise/internal/skills"
	"github.com/cerise-ai/cerise/pkg/models"
)

// maxToolIterations bounds the tool-calling loop so a misbehaving model
// cannot spin forever.
const maxToolIterations = 5

// ChatParams tunes one chat turn.
type ChatParams struct {
	Provider    string
	Model       string
	Temperature float32
	UseTools    bool
	UserID      string
	Permissions []string
}

// EngineConfig is the dialogue engine configuration.
type EngineConfig struct {
	// Persona is injected verbatim as the first system message.
	Persona string `yaml:"persona"`
	// SkillTopK bounds the injected skill block; zero disables it.
	SkillTopK int `yaml:"skill_top_k"`
	// IngestTurns mirrors user and assistant turns into the memory engine.
	IngestTurns bool          `yaml:"ingest_turns"`
	Context     ContextConfig `yaml:"context"`
}

// Engine manages sessions and drives the provider/tool conversation loop.
type Engine struct {
	cfg       EngineConfig
	registry  *providers.Registry
	scheduler *capability.Scheduler
	memory    *memory.Engine
	contexts  *ContextBuilder
	skills    *skills.Service
	bus       *events.Bus
	logger    *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*models.Session

	now func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithMemory attaches the memory engine and context builder.
func WithMemory(m *memory.Engine, cb *ContextBuilder) Option {
	return func(e *Engine) {
		e.memory = m
		e.contexts = cb
	}
}

// WithSkills attaches the skill service.
func WithSkills(s *skills.Service) Option {
	return func(e *Engine) { e.skills = s }
}

// WithBus attaches the event bus.
func WithBus(bus *events.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock injects a clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a dialogue engine.
func NewEngine(cfg EngineConfig, registry *providers.Registry, scheduler *capability.Scheduler, opts ...Option) *Engine {
	e := &Engine{
		cfg:       cfg,
		registry:  registry,
		scheduler: scheduler,
		sessions:  make(map[string]*models.Session),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "dialogue")
	return e
}

// CreateSession creates (or returns) the session with the given id.
func (e *Engine) CreateSession(id string) *models.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[id]; ok {
		return s
	}
	s := &models.Session{ID: id, CreatedAt: e.now().UTC()}
	e.sessions[id] = s
	return s
}

// GetSession returns an existing session.
func (e *Engine) GetSession(id string) (*models.Session, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sessions[id]
	if !ok {
		return nil, cerr.NotFound("session %q", id)
	}
	return s, nil
}

// DeleteSession drops a session, reporting whether it existed.
func (e *Engine) DeleteSession(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.sessions[id]
	delete(e.sessions, id)
	return ok
}

// Chat runs one dialogue turn: emit dialogue.user_message, compose the
// system prompt, loop the provider with tools, emit
// dialogue.assistant_response. The returned string is always non-empty; a
// provider failure surfaces as a human-facing error line.
func (e *Engine) Chat(ctx context.Context, sessionID, userMessage string, params *ChatParams) (string, error) {
	if params == nil {
		params = &ChatParams{UseTools: true}
	}
	session := e.CreateSession(sessionID)

	if e.bus != nil {
		e.bus.PublishSync(events.NewUserMessage(sessionID, userMessage, "dialogue"))
	}
	if e.memory != nil && e.cfg.IngestTurns {
		if _, err := e.memory.IngestMessage(ctx, sessionID, models.RoleUser, userMessage, nil); err != nil {
			e.logger.Warn("user turn ingestion failed", "error", err)
		}
	}

	session.Append(&models.Message{Role: models.RoleUser, Content: userMessage})

	provider, err := e.provider(params)
	if err != nil {
		return "I could not reach a language model provider. Please check the provider configuration.", nil
	}

	content, model, err := e.loop(ctx, session, userMessage, provider, params)
	if err != nil {
		e.logger.Error("chat turn failed", "session", sessionID, "error", err)
		return fmt.Sprintf("I ran into a problem answering that: %v", err), nil
	}

	session.Append(&models.Message{Role: models.RoleAssistant, Content: content})
	if e.memory != nil && e.cfg.IngestTurns {
		if _, err := e.memory.IngestMessage(ctx, sessionID, models.RoleAssistant, content, nil); err != nil {
			e.logger.Warn("assistant turn ingestion failed", "error", err)
		}
	}
	if e.bus != nil {
		e.bus.PublishSync(events.NewAssistantResponse(sessionID, content, model, "dialogue"))
	}
	return content, nil
}

// ProactiveChat produces a self-initiated message for a session without a
// user turn: the prompt arrives as a user-role message but is not recorded
// as one.
func (e *Engine) ProactiveChat(ctx context.Context, sessionID, prompt string, params *ChatParams) (string, error) {
	if params == nil {
		params = &ChatParams{}
	}
	session := e.CreateSession(sessionID)

	provider, err := e.provider(params)
	if err != nil {
		return "", err
	}

	messages := e.composeSystem(ctx, sessionID, prompt, params)
	messages = append(messages, session.Messages...)
	messages = append(messages, &models.Message{Role: models.RoleUser, Content: prompt})

	resp, err := provider.Chat(ctx, messages, e.chatOptions(params, nil))
	if err != nil {
		return "", err
	}

	session.Append(&models.Message{Role: models.RoleAssistant, Content: resp.Content})
	if e.bus != nil {
		e.bus.PublishSync(events.NewAssistantResponse(sessionID, resp.Content, resp.Model, "proactive"))
	}
	return resp.Content, nil
}

// provider resolves the provider for a turn: named, or the default.
func (e *Engine) provider(params *ChatParams) (providers.Provider, error) {
	if params.Provider != "" {
		return e.registry.Get(params.Provider)
	}
	return e.registry.Default()
}

// composeSystem builds the system preamble: persona, memory context,
// skill block.
func (e *Engine) composeSystem(ctx context.Context, sessionID, query string, params *ChatParams) []*models.Message {
	var messages []*models.Message
	if persona := strings.TrimSpace(e.cfg.Persona); persona != "" {
		messages = append(messages, &models.Message{Role: models.RoleSystem, Content: persona})
	}
	if e.contexts != nil {
		if block := e.contexts.Build(ctx, sessionID, query); block != "" {
			messages = append(messages, &models.Message{Role: models.RoleSystem, Content: block})
		}
	}
	if e.skills != nil && e.cfg.SkillTopK > 0 {
		if block := e.skills.BuildInjectionBlock(ctx, query, e.cfg.SkillTopK); block != "" {
			messages = append(messages, &models.Message{Role: models.RoleSystem, Content: block})
		}
	}
	return messages
}

func (e *Engine) chatOptions(params *ChatParams, tools []providers.ToolSpec) *providers.ChatOptions {
	return &providers.ChatOptions{
		Model:       params.Model,
		Temperature: params.Temperature,
		Tools:       tools,
	}
}

// loop drives the bounded tool-calling conversation until the model stops
// requesting tools.
func (e *Engine) loop(ctx context.Context, session *models.Session, query string, provider providers.Provider, params *ChatParams) (content, model string, err error) {
	var tools []providers.ToolSpec
	useTools := params.UseTools && e.scheduler != nil && provider.Capabilities().FunctionCalling
	if useTools {
		for _, schema := range e.scheduler.ToolSchemas() {
			tools = append(tools, providers.ToolSpec{
				Name:        schema.Name,
				Description: schema.Description,
				Parameters:  schema.Parameters,
			})
		}
	}

	messages := e.composeSystem(ctx, session.ID, query, params)
	messages = append(messages, session.Messages...)

	var resp *models.ChatResponse
	for iteration := 0; iteration < maxToolIterations; iteration++ {
		resp, err = provider.Chat(ctx, messages, e.chatOptions(params, tools))
		if err != nil {
			return "", "", err
		}
		if len(resp.ToolCalls) == 0 || !useTools {
			return resp.Content, resp.Model, nil
		}

		messages = append(messages, &models.Message{
			Role:      models.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		anyFailed := false
		var failures []string
		for _, call := range resp.ToolCalls {
			result := e.executeTool(ctx, session.ID, provider.Name(), resp.Model, call, params)
			if !result.Success {
				anyFailed = true
				failures = append(failures, fmt.Sprintf("%s: %s", call.Name, result.Error))
			}
			messages = append(messages, &models.Message{
				Role:       models.RoleTool,
				Name:       call.Name,
				ToolCallID: call.ID,
				Content:    serializeResult(result),
			})
		}
		if anyFailed {
			messages = append(messages, &models.Message{
				Role:    models.RoleSystem,
				Content: "Some tool calls failed: " + strings.Join(failures, "; ") + ". Adjust and continue.",
			})
		}
	}
	// Iteration cap hit: answer with whatever the model last said.
	e.logger.Warn("tool loop iteration cap reached", "session", session.ID)
	if resp.Content != "" {
		return resp.Content, resp.Model, nil
	}
	return "I could not finish the requested tool calls.", resp.Model, nil
}

// executeTool runs one tool call through the capability scheduler and
// records the audit entry.
func (e *Engine) executeTool(ctx context.Context, sessionID, providerName, model string, call models.ToolCall, params *ChatParams) *abilities.Result {
	var args map[string]any
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			result := &abilities.Result{Success: false, Error: fmt.Sprintf("invalid tool arguments: %v", err)}
			e.recordToolRun(sessionID, providerName, model, call, result)
			return result
		}
	}

	actx := &abilities.Context{
		UserID:      params.UserID,
		SessionID:   sessionID,
		Permissions: params.Permissions,
	}
	result := e.scheduler.Execute(ctx, call.Name, args, actx)
	e.recordToolRun(sessionID, providerName, model, call, result)
	return result
}

func (e *Engine) recordToolRun(sessionID, providerName, model string, call models.ToolCall, result *abilities.Result) {
	if e.skills == nil {
		return
	}
	output := ""
	if result.Data != nil {
		output = serializeResult(result)
	}
	e.skills.RecordToolRun(&models.ToolRun{
		SessionID:  sessionID,
		ToolName:   call.Name,
		ToolCallID: call.ID,
		Arguments:  string(call.Arguments),
		Provider:   providerName,
		Model:      model,
		Success:    result.Success,
		Output:     output,
		Error:      result.Error,
		CreatedAt:  e.now().UTC(),
	})
}

// serializeResult renders an ability result as the tool message content.
func serializeResult(result *abilities.Result) string {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf(`{"success":false,"error":%q}`, err.Error())
	}
	return string(raw)
}

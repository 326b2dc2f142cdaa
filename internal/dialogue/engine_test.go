package dialogue

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/cerise-ai/cerise/internal/abilities"
	"github.com/cerise-ai/cerise/internal/capability"
	"github.com/cerise-ai/cerise/internal/events"
	"github.com/cerise-ai/cerise/internal/providers"
	"github.com/cerise-ai/cerise/internal/skills"
	"github.com/cerise-ai/cerise/pkg/models"
)

// fakeProvider replays scripted responses and records every request.
type fakeProvider struct {
	responses []*models.ChatResponse
	err       error
	calls     [][]*models.Message
	caps      providers.Capabilities
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Chat(ctx context.Context, messages []*models.Message, opts *providers.ChatOptions) (*models.ChatResponse, error) {
	copied := make([]*models.Message, len(messages))
	copy(copied, messages)
	f.calls = append(f.calls, copied)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.responses) == 0 {
		return &models.ChatResponse{Content: "done", Model: "fake-1"}, nil
	}
	resp := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return resp, nil
}

func (f *fakeProvider) StreamChat(ctx context.Context, messages []*models.Message, opts *providers.ChatOptions) (<-chan string, error) {
	ch := make(chan string)
	close(ch)
	return ch, nil
}

func (f *fakeProvider) Embed(ctx context.Context, texts []string, model string) ([][]float64, error) {
	return nil, nil
}

func (f *fakeProvider) Rerank(ctx context.Context, query string, documents []string, model string, topK int) ([]providers.RerankResult, error) {
	return nil, nil
}

func (f *fakeProvider) Capabilities() providers.Capabilities {
	if f.caps == (providers.Capabilities{}) {
		return providers.Capabilities{Chat: true, FunctionCalling: true}
	}
	return f.caps
}

func (f *fakeProvider) AvailableModels() []string { return []string{"fake-1"} }

func testRegistry(p providers.Provider) *providers.Registry {
	r := providers.NewRegistry(providers.Config{}, nil)
	r.Put("fake", p)
	return r
}

func echoScheduler(t *testing.T) *capability.Scheduler {
	t.Helper()
	reg := abilities.NewRegistry(nil)
	reg.Register(&abilities.FuncAbility{
		AbilityName: "echo",
		Desc:        "repeat the input text",
		Fn: func(ctx context.Context, params map[string]any, actx *abilities.Context) (*abilities.Result, error) {
			text, _ := params["text"].(string)
			return &abilities.Result{Success: true, Data: "echo:" + text}, nil
		},
	})
	return capability.NewScheduler(capability.DefaultConfig(), reg, nil, nil, nil)
}

func TestChatEmitsEventsInOrder(t *testing.T) {
	bus := events.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)
	defer bus.Stop()

	order := make(chan string, 4)
	bus.Subscribe("dialogue.*", func(ctx context.Context, ev *events.Event) error {
		order <- ev.Type
		return nil
	})

	fake := &fakeProvider{responses: []*models.ChatResponse{{Content: "hi there", Model: "fake-1"}}}
	eng := NewEngine(EngineConfig{Persona: "You are Cerise."}, testRegistry(fake), nil, WithBus(bus))

	reply, err := eng.Chat(context.Background(), "s1", "hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	if reply != "hi there" {
		t.Errorf("reply = %q", reply)
	}

	for _, want := range []string{events.TypeDialogueUserMessage, events.TypeDialogueAssistantResponse} {
		select {
		case got := <-order:
			if got != want {
				t.Fatalf("event order: got %s, want %s", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("event %s not observed", want)
		}
	}

	session, err := eng.GetSession("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(session.Messages) != 2 || session.Messages[0].Role != models.RoleUser ||
		session.Messages[1].Role != models.RoleAssistant {
		t.Errorf("session history = %+v", session.Messages)
	}
}

func TestChatPersonaLeadsSystemPrompt(t *testing.T) {
	fake := &fakeProvider{responses: []*models.ChatResponse{{Content: "ok"}}}
	eng := NewEngine(EngineConfig{Persona: "You are Cerise."}, testRegistry(fake), nil)

	if _, err := eng.Chat(context.Background(), "s1", "hello", nil); err != nil {
		t.Fatal(err)
	}
	sent := fake.calls[0]
	if len(sent) == 0 || sent[0].Role != models.RoleSystem || sent[0].Content != "You are Cerise." {
		t.Errorf("first message = %+v", sent[0])
	}
	if sent[len(sent)-1].Role != models.RoleUser || sent[len(sent)-1].Content != "hello" {
		t.Errorf("last message = %+v", sent[len(sent)-1])
	}
}

func TestChatToolLoop(t *testing.T) {
	fake := &fakeProvider{responses: []*models.ChatResponse{
		{
			Model: "fake-1",
			ToolCalls: []models.ToolCall{{
				ID:        "call-1",
				Name:      "echo",
				Arguments: json.RawMessage(`{"text":"ping"}`),
			}},
		},
		{Content: "the tool said echo:ping", Model: "fake-1"},
	}}
	skillSvc := skills.NewService()
	eng := NewEngine(EngineConfig{}, testRegistry(fake), echoScheduler(t), WithSkills(skillSvc))

	reply, err := eng.Chat(context.Background(), "s1", "please echo ping", &ChatParams{UseTools: true})
	if err != nil {
		t.Fatal(err)
	}
	if reply != "the tool said echo:ping" {
		t.Errorf("reply = %q", reply)
	}
	if len(fake.calls) != 2 {
		t.Fatalf("provider calls = %d, want 2", len(fake.calls))
	}

	// The second request carries the assistant tool-call turn and the tool
	// result addressed by tool_call_id.
	second := fake.calls[1]
	var toolMsg *models.Message
	for _, msg := range second {
		if msg.Role == models.RoleTool {
			toolMsg = msg
		}
	}
	if toolMsg == nil {
		t.Fatal("no tool message in second request")
	}
	if toolMsg.ToolCallID != "call-1" || !strings.Contains(toolMsg.Content, "echo:ping") {
		t.Errorf("tool message = %+v", toolMsg)
	}

	runs := skillSvc.ListToolRuns("s1")
	if len(runs) != 1 || runs[0].ToolName != "echo" || !runs[0].Success {
		t.Errorf("tool runs = %+v", runs)
	}
}

func TestChatToolFailureAddsSystemNote(t *testing.T) {
	reg := abilities.NewRegistry(nil)
	reg.Register(&abilities.FuncAbility{
		AbilityName: "flaky",
		Fn: func(ctx context.Context, params map[string]any, actx *abilities.Context) (*abilities.Result, error) {
			return &abilities.Result{Success: false, Error: "upstream down"}, nil
		},
	})
	scheduler := capability.NewScheduler(capability.DefaultConfig(), reg, nil, nil, nil)

	fake := &fakeProvider{responses: []*models.ChatResponse{
		{ToolCalls: []models.ToolCall{{ID: "c1", Name: "flaky", Arguments: json.RawMessage(`{}`)}}},
		{Content: "recovered"},
	}}
	eng := NewEngine(EngineConfig{}, testRegistry(fake), scheduler)

	reply, err := eng.Chat(context.Background(), "s1", "go", &ChatParams{UseTools: true})
	if err != nil {
		t.Fatal(err)
	}
	if reply != "recovered" {
		t.Errorf("reply = %q", reply)
	}

	second := fake.calls[1]
	last := second[len(second)-1]
	if last.Role != models.RoleSystem || !strings.Contains(last.Content, "flaky: upstream down") {
		t.Errorf("failure note = %+v", last)
	}
}

func TestChatToolLoopCap(t *testing.T) {
	// A provider that keeps requesting tools stops after the iteration cap.
	fake := &fakeProvider{responses: []*models.ChatResponse{{
		Content:   "still working",
		ToolCalls: []models.ToolCall{{ID: "c", Name: "echo", Arguments: json.RawMessage(`{"text":"x"}`)}},
	}}}
	eng := NewEngine(EngineConfig{}, testRegistry(fake), echoScheduler(t))

	reply, err := eng.Chat(context.Background(), "s1", "loop", &ChatParams{UseTools: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(fake.calls) != maxToolIterations {
		t.Errorf("provider calls = %d, want %d", len(fake.calls), maxToolIterations)
	}
	if reply != "still working" {
		t.Errorf("reply = %q", reply)
	}
}

func TestChatToolsSkippedWithoutFunctionCalling(t *testing.T) {
	fake := &fakeProvider{
		caps:      providers.Capabilities{Chat: true},
		responses: []*models.ChatResponse{{Content: "plain"}},
	}
	eng := NewEngine(EngineConfig{}, testRegistry(fake), echoScheduler(t))

	reply, err := eng.Chat(context.Background(), "s1", "hi", &ChatParams{UseTools: true})
	if err != nil {
		t.Fatal(err)
	}
	if reply != "plain" || len(fake.calls) != 1 {
		t.Errorf("reply = %q, calls = %d", reply, len(fake.calls))
	}
}

func TestChatDegradesOnProviderError(t *testing.T) {
	fake := &fakeProvider{err: context.DeadlineExceeded}
	eng := NewEngine(EngineConfig{}, testRegistry(fake), nil)

	reply, err := eng.Chat(context.Background(), "s1", "hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(reply) == "" {
		t.Error("degraded reply is empty")
	}
}

func TestProactiveChatSkipsUserMessageEvent(t *testing.T) {
	bus := events.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)
	defer bus.Stop()

	seen := make(chan string, 4)
	bus.Subscribe("dialogue.*", func(ctx context.Context, ev *events.Event) error {
		seen <- ev.Type
		return nil
	})

	fake := &fakeProvider{responses: []*models.ChatResponse{{Content: "hey, still around?", Model: "fake-1"}}}
	eng := NewEngine(EngineConfig{}, testRegistry(fake), nil, WithBus(bus))

	reply, err := eng.ProactiveChat(context.Background(), "s1", "Start a friendly check-in.", nil)
	if err != nil {
		t.Fatal(err)
	}
	if reply != "hey, still around?" {
		t.Errorf("reply = %q", reply)
	}

	select {
	case typ := <-seen:
		if typ != events.TypeDialogueAssistantResponse {
			t.Errorf("event = %s", typ)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("assistant_response not observed")
	}

	// The prompt is not recorded as a user turn.
	session, err := eng.GetSession("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(session.Messages) != 1 || session.Messages[0].Role != models.RoleAssistant {
		t.Errorf("session history = %+v", session.Messages)
	}
}

func TestSessionLifecycle(t *testing.T) {
	eng := NewEngine(EngineConfig{}, testRegistry(&fakeProvider{}), nil)

	s1 := eng.CreateSession("a")
	if again := eng.CreateSession("a"); again != s1 {
		t.Error("create returned a new session for an existing id")
	}
	if _, err := eng.GetSession("missing"); err == nil {
		t.Error("missing session did not error")
	}
	if !eng.DeleteSession("a") {
		t.Error("delete reported false")
	}
	if eng.DeleteSession("a") {
		t.Error("second delete reported true")
	}
}

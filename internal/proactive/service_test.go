package proactive

import (
	"context"
	"testing"
	"time"

	"github.com/cerise-ai/cerise/internal/dialogue"
	"github.com/cerise-ai/cerise/internal/events"
	"github.com/cerise-ai/cerise/internal/providers"
	"github.com/cerise-ai/cerise/internal/state"
	"github.com/cerise-ai/cerise/pkg/models"
)

type stubProvider struct {
	replies []string
	calls   int
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Chat(ctx context.Context, messages []*models.Message, opts *providers.ChatOptions) (*models.ChatResponse, error) {
	p.calls++
	reply := "hello again"
	if len(p.replies) > 0 {
		reply = p.replies[0]
		if len(p.replies) > 1 {
			p.replies = p.replies[1:]
		}
	}
	return &models.ChatResponse{Content: reply, Model: "stub-1"}, nil
}

func (p *stubProvider) StreamChat(ctx context.Context, messages []*models.Message, opts *providers.ChatOptions) (<-chan string, error) {
	ch := make(chan string)
	close(ch)
	return ch, nil
}

func (p *stubProvider) Embed(ctx context.Context, texts []string, model string) ([][]float64, error) {
	return nil, nil
}

func (p *stubProvider) Rerank(ctx context.Context, query string, documents []string, model string, topK int) ([]providers.RerankResult, error) {
	return nil, nil
}

func (p *stubProvider) Capabilities() providers.Capabilities {
	return providers.Capabilities{Chat: true}
}

func (p *stubProvider) AvailableModels() []string { return []string{"stub-1"} }

func testFixture(t *testing.T, cfg Config) (*Service, *events.Bus, *stubProvider, *time.Time) {
	t.Helper()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clock := &now

	provider := &stubProvider{}
	registry := providers.NewRegistry(providers.Config{}, nil)
	registry.Put("stub", provider)
	engine := dialogue.NewEngine(dialogue.EngineConfig{}, registry, nil)

	store, err := state.Open("", nil)
	if err != nil {
		t.Fatal(err)
	}

	bus := events.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	bus.Start(ctx)
	t.Cleanup(bus.Stop)

	svc := NewService(cfg, engine, bus, store.Namespace("proactive"),
		WithClock(func() time.Time { return *clock }),
		WithRandInt(func(min, max int) int { return min }))
	t.Cleanup(svc.Stop)
	return svc, bus, provider, clock
}

func TestUserMessageArmsTimer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.MinIntervalMinutes = 1
	cfg.MaxIntervalMinutes = 1
	cfg.MaxUnansweredTimes = 2
	svc, bus, _, clock := testFixture(t, cfg)
	svc.Start()

	bus.PublishSync(events.NewUserMessage("s1", "hi", "test"))
	if err := bus.WaitEmpty(context.Background()); err != nil {
		t.Fatal(err)
	}

	st, ok := svc.State("s1")
	if !ok {
		t.Fatal("no state persisted")
	}
	if st.LastUserAt == nil || !st.LastUserAt.Equal(*clock) {
		t.Errorf("last_user_at = %v, want %v", st.LastUserAt, *clock)
	}
	if st.UnansweredCount != 0 {
		t.Errorf("unanswered_count = %d", st.UnansweredCount)
	}
	want := clock.Add(60 * time.Second)
	if st.NextTriggerAt == nil || !st.NextTriggerAt.Equal(want) {
		t.Errorf("next_trigger_at = %v, want %v", st.NextTriggerAt, want)
	}
	if !svc.Scheduled("s1") {
		t.Error("no timer armed")
	}
}

func TestTriggerSendsProactiveMessage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.MinIntervalMinutes = 1
	cfg.MaxIntervalMinutes = 1
	svc, _, provider, _ := testFixture(t, cfg)

	svc.trigger("s1")

	if provider.calls != 1 {
		t.Fatalf("provider calls = %d, want 1", provider.calls)
	}
	st, ok := svc.State("s1")
	if !ok || st.UnansweredCount != 1 {
		t.Errorf("state = %+v, %v", st, ok)
	}
	if st.NextTriggerAt == nil || !svc.Scheduled("s1") {
		t.Error("trigger did not reschedule")
	}
}

func TestTriggerSuppressedAtUnansweredCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.MaxUnansweredTimes = 2
	svc, _, provider, _ := testFixture(t, cfg)
	svc.saveState("s1", SessionState{UnansweredCount: 2})

	svc.trigger("s1")

	if provider.calls != 0 {
		t.Errorf("provider called %d times at cap", provider.calls)
	}
	if svc.Scheduled("s1") {
		t.Error("rescheduled past the unanswered cap")
	}
	st, _ := svc.State("s1")
	if st.NextTriggerAt != nil {
		t.Errorf("next_trigger_at = %v, want nil", st.NextTriggerAt)
	}
}

func TestTriggerDeferredDuringQuietHours(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.QuietHours = "10-14"
	cfg.Timezone = "UTC"
	svc, _, provider, clock := testFixture(t, cfg)

	// Frozen clock sits at 12:00, inside the window.
	svc.trigger("s1")

	if provider.calls != 0 {
		t.Errorf("provider called during quiet hours")
	}
	st, ok := svc.State("s1")
	if !ok || st.NextTriggerAt == nil {
		t.Fatalf("state = %+v, %v", st, ok)
	}
	want := time.Date(clock.Year(), clock.Month(), clock.Day(), 14, 0, 0, 0, time.UTC)
	if !st.NextTriggerAt.Equal(want) {
		t.Errorf("next_trigger_at = %v, want quiet end %v", st.NextTriggerAt, want)
	}
}

func TestAllowlistFiltersSessions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.ApplyToAll = false
	cfg.Sessions = []string{"vip"}
	svc, bus, _, _ := testFixture(t, cfg)
	svc.Start()

	bus.PublishSync(events.NewUserMessage("other", "hi", "test"))
	bus.PublishSync(events.NewUserMessage("vip", "hi", "test"))
	if err := bus.WaitEmpty(context.Background()); err != nil {
		t.Fatal(err)
	}

	if svc.Scheduled("other") {
		t.Error("uncovered session scheduled")
	}
	if !svc.Scheduled("vip") {
		t.Error("allowlisted session not scheduled")
	}
}

func TestRestoreReArmsPendingTrigger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	svc, _, _, clock := testFixture(t, cfg)

	trigger := clock.Add(30 * time.Minute)
	svc.saveState("s1", SessionState{NextTriggerAt: &trigger})

	svc.Start()
	if !svc.Scheduled("s1") {
		t.Error("pending trigger not restored")
	}
}

func TestAutoTriggerArmsInactiveSessions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.ApplyToAll = false
	cfg.Sessions = []string{"fresh", "seen"}
	cfg.AutoTrigger = AutoTriggerConfig{Enabled: true, AfterMinutes: 15}
	svc, _, _, clock := testFixture(t, cfg)

	seenAt := clock.Add(-time.Hour)
	svc.saveState("seen", SessionState{LastUserAt: &seenAt})

	svc.Start()
	if !svc.Scheduled("fresh") {
		t.Error("inactive session not auto-armed")
	}
	st, _ := svc.State("fresh")
	want := clock.Add(15 * time.Minute)
	if st.NextTriggerAt == nil || !st.NextTriggerAt.Equal(want) {
		t.Errorf("next_trigger_at = %v, want %v", st.NextTriggerAt, want)
	}
}

func TestParseQuietHours(t *testing.T) {
	cases := []struct {
		spec  string
		ok    bool
		start int
		end   int
	}{
		{"1-7", true, 1, 7},
		{"22-6", true, 22, 6},
		{"0-24", false, 0, 0},
		{"", false, 0, 0},
		{"banana", false, 0, 0},
		{"1-", false, 0, 0},
		{"25-3", false, 0, 0},
		{"7-7", false, 0, 0},
	}
	for _, tc := range cases {
		w, ok := parseQuietHours(tc.spec)
		if ok != tc.ok {
			t.Errorf("parseQuietHours(%q) ok = %v, want %v", tc.spec, ok, tc.ok)
			continue
		}
		if ok && (w.start != tc.start || w.end != tc.end) {
			t.Errorf("parseQuietHours(%q) = %v", tc.spec, w)
		}
	}
}

func TestQuietWindowWrapsMidnight(t *testing.T) {
	w := quietWindow{start: 22, end: 6}
	at := func(h int) time.Time {
		return time.Date(2026, 8, 24, h, 30, 0, 0, time.UTC)
	}
	if !w.contains(at(23)) || !w.contains(at(2)) {
		t.Error("hours inside the wrapped window rejected")
	}
	if w.contains(at(12)) || w.contains(at(6)) {
		t.Error("hours outside the wrapped window accepted")
	}

	end := w.nextEnd(at(23))
	want := time.Date(2026, 8, 25, 6, 0, 0, 0, time.UTC)
	if !end.Equal(want) {
		t.Errorf("nextEnd = %v, want %v", end, want)
	}
}

package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cerise-ai/cerise/internal/events"
	"github.com/cerise-ai/cerise/pkg/models"
)

func TestRuleExtractorInlineHints(t *testing.T) {
	rec := &models.MemoryRecord{
		ID:        "r1",
		SessionID: "s1",
		Content: "core: prefers short answers\n" +
			"fact: user | likes | tea\n" +
			"habit: coding | write tests first\n" +
			"just a normal line",
	}
	updates, err := RuleExtractor{}.Extract(context.Background(), rec)
	if err != nil {
		t.Fatal(err)
	}
	if len(updates.CoreUpdates) != 1 || updates.CoreUpdates[0] != "prefers short answers" {
		t.Errorf("core = %v", updates.CoreUpdates)
	}
	if len(updates.Facts) != 1 || updates.Facts[0].Subject != "user" ||
		updates.Facts[0].Predicate != "likes" || updates.Facts[0].Object != "tea" {
		t.Errorf("facts = %+v", updates.Facts)
	}
	if len(updates.Habits) != 1 || updates.Habits[0].TaskType != "coding" {
		t.Errorf("habits = %+v", updates.Habits)
	}
}

func TestRuleExtractorMetadata(t *testing.T) {
	rec := &models.MemoryRecord{
		ID:        "r1",
		SessionID: "s1",
		Content:   "nothing inline",
		Metadata: map[string]any{
			"core_updates": []any{"enjoys astronomy"},
			"facts": []any{map[string]any{
				"subject": "user", "predicate": "lives_in", "object": "kyoto",
			}},
			"habits": []any{map[string]any{
				"task_type": "email", "instruction": "keep it formal",
			}},
		},
	}
	updates, err := RuleExtractor{}.Extract(context.Background(), rec)
	if err != nil {
		t.Fatal(err)
	}
	if updates.Empty() {
		t.Fatal("metadata updates not extracted")
	}
	if updates.Facts[0].Object != "kyoto" || updates.Habits[0].Instruction != "keep it formal" {
		t.Errorf("updates = %+v", updates)
	}
}

func TestPipelineProcessPersistsAndEmits(t *testing.T) {
	dir := t.TempDir()
	layers, err := OpenLayerStores(
		filepath.Join(dir, "l1_core.db"),
		filepath.Join(dir, "l2_semantic.db"),
		filepath.Join(dir, "l4_procedural.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(layers.Close)

	bus := events.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)
	defer bus.Stop()

	var seen []string
	done := make(chan struct{}, 8)
	bus.Subscribe("memory.*", func(ctx context.Context, ev *events.Event) error {
		seen = append(seen, ev.Type)
		done <- struct{}{}
		return nil
	})

	engine := testEngine(t, DefaultConfig())
	pipe := NewPipeline(engine, layers, RuleExtractor{}, bus, nil)

	rec := &models.MemoryRecord{
		ID:        "r1",
		SessionID: "s1",
		Content:   "core: night owl\nfact: user | likes | tea\nhabit: coding | tests first",
		Metadata:  map[string]any{models.MetaEmotion: map[string]any{"name": "joy", "intensity": 80.0}},
	}
	if err := pipe.Process(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d layer events observed: %v", i, seen)
		}
	}

	want := map[string]bool{
		events.TypeMemoryCoreUpdated:       false,
		events.TypeMemoryFactUpserted:      false,
		events.TypeMemoryHabitRecorded:     false,
		events.TypeMemoryEmotionalSnapshot: false,
	}
	for _, typ := range seen {
		want[typ] = true
	}
	for typ, ok := range want {
		if !ok {
			t.Errorf("event %s not emitted", typ)
		}
	}

	facts, err := layers.Semantic.List(context.Background(), "s1", 10)
	if err != nil || len(facts) != 1 {
		t.Errorf("facts = %+v, %v", facts, err)
	}
	habits, err := layers.Procedural.List(context.Background(), "s1", 10)
	if err != nil || len(habits) != 1 {
		t.Errorf("habits = %+v, %v", habits, err)
	}
}

func TestPipelineSubscribesToRecorded(t *testing.T) {
	dir := t.TempDir()
	layers, err := OpenLayerStores(
		filepath.Join(dir, "l1.db"), filepath.Join(dir, "l2.db"), filepath.Join(dir, "l4.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(layers.Close)

	bus := events.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)
	defer bus.Stop()

	factSeen := make(chan struct{}, 1)
	bus.Subscribe(events.TypeMemoryFactUpserted, func(ctx context.Context, ev *events.Event) error {
		factSeen <- struct{}{}
		return nil
	})

	engine := testEngine(t, DefaultConfig(), WithBus(bus))
	pipe := NewPipeline(engine, layers, RuleExtractor{}, bus, nil)
	pipe.Start()
	defer pipe.Stop()

	addContent(t, engine, "s1", "fact: user | likes | tea")

	select {
	case <-factSeen:
	case <-time.After(2 * time.Second):
		t.Fatal("recorded event did not flow through the pipeline")
	}
}

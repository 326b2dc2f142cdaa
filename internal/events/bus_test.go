package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func startBus(t *testing.T, opts ...Option) *Bus {
	t.Helper()
	bus := NewBus(opts...)
	bus.Start(context.Background())
	t.Cleanup(bus.Stop)
	return bus
}

func TestMatchType(t *testing.T) {
	tests := []struct {
		pattern   string
		eventType string
		want      bool
	}{
		{"memory.*", "memory.recorded", true},
		{"memory.*", "memory.core.updated", true},
		{"*.changed", "character.emotion_changed", true},
		{"dialogue.user_message", "dialogue.user_message", true},
		{"dialogue.user_message", "dialogue.assistant_response", false},
		{"agent.wakeup.*", "agent.wakeup.started", true},
		{"agent.wakeup.*", "agent.created", false},
		{"[", "anything", false},
	}
	for _, tt := range tests {
		if got := matchType(tt.pattern, tt.eventType); got != tt.want {
			t.Errorf("matchType(%q, %q) = %v, want %v", tt.pattern, tt.eventType, got, tt.want)
		}
	}
}

func TestPublishFansOutToMatchingHandlers(t *testing.T) {
	bus := startBus(t)

	var memory, all, other atomic.Int32
	bus.Subscribe("memory.*", func(ctx context.Context, ev *Event) error {
		memory.Add(1)
		return nil
	})
	bus.Subscribe("*", func(ctx context.Context, ev *Event) error {
		all.Add(1)
		return nil
	})
	bus.Subscribe("dialogue.*", func(ctx context.Context, ev *Event) error {
		other.Add(1)
		return nil
	})

	ctx := context.Background()
	if err := bus.Emit(ctx, TypeMemoryRecorded, map[string]any{"record_id": "r1"}, "test"); err != nil {
		t.Fatal(err)
	}
	if err := bus.WaitEmpty(ctx); err != nil {
		t.Fatal(err)
	}

	if memory.Load() != 1 || all.Load() != 1 {
		t.Errorf("matching handlers saw %d/%d events, want 1/1", memory.Load(), all.Load())
	}
	if other.Load() != 0 {
		t.Errorf("non-matching handler saw %d events", other.Load())
	}
}

func TestHandlerErrorDoesNotPoisonBus(t *testing.T) {
	bus := startBus(t)

	var good atomic.Int32
	bus.Subscribe("x.*", func(ctx context.Context, ev *Event) error {
		return errors.New("boom")
	})
	bus.Subscribe("x.*", func(ctx context.Context, ev *Event) error {
		panic("worse")
	})
	bus.Subscribe("x.*", func(ctx context.Context, ev *Event) error {
		good.Add(1)
		return nil
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := bus.Emit(ctx, "x.tick", nil, "test"); err != nil {
			t.Fatal(err)
		}
	}
	if err := bus.WaitEmpty(ctx); err != nil {
		t.Fatal(err)
	}
	if good.Load() != 3 {
		t.Errorf("healthy handler saw %d events, want 3", good.Load())
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := startBus(t)
	var n atomic.Int32
	id := bus.Subscribe("a.b", func(ctx context.Context, ev *Event) error {
		n.Add(1)
		return nil
	})
	bus.Unsubscribe(id)

	bus.Emit(context.Background(), "a.b", nil, "test")
	bus.WaitEmpty(context.Background())
	if n.Load() != 0 {
		t.Errorf("unsubscribed handler ran %d times", n.Load())
	}
}

func TestPublishSyncDropsWhenFull(t *testing.T) {
	// Bus never started: queue of 1 fills immediately.
	bus := NewBus(WithQueueSize(1))
	bus.PublishSync(New("a.b", nil, "test"))
	bus.PublishSync(New("a.b", nil, "test")) // dropped, must not block or panic
}

func TestStopDrainsInFlightHandlers(t *testing.T) {
	bus := NewBus()
	bus.Start(context.Background())

	started := make(chan struct{})
	var finished atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	bus.Subscribe("slow.*", func(ctx context.Context, ev *Event) error {
		close(started)
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
		wg.Done()
		return nil
	})

	bus.Emit(context.Background(), "slow.op", nil, "test")
	<-started
	bus.Stop()
	wg.Wait()
	if !finished.Load() {
		t.Error("in-flight handler was not drained before Stop returned")
	}
}

func TestBrokerFansOutAcrossBuses(t *testing.T) {
	ctx := context.Background()
	broker := NewBroker(nil)

	busA := startBus(t)
	busB := startBus(t)
	detachA := broker.Attach(ctx, busA)
	detachB := broker.Attach(ctx, busB)
	defer detachA()
	defer detachB()

	var a, b atomic.Int32
	busA.Subscribe("memory.*", func(ctx context.Context, ev *Event) error {
		a.Add(1)
		return nil
	})
	busB.Subscribe("memory.*", func(ctx context.Context, ev *Event) error {
		b.Add(1)
		return nil
	})

	if err := busA.Publish(ctx, NewMemoryRecorded("r1", "s1", "user", "test")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for (a.Load() != 1 || b.Load() != 1) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if a.Load() != 1 || b.Load() != 1 {
		t.Errorf("broker delivery: busA=%d busB=%d, want 1/1", a.Load(), b.Load())
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	ev := NewAssistantResponse("s1", "hello", "gpt", "dialogue")
	got := Deserialize(Serialize(ev))
	if got == nil {
		t.Fatal("Deserialize returned nil")
	}
	if got.ID != ev.ID || got.Type != ev.Type || got.Source != ev.Source {
		t.Errorf("round trip mismatch: %+v vs %+v", got, ev)
	}
	if got.Data["content"] != "hello" {
		t.Errorf("data lost: %v", got.Data)
	}
	if !got.Timestamp.Equal(ev.Timestamp) {
		t.Errorf("timestamp mismatch: %v vs %v", got.Timestamp, ev.Timestamp)
	}

	if Deserialize(map[string]any{"id": "x"}) != nil {
		t.Error("payload without type should be rejected")
	}
}

func TestBuildersProduceClosedSetTypes(t *testing.T) {
	builders := map[string]*Event{
		TypeDialogueUserMessage:  NewUserMessage("s1", "hi", "test"),
		TypeMemoryRecorded:       NewMemoryRecorded("r", "s", "user", "test"),
		TypeMemoryCoreUpdated:    NewMemoryCoreUpdated("p", "sum", "s", "test"),
		TypeMemoryFactUpserted:   NewMemoryFactUpserted("f", "s", "a", "b", "c", "test"),
		TypeMemoryHabitRecorded:  NewMemoryHabitRecorded("h", "s", "t", "i", "test"),
		TypeAgentCreated:         NewAgentCreated("a", "n", "", "test"),
		TypeAgentWakeupStarted:   NewAgentWakeupStarted("a", 1, "test"),
		TypeAgentWakeupCompleted: NewAgentWakeupCompleted("a", 5, "test"),
	}
	for wantType, ev := range builders {
		if ev.Type != wantType {
			t.Errorf("builder produced type %q, want %q", ev.Type, wantType)
		}
		if ev.ID == "" || ev.Timestamp.IsZero() {
			t.Errorf("builder for %q left id/timestamp empty", wantType)
		}
	}
}

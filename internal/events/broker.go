package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Broker federates several Bus instances: every payload posted by any
// attached bus fans out to all of them, the poster included. Payloads are
// primitive maps so they survive process boundaries; timestamps travel as
// RFC3339 strings.
type Broker struct {
	mu     sync.Mutex
	queues map[int]chan map[string]any
	nextID int
	logger *slog.Logger
}

// NewBroker creates an empty broker.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		queues: make(map[int]chan map[string]any),
		logger: logger.With("component", "events.broker"),
	}
}

// Attach registers a bus with the broker and starts a pump goroutine that
// re-dispatches broker payloads onto the bus's local queue. The returned
// function detaches the bus and stops the pump; detaching is idempotent.
func (br *Broker) Attach(ctx context.Context, bus *Bus) (detach func()) {
	ch := make(chan map[string]any, 256)

	br.mu.Lock()
	br.nextID++
	id := br.nextID
	br.queues[id] = ch
	br.mu.Unlock()

	bus.broker = br

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-ch:
				if !ok {
					return
				}
				ev := Deserialize(payload)
				if ev == nil {
					br.logger.Warn("discarding malformed broker payload")
					continue
				}
				if err := bus.enqueue(ctx, ev); err != nil {
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			br.mu.Lock()
			delete(br.queues, id)
			br.mu.Unlock()
			bus.broker = nil
			close(ch)
		})
	}
}

// Post fans a payload out to every attached queue, blocking on full queues
// until the context expires.
func (br *Broker) Post(ctx context.Context, payload map[string]any) error {
	for _, ch := range br.snapshot() {
		select {
		case ch <- payload:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// PostSync fans a payload out without blocking, dropping on full queues.
func (br *Broker) PostSync(payload map[string]any) {
	for _, ch := range br.snapshot() {
		select {
		case ch <- payload:
		default:
			br.logger.Warn("broker queue full, dropping payload")
		}
	}
}

func (br *Broker) snapshot() []chan map[string]any {
	br.mu.Lock()
	defer br.mu.Unlock()
	out := make([]chan map[string]any, 0, len(br.queues))
	for _, ch := range br.queues {
		out = append(out, ch)
	}
	return out
}

// Serialize converts an event to a primitives-only payload map.
func Serialize(ev *Event) map[string]any {
	return map[string]any{
		"id":        ev.ID,
		"type":      ev.Type,
		"data":      ev.Data,
		"source":    ev.Source,
		"timestamp": ev.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// Deserialize rebuilds an event from a broker payload. Returns nil when the
// payload is missing required fields.
func Deserialize(payload map[string]any) *Event {
	evType, _ := payload["type"].(string)
	if evType == "" {
		return nil
	}
	ev := &Event{Type: evType}
	ev.ID, _ = payload["id"].(string)
	ev.Source, _ = payload["source"].(string)
	if data, ok := payload["data"].(map[string]any); ok {
		ev.Data = data
	} else {
		ev.Data = map[string]any{}
	}
	if ts, ok := payload["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			ev.Timestamp = t
		}
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return ev
}

// Package events implements the in-process pub/sub backbone of the runtime:
// a queue-backed bus with glob-pattern subscriptions, a closed vocabulary of
// event types with typed builders, and an optional broker federating several
// bus instances.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Event is the unit published on the bus. Data holds primitives and maps
// only so events survive broker serialization.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
}

// New builds an event with a fresh id and timestamp.
func New(eventType string, data map[string]any, source string) *Event {
	if data == nil {
		data = map[string]any{}
	}
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Data:      data,
		Source:    source,
		Timestamp: time.Now().UTC(),
	}
}

// Handler consumes a matched event. Handlers must not block the bus; long
// work belongs in a separate goroutine.
type Handler func(ctx context.Context, ev *Event) error

type subscription struct {
	id      int
	pattern string
	handler Handler
}

// Bus is a single-worker async pub/sub hub. Events are queued and dispatched
// in order; all handlers matching one event run concurrently and are joined
// before the next event is taken.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int

	queue   chan *Event
	pending sync.WaitGroup

	broker *Broker

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}

	logger *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize overrides the default queue capacity.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queue = make(chan *Event, n)
		}
	}
}

// WithLogger sets the bus logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger.With("component", "events")
		}
	}
}

// NewBus creates a bus. Call Start before publishing.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[int]*subscription),
		queue:  make(chan *Event, 1024),
		done:   make(chan struct{}),
		logger: slog.Default().With("component", "events"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for a glob pattern over dotted event types
// ("memory.*", "*.changed", or an exact type). It returns the subscription
// id for Unsubscribe.
func (b *Bus) Subscribe(pattern string, handler Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[id] = &subscription{id: id, pattern: pattern, handler: handler}
	return id
}

// Unsubscribe removes a subscription by id.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// ClearHandlers drops every subscription.
func (b *Bus) ClearHandlers() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[int]*subscription)
}

// Start launches the worker loop. It is safe to call more than once.
func (b *Bus) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		ctx, b.cancel = context.WithCancel(ctx)
		go b.run(ctx)
	})
}

// Stop cancels the worker. In-flight handlers are drained before run
// returns; queued events that were never dispatched are dropped.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
		<-b.done
	})
}

// Publish enqueues an event, blocking if the queue is full. When the bus is
// attached to a broker the event is posted there instead, and comes back to
// every attached bus (this one included) through the broker pump.
func (b *Bus) Publish(ctx context.Context, ev *Event) error {
	if ev == nil {
		return fmt.Errorf("nil event")
	}
	if b.broker != nil {
		return b.broker.Post(ctx, Serialize(ev))
	}
	return b.enqueue(ctx, ev)
}

// PublishSync is a non-blocking fire-and-forget publish for callers that
// cannot wait on the queue. The event is dropped (and counted) if the queue
// is full.
func (b *Bus) PublishSync(ev *Event) {
	if ev == nil {
		return
	}
	if b.broker != nil {
		b.broker.PostSync(Serialize(ev))
		return
	}
	b.pending.Add(1)
	select {
	case b.queue <- ev:
		eventsPublished.WithLabelValues(ev.Type).Inc()
	default:
		b.pending.Done()
		eventsDropped.WithLabelValues(ev.Type).Inc()
		b.logger.Warn("event queue full, dropping event", "type", ev.Type)
	}
}

// Emit builds and publishes an event in one call.
func (b *Bus) Emit(ctx context.Context, eventType string, data map[string]any, source string) error {
	return b.Publish(ctx, New(eventType, data, source))
}

// WaitEmpty blocks until every queued event has been dispatched and its
// handlers joined, or the context expires.
func (b *Bus) WaitEmpty(ctx context.Context) error {
	ch := make(chan struct{})
	go func() {
		b.pending.Wait()
		close(ch)
	}()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue places an event on the local queue.
func (b *Bus) enqueue(ctx context.Context, ev *Event) error {
	b.pending.Add(1)
	select {
	case b.queue <- ev:
		eventsPublished.WithLabelValues(ev.Type).Inc()
		return nil
	case <-ctx.Done():
		b.pending.Done()
		return ctx.Err()
	}
}

// run is the single worker loop. Cancellation drains in-flight handlers and
// returns.
func (b *Bus) run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.queue:
			b.dispatch(ctx, ev)
			b.pending.Done()
		}
	}
}

// dispatch fans an event out to every matching handler concurrently and
// joins them. Handler errors and panics are logged, never propagated.
func (b *Bus) dispatch(ctx context.Context, ev *Event) {
	b.mu.RLock()
	matched := make([]*subscription, 0, 4)
	for _, sub := range b.subs {
		if matchType(sub.pattern, ev.Type) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	if len(matched) == 0 {
		return
	}

	g := new(errgroup.Group)
	for _, sub := range matched {
		sub := sub
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					handlerErrors.WithLabelValues(ev.Type).Inc()
					b.logger.Error("event handler panicked",
						"type", ev.Type, "pattern", sub.pattern, "panic", r)
				}
			}()
			if err := sub.handler(ctx, ev); err != nil {
				handlerErrors.WithLabelValues(ev.Type).Inc()
				b.logger.Error("event handler failed",
					"type", ev.Type, "pattern", sub.pattern, "error", err)
			}
			return nil
		})
	}
	g.Wait()
}

// matchType evaluates a glob pattern against a dotted event type. Malformed
// patterns match nothing.
func matchType(pattern, eventType string) bool {
	if pattern == eventType {
		return true
	}
	ok, err := path.Match(pattern, eventType)
	return err == nil && ok
}

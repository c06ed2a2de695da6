// Package bus implements the bounded publish/subscribe event bus that
// decouples protocol event producers from their consumers.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultQueueSize   = 1024
	defaultMaxHistory  = 1000
	defaultStopTimeout = 5 * time.Second
)

// Event is one immutable occurrence published on the bus.
type Event struct {
	ID       string         `json:"event_id"`
	Name     string         `json:"name"`
	Payload  map[string]any `json:"payload"`
	Time     time.Time      `json:"timestamp"`
	Source   string         `json:"source,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Handler consumes one delivered event.
type Handler func(Event)

type subscriber struct {
	id      uint64
	name    string // empty for wildcard
	handler Handler
}

// Bus is a queue-backed event bus with bounded history.
//
// One drain goroutine delivers each published event to every matching
// subscriber before picking up the next, so subscribers observe publishes
// in order. A subscriber that panics is isolated and logged.
type Bus struct {
	queue   chan Event
	done    chan struct{}
	drained chan struct{}

	closeOnce sync.Once
	startOnce sync.Once

	mu           sync.RWMutex
	subscribers  map[uint64]subscriber
	nextSubID    uint64
	history      []Event
	maxHistory   int
	publishCount uint64

	log *slog.Logger
}

// New builds a stopped bus; call Start before publishing.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		queue:       make(chan Event, defaultQueueSize),
		done:        make(chan struct{}),
		drained:     make(chan struct{}),
		subscribers: make(map[uint64]subscriber),
		maxHistory:  defaultMaxHistory,
		log:         log.With("component", "bus"),
	}
}

// Start launches the drain loop. Idempotent.
func (b *Bus) Start() {
	b.startOnce.Do(func() {
		go b.drain()
	})
}

// Stop closes the bus and waits for the drain loop to exit.
//
// Events still queued at Stop time are delivered before the loop exits.
func (b *Bus) Stop() {
	b.closeOnce.Do(func() {
		close(b.done)
	})

	select {
	case <-b.drained:
	case <-time.After(defaultStopTimeout):
		b.log.Warn("Bus drain loop did not stop in time")
	}
}

// Publish enqueues an event for delivery.
//
// The event id and timestamp are assigned here when unset. Returns false
// when the bus is stopped or the context expires before the queue accepts
// the event.
func (b *Bus) Publish(ctx context.Context, event Event) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	select {
	case <-ctx.Done():
		return false
	case <-b.done:
		return false
	default:
	}

	select {
	case <-ctx.Done():
		return false
	case <-b.done:
		return false
	case b.queue <- event:
		return true
	}
}

// Subscribe registers a handler for one event name and returns a
// subscription id usable with Unsubscribe.
func (b *Bus) Subscribe(name string, handler Handler) uint64 {
	return b.addSubscriber(name, handler)
}

// SubscribeAll registers a wildcard handler receiving every event.
func (b *Bus) SubscribeAll(handler Handler) uint64 {
	return b.addSubscriber("", handler)
}

func (b *Bus) addSubscriber(name string, handler Handler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSubID++
	id := b.nextSubID
	b.subscribers[id] = subscriber{id: id, name: name, handler: handler}
	return id
}

// Unsubscribe removes the subscription with the given id.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

// History returns up to limit most recent events, oldest first.
func (b *Bus) History(limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if limit <= 0 || limit > len(b.history) {
		limit = len(b.history)
	}
	out := make([]Event, limit)
	copy(out, b.history[len(b.history)-limit:])
	return out
}

// Stats reports bus counters for inspection endpoints.
func (b *Bus) Stats() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return map[string]any{
		"queue_size":   len(b.queue),
		"subscribers":  len(b.subscribers),
		"history_size": len(b.history),
		"published":    b.publishCount,
	}
}

func (b *Bus) drain() {
	defer close(b.drained)

	for {
		select {
		case event := <-b.queue:
			b.dispatch(event)
		case <-b.done:
			// Deliver what was queued before the stop.
			for {
				select {
				case event := <-b.queue:
					b.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(event Event) {
	b.mu.Lock()
	b.history = append(b.history, event)
	if len(b.history) > b.maxHistory {
		b.history = b.history[1:]
	}
	b.publishCount++
	matched := make([]subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.name == "" || sub.name == event.Name {
			matched = append(matched, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range matched {
		b.deliver(sub, event)
	}
}

// deliver invokes one handler, containing panics so a faulty subscriber
// cannot take down the drain loop or starve its peers.
func (b *Bus) deliver(sub subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("Event subscriber panicked", "event", event.Name, "subscriber", sub.id, "panic", r)
		}
	}()
	sub.handler(event)
}

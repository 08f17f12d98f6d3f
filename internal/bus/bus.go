// Package bus implements the typed publish/subscribe fabric connecting the
// channel adapters, the conversation engine, the tool service, and the memory
// service. Delivery is asynchronous: every subscriber owns a bounded mailbox
// drained by its own goroutine, so a slow subscriber can never block the
// emitter. On overflow the oldest queued event for that subscriber is dropped
// and a counter increments; the counter is surfaced through the doctor
// endpoint. There is no persistence.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/promethea-labs/promethea/internal/observability"
	"github.com/promethea-labs/promethea/pkg/models"
)

// Handler processes one event. A handler that returns an error is isolated:
// the error is logged and does not reach the emitter or sibling handlers.
type Handler func(ctx context.Context, ev models.Event) error

// DefaultMailboxSize bounds each subscriber's queue of undelivered events.
const DefaultMailboxSize = 256

// Bus is the process-wide event fabric.
type Bus struct {
	mu     sync.RWMutex
	subs   map[models.EventType][]*subscriber
	logger *observability.Logger

	mailboxSize int
	dropped     atomic.Uint64
	dropHook    func()
	closed      atomic.Bool
	wg          sync.WaitGroup
}

type subscriber struct {
	name    string
	handler Handler
	mailbox chan models.Event
	dropped atomic.Uint64
}

// Option customizes bus construction.
type Option func(*Bus)

// WithMailboxSize overrides the per-subscriber mailbox bound.
func WithMailboxSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.mailboxSize = n
		}
	}
}

// WithDropHook registers a callback invoked once per dropped event (metrics
// wiring).
func WithDropHook(fn func()) Option {
	return func(b *Bus) { b.dropHook = fn }
}

// New creates an event bus. The logger receives isolated handler errors and
// overflow notices.
func New(logger *observability.Logger, opts ...Option) *Bus {
	b := &Bus{
		subs:        make(map[models.EventType][]*subscriber),
		logger:      logger,
		mailboxSize: DefaultMailboxSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers an asynchronous handler for one event type. The name is
// used only for logging and drop attribution. Events are delivered to this
// subscriber in emission order.
func (b *Bus) Subscribe(eventType models.EventType, name string, handler Handler) {
	if handler == nil || b.closed.Load() {
		return
	}
	sub := &subscriber{
		name:    name,
		handler: handler,
		mailbox: make(chan models.Event, b.mailboxSize),
	}

	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.drain(sub)
}

// Emit delivers the event to every current subscriber of its type and returns
// once every delivery has been scheduled, not completed. Fan-out follows
// subscriber registration order.
func (b *Bus) Emit(eventType models.EventType, payload any) {
	b.EmitCorrelated(eventType, payload, "")
}

// EmitCorrelated is Emit with a correlation ID threaded into the event.
func (b *Bus) EmitCorrelated(eventType models.EventType, payload any, correlationID string) {
	if b.closed.Load() {
		return
	}
	ev := models.Event{
		Type:          eventType,
		Payload:       payload,
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
	}

	b.mu.RLock()
	subs := b.subs[eventType]
	b.mu.RUnlock()

	for _, sub := range subs {
		b.offer(sub, ev)
	}
}

// offer enqueues an event, dropping the subscriber's oldest queued event if
// its mailbox is full. Delivery remains a prefix of the emission sequence.
func (b *Bus) offer(sub *subscriber, ev models.Event) {
	for {
		select {
		case sub.mailbox <- ev:
			return
		default:
		}
		select {
		case old := <-sub.mailbox:
			sub.dropped.Add(1)
			b.dropped.Add(1)
			if b.dropHook != nil {
				b.dropHook()
			}
			b.logger.Warn(context.Background(), "event bus mailbox overflow",
				"subscriber", sub.name,
				"event_type", string(old.Type),
			)
		default:
		}
	}
}

func (b *Bus) drain(sub *subscriber) {
	defer b.wg.Done()
	for ev := range sub.mailbox {
		if err := sub.handler(context.Background(), ev); err != nil {
			b.logger.Error(context.Background(), "event handler failed",
				"subscriber", sub.name,
				"event_type", string(ev.Type),
				"error", err,
			)
		}
	}
}

// Dropped returns the total number of events dropped across all subscribers
// since startup.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// DroppedBySubscriber reports per-subscriber drop counts keyed by name.
func (b *Bus) DroppedBySubscriber() map[string]uint64 {
	out := map[string]uint64{}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, subs := range b.subs {
		for _, sub := range subs {
			out[sub.name] += sub.dropped.Load()
		}
	}
	return out
}

// Close stops accepting emissions, lets queued events drain, and waits for
// all subscriber goroutines to exit.
func (b *Bus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	for _, subs := range b.subs {
		for _, sub := range subs {
			close(sub.mailbox)
		}
	}
	b.subs = make(map[models.EventType][]*subscriber)
	b.mu.Unlock()
	b.wg.Wait()
}

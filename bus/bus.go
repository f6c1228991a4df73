// Package bus implements the in-process publish/subscribe event bus that
// sequences work between TurnManager, PlanExecutor, and StepProcessor.
//
// Unlike a request/response call, Publish fans a single envelope out to every
// handler registered for its event type concurrently: handlers run in their
// own goroutine, a panicking or erroring handler is isolated and logged, and
// the publisher never blocks on or observes handler failures.
package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/corvid-ai/agentruntime/telemetry"
)

type (
	// Bus publishes runtime events to the handlers registered for their
	// event type. The bus is thread-safe and supports concurrent Publish,
	// Subscribe, and Subscription.Close calls.
	Bus interface {
		// Publish delivers the envelope to every handler currently
		// registered for envelope.EventType. Each handler runs in its own
		// goroutine; Publish returns once all handlers have been started,
		// not once they have finished. Publish never returns a handler
		// error; failures are logged against the envelope's TraceID.
		Publish(ctx context.Context, envelope Envelope)

		// PublishSync delivers the envelope exactly like Publish but waits
		// for every handler to finish before returning. Intended for tests
		// that need deterministic ordering; core runtime code should use
		// Publish.
		PublishSync(ctx context.Context, envelope Envelope)

		// Subscribe registers handler for eventType and returns a
		// Subscription that can be closed to unregister it.
		Subscribe(eventType string, handler Handler) Subscription
	}

	// Handler reacts to a single published envelope. A returned error is
	// logged and counted; it is never propagated to the publisher and never
	// prevents other handlers from running.
	Handler interface {
		HandleEvent(ctx context.Context, envelope Envelope) error
	}

	// HandlerFunc adapts a plain function to the Handler interface.
	HandlerFunc func(ctx context.Context, envelope Envelope) error

	// Subscription represents an active registration on a Bus. Close is
	// idempotent and safe to call from multiple goroutines.
	Subscription interface {
		Close()
	}

	bus struct {
		mu          sync.RWMutex
		subscribers map[string]map[*subscription]Handler
		telemetry   telemetry.Set
	}

	subscription struct {
		bus       *bus
		eventType string
		once      sync.Once
	}
)

// HandleEvent calls the wrapped function.
func (f HandlerFunc) HandleEvent(ctx context.Context, envelope Envelope) error {
	return f(ctx, envelope)
}

// New constructs a new in-memory event bus. telemetry may be the zero value,
// in which case telemetry.Noop() is used.
func New(set telemetry.Set) Bus {
	if set.Logger == nil && set.Metrics == nil && set.Tracer == nil {
		set = telemetry.Noop()
	}
	return &bus{subscribers: make(map[string]map[*subscription]Handler), telemetry: set}
}

func (b *bus) Subscribe(eventType string, handler Handler) Subscription {
	s := &subscription{bus: b, eventType: eventType}
	b.mu.Lock()
	if b.subscribers[eventType] == nil {
		b.subscribers[eventType] = make(map[*subscription]Handler)
	}
	b.subscribers[eventType][s] = handler
	b.mu.Unlock()
	return s
}

func (s *subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers[s.eventType], s)
		s.bus.mu.Unlock()
	})
}

func (b *bus) snapshot(eventType string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bucket := b.subscribers[eventType]
	handlers := make([]Handler, 0, len(bucket))
	for _, h := range bucket {
		handlers = append(handlers, h)
	}
	return handlers
}

func (b *bus) Publish(ctx context.Context, envelope Envelope) {
	handlers := b.snapshot(envelope.EventType)
	var wg sync.WaitGroup
	wg.Add(len(handlers))
	for _, h := range handlers {
		go func(h Handler) {
			defer wg.Done()
			b.dispatch(ctx, h, envelope)
		}(h)
	}
	// Publish does not wait on wg: dispatch is fire-and-forget per §4.1.
	go wg.Wait()
}

func (b *bus) PublishSync(ctx context.Context, envelope Envelope) {
	handlers := b.snapshot(envelope.EventType)
	var wg sync.WaitGroup
	wg.Add(len(handlers))
	for _, h := range handlers {
		go func(h Handler) {
			defer wg.Done()
			b.dispatch(ctx, h, envelope)
		}(h)
	}
	wg.Wait()
}

// dispatch invokes a single handler, isolating both panics and returned
// errors so neither can affect sibling handlers or the publisher.
func (b *bus) dispatch(ctx context.Context, h Handler, envelope Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.telemetry.Logger.Error(ctx, "event handler panicked",
				"event_type", envelope.EventType, "trace_id", envelope.TraceID, "panic", fmt.Sprint(r))
			b.telemetry.Metrics.IncCounter("bus.handler.panic", 1, "event_type", envelope.EventType)
		}
	}()
	if err := h.HandleEvent(ctx, envelope); err != nil {
		b.telemetry.Logger.Error(ctx, "event handler failed",
			"event_type", envelope.EventType, "trace_id", envelope.TraceID, "error", err.Error())
		b.telemetry.Metrics.IncCounter("bus.handler.error", 1, "event_type", envelope.EventType)
	}
}

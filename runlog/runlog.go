// Package runlog is an illustrative, append-only trail of EventEnvelope
// deliveries: subscribing a Recorder to the bus gives external tooling a
// cursor-paginated view of everything a turn did, without any core
// component depending on it for correctness. It is never required by the
// runtime's own invariants and is not durable across restarts by default.
package runlog

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/corvid-ai/agentruntime/bus"
)

type (
	// Event is a single immutable record appended to the log.
	//
	// Store implementations assign ID when persisting the event. IDs are
	// opaque, monotonically ordered within a turn, and suitable for
	// cursor-based pagination.
	Event struct {
		ID        string
		TurnID    string
		TraceID   string
		Type      string
		Payload   json.RawMessage
		Timestamp time.Time
	}

	// Page is a forward page of events.
	Page struct {
		// Events are ordered oldest-first.
		Events []*Event
		// NextCursor is empty once there are no further events.
		NextCursor string
	}

	// Store is an append-only event store for turn introspection.
	Store interface {
		Append(ctx context.Context, e *Event) error
		List(ctx context.Context, turnID, cursor string, limit int) (Page, error)
	}
)

// Recorder subscribes to every runtime event type and appends each one to a
// Store. Marshal failures and store errors are logged, never surfaced back
// to the bus: a broken log must not stall turn processing.
type Recorder struct {
	store  Store
	onFail func(context.Context, error)
}

// NewRecorder wires a Recorder to store and subscribes it to every event
// type the runtime publishes.
func NewRecorder(b bus.Bus, store Store, onFail func(context.Context, error)) *Recorder {
	if onFail == nil {
		onFail = func(context.Context, error) {}
	}
	r := &Recorder{store: store, onFail: onFail}
	for _, eventType := range []string{
		bus.EventTurnStart,
		bus.EventStepExecuteLLM,
		bus.EventStepExecuteTool,
		bus.EventStepExecuteMemory,
		bus.EventStepResult,
		bus.EventTurnCompleted,
		bus.EventTurnFailed,
	} {
		b.Subscribe(eventType, bus.HandlerFunc(r.handle))
	}
	return r
}

func (r *Recorder) handle(ctx context.Context, env bus.Envelope) error {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		r.onFail(ctx, fmt.Errorf("runlog: marshal payload for %q: %w", env.EventType, err))
		return nil
	}
	err = r.store.Append(ctx, &Event{
		TurnID:    env.TurnID,
		TraceID:   env.TraceID,
		Type:      env.EventType,
		Payload:   payload,
		Timestamp: env.Timestamp,
	})
	if err != nil {
		r.onFail(ctx, fmt.Errorf("runlog: append %q: %w", env.EventType, err))
	}
	return nil
}

// InMemoryStore is the default, non-durable Store: an append-only slice per
// turn behind a single mutex, with opaque cursors that are just the prior
// page's last sequence number.
type InMemoryStore struct {
	mu      sync.Mutex
	nextSeq map[string]int64
	events  map[string][]*Event
}

// NewInMemoryStore returns an empty in-memory Store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		nextSeq: make(map[string]int64),
		events:  make(map[string][]*Event),
	}
}

// Append implements Store.
func (s *InMemoryStore) Append(_ context.Context, e *Event) error {
	if e == nil {
		return fmt.Errorf("runlog: event is required")
	}
	if e.TurnID == "" {
		return fmt.Errorf("runlog: turn_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.nextSeq[e.TurnID] + 1
	s.nextSeq[e.TurnID] = seq

	ev := *e
	ev.ID = strconv.FormatInt(seq, 10)
	s.events[e.TurnID] = append(s.events[e.TurnID], &ev)
	return nil
}

// List implements Store.
func (s *InMemoryStore) List(_ context.Context, turnID, cursor string, limit int) (Page, error) {
	if turnID == "" {
		return Page{}, fmt.Errorf("runlog: turn_id is required")
	}
	if limit <= 0 {
		return Page{}, fmt.Errorf("runlog: limit must be > 0")
	}

	var after int64
	if cursor != "" {
		id, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return Page{}, fmt.Errorf("runlog: invalid cursor %q: %w", cursor, err)
		}
		after = id
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.events[turnID]
	if len(all) == 0 {
		return Page{}, nil
	}

	start := 0
	if after > 0 {
		start = int(after)
		if start >= len(all) {
			return Page{}, nil
		}
	}

	end := start + limit
	if end > len(all) {
		end = len(all)
	}

	events := append([]*Event(nil), all[start:end]...)
	var next string
	if end < len(all) {
		next = events[len(events)-1].ID
	}
	return Page{Events: events, NextCursor: next}, nil
}

// Package memory implements the MemoryManager facade the core runtime
// consumes for conversation/knowledge recall: search, retrieve, and store
// over a cache tier and an optional durable/vector tier.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/corvid-ai/agentruntime/telemetry"
)

// ErrNotFound is returned by Retrieve when the id is unknown to every
// configured backend.
var ErrNotFound = errors.New("memory: not found")

// BackendError wraps a cache or durable backend failure that is distinct
// from the looked-up id simply not existing — a timeout, connection
// failure, or similar outage. Retrieve and Store return this instead of
// ErrNotFound so a genuine backend failure fails the step rather than being
// silently treated as "not found".
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("memory: %s backend failed: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Kind satisfies the runtime's {Kind, Message} error taxonomy.
func (e *BackendError) Kind() string { return "MemoryBackendError" }

// Result is a single memory item returned by Search or Retrieve.
type Result struct {
	ID        string
	Text      string
	Metadata  map[string]string
	Score     float64
	CreatedAt time.Time
}

// CacheBackend is the subset of a cache-tier implementation the Manager
// depends on (satisfied by memory/rediscache.Store).
type CacheBackend interface {
	Search(ctx context.Context, query string, limit int, filter map[string]string) ([]Result, error)
	Get(ctx context.Context, id string) (Result, error)
	Put(ctx context.Context, id string, result Result) error
}

// DurableBackend is the subset of an optional vector/durable-tier
// implementation the Manager depends on (satisfied by
// memory/mongostore.Store). It is consulted only when configured.
type DurableBackend interface {
	Search(ctx context.Context, query string, limit int, filter map[string]string) ([]Result, error)
	Get(ctx context.Context, id string) (Result, error)
	Put(ctx context.Context, id string, result Result) error
}

// Manager is the interface consumed by ContextManager and StepProcessor.
// It exists as an interface (rather than exposing *Facade directly) so
// tests can substitute a stub without constructing real backends.
type Manager interface {
	Search(ctx context.Context, query string, limit int, filter map[string]string) ([]Result, error)
	Retrieve(ctx context.Context, id string) (Result, error)
	Store(ctx context.Context, text string, metadata map[string]string) (string, error)
}

// Facade composes a cache tier with an optional durable tier. Search is
// best-effort: a backend error degrades to an empty result and a metric
// rather than failing the caller, since search results feed planning
// prompts that can tolerate a missing hint.
type Facade struct {
	cache       CacheBackend
	durable     DurableBackend // nil when memory.vector_store_enabled is false
	telemetry   telemetry.Set
	idGenerator func() string
}

// Option configures a Facade at construction time.
type Option func(*Facade)

// WithDurableBackend attaches an optional vector/durable tier.
func WithDurableBackend(d DurableBackend) Option {
	return func(f *Facade) { f.durable = d }
}

// WithIDGenerator overrides how Store mints new result ids; defaults to a
// monotonically-increasing counter suffixed generator when unset.
func WithIDGenerator(gen func() string) Option {
	return func(f *Facade) { f.idGenerator = gen }
}

// New builds a Facade over the required cache backend, plus any options.
func New(cache CacheBackend, set telemetry.Set, opts ...Option) *Facade {
	f := &Facade{cache: cache, telemetry: set, idGenerator: defaultIDGenerator()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Search queries the cache tier, falling back to the durable tier when
// configured and the cache returns nothing. Backend errors degrade to an
// empty result set rather than propagating.
func (f *Facade) Search(ctx context.Context, query string, limit int, filter map[string]string) ([]Result, error) {
	results, err := f.cache.Search(ctx, query, limit, filter)
	if err != nil {
		f.degraded(ctx, "search", err)
		results = nil
	}
	if len(results) > 0 || f.durable == nil {
		return results, nil
	}

	durableResults, err := f.durable.Search(ctx, query, limit, filter)
	if err != nil {
		f.degraded(ctx, "search", err)
		return nil, nil
	}
	return durableResults, nil
}

// Retrieve fetches a single memory by id, checking the cache tier first and
// falling back to the durable tier. Returns ErrNotFound if neither backend
// has the id, or a *BackendError if a backend failed for any other reason.
func (f *Facade) Retrieve(ctx context.Context, id string) (Result, error) {
	result, err := f.cache.Get(ctx, id)
	switch {
	case err == nil:
		return result, nil
	case errors.Is(err, ErrNotFound):
		// fall through to the durable tier below
	default:
		return Result{}, &BackendError{Op: "retrieve", Err: err}
	}

	if f.durable == nil {
		return Result{}, ErrNotFound
	}

	result, err = f.durable.Get(ctx, id)
	switch {
	case err == nil:
		return result, nil
	case errors.Is(err, ErrNotFound):
		return Result{}, ErrNotFound
	default:
		return Result{}, &BackendError{Op: "retrieve", Err: err}
	}
}

// Store writes text to the cache tier (and the durable tier, when
// configured) and returns the assigned id. Store is fire-and-forget from the
// core's perspective: callers do not wait for durability guarantees beyond
// what ctx's deadline allows.
func (f *Facade) Store(ctx context.Context, text string, metadata map[string]string) (string, error) {
	id := f.idGenerator()
	result := Result{ID: id, Text: text, Metadata: metadata, CreatedAt: time.Now()}

	if err := f.cache.Put(ctx, id, result); err != nil {
		return "", &BackendError{Op: "store", Err: err}
	}
	if f.durable != nil {
		if err := f.durable.Put(ctx, id, result); err != nil {
			f.degraded(ctx, "store", err)
		}
	}
	return id, nil
}

func (f *Facade) degraded(ctx context.Context, op string, err error) {
	f.telemetry.Logger.Warn(ctx, "memory backend degraded",
		"component", "memory-manager",
		"op", op,
		"err", err,
	)
	f.telemetry.Metrics.IncCounter("memory_degraded_total", 1, "op", op)
}

func defaultIDGenerator() func() string {
	var counter uint64
	return func() string {
		n := atomic.AddUint64(&counter, 1)
		return time.Now().UTC().Format("20060102T150405.000000000") + "-" + strconv.FormatUint(n, 10)
	}
}

// Package step implements StepProcessor: one logical processor with three
// handler methods, one per step type, that dispatches LLM calls, tool
// calls, and memory operations and publishes a step.result for each.
package step

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/corvid-ai/agentruntime/bus"
	"github.com/corvid-ai/agentruntime/ids"
	"github.com/corvid-ai/agentruntime/memory"
	"github.com/corvid-ai/agentruntime/personality"
	"github.com/corvid-ai/agentruntime/providerapi"
	"github.com/corvid-ai/agentruntime/providers/retry"
	"github.com/corvid-ai/agentruntime/telemetry"
	"github.com/corvid-ai/agentruntime/turnstore"
)

// Options configures a Processor.
type Options struct {
	// MaxStepExecutionRetries bounds additional attempts beyond the first
	// for retryable failures (provider transient errors, tool-signaled
	// transient errors).
	MaxStepExecutionRetries int
	// MaxInFlightSteps bounds the number of steps executing concurrently
	// across the whole process.
	MaxInFlightSteps int
	RetryPolicy      retry.Policy
}

func (o Options) withDefaults() Options {
	if o.MaxStepExecutionRetries <= 0 {
		o.MaxStepExecutionRetries = 2
	}
	if o.MaxInFlightSteps <= 0 {
		o.MaxInFlightSteps = 16
	}
	if o.RetryPolicy == (retry.Policy{}) {
		o.RetryPolicy = retry.DefaultPolicy()
	}
	return o
}

// Processor is the StepProcessor component. It owns no per-turn state of its
// own; sequencing and status live in the ContextManager (turnstore).
type Processor struct {
	bus           bus.Bus
	turns         *turnstore.Manager
	personalities *personality.Manager
	providers     map[string]providerapi.Client
	telemetry     telemetry.Set
	opts          Options
	sem           chan struct{}
}

// New constructs a Processor and subscribes its three handlers to the
// type-discriminated step.execute.* events.
func New(b bus.Bus, turns *turnstore.Manager, personalities *personality.Manager, providers map[string]providerapi.Client, set telemetry.Set, opts Options) *Processor {
	opts = opts.withDefaults()
	p := &Processor{
		bus:           b,
		turns:         turns,
		personalities: personalities,
		providers:     providers,
		telemetry:     set,
		opts:          opts,
		sem:           make(chan struct{}, opts.MaxInFlightSteps),
	}
	b.Subscribe(bus.EventStepExecuteLLM, bus.HandlerFunc(func(ctx context.Context, env bus.Envelope) error {
		return p.handleStep(ctx, env, turnstore.StepTypeLLMCall)
	}))
	b.Subscribe(bus.EventStepExecuteTool, bus.HandlerFunc(func(ctx context.Context, env bus.Envelope) error {
		return p.handleStep(ctx, env, turnstore.StepTypeToolCall)
	}))
	b.Subscribe(bus.EventStepExecuteMemory, bus.HandlerFunc(func(ctx context.Context, env bus.Envelope) error {
		return p.handleStep(ctx, env, turnstore.StepTypeMemoryOp)
	}))
	return p
}

func (p *Processor) acquire(ctx context.Context) error {
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) release() { <-p.sem }

// handleStep is the single entry point for all three step-type events. want
// is the step type the caller subscribed to; a payload naming a different
// type is a wiring bug in PlanExecutor and is rejected.
func (p *Processor) handleStep(ctx context.Context, env bus.Envelope, want turnstore.StepType) error {
	s, ok := env.Payload.(turnstore.Step)
	if !ok {
		return fmt.Errorf("step: unexpected payload type %T", env.Payload)
	}
	if s.StepType != want {
		return fmt.Errorf("step: event carried step_type %q on the %q handler", s.StepType, want)
	}

	if err := p.acquire(ctx); err != nil {
		return err
	}
	defer p.release()

	turn, err := p.turns.WaitForIndex(ctx, s.TurnID, s.StepIndex)
	if err != nil {
		return fmt.Errorf("step: wait for turn %q index %d: %w", s.TurnID, s.StepIndex, err)
	}
	if turn.Status.IsTerminal() {
		// The turn ended (completed or failed) before this step's turn
		// arrived; drop it rather than running work nobody will see.
		return nil
	}

	s.Status = turnstore.StepStatusRunning
	s.StartedAt = time.Now()

	result, metrics, execErr := p.dispatch(ctx, turn, s)

	s.EndedAt = time.Now()
	m := metrics
	s.Metrics = &m
	if execErr != nil {
		s.Status = turnstore.StepStatusFailed
		s.Error = &turnstore.StepError{Kind: errorKind(execErr), Detail: execErr.Error()}
	} else {
		s.Status = turnstore.StepStatusSucceeded
		s.Result = result
	}

	p.bus.Publish(ctx, bus.Envelope{
		EventID:   ids.NewEventID(),
		EventType: bus.EventStepResult,
		Timestamp: env.Timestamp,
		TraceID:   env.TraceID,
		TurnID:    s.TurnID,
		PlanID:    s.PlanID,
		StepID:    s.StepID,
		Payload:   s,
	})
	return nil
}

func (p *Processor) dispatch(ctx context.Context, turn turnstore.Turn, s turnstore.Step) (any, turnstore.Metrics, error) {
	switch s.StepType {
	case turnstore.StepTypeLLMCall:
		return p.dispatchLLMCall(ctx, turn, s)
	case turnstore.StepTypeToolCall:
		return p.dispatchToolCall(ctx, turn, s)
	case turnstore.StepTypeMemoryOp:
		return p.dispatchMemoryOp(ctx, turn, s)
	default:
		return nil, turnstore.Metrics{}, fmt.Errorf("step: unknown step type %q", s.StepType)
	}
}

func (p *Processor) dispatchLLMCall(ctx context.Context, turn turnstore.Turn, s turnstore.Step) (any, turnstore.Metrics, error) {
	// Use the PersonalityInstance snapshot PlanExecutor captured on the turn
	// rather than re-fetching from the registry, so a Reload mid-turn can
	// never change which pack version this turn's steps use.
	instance := turn.Personality
	if instance.ID == "" {
		return nil, turnstore.Metrics{}, fmt.Errorf("step: turn %q has no personality snapshot", turn.TurnID)
	}

	providerName := instance.DefaultProvider
	if v, ok := s.Parameters["provider"].(string); ok && v != "" {
		providerName = v
	}
	model := instance.DefaultModel
	if v, ok := s.Parameters["model"].(string); ok && v != "" {
		model = v
	}
	client, ok := p.providers[providerName]
	if !ok {
		return nil, turnstore.Metrics{}, fmt.Errorf("step: no provider configured for %q", providerName)
	}

	prompt, _ := s.Parameters["prompt"].(string)
	if prompt == "" {
		prompt = turn.UserInput.Content
	}

	messages := make([]providerapi.Message, 0, 2)
	if instance.SystemPromptText != "" {
		messages = append(messages, providerapi.Message{Role: providerapi.RoleSystem, Content: instance.SystemPromptText})
	}
	messages = append(messages, providerapi.Message{Role: providerapi.RoleUser, Content: prompt})

	policy := p.opts.RetryPolicy
	policy.MaxAttempts = p.opts.MaxStepExecutionRetries + 1

	resp, attempt := retry.Do(ctx, policy, func(ctx context.Context) (*providerapi.Response, error) {
		return client.Generate(ctx, providerapi.Request{
			Messages: messages,
			Model:    model,
			Options:  providerapi.Options{ResponseFormat: providerapi.ResponseFormatText},
		})
	})
	if resp == nil {
		return nil, turnstore.Metrics{Provider: providerName, Model: model, ErrorKind: errorKind(attempt.LastErr), Attempts: attempt.Count}, attempt.LastErr
	}

	metrics := turnstore.Metrics{
		LatencyMS:        resp.Metrics.LatencyMS,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		CostUSD:          resp.Metrics.CostUSD,
		Provider:         providerName,
		Model:            model,
		Attempts:         attempt.Count,
	}
	return resp.Content, metrics, nil
}

func (p *Processor) dispatchToolCall(ctx context.Context, turn turnstore.Turn, s turnstore.Step) (any, turnstore.Metrics, error) {
	toolName, _ := s.Parameters["tool_name"].(string)
	args, _ := s.Parameters["arguments"].(map[string]any)
	if args == nil {
		args = map[string]any{}
	}

	maxAttempts := p.opts.MaxStepExecutionRetries + 1
	var (
		result any
		tm     personality.ToolMetrics
		err    error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, tm, err = p.personalities.ExecuteTool(ctx, turn.PersonalityID, toolName, args)
		if err == nil || !isRetryableToolError(err) {
			break
		}
	}
	return result, turnstore.Metrics{LatencyMS: tm.LatencyMS, Provider: tm.Provider, ErrorKind: errorKind(err)}, err
}

func (p *Processor) dispatchMemoryOp(ctx context.Context, turn turnstore.Turn, s turnstore.Step) (any, turnstore.Metrics, error) {
	mm := p.turns.MemoryManager()
	op, _ := s.Parameters["operation"].(string)
	payload, _ := s.Parameters["payload"].(map[string]any)

	switch op {
	case "search":
		query, _ := payload["query"].(string)
		limit := 10
		if v, ok := payload["limit"].(float64); ok && v > 0 {
			limit = int(v)
		}
		filter := stringifyMap(asAnyMap(payload["filter"]))
		results, err := mm.Search(ctx, query, limit, filter)
		return results, turnstore.Metrics{ErrorKind: errorKind(err)}, err
	case "retrieve":
		id, _ := payload["id"].(string)
		result, err := mm.Retrieve(ctx, id)
		return result, turnstore.Metrics{ErrorKind: errorKind(err)}, err
	case "store":
		text, _ := payload["text"].(string)
		meta := stringifyMap(asAnyMap(payload["metadata"]))
		id, err := mm.Store(ctx, text, meta)
		return id, turnstore.Metrics{ErrorKind: errorKind(err)}, err
	default:
		return nil, turnstore.Metrics{}, fmt.Errorf("step: unknown memory operation %q", op)
	}
}

func asAnyMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func stringifyMap(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = fmt.Sprint(v)
	}
	return out
}

// retryableTool is the marker interface a tool error can implement to signal
// that the failure is transient, per the spec's "non-retryable unless the
// tool explicitly signals transient" rule.
type retryableTool interface {
	Retryable() bool
}

func isRetryableToolError(err error) bool {
	var r retryableTool
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

func errorKind(err error) string {
	if err == nil {
		return ""
	}
	if pe, ok := providerapi.As(err); ok {
		return string(pe.Kind)
	}
	var notFound *personality.ErrToolNotFound
	if errors.As(err, &notFound) {
		return "ToolNotFoundError"
	}
	var execErr *personality.ToolExecutionError
	if errors.As(err, &execErr) {
		return "ToolExecutionError"
	}
	var backendErr *memory.BackendError
	if errors.As(err, &backendErr) {
		return "MemoryBackendError"
	}
	if errors.Is(err, memory.ErrNotFound) {
		return "MemoryNotFoundError"
	}
	return "StepExecutionError"
}

// Package plan implements the PlanExecutor: it subscribes to turn.start,
// prompts the configured provider for an ordered step array, validates it,
// and publishes one step event per step in index order.
package plan

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/corvid-ai/agentruntime/bus"
	"github.com/corvid-ai/agentruntime/ids"
	"github.com/corvid-ai/agentruntime/personality"
	"github.com/corvid-ai/agentruntime/providerapi"
	"github.com/corvid-ai/agentruntime/telemetry"
	"github.com/corvid-ai/agentruntime/turnstore"
)

// RetryReason categorizes why a plan generation attempt was rejected,
// mirroring the teacher's planner.RetryReason vocabulary narrowed to the
// plan-generation failure modes this executor can produce.
type RetryReason string

const (
	RetryReasonMalformedResponse RetryReason = "malformed_response"
	RetryReasonUnknownStepType  RetryReason = "unknown_step_type"
	RetryReasonUnknownTool      RetryReason = "unknown_tool"
	RetryReasonZeroSteps        RetryReason = "zero_steps"
	RetryReasonTooManySteps     RetryReason = "too_many_steps"
)

// Options configures an Executor.
type Options struct {
	MaxPlanGenerationRetries int
	MaxStepsPerPlan          int
}

func (o Options) withDefaults() Options {
	if o.MaxPlanGenerationRetries <= 0 {
		o.MaxPlanGenerationRetries = 2
	}
	if o.MaxStepsPerPlan <= 0 {
		o.MaxStepsPerPlan = 20
	}
	return o
}

// Executor is the PlanExecutor component. It is stateless aside from its
// collaborators; all per-turn state lives in the ContextManager.
type Executor struct {
	bus          bus.Bus
	turns        *turnstore.Manager
	personalities *personality.Manager
	providers    map[string]providerapi.Client
	telemetry    telemetry.Set
	opts         Options
}

// New constructs an Executor and subscribes it to turn.start.
func New(b bus.Bus, turns *turnstore.Manager, personalities *personality.Manager, providers map[string]providerapi.Client, set telemetry.Set, opts Options) *Executor {
	e := &Executor{
		bus:          b,
		turns:        turns,
		personalities: personalities,
		providers:    providers,
		telemetry:    set,
		opts:         opts.withDefaults(),
	}
	b.Subscribe(bus.EventTurnStart, bus.HandlerFunc(e.handleTurnStart))
	return e
}

type planStep struct {
	StepType    string         `json:"step_type"`
	Parameters  map[string]any `json:"parameters"`
	Description string         `json:"description,omitempty"`
}

type planResponse struct {
	Steps []planStep `json:"steps"`
}

func (e *Executor) handleTurnStart(ctx context.Context, env bus.Envelope) error {
	turn, ok := e.turns.GetTurn(ctx, env.TurnID)
	if !ok {
		return fmt.Errorf("plan: turn %q not found", env.TurnID)
	}

	planning, err := e.turns.UpdateTurn(ctx, env.TurnID, func(t *turnstore.Turn) error {
		if t.Status == turnstore.StatusPending {
			t.Status = turnstore.StatusPlanning
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("plan: mark turn planning: %w", err)
	}
	if planning.Status.IsTerminal() {
		return nil
	}

	instance, ok := e.personalities.Get(turn.PersonalityID)
	if !ok {
		return e.fail(ctx, env, "PlanGenerationError", fmt.Sprintf("unknown personality %q", turn.PersonalityID))
	}

	provider, ok := e.providers[instance.DefaultProvider]
	if !ok {
		return e.fail(ctx, env, "PlanGenerationError", fmt.Sprintf("no provider configured for %q", instance.DefaultProvider))
	}

	prompt := buildPlanningPrompt(instance, turn)
	var lastErr error
	for attempt := 0; attempt <= e.opts.MaxPlanGenerationRetries; attempt++ {
		if lastErr != nil {
			prompt = append(prompt, providerapi.Message{
				Role:    providerapi.RoleUser,
				Content: "Your previous response was invalid: " + lastErr.Error() + ". Return a corrected JSON plan.",
			})
		}

		resp, err := provider.Generate(ctx, providerapi.Request{
			Messages: prompt,
			Model:    instance.DefaultModel,
			Options:  providerapi.Options{ResponseFormat: providerapi.ResponseFormatJSON},
		})
		if err != nil {
			lastErr = err
			continue
		}

		steps, validateErr := e.validatePlan(resp.Content, instance)
		if validateErr != nil {
			lastErr = validateErr
			continue
		}

		return e.publishPlan(ctx, env, turn, instance, steps)
	}

	return e.fail(ctx, env, "PlanGenerationError", fmt.Sprintf("plan generation failed after %d attempts: %v", e.opts.MaxPlanGenerationRetries+1, lastErr))
}

func (e *Executor) validatePlan(content string, instance personality.PersonalityInstance) ([]planStep, error) {
	var resp planResponse
	if err := json.Unmarshal([]byte(content), &resp); err != nil {
		return nil, fmt.Errorf("%s: %w", RetryReasonMalformedResponse, err)
	}
	if len(resp.Steps) == 0 {
		return nil, fmt.Errorf("%s: plan has zero steps", RetryReasonZeroSteps)
	}
	if len(resp.Steps) > e.opts.MaxStepsPerPlan {
		return nil, fmt.Errorf("%s: plan has %d steps, exceeding max of %d", RetryReasonTooManySteps, len(resp.Steps), e.opts.MaxStepsPerPlan)
	}

	availableTools := make(map[string]struct{}, len(instance.AvailableToolNames))
	for _, name := range instance.AvailableToolNames {
		availableTools[name] = struct{}{}
	}

	for i, step := range resp.Steps {
		switch turnstore.StepType(step.StepType) {
		case turnstore.StepTypeLLMCall, turnstore.StepTypeMemoryOp:
		case turnstore.StepTypeToolCall:
			toolName, _ := step.Parameters["tool_name"].(string)
			if _, ok := availableTools[toolName]; !ok {
				return nil, fmt.Errorf("%s: step %d names unavailable tool %q", RetryReasonUnknownTool, i, toolName)
			}
		default:
			return nil, fmt.Errorf("%s: step %d has unknown step_type %q", RetryReasonUnknownStepType, i, step.StepType)
		}
	}
	return resp.Steps, nil
}

func (e *Executor) publishPlan(ctx context.Context, env bus.Envelope, turn turnstore.Turn, instance personality.PersonalityInstance, steps []planStep) error {
	planID := ids.NewTraceID()
	stepIDs := make([]string, len(steps))
	for i := range steps {
		stepIDs[i] = ids.NewStepID(planID, i)
	}

	planRecord := turnstore.Plan{PlanID: planID, TurnID: turn.TurnID, StepIDs: stepIDs, Status: turnstore.PlanStatusInProgress}
	var terminal bool
	_, err := e.turns.UpdateTurn(ctx, turn.TurnID, func(t *turnstore.Turn) error {
		if t.Status.IsTerminal() {
			terminal = true
			return nil
		}
		t.PlanID = planID
		t.Status = turnstore.StatusExecuting
		t.TotalSteps = len(steps)
		// Captured once here so StepProcessor never re-resolves the
		// registry: a Reload between planning and step execution must not
		// change what this turn sees.
		t.Personality = instance
		return nil
	})
	if err != nil {
		return fmt.Errorf("plan: update turn after planning: %w", err)
	}
	if terminal {
		return nil
	}
	e.storePlan(planRecord)

	for i, step := range steps {
		stepType := turnstore.StepType(step.StepType)
		eventType, err := stepEventType(stepType)
		if err != nil {
			return err
		}
		e.bus.Publish(ctx, bus.Envelope{
			EventID:   ids.NewEventID(),
			EventType: eventType,
			Timestamp: env.Timestamp,
			TraceID:   env.TraceID,
			TurnID:    turn.TurnID,
			PlanID:    planID,
			StepID:    stepIDs[i],
			Payload: turnstore.Step{
				StepID:      stepIDs[i],
				PlanID:      planID,
				TurnID:      turn.TurnID,
				StepIndex:   i,
				StepType:    stepType,
				Parameters:  step.Parameters,
				Description: step.Description,
				Status:      turnstore.StepStatusPending,
			},
		})
	}
	return nil
}

func stepEventType(t turnstore.StepType) (string, error) {
	switch t {
	case turnstore.StepTypeLLMCall:
		return bus.EventStepExecuteLLM, nil
	case turnstore.StepTypeToolCall:
		return bus.EventStepExecuteTool, nil
	case turnstore.StepTypeMemoryOp:
		return bus.EventStepExecuteMemory, nil
	default:
		return "", fmt.Errorf("plan: unknown step type %q", t)
	}
}

func (e *Executor) fail(ctx context.Context, env bus.Envelope, kind, message string) error {
	_, err := e.turns.UpdateTurn(ctx, env.TurnID, func(t *turnstore.Turn) error {
		if t.Status.IsTerminal() {
			return nil
		}
		t.Status = turnstore.StatusFailed
		t.ErrorInfo = &turnstore.ErrorInfo{Kind: kind, Message: message}
		return nil
	})
	if err != nil {
		return err
	}
	e.bus.Publish(ctx, bus.Envelope{
		EventID:   ids.NewEventID(),
		EventType: bus.EventTurnFailed,
		TraceID:   env.TraceID,
		TurnID:    env.TurnID,
		Payload:   turnstore.ErrorInfo{Kind: kind, Message: message},
	})
	e.telemetry.Logger.Error(ctx, "plan generation failed", "component", "plan-executor", "turn_id", env.TurnID, "kind", kind, "message", message)
	return nil
}

func buildPlanningPrompt(instance personality.PersonalityInstance, turn turnstore.Turn) []providerapi.Message {
	messages := []providerapi.Message{}
	if instance.SystemPromptText != "" {
		messages = append(messages, providerapi.Message{Role: providerapi.RoleSystem, Content: instance.SystemPromptText})
	}
	messages = append(messages, providerapi.Message{Role: providerapi.RoleSystem, Content: describeAvailableOperations(instance)})
	messages = append(messages, turn.UserInput)
	return messages
}

func describeAvailableOperations(instance personality.PersonalityInstance) string {
	desc := "Respond with a JSON object {\"steps\": [{\"step_type\": ..., \"parameters\": {...}, \"description\": \"...\"}]}. " +
		"step_type must be one of LLM_CALL, TOOL_CALL, MEMORY_OP. For TOOL_CALL steps, parameters.tool_name must be one of: "
	if len(instance.AvailableToolNames) == 0 {
		desc += "(none available)."
	} else {
		for i, name := range instance.AvailableToolNames {
			if i > 0 {
				desc += ", "
			}
			desc += name
		}
		desc += "."
	}
	return desc
}

// storePlan is a seam for keeping plan records alongside turns; the
// reference ContextManager does not persist Plan separately from the
// step ids it hands StepProcessor; future durable stores can override this.
func (e *Executor) storePlan(turnstore.Plan) {}

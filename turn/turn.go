// Package turn implements TurnManager: it starts turns, aggregates step
// results into a turn's final outcome, and enforces a whole-turn timeout.
package turn

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/corvid-ai/agentruntime/bus"
	"github.com/corvid-ai/agentruntime/ids"
	"github.com/corvid-ai/agentruntime/personality"
	"github.com/corvid-ai/agentruntime/providerapi"
	"github.com/corvid-ai/agentruntime/telemetry"
	"github.com/corvid-ai/agentruntime/turnstore"
)

// ValidationError is returned by StartTurn for malformed or unresolvable
// input, before any Turn is created.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Kind satisfies the runtime's {Kind, Message} error taxonomy.
func (e *ValidationError) Kind() string { return "ValidationError" }

// Options configures a Manager.
type Options struct {
	// MaxTurnDuration bounds how long a turn may run before the watchdog
	// fails it with error.kind = TurnTimeout.
	MaxTurnDuration time.Duration
	// FailFast fails the whole turn as soon as any step fails, rather than
	// letting the remaining steps run to completion.
	FailFast bool
}

func (o Options) withDefaults() Options {
	if o.MaxTurnDuration <= 0 {
		o.MaxTurnDuration = 2 * time.Minute
	}
	return o
}

// Manager is the TurnManager component. It creates turns and performs the
// terminal transitions driven by step results and the timeout watchdog;
// PlanExecutor also writes Turn.Status when it starts planning, moves a turn
// to EXECUTING, or fails planning.
type Manager struct {
	bus           bus.Bus
	turns         *turnstore.Manager
	personalities *personality.Manager
	telemetry     telemetry.Set
	opts          Options

	watchdogMu sync.Mutex
	watchdogs  map[string]*time.Timer
}

// New constructs a Manager and subscribes its handlers to turn.start's
// successor events: step.result (aggregator) and the terminal events (to
// retire a turn's watchdog regardless of which component raised it).
func New(b bus.Bus, turns *turnstore.Manager, personalities *personality.Manager, set telemetry.Set, opts Options) *Manager {
	m := &Manager{
		bus:           b,
		turns:         turns,
		personalities: personalities,
		telemetry:     set,
		opts:          opts.withDefaults(),
		watchdogs:     make(map[string]*time.Timer),
	}
	b.Subscribe(bus.EventStepResult, bus.HandlerFunc(m.handleStepResult))
	b.Subscribe(bus.EventTurnCompleted, bus.HandlerFunc(m.handleTerminalEvent))
	b.Subscribe(bus.EventTurnFailed, bus.HandlerFunc(m.handleTerminalEvent))
	return m
}

// StartTurn validates the request, creates the Turn in PENDING, arms the
// turn's timeout watchdog, and publishes turn.start. It returns the turn_id
// and trace_id the caller should use to correlate subsequent events.
func (m *Manager) StartTurn(ctx context.Context, userInput providerapi.Message, personalityID, sessionID string, metadata map[string]string) (turnID, traceID string, err error) {
	if strings.TrimSpace(userInput.Content) == "" {
		return "", "", &ValidationError{Message: "turn: user input content is required"}
	}
	if _, ok := m.personalities.Get(personalityID); !ok {
		return "", "", &ValidationError{Message: fmt.Sprintf("turn: unknown personality %q", personalityID)}
	}

	turnID = ids.NewTurnID()
	traceID = ids.NewTraceID()
	now := time.Now()

	newTurn := turnstore.Turn{
		TurnID:        turnID,
		Status:        turnstore.StatusPending,
		UserInput:     userInput,
		PersonalityID: personalityID,
		SessionID:     sessionID,
		Metadata:      metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.turns.CreateTurn(ctx, newTurn); err != nil {
		return "", "", err
	}

	m.armWatchdog(turnID)

	m.bus.Publish(ctx, bus.Envelope{
		EventID:   ids.NewEventID(),
		EventType: bus.EventTurnStart,
		Timestamp: now,
		TraceID:   traceID,
		TurnID:    turnID,
	})
	return turnID, traceID, nil
}

// handleStepResult aggregates one step.result into its turn: rolling up
// metrics, guarding against duplicate delivery by step_id, and performing
// the turn's terminal transition when the plan's last step succeeds or when
// a failed step triggers FailFast.
func (m *Manager) handleStepResult(ctx context.Context, env bus.Envelope) error {
	s, ok := env.Payload.(turnstore.Step)
	if !ok {
		return fmt.Errorf("turn: unexpected payload type %T", env.Payload)
	}

	var terminalKind string
	turn, err := m.turns.UpdateTurn(ctx, s.TurnID, func(t *turnstore.Turn) error {
		if t.Status.IsTerminal() {
			return nil
		}
		if t.SeenStepIDs == nil {
			t.SeenStepIDs = make(map[string]struct{})
		}
		if _, seen := t.SeenStepIDs[s.StepID]; seen {
			return nil
		}
		t.SeenStepIDs[s.StepID] = struct{}{}
		t.CompletedSteps++
		if s.Metrics != nil {
			t.Metrics.Add(*s.Metrics)
		}
		if s.Status == turnstore.StepStatusSucceeded && s.StepType == turnstore.StepTypeLLMCall {
			if content, ok := s.Result.(string); ok {
				t.LastLLMContent = content
			}
		}

		if s.Status == turnstore.StepStatusFailed && m.opts.FailFast {
			t.Status = turnstore.StatusFailed
			detail := ""
			if s.Error != nil {
				detail = s.Error.Detail
			}
			t.ErrorInfo = &turnstore.ErrorInfo{Kind: "StepExecutionFailure", Message: detail}
			terminalKind = "failed"
			return nil
		}

		if s.StepIndex == t.TotalSteps-1 && s.Status == turnstore.StepStatusSucceeded {
			resp := providerapi.Message{Role: providerapi.RoleAssistant, Content: t.LastLLMContent}
			t.FinalResponse = &resp
			t.Status = turnstore.StatusCompleted
			terminalKind = "completed"
		}
		return nil
	})
	if err != nil {
		return err
	}

	switch terminalKind {
	case "completed":
		m.bus.Publish(ctx, bus.Envelope{
			EventID:   ids.NewEventID(),
			EventType: bus.EventTurnCompleted,
			TraceID:   env.TraceID,
			TurnID:    turn.TurnID,
			Payload:   turn,
		})
	case "failed":
		m.bus.Publish(ctx, bus.Envelope{
			EventID:   ids.NewEventID(),
			EventType: bus.EventTurnFailed,
			TraceID:   env.TraceID,
			TurnID:    turn.TurnID,
			Payload:   *turn.ErrorInfo,
		})
		m.telemetry.Logger.Error(ctx, "turn failed fast on step failure",
			"component", "turn-manager", "turn_id", turn.TurnID, "step_id", s.StepID)
	}
	return nil
}

// handleTerminalEvent cancels a turn's watchdog once it reaches a terminal
// state, regardless of which component (PlanExecutor or this Manager)
// raised the terminal event.
func (m *Manager) handleTerminalEvent(ctx context.Context, env bus.Envelope) error {
	m.cancelWatchdog(env.TurnID)
	return nil
}

func (m *Manager) armWatchdog(turnID string) {
	timer := time.AfterFunc(m.opts.MaxTurnDuration, func() {
		m.onTimeout(turnID)
	})
	m.watchdogMu.Lock()
	m.watchdogs[turnID] = timer
	m.watchdogMu.Unlock()
}

func (m *Manager) cancelWatchdog(turnID string) {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()
	if timer, ok := m.watchdogs[turnID]; ok {
		timer.Stop()
		delete(m.watchdogs, turnID)
	}
}

func (m *Manager) onTimeout(turnID string) {
	ctx := context.Background()
	var timedOut bool
	turn, err := m.turns.UpdateTurn(ctx, turnID, func(t *turnstore.Turn) error {
		if t.Status.IsTerminal() {
			return nil
		}
		t.Status = turnstore.StatusFailed
		t.ErrorInfo = &turnstore.ErrorInfo{
			Kind:    "TurnTimeout",
			Message: fmt.Sprintf("turn exceeded max duration of %s", m.opts.MaxTurnDuration),
		}
		timedOut = true
		return nil
	})
	if err != nil {
		m.telemetry.Logger.Error(ctx, "turn timeout watchdog failed to update turn",
			"component", "turn-manager", "turn_id", turnID, "err", err)
		return
	}
	if !timedOut {
		return
	}

	m.bus.Publish(ctx, bus.Envelope{
		EventID:   ids.NewEventID(),
		EventType: bus.EventTurnFailed,
		TurnID:    turnID,
		Payload:   *turn.ErrorInfo,
	})
}

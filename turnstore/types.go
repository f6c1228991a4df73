// Package turnstore implements the ContextManager: per-turn in-memory state
// with striped mutual exclusion, bridging to the MemoryManager facade for
// conversation history.
package turnstore

import (
	"time"

	"github.com/corvid-ai/agentruntime/memory"
	"github.com/corvid-ai/agentruntime/personality"
	"github.com/corvid-ai/agentruntime/providerapi"
)

// Status is a Turn's lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPlanning  Status = "PLANNING"
	StatusExecuting Status = "EXECUTING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// IsTerminal reports whether s is a terminal status (COMPLETED or FAILED).
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// PlanStatus is a Plan's lifecycle state.
type PlanStatus string

const (
	PlanStatusPending    PlanStatus = "PENDING"
	PlanStatusInProgress PlanStatus = "IN_PROGRESS"
	PlanStatusCompleted  PlanStatus = "COMPLETED"
	PlanStatusFailed     PlanStatus = "FAILED"
)

// StepType discriminates how StepProcessor should execute a Step.
type StepType string

const (
	StepTypeLLMCall  StepType = "LLM_CALL"
	StepTypeToolCall StepType = "TOOL_CALL"
	StepTypeMemoryOp StepType = "MEMORY_OP"
)

// StepStatus is a Step's lifecycle state.
type StepStatus string

const (
	StepStatusPending   StepStatus = "PENDING"
	StepStatusRunning   StepStatus = "RUNNING"
	StepStatusSucceeded StepStatus = "SUCCEEDED"
	StepStatusFailed    StepStatus = "FAILED"
	StepStatusSkipped   StepStatus = "SKIPPED"
)

// ErrorInfo captures a terminal failure's classification and detail.
type ErrorInfo struct {
	Kind    string
	Message string
}

// StepError mirrors ErrorInfo at step granularity.
type StepError struct {
	Kind   string
	Detail string
}

// Metrics is an additive roll-up of latency/token/cost accounting, shared
// between Turn and Step (Turn.Metrics sums its Steps' numeric Metrics and
// keeps the Provider/Model/ErrorKind of the latest step that set them).
type Metrics struct {
	LatencyMS        int64
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	Provider         string
	Model            string
	ErrorKind        string
	// Attempts is how many tries a step's retry loop took, 1 when it
	// succeeded or failed on the first try.
	Attempts         int
}

// Add accumulates other into m, used when rolling step metrics up into a
// turn's aggregate. Numeric fields are summed; non-empty Provider, Model and
// ErrorKind values from other replace m's.
func (m *Metrics) Add(other Metrics) {
	m.LatencyMS += other.LatencyMS
	m.PromptTokens += other.PromptTokens
	m.CompletionTokens += other.CompletionTokens
	m.CostUSD += other.CostUSD
	m.Attempts += other.Attempts
	if other.Provider != "" {
		m.Provider = other.Provider
	}
	if other.Model != "" {
		m.Model = other.Model
	}
	if other.ErrorKind != "" {
		m.ErrorKind = other.ErrorKind
	}
}

// Turn is the unit of work TurnManager owns. Mutation happens only through
// Store.UpdateTurn, which holds the turn-scoped lock for the duration of the
// mutator.
type Turn struct {
	TurnID          string
	Status          Status
	UserInput       providerapi.Message
	PersonalityID   string
	// Personality is the PersonalityInstance snapshot PlanExecutor resolved
	// at turn start. StepProcessor reads provider/model/system-prompt
	// defaults from here rather than re-fetching from the (possibly
	// reloaded) registry, so a pack reload mid-turn never changes what an
	// in-flight turn sees.
	Personality personality.PersonalityInstance
	SessionID   string
	PlanID          string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	FinalResponse   *providerapi.Message
	ErrorInfo       *ErrorInfo
	Metrics         Metrics
	Metadata        map[string]string
	SeenStepIDs     map[string]struct{} // set-membership guard against duplicate step.result delivery
	CompletedSteps  int
	TotalSteps      int
	// LastLLMContent holds the most recent successful LLM_CALL step's
	// output. TurnManager derives FinalResponse from it when the last step
	// in the plan completes, since the last step by index is not always
	// itself an LLM_CALL.
	LastLLMContent string
}

// Clone returns a deep-enough copy of t so callers cannot mutate the
// store's internal state through a returned value.
func (t Turn) Clone() Turn {
	out := t
	if t.Metadata != nil {
		out.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	if t.SeenStepIDs != nil {
		out.SeenStepIDs = make(map[string]struct{}, len(t.SeenStepIDs))
		for k := range t.SeenStepIDs {
			out.SeenStepIDs[k] = struct{}{}
		}
	}
	if t.FinalResponse != nil {
		resp := *t.FinalResponse
		out.FinalResponse = &resp
	}
	if t.ErrorInfo != nil {
		info := *t.ErrorInfo
		out.ErrorInfo = &info
	}
	return out
}

// Plan is an ordered sequence of Step ids produced by PlanExecutor. Once
// published, PlanExecutor never mutates it again.
type Plan struct {
	PlanID  string
	TurnID  string
	StepIDs []string
	Status  PlanStatus
}

// Step is a single unit of plan execution owned exclusively by
// StepProcessor while RUNNING.
type Step struct {
	StepID     string
	PlanID     string
	TurnID     string
	StepIndex  int
	StepType   StepType
	Parameters map[string]any
	Description string
	Status     StepStatus
	Result     any
	Error      *StepError
	Metrics    *Metrics
	StartedAt  time.Time
	EndedAt    time.Time
}

// Manager bundles the ContextManager's store with its MemoryManager bridge,
// satisfying the component description's "MemoryManager() memory.Manager"
// accessor.
type Manager struct {
	*Store
	memoryManager memory.Manager
}

// NewManager builds a Manager over a fresh in-process Store.
func NewManager(memoryManager memory.Manager) *Manager {
	return &Manager{Store: NewStore(), memoryManager: memoryManager}
}

// MemoryManager bridges tool/memory steps to long-term memory.
func (m *Manager) MemoryManager() memory.Manager {
	return m.memoryManager
}

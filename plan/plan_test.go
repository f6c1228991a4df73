package plan

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corvid-ai/agentruntime/bus"
	"github.com/corvid-ai/agentruntime/memory"
	"github.com/corvid-ai/agentruntime/personality"
	"github.com/corvid-ai/agentruntime/providerapi"
	"github.com/corvid-ai/agentruntime/telemetry"
	"github.com/corvid-ai/agentruntime/turnstore"
)

type fakeProvider struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

func (f *fakeProvider) Generate(ctx context.Context, req providerapi.Request) (*providerapi.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content := f.responses[f.calls]
	f.calls++
	return &providerapi.Response{Content: content}, nil
}

func (f *fakeProvider) Embed(context.Context, providerapi.EmbedRequest) (*providerapi.EmbedResponse, error) {
	return nil, providerapi.ErrUnsupportedOperation
}
func (f *fakeProvider) Moderate(context.Context, providerapi.ModerateRequest) (*providerapi.ModerateResponse, error) {
	return nil, providerapi.ErrUnsupportedOperation
}
func (f *fakeProvider) Name() string { return "fake" }

type fakeMemory struct{}

func (fakeMemory) Search(context.Context, string, int, map[string]string) ([]memory.Result, error) {
	return nil, nil
}
func (fakeMemory) Retrieve(context.Context, string) (memory.Result, error) {
	return memory.Result{}, memory.ErrNotFound
}
func (fakeMemory) Store(context.Context, string, map[string]string) (string, error) { return "", nil }

func newTestPersonalityManager(t *testing.T, packID string) *personality.Manager {
	t.Helper()
	dir := t.TempDir()
	packDir := filepath.Join(dir, packID)
	require.NoError(t, os.MkdirAll(packDir, 0o755))
	manifest := `
id: ` + packID + `
name: Test Pack
version: "1.0.0"
default_provider: fake
default_model: fake-model
`
	require.NoError(t, os.WriteFile(filepath.Join(packDir, "manifest.yaml"), []byte(manifest), 0o644))
	m, err := personality.New(context.Background(), dir, telemetry.Noop())
	require.NoError(t, err)
	return m
}

func startTurn(t *testing.T, turns *turnstore.Manager, turnID, personalityID string) {
	t.Helper()
	now := time.Now()
	require.NoError(t, turns.CreateTurn(context.Background(), turnstore.Turn{
		TurnID:        turnID,
		Status:        turnstore.StatusPending,
		UserInput:     providerapi.Message{Role: providerapi.RoleUser, Content: "What is the weather?"},
		PersonalityID: personalityID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}))
}

func TestPlanExecutorPublishesStepEventsForValidPlan(t *testing.T) {
	b := bus.New(telemetry.Noop())
	turns := turnstore.NewManager(fakeMemory{})
	personalities := newTestPersonalityManager(t, "assistant")

	planJSON, err := json.Marshal(planResponse{Steps: []planStep{
		{StepType: "LLM_CALL", Parameters: map[string]any{}, Description: "answer"},
	}})
	require.NoError(t, err)
	provider := &fakeProvider{responses: []string{string(planJSON)}}

	_ = New(b, turns, personalities, map[string]providerapi.Client{"fake": provider}, telemetry.Noop(), Options{})

	startTurn(t, turns, "t1", "assistant")

	var received []bus.Envelope
	var mu sync.Mutex
	b.Subscribe(bus.EventStepExecuteLLM, bus.HandlerFunc(func(ctx context.Context, env bus.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, env)
		return nil
	}))

	b.PublishSync(context.Background(), bus.Envelope{EventType: bus.EventTurnStart, TurnID: "t1", TraceID: "trace-1"})

	// Step events go out through the asynchronous Publish, so the handler
	// above may still be running when PublishSync returns.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) >= 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)

	turn, ok := turns.GetTurn(context.Background(), "t1")
	require.True(t, ok)
	require.Equal(t, turnstore.StatusExecuting, turn.Status)
	require.Equal(t, 1, turn.TotalSteps)
}

func TestPlanExecutorFailsTurnOnZeroSteps(t *testing.T) {
	b := bus.New(telemetry.Noop())
	turns := turnstore.NewManager(fakeMemory{})
	personalities := newTestPersonalityManager(t, "assistant")

	emptyPlan, err := json.Marshal(planResponse{Steps: nil})
	require.NoError(t, err)
	provider := &fakeProvider{responses: []string{string(emptyPlan), string(emptyPlan), string(emptyPlan)}}

	_ = New(b, turns, personalities, map[string]providerapi.Client{"fake": provider}, telemetry.Noop(), Options{MaxPlanGenerationRetries: 1})

	startTurn(t, turns, "t1", "assistant")

	b.PublishSync(context.Background(), bus.Envelope{EventType: bus.EventTurnStart, TurnID: "t1", TraceID: "trace-1"})

	turn, ok := turns.GetTurn(context.Background(), "t1")
	require.True(t, ok)
	require.Equal(t, turnstore.StatusFailed, turn.Status)
	require.Equal(t, "PlanGenerationError", turn.ErrorInfo.Kind)
}

package turn

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corvid-ai/agentruntime/bus"
	"github.com/corvid-ai/agentruntime/memory"
	"github.com/corvid-ai/agentruntime/personality"
	"github.com/corvid-ai/agentruntime/plan"
	"github.com/corvid-ai/agentruntime/providerapi"
	"github.com/corvid-ai/agentruntime/providers/retry"
	"github.com/corvid-ai/agentruntime/step"
	"github.com/corvid-ai/agentruntime/telemetry"
	"github.com/corvid-ai/agentruntime/turnstore"
)

type fakeMemory struct{}

func (fakeMemory) Search(context.Context, string, int, map[string]string) ([]memory.Result, error) {
	return nil, nil
}
func (fakeMemory) Retrieve(context.Context, string) (memory.Result, error) {
	return memory.Result{}, memory.ErrNotFound
}
func (fakeMemory) Store(context.Context, string, map[string]string) (string, error) { return "", nil }

// textResp is one queued response to a non-planning (ResponseFormatText)
// Generate call.
type textResp struct {
	content string
	err     error
}

// sequencedProvider always answers a ResponseFormatJSON call (plan
// generation) with planJSON, and answers every other call with the next
// entry in textResponses, in order.
type sequencedProvider struct {
	mu            sync.Mutex
	planJSON      string
	textResponses []textResp
	idx           int
}

func (p *sequencedProvider) Generate(ctx context.Context, req providerapi.Request) (*providerapi.Response, error) {
	if req.Options.ResponseFormat == providerapi.ResponseFormatJSON {
		return &providerapi.Response{Content: p.planJSON}, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.idx >= len(p.textResponses) {
		return nil, errors.New("sequencedProvider: no more responses queued")
	}
	r := p.textResponses[p.idx]
	p.idx++
	if r.err != nil {
		return nil, r.err
	}
	return &providerapi.Response{
		Content: r.content,
		Usage:   providerapi.TokenUsage{PromptTokens: 5, CompletionTokens: 7},
		Metrics: providerapi.CallMetrics{CostUSD: 0.01},
	}, nil
}

func (p *sequencedProvider) Embed(context.Context, providerapi.EmbedRequest) (*providerapi.EmbedResponse, error) {
	return nil, providerapi.ErrUnsupportedOperation
}
func (p *sequencedProvider) Moderate(context.Context, providerapi.ModerateRequest) (*providerapi.ModerateResponse, error) {
	return nil, providerapi.ErrUnsupportedOperation
}
func (p *sequencedProvider) Name() string { return "fake" }

// gatedProvider behaves like sequencedProvider for plan generation, but
// blocks a text call on a per-model gate channel until it is closed, and
// returns a per-model fixed content once released. Used to force a
// deterministic interleaving for the hot-reload scenario.
type gatedProvider struct {
	planJSON string
	gates    map[string]chan struct{}
	content  map[string]string
}

func (p *gatedProvider) Generate(ctx context.Context, req providerapi.Request) (*providerapi.Response, error) {
	if req.Options.ResponseFormat == providerapi.ResponseFormatJSON {
		return &providerapi.Response{Content: p.planJSON}, nil
	}
	if gate, ok := p.gates[req.Model]; ok {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &providerapi.Response{Content: p.content[req.Model]}, nil
}

func (p *gatedProvider) Embed(context.Context, providerapi.EmbedRequest) (*providerapi.EmbedResponse, error) {
	return nil, providerapi.ErrUnsupportedOperation
}
func (p *gatedProvider) Moderate(context.Context, providerapi.ModerateRequest) (*providerapi.ModerateResponse, error) {
	return nil, providerapi.ErrUnsupportedOperation
}
func (p *gatedProvider) Name() string { return "fake" }

func writeManifest(t *testing.T, packDir, id, version, defaultModel string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(packDir, 0o755))
	manifest := `
id: ` + id + `
name: Test Pack
version: "` + version + `"
default_provider: fake
default_model: ` + defaultModel + `
`
	require.NoError(t, os.WriteFile(filepath.Join(packDir, "manifest.yaml"), []byte(manifest), 0o644))
}

func newPersonalityManager(t *testing.T, dir string) *personality.Manager {
	t.Helper()
	m, err := personality.New(context.Background(), dir, telemetry.Noop())
	require.NoError(t, err)
	return m
}

// harness wires PlanExecutor, StepProcessor, and TurnManager onto a shared
// bus and turn store, mirroring how cmd/agentruntimed assembles them.
type harness struct {
	bus           bus.Bus
	turns         *turnstore.Manager
	personalities *personality.Manager
	manager       *Manager
}

func newHarness(personalities *personality.Manager, providers map[string]providerapi.Client, stepOpts step.Options, turnOpts Options) *harness {
	b := bus.New(telemetry.Noop())
	turns := turnstore.NewManager(fakeMemory{})
	plan.New(b, turns, personalities, providers, telemetry.Noop(), plan.Options{})
	step.New(b, turns, personalities, providers, telemetry.Noop(), stepOpts)
	mgr := New(b, turns, personalities, telemetry.Noop(), turnOpts)
	return &harness{bus: b, turns: turns, personalities: personalities, manager: mgr}
}

func waitForTerminal(t *testing.T, turns *turnstore.Manager, turnID string, timeout time.Duration) turnstore.Turn {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		turn, ok := turns.GetTurn(context.Background(), turnID)
		if ok && turn.Status.IsTerminal() {
			return turn
		}
		if time.Now().After(deadline) {
			if ok {
				t.Fatalf("turn %q did not reach terminal status within %s (last status %v)", turnID, timeout, turn.Status)
			}
			t.Fatalf("turn %q never observed", turnID)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func singleLLMCallPlanJSON() string {
	return `{"steps":[{"step_type":"LLM_CALL","parameters":{},"description":"answer"}]}`
}

// 1. Happy path.
func TestTurnManagerHappyPath(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, filepath.Join(dir, "default"), "default", "1.0.0", "fake-model")
	personalities := newPersonalityManager(t, dir)

	provider := &sequencedProvider{
		planJSON:      singleLLMCallPlanJSON(),
		textResponses: []textResp{{content: "4"}},
	}
	h := newHarness(personalities, map[string]providerapi.Client{"fake": provider}, step.Options{}, Options{})

	turnID, traceID, err := h.manager.StartTurn(context.Background(), providerapi.Message{Role: providerapi.RoleUser, Content: "What is 2+2?"}, "default", "", nil)
	require.NoError(t, err)
	require.NotEmpty(t, traceID)

	turn := waitForTerminal(t, h.turns, turnID, time.Second)
	require.Equal(t, turnstore.StatusCompleted, turn.Status)
	require.NotNil(t, turn.FinalResponse)
	require.Contains(t, turn.FinalResponse.Content, "4")
	require.Equal(t, 1, turn.TotalSteps)
	require.Equal(t, 1, turn.Metrics.Attempts)
}

// 2. Unknown personality.
func TestTurnManagerUnknownPersonality(t *testing.T) {
	dir := t.TempDir()
	personalities := newPersonalityManager(t, dir)
	h := newHarness(personalities, map[string]providerapi.Client{}, step.Options{}, Options{})

	turnID, _, err := h.manager.StartTurn(context.Background(), providerapi.Message{Role: providerapi.RoleUser, Content: "hello"}, "does_not_exist", "", nil)
	require.Error(t, err)
	require.Empty(t, turnID)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Error(), "does_not_exist")

	_, ok := h.turns.GetTurn(context.Background(), turnID)
	require.False(t, ok)
}

// 3. Tool step failure, fail-fast.
func TestTurnManagerToolStepFailureFailsFast(t *testing.T) {
	personality.RegisterTool("toolfail", "get_weather", func(ctx context.Context, args map[string]any) (any, error) {
		return nil, errors.New("weather service unavailable")
	})

	dir := t.TempDir()
	writeManifest(t, filepath.Join(dir, "toolfail"), "toolfail", "1.0.0", "fake-model")
	personalities := newPersonalityManager(t, dir)

	planJSON := `{"steps":[` +
		`{"step_type":"TOOL_CALL","parameters":{"tool_name":"get_weather","arguments":{"city":"X"}},"description":"lookup"},` +
		`{"step_type":"LLM_CALL","parameters":{},"description":"summarize"}` +
		`]}`
	provider := &sequencedProvider{planJSON: planJSON}
	h := newHarness(personalities, map[string]providerapi.Client{"fake": provider}, step.Options{}, Options{FailFast: true})

	turnID, _, err := h.manager.StartTurn(context.Background(), providerapi.Message{Role: providerapi.RoleUser, Content: "what's the weather"}, "toolfail", "", nil)
	require.NoError(t, err)

	turn := waitForTerminal(t, h.turns, turnID, time.Second)
	require.Equal(t, turnstore.StatusFailed, turn.Status)
	require.Equal(t, "StepExecutionFailure", turn.ErrorInfo.Kind)
	require.Equal(t, 1, turn.CompletedSteps)

	// The second step's LLM call must never have run: only the planning
	// call (ResponseFormatJSON) consumed provider.Generate.
	require.Equal(t, 0, provider.idx)
}

// 4. Provider rate-limit then success.
func TestTurnManagerProviderRateLimitThenSuccess(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, filepath.Join(dir, "ratelimit"), "ratelimit", "1.0.0", "fake-model")
	personalities := newPersonalityManager(t, dir)

	rateLimited := providerapi.New(providerapi.KindRateLimit, "fake", "rate limited", nil)
	provider := &sequencedProvider{
		planJSON: singleLLMCallPlanJSON(),
		textResponses: []textResp{
			{err: rateLimited},
			{err: rateLimited},
			{content: "answer"},
		},
	}
	stepOpts := step.Options{
		MaxStepExecutionRetries: 2,
		RetryPolicy:             retry.Policy{BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
	}
	h := newHarness(personalities, map[string]providerapi.Client{"fake": provider}, stepOpts, Options{})

	turnID, _, err := h.manager.StartTurn(context.Background(), providerapi.Message{Role: providerapi.RoleUser, Content: "ping"}, "ratelimit", "", nil)
	require.NoError(t, err)

	turn := waitForTerminal(t, h.turns, turnID, 2*time.Second)
	require.Equal(t, turnstore.StatusCompleted, turn.Status)
	require.Equal(t, 3, turn.Metrics.Attempts)
	require.InDelta(t, 0.01, turn.Metrics.CostUSD, 0.0001)
}

// 5. Hot reload mid-turn.
func TestTurnManagerHotReloadMidTurn(t *testing.T) {
	dir := t.TempDir()
	packDir := filepath.Join(dir, "reload")
	writeManifest(t, packDir, "reload", "1.0.0", "model-v1")
	personalities := newPersonalityManager(t, dir)

	gateV1 := make(chan struct{})
	provider := &gatedProvider{
		planJSON: singleLLMCallPlanJSON(),
		gates:    map[string]chan struct{}{"model-v1": gateV1},
		content:  map[string]string{"model-v1": "answer from v1", "model-v2": "answer from v2"},
	}
	h := newHarness(personalities, map[string]providerapi.Client{"fake": provider}, step.Options{}, Options{})

	turnA, _, err := h.manager.StartTurn(context.Background(), providerapi.Message{Role: providerapi.RoleUser, Content: "turn a"}, "reload", "", nil)
	require.NoError(t, err)

	// Wait for turn A's plan to be in place (its single LLM_CALL step is now
	// blocked inside provider.Generate on gateV1) before reloading.
	waitUntil(t, time.Second, func() bool {
		turn, ok := h.turns.GetTurn(context.Background(), turnA)
		return ok && turn.TotalSteps == 1 && turn.Personality.Version == "1.0.0"
	})

	writeManifest(t, packDir, "reload", "2.0.0", "model-v2")
	_, _, err = personalities.Reload(context.Background())
	require.NoError(t, err)

	turnB, _, err := h.manager.StartTurn(context.Background(), providerapi.Message{Role: providerapi.RoleUser, Content: "turn b"}, "reload", "", nil)
	require.NoError(t, err)

	b := waitForTerminal(t, h.turns, turnB, time.Second)
	require.Equal(t, "2.0.0", b.Personality.Version)
	require.Equal(t, "model-v2", b.Metrics.Model)
	require.Contains(t, b.FinalResponse.Content, "v2")

	close(gateV1)

	a := waitForTerminal(t, h.turns, turnA, time.Second)
	require.Equal(t, "1.0.0", a.Personality.Version)
	require.Equal(t, "model-v1", a.Metrics.Model)
	require.Contains(t, a.FinalResponse.Content, "v1")
}

// 6. Turn timeout.
func TestTurnManagerTimeout(t *testing.T) {
	personality.RegisterTool("slow", "slow_tool", func(ctx context.Context, args map[string]any) (any, error) {
		time.Sleep(300 * time.Millisecond)
		return "done", nil
	})

	dir := t.TempDir()
	writeManifest(t, filepath.Join(dir, "slow"), "slow", "1.0.0", "fake-model")
	personalities := newPersonalityManager(t, dir)

	planJSON := `{"steps":[{"step_type":"TOOL_CALL","parameters":{"tool_name":"slow_tool","arguments":{}},"description":"wait"}]}`
	provider := &sequencedProvider{planJSON: planJSON}
	h := newHarness(personalities, map[string]providerapi.Client{"fake": provider}, step.Options{}, Options{MaxTurnDuration: 50 * time.Millisecond})

	start := time.Now()
	turnID, _, err := h.manager.StartTurn(context.Background(), providerapi.Message{Role: providerapi.RoleUser, Content: "go slow"}, "slow", "", nil)
	require.NoError(t, err)

	turn := waitForTerminal(t, h.turns, turnID, time.Second)
	elapsed := time.Since(start)
	require.Equal(t, turnstore.StatusFailed, turn.Status)
	require.Equal(t, "TurnTimeout", turn.ErrorInfo.Kind)
	require.Less(t, elapsed, 250*time.Millisecond)
	require.Equal(t, 0, turn.CompletedSteps)

	// The slow tool's late step.result must not resurrect or mutate the
	// turn once it has already gone terminal.
	time.Sleep(400 * time.Millisecond)
	final, ok := h.turns.GetTurn(context.Background(), turnID)
	require.True(t, ok)
	require.Equal(t, turnstore.StatusFailed, final.Status)
	require.Equal(t, "TurnTimeout", final.ErrorInfo.Kind)
	require.Equal(t, 0, final.CompletedSteps)
}

package runlog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corvid-ai/agentruntime/bus"
	"github.com/corvid-ai/agentruntime/telemetry"
	"github.com/corvid-ai/agentruntime/turnstore"
)

func TestRecorderAppendsPublishedEvents(t *testing.T) {
	b := bus.New(telemetry.Noop())
	store := NewInMemoryStore()
	NewRecorder(b, store, nil)

	b.PublishSync(context.Background(), bus.Envelope{
		EventType: bus.EventTurnStart,
		TurnID:    "t1",
		TraceID:   "trace-1",
	})
	b.PublishSync(context.Background(), bus.Envelope{
		EventType: bus.EventStepResult,
		TurnID:    "t1",
		TraceID:   "trace-1",
		Payload:   turnstore.Step{StepID: "t1-step-0", StepIndex: 0, Status: turnstore.StepStatusSucceeded},
	})

	page, err := store.List(context.Background(), "t1", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	require.Equal(t, bus.EventTurnStart, page.Events[0].Type)
	require.Equal(t, bus.EventStepResult, page.Events[1].Type)
	require.Empty(t, page.NextCursor)
}

func TestInMemoryStorePaginatesWithCursor(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(ctx, &Event{TurnID: "t1", Type: "step.result"}))
	}

	page, err := store.List(ctx, "t1", "", 2)
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	require.NotEmpty(t, page.NextCursor)

	page2, err := store.List(ctx, "t1", page.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, page2.Events, 2)
	require.NotEmpty(t, page2.NextCursor)

	page3, err := store.List(ctx, "t1", page2.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, page3.Events, 1)
	require.Empty(t, page3.NextCursor)
}

func TestInMemoryStoreRejectsMissingTurnID(t *testing.T) {
	store := NewInMemoryStore()
	err := store.Append(context.Background(), &Event{Type: "turn.start"})
	require.Error(t, err)
}

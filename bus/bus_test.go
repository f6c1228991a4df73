package bus_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-ai/agentruntime/bus"
	"github.com/corvid-ai/agentruntime/telemetry"
)

func TestPublishDispatchesToAllHandlersForType(t *testing.T) {
	b := bus.New(telemetry.Noop())

	var calls int32
	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		b.Subscribe("turn.start", bus.HandlerFunc(func(ctx context.Context, e bus.Envelope) error {
			atomic.AddInt32(&calls, 1)
			wg.Done()
			return nil
		}))
	}

	b.Publish(context.Background(), bus.Envelope{EventType: "turn.start", TurnID: "t1"})

	waitWithTimeout(t, &wg, time.Second)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestPublishDoesNotDeliverToOtherEventTypes(t *testing.T) {
	b := bus.New(telemetry.Noop())
	var called int32
	b.Subscribe("turn.start", bus.HandlerFunc(func(ctx context.Context, e bus.Envelope) error {
		atomic.AddInt32(&called, 1)
		return nil
	}))

	b.PublishSync(context.Background(), bus.Envelope{EventType: "turn.completed"})
	assert.EqualValues(t, 0, atomic.LoadInt32(&called))
}

func TestHandlerErrorDoesNotStopOtherHandlers(t *testing.T) {
	b := bus.New(telemetry.Noop())
	var ran int32
	b.Subscribe("step.result", bus.HandlerFunc(func(ctx context.Context, e bus.Envelope) error {
		return errors.New("boom")
	}))
	b.Subscribe("step.result", bus.HandlerFunc(func(ctx context.Context, e bus.Envelope) error {
		atomic.AddInt32(&ran, 1)
		return nil
	}))

	b.PublishSync(context.Background(), bus.Envelope{EventType: "step.result"})
	assert.EqualValues(t, 1, atomic.LoadInt32(&ran))
}

func TestHandlerPanicDoesNotStopOtherHandlersOrCrash(t *testing.T) {
	b := bus.New(telemetry.Noop())
	var ran int32
	b.Subscribe("step.result", bus.HandlerFunc(func(ctx context.Context, e bus.Envelope) error {
		panic("handler exploded")
	}))
	b.Subscribe("step.result", bus.HandlerFunc(func(ctx context.Context, e bus.Envelope) error {
		atomic.AddInt32(&ran, 1)
		return nil
	}))

	require.NotPanics(t, func() {
		b.PublishSync(context.Background(), bus.Envelope{EventType: "step.result"})
	})
	assert.EqualValues(t, 1, atomic.LoadInt32(&ran))
}

func TestSubscriptionCloseIsIdempotentAndUnregisters(t *testing.T) {
	b := bus.New(telemetry.Noop())
	var calls int32
	sub := b.Subscribe("turn.start", bus.HandlerFunc(func(ctx context.Context, e bus.Envelope) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}))

	sub.Close()
	sub.Close() // must not panic

	b.PublishSync(context.Background(), bus.Envelope{EventType: "turn.start"})
	assert.EqualValues(t, 0, atomic.LoadInt32(&calls))
}

func waitWithTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for handlers")
	}
}

package engine_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pohlai88/accounts-worker/internal/clock"
	"github.com/pohlai88/accounts-worker/internal/engine"
	"github.com/pohlai88/accounts-worker/internal/engine/enginetest"
	"github.com/pohlai88/accounts-worker/internal/models"
)

var testStart = time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

func publishTrigger(h *enginetest.Harness, name string) string {
	return h.Publish(models.Event{ID: clock.NewID(), Name: name, Data: map[string]any{}})
}

func TestRunSucceedsAndMemoizesSteps(t *testing.T) {
	h := enginetest.New(t, testStart)
	var calls int32

	h.Register(engine.FunctionSpec{
		ID:        "memo-fn",
		EventName: "test/memo",
		Retries:   3,
		Handler: func(ctx *engine.Context) (any, error) {
			out, err := ctx.Step.Run("compute", func(context.Context) (any, error) {
				atomic.AddInt32(&calls, 1)
				return 42, nil
			})
			if err != nil {
				return nil, err
			}
			var n int
			require.NoError(t, engine.DecodeResult(out, &n))
			return n, nil
		},
	})

	eventID := publishTrigger(h, "test/memo")
	h.Tick()

	run := h.RunFor("memo-fn", eventID)
	assert.Equal(t, models.RunStatusSucceeded, run.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	memos, err := h.Store.ListMemos(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, memos, 1)
	assert.Equal(t, "compute", memos[0].StepName)
	assert.JSONEq(t, "42", string(memos[0].ResultJSON))
}

func TestTransientFailureRetriesWithoutReexecutingMemoizedSteps(t *testing.T) {
	h := enginetest.New(t, testStart)
	var stepACalls, stepBCalls int32

	h.Register(engine.FunctionSpec{
		ID:        "retry-fn",
		EventName: "test/retry",
		Retries:   3,
		Handler: func(ctx *engine.Context) (any, error) {
			if _, err := ctx.Step.Run("step-a", func(context.Context) (any, error) {
				atomic.AddInt32(&stepACalls, 1)
				return "done", nil
			}); err != nil {
				return nil, err
			}
			if _, err := ctx.Step.Run("step-b", func(context.Context) (any, error) {
				if atomic.AddInt32(&stepBCalls, 1) < 3 {
					return nil, engine.Transientf(engine.KindNetwork, "connection refused")
				}
				return "ok", nil
			}); err != nil {
				return nil, err
			}
			return "final", nil
		},
	})

	eventID := publishTrigger(h, "test/retry")
	h.Drain(5*time.Second, 20)

	run := h.RunFor("retry-fn", eventID)
	assert.Equal(t, models.RunStatusSucceeded, run.Status)
	assert.Equal(t, 3, run.Attempt)
	// step-a ran exactly once; its memo carried across both retries.
	assert.Equal(t, int32(1), atomic.LoadInt32(&stepACalls))
	assert.Equal(t, int32(3), atomic.LoadInt32(&stepBCalls))
}

func TestFatalErrorFailsWithoutRetry(t *testing.T) {
	h := enginetest.New(t, testStart)
	var calls int32

	h.Register(engine.FunctionSpec{
		ID:        "fatal-fn",
		EventName: "test/fatal",
		Retries:   5,
		Handler: func(ctx *engine.Context) (any, error) {
			_, err := ctx.Step.Run("validate", func(context.Context) (any, error) {
				atomic.AddInt32(&calls, 1)
				return nil, engine.Fatalf(engine.KindValidation, "invalid input")
			})
			return nil, err
		},
	})

	eventID := publishTrigger(h, "test/fatal")
	h.Drain(time.Second, 10)

	run := h.RunFor("fatal-fn", eventID)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Equal(t, 1, run.Attempt)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	failed := h.Bus.Published(models.EventFunctionFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "fatal-fn", failed[0].Data["function_id"])
}

func TestExhaustionProducesSingleFailureEvent(t *testing.T) {
	h := enginetest.New(t, testStart)

	h.Register(engine.FunctionSpec{
		ID:        "flaky-fn",
		EventName: "test/flaky",
		Retries:   2,
		Handler: func(ctx *engine.Context) (any, error) {
			_, err := ctx.Step.Run("always-down", func(context.Context) (any, error) {
				return nil, engine.Transientf(engine.KindNetwork, "connection refused")
			})
			return nil, err
		},
	})

	eventID := publishTrigger(h, "test/flaky")
	h.Drain(5*time.Second, 30)

	run := h.RunFor("flaky-fn", eventID)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Equal(t, 3, run.Attempt)

	failed := h.Bus.Published(models.EventFunctionFailed)
	require.Len(t, failed, 1)
	assert.EqualValues(t, 3, failed[0].Data["attempt_count"])
}

func TestDuplicateStepNameFailsRun(t *testing.T) {
	h := enginetest.New(t, testStart)

	h.Register(engine.FunctionSpec{
		ID:        "conflict-fn",
		EventName: "test/conflict",
		Retries:   3,
		Handler: func(ctx *engine.Context) (any, error) {
			for i := 0; i < 2; i++ {
				if _, err := ctx.Step.Run("same-name", func(context.Context) (any, error) {
					return i, nil
				}); err != nil {
					return nil, err
				}
			}
			return nil, nil
		},
	})

	eventID := publishTrigger(h, "test/conflict")
	h.Drain(time.Second, 10)

	run := h.RunFor("conflict-fn", eventID)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Equal(t, 1, run.Attempt)
}

func TestSleepSuspendsAndResumesSameAttempt(t *testing.T) {
	h := enginetest.New(t, testStart)
	var afterSleep int32

	h.Register(engine.FunctionSpec{
		ID:        "sleepy-fn",
		EventName: "test/sleep",
		Retries:   3,
		Handler: func(ctx *engine.Context) (any, error) {
			if err := ctx.Step.Sleep("wait", time.Hour); err != nil {
				return nil, err
			}
			if _, err := ctx.Step.Run("after", func(context.Context) (any, error) {
				atomic.AddInt32(&afterSleep, 1)
				return "woke", nil
			}); err != nil {
				return nil, err
			}
			return nil, nil
		},
	})

	eventID := publishTrigger(h, "test/sleep")
	h.Tick()

	run := h.RunFor("sleepy-fn", eventID)
	assert.Equal(t, models.RunStatusSleeping, run.Status)
	require.NotNil(t, run.WakeAt)
	assert.Equal(t, testStart.Add(time.Hour), *run.WakeAt)
	assert.Equal(t, int32(0), atomic.LoadInt32(&afterSleep))

	// Nothing is visible before the wake time.
	assert.Equal(t, 0, h.Tick())

	h.Clock.Advance(time.Hour)
	h.Tick()

	run = h.RunFor("sleepy-fn", eventID)
	assert.Equal(t, models.RunStatusSucceeded, run.Status)
	assert.Equal(t, 1, run.Attempt)
	assert.Equal(t, int32(1), atomic.LoadInt32(&afterSleep))
}

func TestSleepSurvivesRuntimeRestart(t *testing.T) {
	h := enginetest.New(t, testStart)
	spec := engine.FunctionSpec{
		ID:        "restart-fn",
		EventName: "test/restart",
		Retries:   3,
		Handler: func(ctx *engine.Context) (any, error) {
			if err := ctx.Step.Sleep("overnight", 8*time.Hour); err != nil {
				return nil, err
			}
			return "morning", nil
		},
	}
	h.Register(spec)

	eventID := publishTrigger(h, "test/restart")
	h.Tick()
	run := h.RunFor("restart-fn", eventID)
	require.Equal(t, models.RunStatusSleeping, run.Status)

	// A fresh runtime over the same store and bus stands in for the
	// restarted process.
	reg2 := engine.NewRegistry()
	require.NoError(t, reg2.Register(spec))
	rt2 := engine.NewRuntime(zap.NewNop(), h.Store, h.Bus, h.Clock, reg2, nil, engine.RuntimeConfig{
		Workers: 1,
		Backoff: engine.BackoffPolicy{BaseDelay: time.Second, Factor: 2, MaxDelay: time.Minute, Jitter: engine.JitterNone},
	})

	h.Clock.Advance(9 * time.Hour)
	evt, err := h.Bus.NextVisible(context.Background(), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, evt)
	rt2.ProcessEvent(context.Background(), *evt)

	run = h.RunFor("restart-fn", eventID)
	assert.Equal(t, models.RunStatusSucceeded, run.Status)
	assert.Equal(t, 1, run.Attempt)
}

func TestSendPublishesOncePerRun(t *testing.T) {
	h := enginetest.New(t, testStart)
	var fails int32

	h.Register(engine.FunctionSpec{
		ID:        "send-fn",
		EventName: "test/send",
		Retries:   3,
		Handler: func(ctx *engine.Context) (any, error) {
			if _, err := ctx.Step.Send("emit", models.Event{
				ID:   clock.NewID(),
				Name: "test/emitted",
				Data: map[string]any{"hello": "world"},
			}); err != nil {
				return nil, err
			}
			if _, err := ctx.Step.Run("flaky", func(context.Context) (any, error) {
				if atomic.AddInt32(&fails, 1) < 2 {
					return nil, engine.Transientf(engine.KindTemporary, "try again")
				}
				return nil, nil
			}); err != nil {
				return nil, err
			}
			return nil, nil
		},
	})

	eventID := publishTrigger(h, "test/send")
	h.Drain(2*time.Second, 20)

	run := h.RunFor("send-fn", eventID)
	assert.Equal(t, models.RunStatusSucceeded, run.Status)
	// Two attempts, one publish.
	assert.Len(t, h.Bus.Published("test/emitted"), 1)
}

func TestUnroutedEventIsAcked(t *testing.T) {
	h := enginetest.New(t, testStart)
	publishTrigger(h, "test/nobody-listens")
	assert.Equal(t, 1, h.Tick())

	depth, err := h.Bus.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestCancelledRunIsNotResumed(t *testing.T) {
	h := enginetest.New(t, testStart)
	h.Register(engine.FunctionSpec{
		ID:        "cancel-fn",
		EventName: "test/cancel",
		Retries:   3,
		Handler: func(ctx *engine.Context) (any, error) {
			if err := ctx.Step.Sleep("wait", time.Hour); err != nil {
				return nil, err
			}
			t.Fatal("handler resumed after cancellation")
			return nil, nil
		},
	})

	eventID := publishTrigger(h, "test/cancel")
	h.Tick()

	run := h.RunFor("cancel-fn", eventID)
	require.Equal(t, models.RunStatusSleeping, run.Status)
	require.NoError(t, h.Runtime.CancelRun(context.Background(), run.ID))

	h.Clock.Advance(2 * time.Hour)
	h.Drain(time.Second, 5)

	run = h.RunFor("cancel-fn", eventID)
	assert.Equal(t, models.RunStatusCancelled, run.Status)
}

func TestTerminalRunIsImmutable(t *testing.T) {
	h := enginetest.New(t, testStart)
	h.Register(engine.FunctionSpec{
		ID:        "done-fn",
		EventName: "test/done",
		Handler:   func(*engine.Context) (any, error) { return "ok", nil },
	})

	eventID := publishTrigger(h, "test/done")
	h.Tick()

	run := h.RunFor("done-fn", eventID)
	require.Equal(t, models.RunStatusSucceeded, run.Status)

	err := h.Store.MarkRunRunning(context.Background(), run.ID, 2)
	assert.Error(t, err)
}

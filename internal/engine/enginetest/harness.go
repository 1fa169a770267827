// Package enginetest provides an in-memory harness for exercising
// workflow functions end-to-end: a memory store, a memory bus, a fake
// clock, and a runtime wired together.
package enginetest

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pohlai88/accounts-worker/internal/bus"
	"github.com/pohlai88/accounts-worker/internal/clock"
	"github.com/pohlai88/accounts-worker/internal/engine"
	"github.com/pohlai88/accounts-worker/internal/models"
	"github.com/pohlai88/accounts-worker/internal/store"
)

// Harness bundles the in-memory ports with a runtime.
type Harness struct {
	T        *testing.T
	Store    *store.Memory
	Bus      *bus.MemoryBus
	Clock    *clock.Fake
	Registry *engine.Registry
	Runtime  *engine.Runtime
}

// New builds a harness pinned at the given time with deterministic
// (jitter-free) backoff.
func New(t *testing.T, at time.Time) *Harness {
	t.Helper()
	clk := clock.NewFake(at)
	st := store.NewMemory()
	b := bus.NewMemoryBus(clk, 24*time.Hour, zap.NewNop())
	reg := engine.NewRegistry()
	rt := engine.NewRuntime(zap.NewNop(), st, b, clk, reg, nil, engine.RuntimeConfig{
		Workers: 1,
		Backoff: engine.BackoffPolicy{
			BaseDelay: time.Second,
			Factor:    2,
			MaxDelay:  10 * time.Minute,
			Jitter:    engine.JitterNone,
		},
	})
	return &Harness{T: t, Store: st, Bus: b, Clock: clk, Registry: reg, Runtime: rt}
}

// Register adds a function spec, failing the test on error.
func (h *Harness) Register(spec engine.FunctionSpec) {
	h.T.Helper()
	if err := h.Registry.Register(spec); err != nil {
		h.T.Fatalf("register %s: %v", spec.ID, err)
	}
}

// Publish accepts an event and returns its id.
func (h *Harness) Publish(evt models.Event) string {
	h.T.Helper()
	res, err := h.Bus.Publish(context.Background(), evt)
	if err != nil {
		h.T.Fatalf("publish %s: %v", evt.Name, err)
	}
	return res.EventID
}

// Tick processes every event visible right now and reports how many were
// handled.
func (h *Harness) Tick() int {
	h.T.Helper()
	n := 0
	for {
		evt, err := h.Bus.NextVisible(context.Background(), time.Minute)
		if err != nil {
			h.T.Fatalf("next visible: %v", err)
		}
		if evt == nil {
			return n
		}
		h.Runtime.ProcessEvent(context.Background(), *evt)
		n++
	}
}

// Drain alternates processing and advancing the clock until the queue is
// empty or maxSteps clock advances have happened.
func (h *Harness) Drain(advance time.Duration, maxSteps int) {
	h.T.Helper()
	for i := 0; i < maxSteps; i++ {
		h.Tick()
		depth, err := h.Bus.Depth(context.Background())
		if err != nil {
			h.T.Fatalf("depth: %v", err)
		}
		if depth == 0 {
			return
		}
		h.Clock.Advance(advance)
	}
}

// RunFor returns the run for (functionID, eventID), failing the test
// when it does not exist.
func (h *Harness) RunFor(functionID, eventID string) *models.WorkflowRun {
	h.T.Helper()
	run, _, err := h.Store.GetOrCreateRun(context.Background(), functionID, eventID, h.Clock.Now())
	if err != nil {
		h.T.Fatalf("load run: %v", err)
	}
	return run
}

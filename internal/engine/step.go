package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pohlai88/accounts-worker/internal/bus"
	"github.com/pohlai88/accounts-worker/internal/clock"
	"github.com/pohlai88/accounts-worker/internal/models"
	"github.com/pohlai88/accounts-worker/internal/store"
)

// Context is what a handler receives: the triggering event plus the step
// API. Handler bodies between step calls must not perform I/O.
type Context struct {
	Ctx     context.Context
	Event   models.Event
	Step    *Step
	Logger  *zap.Logger
	RunID   string
	Attempt int
}

// Step offers the memoized step primitives. Each named step executes at
// most once per workflow run; replays observe the persisted outcome
// instead of re-invoking the work.
type Step struct {
	ctx     context.Context
	runID   string
	attempt int
	memos   map[string]models.StepMemo
	seen    map[string]bool
	store   store.Store
	bus     bus.Bus
	clk     clock.Clock
	logger  *zap.Logger
	metrics *Metrics
	fnID    string
}

// memoError is the persisted shape of a terminal step error.
type memoError struct {
	Class   Class  `json:"class"`
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// sendMemo is the persisted shape of a send step.
type sendMemo struct {
	Published bool   `json:"published"`
	EventID   string `json:"eventId"`
}

func newStep(ctx context.Context, runID string, attempt int, fnID string, memos []models.StepMemo,
	st store.Store, b bus.Bus, clk clock.Clock, logger *zap.Logger, metrics *Metrics) *Step {
	byName := make(map[string]models.StepMemo, len(memos))
	for _, m := range memos {
		byName[m.StepName] = m
	}
	return &Step{
		ctx:     ctx,
		runID:   runID,
		attempt: attempt,
		memos:   byName,
		seen:    make(map[string]bool),
		store:   st,
		bus:     b,
		clk:     clk,
		logger:  logger,
		metrics: metrics,
		fnID:    fnID,
	}
}

// claim enforces step-name uniqueness within the attempt and intent
// stability across replays.
func (s *Step) claim(name string, kind models.StepKind) (*models.StepMemo, error) {
	if s.seen[name] {
		return nil, StepNameConflict(s.runID, name)
	}
	s.seen[name] = true
	if memo, ok := s.memos[name]; ok {
		if memo.Kind != kind {
			return nil, Fatalf(KindIntegrity,
				"step %q replayed as %s but was memoized as %s in run %s", name, kind, memo.Kind, s.runID)
		}
		return &memo, nil
	}
	return nil, nil
}

// Run executes work exactly once for this run under the given step name.
// A prior successful memo short-circuits to the stored result; a prior
// terminal error is re-surfaced so replays observe the same failure path.
// Transient failures abort the attempt without writing a memo.
func (s *Step) Run(name string, work func(context.Context) (any, error)) (json.RawMessage, error) {
	return s.RunWithTimeout(name, 0, work)
}

// RunWithTimeout is Run with a per-step execution cap. A cap of zero
// means no step-level deadline beyond the attempt's own.
func (s *Step) RunWithTimeout(name string, timeout time.Duration, work func(context.Context) (any, error)) (json.RawMessage, error) {
	memo, err := s.claim(name, models.StepKindRun)
	if err != nil {
		return nil, err
	}
	if memo != nil {
		if len(memo.ErrorJSON) > 0 {
			var me memoError
			if err := json.Unmarshal(memo.ErrorJSON, &me); err != nil {
				return nil, Fatalf(KindIntegrity, "corrupt error memo for step %q in run %s", name, s.runID)
			}
			return nil, &Error{Class: me.Class, Kind: me.Kind, Message: me.Message}
		}
		s.logger.Debug("Step memo hit",
			zap.String("run_id", s.runID),
			zap.String("step", name),
		)
		return memo.ResultJSON, nil
	}

	stepCtx := s.ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(s.ctx, timeout)
		defer cancel()
	}

	started := s.clk.Now()
	result, workErr := work(stepCtx)
	if workErr == nil && timeout > 0 && stepCtx.Err() == context.DeadlineExceeded {
		workErr = Transientf(KindTimeout, "step %q exceeded its %s cap", name, timeout)
	}

	if workErr != nil {
		class, kind := Classify(workErr)
		s.metrics.RecordStep(s.fnID, name, "error")
		if class == ClassFatal {
			errJSON, _ := json.Marshal(memoError{Class: class, Kind: kind, Message: workErr.Error()})
			if err := s.persist(models.StepMemo{
				RunID:       s.runID,
				StepName:    name,
				Kind:        models.StepKindRun,
				Attempt:     s.attempt,
				CompletedAt: s.clk.Now(),
				ErrorJSON:   errJSON,
			}); err != nil {
				return nil, err
			}
		}
		return nil, workErr
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, Fatalf(KindValidation, "step %q result is not serializable: %v", name, err)
	}
	if err := s.persist(models.StepMemo{
		RunID:       s.runID,
		StepName:    name,
		Kind:        models.StepKindRun,
		Attempt:     s.attempt,
		CompletedAt: s.clk.Now(),
		ResultJSON:  resultJSON,
	}); err != nil {
		return nil, err
	}

	s.metrics.RecordStep(s.fnID, name, "success")
	s.logger.Debug("Step executed",
		zap.String("run_id", s.runID),
		zap.String("step", name),
		zap.Duration("duration", s.clk.Now().Sub(started)),
	)
	return resultJSON, nil
}

// Sleep suspends the run for the given duration. The wake time is
// memoized on first execution; the run is checkpointed and re-dispatched
// at the wake time without consuming an attempt.
func (s *Step) Sleep(name string, d time.Duration) error {
	return s.SleepUntil(name, s.clk.Now().Add(d))
}

// SleepUntil suspends the run until the given instant.
func (s *Step) SleepUntil(name string, t time.Time) error {
	memo, err := s.claim(name, models.StepKindSleep)
	if err != nil {
		return err
	}
	if memo != nil {
		if memo.WakeAt == nil {
			return Fatalf(KindIntegrity, "sleep memo for step %q has no wake time", name)
		}
		if !s.clk.Now().Before(*memo.WakeAt) {
			return nil
		}
		return &suspendError{WakeAt: *memo.WakeAt}
	}

	wakeAt := t
	if err := s.persist(models.StepMemo{
		RunID:       s.runID,
		StepName:    name,
		Kind:        models.StepKindSleep,
		Attempt:     s.attempt,
		CompletedAt: s.clk.Now(),
		WakeAt:      &wakeAt,
	}); err != nil {
		return err
	}
	return &suspendError{WakeAt: wakeAt}
}

// Send publishes an event through the bus exactly once per run. Replays
// return the memoized event id without republishing. Events without an
// idempotency key get one derived from (runID, stepName) so a crash
// between publish and memo write cannot double-deliver.
func (s *Step) Send(name string, evt models.Event) (string, error) {
	memo, err := s.claim(name, models.StepKindSend)
	if err != nil {
		return "", err
	}
	if memo != nil {
		var sm sendMemo
		if err := json.Unmarshal(memo.ResultJSON, &sm); err != nil {
			return "", Fatalf(KindIntegrity, "corrupt send memo for step %q in run %s", name, s.runID)
		}
		return sm.EventID, nil
	}

	if evt.IdempotencyKey == "" {
		evt.IdempotencyKey = fmt.Sprintf("%s:%s", s.runID, name)
	}
	res, err := s.bus.Publish(s.ctx, evt)
	if err != nil {
		return "", Transientf(KindNetwork, "step %q failed to publish %s: %v", name, evt.Name, err)
	}

	resultJSON, _ := json.Marshal(sendMemo{Published: true, EventID: res.EventID})
	if err := s.persist(models.StepMemo{
		RunID:       s.runID,
		StepName:    name,
		Kind:        models.StepKindSend,
		Attempt:     s.attempt,
		CompletedAt: s.clk.Now(),
		ResultJSON:  resultJSON,
	}); err != nil {
		return "", err
	}
	return res.EventID, nil
}

func (s *Step) persist(memo models.StepMemo) error {
	if err := s.store.UpsertMemo(s.ctx, memo); err != nil {
		return Transientf(KindTemporary, "failed to persist step memo %q: %v", memo.StepName, err)
	}
	s.memos[memo.StepName] = memo
	return nil
}

// DecodeResult unmarshals a step result into out.
func DecodeResult(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return Fatalf(KindValidation, "failed to decode step result: %v", err)
	}
	return nil
}

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/pohlai88/accounts-worker/internal/bus"
	"github.com/pohlai88/accounts-worker/internal/clock"
	"github.com/pohlai88/accounts-worker/internal/models"
	"github.com/pohlai88/accounts-worker/internal/store"
)

// RuntimeConfig holds runtime tuning knobs.
type RuntimeConfig struct {
	Workers            int           // global worker pool size
	DefaultConcurrency int           // per-function semaphore when the spec declares none
	LeaseFor           time.Duration // bus lease duration per delivery
	PollInterval       time.Duration // idle wait between empty polls
	Backoff            BackoffPolicy
}

// Runtime is the workflow worker: it pulls events from the bus, resolves
// subscribed functions, gates them through the concurrency governor, and
// drives each run through the step executor.
type Runtime struct {
	logger   *zap.Logger
	store    store.Store
	bus      bus.Bus
	clk      clock.Clock
	registry *Registry
	metrics  *Metrics
	config   RuntimeConfig

	fnSems map[string]*semaphore.Weighted
	semMu  sync.Mutex

	wg sync.WaitGroup
}

// NewRuntime creates a runtime over the given ports.
func NewRuntime(
	logger *zap.Logger,
	st store.Store,
	b bus.Bus,
	clk clock.Clock,
	registry *Registry,
	metrics *Metrics,
	config RuntimeConfig,
) *Runtime {
	if config.Workers <= 0 {
		config.Workers = 10
	}
	if config.DefaultConcurrency <= 0 {
		config.DefaultConcurrency = 10
	}
	if config.LeaseFor <= 0 {
		config.LeaseFor = time.Minute
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 250 * time.Millisecond
	}
	if config.Backoff.BaseDelay == 0 {
		config.Backoff = DefaultBackoff()
	}
	return &Runtime{
		logger:   logger.With(zap.String("component", "runtime")),
		store:    st,
		bus:      b,
		clk:      clk,
		registry: registry,
		metrics:  metrics,
		config:   config,
		fnSems:   make(map[string]*semaphore.Weighted),
	}
}

// Start launches the worker pool and blocks until ctx is cancelled and
// all in-flight attempts have drained.
func (r *Runtime) Start(ctx context.Context) error {
	r.logger.Info("Starting workflow runtime",
		zap.Int("workers", r.config.Workers),
		zap.Duration("lease", r.config.LeaseFor),
	)

	for i := 0; i < r.config.Workers; i++ {
		r.wg.Add(1)
		go r.workerLoop(ctx, i)
	}

	r.wg.Add(1)
	go r.depthLoop(ctx)

	<-ctx.Done()
	r.wg.Wait()
	r.logger.Info("Workflow runtime stopped")
	return nil
}

// workerLoop pulls one event at a time and processes it to completion.
func (r *Runtime) workerLoop(ctx context.Context, id int) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		evt, err := r.bus.NextVisible(ctx, r.config.LeaseFor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("Failed to lease event", zap.Error(err), zap.Int("worker", id))
			r.idle(ctx)
			continue
		}
		if evt == nil {
			r.idle(ctx)
			continue
		}
		r.ProcessEvent(ctx, *evt)
	}
}

func (r *Runtime) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(r.config.PollInterval):
	}
}

// depthLoop publishes the bus backlog gauge.
func (r *Runtime) depthLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.bus.Depth(ctx); err == nil {
				r.metrics.SetQueueDepth(n)
			}
		}
	}
}

// ProcessEvent runs every function subscribed to the event and settles
// the delivery: ack when all subscribers reached a terminal state,
// otherwise nack for redelivery at the earliest wake time.
func (r *Runtime) ProcessEvent(ctx context.Context, evt models.Event) {
	r.metrics.RecordDispatched(evt.Name)

	fns := r.registry.ByEvent(evt.Name)
	if len(fns) == 0 {
		// Accepted but unrouted: log for the rejection trail and drop.
		r.metrics.RecordUnrouted()
		r.logger.Warn("Event has no registered function",
			zap.String("event_id", evt.ID),
			zap.String("name", evt.Name),
		)
		if err := r.bus.Ack(ctx, evt.ID); err != nil {
			r.logger.Error("Failed to ack unrouted event", zap.Error(err))
		}
		return
	}

	allDone := true
	var earliestWake time.Time
	for _, fn := range fns {
		done, wakeAt := r.runFunction(ctx, fn, evt)
		if !done {
			allDone = false
			if earliestWake.IsZero() || wakeAt.Before(earliestWake) {
				earliestWake = wakeAt
			}
		}
	}

	if allDone {
		if err := r.bus.Ack(ctx, evt.ID); err != nil {
			r.logger.Error("Failed to ack event", zap.Error(err), zap.String("event_id", evt.ID))
		}
		return
	}
	if err := r.bus.Nack(ctx, evt.ID, "run pending", earliestWake); err != nil {
		r.logger.Error("Failed to nack event", zap.Error(err), zap.String("event_id", evt.ID))
	}
}

// runFunction advances one function's run for the event by at most one
// attempt. It reports whether the run is settled and, if not, when the
// event should become visible again.
func (r *Runtime) runFunction(ctx context.Context, fn FunctionSpec, evt models.Event) (bool, time.Time) {
	now := r.clk.Now()

	run, created, err := r.store.GetOrCreateRun(ctx, fn.ID, evt.ID, now)
	if err != nil {
		r.logger.Error("Failed to resolve run", zap.Error(err), zap.String("function_id", fn.ID))
		return false, now.Add(r.config.PollInterval)
	}
	if run.Status.Terminal() {
		return true, time.Time{}
	}
	if run.Status == models.RunStatusSleeping && run.WakeAt != nil && run.WakeAt.After(now) {
		return false, *run.WakeAt
	}

	sem := r.functionSemaphore(fn)
	if !sem.TryAcquire(1) {
		// Concurrency limit reached; try again shortly.
		return false, now.Add(2 * time.Second)
	}
	defer sem.Release(1)

	attempt := run.Attempt
	if err := r.store.MarkRunRunning(ctx, run.ID, attempt); err != nil {
		if err == store.ErrTerminal {
			// Cancelled or settled between lease and start.
			return true, time.Time{}
		}
		r.logger.Error("Failed to mark run running", zap.Error(err), zap.String("run_id", run.ID))
		return false, now.Add(r.config.PollInterval)
	}

	logger := r.logger.With(
		zap.String("function_id", fn.ID),
		zap.String("run_id", run.ID),
		zap.String("event_id", evt.ID),
		zap.Int("attempt", attempt),
	)
	if created {
		logger.Info("Workflow run started", zap.String("event", evt.Name))
	}

	result := r.executeAttempt(ctx, fn, evt, run.ID, attempt, logger)
	return r.settle(ctx, fn, evt, run.ID, attempt, result, logger)
}

// attemptResult is the raw outcome of one handler invocation.
type attemptResult struct {
	value any
	err   error
}

func (r *Runtime) executeAttempt(ctx context.Context, fn FunctionSpec, evt models.Event, runID string, attempt int, logger *zap.Logger) attemptResult {
	r.metrics.RecordRunStarted(fn.ID)
	started := r.clk.Now()
	defer func() {
		r.metrics.RecordRunFinished(fn.ID, r.clk.Now().Sub(started).Seconds())
	}()

	memos, err := r.store.ListMemos(ctx, runID)
	if err != nil {
		return attemptResult{err: Transientf(KindTemporary, "failed to load step memos: %v", err)}
	}

	attemptCtx := ctx
	if fn.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, fn.Timeout)
		defer cancel()
	}

	evt.Attempt = attempt
	step := newStep(attemptCtx, runID, attempt, fn.ID, memos, r.store, r.bus, r.clk, logger, r.metrics)
	hctx := &Context{
		Ctx:     attemptCtx,
		Event:   evt,
		Step:    step,
		Logger:  logger,
		RunID:   runID,
		Attempt: attempt,
	}

	value, handlerErr := runSafely(fn.Handler, hctx)
	return attemptResult{value: value, err: handlerErr}
}

// runSafely converts a handler panic into a fatal error instead of
// taking down the worker.
func runSafely(h HandlerFunc, ctx *Context) (value any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = Fatalf(KindUnknown, "handler panicked: %v", rec)
		}
	}()
	return h(ctx)
}

// settle applies the run lifecycle rules to an attempt outcome.
func (r *Runtime) settle(ctx context.Context, fn FunctionSpec, evt models.Event, runID string, attempt int, res attemptResult, logger *zap.Logger) (bool, time.Time) {
	now := r.clk.Now()

	if res.err == nil {
		if err := r.store.MarkRunSucceeded(ctx, runID, now); err != nil && err != store.ErrTerminal {
			logger.Error("Failed to finalize run", zap.Error(err))
			return false, now.Add(r.config.PollInterval)
		}
		r.metrics.RecordRunCompleted(fn.ID, string(models.RunStatusSucceeded))
		logger.Info("Workflow run succeeded")
		return true, time.Time{}
	}

	if wakeAt, ok := IsSuspend(res.err); ok {
		if err := r.store.MarkRunSleeping(ctx, runID, wakeAt); err != nil && err != store.ErrTerminal {
			logger.Error("Failed to checkpoint sleeping run", zap.Error(err))
			return false, now.Add(r.config.PollInterval)
		}
		logger.Debug("Workflow run sleeping", zap.Time("wake_at", wakeAt))
		return false, wakeAt
	}

	class, kind := Classify(res.err)
	if err := r.store.RecordRunError(ctx, runID, res.err.Error()); err != nil {
		logger.Error("Failed to record run error", zap.Error(err))
	}

	if class == ClassTransient && attempt < fn.MaxAttempts() {
		delay := r.config.Backoff.Delay(attempt)
		wakeAt := now.Add(delay)
		if err := r.store.MarkRunBackoff(ctx, runID, attempt+1, wakeAt); err != nil && err != store.ErrTerminal {
			logger.Error("Failed to schedule retry", zap.Error(err))
			return false, now.Add(r.config.PollInterval)
		}
		r.metrics.RecordRetry(fn.ID, string(kind))
		logger.Warn("Workflow attempt failed, retrying",
			zap.Error(res.err),
			zap.String("kind", string(kind)),
			zap.Duration("backoff", delay),
			zap.Int("next_attempt", attempt+1),
		)
		return false, wakeAt
	}

	// Fatal error or attempts exhausted.
	if err := r.store.MarkRunFailed(ctx, runID, res.err.Error(), now); err != nil && err != store.ErrTerminal {
		logger.Error("Failed to finalize failed run", zap.Error(err))
		return false, now.Add(r.config.PollInterval)
	}
	r.metrics.RecordRunCompleted(fn.ID, string(models.RunStatusFailed))
	logger.Error("Workflow run failed terminally",
		zap.Error(res.err),
		zap.String("class", string(class)),
		zap.String("kind", string(kind)),
		zap.Int("attempt_count", attempt),
	)

	r.emitFunctionFailed(ctx, fn, evt, runID, attempt, res.err, logger)
	return true, time.Time{}
}

// emitFunctionFailed publishes the terminal-failure event the DLQ handler
// consumes. Failures of the DLQ pipeline itself are only logged, which
// breaks the recursion the hard way.
func (r *Runtime) emitFunctionFailed(ctx context.Context, fn FunctionSpec, evt models.Event, runID string, attempt int, cause error, logger *zap.Logger) {
	if evt.Name == models.EventFunctionFailed || evt.Name == models.EventDLQRetry {
		logger.Error("DLQ pipeline failure not re-queued", zap.Error(cause))
		return
	}

	original, err := json.Marshal(evt)
	if err != nil {
		logger.Error("Failed to marshal original event for DLQ", zap.Error(err))
		return
	}
	var originalMap map[string]any
	if err := json.Unmarshal(original, &originalMap); err != nil {
		logger.Error("Failed to round-trip original event for DLQ", zap.Error(err))
		return
	}

	failed := models.Event{
		ID:   clock.NewID(),
		Name: models.EventFunctionFailed,
		Data: map[string]any{
			"function_id": fn.ID,
			"run_id":      runID,
			"error": map[string]any{
				"message": cause.Error(),
				"stack":   fmt.Sprintf("%+v", cause),
			},
			"original_event": originalMap,
			"attempt_count":  attempt,
		},
		// One DLQ record per run, no matter how often the terminal
		// failure is re-observed.
		IdempotencyKey: fmt.Sprintf("failed:%s", runID),
	}
	if _, err := r.bus.Publish(ctx, failed); err != nil {
		logger.Error("Failed to publish function.failed", zap.Error(err))
	}
}

func (r *Runtime) functionSemaphore(fn FunctionSpec) *semaphore.Weighted {
	r.semMu.Lock()
	defer r.semMu.Unlock()
	if sem, ok := r.fnSems[fn.ID]; ok {
		return sem
	}
	n := fn.Concurrency
	if n <= 0 {
		n = r.config.DefaultConcurrency
	}
	sem := semaphore.NewWeighted(int64(n))
	r.fnSems[fn.ID] = sem
	return sem
}

// CancelRun marks a run cancelled. The runtime checks run state when it
// dispatches a run, so a cancelled run is not resumed; steps do not
// re-check it, so an attempt already executing is not interrupted.
func (r *Runtime) CancelRun(ctx context.Context, runID string) error {
	if err := r.store.MarkRunCancelled(ctx, runID, r.clk.Now()); err != nil {
		return fmt.Errorf("failed to cancel run %s: %w", runID, err)
	}
	r.logger.Info("Run cancelled", zap.String("run_id", runID))
	return nil
}

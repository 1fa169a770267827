package dlq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pohlai88/accounts-worker/internal/clock"
	"github.com/pohlai88/accounts-worker/internal/engine"
	"github.com/pohlai88/accounts-worker/internal/models"
	"github.com/pohlai88/accounts-worker/internal/store"
)

// FunctionIDs of the DLQ pipeline itself.
const (
	HandlerFunctionID = "dlq-handler"
	RetryFunctionID   = "dlq-retry"
)

// priorAttemptsKey rides inside a republished event's data so the next
// terminal failure sees the attempts already burned by the chain.
const priorAttemptsKey = "_dlqPriorAttempts"

// Rule scopes automatic recovery for one function.
type Rule struct {
	MaxAttempts int
	Delay       time.Duration
	Recoverable []engine.Kind
}

func (r Rule) recovers(kind engine.Kind) bool {
	for _, k := range r.Recoverable {
		if k == kind {
			return true
		}
	}
	return false
}

// DefaultRules are the recovery rules shipped with the worker.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		"fx-rate-ingestion": {
			MaxAttempts: 5,
			Delay:       5 * time.Minute,
			Recoverable: []engine.Kind{engine.KindNetwork, engine.KindTimeout, engine.KindRateLimit},
		},
		"pdf-generation": {
			MaxAttempts: 3,
			Delay:       time.Minute,
			Recoverable: []engine.Kind{engine.KindTimeout, engine.KindMemory},
		},
		"email-workflow": {
			MaxAttempts: 3,
			Delay:       2 * time.Minute,
			Recoverable: []engine.Kind{engine.KindRateLimit, engine.KindTemporary},
		},
	}
}

// Config wires the DLQ pipeline.
type Config struct {
	Rules             map[string]Rule
	CriticalFunctions []string
	AdminEmail        string
	AlertThreshold    int // attempt count that always pages the admin
}

// Handlers owns DLQRecord mutation and the auto-retry loop.
type Handlers struct {
	store  store.Store
	clk    clock.Clock
	config Config
}

// NewHandlers creates the DLQ pipeline handlers.
func NewHandlers(st store.Store, clk clock.Clock, config Config) *Handlers {
	if config.Rules == nil {
		config.Rules = DefaultRules()
	}
	if config.AlertThreshold <= 0 {
		config.AlertThreshold = 3
	}
	return &Handlers{store: st, clk: clk, config: config}
}

// Specs returns the function registrations for the pipeline.
func (h *Handlers) Specs() []engine.FunctionSpec {
	return []engine.FunctionSpec{
		{
			ID:          HandlerFunctionID,
			Name:        "Dead-letter intake",
			EventName:   models.EventFunctionFailed,
			Retries:     3,
			Concurrency: 5,
			Handler:     h.HandleFailure,
		},
		{
			ID:          RetryFunctionID,
			Name:        "Dead-letter auto retry",
			EventName:   models.EventDLQRetry,
			Retries:     3,
			Concurrency: 5,
			Handler:     h.HandleRetry,
		},
	}
}

// HandleFailure consumes inngest/function.failed: persist the record,
// decide the recovery action, and page the admin when warranted.
func (h *Handlers) HandleFailure(ctx *engine.Context) (any, error) {
	var payload models.FunctionFailedPayload
	if err := models.DecodePayload(ctx.Event.Data, &payload); err != nil {
		return nil, engine.Fatal(engine.KindValidation, err)
	}
	if payload.FunctionID == "" || payload.RunID == "" {
		return nil, engine.Fatalf(engine.KindValidation, "function.failed event missing function_id or run_id")
	}

	_, kind := engine.Classify(errors.New(payload.Error.Message))

	// Attempts accumulate across DLQ-driven retries: a republished event
	// carries the attempts already burned by earlier runs of the chain.
	totalAttempts := payload.AttemptCount + intField(payload.OriginalEvent, "data", priorAttemptsKey)

	dlqIDRaw, err := ctx.Step.Run("persist-dlq-record", func(c context.Context) (any, error) {
		// One record per failed run, even if the failure event is
		// somehow delivered again past the idempotency window.
		if n, err := h.store.CountDLQForRun(c, payload.RunID); err != nil {
			return nil, err
		} else if n > 0 {
			return "", nil
		}
		rec := models.DLQRecord{
			ID:            clock.NewID(),
			FunctionID:    payload.FunctionID,
			RunID:         payload.RunID,
			OriginalEvent: marshalOriginal(payload.OriginalEvent),
			ErrorMessage:  payload.Error.Message,
			ErrorStack:    payload.Error.Stack,
			AttemptCount:  totalAttempts,
			FailedAt:      h.clk.Now(),
			Status:        models.DLQStatusFailed,
			TenantID:      stringField(payload.OriginalEvent, "data", "tenantId"),
			CompanyID:     stringField(payload.OriginalEvent, "data", "companyId"),
		}
		if err := h.store.InsertDLQ(c, rec); err != nil {
			return nil, err
		}
		return rec.ID, nil
	})
	if err != nil {
		return nil, err
	}
	var dlqID string
	if err := engine.DecodeResult(dlqIDRaw, &dlqID); err != nil {
		return nil, err
	}
	if dlqID == "" {
		ctx.Logger.Info("DLQ record already exists for run", zap.String("run_id", payload.RunID))
		return map[string]any{"deduplicated": true}, nil
	}

	rule, hasRule := h.config.Rules[payload.FunctionID]
	autoRetry := hasRule && totalAttempts <= rule.MaxAttempts && rule.recovers(kind)

	if autoRetry {
		_, err = ctx.Step.Send("schedule-retry", models.Event{
			ID:   clock.NewID(),
			Name: models.EventDLQRetry,
			Data: map[string]any{
				"dlqId":         dlqID,
				"originalEvent": payload.OriginalEvent,
				"retryDelay":    rule.Delay.Milliseconds(),
				"errorType":     string(kind),
				"priorAttempts": totalAttempts,
			},
		})
		if err != nil {
			return nil, err
		}
	} else {
		reason := manualReviewReason(hasRule, rule, totalAttempts, kind)
		if _, err := ctx.Step.Run("mark-manual-review", func(c context.Context) (any, error) {
			return nil, h.store.MarkDLQManualReview(c, dlqID, reason)
		}); err != nil {
			return nil, err
		}
	}

	if h.shouldAlert(payload.FunctionID, totalAttempts) {
		_, err = ctx.Step.Send("notify-admin", models.Event{
			ID:   clock.NewID(),
			Name: models.EventEmailSend,
			Data: map[string]any{
				"to":       h.config.AdminEmail,
				"subject":  fmt.Sprintf("[worker] %s failed terminally", payload.FunctionID),
				"template": "admin-alert",
				"priority": "high",
				"data": map[string]any{
					"message": fmt.Sprintf("function %s run %s failed after %d attempts: %s",
						payload.FunctionID, payload.RunID, totalAttempts, payload.Error.Message),
				},
			},
		})
		if err != nil {
			return nil, err
		}
	}

	return map[string]any{"dlqId": dlqID, "autoRetry": autoRetry, "errorType": string(kind)}, nil
}

// HandleRetry consumes dlq/retry: wait out the delay, mark the record
// retrying, and re-publish the original event.
func (h *Handlers) HandleRetry(ctx *engine.Context) (any, error) {
	var payload models.DLQRetryPayload
	if err := models.DecodePayload(ctx.Event.Data, &payload); err != nil {
		return nil, engine.Fatal(engine.KindValidation, err)
	}

	delay := time.Duration(payload.RetryDelayMs) * time.Millisecond
	if delay > 0 {
		if err := ctx.Step.Sleep("retry-delay", delay); err != nil {
			return nil, err
		}
	}

	if _, err := ctx.Step.Run("mark-retrying", func(c context.Context) (any, error) {
		return nil, h.store.MarkDLQRetrying(c, payload.DLQID, h.clk.Now())
	}); err != nil {
		return nil, err
	}

	name, _ := payload.OriginalEvent["name"].(string)
	if name == "" {
		return nil, engine.Fatalf(engine.KindValidation, "dlq retry %s has no original event name", payload.DLQID)
	}
	data, _ := payload.OriginalEvent["data"].(map[string]any)
	if payload.PriorAttempts > 0 {
		merged := make(map[string]any, len(data)+1)
		for k, v := range data {
			merged[k] = v
		}
		merged[priorAttemptsKey] = payload.PriorAttempts
		data = merged
	}

	// Fresh id and no inherited idempotency key: the retry must not
	// collapse into the delivery that already failed.
	eventID, err := ctx.Step.Send("republish-original", models.Event{
		ID:   clock.NewID(),
		Name: name,
		Data: data,
	})
	if err != nil {
		return nil, err
	}

	ctx.Logger.Info("DLQ retry republished original event",
		zap.String("dlq_id", payload.DLQID),
		zap.String("event", name),
		zap.String("event_id", eventID),
	)
	return map[string]any{"republishedEventId": eventID}, nil
}

func (h *Handlers) shouldAlert(functionID string, attemptCount int) bool {
	if attemptCount >= h.config.AlertThreshold {
		return true
	}
	for _, f := range h.config.CriticalFunctions {
		if f == functionID {
			return true
		}
	}
	return false
}

func manualReviewReason(hasRule bool, rule Rule, attempts int, kind engine.Kind) string {
	switch {
	case !hasRule:
		return "no recovery rule for function"
	case attempts > rule.MaxAttempts:
		return fmt.Sprintf("attempt budget exhausted (%d/%d)", attempts, rule.MaxAttempts)
	default:
		return fmt.Sprintf("error type %s is not recoverable", kind)
	}
}

func marshalOriginal(original map[string]any) []byte {
	b, err := jsonMarshal(original)
	if err != nil {
		return []byte("{}")
	}
	return b
}

func stringField(m map[string]any, path ...string) string {
	s, _ := field(m, path...).(string)
	return s
}

func intField(m map[string]any, path ...string) int {
	switch v := field(m, path...).(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func field(m map[string]any, path ...string) any {
	cur := any(m)
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[key]
	}
	return cur
}

package dlq_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pohlai88/accounts-worker/internal/clock"
	"github.com/pohlai88/accounts-worker/internal/dlq"
	"github.com/pohlai88/accounts-worker/internal/engine/enginetest"
	"github.com/pohlai88/accounts-worker/internal/models"
)

var dlqStart = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func newDLQHarness(t *testing.T) (*enginetest.Harness, *dlq.Handlers) {
	h := enginetest.New(t, dlqStart)
	handlers := dlq.NewHandlers(h.Store, h.Clock, dlq.Config{
		Rules:             dlq.DefaultRules(),
		CriticalFunctions: []string{"fx-rate-ingestion", "payment-processing"},
		AdminEmail:        "ops@example.com",
	})
	for _, spec := range handlers.Specs() {
		h.Register(spec)
	}
	return h, handlers
}

func failureEvent(functionID, runID, message string, attempts int) models.Event {
	return models.Event{
		ID:   clock.NewID(),
		Name: models.EventFunctionFailed,
		Data: map[string]any{
			"function_id": functionID,
			"run_id":      runID,
			"error": map[string]any{
				"message": message,
				"stack":   "stack trace",
			},
			"original_event": map[string]any{
				"name": models.EventPdfGenerate,
				"data": map[string]any{"tenantId": "t1", "companyId": "c1", "templateType": "invoice"},
			},
			"attempt_count": attempts,
		},
	}
}

func TestRecoverableFailureSchedulesRetry(t *testing.T) {
	h, _ := newDLQHarness(t)

	h.Publish(failureEvent("pdf-generation", "run-1", "render timed out", 1))
	h.Tick()

	records := h.Store.DLQRecords()
	require.Len(t, records, 1)
	assert.Equal(t, "pdf-generation", records[0].FunctionID)
	assert.Equal(t, models.DLQStatusFailed, records[0].Status)
	assert.Equal(t, "t1", records[0].TenantID)

	retries := h.Bus.Published(models.EventDLQRetry)
	require.Len(t, retries, 1)
	assert.Equal(t, records[0].ID, retries[0].Data["dlqId"])
	assert.EqualValues(t, 60_000, retries[0].Data["retryDelay"])
	assert.Equal(t, "timeout", retries[0].Data["errorType"])
}

func TestUnrecoverableKindGoesToManualReview(t *testing.T) {
	h, _ := newDLQHarness(t)

	// Validation errors are not in pdf-generation's recoverable set.
	h.Publish(failureEvent("pdf-generation", "run-2", "validation failed: bad template", 1))
	h.Tick()

	records := h.Store.DLQRecords()
	require.Len(t, records, 1)
	assert.Equal(t, models.DLQStatusManualReview, records[0].Status)
	assert.Empty(t, h.Bus.Published(models.EventDLQRetry))
}

func TestExhaustedRuleGoesToManualReviewWithAlert(t *testing.T) {
	h, _ := newDLQHarness(t)

	h.Publish(failureEvent("pdf-generation", "run-3", "render timed out", 4))
	h.Tick()

	records := h.Store.DLQRecords()
	require.Len(t, records, 1)
	assert.Equal(t, models.DLQStatusManualReview, records[0].Status)

	// attemptCount >= 3 pages the admin.
	emails := h.Bus.Published(models.EventEmailSend)
	require.Len(t, emails, 1)
	assert.Equal(t, "ops@example.com", emails[0].Data["to"])
	assert.Equal(t, "high", emails[0].Data["priority"])
}

func TestRetryChainEndsInManualReview(t *testing.T) {
	h, _ := newDLQHarness(t)

	// A pdf run exhausts its three attempts: within the rule budget, so
	// one auto-retry is scheduled.
	h.Publish(failureEvent("pdf-generation", "run-a", "render timed out", 3))
	h.Tick()
	require.Len(t, h.Bus.Published(models.EventDLQRetry), 1)

	// Work through the retry handler so the original event is
	// republished carrying the burned attempts.
	h.Drain(time.Minute, 10)
	republished := h.Bus.Published(models.EventPdfGenerate)
	require.Len(t, republished, 1)

	// The re-run fails terminally too; its cumulative attempts now
	// exceed the budget.
	second := failureEvent("pdf-generation", "run-b", "render timed out", 3)
	second.Data["original_event"] = map[string]any{
		"name": republished[0].Name,
		"data": republished[0].Data,
	}
	h.Publish(second)
	h.Drain(time.Minute, 10)

	records := h.Store.DLQRecords()
	require.Len(t, records, 2)
	var statuses []models.DLQStatus
	for _, r := range records {
		statuses = append(statuses, r.Status)
	}
	assert.Contains(t, statuses, models.DLQStatusManualReview)

	// Only one retry was ever scheduled, and the admin was paged.
	assert.Len(t, h.Bus.Published(models.EventDLQRetry), 1)
	assert.NotEmpty(t, h.Bus.Published(models.EventEmailSend))
}

func TestCriticalFunctionAlwaysAlerts(t *testing.T) {
	h, _ := newDLQHarness(t)

	h.Publish(failureEvent("fx-rate-ingestion", "run-4", "connection refused", 1))
	h.Tick()

	emails := h.Bus.Published(models.EventEmailSend)
	require.Len(t, emails, 1)

	// The failure is recoverable under the fx rule, so a retry is
	// scheduled as well.
	assert.Len(t, h.Bus.Published(models.EventDLQRetry), 1)
}

func TestDuplicateFailureForSameRunIsDeduplicated(t *testing.T) {
	h, _ := newDLQHarness(t)

	h.Publish(failureEvent("pdf-generation", "run-5", "render timed out", 1))
	h.Tick()
	// Same run reported again past the idempotency window.
	h.Publish(failureEvent("pdf-generation", "run-5", "render timed out", 1))
	h.Tick()

	assert.Len(t, h.Store.DLQRecords(), 1)
}

func TestRetryHandlerRepublishesOriginal(t *testing.T) {
	h, _ := newDLQHarness(t)

	h.Publish(failureEvent("pdf-generation", "run-6", "render timed out", 1))
	h.Tick()

	records := h.Store.DLQRecords()
	require.Len(t, records, 1)

	// The retry handler sleeps the configured delay, then republishes.
	h.Drain(time.Minute, 10)

	rec, err := h.Store.GetDLQ(context.Background(), records[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.DLQStatusRetrying, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
	require.NotNil(t, rec.LastRetryAt)

	republished := h.Bus.Published(models.EventPdfGenerate)
	require.Len(t, republished, 1)
	assert.Equal(t, "invoice", republished[0].Data["templateType"])
}

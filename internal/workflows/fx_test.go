package workflows_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pohlai88/accounts-worker/internal/clock"
	"github.com/pohlai88/accounts-worker/internal/config"
	"github.com/pohlai88/accounts-worker/internal/engine"
	"github.com/pohlai88/accounts-worker/internal/engine/enginetest"
	"github.com/pohlai88/accounts-worker/internal/models"
	"github.com/pohlai88/accounts-worker/internal/workflows"
)

var fxStart = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

// fakeFetcher returns canned rates.
type fakeFetcher struct {
	rates  []models.FxRateRecord
	source models.FxSource
	err    error
	calls  int
}

func (f *fakeFetcher) Fetch(_ context.Context, base string, targets []string) ([]models.FxRateRecord, models.FxSource, error) {
	f.calls++
	if f.err != nil {
		return nil, "", f.err
	}
	return f.rates, f.source, nil
}

func cannedRates(base string, source models.FxSource, at time.Time, targets ...string) []models.FxRateRecord {
	var out []models.FxRateRecord
	for i, tgt := range targets {
		out = append(out, models.FxRateRecord{
			FromCurrency: base,
			ToCurrency:   tgt,
			Rate:         0.2 + float64(i)*0.01,
			Source:       source,
			Timestamp:    at,
			ValidFrom:    at,
		})
	}
	return out
}

func fxConfig() config.FxConfig {
	return config.FxConfig{
		BaseCurrency:     "MYR",
		TargetCurrencies: []string{"USD", "EUR", "GBP", "SGD", "JPY"},
		StalenessThresholds: config.StalenessThresholds{
			Warning: 240, Acceptable: 480, Critical: 1440,
		},
	}
}

func newFxHarness(t *testing.T, fetcher *fakeFetcher) *enginetest.Harness {
	h := enginetest.New(t, fxStart)
	fx := workflows.NewFxWorkflows(h.Store, fetcher, h.Clock, fxConfig(), "ops@example.com")
	for _, spec := range fx.Specs() {
		h.Register(spec)
	}
	return h
}

func seedRate(t *testing.T, h *enginetest.Harness, age time.Duration) {
	t.Helper()
	at := fxStart.Add(-age)
	_, err := h.Store.UpsertFxRates(context.Background(), cannedRates("MYR", models.FxSourcePrimary, at, "USD"))
	require.NoError(t, err)
}

func TestFxIngestHappyPath(t *testing.T) {
	targets := []string{"USD", "EUR", "GBP", "SGD", "JPY", "AUD", "CAD", "CHF", "CNY", "HKD", "INR", "IDR", "KRW", "NZD", "THB"}
	fetcher := &fakeFetcher{
		rates:  cannedRates("MYR", models.FxSourcePrimary, fxStart, targets...),
		source: models.FxSourcePrimary,
	}
	h := newFxHarness(t, fetcher)
	seedRate(t, h, 500*time.Minute) // stale past the warning threshold

	eventID := h.Publish(models.Event{ID: clock.NewID(), Name: models.EventFxIngestCron, Data: map[string]any{}})
	h.Drain(time.Second, 10)

	run := h.RunFor(workflows.FxIngestFunctionID, eventID)
	assert.Equal(t, models.RunStatusSucceeded, run.Status)

	rates, err := h.Store.ListFxRates(context.Background(), "MYR")
	require.NoError(t, err)
	assert.Len(t, rates, 15)

	ingested := h.Bus.Published(models.EventFxRatesIngested)
	require.Len(t, ingested, 1)
	assert.EqualValues(t, 15, ingested[0].Data["ratesCount"])
	assert.Equal(t, "primary", ingested[0].Data["source"])
}

func TestFxIngestSkipsWhenFresh(t *testing.T) {
	fetcher := &fakeFetcher{source: models.FxSourcePrimary}
	h := newFxHarness(t, fetcher)
	seedRate(t, h, 10*time.Minute)

	eventID := h.Publish(models.Event{ID: clock.NewID(), Name: models.EventFxIngestCron, Data: map[string]any{}})
	h.Drain(time.Second, 10)

	run := h.RunFor(workflows.FxIngestFunctionID, eventID)
	assert.Equal(t, models.RunStatusSucceeded, run.Status)
	assert.Zero(t, fetcher.calls)
	assert.Empty(t, h.Bus.Published(models.EventFxRatesIngested))
}

func TestFxIngestFallbackNotifies(t *testing.T) {
	fetcher := &fakeFetcher{
		rates:  cannedRates("MYR", models.FxSourceFallback, fxStart, "USD", "EUR", "GBP", "SGD", "JPY"),
		source: models.FxSourceFallback,
	}
	h := newFxHarness(t, fetcher)

	eventID := h.Publish(models.Event{ID: clock.NewID(), Name: models.EventFxIngestCron, Data: map[string]any{}})
	h.Drain(time.Second, 10)

	run := h.RunFor(workflows.FxIngestFunctionID, eventID)
	assert.Equal(t, models.RunStatusSucceeded, run.Status)

	ingested := h.Bus.Published(models.EventFxRatesIngested)
	require.Len(t, ingested, 1)
	assert.EqualValues(t, 5, ingested[0].Data["ratesCount"])
	assert.Equal(t, "fallback", ingested[0].Data["source"])

	emails := h.Bus.Published(models.EventEmailSend)
	require.Len(t, emails, 1)
	assert.Equal(t, "ops@example.com", emails[0].Data["to"])
}

func TestFxManualHonorsForceUpdateAndCurrencyList(t *testing.T) {
	fetcher := &fakeFetcher{
		rates:  cannedRates("MYR", models.FxSourcePrimary, fxStart, "USD", "SGD"),
		source: models.FxSourcePrimary,
	}
	h := newFxHarness(t, fetcher)
	seedRate(t, h, 10*time.Minute) // fresh, but forceUpdate overrides

	eventID := h.Publish(models.Event{
		ID:   clock.NewID(),
		Name: models.EventFxIngestManual,
		Data: map[string]any{
			"targetCurrencies": []string{"USD", "SGD"},
			"forceUpdate":      true,
		},
	})
	h.Drain(time.Second, 10)

	run := h.RunFor(workflows.FxIngestManualFunctionID, eventID)
	assert.Equal(t, models.RunStatusSucceeded, run.Status)
	assert.Equal(t, 1, fetcher.calls)
}

func TestFxIngestTransientFailureRetries(t *testing.T) {
	fetcher := &fakeFetcher{err: engine.Transientf(engine.KindNetwork, "ECONNREFUSED")}
	h := newFxHarness(t, fetcher)

	eventID := h.Publish(models.Event{ID: clock.NewID(), Name: models.EventFxIngestCron, Data: map[string]any{}})
	h.Drain(30*time.Second, 40)

	run := h.RunFor(workflows.FxIngestFunctionID, eventID)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	// Retries 4 -> five invocations of the fetch step.
	assert.Equal(t, 5, fetcher.calls)
	assert.Len(t, h.Bus.Published(models.EventFunctionFailed), 1)
}

func TestStalenessAlertFiresWhenCritical(t *testing.T) {
	fetcher := &fakeFetcher{}
	h := newFxHarness(t, fetcher)
	seedRate(t, h, 2000*time.Minute) // past the 1440 critical threshold

	eventID := h.Publish(models.Event{ID: clock.NewID(), Name: models.EventFxStalenessCron, Data: map[string]any{}})
	h.Drain(time.Second, 10)

	run := h.RunFor(workflows.FxStalenessFunctionID, eventID)
	assert.Equal(t, models.RunStatusSucceeded, run.Status)

	emails := h.Bus.Published(models.EventEmailSend)
	require.Len(t, emails, 1)
	assert.Equal(t, "high", emails[0].Data["priority"])
}

func TestStalenessAlertQuietWhenHealthy(t *testing.T) {
	fetcher := &fakeFetcher{}
	h := newFxHarness(t, fetcher)
	seedRate(t, h, 30*time.Minute)

	h.Publish(models.Event{ID: clock.NewID(), Name: models.EventFxStalenessCron, Data: map[string]any{}})
	h.Drain(time.Second, 10)

	assert.Empty(t, h.Bus.Published(models.EventEmailSend))
}

package workflows

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pohlai88/accounts-worker/internal/adapters"
	"github.com/pohlai88/accounts-worker/internal/clock"
	"github.com/pohlai88/accounts-worker/internal/config"
	"github.com/pohlai88/accounts-worker/internal/engine"
	"github.com/pohlai88/accounts-worker/internal/models"
	"github.com/pohlai88/accounts-worker/internal/store"
)

// Function ids of the FX pipeline.
const (
	FxIngestFunctionID       = "fx-rate-ingestion"
	FxIngestManualFunctionID = "fx-rate-ingestion-manual"
	FxStalenessFunctionID    = "fx-rate-staleness-alert"
)

// FxWorkflows owns rate ingestion and staleness monitoring.
type FxWorkflows struct {
	store      store.Store
	fetcher    adapters.FxRateFetcher
	clk        clock.Clock
	thresholds config.StalenessThresholds
	base       string
	targets    []string
	adminEmail string
}

// NewFxWorkflows wires the FX pipeline.
func NewFxWorkflows(st store.Store, fetcher adapters.FxRateFetcher, clk clock.Clock, cfg config.FxConfig, adminEmail string) *FxWorkflows {
	base := cfg.BaseCurrency
	if base == "" {
		base = "MYR"
	}
	targets := cfg.TargetCurrencies
	if len(targets) == 0 {
		targets = []string{"USD", "EUR", "GBP", "SGD", "JPY"}
	}
	return &FxWorkflows{
		store:      st,
		fetcher:    fetcher,
		clk:        clk,
		thresholds: cfg.StalenessThresholds,
		base:       base,
		targets:    targets,
		adminEmail: adminEmail,
	}
}

// Specs returns the FX function registrations.
func (w *FxWorkflows) Specs() []engine.FunctionSpec {
	return []engine.FunctionSpec{
		{
			ID:          FxIngestFunctionID,
			Name:        "FX rate ingest",
			EventName:   models.EventFxIngestCron,
			Cron:        "0 */4 * * *",
			Retries:     4,
			Concurrency: 1,
			Handler:     w.IngestJob,
		},
		{
			ID:          FxIngestManualFunctionID,
			Name:        "FX rate ingest (manual)",
			EventName:   models.EventFxIngestManual,
			Retries:     2,
			Concurrency: 1,
			Handler:     w.IngestManual,
		},
		{
			ID:          FxStalenessFunctionID,
			Name:        "FX rate staleness alert",
			EventName:   models.EventFxStalenessCron,
			Cron:        "0 9,17 * * *",
			Retries:     2,
			Concurrency: 1,
			Handler:     w.StalenessAlert,
		},
	}
}

// IngestJob is the scheduled ingest: skip when rates are fresh, otherwise
// pull, store, and validate.
func (w *FxWorkflows) IngestJob(ctx *engine.Context) (any, error) {
	age, err := w.checkStaleness(ctx)
	if err != nil {
		return nil, err
	}
	if age >= 0 && age <= float64(w.thresholds.Warning) {
		ctx.Logger.Info("FX rates are fresh, skipping ingest", zap.Float64("age_minutes", age))
		return map[string]any{"skipped": true, "ageMinutes": age}, nil
	}
	return w.ingest(ctx, w.base, w.targets)
}

// IngestManual honors a per-request currency list and forceUpdate.
func (w *FxWorkflows) IngestManual(ctx *engine.Context) (any, error) {
	var payload models.FxIngestPayload
	if err := models.DecodePayload(ctx.Event.Data, &payload); err != nil {
		return nil, engine.Fatal(engine.KindValidation, err)
	}

	base := payload.BaseCurrency
	if base == "" {
		base = w.base
	}
	targets := payload.TargetCurrencies
	if len(targets) == 0 {
		targets = []string{"USD", "EUR", "GBP", "SGD", "JPY"}
	}

	if !payload.ForceUpdate {
		age, err := w.checkStaleness(ctx)
		if err != nil {
			return nil, err
		}
		if age >= 0 && age <= float64(w.thresholds.Warning) {
			ctx.Logger.Info("FX rates are fresh, skipping manual ingest", zap.Float64("age_minutes", age))
			return map[string]any{"skipped": true, "ageMinutes": age}, nil
		}
	}
	return w.ingest(ctx, base, targets)
}

// StalenessAlert pages the admin when the freshest rate is older than the
// critical threshold.
func (w *FxWorkflows) StalenessAlert(ctx *engine.Context) (any, error) {
	age, err := w.checkStaleness(ctx)
	if err != nil {
		return nil, err
	}
	critical := age < 0 || age > float64(w.thresholds.Critical)
	if !critical {
		return map[string]any{"ageMinutes": age, "critical": false}, nil
	}

	_, err = ctx.Step.Send("send-staleness-alert", models.Event{
		ID:   clock.NewID(),
		Name: models.EventEmailSend,
		Data: map[string]any{
			"to":       w.adminEmail,
			"subject":  "[worker] FX rates are critically stale",
			"template": "admin-alert",
			"priority": "high",
			"data": map[string]any{
				"message": fmt.Sprintf("freshest FX rate is %.0f minutes old (critical threshold %d)",
					age, w.thresholds.Critical),
			},
		},
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"ageMinutes": age, "critical": true}, nil
}

// checkStaleness returns the freshest rate age in minutes, or -1 when no
// rates are stored yet.
func (w *FxWorkflows) checkStaleness(ctx *engine.Context) (float64, error) {
	raw, err := ctx.Step.Run("check-staleness", func(c context.Context) (any, error) {
		age, err := w.store.FreshestFxAge(c, w.clk.Now())
		if err != nil {
			if err == store.ErrNotFound {
				return -1.0, nil
			}
			return nil, err
		}
		return age.Minutes(), nil
	})
	if err != nil {
		return 0, err
	}
	var age float64
	if err := engine.DecodeResult(raw, &age); err != nil {
		return 0, err
	}
	return age, nil
}

// ingestResult is the memoized outcome of the fetch step.
type ingestResult struct {
	Rates  []models.FxRateRecord `json:"rates"`
	Source models.FxSource       `json:"source"`
}

func (w *FxWorkflows) ingest(ctx *engine.Context, base string, targets []string) (any, error) {
	fetchedRaw, err := ctx.Step.Run("ingest-fx-rates", func(c context.Context) (any, error) {
		rates, source, err := w.fetcher.Fetch(c, base, targets)
		if err != nil {
			return nil, err
		}
		return ingestResult{Rates: rates, Source: source}, nil
	})
	if err != nil {
		return nil, err
	}
	var fetched ingestResult
	if err := engine.DecodeResult(fetchedRaw, &fetched); err != nil {
		return nil, err
	}

	storedRaw, err := ctx.Step.Run("store-fx-rates", func(c context.Context) (any, error) {
		n, err := w.store.UpsertFxRates(c, fetched.Rates)
		if err != nil {
			return nil, engine.Transientf(engine.KindTemporary, "failed to store fx rates: %v", err)
		}
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	var stored int
	if err := engine.DecodeResult(storedRaw, &stored); err != nil {
		return nil, err
	}

	if _, err := ctx.Step.Run("validate-stored-rates", func(c context.Context) (any, error) {
		rates, err := w.store.ListFxRates(c, base)
		if err != nil {
			return nil, engine.Transientf(engine.KindTemporary, "failed to read back fx rates: %v", err)
		}
		now := w.clk.Now()
		for _, r := range rates {
			if err := r.Validate(now); err != nil {
				return nil, engine.Fatal(engine.KindValidation, err)
			}
		}
		return len(rates), nil
	}); err != nil {
		return nil, err
	}

	if fetched.Source == models.FxSourceFallback {
		_, err = ctx.Step.Send("notify-fallback-source", models.Event{
			ID:   clock.NewID(),
			Name: models.EventEmailSend,
			Data: map[string]any{
				"to":       w.adminEmail,
				"subject":  "[worker] FX ingest used fallback source",
				"template": "admin-alert",
				"data": map[string]any{
					"message": fmt.Sprintf("primary FX provider unavailable; stored %d rates from fallback", stored),
				},
			},
		})
		if err != nil {
			return nil, err
		}
	}

	timestampRaw, err := ctx.Step.Run("ingest-timestamp", func(context.Context) (any, error) {
		return w.clk.Now().Format(time.RFC3339), nil
	})
	if err != nil {
		return nil, err
	}
	var timestamp string
	if err := engine.DecodeResult(timestampRaw, &timestamp); err != nil {
		return nil, err
	}

	if _, err := ctx.Step.Send("publish-ingested", models.Event{
		ID:   clock.NewID(),
		Name: models.EventFxRatesIngested,
		Data: map[string]any{
			"ratesCount": stored,
			"source":     string(fetched.Source),
			"timestamp":  timestamp,
		},
	}); err != nil {
		return nil, err
	}

	return map[string]any{"ratesCount": stored, "source": string(fetched.Source)}, nil
}

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("POSTGRES_URL", "postgres://test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "accounts-worker", cfg.App.Name)
	assert.Equal(t, ":8080", cfg.HTTP.Address)
	assert.Equal(t, 10, cfg.Concurrency.DefaultPerFunction)
	assert.Equal(t, 25, cfg.Concurrency.Global)
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 2.0, cfg.Retry.Factor)
	assert.Equal(t, 10*time.Minute, cfg.Retry.MaxDelay)
	assert.Equal(t, "full", cfg.Retry.Jitter)
	assert.Equal(t, 30, cfg.DLQ.RetentionDays)
	assert.Contains(t, cfg.DLQ.CriticalFunctions, "fx-rate-ingestion")
	assert.Equal(t, 45*time.Second, cfg.Pdf.StepTimeout)
	assert.Equal(t, 1, cfg.Cron.CatchUpBudget)
	assert.Equal(t, 24*time.Hour, cfg.Idempotency.Window)
	assert.Equal(t, "MYR", cfg.Fx.BaseCurrency)
	assert.Equal(t, []string{"USD", "EUR", "GBP", "SGD", "JPY"}, cfg.Fx.TargetCurrencies)
	assert.Equal(t, 10, cfg.DocumentApproval.MaxReminders)
}

func TestValidateRequiresDatabase(t *testing.T) {
	cfg := &Config{}
	err := Validate(cfg)
	assert.ErrorContains(t, err, "database.url")
}

func TestValidateThresholdOrdering(t *testing.T) {
	cfg := &Config{
		Database:    DatabaseConfig{URL: "postgres://x"},
		Concurrency: ConcurrencyConfig{DefaultPerFunction: 1, Global: 1},
		Retry:       RetryConfig{Jitter: "full"},
		Fx: FxConfig{StalenessThresholds: StalenessThresholds{
			Warning: 480, Acceptable: 240, Critical: 1440,
		}},
	}
	err := Validate(cfg)
	assert.ErrorContains(t, err, "staleness_thresholds")

	cfg.Fx.StalenessThresholds = StalenessThresholds{Warning: 240, Acceptable: 480, Critical: 1440}
	assert.NoError(t, Validate(cfg))
}

func TestValidateJitterMode(t *testing.T) {
	cfg := &Config{
		Database:    DatabaseConfig{URL: "postgres://x"},
		Concurrency: ConcurrencyConfig{DefaultPerFunction: 1, Global: 1},
		Retry:       RetryConfig{Jitter: "half"},
		Fx: FxConfig{StalenessThresholds: StalenessThresholds{
			Warning: 1, Acceptable: 2, Critical: 3,
		}},
	}
	assert.ErrorContains(t, Validate(cfg), "retry.jitter")
}

package adapters

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/pohlai88/accounts-worker/internal/engine"
	"github.com/pohlai88/accounts-worker/internal/models"
	"github.com/pohlai88/accounts-worker/internal/resilience"
)

// FxRateFetcher fetches exchange rates for a base currency against a set
// of targets, reporting which source produced them.
type FxRateFetcher interface {
	Fetch(ctx context.Context, base string, targets []string) ([]models.FxRateRecord, models.FxSource, error)
}

// FxProviderConfig points at one rate provider endpoint.
type FxProviderConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPFxFetcher queries a primary provider and falls back to a secondary
// when the primary fails or returns nothing. Each provider sits behind
// its own circuit breaker.
type HTTPFxFetcher struct {
	primary         *fxProvider
	fallback        *fxProvider
	logger          *zap.Logger
	now             func() time.Time
}

type fxProvider struct {
	client  *resty.Client
	breaker *resilience.CircuitBreaker
	name    string
}

// fxResponse is the provider wire format: {"base":"MYR","rates":{"USD":0.21,...}}.
type fxResponse struct {
	Base  string             `json:"base"`
	Rates map[string]float64 `json:"rates"`
}

// NewHTTPFxFetcher builds the two-provider fetcher.
func NewHTTPFxFetcher(primary, fallback FxProviderConfig, now func() time.Time, logger *zap.Logger) *HTTPFxFetcher {
	logger = logger.With(zap.String("component", "fx-fetcher"))
	return &HTTPFxFetcher{
		primary:  newFxProvider("primary", primary, logger),
		fallback: newFxProvider("fallback", fallback, logger),
		logger:   logger,
		now:      now,
	}
}

func newFxProvider(name string, cfg FxProviderConfig, logger *zap.Logger) *fxProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(0)
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	return &fxProvider{
		client: client,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "fx-" + name,
		}, logger),
		name: name,
	}
}

// Fetch queries the primary provider, then the fallback. An empty rate
// set from the primary counts as a failure so staleness never goes
// unnoticed behind a quietly broken provider.
func (f *HTTPFxFetcher) Fetch(ctx context.Context, base string, targets []string) ([]models.FxRateRecord, models.FxSource, error) {
	rates, err := f.query(ctx, f.primary, base, targets)
	if err == nil && len(rates) > 0 {
		return rates, models.FxSourcePrimary, nil
	}
	if err != nil {
		f.logger.Warn("Primary FX provider failed, trying fallback",
			zap.Error(err),
			zap.String("base", base),
		)
	} else {
		f.logger.Warn("Primary FX provider returned no rates, trying fallback",
			zap.String("base", base),
		)
	}

	rates, fbErr := f.query(ctx, f.fallback, base, targets)
	if fbErr != nil {
		if err != nil {
			return nil, "", engine.Transientf(engine.KindNetwork,
				"both FX providers failed: primary: %v; fallback: %v", err, fbErr)
		}
		return nil, "", fbErr
	}
	if len(rates) == 0 {
		return nil, "", engine.Transientf(engine.KindTemporary,
			"no FX rates available from any provider for base %s", base)
	}
	return rates, models.FxSourceFallback, nil
}

func (f *HTTPFxFetcher) query(ctx context.Context, p *fxProvider, base string, targets []string) ([]models.FxRateRecord, error) {
	var out fxResponse
	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		resp, err := p.client.R().
			SetContext(ctx).
			SetQueryParam("base", base).
			SetQueryParam("symbols", joinSymbols(targets)).
			SetResult(&out).
			Get("/latest")
		if err != nil {
			return engine.Transientf(engine.KindNetwork, "fx provider %s unreachable: %v", p.name, err)
		}
		switch {
		case resp.StatusCode() == http.StatusOK:
			return nil
		case resp.StatusCode() == http.StatusTooManyRequests:
			return engine.Transientf(engine.KindRateLimit, "fx provider %s rate limited", p.name)
		case resp.StatusCode() == http.StatusUnauthorized, resp.StatusCode() == http.StatusForbidden:
			return engine.Fatalf(engine.KindAuth, "fx provider %s rejected credentials: %d", p.name, resp.StatusCode())
		case resp.StatusCode() >= 500:
			return engine.Transientf(engine.KindTemporary, "fx provider %s returned %d", p.name, resp.StatusCode())
		default:
			return engine.Fatalf(engine.KindValidation, "fx provider %s returned %d", p.name, resp.StatusCode())
		}
	})
	if err != nil {
		return nil, err
	}

	now := f.now()
	source := models.FxSourcePrimary
	if p.name == "fallback" {
		source = models.FxSourceFallback
	}
	var rates []models.FxRateRecord
	for _, target := range targets {
		rate, ok := out.Rates[target]
		if !ok {
			continue
		}
		rec := models.FxRateRecord{
			FromCurrency: base,
			ToCurrency:   target,
			Rate:         rate,
			Source:       source,
			Timestamp:    now,
			ValidFrom:    now,
		}
		if err := rec.Validate(now); err != nil {
			return nil, engine.Fatal(engine.KindValidation, fmt.Errorf("fx provider %s: %w", p.name, err))
		}
		rates = append(rates, rec)
	}
	return rates, nil
}

func joinSymbols(targets []string) string {
	s := ""
	for i, t := range targets {
		if i > 0 {
			s += ","
		}
		s += t
	}
	return s
}

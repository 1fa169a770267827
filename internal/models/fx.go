package models

import (
	"fmt"
	"time"
)

// FxSource identifies which provider produced a rate.
type FxSource string

const (
	FxSourcePrimary  FxSource = "primary"
	FxSourceFallback FxSource = "fallback"
)

// FxRateRecord is a single currency pair rate at a point in time.
type FxRateRecord struct {
	FromCurrency string     `json:"from_currency" db:"from_currency"`
	ToCurrency   string     `json:"to_currency" db:"to_currency"`
	Rate         float64    `json:"rate" db:"rate"`
	Source       FxSource   `json:"source" db:"source"`
	Timestamp    time.Time  `json:"timestamp" db:"timestamp"`
	ValidFrom    time.Time  `json:"valid_from" db:"valid_from"`
	ValidTo      *time.Time `json:"valid_to,omitempty" db:"valid_to"`
}

// Validate enforces the rate invariants: three-letter ISO codes, a positive
// rate, and a timestamp not in the future.
func (r FxRateRecord) Validate(now time.Time) error {
	if len(r.FromCurrency) != 3 || len(r.ToCurrency) != 3 {
		return fmt.Errorf("currency codes must be exactly three letters: %q -> %q", r.FromCurrency, r.ToCurrency)
	}
	if r.Rate <= 0 {
		return fmt.Errorf("rate must be positive for %s/%s, got %v", r.FromCurrency, r.ToCurrency, r.Rate)
	}
	if r.Timestamp.After(now) {
		return fmt.Errorf("rate timestamp %s is in the future", r.Timestamp)
	}
	return nil
}

package dlq

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/pohlai88/accounts-worker/internal/clock"
	"github.com/pohlai88/accounts-worker/internal/store"
)

func jsonMarshal(v any) ([]byte, error) { return json.Marshal(v) }

// Sweeper deletes resolved DLQ records past their retention.
type Sweeper struct {
	store     store.Store
	clk       clock.Clock
	retention time.Duration
	interval  time.Duration
	logger    *zap.Logger
}

// NewSweeper creates a retention sweeper.
func NewSweeper(st store.Store, clk clock.Clock, retentionDays int, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		store:     st,
		clk:       clk,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		interval:  time.Hour,
		logger:    logger.With(zap.String("component", "dlq-sweeper")),
	}
}

// Start runs the sweep loop until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := s.clk.Now().Add(-s.retention)
	n, err := s.store.PurgeResolvedDLQBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("DLQ retention sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("Purged resolved DLQ records",
			zap.Int("count", n),
			zap.Time("cutoff", cutoff),
		)
	}
}

package cron

import (
	"context"
	"fmt"
	"sort"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/pohlai88/accounts-worker/internal/bus"
	"github.com/pohlai88/accounts-worker/internal/clock"
	"github.com/pohlai88/accounts-worker/internal/engine"
	"github.com/pohlai88/accounts-worker/internal/models"
)

// Trigger binds a cron schedule to an event publish.
type Trigger struct {
	FunctionID string
	Schedule   string
	EventName  string
	StaticData map[string]any

	sched cronlib.Schedule
}

// Dispatcher publishes trigger events at their scheduled fire times. Each
// fire carries an idempotency key derived from the fire instant, so a
// fire published before a crash is not published again after restart.
type Dispatcher struct {
	triggers      []Trigger
	bus           bus.Bus
	clk           clock.Clock
	logger        *zap.Logger
	metrics       *engine.Metrics
	tz            *time.Location
	catchUpBudget int
	lookback      time.Duration
}

// NewDispatcher builds a dispatcher for the given triggers.
func NewDispatcher(
	triggers []Trigger,
	b bus.Bus,
	clk clock.Clock,
	tz *time.Location,
	catchUpBudget int,
	metrics *engine.Metrics,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if tz == nil {
		tz = time.UTC
	}
	parsed := make([]Trigger, 0, len(triggers))
	for _, t := range triggers {
		sched, err := clock.ParseSchedule(t.Schedule)
		if err != nil {
			return nil, fmt.Errorf("trigger %s: %w", t.FunctionID, err)
		}
		t.sched = sched
		parsed = append(parsed, t)
	}
	return &Dispatcher{
		triggers:      parsed,
		bus:           b,
		clk:           clk,
		logger:        logger.With(zap.String("component", "cron")),
		metrics:       metrics,
		tz:            tz,
		catchUpBudget: catchUpBudget,
		// Bounded by the idempotency window: anything older could no
		// longer be deduplicated against a fire published pre-restart.
		lookback: 24 * time.Hour,
	}, nil
}

// FromRegistry derives triggers from the cron-declared functions.
func FromRegistry(reg *engine.Registry) []Trigger {
	var out []Trigger
	for _, spec := range reg.CronSpecs() {
		out = append(out, Trigger{
			FunctionID: spec.ID,
			Schedule:   spec.Cron,
			EventName:  spec.EventName,
		})
	}
	return out
}

// Start publishes catch-up fires, then runs the fire loop until ctx is
// cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("Starting cron dispatcher", zap.Int("triggers", len(d.triggers)))
	d.CatchUp(ctx)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	next := make([]time.Time, len(d.triggers))
	now := d.clk.Now().In(d.tz)
	for i := range d.triggers {
		next[i] = d.triggers[i].sched.Next(now)
	}

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Cron dispatcher stopped")
			return nil
		case <-ticker.C:
			now := d.clk.Now().In(d.tz)
			for i := range d.triggers {
				for !next[i].IsZero() && !next[i].After(now) {
					d.fire(ctx, d.triggers[i], next[i], false)
					next[i] = d.triggers[i].sched.Next(next[i])
				}
			}
		}
	}
}

// CatchUp publishes the fires of the lookback window (24h before now),
// keeping only the most recent ones up to the configured budget per
// trigger and publishing those oldest first. Older misses are dropped with
// a warning. Idempotency keys keep already-published fires from
// duplicating.
func (d *Dispatcher) CatchUp(ctx context.Context) {
	if d.catchUpBudget <= 0 {
		return
	}
	now := d.clk.Now().In(d.tz)
	for _, t := range d.triggers {
		fires := d.firesBetween(t, now.Add(-d.lookback), now)
		if len(fires) == 0 {
			continue
		}
		if len(fires) > d.catchUpBudget {
			d.logger.Warn("Dropping cron fires beyond catch-up budget",
				zap.String("function_id", t.FunctionID),
				zap.Int("dropped", len(fires)-d.catchUpBudget),
				zap.Int("budget", d.catchUpBudget),
			)
			fires = fires[len(fires)-d.catchUpBudget:]
		}
		for _, fireAt := range fires {
			d.fire(ctx, t, fireAt, true)
		}
	}
}

// firesBetween lists the fire times of t in (from, to], oldest first.
func (d *Dispatcher) firesBetween(t Trigger, from, to time.Time) []time.Time {
	var fires []time.Time
	for at := t.sched.Next(from); !at.IsZero() && !at.After(to); at = t.sched.Next(at) {
		fires = append(fires, at)
	}
	sort.Slice(fires, func(i, j int) bool { return fires[i].Before(fires[j]) })
	return fires
}

func (d *Dispatcher) fire(ctx context.Context, t Trigger, fireAt time.Time, catchUp bool) {
	evt := models.Event{
		ID:             clock.NewID(),
		Name:           t.EventName,
		Data:           t.StaticData,
		ScheduledFor:   fireAt,
		IdempotencyKey: fmt.Sprintf("cron:%s:%d", t.FunctionID, fireAt.Unix()),
	}
	res, err := d.bus.Publish(ctx, evt)
	if err != nil {
		d.logger.Error("Failed to publish cron fire",
			zap.Error(err),
			zap.String("function_id", t.FunctionID),
			zap.Time("fire_at", fireAt),
		)
		return
	}
	if res.Duplicate {
		return
	}
	d.metrics.RecordCronFire(t.FunctionID, catchUp)
	d.logger.Info("Cron trigger fired",
		zap.String("function_id", t.FunctionID),
		zap.String("event", t.EventName),
		zap.Time("fire_at", fireAt),
		zap.Bool("catch_up", catchUp),
	)
}

package cron

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pohlai88/accounts-worker/internal/bus"
	"github.com/pohlai88/accounts-worker/internal/clock"
)

func newTestDispatcher(t *testing.T, clk *clock.Fake, budget int, triggers []Trigger) (*Dispatcher, *bus.MemoryBus) {
	t.Helper()
	b := bus.NewMemoryBus(clk, 24*time.Hour, zap.NewNop())
	d, err := NewDispatcher(triggers, b, clk, time.UTC, budget, nil, zap.NewNop())
	require.NoError(t, err)
	return d, b
}

func TestNewDispatcherRejectsBadSchedule(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	b := bus.NewMemoryBus(clk, 24*time.Hour, zap.NewNop())
	_, err := NewDispatcher([]Trigger{
		{FunctionID: "x", Schedule: "bogus", EventName: "x/cron"},
	}, b, clk, time.UTC, 1, nil, zap.NewNop())
	assert.Error(t, err)
}

func TestCatchUpPublishesMostRecentMissedFire(t *testing.T) {
	// 10:30: the 04:00 and 08:00 fires of a */4 schedule were missed
	// while the worker was down. Budget 1 keeps only the 08:00 fire.
	clk := clock.NewFake(time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC))
	d, b := newTestDispatcher(t, clk, 1, []Trigger{
		{FunctionID: "fx-rate-ingestion", Schedule: "0 */4 * * *", EventName: "fx/ingest.cron"},
	})

	d.CatchUp(context.Background())

	events := b.Published("fx/ingest.cron")
	require.Len(t, events, 1)
	assert.Equal(t, time.Date(2026, 8, 1, 8, 0, 0, 0, time.UTC), events[0].ScheduledFor)
}

func TestCatchUpHonorsBudget(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC))
	d, b := newTestDispatcher(t, clk, 3, []Trigger{
		{FunctionID: "fx-rate-ingestion", Schedule: "0 */4 * * *", EventName: "fx/ingest.cron"},
	})

	d.CatchUp(context.Background())

	events := b.Published("fx/ingest.cron")
	require.Len(t, events, 3)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), events[0].ScheduledFor)
	assert.Equal(t, time.Date(2026, 8, 1, 8, 0, 0, 0, time.UTC), events[2].ScheduledFor)
}

func TestCatchUpIsIdempotent(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC))
	d, b := newTestDispatcher(t, clk, 1, []Trigger{
		{FunctionID: "fx-rate-ingestion", Schedule: "0 */4 * * *", EventName: "fx/ingest.cron"},
	})

	d.CatchUp(context.Background())
	d.CatchUp(context.Background())

	assert.Len(t, b.Published("fx/ingest.cron"), 1)
}

func TestCatchUpDisabledWithZeroBudget(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC))
	d, b := newTestDispatcher(t, clk, 0, []Trigger{
		{FunctionID: "fx-rate-ingestion", Schedule: "0 */4 * * *", EventName: "fx/ingest.cron"},
	})

	d.CatchUp(context.Background())
	assert.Empty(t, b.Published("fx/ingest.cron"))
}

func TestFirePublishesWithFireTimeKey(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC))
	d, b := newTestDispatcher(t, clk, 1, nil)

	trig := Trigger{FunctionID: "fn", Schedule: "0 * * * *", EventName: "fn/cron"}
	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	d.fire(context.Background(), trig, at, false)
	d.fire(context.Background(), trig, at, false)

	// Same fire instant collapses; a different instant does not.
	assert.Len(t, b.Published("fn/cron"), 1)
	d.fire(context.Background(), trig, at.Add(time.Hour), false)
	assert.Len(t, b.Published("fn/cron"), 2)
}

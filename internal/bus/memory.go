package bus

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pohlai88/accounts-worker/internal/clock"
	"github.com/pohlai88/accounts-worker/internal/models"
)

// MemoryBus is an in-process Bus for tests and single-node dev mode. It
// mirrors the Postgres bus semantics: scheduled visibility, leases with
// deadlines, at-least-once redelivery on expired leases.
type MemoryBus struct {
	mu      sync.Mutex
	events  map[string]*memoryEvent
	deduper Deduper
	clk     clock.Clock
	window  time.Duration
	logger  *zap.Logger
}

type memoryEvent struct {
	evt         models.Event
	status      string // queued, done
	leasedUntil time.Time
	enqueuedAt  int64
}

// NewMemoryBus creates an in-memory bus.
func NewMemoryBus(clk clock.Clock, window time.Duration, logger *zap.Logger) *MemoryBus {
	return &MemoryBus{
		events:  make(map[string]*memoryEvent),
		deduper: NewMemoryDeduper(clk.Now),
		clk:     clk,
		window:  window,
		logger:  logger,
	}
}

var memorySeq int64

// Publish accepts an event into process memory.
func (b *MemoryBus) Publish(ctx context.Context, evt models.Event) (PublishResult, error) {
	if evt.ID == "" {
		evt.ID = clock.NewID()
	}
	if err := validate(evt); err != nil {
		return PublishResult{}, err
	}
	if evt.ScheduledFor.IsZero() {
		evt.ScheduledFor = b.clk.Now()
	}

	if evt.IdempotencyKey != "" {
		priorID, dup, err := b.deduper.Reserve(ctx, evt.IdempotencyKey, evt.ID, b.window)
		if err != nil {
			return PublishResult{}, err
		}
		if dup {
			return PublishResult{EventID: priorID, Duplicate: true}, nil
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.events[evt.ID]; !ok {
		memorySeq++
		b.events[evt.ID] = &memoryEvent{evt: evt, status: "queued", enqueuedAt: memorySeq}
	}
	return PublishResult{EventID: evt.ID}, nil
}

// NextVisible leases the oldest visible event.
func (b *MemoryBus) NextVisible(_ context.Context, leaseFor time.Duration) (*models.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.Now()
	var candidates []*memoryEvent
	for _, e := range b.events {
		if e.status != "queued" {
			continue
		}
		if e.evt.ScheduledFor.After(now) {
			continue
		}
		if !e.leasedUntil.IsZero() && e.leasedUntil.After(now) {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].evt.ScheduledFor.Equal(candidates[j].evt.ScheduledFor) {
			return candidates[i].evt.ScheduledFor.Before(candidates[j].evt.ScheduledFor)
		}
		return candidates[i].enqueuedAt < candidates[j].enqueuedAt
	})
	picked := candidates[0]
	picked.leasedUntil = now.Add(leaseFor)
	evt := picked.evt
	return &evt, nil
}

// Ack finalizes a leased event.
func (b *MemoryBus) Ack(_ context.Context, eventID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.events[eventID]; ok {
		e.status = "done"
		e.leasedUntil = time.Time{}
	}
	return nil
}

// Nack re-queues a leased event.
func (b *MemoryBus) Nack(_ context.Context, eventID, _ string, visibleAfter time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.events[eventID]; ok {
		e.status = "queued"
		e.leasedUntil = time.Time{}
		e.evt.ScheduledFor = visibleAfter
		e.evt.Attempt++
	}
	return nil
}

// Depth counts queued events.
func (b *MemoryBus) Depth(context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.status == "queued" {
			n++
		}
	}
	return n, nil
}

// Ping always succeeds.
func (b *MemoryBus) Ping(context.Context) error { return nil }

// Events returns a snapshot of every accepted event, including finished
// ones, in acceptance order. Used by dev tooling and tests.
func (b *MemoryBus) Events() []models.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := make([]*memoryEvent, 0, len(b.events))
	for _, e := range b.events {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].enqueuedAt < entries[j].enqueuedAt })
	out := make([]models.Event, len(entries))
	for i, e := range entries {
		out[i] = e.evt
	}
	return out
}

// Published returns the accepted events with the given name.
func (b *MemoryBus) Published(name string) []models.Event {
	var out []models.Event
	for _, e := range b.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

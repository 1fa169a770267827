package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/pohlai88/accounts-worker/internal/clock"
	"github.com/pohlai88/accounts-worker/internal/models"
)

// PostgresBus persists the event queue in a bus_events table. Visibility
// is driven by scheduled_for, leasing by leased_until with
// FOR UPDATE SKIP LOCKED so each visible event goes to exactly one worker.
type PostgresBus struct {
	db      *sqlx.DB
	deduper Deduper
	clk     clock.Clock
	logger  *zap.Logger
	window  time.Duration
}

type busRow struct {
	ID             string         `db:"id"`
	Name           string         `db:"name"`
	Data           []byte         `db:"data"`
	IdempotencyKey sql.NullString `db:"idempotency_key"`
	UserID         sql.NullString `db:"user_id"`
	ScheduledFor   time.Time      `db:"scheduled_for"`
	Attempt        int            `db:"attempt"`
	Status         string         `db:"status"`
	LeasedUntil    sql.NullTime   `db:"leased_until"`
}

// NewPostgresBus creates a Postgres-backed bus sharing the worker's
// database handle.
func NewPostgresBus(db *sqlx.DB, deduper Deduper, clk clock.Clock, window time.Duration, logger *zap.Logger) *PostgresBus {
	return &PostgresBus{
		db:      db,
		deduper: deduper,
		clk:     clk,
		logger:  logger.With(zap.String("component", "bus")),
		window:  window,
	}
}

// Publish accepts an event, collapsing duplicates by idempotency key
// within the retention window.
func (b *PostgresBus) Publish(ctx context.Context, evt models.Event) (PublishResult, error) {
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
			return PublishResult{}, fmt.Errorf("idempotency backend unavailable: %w", err)
		}
		if dup {
			return PublishResult{EventID: priorID, Duplicate: true}, nil
		}
	}

	data, err := json.Marshal(evt.Data)
	if err != nil {
		return PublishResult{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	query := `
		INSERT INTO bus_events (id, name, data, idempotency_key, user_id, scheduled_for, attempt, status)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, 'queued')
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := b.db.ExecContext(ctx, query,
		evt.ID, evt.Name, data, evt.IdempotencyKey, evt.UserID, evt.ScheduledFor, evt.Attempt); err != nil {
		return PublishResult{}, fmt.Errorf("failed to persist event: %w", err)
	}

	b.logger.Debug("Event published",
		zap.String("event_id", evt.ID),
		zap.String("name", evt.Name),
		zap.Time("scheduled_for", evt.ScheduledFor),
	)
	return PublishResult{EventID: evt.ID}, nil
}

// NextVisible leases the oldest visible event. Expired leases are
// reclaimed by the same query, which keeps delivery at-least-once after a
// worker crash.
func (b *PostgresBus) NextVisible(ctx context.Context, leaseFor time.Duration) (*models.Event, error) {
	now := b.clk.Now()

	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin lease transaction: %w", err)
	}
	defer tx.Rollback()

	var row busRow
	query := `
		SELECT id, name, data, idempotency_key, user_id, scheduled_for, attempt, status, leased_until
		FROM bus_events
		WHERE status = 'queued'
		  AND scheduled_for <= $1
		  AND (leased_until IS NULL OR leased_until <= $1)
		ORDER BY scheduled_for ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`
	if err := tx.GetContext(ctx, &row, query, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find visible event: %w", err)
	}

	deadline := now.Add(leaseFor)
	if _, err := tx.ExecContext(ctx,
		`UPDATE bus_events SET leased_until = $1 WHERE id = $2`, deadline, row.ID); err != nil {
		return nil, fmt.Errorf("failed to lease event %s: %w", row.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit lease: %w", err)
	}

	evt := &models.Event{
		ID:             row.ID,
		Name:           row.Name,
		IdempotencyKey: row.IdempotencyKey.String,
		UserID:         row.UserID.String,
		ScheduledFor:   row.ScheduledFor,
		Attempt:        row.Attempt,
	}
	if len(row.Data) > 0 {
		if err := json.Unmarshal(row.Data, &evt.Data); err != nil {
			return nil, fmt.Errorf("failed to decode event %s data: %w", row.ID, err)
		}
	}
	return evt, nil
}

// Ack finalizes a delivered event.
func (b *PostgresBus) Ack(ctx context.Context, eventID string) error {
	if _, err := b.db.ExecContext(ctx,
		`UPDATE bus_events SET status = 'done', leased_until = NULL WHERE id = $1`, eventID); err != nil {
		return fmt.Errorf("failed to ack event %s: %w", eventID, err)
	}
	return nil
}

// Nack re-queues an event, visible again at visibleAfter, and bumps the
// delivery attempt counter.
func (b *PostgresBus) Nack(ctx context.Context, eventID, reason string, visibleAfter time.Time) error {
	if _, err := b.db.ExecContext(ctx, `
		UPDATE bus_events
		SET status = 'queued', leased_until = NULL, scheduled_for = $1, attempt = attempt + 1
		WHERE id = $2
	`, visibleAfter, eventID); err != nil {
		return fmt.Errorf("failed to nack event %s: %w", eventID, err)
	}
	b.logger.Debug("Event re-queued",
		zap.String("event_id", eventID),
		zap.String("reason", reason),
		zap.Time("visible_after", visibleAfter),
	)
	return nil
}

// Depth counts queued and in-flight events.
func (b *PostgresBus) Depth(ctx context.Context) (int, error) {
	var n int
	if err := b.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM bus_events WHERE status = 'queued'`); err != nil {
		return 0, fmt.Errorf("failed to count queued events: %w", err)
	}
	return n, nil
}

// Ping checks database reachability.
func (b *PostgresBus) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

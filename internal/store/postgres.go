package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/pohlai88/accounts-worker/internal/clock"
	"github.com/pohlai88/accounts-worker/internal/models"
)

// Postgres implements Store on PostgreSQL via sqlx.
type Postgres struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewPostgres connects to the database and configures the pool.
func NewPostgres(databaseURL string, logger *zap.Logger) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Postgres{db: db, logger: logger}, nil
}

// DB exposes the underlying handle so the bus can share the pool.
func (p *Postgres) DB() *sqlx.DB { return p.db }

// Close closes the database connection.
func (p *Postgres) Close() error { return p.db.Close() }

// Ping checks database connectivity.
func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// GetOrCreateRun returns the run for (functionID, eventID), creating it in
// the running state when none exists. The second result reports creation.
func (p *Postgres) GetOrCreateRun(ctx context.Context, functionID, eventID string, now time.Time) (*models.WorkflowRun, bool, error) {
	run := &models.WorkflowRun{
		ID:         clock.NewID(),
		FunctionID: functionID,
		EventID:    eventID,
		Status:     models.RunStatusRunning,
		Attempt:    1,
		StartedAt:  now,
	}
	query := `
		INSERT INTO workflow_runs (id, function_id, event_id, status, attempt, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (function_id, event_id) DO NOTHING
	`
	res, err := p.db.ExecContext(ctx, query,
		run.ID, run.FunctionID, run.EventID, run.Status, run.Attempt, run.StartedAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create workflow run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return run, true, nil
	}

	var existing models.WorkflowRun
	if err := p.db.GetContext(ctx, &existing,
		`SELECT * FROM workflow_runs WHERE function_id = $1 AND event_id = $2`, functionID, eventID); err != nil {
		return nil, false, fmt.Errorf("failed to load workflow run: %w", err)
	}
	return &existing, false, nil
}

// GetRun retrieves a run by id.
func (p *Postgres) GetRun(ctx context.Context, runID string) (*models.WorkflowRun, error) {
	var run models.WorkflowRun
	if err := p.db.GetContext(ctx, &run, `SELECT * FROM workflow_runs WHERE id = $1`, runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	return &run, nil
}

// nonTerminal guards every status transition; terminal runs are immutable.
const nonTerminal = `status NOT IN ('succeeded', 'failed', 'cancelled')`

func (p *Postgres) transition(ctx context.Context, runID, query string, args ...any) error {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTerminal
	}
	return nil
}

// MarkRunRunning moves a run into the running state for the given attempt.
func (p *Postgres) MarkRunRunning(ctx context.Context, runID string, attempt int) error {
	return p.transition(ctx, runID,
		`UPDATE workflow_runs SET status = 'running', attempt = $2, wake_at = NULL WHERE id = $1 AND `+nonTerminal,
		runID, attempt)
}

// MarkRunSleeping checkpoints a suspended run with its wake time.
func (p *Postgres) MarkRunSleeping(ctx context.Context, runID string, wakeAt time.Time) error {
	return p.transition(ctx, runID,
		`UPDATE workflow_runs SET status = 'sleeping', wake_at = $2 WHERE id = $1 AND `+nonTerminal,
		runID, wakeAt)
}

// MarkRunBackoff parks a run waiting out its retry backoff with the
// attempt counter already advanced.
func (p *Postgres) MarkRunBackoff(ctx context.Context, runID string, nextAttempt int, wakeAt time.Time) error {
	return p.transition(ctx, runID,
		`UPDATE workflow_runs SET status = 'sleeping', attempt = $2, wake_at = $3 WHERE id = $1 AND `+nonTerminal,
		runID, nextAttempt, wakeAt)
}

// MarkRunSucceeded finalizes a run.
func (p *Postgres) MarkRunSucceeded(ctx context.Context, runID string, endedAt time.Time) error {
	return p.transition(ctx, runID,
		`UPDATE workflow_runs SET status = 'succeeded', ended_at = $2, wake_at = NULL WHERE id = $1 AND `+nonTerminal,
		runID, endedAt)
}

// MarkRunFailed finalizes a run with its terminal error.
func (p *Postgres) MarkRunFailed(ctx context.Context, runID, finalError string, endedAt time.Time) error {
	return p.transition(ctx, runID,
		`UPDATE workflow_runs SET status = 'failed', final_error = $2, ended_at = $3, wake_at = NULL WHERE id = $1 AND `+nonTerminal,
		runID, finalError, endedAt)
}

// MarkRunCancelled finalizes an admin-killed run.
func (p *Postgres) MarkRunCancelled(ctx context.Context, runID string, endedAt time.Time) error {
	return p.transition(ctx, runID,
		`UPDATE workflow_runs SET status = 'cancelled', ended_at = $2, wake_at = NULL WHERE id = $1 AND `+nonTerminal,
		runID, endedAt)
}

// RecordRunError stores the most recent attempt error.
func (p *Postgres) RecordRunError(ctx context.Context, runID, lastError string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE workflow_runs SET last_error = $2 WHERE id = $1`, runID, lastError)
	if err != nil {
		return fmt.Errorf("failed to record run error: %w", err)
	}
	return nil
}

// ListMemos returns all memoized steps for a run.
func (p *Postgres) ListMemos(ctx context.Context, runID string) ([]models.StepMemo, error) {
	var memos []models.StepMemo
	query := `SELECT * FROM step_memos WHERE run_id = $1 ORDER BY completed_at`
	if err := p.db.SelectContext(ctx, &memos, query, runID); err != nil {
		return nil, fmt.Errorf("failed to list memos for run %s: %w", runID, err)
	}
	return memos, nil
}

// UpsertMemo persists a step outcome as a single-row upsert keyed by
// (run_id, step_name).
func (p *Postgres) UpsertMemo(ctx context.Context, memo models.StepMemo) error {
	query := `
		INSERT INTO step_memos (run_id, step_name, kind, attempt, completed_at, result_json, error_json, wake_at)
		VALUES (:run_id, :step_name, :kind, :attempt, :completed_at, :result_json, :error_json, :wake_at)
		ON CONFLICT (run_id, step_name) DO UPDATE
		SET kind = EXCLUDED.kind, attempt = EXCLUDED.attempt, completed_at = EXCLUDED.completed_at,
		    result_json = EXCLUDED.result_json, error_json = EXCLUDED.error_json, wake_at = EXCLUDED.wake_at
	`
	if _, err := p.db.NamedExecContext(ctx, query, memo); err != nil {
		return fmt.Errorf("failed to upsert memo %s/%s: %w", memo.RunID, memo.StepName, err)
	}
	return nil
}

// InsertDLQ persists a dead-letter record.
func (p *Postgres) InsertDLQ(ctx context.Context, rec models.DLQRecord) error {
	query := `
		INSERT INTO dead_letter_queue (id, function_id, run_id, original_event, error_message, error_stack,
			attempt_count, failed_at, status, tenant_id, company_id, recovery_action, retry_count, last_retry_at)
		VALUES (:id, :function_id, :run_id, :original_event, :error_message, :error_stack,
			:attempt_count, :failed_at, :status, :tenant_id, :company_id, :recovery_action, :retry_count, :last_retry_at)
	`
	if _, err := p.db.NamedExecContext(ctx, query, rec); err != nil {
		return fmt.Errorf("failed to insert DLQ record: %w", err)
	}
	return nil
}

// GetDLQ retrieves a dead-letter record by id.
func (p *Postgres) GetDLQ(ctx context.Context, id string) (*models.DLQRecord, error) {
	var rec models.DLQRecord
	if err := p.db.GetContext(ctx, &rec, `SELECT * FROM dead_letter_queue WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load DLQ record %s: %w", id, err)
	}
	return &rec, nil
}

// MarkDLQRetrying records an automatic retry in progress.
func (p *Postgres) MarkDLQRetrying(ctx context.Context, id string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE dead_letter_queue
		SET status = 'retrying', retry_count = retry_count + 1, last_retry_at = $2, recovery_action = 'auto_retry'
		WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark DLQ record %s retrying: %w", id, err)
	}
	return nil
}

// MarkDLQManualReview parks a record for an admin.
func (p *Postgres) MarkDLQManualReview(ctx context.Context, id, reason string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE dead_letter_queue SET status = 'manual_review', recovery_action = $2 WHERE id = $1
	`, id, reason)
	if err != nil {
		return fmt.Errorf("failed to mark DLQ record %s for manual review: %w", id, err)
	}
	return nil
}

// MarkDLQResolved closes a record.
func (p *Postgres) MarkDLQResolved(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE dead_letter_queue SET status = 'resolved' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to resolve DLQ record %s: %w", id, err)
	}
	return nil
}

// PurgeResolvedDLQBefore deletes resolved records older than cutoff.
func (p *Postgres) PurgeResolvedDLQBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM dead_letter_queue WHERE status = 'resolved' AND failed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge DLQ records: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountDLQForRun counts records already created for a run.
func (p *Postgres) CountDLQForRun(ctx context.Context, runID string) (int, error) {
	var n int
	if err := p.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM dead_letter_queue WHERE run_id = $1`, runID); err != nil {
		return 0, fmt.Errorf("failed to count DLQ records for run %s: %w", runID, err)
	}
	return n, nil
}

// UpsertFxRates stores a batch of rates, closing out prior validity.
func (p *Postgres) UpsertFxRates(ctx context.Context, rates []models.FxRateRecord) (int, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin fx upsert: %w", err)
	}
	defer tx.Rollback()

	stored := 0
	for _, r := range rates {
		if _, err := tx.ExecContext(ctx, `
			UPDATE fx_rates SET valid_to = $3
			WHERE from_currency = $1 AND to_currency = $2 AND valid_to IS NULL
		`, r.FromCurrency, r.ToCurrency, r.ValidFrom); err != nil {
			return 0, fmt.Errorf("failed to close prior rate %s/%s: %w", r.FromCurrency, r.ToCurrency, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO fx_rates (from_currency, to_currency, rate, source, timestamp, valid_from, valid_to)
			VALUES ($1, $2, $3, $4, $5, $6, NULL)
		`, r.FromCurrency, r.ToCurrency, r.Rate, r.Source, r.Timestamp, r.ValidFrom); err != nil {
			return 0, fmt.Errorf("failed to insert rate %s/%s: %w", r.FromCurrency, r.ToCurrency, err)
		}
		stored++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit fx upsert: %w", err)
	}
	return stored, nil
}

// FreshestFxAge returns the age of the newest stored rate. Returns
// ErrNotFound when no rates exist at all.
func (p *Postgres) FreshestFxAge(ctx context.Context, now time.Time) (time.Duration, error) {
	var newest sql.NullTime
	if err := p.db.GetContext(ctx, &newest, `SELECT MAX(timestamp) FROM fx_rates`); err != nil {
		return 0, fmt.Errorf("failed to query freshest fx rate: %w", err)
	}
	if !newest.Valid {
		return 0, ErrNotFound
	}
	return now.Sub(newest.Time), nil
}

// ListFxRates returns the currently valid rates from the given base.
func (p *Postgres) ListFxRates(ctx context.Context, base string) ([]models.FxRateRecord, error) {
	var rates []models.FxRateRecord
	query := `SELECT * FROM fx_rates WHERE from_currency = $1 AND valid_to IS NULL ORDER BY to_currency`
	if err := p.db.SelectContext(ctx, &rates, query, base); err != nil {
		return nil, fmt.Errorf("failed to list fx rates from %s: %w", base, err)
	}
	return rates, nil
}

// GetAttachment retrieves an attachment row.
func (p *Postgres) GetAttachment(ctx context.Context, id string) (*models.Attachment, error) {
	var att models.Attachment
	if err := p.db.GetContext(ctx, &att, `SELECT * FROM attachments WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load attachment %s: %w", id, err)
	}
	return &att, nil
}

// InsertAttachment creates an attachment row.
func (p *Postgres) InsertAttachment(ctx context.Context, att models.Attachment) error {
	query := `
		INSERT INTO attachments (id, tenant_id, company_id, entity_type, entity_id, file_name, file_path,
			file_type, file_size, created_by, created_at, metadata)
		VALUES (:id, :tenant_id, :company_id, :entity_type, :entity_id, :file_name, :file_path,
			:file_type, :file_size, :created_by, :created_at, :metadata)
	`
	if _, err := p.db.NamedExecContext(ctx, query, att); err != nil {
		return fmt.Errorf("failed to insert attachment: %w", err)
	}
	return nil
}

// UpdateAttachmentMetadata replaces the metadata document.
func (p *Postgres) UpdateAttachmentMetadata(ctx context.Context, id string, metadata []byte) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE attachments SET metadata = $2 WHERE id = $1`, id, metadata)
	if err != nil {
		return fmt.Errorf("failed to update attachment %s metadata: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

package store

import (
	"context"
	"errors"
	"time"

	"github.com/pohlai88/accounts-worker/internal/models"
)

// ErrNotFound is returned for point lookups that match nothing.
var ErrNotFound = errors.New("record not found")

// ErrTerminal is returned when an update would move a run out of a
// terminal state.
var ErrTerminal = errors.New("run is in a terminal state")

// Store is the row-storage port: workflow runs, step memos, DLQ records,
// and the domain tables the included workflows touch. Implementations
// must make memo upserts transactional per step completion.
type Store interface {
	// Runs. The step executor exclusively owns mutation.
	GetOrCreateRun(ctx context.Context, functionID, eventID string, now time.Time) (*models.WorkflowRun, bool, error)
	GetRun(ctx context.Context, runID string) (*models.WorkflowRun, error)
	MarkRunRunning(ctx context.Context, runID string, attempt int) error
	MarkRunSleeping(ctx context.Context, runID string, wakeAt time.Time) error
	MarkRunBackoff(ctx context.Context, runID string, nextAttempt int, wakeAt time.Time) error
	MarkRunSucceeded(ctx context.Context, runID string, endedAt time.Time) error
	MarkRunFailed(ctx context.Context, runID string, finalError string, endedAt time.Time) error
	MarkRunCancelled(ctx context.Context, runID string, endedAt time.Time) error
	RecordRunError(ctx context.Context, runID string, lastError string) error

	// Step memos, keyed (runID, stepName).
	ListMemos(ctx context.Context, runID string) ([]models.StepMemo, error)
	UpsertMemo(ctx context.Context, memo models.StepMemo) error

	// DLQ. The DLQ handler exclusively owns mutation.
	InsertDLQ(ctx context.Context, rec models.DLQRecord) error
	GetDLQ(ctx context.Context, id string) (*models.DLQRecord, error)
	MarkDLQRetrying(ctx context.Context, id string, at time.Time) error
	MarkDLQManualReview(ctx context.Context, id string, reason string) error
	MarkDLQResolved(ctx context.Context, id string) error
	PurgeResolvedDLQBefore(ctx context.Context, cutoff time.Time) (int, error)
	CountDLQForRun(ctx context.Context, runID string) (int, error)

	// FX rates.
	UpsertFxRates(ctx context.Context, rates []models.FxRateRecord) (int, error)
	FreshestFxAge(ctx context.Context, now time.Time) (time.Duration, error)
	ListFxRates(ctx context.Context, base string) ([]models.FxRateRecord, error)

	// Attachments. Approval workflow state lives in metadata.
	GetAttachment(ctx context.Context, id string) (*models.Attachment, error)
	InsertAttachment(ctx context.Context, att models.Attachment) error
	UpdateAttachmentMetadata(ctx context.Context, id string, metadata []byte) error

	// Ping checks storage reachability.
	Ping(ctx context.Context) error
}

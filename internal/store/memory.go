package store

import (
	"context"
	"sync"
	"time"

	"github.com/pohlai88/accounts-worker/internal/clock"
	"github.com/pohlai88/accounts-worker/internal/models"
)

// Memory implements Store in process memory for tests and dev mode. All
// methods are safe for concurrent use.
type Memory struct {
	mu          sync.Mutex
	runs        map[string]*models.WorkflowRun
	runsByKey   map[string]string // functionID+"\x00"+eventID -> runID
	memos       map[string]map[string]models.StepMemo
	dlq         map[string]*models.DLQRecord
	fxRates     []models.FxRateRecord
	attachments map[string]*models.Attachment
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		runs:        make(map[string]*models.WorkflowRun),
		runsByKey:   make(map[string]string),
		memos:       make(map[string]map[string]models.StepMemo),
		dlq:         make(map[string]*models.DLQRecord),
		attachments: make(map[string]*models.Attachment),
	}
}

func runKey(functionID, eventID string) string { return functionID + "\x00" + eventID }

// GetOrCreateRun returns the run for (functionID, eventID), creating one
// when absent.
func (m *Memory) GetOrCreateRun(_ context.Context, functionID, eventID string, now time.Time) (*models.WorkflowRun, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.runsByKey[runKey(functionID, eventID)]; ok {
		cp := *m.runs[id]
		return &cp, false, nil
	}
	run := &models.WorkflowRun{
		ID:         clock.NewID(),
		FunctionID: functionID,
		EventID:    eventID,
		Status:     models.RunStatusRunning,
		Attempt:    1,
		StartedAt:  now,
	}
	m.runs[run.ID] = run
	m.runsByKey[runKey(functionID, eventID)] = run.ID
	cp := *run
	return &cp, true, nil
}

// GetRun retrieves a run by id.
func (m *Memory) GetRun(_ context.Context, runID string) (*models.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (m *Memory) mutateRun(runID string, fn func(*models.WorkflowRun)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	if run.Status.Terminal() {
		return ErrTerminal
	}
	fn(run)
	return nil
}

// MarkRunRunning moves a run into the running state.
func (m *Memory) MarkRunRunning(_ context.Context, runID string, attempt int) error {
	return m.mutateRun(runID, func(r *models.WorkflowRun) {
		r.Status = models.RunStatusRunning
		r.Attempt = attempt
		r.WakeAt = nil
	})
}

// MarkRunSleeping checkpoints a suspended run.
func (m *Memory) MarkRunSleeping(_ context.Context, runID string, wakeAt time.Time) error {
	return m.mutateRun(runID, func(r *models.WorkflowRun) {
		r.Status = models.RunStatusSleeping
		r.WakeAt = &wakeAt
	})
}

// MarkRunBackoff parks a run waiting out its retry backoff.
func (m *Memory) MarkRunBackoff(_ context.Context, runID string, nextAttempt int, wakeAt time.Time) error {
	return m.mutateRun(runID, func(r *models.WorkflowRun) {
		r.Status = models.RunStatusSleeping
		r.Attempt = nextAttempt
		r.WakeAt = &wakeAt
	})
}

// MarkRunSucceeded finalizes a run.
func (m *Memory) MarkRunSucceeded(_ context.Context, runID string, endedAt time.Time) error {
	return m.mutateRun(runID, func(r *models.WorkflowRun) {
		r.Status = models.RunStatusSucceeded
		r.EndedAt = &endedAt
		r.WakeAt = nil
	})
}

// MarkRunFailed finalizes a run with its terminal error.
func (m *Memory) MarkRunFailed(_ context.Context, runID, finalError string, endedAt time.Time) error {
	return m.mutateRun(runID, func(r *models.WorkflowRun) {
		r.Status = models.RunStatusFailed
		r.FinalError = &finalError
		r.EndedAt = &endedAt
		r.WakeAt = nil
	})
}

// MarkRunCancelled finalizes an admin-killed run.
func (m *Memory) MarkRunCancelled(_ context.Context, runID string, endedAt time.Time) error {
	return m.mutateRun(runID, func(r *models.WorkflowRun) {
		r.Status = models.RunStatusCancelled
		r.EndedAt = &endedAt
		r.WakeAt = nil
	})
}

// RecordRunError stores the most recent attempt error.
func (m *Memory) RecordRunError(_ context.Context, runID, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	run.LastError = &lastError
	return nil
}

// ListMemos returns all memoized steps for a run.
func (m *Memory) ListMemos(_ context.Context, runID string) ([]models.StepMemo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.StepMemo
	for _, memo := range m.memos[runID] {
		out = append(out, memo)
	}
	return out, nil
}

// UpsertMemo persists a step outcome.
func (m *Memory) UpsertMemo(_ context.Context, memo models.StepMemo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.memos[memo.RunID] == nil {
		m.memos[memo.RunID] = make(map[string]models.StepMemo)
	}
	m.memos[memo.RunID][memo.StepName] = memo
	return nil
}

// InsertDLQ persists a dead-letter record.
func (m *Memory) InsertDLQ(_ context.Context, rec models.DLQRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := rec
	m.dlq[rec.ID] = &cp
	return nil
}

// GetDLQ retrieves a dead-letter record.
func (m *Memory) GetDLQ(_ context.Context, id string) (*models.DLQRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.dlq[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// MarkDLQRetrying records an automatic retry in progress.
func (m *Memory) MarkDLQRetrying(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.dlq[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = models.DLQStatusRetrying
	rec.RetryCount++
	rec.LastRetryAt = &at
	rec.RecoveryAction = "auto_retry"
	return nil
}

// MarkDLQManualReview parks a record for an admin.
func (m *Memory) MarkDLQManualReview(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.dlq[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = models.DLQStatusManualReview
	rec.RecoveryAction = reason
	return nil
}

// MarkDLQResolved closes a record.
func (m *Memory) MarkDLQResolved(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.dlq[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = models.DLQStatusResolved
	return nil
}

// PurgeResolvedDLQBefore deletes resolved records older than cutoff.
func (m *Memory) PurgeResolvedDLQBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, rec := range m.dlq {
		if rec.Status == models.DLQStatusResolved && rec.FailedAt.Before(cutoff) {
			delete(m.dlq, id)
			n++
		}
	}
	return n, nil
}

// CountDLQForRun counts records already created for a run.
func (m *Memory) CountDLQForRun(_ context.Context, runID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.dlq {
		if rec.RunID == runID {
			n++
		}
	}
	return n, nil
}

// DLQRecords returns a snapshot of all records, for tests.
func (m *Memory) DLQRecords() []models.DLQRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.DLQRecord
	for _, rec := range m.dlq {
		out = append(out, *rec)
	}
	return out
}

// UpsertFxRates stores a batch of rates, closing out prior validity.
func (m *Memory) UpsertFxRates(_ context.Context, rates []models.FxRateRecord) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rates {
		for i := range m.fxRates {
			if m.fxRates[i].FromCurrency == r.FromCurrency && m.fxRates[i].ToCurrency == r.ToCurrency && m.fxRates[i].ValidTo == nil {
				vt := r.ValidFrom
				m.fxRates[i].ValidTo = &vt
			}
		}
		m.fxRates = append(m.fxRates, r)
	}
	return len(rates), nil
}

// FreshestFxAge returns the age of the newest stored rate.
func (m *Memory) FreshestFxAge(_ context.Context, now time.Time) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var newest time.Time
	for _, r := range m.fxRates {
		if r.Timestamp.After(newest) {
			newest = r.Timestamp
		}
	}
	if newest.IsZero() {
		return 0, ErrNotFound
	}
	return now.Sub(newest), nil
}

// ListFxRates returns the currently valid rates from the given base.
func (m *Memory) ListFxRates(_ context.Context, base string) ([]models.FxRateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.FxRateRecord
	for _, r := range m.fxRates {
		if r.FromCurrency == base && r.ValidTo == nil {
			out = append(out, r)
		}
	}
	return out, nil
}

// GetAttachment retrieves an attachment row.
func (m *Memory) GetAttachment(_ context.Context, id string) (*models.Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	att, ok := m.attachments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *att
	cp.Metadata = append([]byte(nil), att.Metadata...)
	return &cp, nil
}

// InsertAttachment creates an attachment row.
func (m *Memory) InsertAttachment(_ context.Context, att models.Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := att
	m.attachments[att.ID] = &cp
	return nil
}

// Attachments returns a snapshot of all rows, for tests.
func (m *Memory) Attachments() []models.Attachment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Attachment
	for _, att := range m.attachments {
		out = append(out, *att)
	}
	return out
}

// UpdateAttachmentMetadata replaces the metadata document.
func (m *Memory) UpdateAttachmentMetadata(_ context.Context, id string, metadata []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	att, ok := m.attachments[id]
	if !ok {
		return ErrNotFound
	}
	att.Metadata = append([]byte(nil), metadata...)
	return nil
}

// Ping always succeeds for the in-memory store.
func (m *Memory) Ping(context.Context) error { return nil }

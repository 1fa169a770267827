package models

import (
	"time"
)

// Event names accepted or emitted by the worker.
const (
	EventFxIngestCron      = "fx/ingest.cron"
	EventFxIngestManual    = "fx/ingest.manual"
	EventFxStalenessCron   = "fx/staleness.cron"
	EventFxRatesIngested   = "fx/rates.ingested"
	EventPdfGenerate       = "pdf/generate"
	EventPdfGenerated      = "pdf/generated"
	EventEmailSend         = "email/send"
	EventInvoiceApproved   = "accounting.invoice.approved"
	EventDocApprovalStart  = "document/approval.start"
	EventDocApprovalVote   = "document/approval.decision"
	EventDocApprovalRemind = "document/approval.reminder"
	EventDocApproved       = "document/approved"
	EventFunctionFailed    = "inngest/function.failed"
	EventDLQRetry          = "dlq/retry"
)

// Event is a single unit of work flowing through the bus. Events are
// immutable once accepted; identity is ID.
type Event struct {
	ID             string         `json:"id" db:"id"`
	Name           string         `json:"name" db:"name"`
	Data           map[string]any `json:"data"`
	IdempotencyKey string         `json:"idempotency_key,omitempty" db:"idempotency_key"`
	UserID         string         `json:"user_id,omitempty" db:"user_id"`
	ScheduledFor   time.Time      `json:"scheduled_for" db:"scheduled_for"`
	Attempt        int            `json:"attempt" db:"attempt"`
}

// ExecutionStatus is the lifecycle state of a workflow run.
type ExecutionStatus string

const (
	RunStatusRunning   ExecutionStatus = "running"
	RunStatusSleeping  ExecutionStatus = "sleeping"
	RunStatusSucceeded ExecutionStatus = "succeeded"
	RunStatusFailed    ExecutionStatus = "failed"
	RunStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether a run in this status can no longer make progress.
func (s ExecutionStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// WorkflowRun represents one top-level execution of a function for a
// specific triggering event. The step executor exclusively owns mutation.
type WorkflowRun struct {
	ID         string          `json:"id" db:"id"`
	FunctionID string          `json:"function_id" db:"function_id"`
	EventID    string          `json:"event_id" db:"event_id"`
	Status     ExecutionStatus `json:"status" db:"status"`
	Attempt    int             `json:"attempt" db:"attempt"`
	WakeAt     *time.Time      `json:"wake_at,omitempty" db:"wake_at"`
	StartedAt  time.Time       `json:"started_at" db:"started_at"`
	EndedAt    *time.Time      `json:"ended_at,omitempty" db:"ended_at"`
	LastError  *string         `json:"last_error,omitempty" db:"last_error"`
	FinalError *string         `json:"final_error,omitempty" db:"final_error"`
}

// StepKind discriminates what a memoized step recorded.
type StepKind string

const (
	StepKindRun   StepKind = "run"
	StepKindSleep StepKind = "sleep"
	StepKindSend  StepKind = "send"
)

// StepMemo is the persisted outcome of a single named step within a run.
// Primary key is (RunID, StepName). A memo exists iff the step returned
// successfully or failed terminally; sleep steps memoize the wake time.
type StepMemo struct {
	RunID       string    `json:"run_id" db:"run_id"`
	StepName    string    `json:"step_name" db:"step_name"`
	Kind        StepKind  `json:"kind" db:"kind"`
	Attempt     int       `json:"attempt" db:"attempt"`
	CompletedAt time.Time `json:"completed_at" db:"completed_at"`
	ResultJSON  []byte    `json:"result_json,omitempty" db:"result_json"`
	ErrorJSON   []byte    `json:"error_json,omitempty" db:"error_json"`
	WakeAt      *time.Time `json:"wake_at,omitempty" db:"wake_at"`
}

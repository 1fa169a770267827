package models

import (
	"time"
)

// DLQStatus is the triage state of a dead-letter record.
type DLQStatus string

const (
	DLQStatusFailed       DLQStatus = "failed"
	DLQStatusRetrying     DLQStatus = "retrying"
	DLQStatusManualReview DLQStatus = "manual_review"
	DLQStatusResolved     DLQStatus = "resolved"
)

// DLQRecord captures a run that exhausted its retries. The DLQ handler
// exclusively owns mutation.
type DLQRecord struct {
	ID             string     `json:"id" db:"id"`
	FunctionID     string     `json:"function_id" db:"function_id"`
	RunID          string     `json:"run_id" db:"run_id"`
	OriginalEvent  []byte     `json:"original_event" db:"original_event"`
	ErrorMessage   string     `json:"error_message" db:"error_message"`
	ErrorStack     string     `json:"error_stack,omitempty" db:"error_stack"`
	AttemptCount   int        `json:"attempt_count" db:"attempt_count"`
	FailedAt       time.Time  `json:"failed_at" db:"failed_at"`
	Status         DLQStatus  `json:"status" db:"status"`
	TenantID       string     `json:"tenant_id,omitempty" db:"tenant_id"`
	CompanyID      string     `json:"company_id,omitempty" db:"company_id"`
	RecoveryAction string     `json:"recovery_action,omitempty" db:"recovery_action"`
	RetryCount     int        `json:"retry_count" db:"retry_count"`
	LastRetryAt    *time.Time `json:"last_retry_at,omitempty" db:"last_retry_at"`
}

package models

import (
	"time"
)

// WorkflowType selects how approver stages are evaluated.
type WorkflowType string

const (
	WorkflowTypeSingleApprover WorkflowType = "single_approver"
	WorkflowTypeMultiStage     WorkflowType = "multi_stage"
	WorkflowTypeParallel       WorkflowType = "parallel"
)

// ApprovalStatus is the lifecycle state of a document approval workflow.
type ApprovalStatus string

const (
	ApprovalInProgress ApprovalStatus = "in_progress"
	ApprovalCompleted  ApprovalStatus = "completed"
	ApprovalRejected   ApprovalStatus = "rejected"
)

// ApproverStatus is the state of a single approver within a stage.
type ApproverStatus string

const (
	ApproverPending   ApproverStatus = "pending"
	ApproverApproved  ApproverStatus = "approved"
	ApproverRejected  ApproverStatus = "rejected"
	ApproverDelegated ApproverStatus = "delegated"
)

// Priority of a document approval workflow.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Approver is one participant in an approval stage.
type Approver struct {
	ID               string         `json:"id"`
	UserID           string         `json:"userId"`
	Email            string         `json:"email,omitempty"`
	Stage            int            `json:"stage"`
	Order            int            `json:"order"`
	Status           ApproverStatus `json:"status"`
	Decision         string         `json:"decision,omitempty"`
	Comments         string         `json:"comments,omitempty"`
	Conditions       string         `json:"conditions,omitempty"`
	DecidedAt        *time.Time     `json:"decidedAt,omitempty"`
	DelegatedTo      string         `json:"delegatedTo,omitempty"`
	DelegatedFrom    string         `json:"delegatedFrom,omitempty"`
	DelegationReason string         `json:"delegationReason,omitempty"`
}

// ApprovalWorkflow is the embedded approval state stored under an
// attachment's metadata. Once Status leaves in_progress the workflow is
// immutable.
type ApprovalWorkflow struct {
	ID                  string         `json:"id"`
	AttachmentID        string         `json:"attachmentId"`
	TenantID            string         `json:"tenantId"`
	WorkflowType        WorkflowType   `json:"workflowType"`
	Status              ApprovalStatus `json:"status"`
	Approvers           []Approver     `json:"approvers"`
	RequireAllApprovers bool           `json:"requireAllApprovers"`
	AllowSelfApproval   bool           `json:"allowSelfApproval"`
	Priority            Priority       `json:"priority"`
	DueDate             *time.Time     `json:"dueDate,omitempty"`
	CurrentStage        int            `json:"currentStage"`
	TotalStages         int            `json:"totalStages"`
	SubmittedAt         time.Time      `json:"submittedAt"`
	SubmittedBy         string         `json:"submittedBy"`
	CompletedAt         *time.Time     `json:"completedAt,omitempty"`
	FinalDecision       string         `json:"finalDecision,omitempty"`
	ReminderCount       int            `json:"reminderCount"`
	ReminderIntervalHrs int            `json:"reminderIntervalHours"`
}

// Active reports whether the workflow still accepts decisions.
func (w *ApprovalWorkflow) Active() bool {
	return w.Status == ApprovalInProgress
}

// StageApprovers returns the approvers assigned to the given stage.
func (w *ApprovalWorkflow) StageApprovers(stage int) []Approver {
	var out []Approver
	for _, a := range w.Approvers {
		if a.Stage == stage {
			out = append(out, a)
		}
	}
	return out
}

// PendingStageApprovers returns the current-stage approvers that have not
// decided yet.
func (w *ApprovalWorkflow) PendingStageApprovers() []Approver {
	var out []Approver
	for _, a := range w.Approvers {
		if a.Stage == w.CurrentStage && a.Status == ApproverPending {
			out = append(out, a)
		}
	}
	return out
}

// Attachment is a stored file row; approval workflow state lives under
// Metadata["approvalWorkflow"].
type Attachment struct {
	ID         string    `json:"id" db:"id"`
	TenantID   string    `json:"tenant_id" db:"tenant_id"`
	CompanyID  string    `json:"company_id" db:"company_id"`
	EntityType string    `json:"entity_type" db:"entity_type"`
	EntityID   string    `json:"entity_id" db:"entity_id"`
	FileName   string    `json:"file_name" db:"file_name"`
	FilePath   string    `json:"file_path" db:"file_path"`
	FileType   string    `json:"file_type" db:"file_type"`
	FileSize   int64     `json:"file_size" db:"file_size"`
	CreatedBy  string    `json:"created_by" db:"created_by"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	Metadata   []byte    `json:"metadata" db:"metadata"`
}

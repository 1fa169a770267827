package models

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Typed payload variants for the events this worker consumes. Handlers
// decode Event.Data into one of these before doing any work so that
// malformed input fails fast as a validation error.

// FxIngestPayload drives manual FX ingestion requests.
type FxIngestPayload struct {
	BaseCurrency     string   `mapstructure:"baseCurrency" validate:"omitempty,len=3"`
	TargetCurrencies []string `mapstructure:"targetCurrencies" validate:"dive,len=3"`
	ForceUpdate      bool     `mapstructure:"forceUpdate"`
	RequestedBy      string   `mapstructure:"requestedBy"`
}

// PdfGeneratePayload drives the pdf-generation workflow.
type PdfGeneratePayload struct {
	TemplateType string         `mapstructure:"templateType" validate:"required,oneof=invoice journal balance_sheet profit_loss"`
	Data         map[string]any `mapstructure:"data"`
	TenantID     string         `mapstructure:"tenantId" validate:"required"`
	CompanyID    string         `mapstructure:"companyId" validate:"required"`
	EntityID     string         `mapstructure:"entityId"`
	EntityType   string         `mapstructure:"entityType"`
}

// EmailSendPayload drives the email workflow.
type EmailSendPayload struct {
	To       string         `mapstructure:"to" validate:"required,email"`
	Subject  string         `mapstructure:"subject" validate:"required"`
	Template string         `mapstructure:"template" validate:"required"`
	Data     map[string]any `mapstructure:"data"`
	TenantID string         `mapstructure:"tenantId"`
	Priority string         `mapstructure:"priority"`
}

// InvoiceApprovedPayload drives the invoice-approved side effects.
type InvoiceApprovedPayload struct {
	InvoiceID     string         `mapstructure:"invoiceId" validate:"required"`
	TenantID      string         `mapstructure:"tenantId" validate:"required"`
	CustomerEmail string         `mapstructure:"customerEmail" validate:"omitempty,email"`
	IdemKey       string         `mapstructure:"idemKey"`
	Invoice       map[string]any `mapstructure:"invoice"`
}

// ApprovalStartPayload starts a document approval workflow.
type ApprovalStartPayload struct {
	AttachmentID         string     `mapstructure:"attachmentId" validate:"required"`
	TenantID             string     `mapstructure:"tenantId" validate:"required"`
	WorkflowType         string     `mapstructure:"workflowType" validate:"required,oneof=single_approver multi_stage parallel"`
	Approvers            []Approver `mapstructure:"approvers" validate:"min=1"`
	RequireAllApprovers  bool       `mapstructure:"requireAllApprovers"`
	AllowSelfApproval    bool       `mapstructure:"allowSelfApproval"`
	Priority             string     `mapstructure:"priority"`
	DueDate              string     `mapstructure:"dueDate"`
	SubmittedBy          string     `mapstructure:"submittedBy" validate:"required"`
	AutoApproveThreshold float64    `mapstructure:"autoApproveThreshold"`
	ReminderIntervalHrs  int        `mapstructure:"reminderIntervalHours"`
}

// ApprovalDecisionPayload records an approver's decision or delegation.
type ApprovalDecisionPayload struct {
	AttachmentID     string `mapstructure:"attachmentId" validate:"required"`
	UserID           string `mapstructure:"userId" validate:"required"`
	Decision         string `mapstructure:"decision" validate:"required,oneof=approve reject"`
	Comments         string `mapstructure:"comments"`
	Conditions       string `mapstructure:"conditions"`
	DelegateTo       string `mapstructure:"delegateTo"`
	DelegationReason string `mapstructure:"delegationReason"`
}

// ApprovalReminderPayload re-notifies pending approvers.
type ApprovalReminderPayload struct {
	AttachmentID string `mapstructure:"attachmentId" validate:"required"`
	TenantID     string `mapstructure:"tenantId"`
}

// FunctionFailedPayload is the terminal-failure envelope consumed by the
// DLQ handler.
type FunctionFailedPayload struct {
	FunctionID    string         `mapstructure:"function_id" validate:"required"`
	RunID         string         `mapstructure:"run_id" validate:"required"`
	Error         FailureDetail  `mapstructure:"error"`
	OriginalEvent map[string]any `mapstructure:"original_event"`
	AttemptCount  int            `mapstructure:"attempt_count"`
}

// FailureDetail carries the message and stack of a terminal failure.
type FailureDetail struct {
	Message string `mapstructure:"message"`
	Stack   string `mapstructure:"stack"`
}

// DLQRetryPayload schedules an automatic DLQ retry.
type DLQRetryPayload struct {
	DLQID         string         `mapstructure:"dlqId" validate:"required"`
	OriginalEvent map[string]any `mapstructure:"originalEvent" validate:"required"`
	RetryDelayMs  int64          `mapstructure:"retryDelay"`
	ErrorType     string         `mapstructure:"errorType"`
	PriorAttempts int            `mapstructure:"priorAttempts"`
}

// DecodePayload decodes an event's data map into a typed payload struct.
func DecodePayload(data map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to build payload decoder: %w", err)
	}
	if err := dec.Decode(data); err != nil {
		return fmt.Errorf("failed to decode event payload: %w", err)
	}
	return nil
}

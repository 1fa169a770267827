package workflows

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/pohlai88/accounts-worker/internal/clock"
	"github.com/pohlai88/accounts-worker/internal/config"
	"github.com/pohlai88/accounts-worker/internal/engine"
	"github.com/pohlai88/accounts-worker/internal/models"
	"github.com/pohlai88/accounts-worker/internal/store"
)

// Function ids of the document approval pipeline.
const (
	ApprovalStartFunctionID    = "document-approval-start"
	ApprovalDecisionFunctionID = "document-approval-decision"
	ApprovalReminderFunctionID = "document-approval-reminder"
)

// metadataWorkflowKey is where approval state lives inside attachment
// metadata.
const metadataWorkflowKey = "approvalWorkflow"

// ApprovalWorkflows owns the document approval state machine embedded in
// attachment metadata.
type ApprovalWorkflows struct {
	store    store.Store
	clk      clock.Clock
	validate *validator.Validate
	cfg      config.DocumentApprovalConfig
}

// NewApprovalWorkflows wires the document approval pipeline.
func NewApprovalWorkflows(st store.Store, clk clock.Clock, cfg config.DocumentApprovalConfig) *ApprovalWorkflows {
	if cfg.MaxReminders <= 0 {
		cfg.MaxReminders = 10
	}
	if cfg.DefaultReminderInterval <= 0 {
		cfg.DefaultReminderInterval = 24
	}
	return &ApprovalWorkflows{
		store:    st,
		clk:      clk,
		validate: validator.New(),
		cfg:      cfg,
	}
}

// Specs returns the approval function registrations.
func (w *ApprovalWorkflows) Specs() []engine.FunctionSpec {
	return []engine.FunctionSpec{
		{
			ID:          ApprovalStartFunctionID,
			Name:        "Document approval start",
			EventName:   models.EventDocApprovalStart,
			Retries:     2,
			Concurrency: 5,
			Handler:     w.Start,
		},
		{
			ID:          ApprovalDecisionFunctionID,
			Name:        "Document approval decision",
			EventName:   models.EventDocApprovalVote,
			Retries:     2,
			Concurrency: 1,
			Handler:     w.Decision,
		},
		{
			ID:          ApprovalReminderFunctionID,
			Name:        "Document approval reminder",
			EventName:   models.EventDocApprovalRemind,
			Retries:     2,
			Concurrency: 5,
			Handler:     w.Reminder,
		},
	}
}

// readWorkflow extracts the embedded approval state from metadata.
func readWorkflow(metadata []byte) (*models.ApprovalWorkflow, error) {
	res := gjson.GetBytes(metadata, metadataWorkflowKey)
	if !res.Exists() {
		return nil, nil
	}
	var wf models.ApprovalWorkflow
	if err := json.Unmarshal([]byte(res.Raw), &wf); err != nil {
		return nil, engine.Fatalf(engine.KindIntegrity, "corrupt approval workflow metadata: %v", err)
	}
	return &wf, nil
}

// writeWorkflow embeds the approval state into metadata.
func writeWorkflow(metadata []byte, wf *models.ApprovalWorkflow) ([]byte, error) {
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}
	out, err := sjson.SetBytes(metadata, metadataWorkflowKey, wf)
	if err != nil {
		return nil, engine.Fatalf(engine.KindIntegrity, "failed to embed approval workflow: %v", err)
	}
	return out, nil
}

// startOutcome is the memoized result of workflow creation.
type startOutcome struct {
	WorkflowID   string            `json:"workflowId"`
	AutoApproved bool              `json:"autoApproved"`
	Notify       []models.Approver `json:"notify"`
	ReminderAt   time.Time         `json:"reminderAt"`
	IntervalHrs  int               `json:"intervalHours"`
}

// Start validates the request, persists the workflow into attachment
// metadata (or auto-approves on OCR confidence), notifies the first
// stage, and schedules the first reminder.
func (w *ApprovalWorkflows) Start(ctx *engine.Context) (any, error) {
	var payload models.ApprovalStartPayload
	if err := models.DecodePayload(ctx.Event.Data, &payload); err != nil {
		return nil, engine.Fatal(engine.KindValidation, err)
	}
	if err := w.validate.Struct(payload); err != nil {
		return nil, engine.Fatalf(engine.KindValidation, "invalid approval.start payload: %v", err)
	}

	outRaw, err := ctx.Step.Run("create-workflow", func(c context.Context) (any, error) {
		att, err := w.store.GetAttachment(c, payload.AttachmentID)
		if err != nil {
			if err == store.ErrNotFound {
				return nil, engine.Fatalf(engine.KindValidation, "attachment %s not found", payload.AttachmentID)
			}
			return nil, engine.Transientf(engine.KindTemporary, "failed to load attachment: %v", err)
		}

		existing, err := readWorkflow(att.Metadata)
		if err != nil {
			return nil, err
		}
		if existing != nil && existing.Active() {
			return nil, engine.Fatalf(engine.KindValidation,
				"attachment %s already has an active approval workflow", payload.AttachmentID)
		}

		now := w.clk.Now()
		interval := payload.ReminderIntervalHrs
		if interval <= 0 {
			interval = w.cfg.DefaultReminderInterval
		}

		wf := &models.ApprovalWorkflow{
			ID:                  clock.NewID(),
			AttachmentID:        payload.AttachmentID,
			TenantID:            payload.TenantID,
			WorkflowType:        models.WorkflowType(payload.WorkflowType),
			Status:              models.ApprovalInProgress,
			Approvers:           normalizeApprovers(payload.Approvers),
			RequireAllApprovers: payload.RequireAllApprovers,
			AllowSelfApproval:   payload.AllowSelfApproval,
			Priority:            priorityOrNormal(payload.Priority),
			CurrentStage:        1,
			TotalStages:         maxStage(payload.Approvers),
			SubmittedAt:         now,
			SubmittedBy:         payload.SubmittedBy,
			ReminderIntervalHrs: interval,
		}
		if payload.DueDate != "" {
			if due, err := time.Parse(time.RFC3339, payload.DueDate); err == nil {
				wf.DueDate = &due
			}
		}

		// OCR-confident documents skip the approvers entirely.
		if payload.AutoApproveThreshold > 0 &&
			gjson.GetBytes(att.Metadata, "ocrStatus").String() == "completed" &&
			gjson.GetBytes(att.Metadata, "ocrConfidence").Float() >= payload.AutoApproveThreshold {
			completed := now
			wf.Status = models.ApprovalCompleted
			wf.CompletedAt = &completed
			wf.FinalDecision = "approved"
			meta, err := writeWorkflow(att.Metadata, wf)
			if err != nil {
				return nil, err
			}
			if err := w.store.UpdateAttachmentMetadata(c, att.ID, meta); err != nil {
				return nil, engine.Transientf(engine.KindTemporary, "failed to persist workflow: %v", err)
			}
			return startOutcome{WorkflowID: wf.ID, AutoApproved: true}, nil
		}

		meta, err := writeWorkflow(att.Metadata, wf)
		if err != nil {
			return nil, err
		}
		if err := w.store.UpdateAttachmentMetadata(c, att.ID, meta); err != nil {
			return nil, engine.Transientf(engine.KindTemporary, "failed to persist workflow: %v", err)
		}
		return startOutcome{
			WorkflowID:  wf.ID,
			Notify:      wf.StageApprovers(1),
			ReminderAt:  now.Add(time.Duration(interval) * time.Hour),
			IntervalHrs: interval,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	var out startOutcome
	if err := engine.DecodeResult(outRaw, &out); err != nil {
		return nil, err
	}

	if out.AutoApproved {
		ctx.Logger.Info("Document auto-approved on OCR confidence",
			zap.String("attachment_id", payload.AttachmentID),
			zap.String("workflow_id", out.WorkflowID),
		)
		return out, nil
	}

	if err := w.notifyApprovers(ctx, "notify-approver", payload.AttachmentID, 1, out.Notify); err != nil {
		return nil, err
	}

	if _, err := ctx.Step.Send("schedule-reminder", models.Event{
		ID:           clock.NewID(),
		Name:         models.EventDocApprovalRemind,
		ScheduledFor: out.ReminderAt,
		Data: map[string]any{
			"attachmentId": payload.AttachmentID,
			"tenantId":     payload.TenantID,
		},
	}); err != nil {
		return nil, err
	}

	return out, nil
}

// decisionOutcome is the memoized result of applying one decision.
type decisionOutcome struct {
	Delegated     bool              `json:"delegated"`
	StageComplete bool              `json:"stageComplete"`
	StageApproved bool              `json:"stageApproved"`
	Completed     bool              `json:"completed"`
	Rejected      bool              `json:"rejected"`
	NextStage     int               `json:"nextStage"`
	NotifyNext    []models.Approver `json:"notifyNext"`
	TenantID      string            `json:"tenantId"`
	ApprovedBy    string            `json:"approvedBy"`
	ApprovedAt    time.Time         `json:"approvedAt"`
}

// Decision records an approver's vote or delegation and advances the
// stage machine.
func (w *ApprovalWorkflows) Decision(ctx *engine.Context) (any, error) {
	var payload models.ApprovalDecisionPayload
	if err := models.DecodePayload(ctx.Event.Data, &payload); err != nil {
		return nil, engine.Fatal(engine.KindValidation, err)
	}
	if err := w.validate.Struct(payload); err != nil {
		return nil, engine.Fatalf(engine.KindValidation, "invalid approval.decision payload: %v", err)
	}

	outRaw, err := ctx.Step.Run("apply-decision", func(c context.Context) (any, error) {
		att, err := w.store.GetAttachment(c, payload.AttachmentID)
		if err != nil {
			if err == store.ErrNotFound {
				return nil, engine.Fatalf(engine.KindValidation, "attachment %s not found", payload.AttachmentID)
			}
			return nil, engine.Transientf(engine.KindTemporary, "failed to load attachment: %v", err)
		}
		wf, err := readWorkflow(att.Metadata)
		if err != nil {
			return nil, err
		}
		if wf == nil || !wf.Active() {
			return nil, engine.Fatalf(engine.KindValidation,
				"attachment %s has no active approval workflow", payload.AttachmentID)
		}

		out, err := w.applyDecision(wf, payload)
		if err != nil {
			return nil, err
		}

		meta, err := writeWorkflow(att.Metadata, wf)
		if err != nil {
			return nil, err
		}
		if err := w.store.UpdateAttachmentMetadata(c, att.ID, meta); err != nil {
			return nil, engine.Transientf(engine.KindTemporary, "failed to persist decision: %v", err)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	var out decisionOutcome
	if err := engine.DecodeResult(outRaw, &out); err != nil {
		return nil, err
	}

	if out.Completed {
		if _, err := ctx.Step.Send("publish-approved", models.Event{
			ID:   clock.NewID(),
			Name: models.EventDocApproved,
			Data: map[string]any{
				"attachmentId": payload.AttachmentID,
				"tenantId":     out.TenantID,
				"approvedBy":   out.ApprovedBy,
				"approvedAt":   out.ApprovedAt.Format(time.RFC3339),
			},
		}); err != nil {
			return nil, err
		}
	}

	if len(out.NotifyNext) > 0 {
		if err := w.notifyApprovers(ctx, "notify-next-approver", payload.AttachmentID, out.NextStage, out.NotifyNext); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// applyDecision mutates wf in place per the stage rules. Pure state
// logic; callers persist the result.
func (w *ApprovalWorkflows) applyDecision(wf *models.ApprovalWorkflow, payload models.ApprovalDecisionPayload) (*decisionOutcome, error) {
	now := w.clk.Now()

	idx := -1
	for i, a := range wf.Approvers {
		if a.UserID == payload.UserID && a.Stage == wf.CurrentStage && a.Status == models.ApproverPending {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, engine.Fatalf(engine.KindValidation,
			"user %s is not a pending approver in stage %d", payload.UserID, wf.CurrentStage)
	}
	if payload.UserID == wf.SubmittedBy && !wf.AllowSelfApproval {
		return nil, engine.Fatalf(engine.KindValidation,
			"self-approval is not allowed for this workflow")
	}

	if payload.DelegateTo != "" {
		original := &wf.Approvers[idx]
		original.Status = models.ApproverDelegated
		original.DelegatedTo = payload.DelegateTo
		original.DelegationReason = payload.DelegationReason
		original.DecidedAt = &now
		wf.Approvers = append(wf.Approvers, models.Approver{
			ID:            clock.NewID(),
			UserID:        payload.DelegateTo,
			Stage:         original.Stage,
			Order:         original.Order,
			Status:        models.ApproverPending,
			DelegatedFrom: payload.UserID,
		})
		return &decisionOutcome{Delegated: true, TenantID: wf.TenantID}, nil
	}

	approver := &wf.Approvers[idx]
	approver.Decision = payload.Decision
	approver.Comments = payload.Comments
	approver.Conditions = payload.Conditions
	approver.DecidedAt = &now
	if payload.Decision == "approve" {
		approver.Status = models.ApproverApproved
	} else {
		approver.Status = models.ApproverRejected
	}

	stageComplete, stageApproved := evaluateStage(wf)
	out := &decisionOutcome{
		StageComplete: stageComplete,
		StageApproved: stageApproved,
		TenantID:      wf.TenantID,
		NextStage:     wf.CurrentStage,
	}
	if !stageComplete {
		return out, nil
	}

	if !stageApproved {
		wf.Status = models.ApprovalRejected
		wf.CompletedAt = &now
		wf.FinalDecision = "rejected"
		out.Rejected = true
		return out, nil
	}

	if wf.CurrentStage == wf.TotalStages {
		wf.Status = models.ApprovalCompleted
		wf.CompletedAt = &now
		wf.FinalDecision = "approved"
		out.Completed = true
		out.ApprovedBy = payload.UserID
		out.ApprovedAt = now
		return out, nil
	}

	wf.CurrentStage++
	out.NextStage = wf.CurrentStage
	out.NotifyNext = wf.StageApprovers(wf.CurrentStage)
	return out, nil
}

// evaluateStage applies the stage completion rule to the current stage.
func evaluateStage(wf *models.ApprovalWorkflow) (complete, approved bool) {
	var pending, approvedN, rejectedN int
	for _, a := range wf.Approvers {
		if a.Stage != wf.CurrentStage {
			continue
		}
		switch a.Status {
		case models.ApproverPending:
			pending++
		case models.ApproverApproved:
			approvedN++
		case models.ApproverRejected:
			rejectedN++
		}
	}

	if wf.RequireAllApprovers {
		if pending > 0 {
			return false, false
		}
		return true, rejectedN == 0
	}
	// First decision settles the stage.
	if rejectedN > 0 {
		return true, false
	}
	if approvedN > 0 {
		return true, true
	}
	return false, false
}

// reminderState is the memoized snapshot driving one reminder round.
type reminderState struct {
	Active        bool              `json:"active"`
	Pending       []models.Approver `json:"pending"`
	ReminderCount int               `json:"reminderCount"`
	IntervalHrs   int               `json:"intervalHours"`
	PastDue       bool              `json:"pastDue"`
	TenantID      string            `json:"tenantId"`
	NextAt        time.Time         `json:"nextAt"`
}

// Reminder re-notifies pending approvers while the workflow stays
// active, re-scheduling itself until the reminder budget or due date is
// exhausted.
func (w *ApprovalWorkflows) Reminder(ctx *engine.Context) (any, error) {
	var payload models.ApprovalReminderPayload
	if err := models.DecodePayload(ctx.Event.Data, &payload); err != nil {
		return nil, engine.Fatal(engine.KindValidation, err)
	}

	stateRaw, err := ctx.Step.Run("load-workflow", func(c context.Context) (any, error) {
		att, err := w.store.GetAttachment(c, payload.AttachmentID)
		if err != nil {
			if err == store.ErrNotFound {
				return reminderState{}, nil
			}
			return nil, engine.Transientf(engine.KindTemporary, "failed to load attachment: %v", err)
		}
		wf, err := readWorkflow(att.Metadata)
		if err != nil {
			return nil, err
		}
		if wf == nil || !wf.Active() {
			return reminderState{}, nil
		}
		now := w.clk.Now()
		return reminderState{
			Active:        true,
			Pending:       wf.PendingStageApprovers(),
			ReminderCount: wf.ReminderCount,
			IntervalHrs:   wf.ReminderIntervalHrs,
			PastDue:       wf.DueDate != nil && now.After(*wf.DueDate),
			TenantID:      wf.TenantID,
			NextAt:        now.Add(time.Duration(wf.ReminderIntervalHrs) * time.Hour),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	var state reminderState
	if err := engine.DecodeResult(stateRaw, &state); err != nil {
		return nil, err
	}

	if !state.Active {
		ctx.Logger.Debug("Reminder skipped, workflow inactive",
			zap.String("attachment_id", payload.AttachmentID))
		return map[string]any{"skipped": true}, nil
	}
	if state.ReminderCount >= w.cfg.MaxReminders || state.PastDue {
		ctx.Logger.Info("Reminder budget exhausted, stopping",
			zap.String("attachment_id", payload.AttachmentID),
			zap.Int("reminder_count", state.ReminderCount),
			zap.Bool("past_due", state.PastDue),
		)
		return map[string]any{"stopped": true}, nil
	}

	if err := w.notifyApprovers(ctx, "remind-approver", payload.AttachmentID, 0, state.Pending); err != nil {
		return nil, err
	}

	if _, err := ctx.Step.Run("bump-reminder-count", func(c context.Context) (any, error) {
		att, err := w.store.GetAttachment(c, payload.AttachmentID)
		if err != nil {
			return nil, engine.Transientf(engine.KindTemporary, "failed to load attachment: %v", err)
		}
		wf, err := readWorkflow(att.Metadata)
		if err != nil {
			return nil, err
		}
		if wf == nil || !wf.Active() {
			return nil, nil
		}
		wf.ReminderCount++
		meta, err := writeWorkflow(att.Metadata, wf)
		if err != nil {
			return nil, err
		}
		return wf.ReminderCount, w.store.UpdateAttachmentMetadata(c, att.ID, meta)
	}); err != nil {
		return nil, err
	}

	if _, err := ctx.Step.Send("schedule-next-reminder", models.Event{
		ID:           clock.NewID(),
		Name:         models.EventDocApprovalRemind,
		ScheduledFor: state.NextAt,
		Data: map[string]any{
			"attachmentId": payload.AttachmentID,
			"tenantId":     state.TenantID,
		},
	}); err != nil {
		return nil, err
	}

	return map[string]any{"notified": len(state.Pending), "nextAt": state.NextAt}, nil
}

// notifyApprovers emits one email/send per approver under stable step
// names.
func (w *ApprovalWorkflows) notifyApprovers(ctx *engine.Context, stepPrefix, attachmentID string, stage int, approvers []models.Approver) error {
	template := "approval-request"
	if stepPrefix == "remind-approver" {
		template = "approval-reminder"
	}
	for i, a := range approvers {
		if a.Email == "" {
			continue
		}
		_, err := ctx.Step.Send(fmt.Sprintf("%s-%d", stepPrefix, i), models.Event{
			ID:   clock.NewID(),
			Name: models.EventEmailSend,
			Data: map[string]any{
				"to":       a.Email,
				"subject":  "Document approval requested",
				"template": template,
				"data": map[string]any{
					"attachmentId": attachmentID,
					"stage":        stage,
				},
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func normalizeApprovers(in []models.Approver) []models.Approver {
	out := make([]models.Approver, len(in))
	for i, a := range in {
		if a.ID == "" {
			a.ID = clock.NewID()
		}
		if a.Stage < 1 {
			a.Stage = 1
		}
		a.Status = models.ApproverPending
		out[i] = a
	}
	return out
}

func maxStage(approvers []models.Approver) int {
	max := 1
	for _, a := range approvers {
		if a.Stage > max {
			max = a.Stage
		}
	}
	return max
}

func priorityOrNormal(p string) models.Priority {
	switch models.Priority(p) {
	case models.PriorityLow, models.PriorityHigh, models.PriorityUrgent:
		return models.Priority(p)
	default:
		return models.PriorityNormal
	}
}

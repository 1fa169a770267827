package workflows_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/pohlai88/accounts-worker/internal/clock"
	"github.com/pohlai88/accounts-worker/internal/config"
	"github.com/pohlai88/accounts-worker/internal/engine/enginetest"
	"github.com/pohlai88/accounts-worker/internal/models"
	"github.com/pohlai88/accounts-worker/internal/workflows"
)

var apprStart = time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

const attachmentID = "3f0b8a60-0000-0000-0000-000000000001"

func newApprovalHarness(t *testing.T, maxReminders int) *enginetest.Harness {
	h := enginetest.New(t, apprStart)
	appr := workflows.NewApprovalWorkflows(h.Store, h.Clock, config.DocumentApprovalConfig{
		MaxReminders:            maxReminders,
		DefaultReminderInterval: 24,
	})
	for _, spec := range appr.Specs() {
		h.Register(spec)
	}
	return h
}

func seedAttachment(t *testing.T, h *enginetest.Harness, metadata string) {
	t.Helper()
	if metadata == "" {
		metadata = "{}"
	}
	require.NoError(t, h.Store.InsertAttachment(context.Background(), models.Attachment{
		ID:       attachmentID,
		TenantID: "t1",
		FileName: "contract.pdf",
		FilePath: "t1/docs/contract.pdf",
		Metadata: []byte(metadata),
	}))
}

func loadWorkflow(t *testing.T, h *enginetest.Harness) *models.ApprovalWorkflow {
	t.Helper()
	att, err := h.Store.GetAttachment(context.Background(), attachmentID)
	require.NoError(t, err)
	raw := gjson.GetBytes(att.Metadata, "approvalWorkflow")
	require.True(t, raw.Exists(), "no approval workflow in metadata")
	var wf models.ApprovalWorkflow
	require.NoError(t, json.Unmarshal([]byte(raw.Raw), &wf))
	return &wf
}

func startEvent(requireAll bool, approvers ...models.Approver) models.Event {
	as := make([]map[string]any, len(approvers))
	for i, a := range approvers {
		as[i] = map[string]any{
			"userId": a.UserID,
			"email":  a.Email,
			"stage":  a.Stage,
			"order":  a.Order,
		}
	}
	return models.Event{
		ID:   clock.NewID(),
		Name: models.EventDocApprovalStart,
		Data: map[string]any{
			"attachmentId":        attachmentID,
			"tenantId":            "t1",
			"workflowType":        "multi_stage",
			"approvers":           as,
			"requireAllApprovers": requireAll,
			"submittedBy":         "submitter",
		},
	}
}

func decisionEvent(userID, decision string) models.Event {
	return models.Event{
		ID:   clock.NewID(),
		Name: models.EventDocApprovalVote,
		Data: map[string]any{
			"attachmentId": attachmentID,
			"userId":       userID,
			"decision":     decision,
		},
	}
}

func TestApprovalMultiStageCompletes(t *testing.T) {
	h := newApprovalHarness(t, 10)
	seedAttachment(t, h, "")

	h.Publish(startEvent(true,
		models.Approver{UserID: "alice", Email: "alice@example.com", Stage: 1},
		models.Approver{UserID: "bob", Email: "bob@example.com", Stage: 1, Order: 1},
		models.Approver{UserID: "carol", Email: "carol@example.com", Stage: 2},
	))
	h.Drain(time.Second, 5)

	wf := loadWorkflow(t, h)
	assert.Equal(t, models.ApprovalInProgress, wf.Status)
	assert.Equal(t, 1, wf.CurrentStage)
	assert.Equal(t, 2, wf.TotalStages)

	// Stage 1 approvers were notified.
	assert.Len(t, h.Bus.Published(models.EventEmailSend), 2)

	// First approval does not complete the all-approvers stage.
	h.Publish(decisionEvent("alice", "approve"))
	h.Drain(time.Second, 5)
	wf = loadWorkflow(t, h)
	assert.Equal(t, 1, wf.CurrentStage)
	assert.Equal(t, models.ApprovalInProgress, wf.Status)

	// Second approval advances to stage 2 and notifies carol.
	h.Publish(decisionEvent("bob", "approve"))
	h.Drain(time.Second, 5)
	wf = loadWorkflow(t, h)
	assert.Equal(t, 2, wf.CurrentStage)
	assert.Len(t, h.Bus.Published(models.EventEmailSend), 3)

	// Stage 2 approval completes the workflow.
	h.Publish(decisionEvent("carol", "approve"))
	h.Drain(time.Second, 5)
	wf = loadWorkflow(t, h)
	assert.Equal(t, models.ApprovalCompleted, wf.Status)
	assert.Equal(t, "approved", wf.FinalDecision)
	require.NotNil(t, wf.CompletedAt)

	approved := h.Bus.Published(models.EventDocApproved)
	require.Len(t, approved, 1)
	assert.Equal(t, attachmentID, approved[0].Data["attachmentId"])
	assert.Equal(t, "carol", approved[0].Data["approvedBy"])
}

func TestApprovalAnyApproverRejectionRejects(t *testing.T) {
	h := newApprovalHarness(t, 10)
	seedAttachment(t, h, "")

	h.Publish(startEvent(false,
		models.Approver{UserID: "alice", Email: "alice@example.com", Stage: 1},
		models.Approver{UserID: "bob", Email: "bob@example.com", Stage: 1, Order: 1},
	))
	h.Drain(time.Second, 5)

	h.Publish(decisionEvent("bob", "reject"))
	h.Drain(time.Second, 5)

	wf := loadWorkflow(t, h)
	assert.Equal(t, models.ApprovalRejected, wf.Status)
	assert.Equal(t, "rejected", wf.FinalDecision)
	assert.Empty(t, h.Bus.Published(models.EventDocApproved))
}

func TestApprovalDecisionByNonApproverFails(t *testing.T) {
	h := newApprovalHarness(t, 10)
	seedAttachment(t, h, "")

	h.Publish(startEvent(true, models.Approver{UserID: "alice", Email: "alice@example.com", Stage: 1}))
	h.Drain(time.Second, 5)

	eventID := h.Publish(decisionEvent("mallory", "approve"))
	h.Drain(time.Second, 5)

	run := h.RunFor(workflows.ApprovalDecisionFunctionID, eventID)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Equal(t, 1, run.Attempt)

	wf := loadWorkflow(t, h)
	assert.Equal(t, models.ApprovalInProgress, wf.Status)
}

func TestApprovalSelfApprovalDenied(t *testing.T) {
	h := newApprovalHarness(t, 10)
	seedAttachment(t, h, "")

	evt := startEvent(true, models.Approver{UserID: "submitter", Email: "s@example.com", Stage: 1})
	h.Publish(evt)
	h.Drain(time.Second, 5)

	eventID := h.Publish(decisionEvent("submitter", "approve"))
	h.Drain(time.Second, 5)

	run := h.RunFor(workflows.ApprovalDecisionFunctionID, eventID)
	assert.Equal(t, models.RunStatusFailed, run.Status)
}

func TestApprovalDelegation(t *testing.T) {
	h := newApprovalHarness(t, 10)
	seedAttachment(t, h, "")

	h.Publish(startEvent(true, models.Approver{UserID: "alice", Email: "alice@example.com", Stage: 1}))
	h.Drain(time.Second, 5)

	h.Publish(models.Event{
		ID:   clock.NewID(),
		Name: models.EventDocApprovalVote,
		Data: map[string]any{
			"attachmentId":     attachmentID,
			"userId":           "alice",
			"decision":         "approve",
			"delegateTo":       "dave",
			"delegationReason": "on leave",
		},
	})
	h.Drain(time.Second, 5)

	wf := loadWorkflow(t, h)
	require.Len(t, wf.Approvers, 2)
	assert.Equal(t, models.ApproverDelegated, wf.Approvers[0].Status)
	assert.Equal(t, "dave", wf.Approvers[0].DelegatedTo)
	assert.Equal(t, "dave", wf.Approvers[1].UserID)
	assert.Equal(t, models.ApproverPending, wf.Approvers[1].Status)
	assert.Equal(t, "alice", wf.Approvers[1].DelegatedFrom)

	// The delegate can now decide.
	h.Publish(decisionEvent("dave", "approve"))
	h.Drain(time.Second, 5)
	wf = loadWorkflow(t, h)
	assert.Equal(t, models.ApprovalCompleted, wf.Status)
}

func TestApprovalStartRejectsSecondActiveWorkflow(t *testing.T) {
	h := newApprovalHarness(t, 10)
	seedAttachment(t, h, "")

	h.Publish(startEvent(true, models.Approver{UserID: "alice", Email: "alice@example.com", Stage: 1}))
	h.Drain(time.Second, 5)

	eventID := h.Publish(startEvent(true, models.Approver{UserID: "bob", Email: "bob@example.com", Stage: 1}))
	h.Drain(time.Second, 5)

	run := h.RunFor(workflows.ApprovalStartFunctionID, eventID)
	assert.Equal(t, models.RunStatusFailed, run.Status)
}

func TestApprovalAutoApproveOnOCRConfidence(t *testing.T) {
	h := newApprovalHarness(t, 10)
	seedAttachment(t, h, `{"ocrStatus":"completed","ocrConfidence":0.97}`)

	evt := startEvent(true, models.Approver{UserID: "alice", Email: "alice@example.com", Stage: 1})
	evt.Data["autoApproveThreshold"] = 0.95
	h.Publish(evt)
	h.Drain(time.Second, 5)

	wf := loadWorkflow(t, h)
	assert.Equal(t, models.ApprovalCompleted, wf.Status)
	assert.Equal(t, "approved", wf.FinalDecision)
	// Nobody is notified on auto-approval.
	assert.Empty(t, h.Bus.Published(models.EventEmailSend))
	assert.Empty(t, h.Bus.Published(models.EventDocApprovalRemind))
}

func TestApprovalReminderNotifiesAndReschedules(t *testing.T) {
	h := newApprovalHarness(t, 10)
	seedAttachment(t, h, "")

	h.Publish(startEvent(true, models.Approver{UserID: "alice", Email: "alice@example.com", Stage: 1}))
	h.Drain(time.Second, 5)

	// Start scheduled the first reminder 24h out.
	reminders := h.Bus.Published(models.EventDocApprovalRemind)
	require.Len(t, reminders, 1)
	assert.Equal(t, apprStart.Add(24*time.Hour), reminders[0].ScheduledFor)

	emailsBefore := len(h.Bus.Published(models.EventEmailSend))

	h.Clock.Advance(24 * time.Hour)
	h.Drain(time.Second, 5)

	// Pending approver re-notified, counter bumped, next round queued.
	assert.Len(t, h.Bus.Published(models.EventEmailSend), emailsBefore+1)
	wf := loadWorkflow(t, h)
	assert.Equal(t, 1, wf.ReminderCount)
	assert.Len(t, h.Bus.Published(models.EventDocApprovalRemind), 2)
}

func TestApprovalReminderStopsAfterBudget(t *testing.T) {
	h := newApprovalHarness(t, 2)
	seedAttachment(t, h, "")

	h.Publish(startEvent(true, models.Approver{UserID: "alice", Email: "alice@example.com", Stage: 1}))
	h.Drain(time.Second, 5)

	for i := 0; i < 5; i++ {
		h.Clock.Advance(24 * time.Hour)
		h.Drain(time.Second, 5)
	}

	// Initial schedule plus two rounds; the third observation stopped.
	assert.Len(t, h.Bus.Published(models.EventDocApprovalRemind), 3)
	wf := loadWorkflow(t, h)
	assert.Equal(t, 2, wf.ReminderCount)
}

func TestApprovalReminderNoOpWhenWorkflowDone(t *testing.T) {
	h := newApprovalHarness(t, 10)
	seedAttachment(t, h, "")

	h.Publish(startEvent(true, models.Approver{UserID: "alice", Email: "alice@example.com", Stage: 1}))
	h.Drain(time.Second, 5)

	h.Publish(decisionEvent("alice", "approve"))
	h.Drain(time.Second, 5)
	require.Equal(t, models.ApprovalCompleted, loadWorkflow(t, h).Status)

	emailsBefore := len(h.Bus.Published(models.EventEmailSend))
	h.Clock.Advance(24 * time.Hour)
	h.Drain(time.Second, 5)

	// The pending reminder fired into a finished workflow: no
	// notifications, no rescheduling.
	assert.Len(t, h.Bus.Published(models.EventEmailSend), emailsBefore)
	assert.Len(t, h.Bus.Published(models.EventDocApprovalRemind), 1)
}

package workflows

import (
	"context"

	"github.com/go-playground/validator/v10"

	"github.com/pohlai88/accounts-worker/internal/adapters"
	"github.com/pohlai88/accounts-worker/internal/engine"
	"github.com/pohlai88/accounts-worker/internal/models"
)

// EmailFunctionID is the email-workflow function id.
const EmailFunctionID = "email-workflow"

// EmailWorkflow delivers email/send events through the sender adapter.
type EmailWorkflow struct {
	sender   adapters.EmailSender
	validate *validator.Validate
}

// NewEmailWorkflow wires the email workflow.
func NewEmailWorkflow(sender adapters.EmailSender) *EmailWorkflow {
	return &EmailWorkflow{sender: sender, validate: validator.New()}
}

// Spec returns the function registration.
func (w *EmailWorkflow) Spec() engine.FunctionSpec {
	return engine.FunctionSpec{
		ID:          EmailFunctionID,
		Name:        "Email delivery",
		EventName:   models.EventEmailSend,
		Retries:     2,
		Concurrency: 10,
		Handler:     w.Handle,
	}
}

// Handle sends the message once per run; transient delivery failures are
// retried by the runtime.
func (w *EmailWorkflow) Handle(ctx *engine.Context) (any, error) {
	var payload models.EmailSendPayload
	if err := models.DecodePayload(ctx.Event.Data, &payload); err != nil {
		return nil, engine.Fatal(engine.KindValidation, err)
	}
	if err := w.validate.Struct(payload); err != nil {
		return nil, engine.Fatalf(engine.KindValidation, "invalid email/send payload: %v", err)
	}

	if _, err := ctx.Step.Run("send-email", func(c context.Context) (any, error) {
		return nil, w.sender.Send(c, adapters.EmailMessage{
			To:       payload.To,
			Subject:  payload.Subject,
			Template: payload.Template,
			Data:     payload.Data,
			Priority: payload.Priority,
		})
	}); err != nil {
		return nil, err
	}

	return map[string]any{"delivered": true, "to": payload.To}, nil
}

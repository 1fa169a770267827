package workflows

import (
	"github.com/pohlai88/accounts-worker/internal/adapters"
	"github.com/pohlai88/accounts-worker/internal/blob"
	"github.com/pohlai88/accounts-worker/internal/clock"
	"github.com/pohlai88/accounts-worker/internal/config"
	"github.com/pohlai88/accounts-worker/internal/engine"
	"github.com/pohlai88/accounts-worker/internal/store"
)

// Deps are the ports the included workflows need.
type Deps struct {
	Store    store.Store
	Blob     blob.Store
	Renderer adapters.PdfRenderer
	Fetcher  adapters.FxRateFetcher
	Sender   adapters.EmailSender
	Clock    clock.Clock
	Config   *config.Config
}

// RegisterAll registers every included workflow function.
func RegisterAll(reg *engine.Registry, deps Deps) error {
	fx := NewFxWorkflows(deps.Store, deps.Fetcher, deps.Clock, deps.Config.Fx, deps.Config.SMTP.AdminEmail)
	for _, spec := range fx.Specs() {
		if err := reg.Register(spec); err != nil {
			return err
		}
	}

	pdf := NewPdfWorkflow(deps.Store, deps.Blob, deps.Renderer, deps.Clock, deps.Config.Pdf.StepTimeout)
	if err := reg.Register(pdf.Spec()); err != nil {
		return err
	}

	email := NewEmailWorkflow(deps.Sender)
	if err := reg.Register(email.Spec()); err != nil {
		return err
	}

	invoice := NewInvoiceWorkflow(deps.Blob, deps.Renderer)
	if err := reg.Register(invoice.Spec()); err != nil {
		return err
	}

	approval := NewApprovalWorkflows(deps.Store, deps.Clock, deps.Config.DocumentApproval)
	for _, spec := range approval.Specs() {
		if err := reg.Register(spec); err != nil {
			return err
		}
	}

	return nil
}

package workflows

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/pohlai88/accounts-worker/internal/adapters"
	"github.com/pohlai88/accounts-worker/internal/blob"
	"github.com/pohlai88/accounts-worker/internal/clock"
	"github.com/pohlai88/accounts-worker/internal/engine"
	"github.com/pohlai88/accounts-worker/internal/models"
)

// InvoiceFunctionID is the invoice-approved function id.
const InvoiceFunctionID = "invoice-approved"

// InvoiceWorkflow materializes an approved invoice as a stored PDF and
// mails the customer a link. The blob put refuses overwrites, so a
// duplicate delivery finds the artifact in place and every later step is
// memoized.
type InvoiceWorkflow struct {
	blob     blob.Store
	renderer adapters.PdfRenderer
	validate *validator.Validate
}

// NewInvoiceWorkflow wires the invoice-approved workflow.
func NewInvoiceWorkflow(bs blob.Store, renderer adapters.PdfRenderer) *InvoiceWorkflow {
	return &InvoiceWorkflow{blob: bs, renderer: renderer, validate: validator.New()}
}

// Spec returns the function registration.
func (w *InvoiceWorkflow) Spec() engine.FunctionSpec {
	return engine.FunctionSpec{
		ID:          InvoiceFunctionID,
		Name:        "Invoice approved side effects",
		EventName:   models.EventInvoiceApproved,
		Retries:     2,
		Concurrency: 5,
		Handler:     w.Handle,
	}
}

// Handle runs build-html -> render-pdf -> store-pdf -> email.
func (w *InvoiceWorkflow) Handle(ctx *engine.Context) (any, error) {
	var payload models.InvoiceApprovedPayload
	if err := models.DecodePayload(ctx.Event.Data, &payload); err != nil {
		return nil, engine.Fatal(engine.KindValidation, err)
	}
	if err := w.validate.Struct(payload); err != nil {
		return nil, engine.Fatalf(engine.KindValidation, "invalid invoice.approved payload: %v", err)
	}

	htmlRaw, err := ctx.Step.Run("build-html", func(context.Context) (any, error) {
		data := payload.Invoice
		if data == nil {
			data = map[string]any{}
		}
		if _, ok := data["invoiceNumber"]; !ok {
			data["invoiceNumber"] = payload.InvoiceID
		}
		return adapters.BuildInvoiceHTML(data), nil
	})
	if err != nil {
		return nil, err
	}
	var html string
	if err := engine.DecodeResult(htmlRaw, &html); err != nil {
		return nil, err
	}

	pdfRaw, err := ctx.Step.Run("render-pdf", func(c context.Context) (any, error) {
		return w.renderer.Render(c, html)
	})
	if err != nil {
		return nil, err
	}
	var pdfB64 string
	if err := engine.DecodeResult(pdfRaw, &pdfB64); err != nil {
		return nil, err
	}
	pdfBytes, err := base64.StdEncoding.DecodeString(pdfB64)
	if err != nil {
		return nil, engine.Fatalf(engine.KindIntegrity, "corrupt pdf memo: %v", err)
	}

	path := fmt.Sprintf("%s/invoices/%s.pdf", payload.TenantID, payload.InvoiceID)
	urlRaw, err := ctx.Step.Run("store-pdf", func(c context.Context) (any, error) {
		url, err := w.blob.Put(c, path, pdfBytes, "application/pdf")
		if err != nil {
			if errors.Is(err, blob.ErrExists) {
				// Second delivery: the artifact already exists.
				return blobURL(w.blob, path), nil
			}
			return nil, engine.Transientf(engine.KindTemporary, "failed to store invoice pdf: %v", err)
		}
		return url, nil
	})
	if err != nil {
		return nil, err
	}
	var url string
	if err := engine.DecodeResult(urlRaw, &url); err != nil {
		return nil, err
	}

	if payload.CustomerEmail != "" {
		if _, err := ctx.Step.Send("email", models.Event{
			ID:   clock.NewID(),
			Name: models.EventEmailSend,
			Data: map[string]any{
				"to":       payload.CustomerEmail,
				"subject":  fmt.Sprintf("Invoice %s", payload.InvoiceID),
				"template": "invoice-ready",
				"tenantId": payload.TenantID,
				"data": map[string]any{
					"invoiceId": payload.InvoiceID,
					"url":       url,
				},
			},
		}); err != nil {
			return nil, err
		}
	}

	return map[string]any{"filePath": path, "publicUrl": url}, nil
}

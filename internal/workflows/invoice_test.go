package workflows_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pohlai88/accounts-worker/internal/blob"
	"github.com/pohlai88/accounts-worker/internal/clock"
	"github.com/pohlai88/accounts-worker/internal/engine/enginetest"
	"github.com/pohlai88/accounts-worker/internal/models"
	"github.com/pohlai88/accounts-worker/internal/workflows"
)

var invStart = time.Date(2026, 8, 1, 15, 0, 0, 0, time.UTC)

func newInvoiceHarness(t *testing.T, renderer *fakeRenderer) (*enginetest.Harness, *blob.FSStore) {
	h := enginetest.New(t, invStart)
	bs, err := blob.NewFSStore(t.TempDir(), "http://localhost/blobs", zap.NewNop())
	require.NoError(t, err)
	inv := workflows.NewInvoiceWorkflow(bs, renderer)
	h.Register(inv.Spec())
	return h, bs
}

func invoiceEvent(idemKey string) models.Event {
	return models.Event{
		ID:             clock.NewID(),
		Name:           models.EventInvoiceApproved,
		IdempotencyKey: idemKey,
		Data: map[string]any{
			"invoiceId":     "INV-900",
			"tenantId":      "t1",
			"customerEmail": "customer@example.com",
			"invoice": map[string]any{
				"invoiceNumber": "INV-900",
				"customerName":  "Acme Sdn Bhd",
				"currency":      "MYR",
				"total":         2500,
			},
		},
	}
}

func TestInvoiceApprovedHappyPath(t *testing.T) {
	renderer := &fakeRenderer{script: []func() ([]byte, error){pdfOK(4096)}}
	h, bs := newInvoiceHarness(t, renderer)

	eventID := h.Publish(invoiceEvent("inv-900-approved"))
	h.Drain(time.Second, 10)

	run := h.RunFor(workflows.InvoiceFunctionID, eventID)
	assert.Equal(t, models.RunStatusSucceeded, run.Status)

	exists, err := bs.Exists(context.Background(), "t1/invoices/INV-900.pdf")
	require.NoError(t, err)
	assert.True(t, exists)

	emails := h.Bus.Published(models.EventEmailSend)
	require.Len(t, emails, 1)
	assert.Equal(t, "customer@example.com", emails[0].Data["to"])
	assert.Equal(t, "invoice-ready", emails[0].Data["template"])
}

func TestInvoiceApprovedDuplicateDeliveryIsNoOp(t *testing.T) {
	renderer := &fakeRenderer{script: []func() ([]byte, error){pdfOK(4096)}}
	h, _ := newInvoiceHarness(t, renderer)

	h.Publish(invoiceEvent("inv-900-approved"))

	res, err := h.Bus.Publish(context.Background(), invoiceEvent("inv-900-approved"))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	h.Drain(time.Second, 10)

	// One run, one render, one email.
	assert.Equal(t, 1, renderer.calls)
	assert.Len(t, h.Bus.Published(models.EventEmailSend), 1)
}

func TestInvoiceApprovedExistingArtifactTreatedAsSuccess(t *testing.T) {
	renderer := &fakeRenderer{script: []func() ([]byte, error){pdfOK(4096)}}
	h, bs := newInvoiceHarness(t, renderer)

	// A previous partial run already stored the artifact.
	_, err := bs.Put(context.Background(), "t1/invoices/INV-900.pdf", []byte("old"), "application/pdf")
	require.NoError(t, err)

	eventID := h.Publish(invoiceEvent("second-delivery"))
	h.Drain(time.Second, 10)

	run := h.RunFor(workflows.InvoiceFunctionID, eventID)
	assert.Equal(t, models.RunStatusSucceeded, run.Status)

	// The object was not rewritten.
	data, err := bs.Get(context.Background(), "t1/invoices/INV-900.pdf")
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), data)
}

func TestInvoiceApprovedSkipsEmailWithoutAddress(t *testing.T) {
	renderer := &fakeRenderer{script: []func() ([]byte, error){pdfOK(1024)}}
	h, _ := newInvoiceHarness(t, renderer)

	evt := invoiceEvent("no-email")
	data := evt.Data
	delete(data, "customerEmail")
	eventID := h.Publish(evt)
	h.Drain(time.Second, 10)

	run := h.RunFor(workflows.InvoiceFunctionID, eventID)
	assert.Equal(t, models.RunStatusSucceeded, run.Status)
	assert.Empty(t, h.Bus.Published(models.EventEmailSend))
}

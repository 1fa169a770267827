package workflows

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/pohlai88/accounts-worker/internal/adapters"
	"github.com/pohlai88/accounts-worker/internal/blob"
	"github.com/pohlai88/accounts-worker/internal/clock"
	"github.com/pohlai88/accounts-worker/internal/engine"
	"github.com/pohlai88/accounts-worker/internal/models"
	"github.com/pohlai88/accounts-worker/internal/store"
)

// PdfFunctionID is the pdf-generation function id.
const PdfFunctionID = "pdf-generation"

// PdfWorkflow renders documents and stores the artifacts.
type PdfWorkflow struct {
	store       store.Store
	blob        blob.Store
	renderer    adapters.PdfRenderer
	clk         clock.Clock
	validate    *validator.Validate
	stepTimeout time.Duration
}

// NewPdfWorkflow wires the pdf-generation workflow.
func NewPdfWorkflow(st store.Store, bs blob.Store, renderer adapters.PdfRenderer, clk clock.Clock, stepTimeout time.Duration) *PdfWorkflow {
	if stepTimeout <= 0 {
		stepTimeout = 45 * time.Second
	}
	return &PdfWorkflow{
		store:       st,
		blob:        bs,
		renderer:    renderer,
		clk:         clk,
		validate:    validator.New(),
		stepTimeout: stepTimeout,
	}
}

// Spec returns the function registration.
func (w *PdfWorkflow) Spec() engine.FunctionSpec {
	return engine.FunctionSpec{
		ID:          PdfFunctionID,
		Name:        "PDF generation",
		EventName:   models.EventPdfGenerate,
		Retries:     2,
		Concurrency: 5,
		Handler:     w.Handle,
	}
}

// storedPdf is the memoized outcome of the store-pdf step.
type storedPdf struct {
	FilePath  string `json:"filePath"`
	FileName  string `json:"fileName"`
	PublicURL string `json:"publicUrl"`
	SizeKB    int    `json:"sizeKB"`
}

// Handle runs prepare -> render -> store -> reference -> notify.
func (w *PdfWorkflow) Handle(ctx *engine.Context) (any, error) {
	var payload models.PdfGeneratePayload
	if err := models.DecodePayload(ctx.Event.Data, &payload); err != nil {
		return nil, engine.Fatal(engine.KindValidation, err)
	}
	if err := w.validate.Struct(payload); err != nil {
		return nil, engine.Fatalf(engine.KindValidation, "invalid pdf/generate payload: %v", err)
	}

	htmlRaw, err := ctx.Step.Run("prepare-template", func(context.Context) (any, error) {
		return buildTemplate(payload.TemplateType, payload.Data)
	})
	if err != nil {
		return nil, err
	}
	var html string
	if err := engine.DecodeResult(htmlRaw, &html); err != nil {
		return nil, err
	}

	pdfRaw, err := ctx.Step.RunWithTimeout("generate-pdf", w.stepTimeout, func(c context.Context) (any, error) {
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

	storedRaw, err := ctx.Step.Run("store-pdf", func(c context.Context) (any, error) {
		entityID := payload.EntityID
		if entityID == "" {
			entityID = "doc"
		}
		fileName := fmt.Sprintf("%s-%s-%d.pdf", payload.TemplateType, entityID, w.clk.Now().UnixMilli())
		path := fmt.Sprintf("%s/%s/pdfs/%s", payload.TenantID, payload.CompanyID, fileName)

		url, err := w.blob.Put(c, path, pdfBytes, "application/pdf")
		if err != nil {
			if errors.Is(err, blob.ErrExists) {
				// An object already exists at this path; reuse its URL.
				// A replay of this step names its file by the current
				// time, so it writes a new object instead.
				url = blobURL(w.blob, path)
			} else {
				return nil, engine.Transientf(engine.KindTemporary, "failed to store pdf: %v", err)
			}
		}
		return storedPdf{
			FilePath:  path,
			FileName:  fileName,
			PublicURL: url,
			SizeKB:    (len(pdfBytes) + 512) / 1024,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	var stored storedPdf
	if err := engine.DecodeResult(storedRaw, &stored); err != nil {
		return nil, err
	}

	if payload.EntityID != "" && payload.EntityType != "" {
		if _, err := ctx.Step.Run("update-entity-reference", func(c context.Context) (any, error) {
			att := models.Attachment{
				ID:         clock.NewID(),
				TenantID:   payload.TenantID,
				CompanyID:  payload.CompanyID,
				EntityType: payload.EntityType,
				EntityID:   payload.EntityID,
				FileName:   stored.FileName,
				FilePath:   stored.FilePath,
				FileType:   "application/pdf",
				FileSize:   int64(len(pdfBytes)),
				CreatedBy:  "pdf-generation",
				CreatedAt:  w.clk.Now(),
				Metadata:   []byte("{}"),
			}
			if err := w.store.InsertAttachment(c, att); err != nil {
				// Reference bookkeeping must not fail the artifact.
				ctx.Logger.Warn("Failed to insert attachment reference",
					zap.Error(err),
					zap.String("entity_id", payload.EntityID),
				)
				return map[string]any{"linked": false}, nil
			}
			return map[string]any{"linked": true, "attachmentId": att.ID}, nil
		}); err != nil {
			return nil, err
		}
	}

	if _, err := ctx.Step.Send("notify-completion", models.Event{
		ID:   clock.NewID(),
		Name: models.EventPdfGenerated,
		Data: map[string]any{
			"templateType": payload.TemplateType,
			"filePath":     stored.FilePath,
			"fileName":     stored.FileName,
			"publicUrl":    stored.PublicURL,
			"tenantId":     payload.TenantID,
			"companyId":    payload.CompanyID,
			"entityId":     payload.EntityID,
			"entityType":   payload.EntityType,
			"sizeKB":       stored.SizeKB,
		},
	}); err != nil {
		return nil, err
	}

	return stored, nil
}

func blobURL(bs blob.Store, path string) string {
	if fs, ok := bs.(interface{ URL(string) string }); ok {
		return fs.URL(path)
	}
	return path
}

// buildTemplate assembles the HTML document for a template type. Pure
// string work; rendering happens in the next step.
func buildTemplate(templateType string, data map[string]any) (string, error) {
	switch templateType {
	case "invoice":
		return adapters.BuildInvoiceHTML(data), nil
	case "journal":
		return buildTabular("Journal Entries", []string{"Date", "Account", "Debit", "Credit"}, data, "entries"), nil
	case "balance_sheet":
		return buildTabular("Balance Sheet", []string{"Account", "Balance"}, data, "lines"), nil
	case "profit_loss":
		return buildTabular("Profit & Loss", []string{"Account", "Amount"}, data, "lines"), nil
	default:
		return "", engine.Fatalf(engine.KindValidation, "unknown template type %q", templateType)
	}
}

func buildTabular(title string, columns []string, data map[string]any, rowsKey string) string {
	var b strings.Builder
	b.WriteString("<html><head><style>body{font-family:sans-serif}table{border-collapse:collapse;width:100%}td,th{border:1px solid #ccc;padding:6px}</style></head><body>")
	fmt.Fprintf(&b, "<h1>%s</h1>", title)
	fmt.Fprintf(&b, "<p>Company: %v</p><p>Period: %v</p>", data["companyName"], data["period"])
	b.WriteString("<table><tr>")
	for _, col := range columns {
		fmt.Fprintf(&b, "<th>%s</th>", col)
	}
	b.WriteString("</tr>")
	if rows, ok := data[rowsKey].([]any); ok {
		for _, raw := range rows {
			row, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			b.WriteString("<tr>")
			for _, col := range columns {
				key := strings.ToLower(strings.ReplaceAll(col, " ", "_"))
				fmt.Fprintf(&b, "<td>%v</td>", row[key])
			}
			b.WriteString("</tr>")
		}
	}
	b.WriteString("</table></body></html>")
	return b.String()
}

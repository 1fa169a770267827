package adapters

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/pohlai88/accounts-worker/internal/engine"
)

// PdfRenderer turns an HTML document into PDF bytes.
type PdfRenderer interface {
	Render(ctx context.Context, html string) ([]byte, error)
}

// HTTPRenderer calls an external HTML-to-PDF rendering service. The
// caller bounds each render through its context deadline; a deadline hit
// surfaces as a transient timeout.
type HTTPRenderer struct {
	client *resty.Client
	logger *zap.Logger
}

// NewHTTPRenderer creates a renderer client against the given base URL.
func NewHTTPRenderer(baseURL string, logger *zap.Logger) *HTTPRenderer {
	client := resty.New().
		SetBaseURL(baseURL).
		SetRetryCount(0) // retries are the step executor's job
	return &HTTPRenderer{
		client: client,
		logger: logger.With(zap.String("component", "pdf-renderer")),
	}
}

// Render posts the HTML and returns the rendered PDF bytes.
func (r *HTTPRenderer) Render(ctx context.Context, html string) ([]byte, error) {
	resp, err := r.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "text/html").
		SetBody(html).
		Post("/render")
	if err != nil {
		if ctx.Err() != nil || strings.Contains(err.Error(), "deadline") {
			return nil, engine.Transientf(engine.KindTimeout, "pdf render timed out: %v", err)
		}
		return nil, engine.Transientf(engine.KindNetwork, "pdf render request failed: %v", err)
	}

	switch {
	case resp.StatusCode() == http.StatusOK:
	case resp.StatusCode() == http.StatusTooManyRequests:
		return nil, engine.Transientf(engine.KindRateLimit, "pdf render rate limited")
	case resp.StatusCode() >= 500:
		return nil, engine.Transientf(engine.KindTemporary, "pdf render service returned %d", resp.StatusCode())
	default:
		return nil, engine.Fatalf(engine.KindValidation, "pdf render rejected input with %d: %s",
			resp.StatusCode(), resp.String())
	}

	body := resp.Body()
	if len(body) == 0 {
		return nil, engine.Fatalf(engine.KindValidation, "pdf render returned an empty document")
	}

	r.logger.Debug("PDF rendered", zap.Int("size_bytes", len(body)))
	return body, nil
}

// BuildInvoiceHTML assembles the invoice document shared by the invoice
// and pdf-generation workflows.
func BuildInvoiceHTML(data map[string]any) string {
	var b strings.Builder
	b.WriteString("<html><head><style>body{font-family:sans-serif}table{border-collapse:collapse;width:100%}td,th{border:1px solid #ccc;padding:6px}</style></head><body>")
	fmt.Fprintf(&b, "<h1>Invoice %v</h1>", data["invoiceNumber"])
	fmt.Fprintf(&b, "<p>Date: %v</p>", data["date"])
	fmt.Fprintf(&b, "<p>Customer: %v</p>", data["customerName"])
	b.WriteString("<table><tr><th>Description</th><th>Qty</th><th>Unit</th><th>Amount</th></tr>")
	if lines, ok := data["lines"].([]any); ok {
		for _, raw := range lines {
			if line, ok := raw.(map[string]any); ok {
				fmt.Fprintf(&b, "<tr><td>%v</td><td>%v</td><td>%v</td><td>%v</td></tr>",
					line["description"], line["quantity"], line["unitPrice"], line["amount"])
			}
		}
	}
	b.WriteString("</table>")
	fmt.Fprintf(&b, "<h3>Total: %v %v</h3>", data["currency"], data["total"])
	b.WriteString("</body></html>")
	return b.String()
}

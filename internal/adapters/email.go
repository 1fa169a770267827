package adapters

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"go.uber.org/zap"

	"github.com/pohlai88/accounts-worker/internal/engine"
)

// EmailMessage is a single outbound email.
type EmailMessage struct {
	To       string
	Subject  string
	Template string
	Data     map[string]any
	Priority string
}

// EmailSender delivers email. Implementations classify failures so the
// retry policy can act on them.
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// SMTPSender implements EmailSender over plain SMTP.
type SMTPSender struct {
	addr   string
	from   string
	auth   smtp.Auth
	logger *zap.Logger
}

// NewSMTPSender creates an SMTP sender. Auth is optional; pass empty
// username to skip it.
func NewSMTPSender(addr, from, username, password string, logger *zap.Logger) *SMTPSender {
	var auth smtp.Auth
	if username != "" {
		host := addr
		if i := strings.IndexByte(addr, ':'); i >= 0 {
			host = addr[:i]
		}
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &SMTPSender{
		addr:   addr,
		from:   from,
		auth:   auth,
		logger: logger.With(zap.String("component", "email")),
	}
}

// Send renders the template body and delivers the message.
func (s *SMTPSender) Send(ctx context.Context, msg EmailMessage) error {
	if err := ctx.Err(); err != nil {
		return engine.Transient(engine.KindTimeout, err)
	}

	body := renderTemplate(msg.Template, msg.Data)
	headers := []string{
		fmt.Sprintf("From: %s", s.from),
		fmt.Sprintf("To: %s", msg.To),
		fmt.Sprintf("Subject: %s", msg.Subject),
		"MIME-Version: 1.0",
		"Content-Type: text/html; charset=UTF-8",
	}
	if msg.Priority == "high" || msg.Priority == "urgent" {
		headers = append(headers, "X-Priority: 1")
	}
	payload := strings.Join(headers, "\r\n") + "\r\n\r\n" + body

	if err := smtp.SendMail(s.addr, s.auth, s.from, []string{msg.To}, []byte(payload)); err != nil {
		return classifySMTP(err)
	}

	s.logger.Info("Email sent",
		zap.String("to", msg.To),
		zap.String("template", msg.Template),
		zap.String("priority", msg.Priority),
	)
	return nil
}

func classifySMTP(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate"), strings.Contains(msg, "too many"):
		return engine.Transient(engine.KindRateLimit, err)
	case strings.Contains(msg, "authentication"), strings.Contains(msg, "535"):
		return engine.Fatal(engine.KindAuth, err)
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return engine.Transient(engine.KindTimeout, err)
	default:
		return engine.Transient(engine.KindNetwork, err)
	}
}

// renderTemplate produces a minimal HTML body for the named template.
// The exact template set is an adapter concern; unknown names fall back
// to a key/value dump so no send is ever lost to a missing template.
func renderTemplate(name string, data map[string]any) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	switch name {
	case "invoice-ready":
		fmt.Fprintf(&b, "<h2>Your invoice is ready</h2><p>Invoice %v is available at <a href=%q>%v</a>.</p>",
			data["invoiceId"], data["url"], data["url"])
	case "approval-request":
		fmt.Fprintf(&b, "<h2>Approval requested</h2><p>Document %v is waiting for your decision (stage %v).</p>",
			data["attachmentId"], data["stage"])
	case "approval-reminder":
		fmt.Fprintf(&b, "<h2>Reminder</h2><p>Document %v is still waiting for your approval.</p>",
			data["attachmentId"])
	case "admin-alert":
		fmt.Fprintf(&b, "<h2>Worker alert</h2><p>%v</p>", data["message"])
	default:
		fmt.Fprintf(&b, "<h2>%s</h2>", name)
		for k, v := range data {
			fmt.Fprintf(&b, "<p><b>%s</b>: %v</p>", k, v)
		}
	}
	b.WriteString("</body></html>")
	return b.String()
}

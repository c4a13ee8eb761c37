package tools

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/iatoolkit/iatoolkit/internal/tenant"
	"github.com/iatoolkit/iatoolkit/pkg/config"
)

// Emailer delivers outbound mail on behalf of a tenant.
type Emailer interface {
	Send(ctx context.Context, tenantID, recipient, subject, body string) error
}

// SMTPEmailer sends through a single SMTP relay configured by environment.
type SMTPEmailer struct {
	host string
	port string
	user string
	pass string
	from string
}

func NewSMTPEmailer() *SMTPEmailer {
	return &SMTPEmailer{
		host: config.GetEnv("SMTP_HOST", ""),
		port: config.GetEnv("SMTP_PORT", "587"),
		user: config.GetEnv("SMTP_USER", ""),
		pass: config.GetEnv("SMTP_PASSWORD", ""),
		from: config.GetEnv("SMTP_FROM", "noreply@iatoolkit.local"),
	}
}

func (m *SMTPEmailer) Send(ctx context.Context, tenantID, recipient, subject, body string) error {
	if m.host == "" {
		return fmt.Errorf("mail delivery is not configured")
	}
	msg := strings.Join([]string{
		"From: " + m.from,
		"To: " + recipient,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/html; charset=UTF-8",
		"",
		body,
	}, "\r\n")

	var auth smtp.Auth
	if m.user != "" {
		auth = smtp.PlainAuth("", m.user, m.pass, m.host)
	}
	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(m.host+":"+m.port, auth, m.from, []string{recipient}, []byte(msg))
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// EmailTool is the iat_send_email builtin.
type EmailTool struct {
	mailer Emailer
}

func NewEmailTool(mailer Emailer) *EmailTool {
	return &EmailTool{mailer: mailer}
}

func (t *EmailTool) Definition() Definition {
	return Definition{
		Name:        "iat_send_email",
		Description: "Send an email on the user's request. The body may contain HTML.",
		Parameters: objectSchema(map[string]any{
			"recipient": map[string]any{
				"type":        "string",
				"description": "Recipient email address.",
			},
			"subject": map[string]any{
				"type":        "string",
				"description": "Email subject line.",
			},
			"body": map[string]any{
				"type":        "string",
				"description": "Email body, HTML allowed.",
			},
		}, []string{"recipient", "subject", "body"}),
		Handler: t.Execute,
	}
}

func (t *EmailTool) Execute(ctx context.Context, tn *tenant.Tenant, args map[string]any) (string, error) {
	recipient, _ := args["recipient"].(string)
	subject, _ := args["subject"].(string)
	body, _ := args["body"].(string)
	if !strings.Contains(recipient, "@") {
		return "", fmt.Errorf("recipient %q is not a valid email address", recipient)
	}
	if err := t.mailer.Send(ctx, tn.ID, recipient, subject, body); err != nil {
		return "", fmt.Errorf("send email: %v", err)
	}
	return fmt.Sprintf(`{"sent": true, "recipient": %q}`, recipient), nil
}

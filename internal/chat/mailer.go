package chat

import (
	"context"
	"fmt"

	sendgrid "github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/bridgetown-labs/ai-receptionist/internal/audit"
	"github.com/bridgetown-labs/ai-receptionist/pkg/logging"
)

// SendGridMailer sends verification codes through SendGrid.
type SendGridMailer struct {
	client    *sendgrid.Client
	fromName  string
	fromEmail string
}

func NewSendGridMailer(apiKey, fromName, fromEmail string) *SendGridMailer {
	return &SendGridMailer{
		client:    sendgrid.NewSendClient(apiKey),
		fromName:  fromName,
		fromEmail: fromEmail,
	}
}

func (m *SendGridMailer) SendVerificationCode(ctx context.Context, toEmail, code string) error {
	from := mail.NewEmail(m.fromName, m.fromEmail)
	to := mail.NewEmail("", toEmail)
	subject := "Your verification code"
	plain := fmt.Sprintf("Your verification code is %s. It expires in 10 minutes.", code)
	html := fmt.Sprintf("<p>Your verification code is <strong>%s</strong>. It expires in 10 minutes.</p>", code)

	resp, err := m.client.SendWithContext(ctx, mail.NewSingleEmail(from, subject, to, plain, html))
	if err != nil {
		return fmt.Errorf("chat: sendgrid send: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("chat: sendgrid send: status %d", resp.StatusCode)
	}
	return nil
}

// LogMailer logs that a code was issued without revealing it; used when no
// SendGrid key is configured (local development).
type LogMailer struct {
	Log *logging.Logger
}

func (m LogMailer) SendVerificationCode(_ context.Context, toEmail, code string) error {
	log := m.Log
	if log == nil {
		log = logging.Default()
	}
	log.Info("verification code issued (email delivery disabled)",
		"email_hash", audit.MaskEmail(toEmail),
		"code_length", len(code))
	return nil
}

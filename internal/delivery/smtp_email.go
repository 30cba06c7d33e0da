package delivery

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"

	"otp-service/internal/config"
	"otp-service/internal/model"
)

var _ EmailProvider = (*SMTPEmailProvider)(nil)
var _ EmailProvider = (*LogEmailProvider)(nil)

// SMTPEmailProvider delivers one-time codes over SMTP.
type SMTPEmailProvider struct {
	cfg config.SMTPConfig
}

func NewSMTPEmailProvider(cfg config.SMTPConfig) (*SMTPEmailProvider, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("SMTP host is not configured")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("email from address is not configured")
	}
	return &SMTPEmailProvider{cfg: cfg}, nil
}

func (p *SMTPEmailProvider) SendCode(ctx context.Context, email, code string, purpose model.Purpose) error {
	m := gomail.NewMessage()
	m.SetHeader("From", p.cfg.From)
	m.SetHeader("To", email)
	m.SetHeader("Subject", subjectFor(purpose))
	m.SetBody("text/html", fmt.Sprintf("<p>%s</p>", messageFor(code, purpose)))

	d := gomail.NewDialer(p.cfg.Host, p.cfg.Port, p.cfg.Username, p.cfg.Password)

	// gomail has no context support, bound the send with the caller deadline.
	done := make(chan error, 1)
	go func() {
		done <- d.DialAndSend(m)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp: send code to %s: %w", maskEmail(email), err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("smtp: send code to %s: %w", maskEmail(email), ctx.Err())
	}
}

func (p *SMTPEmailProvider) Name() string { return "smtp" }

package delivery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"otp-service/internal/model"
	"otp-service/internal/util"
)

// SMSProvider sends a one-time code to a phone number.
type SMSProvider interface {
	SendCode(ctx context.Context, phone, code string, purpose model.Purpose) error
	Name() string
}

// EmailProvider sends a one-time code to an email address.
type EmailProvider interface {
	SendCode(ctx context.Context, email, code string, purpose model.Purpose) error
	Name() string
}

// Dispatcher routes a code to the provider matching the identifier channel.
// Every send is bounded by the configured delivery timeout.
type Dispatcher struct {
	sms     SMSProvider
	email   EmailProvider
	timeout time.Duration
}

func NewDispatcher(sms SMSProvider, email EmailProvider, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		sms:     sms,
		email:   email,
		timeout: timeout,
	}
}

// Send delivers the code and reports which provider handled it.
func (d *Dispatcher) Send(ctx context.Context, identifier model.Identifier, code string, purpose model.Purpose) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	switch identifier.Type {
	case model.IdentifierPhone:
		if d.sms == nil {
			return "", fmt.Errorf("no SMS provider configured")
		}
		if err := d.sms.SendCode(ctx, identifier.Value, code, purpose); err != nil {
			return d.sms.Name(), err
		}
		return d.sms.Name(), nil
	case model.IdentifierEmail:
		if d.email == nil {
			return "", fmt.Errorf("no email provider configured")
		}
		if err := d.email.SendCode(ctx, identifier.Value, code, purpose); err != nil {
			return d.email.Name(), err
		}
		return d.email.Name(), nil
	default:
		return "", fmt.Errorf("no provider for identifier type: %s", identifier.Type)
	}
}

func messageFor(code string, purpose model.Purpose) string {
	switch purpose {
	case model.PurposePasswordReset:
		return fmt.Sprintf("Your password reset code is: %s. It expires in 10 minutes.", code)
	default:
		return fmt.Sprintf("Your verification code is: %s. It expires in 10 minutes.", code)
	}
}

func subjectFor(purpose model.Purpose) string {
	switch purpose {
	case model.PurposeRegistration:
		return "Confirm your registration"
	case model.PurposePasswordReset:
		return "Password reset code"
	default:
		return "Your verification code"
	}
}

// LogSMSProvider logs deliveries instead of sending real SMS. Suitable for
// local development and testing environments.
type LogSMSProvider struct{}

func NewLogSMSProvider() *LogSMSProvider {
	return &LogSMSProvider{}
}

func (p *LogSMSProvider) SendCode(ctx context.Context, phone, code string, purpose model.Purpose) error {
	util.Info("SMS delivery (log-only)",
		zap.String("phone", maskPhone(phone)),
		zap.String("code", code),
		zap.String("purpose", string(purpose)))
	return nil
}

func (p *LogSMSProvider) Name() string { return "log" }

// LogEmailProvider logs deliveries instead of sending real email.
type LogEmailProvider struct{}

func NewLogEmailProvider() *LogEmailProvider {
	return &LogEmailProvider{}
}

func (p *LogEmailProvider) SendCode(ctx context.Context, email, code string, purpose model.Purpose) error {
	util.Info("Email delivery (log-only)",
		zap.String("email", maskEmail(email)),
		zap.String("code", code),
		zap.String("purpose", string(purpose)))
	return nil
}

func (p *LogEmailProvider) Name() string { return "log" }

// maskPhone shows only the last 4 digits. Numbers shorter than 5 characters
// are fully masked.
func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return "***" + phone[len(phone)-4:]
}

func maskEmail(email string) string {
	for i, r := range email {
		if r == '@' {
			if i <= 1 {
				return "*" + email[i:]
			}
			return email[:1] + "***" + email[i:]
		}
	}
	return "****"
}

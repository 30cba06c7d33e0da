package delivery

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"otp-service/internal/model"
)

// snsPublisher is a narrow, consumer-defined interface for the subset of SNS
// operations required by the SMS provider. The real *sns.Client satisfies it.
type snsPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

var _ SMSProvider = (*SNSSMSProvider)(nil)
var _ SMSProvider = (*LogSMSProvider)(nil)

// SNSSMSProvider delivers one-time codes via Amazon SNS SMS.
type SNSSMSProvider struct {
	client   snsPublisher
	senderID string
}

func NewSNSSMSProvider(client snsPublisher, senderID string) *SNSSMSProvider {
	return &SNSSMSProvider{
		client:   client,
		senderID: senderID,
	}
}

func (p *SNSSMSProvider) SendCode(ctx context.Context, phone, code string, purpose model.Purpose) error {
	message := messageFor(code, purpose)

	input := &sns.PublishInput{
		PhoneNumber: &phone,
		Message:     &message,
		MessageAttributes: map[string]types.MessageAttributeValue{
			"AWS.SNS.SMS.SMSType": {
				DataType:    aws.String("String"),
				StringValue: aws.String("Transactional"),
			},
		},
	}

	if p.senderID != "" {
		input.MessageAttributes["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(p.senderID),
		}
	}

	if _, err := p.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("sns sms: send code to %s: %w", maskPhone(phone), err)
	}

	return nil
}

func (p *SNSSMSProvider) Name() string { return "sns" }

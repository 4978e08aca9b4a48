package mailing

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/enrollio/ma-engine/internal/engine"
)

// SESProvider sends email through Amazon SES v2.
type SESProvider struct {
	client    *sesv2.Client
	fromEmail string
	fromName  string
}

// SESOptions holds static credentials and sender identity for SES.
type SESOptions struct {
	Region    string
	AccessKey string
	SecretKey string
	FromEmail string
	FromName  string
}

func NewSESProvider(ctx context.Context, opts SESOptions) (*SESProvider, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &SESProvider{
		client:    sesv2.NewFromConfig(awsCfg),
		fromEmail: opts.FromEmail,
		fromName:  opts.FromName,
	}, nil
}

func (p *SESProvider) Send(ctx context.Context, msg engine.Message) (engine.SendResult, error) {
	from := p.fromEmail
	if p.fromName != "" {
		from = fmt.Sprintf("%s <%s>", p.fromName, p.fromEmail)
	}

	out, err := p.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject)},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.Body)},
				},
			},
		},
	})
	if err != nil {
		return engine.SendResult{
			Status:          string(engine.StatusFailed),
			ActualRecipient: msg.To,
			Message:         fmt.Sprintf("ses send: %v", err),
		}, nil
	}

	return engine.SendResult{
		Success:           true,
		Status:            string(engine.StatusSent),
		ActualRecipient:   msg.To,
		ProviderMessageID: aws.ToString(out.MessageId),
	}, nil
}

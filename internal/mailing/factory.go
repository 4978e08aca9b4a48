package mailing

import (
	"context"
	"fmt"

	"github.com/enrollio/ma-engine/internal/config"
	"github.com/enrollio/ma-engine/internal/pkg/logger"
)

// NewSenderFromConfig assembles the channel router from configuration and
// wraps it in the environment safety guard. Provider selection happens
// exactly once here; the engine only ever sees the resulting Provider.
// With no credentials configured the mock provider is used, so a fresh
// checkout can run a full tick without sending anything.
func NewSenderFromConfig(ctx context.Context, cfg *config.Config) (Provider, error) {
	var email Provider
	switch cfg.Mail.Provider {
	case "sendgrid":
		if cfg.Mail.SendGridAPIKey == "" {
			return nil, fmt.Errorf("mail provider sendgrid requires SENDGRID_API_KEY")
		}
		email = NewSendGridProvider(cfg.Mail.SendGridAPIKey, cfg.Mail.FromEmail, cfg.Mail.FromName, cfg.Mail.ReplyTo)
	case "ses":
		p, err := NewSESProvider(ctx, SESOptions{
			Region:    cfg.Mail.SESRegion,
			AccessKey: cfg.Mail.SESAccessKey,
			SecretKey: cfg.Mail.SESSecretKey,
			FromEmail: cfg.Mail.FromEmail,
			FromName:  cfg.Mail.FromName,
		})
		if err != nil {
			return nil, err
		}
		email = p
	case "mock":
		email = NewMockProvider()
	case "":
		// Fall back by credential presence, mock last.
		switch {
		case cfg.Mail.SendGridAPIKey != "":
			email = NewSendGridProvider(cfg.Mail.SendGridAPIKey, cfg.Mail.FromEmail, cfg.Mail.FromName, cfg.Mail.ReplyTo)
		default:
			logger.Warn("no email provider configured, using mock")
			email = NewMockProvider()
		}
	default:
		return nil, fmt.Errorf("unknown mail provider %q", cfg.Mail.Provider)
	}

	var line Provider
	if cfg.Line.ChannelToken != "" {
		line = NewLineProvider(cfg.Line.ChannelToken)
	} else {
		line = NewMockProvider()
	}

	router := &Router{Email: email, Line: line}
	return NewSafeSender(router, SafetyPolicy{
		Production:       cfg.IsProduction(),
		RedirectTo:       cfg.Mail.RedirectTo,
		AllowlistDomains: cfg.Mail.AllowlistDomains,
		LineTestUserID:   cfg.Line.TestUserID,
	}), nil
}

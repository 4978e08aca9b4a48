package mailing

import (
	"context"
	"fmt"
	"strings"

	"github.com/enrollio/ma-engine/internal/engine"
)

// SafetyPolicy controls non-production traffic handling. The guard lives
// in front of the provider, not in the engine: the engine treats every
// send opaquely and a blocked result is just another terminal outcome.
type SafetyPolicy struct {
	Production       bool
	RedirectTo       string   // test inbox for redirected email
	AllowlistDomains []string // recipient domains allowed through as-is
	LineTestUserID   string   // test recipient for redirected LINE pushes
}

func (p SafetyPolicy) domainAllowed(email string) bool {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	domain := strings.ToLower(email[at+1:])
	for _, allowed := range p.AllowlistDomains {
		if domain == strings.ToLower(allowed) || strings.HasSuffix(domain, "."+strings.ToLower(allowed)) {
			return true
		}
	}
	return false
}

// SafeSender wraps a Provider with environment redirection: production
// traffic passes through untouched; everything else is delivered to an
// allow-listed domain as-is, redirected to the configured test recipient,
// or blocked when no redirect exists.
type SafeSender struct {
	inner  Provider
	policy SafetyPolicy
}

func NewSafeSender(inner Provider, policy SafetyPolicy) *SafeSender {
	return &SafeSender{inner: inner, policy: policy}
}

func (s *SafeSender) Send(ctx context.Context, msg engine.Message) (engine.SendResult, error) {
	if !s.policy.Production {
		redirected, blocked := s.guard(&msg)
		if blocked != nil {
			return *blocked, nil
		}
		if redirected {
			res, err := s.inner.Send(ctx, msg)
			res.ActualRecipient = msg.To
			return res, err
		}
	}

	res, err := s.inner.Send(ctx, msg)
	if res.ActualRecipient == "" {
		res.ActualRecipient = msg.To
	}
	return res, err
}

// guard rewrites msg in place for non-production delivery. It returns a
// blocked result when the message must not leave the building.
func (s *SafeSender) guard(msg *engine.Message) (redirected bool, blocked *engine.SendResult) {
	switch msg.Channel {
	case engine.ChannelLine:
		if s.policy.LineTestUserID == "" {
			return false, &engine.SendResult{
				Status:  string(engine.StatusBlocked),
				Message: "LINE push blocked: no test recipient configured for non-production",
			}
		}
		if msg.To == s.policy.LineTestUserID {
			return false, nil
		}
		msg.To = s.policy.LineTestUserID
		return true, nil

	default: // email
		if s.policy.domainAllowed(msg.To) {
			return false, nil
		}
		if s.policy.RedirectTo == "" {
			return false, &engine.SendResult{
				Status:  string(engine.StatusBlocked),
				Message: "email blocked: recipient not allow-listed and no redirect configured for non-production",
			}
		}
		msg.Subject = fmt.Sprintf("[REDIRECTED from %s] %s", msg.To, msg.Subject)
		msg.To = s.policy.RedirectTo
		return true, nil
	}
}

// Package mailing implements the channel providers (SendGrid, Amazon SES,
// LINE), the environment safety guard wrapped around them, and the liquid
// template renderer used by the dispatch path.
package mailing

import (
	"context"
	"fmt"

	"github.com/enrollio/ma-engine/internal/engine"
)

// Provider delivers one message on one channel. Implementations report
// outcome through SendResult; a returned error is treated by the engine
// as a retryable transient failure.
type Provider interface {
	Send(ctx context.Context, msg engine.Message) (engine.SendResult, error)
}

// Router fans messages out to the provider for their channel.
type Router struct {
	Email Provider
	Line  Provider
}

func (r *Router) Send(ctx context.Context, msg engine.Message) (engine.SendResult, error) {
	switch msg.Channel {
	case engine.ChannelEmail:
		if r.Email != nil {
			return r.Email.Send(ctx, msg)
		}
	case engine.ChannelLine:
		if r.Line != nil {
			return r.Line.Send(ctx, msg)
		}
	}
	return engine.SendResult{}, fmt.Errorf("no provider configured for channel %q", msg.Channel)
}

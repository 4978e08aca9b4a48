package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/enrollio/ma-engine/internal/pkg/logger"
)

const (
	// MaxAttempts is the total number of dispatch attempts before a
	// reservation fails terminally.
	MaxAttempts = 3
	// DefaultRateLimit caps dispatches per tick; overflow defers to the
	// next tick. There is no cross-tick token bucket.
	DefaultRateLimit = 60
)

// retryBackoff holds the minutes to push a reservation forward after a
// failed attempt, indexed by attempt number and clamped to the last entry.
var retryBackoff = []time.Duration{1 * time.Minute, 4 * time.Minute, 9 * time.Minute}

// BackoffFor returns the delay applied after the given (1-based) attempt.
func BackoffFor(attempt int) time.Duration {
	i := attempt - 1
	if i < 0 {
		i = 0
	}
	if i >= len(retryBackoff) {
		i = len(retryBackoff) - 1
	}
	return retryBackoff[i]
}

// Message is a channel-agnostic outbound message handed to a Sender.
type Message struct {
	Channel   Channel
	To        string
	Subject   string
	Body      string
	LeadID    uuid.UUID
	SendLogID uuid.UUID
}

// SendResult is the provider's verdict. The provider, not the engine,
// applies non-production redirection and blocking, so ActualRecipient may
// differ from Message.To and Status may be "blocked" or "mock_sent".
type SendResult struct {
	Success           bool
	Status            string
	ActualRecipient   string
	ProviderMessageID string
	Message           string
}

// Sender dispatches one message through a channel provider.
type Sender interface {
	Send(ctx context.Context, msg Message) (SendResult, error)
}

// MessageRenderer renders a template for a lead. Implementations handle
// variable substitution, unsubscribe-footer injection for email bodies,
// and open-tracking markup keyed by the SendLog ID.
type MessageRenderer interface {
	Render(tmpl *Template, lead *Lead, sendLogID uuid.UUID) (subject, body string, err error)
}

// Dispatcher drains due reservations each tick: resolve, render, send,
// transition. All row transitions are conditional updates so overlapping
// ticks cannot double-transition a reservation.
type Dispatcher struct {
	store     Store
	renderer  MessageRenderer
	sender    Sender
	audit     AuditSink
	rateLimit int
}

func NewDispatcher(store Store, renderer MessageRenderer, sender Sender, audit AuditSink, rateLimit int) *Dispatcher {
	if rateLimit <= 0 {
		rateLimit = DefaultRateLimit
	}
	return &Dispatcher{store: store, renderer: renderer, sender: sender, audit: audit, rateLimit: rateLimit}
}

// DispatchStats summarizes one dispatch pass.
type DispatchStats struct {
	Sent    int
	Failed  int
	Blocked int
}

// Run processes up to the rate limit of due reservations, earliest-due
// first. Each reservation commits independently; an error on one row is
// recorded on that row and does not stop the pass.
func (d *Dispatcher) Run(ctx context.Context, now time.Time) (DispatchStats, error) {
	var stats DispatchStats

	due, err := d.store.DueSendLogs(ctx, now, MaxAttempts, d.rateLimit)
	if err != nil {
		return stats, fmt.Errorf("select due send logs: %w", err)
	}

	for i := range due {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		switch d.dispatchOne(ctx, &due[i], now) {
		case StatusSent:
			stats.Sent++
		case StatusFailed:
			stats.Failed++
		case StatusBlocked:
			stats.Blocked++
		}
	}
	return stats, nil
}

// dispatchOne runs one reservation through the send state machine and
// returns the status it transitioned to (StatusScheduled when the row was
// rescheduled for retry or lost to a concurrent dispatcher).
func (d *Dispatcher) dispatchOne(ctx context.Context, sl *SendLog, now time.Time) SendStatus {
	lead, scenario, tmpl, fatal, ok := d.resolve(ctx, sl)
	if !ok {
		// Transient store failure; the row stays due for the next pass.
		return StatusScheduled
	}
	if fatal != "" {
		// Data-integrity failure: terminal, no backoff.
		if ok, err := d.store.MarkFailed(ctx, sl.ID, sl.AttemptCount, "", fatal); err != nil {
			logger.Error("mark failed", "send_log_id", sl.ID, "error", err)
			return StatusScheduled
		} else if !ok {
			return StatusScheduled
		}
		d.audit.Log(ctx, "email_failed", "send_log", &sl.ID, map[string]any{
			"lead_id": sl.LeadID.String(),
			"error":   fatal,
		})
		return StatusFailed
	}

	recipient := lead.Email
	if tmpl.Channel == ChannelLine {
		lineID, err := d.store.LineUserIDForLead(ctx, lead.ID)
		if errors.Is(err, ErrNotFound) {
			return d.failTerminal(ctx, sl, lead, recipient, "no LINE identity linked for lead")
		}
		if err != nil {
			logger.Error("resolve line identity", "send_log_id", sl.ID, "error", err)
			return StatusScheduled
		}
		recipient = lineID
	}

	subject, body, err := d.renderer.Render(tmpl, lead, sl.ID)
	if err != nil {
		return d.failAttempt(ctx, sl, lead, sl.AttemptCount+1, recipient, fmt.Sprintf("render: %v", err), now)
	}

	attempt := sl.AttemptCount + 1
	result, err := d.sender.Send(ctx, Message{
		Channel:   tmpl.Channel,
		To:        recipient,
		Subject:   subject,
		Body:      body,
		LeadID:    lead.ID,
		SendLogID: sl.ID,
	})
	if err != nil {
		return d.failAttempt(ctx, sl, lead, attempt, recipient, err.Error(), now)
	}

	if result.Status == string(StatusBlocked) {
		if ok, err := d.store.MarkBlocked(ctx, sl.ID, attempt, recipient, result.Message); err != nil || !ok {
			if err != nil {
				logger.Error("mark blocked", "send_log_id", sl.ID, "error", err)
			}
			return StatusScheduled
		}
		d.audit.Log(ctx, "email_blocked", "send_log", &sl.ID, map[string]any{
			"lead_id": lead.ID.String(),
			"reason":  result.Message,
		})
		return StatusBlocked
	}

	if !result.Success {
		msg := result.Message
		if msg == "" {
			msg = "provider send failed"
		}
		return d.failAttempt(ctx, sl, lead, attempt, recipient, msg, now)
	}

	ok, err = d.store.MarkSent(ctx, sl.ID, now, attempt, lead.Email, result.ProviderMessageID)
	if err != nil {
		logger.Error("mark sent", "send_log_id", sl.ID, "error", err)
		return StatusScheduled
	}
	if !ok {
		// A concurrent dispatcher transitioned the row first; at most one
		// redundant provider call was spent.
		return StatusScheduled
	}
	d.audit.Log(ctx, "email_sent", "send_log", &sl.ID, map[string]any{
		"lead_id":     lead.ID.String(),
		"scenario_id": scenario.ID.String(),
		"recipient":   result.ActualRecipient,
	})
	return StatusSent
}

// resolve loads the reservation's lead, scenario, and template. A missing
// row is a fatal data-integrity failure, reported as a description; a
// transient store error reports ok=false so the row is retried next pass.
func (d *Dispatcher) resolve(ctx context.Context, sl *SendLog) (lead *Lead, scenario *Scenario, tmpl *Template, fatal string, ok bool) {
	lead, err := d.store.GetLead(ctx, sl.LeadID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, nil, "missing lead", true
	}
	if err != nil {
		logger.Error("resolve lead", "send_log_id", sl.ID, "error", err)
		return nil, nil, nil, "", false
	}
	scenario, err = d.store.GetScenario(ctx, sl.ScenarioID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, nil, "missing scenario", true
	}
	if err != nil {
		logger.Error("resolve scenario", "send_log_id", sl.ID, "error", err)
		return nil, nil, nil, "", false
	}
	tmpl, err = d.store.GetTemplate(ctx, scenario.TemplateID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, nil, "missing template", true
	}
	if err != nil {
		logger.Error("resolve template", "send_log_id", sl.ID, "error", err)
		return nil, nil, nil, "", false
	}
	return lead, scenario, tmpl, "", true
}

func (d *Dispatcher) failTerminal(ctx context.Context, sl *SendLog, lead *Lead, recipient, msg string) SendStatus {
	ok, err := d.store.MarkFailed(ctx, sl.ID, sl.AttemptCount, recipient, msg)
	if err != nil || !ok {
		if err != nil {
			logger.Error("mark failed", "send_log_id", sl.ID, "error", err)
		}
		return StatusScheduled
	}
	d.audit.Log(ctx, "email_failed", "send_log", &sl.ID, map[string]any{
		"lead_id": lead.ID.String(),
		"error":   msg,
	})
	return StatusFailed
}

// failAttempt records a retryable failure: terminal after MaxAttempts,
// otherwise rescheduled with escalating backoff.
func (d *Dispatcher) failAttempt(ctx context.Context, sl *SendLog, lead *Lead, attempt int, recipient, msg string, now time.Time) SendStatus {
	if attempt >= MaxAttempts {
		ok, err := d.store.MarkFailed(ctx, sl.ID, attempt, recipient, msg)
		if err != nil || !ok {
			if err != nil {
				logger.Error("mark failed", "send_log_id", sl.ID, "error", err)
			}
			return StatusScheduled
		}
		d.audit.Log(ctx, "email_failed", "send_log", &sl.ID, map[string]any{
			"lead_id": lead.ID.String(),
			"attempt": attempt,
			"error":   msg,
		})
		return StatusFailed
	}

	next := now.Add(BackoffFor(attempt))
	ok, err := d.store.RescheduleRetry(ctx, sl.ID, attempt, next, recipient, msg)
	if err != nil {
		logger.Error("reschedule retry", "send_log_id", sl.ID, "error", err)
		return StatusScheduled
	}
	if !ok {
		// A concurrent dispatcher already transitioned the row.
		return StatusScheduled
	}
	d.audit.Log(ctx, "email_failed", "send_log", &sl.ID, map[string]any{
		"lead_id": lead.ID.String(),
		"attempt": attempt,
		"error":   msg,
		"retry":   next.In(JST).Format(time.RFC3339),
	})
	return StatusScheduled
}

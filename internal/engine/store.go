package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrDuplicateReservation is returned by Store.CreateSendLog when the
// database rejects the insert on one of the send_logs uniqueness
// constraints. It means another tick (or an earlier pass of this one)
// already reserved the slot; the existing reservation is authoritative
// and the caller discards the attempt without error.
var ErrDuplicateReservation = errors.New("reservation already exists")

// ErrNotFound is returned by lookups for missing rows.
var ErrNotFound = errors.New("not found")

// CalendarEventQuery bounds calendar-basis discovery.
type CalendarEventQuery struct {
	From      time.Time
	To        time.Time
	EventType string     // filter by type when non-empty
	EventID   *uuid.UUID // pin to one event when set
}

// Store is the engine's persistence surface. The SQL implementation lives
// in sqlstore.go; tests use in-memory fakes.
type Store interface {
	GetLead(ctx context.Context, id uuid.UUID) (*Lead, error)
	GetScenario(ctx context.Context, id uuid.UUID) (*Scenario, error)
	GetTemplate(ctx context.Context, id uuid.UUID) (*Template, error)

	// ScenariosByTriggerType returns enabled lead-created-basis scenarios
	// matching a trigger event type.
	ScenariosByTriggerType(ctx context.Context, eventType string) ([]Scenario, error)
	// CalendarScenarios returns enabled calendar-date-basis scenarios.
	CalendarScenarios(ctx context.Context) ([]Scenario, error)

	// TriggerEventsSince returns trigger events created on or after the
	// cutoff, oldest first.
	TriggerEventsSince(ctx context.Context, cutoff time.Time) ([]TriggerEvent, error)
	// ActiveCalendarEvents returns active calendar events matching the query.
	ActiveCalendarEvents(ctx context.Context, q CalendarEventQuery) ([]CalendarEvent, error)
	// RegistrationsForEvent returns registrations for a calendar event whose
	// status is in the allow-list.
	RegistrationsForEvent(ctx context.Context, calendarEventID uuid.UUID, statuses []RegistrationStatus) ([]LeadEventRegistration, error)

	// HasSentWithin reports whether a sent SendLog exists for the pair with
	// sent_at in [since, now] (the frequency floor).
	HasSentWithin(ctx context.Context, leadID, scenarioID uuid.UUID, since time.Time) (bool, error)
	// HasReservation reports whether a SendLog already exists for the exact
	// slot. This is a pre-check only; CreateSendLog remains the authority.
	HasReservation(ctx context.Context, leadID, scenarioID uuid.UUID, scheduledFor time.Time, calendarEventID *uuid.UUID) (bool, error)

	// CreateSendLog inserts a reservation, returning ErrDuplicateReservation
	// on a uniqueness violation.
	CreateSendLog(ctx context.Context, sl *SendLog) error

	// DueSendLogs returns up to limit scheduled reservations due at or
	// before now with attempt_count below maxAttempts, earliest first.
	DueSendLogs(ctx context.Context, now time.Time, maxAttempts, limit int) ([]SendLog, error)

	// The Mark* transitions are conditional on status='scheduled' so that
	// two dispatchers racing on one row resolve to a single winner. They
	// report whether the row was actually transitioned. Every transition
	// records the recipient the attempt was addressed to.
	MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time, attempt int, recipient, providerMessageID string) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, attempt int, recipient, errMsg string) (bool, error)
	MarkBlocked(ctx context.Context, id uuid.UUID, attempt int, recipient, errMsg string) (bool, error)
	// RescheduleRetry pushes a failed attempt forward to next, keeping
	// status scheduled.
	RescheduleRetry(ctx context.Context, id uuid.UUID, attempt int, next time.Time, recipient, errMsg string) (bool, error)

	// LineUserIDForLead resolves a lead's LINE identity for chat sends.
	// Returns ErrNotFound when the lead has never linked an account.
	LineUserIDForLead(ctx context.Context, leadID uuid.UUID) (string, error)
}

// AuditSink receives fire-and-forget audit events from the engine. The
// engine never fails an operation on a sink error.
type AuditSink interface {
	Log(ctx context.Context, action, targetType string, targetID *uuid.UUID, details map[string]any)
}

// NopAudit discards audit events; used in tests.
type NopAudit struct{}

func (NopAudit) Log(context.Context, string, string, *uuid.UUID, map[string]any) {}

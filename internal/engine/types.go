// Package engine implements the scenario execution engine: periodic
// discovery of leads eligible for a messaging scenario, idempotent
// reservation of scheduled sends, and rate-limited dispatch with retry.
package engine

import (
	"time"

	"github.com/google/uuid"
)

// SendStatus is the lifecycle state of a SendLog reservation.
type SendStatus string

const (
	StatusScheduled SendStatus = "scheduled"
	StatusSent      SendStatus = "sent"
	StatusFailed    SendStatus = "failed"
	StatusBlocked   SendStatus = "blocked"
)

// Channel identifies the delivery channel of a template.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelLine  Channel = "line"
)

// TemplateStatus tracks the approval workflow state of a template.
type TemplateStatus string

const (
	TemplateDraft    TemplateStatus = "draft"
	TemplatePending  TemplateStatus = "pending"
	TemplateApproved TemplateStatus = "approved"
	TemplateRejected TemplateStatus = "rejected"
)

// TriggerBasis selects which anchor timestamp a scenario schedules from.
type TriggerBasis string

const (
	// BasisLeadCreated anchors on the trigger event's timestamp
	// (signup, campus-visit registration, ...) raised for a lead.
	BasisLeadCreated TriggerBasis = "lead_created_at"
	// BasisEventDate anchors on a calendar event's date.
	BasisEventDate TriggerBasis = "event_date"
)

// RegistrationStatus is a lead's attendance state for a calendar event.
type RegistrationStatus string

const (
	RegScheduled RegistrationStatus = "scheduled"
	RegAttended  RegistrationStatus = "attended"
	RegAbsent    RegistrationStatus = "absent"
	RegCancelled RegistrationStatus = "cancelled"
)

// Lead is a prospective student. The engine only reads leads; imports,
// unsubscribe actions and the scoring subsystem mutate them elsewhere.
type Lead struct {
	ID                   uuid.UUID
	Email                string
	Name                 string
	SchoolName           string
	Prefecture           string
	Grade                string
	GraduationYear       int
	GraduationYearSource string // "explicit" or "estimated"
	InterestTags         string
	Consent              bool
	Unsubscribed         bool
	EngagementScore      int
	ScoreBand            string
	LastEngagedAt        *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Scenario is a messaging rule: trigger + timing + targeting + template.
type Scenario struct {
	ID               uuid.UUID
	Name             string
	TemplateID       uuid.UUID
	TriggerEventType string
	BaseDateType     TriggerBasis
	// EventTypeFilter / TargetCalendarEventID narrow the calendar events a
	// BasisEventDate scenario schedules against. At most one is set.
	EventTypeFilter       string
	TargetCalendarEventID *uuid.UUID
	DelayDays             int
	FrequencyDays         int
	GradYearRuleJSON      string
	SegmentGradYearFrom   *int
	SegmentGradYearTo     *int
	SegmentGradeIn        string // JSON array of grades
	SegmentPrefecture     string
	SegmentSchoolName     string
	SegmentTag            string
	SegmentEventStatusIn  string // JSON array of registration statuses
	Enabled               bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Template is a message subject/body pair under an approval workflow.
// The engine treats templates as read-only.
type Template struct {
	ID         uuid.UUID
	Name       string
	Channel    Channel
	Subject    string
	BodyHTML   string
	Status     TemplateStatus
	ApprovedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Approved reports whether the template may be sent from.
func (t *Template) Approved() bool {
	return t.Status == TemplateApproved && t.ApprovedAt != nil
}

// TriggerEvent is a free-form action raised for a lead elsewhere in the
// platform (e.g. "OC" for an open-campus registration). Its EventDate is
// the anchor for lead-created-basis scenarios.
type TriggerEvent struct {
	ID        uuid.UUID
	LeadID    uuid.UUID
	Type      string
	EventDate time.Time
	CreatedAt time.Time
}

// CalendarEvent is a dated institutional event (open house, briefing,
// interview, tour).
type CalendarEvent struct {
	ID        uuid.UUID
	EventType string
	Title     string
	EventDate time.Time // date precision
	Location  string
	Notes     string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LeadEventRegistration links a lead to a calendar event, unique per pair.
type LeadEventRegistration struct {
	ID              uuid.UUID
	LeadID          uuid.UUID
	CalendarEventID uuid.UUID
	Status          RegistrationStatus
	CreatedAt       time.Time
}

// SendLog is a reservation: a persisted, uniquely-keyed intent to send one
// message to one lead at one computed time. It is the engine's sole unit
// of idempotency and retry state. Uniqueness is enforced by the database
// on (lead_id, scenario_id, scheduled_for) and, for calendar-basis sends,
// (lead_id, scenario_id, calendar_event_id).
type SendLog struct {
	ID                uuid.UUID
	LeadID            uuid.UUID
	ScenarioID        uuid.UUID
	CalendarEventID   *uuid.UUID
	Channel           Channel
	ScheduledFor      time.Time
	SentAt            *time.Time
	Status            SendStatus
	OpenedAt          *time.Time
	AttemptCount      int
	ErrorMessage      string
	OriginalRecipient string
	ProviderMessageID string
	CreatedAt         time.Time
}

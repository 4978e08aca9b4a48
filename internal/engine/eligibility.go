package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SkipReason names why a lead was not scheduled. Skips are expected
// outcomes, not errors; they surface only in debug logs and previews.
type SkipReason string

const (
	SkipNone               SkipReason = ""
	SkipNoConsent          SkipReason = "consent is false"
	SkipUnsubscribed       SkipReason = "lead is unsubscribed"
	SkipTemplateMissing    SkipReason = "template not found"
	SkipTemplateUnapproved SkipReason = "template not approved"
	SkipSegment            SkipReason = "segment not matched"
	SkipFrequency          SkipReason = "frequency floor not satisfied"
	SkipDuplicate          SkipReason = "duplicate schedule exists"
)

// Gate runs the eligibility checks that stand between a matched lead and a
// reservation. Checks short-circuit in a fixed order: consent and template
// approval, segment match, frequency floor, duplicate schedule. Each
// failure yields a named skip reason rather than an error.
type Gate struct {
	store Store
}

func NewGate(store Store) *Gate {
	return &Gate{store: store}
}

// Check evaluates all guards for scheduling lead×scenario at scheduledFor.
// ref is the anchor date used for segment rule arithmetic. On success it
// returns the resolved template (the reservation needs its channel) and
// SkipNone. The duplicate check here is advisory; the insert's uniqueness
// constraint remains the authority under concurrent ticks.
func (g *Gate) Check(
	ctx context.Context,
	lead *Lead,
	sc *Scenario,
	ref time.Time,
	scheduledFor time.Time,
	calendarEventID *uuid.UUID,
	now time.Time,
) (*Template, SkipReason, error) {
	if !lead.Consent {
		return nil, SkipNoConsent, nil
	}
	if lead.Unsubscribed {
		return nil, SkipUnsubscribed, nil
	}

	tmpl, err := g.store.GetTemplate(ctx, sc.TemplateID)
	if errors.Is(err, ErrNotFound) {
		return nil, SkipTemplateMissing, nil
	}
	if err != nil {
		return nil, SkipNone, fmt.Errorf("resolve template %s: %w", sc.TemplateID, err)
	}
	if !tmpl.Approved() {
		return nil, SkipTemplateUnapproved, nil
	}

	if !MatchSegment(lead, sc, ref) {
		return nil, SkipSegment, nil
	}

	if sc.FrequencyDays > 0 {
		since := now.AddDate(0, 0, -sc.FrequencyDays)
		sent, err := g.store.HasSentWithin(ctx, lead.ID, sc.ID, since)
		if err != nil {
			return nil, SkipNone, fmt.Errorf("frequency check: %w", err)
		}
		if sent {
			return nil, SkipFrequency, nil
		}
	}

	dup, err := g.store.HasReservation(ctx, lead.ID, sc.ID, scheduledFor, calendarEventID)
	if err != nil {
		return nil, SkipNone, fmt.Errorf("duplicate check: %w", err)
	}
	if dup {
		return nil, SkipDuplicate, nil
	}

	return tmpl, SkipNone, nil
}

package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Reserve writes one scheduled SendLog and reports whether a new row was
// created. A uniqueness violation means a concurrent tick (or a duplicate
// trigger event) got there first; that outcome is benign and absorbed
// here so discovery loops can simply move on.
func Reserve(
	ctx context.Context,
	store Store,
	lead *Lead,
	sc *Scenario,
	tmpl *Template,
	scheduledFor time.Time,
	calendarEventID *uuid.UUID,
) (*SendLog, bool, error) {
	sl := &SendLog{
		ID:              uuid.New(),
		LeadID:          lead.ID,
		ScenarioID:      sc.ID,
		CalendarEventID: calendarEventID,
		Channel:         tmpl.Channel,
		ScheduledFor:    scheduledFor,
		Status:          StatusScheduled,
		AttemptCount:    0,
	}
	err := store.CreateSendLog(ctx, sl)
	if errors.Is(err, ErrDuplicateReservation) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return sl, true, nil
}

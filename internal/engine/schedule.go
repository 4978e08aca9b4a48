package engine

import "time"

// All scheduling happens in Japan Standard Time regardless of server zone.
var JST = loadJST()

func loadJST() *time.Location {
	if loc, err := time.LoadLocation("Asia/Tokyo"); err == nil {
		return loc
	}
	return time.FixedZone("JST", 9*60*60)
}

const (
	// Sends are only permitted between these local hours.
	SendWindowStart = 9
	SendWindowEnd   = 20
)

// ScheduledFor computes the candidate send time for an event-basis
// scenario: anchor plus the scenario's delay, then shifted into the send
// window. The delay may be negative for pre-event reminders.
func ScheduledFor(anchor time.Time, delayDays int) time.Time {
	return AdjustToSendWindow(anchor.AddDate(0, 0, delayDays))
}

// AdjustToSendWindow normalizes a timestamp into the permitted JST send
// window: before 09:00 snaps to 09:00 the same day, 20:00 or later rolls
// to 09:00 the next day, anything in between is unchanged.
func AdjustToSendWindow(t time.Time) time.Time {
	local := t.In(JST)
	switch {
	case local.Hour() < SendWindowStart:
		return time.Date(local.Year(), local.Month(), local.Day(), SendWindowStart, 0, 0, 0, JST)
	case local.Hour() >= SendWindowEnd:
		next := local.AddDate(0, 0, 1)
		return time.Date(next.Year(), next.Month(), next.Day(), SendWindowStart, 0, 0, 0, JST)
	default:
		return local
	}
}

// CalendarScheduledFor computes the send time for a calendar-date-basis
// scenario: event date plus delay, fixed at 09:00 JST. ok is false when
// the candidate date lies strictly more than one day before today, which
// drops stale events instead of scheduling in the past.
//
// The coarse fixed-hour policy here intentionally differs from the
// fine-grained window clamp used for event-basis scenarios; the two paths
// grew separately and unifying them is an open design choice (DESIGN.md).
func CalendarScheduledFor(eventDate time.Time, delayDays int, today time.Time) (time.Time, bool) {
	d := eventDate.In(JST).AddDate(0, 0, delayDays)
	candidate := time.Date(d.Year(), d.Month(), d.Day(), SendWindowStart, 0, 0, 0, JST)

	ty := today.In(JST)
	startOfToday := time.Date(ty.Year(), ty.Month(), ty.Day(), 0, 0, 0, 0, JST)
	if candidate.Before(startOfToday.AddDate(0, 0, -1)) {
		return time.Time{}, false
	}
	return candidate, true
}

package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

// harness bundles a store with an orchestrator whose dispatcher sends
// through a scripted provider.
func newHarness(sender Sender) (*memStore, *Orchestrator) {
	store := newMemStore()
	d := NewDispatcher(store, stubRenderer{}, sender, NopAudit{}, 0)
	o := NewOrchestrator(store, d, NopAudit{}, OrchestratorConfig{})
	return store, o
}

func alwaysSent() *stubSender {
	results := make([]SendResult, 64)
	for i := range results {
		results[i] = SendResult{Success: true, Status: "sent"}
	}
	return &stubSender{results: results}
}

func seedEventScenario(store *memStore, eventType string, delayDays int) (*Lead, *Scenario) {
	lead := newTestLead()
	tmpl := newApprovedTemplate(ChannelEmail)
	sc := newTestScenario(tmpl.ID)
	sc.TriggerEventType = eventType
	sc.DelayDays = delayDays
	store.leads[lead.ID] = lead
	store.templates[tmpl.ID] = tmpl
	store.scenarios[sc.ID] = sc
	return lead, sc
}

func TestRunTickEventBasis(t *testing.T) {
	now := time.Date(2026, time.June, 1, 10, 0, 0, 0, JST)
	store, o := newHarness(alwaysSent())
	lead, sc := seedEventScenario(store, "OC", 3)

	eventDate := time.Date(2026, time.May, 30, 14, 0, 0, 0, JST)
	store.triggerEvents = append(store.triggerEvents, TriggerEvent{
		ID: uuid.New(), LeadID: lead.ID, Type: "OC",
		EventDate: eventDate, CreatedAt: eventDate,
	})

	s := o.RunTick(context.Background(), now)
	if s.EventReservations != 1 {
		t.Fatalf("event reservations = %d, want 1", s.EventReservations)
	}

	logs := store.allLogs()
	if len(logs) != 1 {
		t.Fatalf("send logs = %d, want 1", len(logs))
	}
	want := time.Date(2026, time.June, 2, 14, 0, 0, 0, JST)
	if !logs[0].ScheduledFor.Equal(want) {
		t.Errorf("scheduled_for = %v, want %v", logs[0].ScheduledFor, want)
	}
	if logs[0].LeadID != lead.ID || logs[0].ScenarioID != sc.ID {
		t.Error("reservation keyed to wrong lead or scenario")
	}
	// Not yet due, so nothing dispatched.
	if s.Sent != 0 {
		t.Errorf("sent = %d, want 0 before the scheduled time", s.Sent)
	}
}

func TestRunTickIdempotent(t *testing.T) {
	now := time.Date(2026, time.June, 1, 10, 0, 0, 0, JST)
	store, o := newHarness(alwaysSent())
	lead, _ := seedEventScenario(store, "OC", 3)

	eventDate := time.Date(2026, time.May, 30, 14, 0, 0, 0, JST)
	store.triggerEvents = append(store.triggerEvents, TriggerEvent{
		ID: uuid.New(), LeadID: lead.ID, Type: "OC",
		EventDate: eventDate, CreatedAt: eventDate,
	})

	first := o.RunTick(context.Background(), now)
	second := o.RunTick(context.Background(), now.Add(5*time.Minute))

	if first.EventReservations != 1 {
		t.Errorf("first tick reservations = %d, want 1", first.EventReservations)
	}
	if second.EventReservations != 0 {
		t.Errorf("second tick reservations = %d, want 0", second.EventReservations)
	}
	if got := len(store.allLogs()); got != 1 {
		t.Errorf("send logs = %d, want exactly 1 across ticks", got)
	}
}

func TestRunTickDispatchesDueReservations(t *testing.T) {
	start := time.Date(2026, time.June, 1, 10, 0, 0, 0, JST)
	store, o := newHarness(alwaysSent())
	lead, _ := seedEventScenario(store, "OC", 0)

	store.triggerEvents = append(store.triggerEvents, TriggerEvent{
		ID: uuid.New(), LeadID: lead.ID, Type: "OC",
		EventDate: start.Add(-time.Hour), CreatedAt: start.Add(-time.Hour),
	})

	s := o.RunTick(context.Background(), start)
	if s.EventReservations != 1 {
		t.Fatalf("reservations = %d, want 1", s.EventReservations)
	}
	if s.Sent != 1 {
		t.Errorf("sent = %d, want 1 (reservation was already due)", s.Sent)
	}

	logs := store.allLogs()
	if logs[0].Status != StatusSent {
		t.Errorf("status = %q, want sent", logs[0].Status)
	}
}

func TestRunTickFrequencyFloor(t *testing.T) {
	now := time.Date(2026, time.June, 10, 10, 0, 0, 0, JST)
	store, o := newHarness(alwaysSent())
	lead, sc := seedEventScenario(store, "OC", 0)
	sc.FrequencyDays = 7
	store.scenarios[sc.ID] = sc

	// A send 3 days ago holds the floor; one 8 days ago would not.
	sentAt := now.AddDate(0, 0, -3)
	store.sendLogs[uuid.New()] = &SendLog{
		ID: uuid.New(), LeadID: lead.ID, ScenarioID: sc.ID,
		Status: StatusSent, SentAt: &sentAt,
		ScheduledFor: sentAt,
	}

	store.triggerEvents = append(store.triggerEvents, TriggerEvent{
		ID: uuid.New(), LeadID: lead.ID, Type: "OC",
		EventDate: now.Add(-time.Hour), CreatedAt: now.Add(-time.Hour),
	})

	s := o.RunTick(context.Background(), now)
	if s.EventReservations != 0 {
		t.Errorf("reservations = %d, want 0 inside the frequency floor", s.EventReservations)
	}

	// Move the prior send outside the floor and the reservation goes through.
	older := now.AddDate(0, 0, -8)
	for _, sl := range store.sendLogs {
		if sl.Status == StatusSent {
			sl.SentAt = &older
		}
	}
	s = o.RunTick(context.Background(), now.Add(5*time.Minute))
	if s.EventReservations != 1 {
		t.Errorf("reservations = %d, want 1 after the floor expires", s.EventReservations)
	}
}

func TestRunTickCalendarBasis(t *testing.T) {
	now := time.Date(2026, time.June, 1, 10, 0, 0, 0, JST)
	store, o := newHarness(alwaysSent())

	tmpl := newApprovedTemplate(ChannelEmail)
	sc := newTestScenario(tmpl.ID)
	sc.BaseDateType = BasisEventDate
	sc.EventTypeFilter = "open_campus"
	sc.DelayDays = -3
	store.templates[tmpl.ID] = tmpl
	store.scenarios[sc.ID] = sc

	ev := CalendarEvent{
		ID: uuid.New(), EventType: "open_campus", Title: "夏のオープンキャンパス",
		EventDate: time.Date(2026, time.June, 20, 0, 0, 0, 0, JST), Active: true,
	}
	other := CalendarEvent{
		ID: uuid.New(), EventType: "briefing", Title: "入試説明会",
		EventDate: ev.EventDate, Active: true,
	}
	store.calEvents = append(store.calEvents, ev, other)

	attending := newTestLead()
	cancelled := newTestLead()
	store.leads[attending.ID] = attending
	store.leads[cancelled.ID] = cancelled
	store.registrations = append(store.registrations,
		LeadEventRegistration{ID: uuid.New(), LeadID: attending.ID, CalendarEventID: ev.ID, Status: RegScheduled},
		LeadEventRegistration{ID: uuid.New(), LeadID: cancelled.ID, CalendarEventID: ev.ID, Status: RegCancelled},
	)

	s := o.RunTick(context.Background(), now)
	if s.CalendarReservations != 1 {
		t.Fatalf("calendar reservations = %d, want 1 (cancelled excluded, other event filtered)", s.CalendarReservations)
	}

	logs := store.allLogs()
	want := time.Date(2026, time.June, 17, 9, 0, 0, 0, JST)
	if !logs[0].ScheduledFor.Equal(want) {
		t.Errorf("scheduled_for = %v, want %v", logs[0].ScheduledFor, want)
	}
	if logs[0].CalendarEventID == nil || *logs[0].CalendarEventID != ev.ID {
		t.Error("reservation should carry the calendar event ID")
	}
	if logs[0].LeadID != attending.ID {
		t.Error("reservation should belong to the registered lead")
	}
}

func TestRunTickCalendarStaleEventDropped(t *testing.T) {
	now := time.Date(2026, time.June, 1, 10, 0, 0, 0, JST)
	store, o := newHarness(alwaysSent())

	tmpl := newApprovedTemplate(ChannelEmail)
	sc := newTestScenario(tmpl.ID)
	sc.BaseDateType = BasisEventDate
	sc.DelayDays = 0
	store.templates[tmpl.ID] = tmpl
	store.scenarios[sc.ID] = sc

	ev := CalendarEvent{
		ID: uuid.New(), EventType: "open_campus", Title: "過去イベント",
		EventDate: time.Date(2026, time.May, 20, 0, 0, 0, 0, JST), Active: true,
	}
	store.calEvents = append(store.calEvents, ev)

	lead := newTestLead()
	store.leads[lead.ID] = lead
	store.registrations = append(store.registrations,
		LeadEventRegistration{ID: uuid.New(), LeadID: lead.ID, CalendarEventID: ev.ID, Status: RegAttended})

	s := o.RunTick(context.Background(), now)
	if s.CalendarReservations != 0 {
		t.Errorf("reservations = %d, want 0 for an event well in the past", s.CalendarReservations)
	}
}

func TestRunTickSkipsWhenLockHeld(t *testing.T) {
	_, o := newHarness(alwaysSent())
	o.SetLock(heldLock{})

	s := o.RunTick(context.Background(), time.Now())
	if !s.Skipped {
		t.Error("tick should be skipped when the lock is held elsewhere")
	}
}

type heldLock struct{}

func (heldLock) Acquire(context.Context) (bool, error) { return false, nil }
func (heldLock) Release(context.Context) error         { return nil }

// Full lifecycle: trigger event -> reservation -> dispatch -> frequency
// floor suppressing a follow-up trigger.
func TestRunTickEndToEnd(t *testing.T) {
	store := newMemStore()
	sender := alwaysSent()
	d := NewDispatcher(store, stubRenderer{}, sender, NopAudit{}, 0)
	o := NewOrchestrator(store, d, NopAudit{}, OrchestratorConfig{})

	tmpl := newApprovedTemplate(ChannelEmail)
	sc := newTestScenario(tmpl.ID)
	sc.TriggerEventType = "OC"
	sc.DelayDays = 1
	sc.FrequencyDays = 7
	sc.GradYearRuleJSON = `{"type":"in","values":[2026]}`
	store.templates[tmpl.ID] = tmpl
	store.scenarios[sc.ID] = sc

	lead := newTestLead()
	lead.GraduationYear = 2026
	store.leads[lead.ID] = lead

	eventAt := time.Date(2026, time.June, 1, 10, 0, 0, 0, JST)
	store.triggerEvents = append(store.triggerEvents, TriggerEvent{
		ID: uuid.New(), LeadID: lead.ID, Type: "OC",
		EventDate: eventAt, CreatedAt: eventAt,
	})

	// Tick shortly after the event: reservation created, nothing due yet.
	s := o.RunTick(context.Background(), eventAt.Add(5*time.Minute))
	if s.EventReservations != 1 || s.Sent != 0 {
		t.Fatalf("first tick = %+v, want 1 reservation and 0 sent", s)
	}
	logs := store.allLogs()
	wantAt := time.Date(2026, time.June, 2, 10, 0, 0, 0, JST)
	if !logs[0].ScheduledFor.Equal(wantAt) {
		t.Fatalf("scheduled_for = %v, want %v", logs[0].ScheduledFor, wantAt)
	}

	// Tick at the scheduled time: dispatched and marked sent.
	s = o.RunTick(context.Background(), wantAt.Add(time.Minute))
	if s.Sent != 1 {
		t.Fatalf("dispatch tick = %+v, want 1 sent", s)
	}
	sent := store.logByID(logs[0].ID)
	if sent.Status != StatusSent || sent.SentAt == nil {
		t.Fatalf("send log = %+v, want sent with sent_at", sent)
	}

	// A second OC event two days later is suppressed by the 7-day floor.
	secondAt := eventAt.AddDate(0, 0, 2)
	store.triggerEvents = append(store.triggerEvents, TriggerEvent{
		ID: uuid.New(), LeadID: lead.ID, Type: "OC",
		EventDate: secondAt, CreatedAt: secondAt,
	})
	s = o.RunTick(context.Background(), secondAt.Add(5*time.Minute))
	if s.EventReservations != 0 {
		t.Errorf("tick after second event = %+v, want 0 reservations inside the floor", s)
	}
	if got := len(store.allLogs()); got != 1 {
		t.Errorf("send logs = %d, want still exactly 1", got)
	}
}

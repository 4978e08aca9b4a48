package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memStore is an in-memory Store used across the engine tests. It mirrors
// the SQL semantics that matter: uniqueness on reservations and
// conditional status transitions.
type memStore struct {
	mu sync.Mutex

	leads         map[uuid.UUID]*Lead
	scenarios     map[uuid.UUID]*Scenario
	templates     map[uuid.UUID]*Template
	triggerEvents []TriggerEvent
	calEvents     []CalendarEvent
	registrations []LeadEventRegistration
	lineIDs       map[uuid.UUID]string
	sendLogs      map[uuid.UUID]*SendLog
}

func newMemStore() *memStore {
	return &memStore{
		leads:     make(map[uuid.UUID]*Lead),
		scenarios: make(map[uuid.UUID]*Scenario),
		templates: make(map[uuid.UUID]*Template),
		lineIDs:   make(map[uuid.UUID]string),
		sendLogs:  make(map[uuid.UUID]*SendLog),
	}
}

func (m *memStore) GetLead(_ context.Context, id uuid.UUID) (*Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.leads[id]; ok {
		cp := *l
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *memStore) GetScenario(_ context.Context, id uuid.UUID) (*Scenario, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.scenarios[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *memStore) GetTemplate(_ context.Context, id uuid.UUID) (*Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.templates[id]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *memStore) ScenariosByTriggerType(_ context.Context, eventType string) ([]Scenario, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Scenario
	for _, s := range m.scenarios {
		if s.Enabled && s.BaseDateType == BasisLeadCreated && s.TriggerEventType == eventType {
			out = append(out, *s)
		}
	}
	sortScenarios(out)
	return out, nil
}

func (m *memStore) CalendarScenarios(_ context.Context) ([]Scenario, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Scenario
	for _, s := range m.scenarios {
		if s.Enabled && s.BaseDateType == BasisEventDate {
			out = append(out, *s)
		}
	}
	sortScenarios(out)
	return out, nil
}

func sortScenarios(list []Scenario) {
	sort.Slice(list, func(i, j int) bool { return list[i].ID.String() < list[j].ID.String() })
}

func (m *memStore) TriggerEventsSince(_ context.Context, cutoff time.Time) ([]TriggerEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TriggerEvent
	for _, ev := range m.triggerEvents {
		if !ev.CreatedAt.Before(cutoff) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *memStore) ActiveCalendarEvents(_ context.Context, q CalendarEventQuery) ([]CalendarEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []CalendarEvent
	for _, ev := range m.calEvents {
		if !ev.Active || ev.EventDate.Before(q.From) || ev.EventDate.After(q.To) {
			continue
		}
		if q.EventID != nil && ev.ID != *q.EventID {
			continue
		}
		if q.EventID == nil && q.EventType != "" && ev.EventType != q.EventType {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (m *memStore) RegistrationsForEvent(_ context.Context, calendarEventID uuid.UUID, statuses []RegistrationStatus) ([]LeadEventRegistration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	allowed := make(map[RegistrationStatus]bool, len(statuses))
	for _, s := range statuses {
		allowed[s] = true
	}
	var out []LeadEventRegistration
	for _, r := range m.registrations {
		if r.CalendarEventID == calendarEventID && allowed[r.Status] {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) HasSentWithin(_ context.Context, leadID, scenarioID uuid.UUID, since time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sl := range m.sendLogs {
		if sl.LeadID == leadID && sl.ScenarioID == scenarioID &&
			sl.Status == StatusSent && sl.SentAt != nil && !sl.SentAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) HasReservation(_ context.Context, leadID, scenarioID uuid.UUID, scheduledFor time.Time, calendarEventID *uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sl := range m.sendLogs {
		if sl.LeadID != leadID || sl.ScenarioID != scenarioID {
			continue
		}
		if calendarEventID != nil {
			if sl.CalendarEventID != nil && *sl.CalendarEventID == *calendarEventID {
				return true, nil
			}
			continue
		}
		if sl.ScheduledFor.Equal(scheduledFor) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) CreateSendLog(_ context.Context, sl *SendLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sendLogs {
		if existing.LeadID != sl.LeadID || existing.ScenarioID != sl.ScenarioID {
			continue
		}
		if existing.ScheduledFor.Equal(sl.ScheduledFor) {
			return ErrDuplicateReservation
		}
		if sl.CalendarEventID != nil && existing.CalendarEventID != nil &&
			*existing.CalendarEventID == *sl.CalendarEventID {
			return ErrDuplicateReservation
		}
	}
	if sl.ID == uuid.Nil {
		sl.ID = uuid.New()
	}
	sl.Status = StatusScheduled
	cp := *sl
	m.sendLogs[sl.ID] = &cp
	return nil
}

func (m *memStore) DueSendLogs(_ context.Context, now time.Time, maxAttempts, limit int) ([]SendLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SendLog
	for _, sl := range m.sendLogs {
		if sl.Status == StatusScheduled && !sl.ScheduledFor.After(now) && sl.AttemptCount < maxAttempts {
			out = append(out, *sl)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) MarkSent(_ context.Context, id uuid.UUID, sentAt time.Time, attempt int, recipient, providerMessageID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sl, ok := m.sendLogs[id]
	if !ok || sl.Status != StatusScheduled {
		return false, nil
	}
	at := sentAt
	sl.Status = StatusSent
	sl.SentAt = &at
	sl.AttemptCount = attempt
	sl.OriginalRecipient = recipient
	sl.ProviderMessageID = providerMessageID
	sl.ErrorMessage = ""
	return true, nil
}

func (m *memStore) MarkFailed(_ context.Context, id uuid.UUID, attempt int, recipient, errMsg string) (bool, error) {
	return m.transition(id, StatusFailed, attempt, recipient, errMsg)
}

func (m *memStore) MarkBlocked(_ context.Context, id uuid.UUID, attempt int, recipient, errMsg string) (bool, error) {
	return m.transition(id, StatusBlocked, attempt, recipient, errMsg)
}

func (m *memStore) transition(id uuid.UUID, to SendStatus, attempt int, recipient, errMsg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sl, ok := m.sendLogs[id]
	if !ok || sl.Status != StatusScheduled {
		return false, nil
	}
	sl.Status = to
	sl.AttemptCount = attempt
	sl.OriginalRecipient = recipient
	sl.ErrorMessage = errMsg
	return true, nil
}

func (m *memStore) RescheduleRetry(_ context.Context, id uuid.UUID, attempt int, next time.Time, recipient, errMsg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sl, ok := m.sendLogs[id]
	if !ok || sl.Status != StatusScheduled {
		return false, nil
	}
	sl.AttemptCount = attempt
	sl.ScheduledFor = next
	sl.OriginalRecipient = recipient
	sl.ErrorMessage = errMsg
	return true, nil
}

func (m *memStore) LineUserIDForLead(_ context.Context, leadID uuid.UUID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.lineIDs[leadID]; ok {
		return id, nil
	}
	return "", ErrNotFound
}

func (m *memStore) logByID(id uuid.UUID) *SendLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sl, ok := m.sendLogs[id]; ok {
		cp := *sl
		return &cp
	}
	return nil
}

func (m *memStore) allLogs() []SendLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SendLog, 0, len(m.sendLogs))
	for _, sl := range m.sendLogs {
		out = append(out, *sl)
	}
	return out
}

// Test fixture helpers.

func newTestLead() *Lead {
	return &Lead{
		ID:             uuid.New(),
		Email:          "taro@example.com",
		Name:           "山田太郎",
		Prefecture:     "Tokyo",
		Grade:          "high3",
		GraduationYear: 2027,
		Consent:        true,
		CreatedAt:      time.Now(),
	}
}

func newApprovedTemplate(ch Channel) *Template {
	at := time.Now()
	return &Template{
		ID:         uuid.New(),
		Name:       "followup",
		Channel:    ch,
		Subject:    "オープンキャンパスのご案内",
		BodyHTML:   "<p>{{ lead_name }}様</p>",
		Status:     TemplateApproved,
		ApprovedAt: &at,
	}
}

func newTestScenario(templateID uuid.UUID) *Scenario {
	return &Scenario{
		ID:           uuid.New(),
		Name:         "oc-followup",
		TemplateID:   templateID,
		BaseDateType: BasisLeadCreated,
		Enabled:      true,
	}
}

package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// SQLStore is the Postgres-backed Store.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// uniqueViolation is the Postgres error code for a unique-constraint hit.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

const leadColumns = `id, email, name, COALESCE(school_name,''), COALESCE(prefecture,''), COALESCE(grade,''),
	graduation_year, COALESCE(graduation_year_source,'explicit'), COALESCE(interest_tags,''),
	consent, unsubscribed, COALESCE(engagement_score,0), COALESCE(score_band,'cold'), last_engaged_at,
	created_at, updated_at`

func scanLead(row interface{ Scan(...any) error }) (*Lead, error) {
	var l Lead
	err := row.Scan(&l.ID, &l.Email, &l.Name, &l.SchoolName, &l.Prefecture, &l.Grade,
		&l.GraduationYear, &l.GraduationYearSource, &l.InterestTags,
		&l.Consent, &l.Unsubscribed, &l.EngagementScore, &l.ScoreBand, &l.LastEngagedAt,
		&l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *SQLStore) GetLead(ctx context.Context, id uuid.UUID) (*Lead, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE id = $1`, id)
	l, err := scanLead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lead: %w", err)
	}
	return l, nil
}

const scenarioColumns = `id, name, template_id, COALESCE(trigger_event_type,''), base_date_type,
	COALESCE(event_type_filter,''), target_calendar_event_id, delay_days, frequency_days,
	COALESCE(graduation_year_rule,''), segment_graduation_year_from, segment_graduation_year_to,
	COALESCE(segment_grade_in,''), COALESCE(segment_prefecture,''), COALESCE(segment_school_name,''),
	COALESCE(segment_tag,''), COALESCE(segment_event_status_in,''), is_enabled, created_at, updated_at`

func scanScenario(row interface{ Scan(...any) error }) (*Scenario, error) {
	var sc Scenario
	var targetEvent uuid.NullUUID
	var gradFrom, gradTo sql.NullInt64
	err := row.Scan(&sc.ID, &sc.Name, &sc.TemplateID, &sc.TriggerEventType, &sc.BaseDateType,
		&sc.EventTypeFilter, &targetEvent, &sc.DelayDays, &sc.FrequencyDays,
		&sc.GradYearRuleJSON, &gradFrom, &gradTo,
		&sc.SegmentGradeIn, &sc.SegmentPrefecture, &sc.SegmentSchoolName,
		&sc.SegmentTag, &sc.SegmentEventStatusIn, &sc.Enabled, &sc.CreatedAt, &sc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if targetEvent.Valid {
		id := targetEvent.UUID
		sc.TargetCalendarEventID = &id
	}
	if gradFrom.Valid {
		v := int(gradFrom.Int64)
		sc.SegmentGradYearFrom = &v
	}
	if gradTo.Valid {
		v := int(gradTo.Int64)
		sc.SegmentGradYearTo = &v
	}
	return &sc, nil
}

func (s *SQLStore) GetScenario(ctx context.Context, id uuid.UUID) (*Scenario, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scenarioColumns+` FROM scenarios WHERE id = $1`, id)
	sc, err := scanScenario(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scenario: %w", err)
	}
	return sc, nil
}

func (s *SQLStore) queryScenarios(ctx context.Context, query string, args ...any) ([]Scenario, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Scenario
	for rows.Next() {
		sc, err := scanScenario(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}

func (s *SQLStore) ScenariosByTriggerType(ctx context.Context, eventType string) ([]Scenario, error) {
	out, err := s.queryScenarios(ctx,
		`SELECT `+scenarioColumns+` FROM scenarios
		WHERE trigger_event_type = $1 AND base_date_type = $2 AND is_enabled = TRUE`,
		eventType, BasisLeadCreated)
	if err != nil {
		return nil, fmt.Errorf("scenarios by trigger type: %w", err)
	}
	return out, nil
}

func (s *SQLStore) CalendarScenarios(ctx context.Context) ([]Scenario, error) {
	out, err := s.queryScenarios(ctx,
		`SELECT `+scenarioColumns+` FROM scenarios
		WHERE base_date_type = $1 AND is_enabled = TRUE`,
		BasisEventDate)
	if err != nil {
		return nil, fmt.Errorf("calendar scenarios: %w", err)
	}
	return out, nil
}

func (s *SQLStore) GetTemplate(ctx context.Context, id uuid.UUID) (*Template, error) {
	var t Template
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, channel, subject, body_html, status, approved_at, created_at, updated_at
		FROM templates WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.Channel, &t.Subject, &t.BodyHTML, &t.Status, &t.ApprovedAt, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	return &t, nil
}

func (s *SQLStore) TriggerEventsSince(ctx context.Context, cutoff time.Time) ([]TriggerEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, lead_id, type, event_date, created_at
		FROM trigger_events WHERE created_at >= $1 ORDER BY created_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("trigger events: %w", err)
	}
	defer rows.Close()

	var out []TriggerEvent
	for rows.Next() {
		var ev TriggerEvent
		if err := rows.Scan(&ev.ID, &ev.LeadID, &ev.Type, &ev.EventDate, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLStore) ActiveCalendarEvents(ctx context.Context, q CalendarEventQuery) ([]CalendarEvent, error) {
	query := `SELECT id, event_type, title, event_date, COALESCE(location,''), COALESCE(notes,''),
		is_active, created_at, updated_at
		FROM calendar_events
		WHERE is_active = TRUE AND event_date >= $1 AND event_date <= $2`
	args := []any{q.From, q.To}
	if q.EventID != nil {
		query += ` AND id = $3`
		args = append(args, *q.EventID)
	} else if q.EventType != "" {
		query += ` AND event_type = $3`
		args = append(args, q.EventType)
	}
	query += ` ORDER BY event_date`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("calendar events: %w", err)
	}
	defer rows.Close()

	var out []CalendarEvent
	for rows.Next() {
		var ev CalendarEvent
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.Title, &ev.EventDate, &ev.Location, &ev.Notes,
			&ev.Active, &ev.CreatedAt, &ev.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLStore) RegistrationsForEvent(ctx context.Context, calendarEventID uuid.UUID, statuses []RegistrationStatus) ([]LeadEventRegistration, error) {
	strs := make([]string, len(statuses))
	for i, st := range statuses {
		strs[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, lead_id, calendar_event_id, status, created_at
		FROM lead_event_registrations
		WHERE calendar_event_id = $1 AND status = ANY($2)`,
		calendarEventID, pq.Array(strs))
	if err != nil {
		return nil, fmt.Errorf("registrations: %w", err)
	}
	defer rows.Close()

	var out []LeadEventRegistration
	for rows.Next() {
		var r LeadEventRegistration
		if err := rows.Scan(&r.ID, &r.LeadID, &r.CalendarEventID, &r.Status, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) HasSentWithin(ctx context.Context, leadID, scenarioID uuid.UUID, since time.Time) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM send_logs
			WHERE lead_id = $1 AND scenario_id = $2 AND status = $3 AND sent_at >= $4
		)`, leadID, scenarioID, StatusSent, since).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("frequency check: %w", err)
	}
	return exists, nil
}

func (s *SQLStore) HasReservation(ctx context.Context, leadID, scenarioID uuid.UUID, scheduledFor time.Time, calendarEventID *uuid.UUID) (bool, error) {
	var exists bool
	var err error
	if calendarEventID != nil {
		err = s.db.QueryRowContext(ctx,
			`SELECT EXISTS(
				SELECT 1 FROM send_logs
				WHERE lead_id = $1 AND scenario_id = $2 AND calendar_event_id = $3
			)`, leadID, scenarioID, *calendarEventID).Scan(&exists)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT EXISTS(
				SELECT 1 FROM send_logs
				WHERE lead_id = $1 AND scenario_id = $2 AND scheduled_for = $3
			)`, leadID, scenarioID, scheduledFor).Scan(&exists)
	}
	if err != nil {
		return false, fmt.Errorf("duplicate check: %w", err)
	}
	return exists, nil
}

func (s *SQLStore) CreateSendLog(ctx context.Context, sl *SendLog) error {
	if sl.ID == uuid.Nil {
		sl.ID = uuid.New()
	}
	var calendarEventID uuid.NullUUID
	if sl.CalendarEventID != nil {
		calendarEventID = uuid.NullUUID{UUID: *sl.CalendarEventID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO send_logs (id, lead_id, scenario_id, calendar_event_id, channel, scheduled_for, status, attempt_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sl.ID, sl.LeadID, sl.ScenarioID, calendarEventID, sl.Channel, sl.ScheduledFor, StatusScheduled, 0)
	if isUniqueViolation(err) {
		return ErrDuplicateReservation
	}
	if err != nil {
		return fmt.Errorf("create send log: %w", err)
	}
	return nil
}

func (s *SQLStore) DueSendLogs(ctx context.Context, now time.Time, maxAttempts, limit int) ([]SendLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, lead_id, scenario_id, calendar_event_id, channel, scheduled_for, sent_at, status,
			opened_at, attempt_count, COALESCE(error_message,''), COALESCE(original_recipient,''),
			COALESCE(provider_message_id,''), created_at
		FROM send_logs
		WHERE status = $1 AND scheduled_for <= $2 AND attempt_count < $3
		ORDER BY scheduled_for
		LIMIT $4`,
		StatusScheduled, now, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("due send logs: %w", err)
	}
	defer rows.Close()

	var out []SendLog
	for rows.Next() {
		var sl SendLog
		var calendarEventID uuid.NullUUID
		if err := rows.Scan(&sl.ID, &sl.LeadID, &sl.ScenarioID, &calendarEventID, &sl.Channel,
			&sl.ScheduledFor, &sl.SentAt, &sl.Status, &sl.OpenedAt, &sl.AttemptCount,
			&sl.ErrorMessage, &sl.OriginalRecipient, &sl.ProviderMessageID, &sl.CreatedAt); err != nil {
			return nil, err
		}
		if calendarEventID.Valid {
			id := calendarEventID.UUID
			sl.CalendarEventID = &id
		}
		out = append(out, sl)
	}
	return out, rows.Err()
}

// conditionalUpdate runs an UPDATE guarded on status='scheduled' and
// reports whether exactly this call transitioned the row.
func (s *SQLStore) conditionalUpdate(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLStore) MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time, attempt int, recipient, providerMessageID string) (bool, error) {
	ok, err := s.conditionalUpdate(ctx,
		`UPDATE send_logs
		SET status = $1, sent_at = $2, attempt_count = $3, original_recipient = $4,
			provider_message_id = $5, error_message = NULL
		WHERE id = $6 AND status = $7`,
		StatusSent, sentAt, attempt, recipient, providerMessageID, id, StatusScheduled)
	if err != nil {
		return false, fmt.Errorf("mark sent: %w", err)
	}
	return ok, nil
}

func (s *SQLStore) MarkFailed(ctx context.Context, id uuid.UUID, attempt int, recipient, errMsg string) (bool, error) {
	ok, err := s.conditionalUpdate(ctx,
		`UPDATE send_logs
		SET status = $1, attempt_count = $2, original_recipient = $3, error_message = $4
		WHERE id = $5 AND status = $6`,
		StatusFailed, attempt, recipient, errMsg, id, StatusScheduled)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return ok, nil
}

func (s *SQLStore) MarkBlocked(ctx context.Context, id uuid.UUID, attempt int, recipient, errMsg string) (bool, error) {
	ok, err := s.conditionalUpdate(ctx,
		`UPDATE send_logs
		SET status = $1, attempt_count = $2, original_recipient = $3, error_message = $4
		WHERE id = $5 AND status = $6`,
		StatusBlocked, attempt, recipient, errMsg, id, StatusScheduled)
	if err != nil {
		return false, fmt.Errorf("mark blocked: %w", err)
	}
	return ok, nil
}

func (s *SQLStore) RescheduleRetry(ctx context.Context, id uuid.UUID, attempt int, next time.Time, recipient, errMsg string) (bool, error) {
	ok, err := s.conditionalUpdate(ctx,
		`UPDATE send_logs
		SET attempt_count = $1, scheduled_for = $2, original_recipient = $3, error_message = $4
		WHERE id = $5 AND status = $6`,
		attempt, next, recipient, errMsg, id, StatusScheduled)
	if err != nil {
		return false, fmt.Errorf("reschedule retry: %w", err)
	}
	return ok, nil
}

func (s *SQLStore) LineUserIDForLead(ctx context.Context, leadID uuid.UUID) (string, error) {
	var lineUserID string
	err := s.db.QueryRowContext(ctx,
		`SELECT line_user_id FROM line_identities WHERE lead_id = $1`, leadID).Scan(&lineUserID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("line identity: %w", err)
	}
	return lineUserID, nil
}

// The remaining queries back the ops API rather than the tick loop.

// StatusCounts returns send_log counts by status.
func (s *SQLStore) StatusCounts(ctx context.Context) (map[SendStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM send_logs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	defer rows.Close()

	out := make(map[SendStatus]int)
	for rows.Next() {
		var st SendStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}

// EnabledScenarioCount returns the number of enabled scenarios.
func (s *SQLStore) EnabledScenarioCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scenarios WHERE is_enabled = TRUE`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("scenario count: %w", err)
	}
	return n, nil
}

// PendingSendLogs returns upcoming scheduled reservations, earliest first.
func (s *SQLStore) PendingSendLogs(ctx context.Context, limit int) ([]SendLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, lead_id, scenario_id, scheduled_for, attempt_count
		FROM send_logs WHERE status = $1 ORDER BY scheduled_for LIMIT $2`,
		StatusScheduled, limit)
	if err != nil {
		return nil, fmt.Errorf("pending send logs: %w", err)
	}
	defer rows.Close()

	var out []SendLog
	for rows.Next() {
		var sl SendLog
		if err := rows.Scan(&sl.ID, &sl.LeadID, &sl.ScenarioID, &sl.ScheduledFor, &sl.AttemptCount); err != nil {
			return nil, err
		}
		sl.Status = StatusScheduled
		out = append(out, sl)
	}
	return out, rows.Err()
}

// RecordOpen stamps opened_at on first open; later opens keep the first.
func (s *SQLStore) RecordOpen(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE send_logs SET opened_at = $1 WHERE id = $2 AND opened_at IS NULL`, at, id)
	if err != nil {
		return fmt.Errorf("record open: %w", err)
	}
	return nil
}

// UnsubscribeLead flags a lead as unsubscribed.
func (s *SQLStore) UnsubscribeLead(ctx context.Context, leadID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET unsubscribed = TRUE, updated_at = NOW() WHERE id = $1`, leadID)
	if err != nil {
		return fmt.Errorf("unsubscribe lead: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

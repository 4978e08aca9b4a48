package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/enrollio/ma-engine/internal/pkg/distlock"
	"github.com/enrollio/ma-engine/internal/pkg/logger"
)

const (
	// DefaultTickInterval is how often the orchestrator runs a full pass.
	DefaultTickInterval = 5 * time.Minute
	// DefaultLookbackDays bounds event-basis discovery.
	DefaultLookbackDays = 30
	// Calendar-basis discovery scans this window around today.
	DefaultCalendarLookbackDays  = 30
	DefaultCalendarLookaheadDays = 90
)

// OrchestratorConfig tunes one orchestrator instance. Zero values fall
// back to the defaults above.
type OrchestratorConfig struct {
	TickInterval          time.Duration
	RateLimitPerTick      int
	LookbackDays          int
	CalendarLookbackDays  int
	CalendarLookaheadDays int
}

func (c *OrchestratorConfig) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.RateLimitPerTick <= 0 {
		c.RateLimitPerTick = DefaultRateLimit
	}
	if c.LookbackDays <= 0 {
		c.LookbackDays = DefaultLookbackDays
	}
	if c.CalendarLookbackDays <= 0 {
		c.CalendarLookbackDays = DefaultCalendarLookbackDays
	}
	if c.CalendarLookaheadDays <= 0 {
		c.CalendarLookaheadDays = DefaultCalendarLookaheadDays
	}
}

// TickSummary is the outcome of one orchestration pass, also written to
// the audit trail.
type TickSummary struct {
	EventReservations    int
	CalendarReservations int
	Sent                 int
	Failed               int
	Blocked              int
	Skipped              bool // lock held elsewhere, tick not run
}

// Orchestrator composes one tick: event-basis discovery, calendar-basis
// discovery, then dispatch. Every reservation and every send commits
// independently so partial progress survives a mid-tick failure.
//
// Correctness under concurrent ticks rests entirely on the send_logs
// uniqueness constraints; the optional distributed lock only avoids
// wasted work when replicas overlap.
type Orchestrator struct {
	store      Store
	gate       *Gate
	dispatcher *Dispatcher
	audit      AuditSink
	lock       distlock.Lock // optional
	cfg        OrchestratorConfig

	mu        sync.Mutex
	cancel    context.CancelFunc
	lastRunAt time.Time
}

func NewOrchestrator(store Store, dispatcher *Dispatcher, audit AuditSink, cfg OrchestratorConfig) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		store:      store,
		gate:       NewGate(store),
		dispatcher: dispatcher,
		audit:      audit,
		cfg:        cfg,
	}
}

// SetLock installs an optional distributed lock acquired per tick.
func (o *Orchestrator) SetLock(l distlock.Lock) { o.lock = l }

// LastRunAt returns when the last tick started.
func (o *Orchestrator) LastRunAt() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastRunAt
}

// Start launches the periodic tick loop in a goroutine.
func (o *Orchestrator) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()

	go func() {
		logger.Info("scenario engine started", "interval", o.cfg.TickInterval.String())
		ticker := time.NewTicker(o.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.Info("scenario engine stopped")
				return
			case <-ticker.C:
				o.RunTick(ctx, time.Now())
			}
		}
	}()
}

// Stop cancels the tick loop.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
}

// RunTick executes one full pass. Safe to invoke on demand (admin
// trigger) concurrently with the periodic loop: double invocation only
// costs duplicate-key churn, never duplicate reservations.
func (o *Orchestrator) RunTick(ctx context.Context, now time.Time) TickSummary {
	o.mu.Lock()
	o.lastRunAt = now
	o.mu.Unlock()

	if o.lock != nil {
		acquired, err := o.lock.Acquire(ctx)
		if err != nil {
			logger.Warn("tick lock acquire", "error", err)
		} else if !acquired {
			logger.Debug("tick lock held elsewhere, skipping")
			return TickSummary{Skipped: true}
		} else {
			defer func() {
				if err := o.lock.Release(ctx); err != nil {
					logger.Warn("tick lock release", "error", err)
				}
			}()
		}
	}

	var s TickSummary
	s.EventReservations = o.discoverEventBasis(ctx, now)
	s.CalendarReservations = o.discoverCalendarBasis(ctx, now)

	stats, err := o.dispatcher.Run(ctx, now)
	if err != nil {
		logger.Error("dispatch pass", "error", err)
	}
	s.Sent, s.Failed, s.Blocked = stats.Sent, stats.Failed, stats.Blocked

	o.audit.Log(ctx, "scheduler_tick", "system", nil, map[string]any{
		"event_reservations":    s.EventReservations,
		"calendar_reservations": s.CalendarReservations,
		"sent":                  s.Sent,
		"failed":                s.Failed,
		"blocked":               s.Blocked,
	})

	if s.EventReservations+s.CalendarReservations+s.Sent+s.Failed+s.Blocked > 0 {
		logger.Info("tick completed",
			"event_reservations", s.EventReservations,
			"calendar_reservations", s.CalendarReservations,
			"sent", s.Sent, "failed", s.Failed, "blocked", s.Blocked)
	}
	return s
}

// discoverEventBasis scans trigger events inside the lookback window and
// reserves sends for every enabled scenario matching each event's type.
func (o *Orchestrator) discoverEventBasis(ctx context.Context, now time.Time) int {
	cutoff := now.AddDate(0, 0, -o.cfg.LookbackDays)
	events, err := o.store.TriggerEventsSince(ctx, cutoff)
	if err != nil {
		logger.Error("trigger event scan", "error", err)
		return 0
	}

	created := 0
	for i := range events {
		ev := &events[i]
		if ctx.Err() != nil {
			return created
		}

		scenarios, err := o.store.ScenariosByTriggerType(ctx, ev.Type)
		if err != nil {
			logger.Error("scenario lookup", "event_type", ev.Type, "error", err)
			continue
		}
		if len(scenarios) == 0 {
			continue
		}

		lead, err := o.store.GetLead(ctx, ev.LeadID)
		if err != nil {
			// A trigger event without its lead is stale data, not worth a
			// tick failure.
			logger.Warn("lead lookup", "lead_id", ev.LeadID, "error", err)
			continue
		}

		for j := range scenarios {
			sc := &scenarios[j]
			scheduledFor := ScheduledFor(ev.EventDate, sc.DelayDays)
			if o.tryReserve(ctx, lead, sc, ev.EventDate, scheduledFor, nil, now) {
				created++
			}
		}
	}
	return created
}

// discoverCalendarBasis scans enabled calendar-basis scenarios against
// active calendar events in the bounded window and reserves sends for
// each registered lead whose registration status passes the allow-list.
func (o *Orchestrator) discoverCalendarBasis(ctx context.Context, now time.Time) int {
	scenarios, err := o.store.CalendarScenarios(ctx)
	if err != nil {
		logger.Error("calendar scenario scan", "error", err)
		return 0
	}

	created := 0
	for i := range scenarios {
		sc := &scenarios[i]
		if ctx.Err() != nil {
			return created
		}

		q := CalendarEventQuery{
			From:      now.AddDate(0, 0, -o.cfg.CalendarLookbackDays),
			To:        now.AddDate(0, 0, o.cfg.CalendarLookaheadDays),
			EventType: sc.EventTypeFilter,
			EventID:   sc.TargetCalendarEventID,
		}
		events, err := o.store.ActiveCalendarEvents(ctx, q)
		if err != nil {
			logger.Error("calendar event scan", "scenario_id", sc.ID, "error", err)
			continue
		}

		for j := range events {
			ev := &events[j]
			scheduledFor, ok := CalendarScheduledFor(ev.EventDate, sc.DelayDays, now)
			if !ok {
				continue
			}

			regs, err := o.store.RegistrationsForEvent(ctx, ev.ID, StatusAllowList(sc))
			if err != nil {
				logger.Error("registration scan", "calendar_event_id", ev.ID, "error", err)
				continue
			}

			for k := range regs {
				lead, err := o.store.GetLead(ctx, regs[k].LeadID)
				if err != nil {
					logger.Warn("lead lookup", "lead_id", regs[k].LeadID, "error", err)
					continue
				}
				eventID := ev.ID
				if o.tryReserve(ctx, lead, sc, ev.EventDate, scheduledFor, &eventID, now) {
					created++
				}
			}
		}
	}
	return created
}

// tryReserve runs the eligibility gate and, on pass, writes the
// reservation and its audit record. Returns true only when a new row was
// created.
func (o *Orchestrator) tryReserve(
	ctx context.Context,
	lead *Lead,
	sc *Scenario,
	ref time.Time,
	scheduledFor time.Time,
	calendarEventID *uuid.UUID,
	now time.Time,
) bool {
	tmpl, skip, err := o.gate.Check(ctx, lead, sc, ref, scheduledFor, calendarEventID, now)
	if err != nil {
		logger.Error("eligibility check", "lead_id", lead.ID, "scenario_id", sc.ID, "error", err)
		return false
	}
	if skip != SkipNone {
		logger.Debug("lead skipped", "lead_id", lead.ID, "scenario_id", sc.ID, "reason", string(skip))
		return false
	}

	sl, created, err := Reserve(ctx, o.store, lead, sc, tmpl, scheduledFor, calendarEventID)
	if err != nil {
		logger.Warn("reservation insert", "lead_id", lead.ID, "scenario_id", sc.ID, "error", err)
		return false
	}
	if !created {
		return false
	}

	o.audit.Log(ctx, "send_log_reserved", "send_log", &sl.ID, map[string]any{
		"lead_id":       lead.ID.String(),
		"scenario_id":   sc.ID.String(),
		"scheduled_for": scheduledFor.In(JST).Format(time.RFC3339),
	})
	return true
}

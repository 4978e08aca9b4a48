package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/enrollio/ma-engine/internal/engine"
)

// SchedulerHandler serves the scheduler ops endpoints.
type SchedulerHandler struct {
	orchestrator *engine.Orchestrator
	store        *engine.SQLStore
}

func NewSchedulerHandler(orchestrator *engine.Orchestrator, store *engine.SQLStore) *SchedulerHandler {
	return &SchedulerHandler{orchestrator: orchestrator, store: store}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// HandleTrigger runs one tick synchronously. Running it while the
// periodic loop fires is safe: the uniqueness constraints absorb the
// overlap.
func (h *SchedulerHandler) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	summary := h.orchestrator.RunTick(r.Context(), time.Now())
	writeJSON(w, http.StatusOK, map[string]any{
		"message":               "scheduler tick executed",
		"timestamp":             time.Now().In(engine.JST).Format(time.RFC3339),
		"event_reservations":    summary.EventReservations,
		"calendar_reservations": summary.CalendarReservations,
		"sent":                  summary.Sent,
		"failed":                summary.Failed,
		"blocked":               summary.Blocked,
		"skipped":               summary.Skipped,
	})
}

func (h *SchedulerHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.StatusCounts(r.Context())
	if err != nil {
		http.Error(w, `{"error":"status counts unavailable"}`, http.StatusInternalServerError)
		return
	}
	scenarios, err := h.store.EnabledScenarioCount(r.Context())
	if err != nil {
		http.Error(w, `{"error":"scenario count unavailable"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"current_time_jst": time.Now().In(engine.JST).Format(time.RFC3339),
		"last_run_at":      h.orchestrator.LastRunAt().In(engine.JST).Format(time.RFC3339),
		"send_logs": map[string]int{
			"pending": counts[engine.StatusScheduled],
			"sent":    counts[engine.StatusSent],
			"failed":  counts[engine.StatusFailed],
			"blocked": counts[engine.StatusBlocked],
		},
		"active_scenarios": scenarios,
	})
}

func (h *SchedulerHandler) HandlePending(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	logs, err := h.store.PendingSendLogs(r.Context(), limit)
	if err != nil {
		http.Error(w, `{"error":"pending list unavailable"}`, http.StatusInternalServerError)
		return
	}

	now := time.Now()
	items := make([]map[string]any, 0, len(logs))
	for _, sl := range logs {
		items = append(items, map[string]any{
			"id":            sl.ID,
			"lead_id":       sl.LeadID,
			"scenario_id":   sl.ScenarioID,
			"scheduled_for": sl.ScheduledFor.In(engine.JST).Format(time.RFC3339),
			"is_due":        !sl.ScheduledFor.After(now),
			"attempt_count": sl.AttemptCount,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(items), "items": items})
}

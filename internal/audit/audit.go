// Package audit appends engine actions to the audit_logs table. Writes
// are fire-and-forget: the trail is observability, and losing one entry
// must never fail a send.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/enrollio/ma-engine/internal/pkg/logger"
)

// Writer records audit entries with actor "system".
type Writer struct {
	db *sql.DB
}

func NewWriter(db *sql.DB) *Writer {
	return &Writer{db: db}
}

// Log appends one entry. Failures are logged and swallowed.
func (w *Writer) Log(ctx context.Context, action, targetType string, targetID *uuid.UUID, details map[string]any) {
	var detailsJSON []byte
	if details != nil {
		detailsJSON, _ = json.Marshal(details)
	}
	var target uuid.NullUUID
	if targetID != nil {
		target = uuid.NullUUID{UUID: *targetID, Valid: true}
	}

	_, err := w.db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, actor, action, target_type, target_id, details, created_at)
		VALUES ($1, 'system', $2, $3, $4, $5, $6)`,
		uuid.New(), action, targetType, target, detailsJSON, time.Now())
	if err != nil {
		logger.Warn("audit write", "action", action, "error", err)
	}
}

// Package audit records attributable grant mutations for reporting.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry represents one record stored in audit_logs. Every grant
// mutation (grant, extend, revoke) produces one.
type Entry struct {
	ActorID  int64
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

// Logger writes entries into audit_logs.
type Logger struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewLogger returns a new audit Logger.
func NewLogger(pool *pgxpool.Pool, log *slog.Logger) *Logger {
	return &Logger{pool: pool, log: log}
}

// Record appends one audit row. Audit failures are logged, not
// propagated: a mutation that succeeded must not be reported as failed
// because its audit write raced a restart.
func (l *Logger) Record(ctx context.Context, e Entry) {
	if l == nil || l.pool == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	meta, err := json.Marshal(e.Meta)
	if err != nil {
		meta = []byte("{}")
	}
	_, err = l.pool.Exec(ctx, `
		INSERT INTO audit_logs (actor_id, action, entity, entity_id, meta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ActorID, e.Action, e.Entity, e.EntityID, meta, e.At)
	if err != nil {
		l.log.Error("audit write failed",
			slog.String("action", e.Action),
			slog.String("entity_id", e.EntityID),
			slog.Any("error", err))
	}
}

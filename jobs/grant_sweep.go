package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/audit"
	"github.com/meridian-erp/meridian-erp/internal/platform/db"
)

// GrantSweepJob deactivates role grants whose expiry has passed.
// Expired grants are already excluded from permission evaluation by
// their timestamps; the sweep keeps the stored rows and the audit trail
// in agreement with what evaluation sees.
type GrantSweepJob struct {
	pool   *pgxpool.Pool
	audit  *audit.Logger
	logger *slog.Logger
}

// NewGrantSweepJob constructs a GrantSweepJob.
func NewGrantSweepJob(pool *pgxpool.Pool, auditLogger *audit.Logger, logger *slog.Logger) *GrantSweepJob {
	return &GrantSweepJob{pool: pool, audit: auditLogger, logger: logger}
}

const defaultSweepBatchSize = 1000

// sweepLimit resolves the batch cap for a run. Zero or negative means
// the caller did not choose one, so the default applies.
func sweepLimit(batchSize int) int {
	if batchSize <= 0 {
		return defaultSweepBatchSize
	}
	return batchSize
}

type sweptGrant struct {
	ID        string
	SubjectID int64
	RoleID    int64
	ExpiresAt time.Time
}

// Handle processes TaskGrantSweep tasks.
func (j *GrantSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload GrantSweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	var swept []sweptGrant
	err := db.WithTx(ctx, j.pool, func(tx pgx.Tx) error {
		query := `
			UPDATE role_grants
			SET active = FALSE
			WHERE id IN (
				SELECT id FROM role_grants
				WHERE active
				  AND revoked_at IS NULL
				  AND expires_at IS NOT NULL
				  AND expires_at <= now()
				ORDER BY expires_at
				LIMIT $1
			)
			RETURNING id, subject_id, role_id, expires_at`
		rows, err := tx.Query(ctx, query, sweepLimit(payload.BatchSize))
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var g sweptGrant
			if err := rows.Scan(&g.ID, &g.SubjectID, &g.RoleID, &g.ExpiresAt); err != nil {
				return err
			}
			swept = append(swept, g)
		}
		return rows.Err()
	})
	if err != nil {
		return err
	}

	for _, g := range swept {
		j.audit.Record(ctx, audit.Entry{
			Action:   "rbac.grant_expired",
			Entity:   "role_grant",
			EntityID: g.ID,
			Meta: map[string]any{
				"subject_id": g.SubjectID,
				"role_id":    g.RoleID,
				"expired_at": g.ExpiresAt,
			},
		})
	}

	if len(swept) > 0 {
		j.logger.Info("grant sweep", slog.Int("deactivated", len(swept)))
	}
	return nil
}

package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
)

// Repository defines manager-store persistence for grants, roles and
// conflict policies.
type Repository interface {
	SubjectExists(ctx context.Context, subjectID int64) (bool, error)
	ListGrantsBySubject(ctx context.Context, subjectID int64, tenantKey string) ([]RoleGrant, error)
	RolePermissions(ctx context.Context, roleIDs []int64) (map[int64][]Permission, error)
	PoliciesByIDs(ctx context.Context, ids []int64) (map[int64]ConflictPolicy, error)
	GetGrant(ctx context.Context, id uuid.UUID) (*RoleGrant, error)
	CreateGrant(ctx context.Context, g RoleGrant) (*RoleGrant, error)
	RevokeGrant(ctx context.Context, id uuid.UUID, by int64, reason string, at time.Time) error
	ExtendGrant(ctx context.Context, id uuid.UUID, until *time.Time) error
	RoleExists(ctx context.Context, roleID int64) (bool, error)
}

// PGRepository implements Repository against the manager store.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const grantColumns = `id, subject_id, role_id, COALESCE(tenant_key, ''), granted_at, granted_by,
	expires_at, policy_id, active, revoked_at, revoked_by, COALESCE(revoke_reason, '')`

// SubjectExists reports whether the subject id names a principal at all,
// distinguishing "unknown subject" from "subject with zero grants".
func (r *PGRepository) SubjectExists(ctx context.Context, subjectID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, subjectID).Scan(&exists)
	if err != nil {
		return false, storageErr("subject exists", err)
	}
	return exists, nil
}

// ListGrantsBySubject returns every grant for the subject that is either
// global or scoped to the given tenant. Revoked and expired rows are
// returned too; effectiveness is evaluated by the resolver at its asOf.
func (r *PGRepository) ListGrantsBySubject(ctx context.Context, subjectID int64, tenantKey string) ([]RoleGrant, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+grantColumns+`
		FROM role_grants
		WHERE subject_id = $1 AND (tenant_key IS NULL OR tenant_key = $2)
		ORDER BY granted_at DESC, id DESC`,
		subjectID, tenantKey)
	if err != nil {
		return nil, storageErr("list grants", err)
	}
	defer rows.Close()
	return scanGrants(rows)
}

// RolePermissions fetches the permission sets of many roles in one
// IN-list query, grouped by role id.
func (r *PGRepository) RolePermissions(ctx context.Context, roleIDs []int64) (map[int64][]Permission, error) {
	if len(roleIDs) == 0 {
		return map[int64][]Permission{}, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT rp.role_id, p.resource, p.action, rp.effect
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = ANY($1)`,
		roleIDs)
	if err != nil {
		return nil, storageErr("role permissions", err)
	}
	defer rows.Close()

	out := make(map[int64][]Permission, len(roleIDs))
	for rows.Next() {
		var roleID int64
		var p Permission
		if err := rows.Scan(&roleID, &p.Resource, &p.Action, &p.Effect); err != nil {
			return nil, err
		}
		out[roleID] = append(out[roleID], p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// PoliciesByIDs fetches conflict policies in one IN-list query.
func (r *PGRepository) PoliciesByIDs(ctx context.Context, ids []int64) (map[int64]ConflictPolicy, error) {
	if len(ids) == 0 {
		return map[int64]ConflictPolicy{}, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, strategy FROM conflict_policies WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, storageErr("conflict policies", err)
	}
	defer rows.Close()

	out := make(map[int64]ConflictPolicy, len(ids))
	for rows.Next() {
		var p ConflictPolicy
		if err := rows.Scan(&p.ID, &p.Name, &p.Strategy); err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// GetGrant fetches a single grant by id.
func (r *PGRepository) GetGrant(ctx context.Context, id uuid.UUID) (*RoleGrant, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+grantColumns+` FROM role_grants WHERE id = $1`, id)
	g, err := scanGrant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, httpx.ErrNotFound
		}
		return nil, storageErr("get grant", err)
	}
	return g, nil
}

// CreateGrant inserts a new grant row.
func (r *PGRepository) CreateGrant(ctx context.Context, g RoleGrant) (*RoleGrant, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO role_grants (id, subject_id, role_id, tenant_key, granted_at, granted_by, expires_at, policy_id, active)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, TRUE)
		RETURNING `+grantColumns,
		g.ID, g.SubjectID, g.RoleID, g.TenantKey, g.GrantedAt, g.GrantedBy, g.ExpiresAt, g.PolicyID)
	created, err := scanGrant(row)
	if err != nil {
		return nil, storageErr("create grant", err)
	}
	return created, nil
}

// RevokeGrant marks a grant revoked. The row is never deleted; revoked
// state is the audit history.
func (r *PGRepository) RevokeGrant(ctx context.Context, id uuid.UUID, by int64, reason string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE role_grants
		SET active = FALSE, revoked_at = $2, revoked_by = $3, revoke_reason = $4
		WHERE id = $1 AND revoked_at IS NULL`,
		id, at, by, reason)
	if err != nil {
		return storageErr("revoke grant", err)
	}
	if tag.RowsAffected() == 0 {
		return httpx.ErrNotFound
	}
	return nil
}

// ExtendGrant moves a grant's expiry. until = nil makes it unbounded.
func (r *PGRepository) ExtendGrant(ctx context.Context, id uuid.UUID, until *time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE role_grants SET expires_at = $2
		WHERE id = $1 AND revoked_at IS NULL`,
		id, until)
	if err != nil {
		return storageErr("extend grant", err)
	}
	if tag.RowsAffected() == 0 {
		return httpx.ErrNotFound
	}
	return nil
}

// RoleExists reports whether a role id is registered.
func (r *PGRepository) RoleExists(ctx context.Context, roleID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM roles WHERE id = $1)`, roleID).Scan(&exists)
	if err != nil {
		return false, storageErr("role exists", err)
	}
	return exists, nil
}

func scanGrants(rows pgx.Rows) ([]RoleGrant, error) {
	var grants []RoleGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		grants = append(grants, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return grants, nil
}

func scanGrant(row pgx.Row) (*RoleGrant, error) {
	var g RoleGrant
	if err := row.Scan(&g.ID, &g.SubjectID, &g.RoleID, &g.TenantKey, &g.GrantedAt, &g.GrantedBy,
		&g.ExpiresAt, &g.PolicyID, &g.Active, &g.RevokedAt, &g.RevokedBy, &g.RevokeReason); err != nil {
		return nil, err
	}
	return &g, nil
}

func storageErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	return fmt.Errorf("%w: rbac %s: %v", httpx.ErrStorageUnavailable, op, err)
}

var _ Repository = (*PGRepository)(nil)

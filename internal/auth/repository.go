package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
)

// Repository defines persistence operations for authentication.
type Repository interface {
	FindByUsername(ctx context.Context, username string) (*Principal, error)
	IsTenantMember(ctx context.Context, userID int64, tenantKey string) (bool, error)
}

// PGRepository implements Repository against the manager store.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// FindByUsername fetches a principal by username.
func (r *PGRepository) FindByUsername(ctx context.Context, username string) (*Principal, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, username, email, password_hash, COALESCE(role_label, ''), is_active, created_at, updated_at
		FROM users WHERE username = $1`, username)
	var p Principal
	err := row.Scan(&p.ID, &p.Username, &p.Email, &p.PasswordHash, &p.RoleLabel, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, httpx.ErrNotFound
		}
		return nil, fmt.Errorf("%w: auth find user: %v", httpx.ErrStorageUnavailable, err)
	}
	return &p, nil
}

// IsTenantMember reports whether the principal belongs to the tenant.
func (r *PGRepository) IsTenantMember(ctx context.Context, userID int64, tenantKey string) (bool, error) {
	var member bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM tenant_memberships WHERE user_id = $1 AND tenant_key = $2)`,
		userID, tenantKey).Scan(&member)
	if err != nil {
		return false, fmt.Errorf("%w: auth tenant membership: %v", httpx.ErrStorageUnavailable, err)
	}
	return member, nil
}

var _ Repository = (*PGRepository)(nil)

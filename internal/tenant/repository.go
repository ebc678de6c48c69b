package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
)

// Repository defines manager-store persistence for the tenant registry.
type Repository interface {
	GetByKey(ctx context.Context, key string) (*Tenant, error)
	List(ctx context.Context) ([]Tenant, error)
	Create(ctx context.Context, t Tenant) (*Tenant, error)
}

// PGRepository implements Repository against the manager store.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const tenantColumns = `key, name, dsn, schema_ns, is_active, created_at, updated_at`

// GetByKey fetches a tenant by its key. Inactive tenants resolve to
// ErrUnknownTenant: a suspended tenant must not accept connections.
func (r *PGRepository) GetByKey(ctx context.Context, key string) (*Tenant, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE key = $1 AND is_active`, key)
	t, err := scanTenant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUnknownTenant
		}
		return nil, fmt.Errorf("tenant: get %q: %w", key, err)
	}
	return t, nil
}

// List returns all registered tenants ordered by key.
func (r *PGRepository) List(ctx context.Context) ([]Tenant, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("tenant: list: %w", err)
	}
	defer rows.Close()

	var tenants []Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tenants, nil
}

// Create registers a new tenant.
func (r *PGRepository) Create(ctx context.Context, t Tenant) (*Tenant, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO tenants (key, name, dsn, schema_ns, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, TRUE, now(), now())
		RETURNING `+tenantColumns,
		strings.TrimSpace(t.Key), strings.TrimSpace(t.Name), t.DSN, t.Schema)
	created, err := scanTenant(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, httpx.ErrDuplicate
		}
		return nil, fmt.Errorf("tenant: create %q: %w", t.Key, err)
	}
	return created, nil
}

func scanTenant(row pgx.Row) (*Tenant, error) {
	var t Tenant
	if err := row.Scan(&t.Key, &t.Name, &t.DSN, &t.Schema, &t.IsActive, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

var _ Repository = (*PGRepository)(nil)

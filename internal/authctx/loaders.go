package authctx

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/meridian-erp/meridian-erp/internal/loader"
	"github.com/meridian-erp/meridian-erp/internal/rbac"
)

// PrincipalRecord is the manager-store row resolved by the principal
// loader when a grant's subject or grantor is dereferenced.
type PrincipalRecord struct {
	ID       int64
	Username string
	Email    string
	IsActive bool
}

// Loaders bundles the batched entity loaders for one request. Resolving
// a list of grants each needing its Role and grantor Principal issues
// one IN-list query per entity kind instead of one per row.
type Loaders struct {
	Principals      *loader.Loader[int64, PrincipalRecord]
	Roles           *loader.Loader[int64, rbac.Role]
	GrantsBySubject *loader.FieldLoader[int64, rbac.RoleGrant]
}

// NewLoaders builds loaders whose batch fetches run on the request's
// manager-store transaction. Discarded with the request.
func NewLoaders(tx pgx.Tx) *Loaders {
	return &Loaders{
		Principals:      loader.New(principalBatch(tx)),
		Roles:           loader.New(roleBatch(tx)),
		GrantsBySubject: loader.NewField(grantsBySubjectBatch(tx)),
	}
}

// DrainAll settles every pending batch. Resolver engines call it between
// levels of the response graph.
func (l *Loaders) DrainAll(ctx context.Context) error {
	if err := l.Principals.Drain(ctx); err != nil {
		return err
	}
	if err := l.Roles.Drain(ctx); err != nil {
		return err
	}
	return l.GrantsBySubject.Drain(ctx)
}

func principalBatch(tx pgx.Tx) loader.BatchFunc[int64, PrincipalRecord] {
	return func(ctx context.Context, keys []int64) (map[int64]PrincipalRecord, error) {
		rows, err := tx.Query(ctx,
			`SELECT id, username, email, is_active FROM users WHERE id = ANY($1)`, keys)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		out := make(map[int64]PrincipalRecord, len(keys))
		for rows.Next() {
			var p PrincipalRecord
			if err := rows.Scan(&p.ID, &p.Username, &p.Email, &p.IsActive); err != nil {
				return nil, err
			}
			out[p.ID] = p
		}
		return out, rows.Err()
	}
}

func roleBatch(tx pgx.Tx) loader.BatchFunc[int64, rbac.Role] {
	return func(ctx context.Context, keys []int64) (map[int64]rbac.Role, error) {
		rows, err := tx.Query(ctx,
			`SELECT id, name, description, created_at, updated_at FROM roles WHERE id = ANY($1)`, keys)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		out := make(map[int64]rbac.Role, len(keys))
		for rows.Next() {
			var r rbac.Role
			if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.CreatedAt, &r.UpdatedAt); err != nil {
				return nil, err
			}
			out[r.ID] = r
		}
		return out, rows.Err()
	}
}

func grantsBySubjectBatch(tx pgx.Tx) loader.BatchFieldFunc[int64, rbac.RoleGrant] {
	return func(ctx context.Context, keys []int64) (map[int64][]rbac.RoleGrant, error) {
		rows, err := tx.Query(ctx, `
			SELECT id, subject_id, role_id, COALESCE(tenant_key, ''), granted_at, granted_by,
				expires_at, policy_id, active, revoked_at, revoked_by, COALESCE(revoke_reason, '')
			FROM role_grants WHERE subject_id = ANY($1)
			ORDER BY granted_at DESC, id DESC`, keys)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		out := make(map[int64][]rbac.RoleGrant, len(keys))
		for rows.Next() {
			var g rbac.RoleGrant
			if err := rows.Scan(&g.ID, &g.SubjectID, &g.RoleID, &g.TenantKey, &g.GrantedAt, &g.GrantedBy,
				&g.ExpiresAt, &g.PolicyID, &g.Active, &g.RevokedAt, &g.RevokedBy, &g.RevokeReason); err != nil {
				return nil, err
			}
			out[g.SubjectID] = append(out[g.SubjectID], g)
		}
		return out, rows.Err()
	}
}

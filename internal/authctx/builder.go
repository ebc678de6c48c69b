package authctx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/rbac"
	"github.com/meridian-erp/meridian-erp/internal/session"
	"github.com/meridian-erp/meridian-erp/internal/tenant"
	"github.com/meridian-erp/meridian-erp/internal/token"
)

// SessionRouter acquires store-bound sessions. Implemented by
// session.Router.
type SessionRouter interface {
	OpenManager(ctx context.Context) (*session.Session, error)
	OpenTenant(ctx context.Context, key string) (*session.Session, error)
}

// PermissionResolver computes the per-request permission snapshot.
// Implemented by rbac.Resolver.
type PermissionResolver interface {
	EffectivePermissions(ctx context.Context, subjectID int64, tenantKey string, asOf time.Time) (rbac.PermissionSet, error)
}

// Builder assembles one authorization Context per inbound request.
type Builder struct {
	codec    *token.Codec
	router   SessionRouter
	resolver PermissionResolver
	logger   *slog.Logger
}

// NewBuilder constructs a Builder.
func NewBuilder(codec *token.Codec, router SessionRouter, resolver PermissionResolver, logger *slog.Logger) *Builder {
	return &Builder{codec: codec, router: router, resolver: resolver, logger: logger}
}

// Build decodes the Authorization header, routes sessions, resolves the
// effective permission snapshot and bundles the result. An invalid token
// degrades to anonymous here; endpoints that require identity answer
// Forbidden via Context.RequireIdentity. Session or resolver failures
// roll back whatever was opened before returning: nothing is left for
// the caller to clean up on the error path.
func (b *Builder) Build(ctx context.Context, authorization string) (*Context, error) {
	claims, err := b.codec.TryDecode(authorization)
	if err != nil {
		// Malformed or expired token: the caller proceeds as anonymous.
		b.logger.Warn("bearer token rejected", slog.Any("error", err))
		claims = nil
	}

	// The manager session opens regardless of tenant key validity.
	manager, err := b.router.OpenManager(ctx)
	if err != nil {
		return nil, err
	}

	var tenantSess *session.Session
	if claims != nil && claims.TenantKey != "" {
		tenantSess, err = b.router.OpenTenant(ctx, claims.TenantKey)
		if err != nil {
			_ = manager.Rollback(ctx)
			if errors.Is(err, tenant.ErrUnknownTenant) {
				// A token naming an unregistered tenant is an
				// authentication failure, not a server fault.
				return nil, fmt.Errorf("%w: %w", httpx.ErrUnauthorized, err)
			}
			return nil, err
		}
	}

	perms := rbac.NewPermissionSet(nil)
	if claims != nil {
		perms, err = b.resolver.EffectivePermissions(ctx, claims.SubjectID, claims.TenantKey, time.Now().UTC())
		if err != nil {
			if tenantSess != nil {
				_ = tenantSess.Rollback(ctx)
			}
			_ = manager.Rollback(ctx)
			return nil, err
		}
	}

	return &Context{
		claims:  claims,
		manager: manager,
		tenant:  tenantSess,
		perms:   perms,
		loaders: NewLoaders(manager.Tx()),
	}, nil
}

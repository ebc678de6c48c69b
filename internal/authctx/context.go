// Package authctx assembles the per-request authorization context: the
// decoded identity, routed sessions, effective permissions and loader
// handles, bundled once and passed read-only into every handler.
package authctx

import (
	"context"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/rbac"
	"github.com/meridian-erp/meridian-erp/internal/session"
	"github.com/meridian-erp/meridian-erp/internal/token"
)

// Context is the read-only capability bundle handed to downstream
// resolvers. It is never mutated after construction: a concurrent grant
// revocation takes effect on the next request, not mid-flight.
type Context struct {
	claims  *token.Claims
	manager *session.Session
	tenant  *session.Session
	perms   rbac.PermissionSet
	loaders *Loaders
}

// NewForTest assembles a Context directly, bypassing the Builder.
// Handler tests use it to inject stub sessions and loaders.
func NewForTest(claims *token.Claims, manager, tenant *session.Session, perms rbac.PermissionSet, loaders *Loaders) *Context {
	return &Context{claims: claims, manager: manager, tenant: tenant, perms: perms, loaders: loaders}
}

// Claims returns the decoded identity, nil for anonymous callers.
func (c *Context) Claims() *token.Claims {
	return c.claims
}

// Authenticated reports whether the caller presented a valid token.
func (c *Context) Authenticated() bool {
	return c.claims != nil
}

// Manager returns the manager-store session, always present.
func (c *Context) Manager() *session.Session {
	return c.manager
}

// Tenant returns the tenant-store session, nil when the caller's claims
// carry no tenant key.
func (c *Context) Tenant() *session.Session {
	return c.tenant
}

// Permissions returns the effective permission set snapshot.
func (c *Context) Permissions() rbac.PermissionSet {
	return c.perms
}

// Loaders returns the request-scoped batched entity loaders.
func (c *Context) Loaders() *Loaders {
	return c.loaders
}

// RequireIdentity denies anonymous callers. Decode failures degraded to
// anonymous upstream surface here as Forbidden, with no detail about why.
func (c *Context) RequireIdentity() error {
	if c.claims == nil {
		return httpx.ErrForbidden
	}
	return nil
}

// RequireTenant denies callers without a tenant session. Resolvers for
// tenant-scoped data call this instead of dereferencing a nil session.
func (c *Context) RequireTenant() error {
	if err := c.RequireIdentity(); err != nil {
		return err
	}
	if c.tenant == nil {
		return httpx.ErrForbidden
	}
	return nil
}

// Require denies callers whose permission set lacks the capability.
func (c *Context) Require(cap rbac.Capability) error {
	if err := c.RequireIdentity(); err != nil {
		return err
	}
	if !c.perms.Has(cap) {
		return httpx.ErrForbidden
	}
	return nil
}

// Finalize settles both sessions: commit on success, rollback otherwise.
// Loader drains ride on the manager transaction, so by the time the
// handler has returned every drain tied to the session has completed.
func (c *Context) Finalize(ctx context.Context, failed bool) error {
	var firstErr error
	settle := func(s *session.Session) {
		if s == nil {
			return
		}
		var err error
		if failed {
			err = s.Rollback(ctx)
		} else {
			err = s.Commit(ctx)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	settle(c.tenant)
	settle(c.manager)
	return firstErr
}

// Abort is the cancellation cleanup path: it forces rollback of both
// sessions even under a cancelled request context, so no transaction is
// ever abandoned open.
func (c *Context) Abort(ctx context.Context) {
	if c.tenant != nil {
		_ = c.tenant.ForceRollback(ctx)
	}
	if c.manager != nil {
		_ = c.manager.ForceRollback(ctx)
	}
}

type contextKey struct{}

// With stores the authorization context in ctx.
func With(ctx context.Context, ac *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, ac)
}

// From extracts the authorization context, nil when absent.
func From(ctx context.Context) *Context {
	ac, _ := ctx.Value(contextKey{}).(*Context)
	return ac
}

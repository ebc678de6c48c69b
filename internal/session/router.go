package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/platform/db"
	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/tenant"
)

// Router opens sessions against the correct physical store: the shared
// manager store always, a tenant store only when the caller's claims
// carry a tenant key. Tenant pools are materialized lazily from the
// registry and shared across requests; the sessions checked out of them
// are not.
type Router struct {
	manager  *pgxpool.Pool
	registry *tenant.Registry
	logger   *slog.Logger

	mu          sync.Mutex
	tenantPools map[string]*pgxpool.Pool
}

// NewRouter constructs a Router over the manager pool and tenant registry.
func NewRouter(manager *pgxpool.Pool, registry *tenant.Registry, logger *slog.Logger) *Router {
	return &Router{
		manager:     manager,
		registry:    registry,
		logger:      logger,
		tenantPools: make(map[string]*pgxpool.Pool),
	}
}

// OpenManager begins a transaction on the manager store.
func (r *Router) OpenManager(ctx context.Context) (*Session, error) {
	tx, err := r.manager.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("%w: manager store: %v", httpx.ErrStorageUnavailable, err)
	}
	return NewWithTx(tx, ""), nil
}

// OpenTenant begins a transaction on the store the key resolves to.
// An empty key is a no-op returning a nil session: downstream resolvers
// treat the absence as "caller not tenant-scoped" and deny tenant-scoped
// operations rather than crash.
func (r *Router) OpenTenant(ctx context.Context, key string) (*Session, error) {
	if key == "" {
		return nil, nil
	}
	t, err := r.registry.Resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	pool, err := r.tenantPool(ctx, t)
	if err != nil {
		return nil, err
	}
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("%w: tenant %q: %v", httpx.ErrStorageUnavailable, key, err)
	}
	return NewWithTx(tx, key), nil
}

// Close releases every tenant pool. Called on shutdown; the manager pool
// is owned by the caller.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, pool := range r.tenantPools {
		pool.Close()
		delete(r.tenantPools, key)
	}
}

func (r *Router) tenantPool(ctx context.Context, t *tenant.Tenant) (*pgxpool.Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pool, ok := r.tenantPools[t.Key]; ok {
		return pool, nil
	}
	pool, err := db.NewLazy(ctx, t.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: tenant %q: %v", httpx.ErrStorageUnavailable, t.Key, err)
	}
	r.logger.Info("tenant pool opened", slog.String("tenant", t.Key))
	r.tenantPools[t.Key] = pool
	return pool, nil
}

package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	cacheKeyPrefix  = "tenant:"
	defaultCacheTTL = 5 * time.Minute
)

// Registry resolves tenant keys to connection parameters. It is the only
// state shared between requests besides the connection pools: read-mostly,
// populated from the manager store, with an in-process map in front of a
// Redis second-level cache. Redis being down degrades to direct reads.
type Registry struct {
	repo   Repository
	cache  *redis.Client
	ttl    time.Duration
	logger *slog.Logger

	mu    sync.RWMutex
	local map[string]*Tenant
}

// NewRegistry constructs a Registry. cache may be nil in tests; a
// non-positive ttl falls back to the default.
func NewRegistry(repo Repository, cache *redis.Client, ttl time.Duration, logger *slog.Logger) *Registry {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Registry{
		repo:   repo,
		cache:  cache,
		ttl:    ttl,
		logger: logger,
		local:  make(map[string]*Tenant),
	}
}

// Resolve maps a tenant key to its registered tenant, failing fast with
// ErrUnknownTenant rather than falling through to any default store.
func (r *Registry) Resolve(ctx context.Context, key string) (*Tenant, error) {
	if key == "" {
		return nil, ErrUnknownTenant
	}

	r.mu.RLock()
	if t, ok := r.local[key]; ok {
		r.mu.RUnlock()
		return t, nil
	}
	r.mu.RUnlock()

	if t := r.fromRedis(ctx, key); t != nil {
		r.store(key, t)
		return t, nil
	}

	t, err := r.repo.GetByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	r.store(key, t)
	r.toRedis(ctx, key, t)
	return t, nil
}

// Invalidate drops a key from both cache layers, e.g. after an admin
// updates the tenant's connection parameters.
func (r *Registry) Invalidate(ctx context.Context, key string) {
	r.mu.Lock()
	delete(r.local, key)
	r.mu.Unlock()
	if r.cache != nil {
		if err := r.cache.Del(ctx, cacheKeyPrefix+key).Err(); err != nil && !errors.Is(err, redis.Nil) {
			r.logger.Warn("tenant cache invalidate failed", slog.String("key", key), slog.Any("error", err))
		}
	}
}

// Refresh reloads every registered tenant into the local map. Called at
// startup and periodically by the worker.
func (r *Registry) Refresh(ctx context.Context) error {
	tenants, err := r.repo.List(ctx)
	if err != nil {
		return err
	}
	fresh := make(map[string]*Tenant, len(tenants))
	for i := range tenants {
		if tenants[i].IsActive {
			fresh[tenants[i].Key] = &tenants[i]
		}
	}
	r.mu.Lock()
	r.local = fresh
	r.mu.Unlock()
	return nil
}

func (r *Registry) store(key string, t *Tenant) {
	r.mu.Lock()
	r.local[key] = t
	r.mu.Unlock()
}

func (r *Registry) fromRedis(ctx context.Context, key string) *Tenant {
	if r.cache == nil {
		return nil
	}
	payload, err := r.cache.Get(ctx, cacheKeyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn("tenant cache read failed", slog.String("key", key), slog.Any("error", err))
		}
		return nil
	}
	var t Tenant
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil
	}
	return &t
}

func (r *Registry) toRedis(ctx context.Context, key string, t *Tenant) {
	if r.cache == nil {
		return
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, cacheKeyPrefix+key, payload, r.ttl).Err(); err != nil {
		r.logger.Warn("tenant cache write failed", slog.String("key", key), slog.Any("error", err))
	}
}

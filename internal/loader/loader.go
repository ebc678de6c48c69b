// Package loader provides request-scoped batching of single-key entity
// lookups. Resolving a response graph one foreign key at a time would
// issue one query per reference; a Loader coalesces every key requested
// since the last drain into a single IN-list fetch and caches results
// for the remainder of the request. Loaders are never shared between
// requests.
package loader

import (
	"context"
	"sync"
)

// BatchFunc fetches a batch of entities in one query. Keys with no
// matching row are simply absent from the returned map.
type BatchFunc[K comparable, V any] func(ctx context.Context, keys []K) (map[K]V, error)

// Loader batches and caches lookups for one entity kind within one request.
type Loader[K comparable, V any] struct {
	batch BatchFunc[K, V]

	mu      sync.Mutex
	pending []K
	queued  map[K]struct{}
	cache   map[K]result[V]
	batches int
}

type result[V any] struct {
	value V
	found bool
	err   error
}

// Thunk is the pending handle returned by Load. Its value becomes
// available after the owning loader drains; Get drains on demand.
type Thunk[V any] struct {
	drain  func(ctx context.Context) error
	lookup func() (result[V], bool)
}

// New constructs a Loader for one entity kind.
func New[K comparable, V any](batch BatchFunc[K, V]) *Loader[K, V] {
	return &Loader[K, V]{
		batch:  batch,
		queued: make(map[K]struct{}),
		cache:  make(map[K]result[V]),
	}
}

// Load registers a key and returns a pending handle. No query is issued
// until the next drain; repeated loads of an already resolved key are
// served from cache without a new query.
func (l *Loader[K, V]) Load(key K) *Thunk[V] {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, resolved := l.cache[key]; !resolved {
		if _, waiting := l.queued[key]; !waiting {
			l.queued[key] = struct{}{}
			l.pending = append(l.pending, key)
		}
	}

	return &Thunk[V]{
		drain: l.Drain,
		lookup: func() (result[V], bool) {
			l.mu.Lock()
			defer l.mu.Unlock()
			r, ok := l.cache[key]
			return r, ok
		},
	}
}

// Drain executes one batched fetch covering every key registered since
// the last drain and resolves all pending handles from the result set.
// Resolver engines may call it between levels of the response graph;
// Thunk.Get calls it implicitly when a value is demanded early.
func (l *Loader[K, V]) Drain(ctx context.Context) error {
	l.mu.Lock()
	keys := l.pending
	l.pending = nil
	l.queued = make(map[K]struct{})
	l.mu.Unlock()

	if len(keys) == 0 {
		return nil
	}

	rows, err := l.batch(ctx, keys)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.batches++
	for _, key := range keys {
		if err != nil {
			l.cache[key] = result[V]{err: err}
			continue
		}
		value, found := rows[key]
		l.cache[key] = result[V]{value: value, found: found}
	}
	return err
}

// Batches reports how many batched queries have executed.
func (l *Loader[K, V]) Batches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.batches
}

// Get returns the resolved value, draining the owning loader first if
// the key is still pending. The bool is false for keys with no matching
// row; an absent entity is not an error.
func (t *Thunk[V]) Get(ctx context.Context) (V, bool, error) {
	if r, ok := t.lookup(); ok {
		return r.value, r.found, r.err
	}
	if err := t.drain(ctx); err != nil {
		var zero V
		return zero, false, err
	}
	r, ok := t.lookup()
	if !ok {
		var zero V
		return zero, false, nil
	}
	return r.value, r.found, r.err
}

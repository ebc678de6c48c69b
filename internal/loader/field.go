package loader

import (
	"context"
	"sync"
)

// BatchFieldFunc fetches rows for many values of a non-primary column in
// one query and groups them by that column's value.
type BatchFieldFunc[K comparable, V any] func(ctx context.Context, keys []K) (map[K][]V, error)

// FieldLoader batches lookups keyed by a non-primary column, e.g. "all
// grants for a subject id". Each distinct key resolves to a list, empty
// when no rows match.
type FieldLoader[K comparable, V any] struct {
	batch BatchFieldFunc[K, V]

	mu      sync.Mutex
	pending []K
	queued  map[K]struct{}
	cache   map[K]listResult[V]
	batches int
}

type listResult[V any] struct {
	values []V
	err    error
}

// ListThunk is the pending handle returned by FieldLoader.Load.
type ListThunk[V any] struct {
	drain  func(ctx context.Context) error
	lookup func() (listResult[V], bool)
}

// NewField constructs a FieldLoader.
func NewField[K comparable, V any](batch BatchFieldFunc[K, V]) *FieldLoader[K, V] {
	return &FieldLoader[K, V]{
		batch:  batch,
		queued: make(map[K]struct{}),
		cache:  make(map[K]listResult[V]),
	}
}

// Load registers a key and returns a pending handle for its row list.
func (l *FieldLoader[K, V]) Load(key K) *ListThunk[V] {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, resolved := l.cache[key]; !resolved {
		if _, waiting := l.queued[key]; !waiting {
			l.queued[key] = struct{}{}
			l.pending = append(l.pending, key)
		}
	}

	return &ListThunk[V]{
		drain: l.Drain,
		lookup: func() (listResult[V], bool) {
			l.mu.Lock()
			defer l.mu.Unlock()
			r, ok := l.cache[key]
			return r, ok
		},
	}
}

// Drain executes one grouped fetch for every pending key.
func (l *FieldLoader[K, V]) Drain(ctx context.Context) error {
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
			l.cache[key] = listResult[V]{err: err}
			continue
		}
		l.cache[key] = listResult[V]{values: rows[key]}
	}
	return err
}

// Batches reports how many grouped queries have executed.
func (l *FieldLoader[K, V]) Batches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.batches
}

// Get returns the resolved list, draining first if the key is pending.
func (t *ListThunk[V]) Get(ctx context.Context) ([]V, error) {
	if r, ok := t.lookup(); ok {
		return r.values, r.err
	}
	if err := t.drain(ctx); err != nil {
		return nil, err
	}
	r, _ := t.lookup()
	return r.values, r.err
}

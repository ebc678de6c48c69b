// Package session acquires per-request transactional sessions bound to
// the manager store or a tenant's store.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
)

// ErrSessionClosed indicates a commit or rollback on an already
// finalized session.
var ErrSessionClosed = errors.New("session: already finalized")

// Session wraps a single transaction, exclusively owned by the request
// that opened it. It finalizes exactly once: commit on the success path,
// rollback on any other exit, including cancellation.
type Session struct {
	tx        pgx.Tx
	tenantKey string
	finalized atomic.Bool
}

// NewWithTx wraps an already-begun transaction. The Router is the usual
// caller; tests use it to run the lifecycle against a fake transaction.
func NewWithTx(tx pgx.Tx, tenantKey string) *Session {
	return &Session{tx: tx, tenantKey: tenantKey}
}

// Tx exposes the underlying transaction for query execution.
func (s *Session) Tx() pgx.Tx {
	return s.tx
}

// TenantKey returns the tenant this session is bound to, empty for the
// manager store.
func (s *Session) TenantKey() string {
	return s.tenantKey
}

// Commit finalizes the transaction on the success path.
func (s *Session) Commit(ctx context.Context) error {
	if !s.finalized.CompareAndSwap(false, true) {
		return ErrSessionClosed
	}
	if err := s.tx.Commit(ctx); err != nil {
		return fmt.Errorf("session: commit: %w", err)
	}
	return nil
}

// Rollback finalizes the transaction on any failure path. Safe to call
// after Commit: the second finalization is a no-op.
func (s *Session) Rollback(ctx context.Context) error {
	if !s.finalized.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("session: rollback: %w", err)
	}
	return nil
}

// ForceRollback is the timeout/disconnect cleanup path: it rolls back
// even when the request context is already cancelled, so the transaction
// is never abandoned open.
func (s *Session) ForceRollback(ctx context.Context) error {
	return s.Rollback(context.WithoutCancel(ctx))
}

// Finalized reports whether the session has been committed or rolled back.
func (s *Session) Finalized() bool {
	return s.finalized.Load()
}

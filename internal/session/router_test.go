package session

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/tenant"
)

// fakeTx satisfies pgx.Tx for lifecycle tests without a database.
type fakeTx struct {
	commits   int
	rollbacks int
	commitErr error
}

func (f *fakeTx) Begin(ctx context.Context) (pgx.Tx, error) { return f, nil }
func (f *fakeTx) Commit(ctx context.Context) error {
	f.commits++
	return f.commitErr
}
func (f *fakeTx) Rollback(ctx context.Context) error {
	f.rollbacks++
	return nil
}
func (f *fakeTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (f *fakeTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (f *fakeTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (f *fakeTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (f *fakeTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (f *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}
func (f *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row { return nil }
func (f *fakeTx) Conn() *pgx.Conn                                               { return nil }

type stubTenantRepo struct {
	tenants map[string]*tenant.Tenant
}

func (s *stubTenantRepo) GetByKey(ctx context.Context, key string) (*tenant.Tenant, error) {
	t, ok := s.tenants[key]
	if !ok {
		return nil, tenant.ErrUnknownTenant
	}
	return t, nil
}

func (s *stubTenantRepo) List(ctx context.Context) ([]tenant.Tenant, error) { return nil, nil }
func (s *stubTenantRepo) Create(ctx context.Context, t tenant.Tenant) (*tenant.Tenant, error) {
	return &t, nil
}

func TestSessionCommitOnce(t *testing.T) {
	tx := &fakeTx{}
	sess := &Session{tx: tx}

	require.NoError(t, sess.Commit(context.Background()))
	assert.True(t, sess.Finalized())

	err := sess.Commit(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Equal(t, 1, tx.commits)
}

func TestSessionRollbackAfterCommitIsNoop(t *testing.T) {
	tx := &fakeTx{}
	sess := &Session{tx: tx}

	require.NoError(t, sess.Commit(context.Background()))
	require.NoError(t, sess.Rollback(context.Background()))
	assert.Equal(t, 1, tx.commits)
	assert.Equal(t, 0, tx.rollbacks)
}

func TestSessionRollback(t *testing.T) {
	tx := &fakeTx{}
	sess := &Session{tx: tx}

	require.NoError(t, sess.Rollback(context.Background()))
	require.NoError(t, sess.Rollback(context.Background()))
	assert.Equal(t, 1, tx.rollbacks)

	err := sess.Commit(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Equal(t, 0, tx.commits)
}

func TestForceRollbackSurvivesCancelledContext(t *testing.T) {
	tx := &fakeTx{}
	sess := &Session{tx: tx}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, sess.ForceRollback(ctx))
	assert.Equal(t, 1, tx.rollbacks)
	assert.True(t, sess.Finalized())
}

func TestCommitErrorStillMarksFinalized(t *testing.T) {
	tx := &fakeTx{commitErr: errors.New("broken pipe")}
	sess := &Session{tx: tx}

	err := sess.Commit(context.Background())
	require.Error(t, err)
	assert.True(t, sess.Finalized())
}

func TestOpenTenantEmptyKeyIsNoop(t *testing.T) {
	router := NewRouter(nil, tenant.NewRegistry(&stubTenantRepo{}, nil, 0, slog.Default()), slog.Default())

	sess, err := router.OpenTenant(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestOpenTenantUnknownKey(t *testing.T) {
	router := NewRouter(nil, tenant.NewRegistry(&stubTenantRepo{tenants: map[string]*tenant.Tenant{}}, nil, 0, slog.Default()), slog.Default())

	_, err := router.OpenTenant(context.Background(), "ghost")
	assert.ErrorIs(t, err, tenant.ErrUnknownTenant)
}

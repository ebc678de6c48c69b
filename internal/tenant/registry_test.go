package tenant

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRepo struct {
	tenants map[string]*Tenant
	gets    int
	lists   int
}

func (s *stubRepo) GetByKey(ctx context.Context, key string) (*Tenant, error) {
	s.gets++
	t, ok := s.tenants[key]
	if !ok || !t.IsActive {
		return nil, ErrUnknownTenant
	}
	return t, nil
}

func (s *stubRepo) List(ctx context.Context) ([]Tenant, error) {
	s.lists++
	out := make([]Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, *t)
	}
	return out, nil
}

func (s *stubRepo) Create(ctx context.Context, t Tenant) (*Tenant, error) {
	s.tenants[t.Key] = &t
	return &t, nil
}

func newStubRepo() *stubRepo {
	return &stubRepo{tenants: map[string]*Tenant{
		"acme": {Key: "acme", Name: "Acme Corp", DSN: "postgres://acme", Schema: "acme", IsActive: true, CreatedAt: time.Now()},
		"gone": {Key: "gone", Name: "Suspended", DSN: "postgres://gone", Schema: "gone", IsActive: false},
	}}
}

func testLogger() *slog.Logger {
	return slog.Default()
}

func TestResolveKnownTenant(t *testing.T) {
	repo := newStubRepo()
	reg := NewRegistry(repo, nil, 0, testLogger())

	tn, err := reg.Resolve(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", tn.Name)

	// Second resolve is served from the local map.
	_, err = reg.Resolve(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, repo.gets)
}

func TestResolveUnknownTenantFailsFast(t *testing.T) {
	reg := NewRegistry(newStubRepo(), nil, 0, testLogger())

	_, err := reg.Resolve(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownTenant)

	_, err = reg.Resolve(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnknownTenant)
}

func TestResolveInactiveTenant(t *testing.T) {
	reg := NewRegistry(newStubRepo(), nil, 0, testLogger())

	_, err := reg.Resolve(context.Background(), "gone")
	assert.ErrorIs(t, err, ErrUnknownTenant)
}

func TestRedisCachePopulatedAndInvalidated(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	repo := newStubRepo()
	reg := NewRegistry(repo, client, 0, testLogger())

	_, err := reg.Resolve(context.Background(), "acme")
	require.NoError(t, err)
	assert.True(t, mr.Exists("tenant:acme"))

	// A second registry instance (fresh local map) hits Redis, not Postgres.
	other := NewRegistry(repo, client, 0, testLogger())
	_, err = other.Resolve(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, repo.gets)

	reg.Invalidate(context.Background(), "acme")
	assert.False(t, mr.Exists("tenant:acme"))
}

func TestRedisCacheUsesConfiguredTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	reg := NewRegistry(newStubRepo(), client, 90*time.Second, testLogger())

	_, err := reg.Resolve(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, mr.TTL("tenant:acme"))

	// Zero falls back to the default.
	deflt := NewRegistry(newStubRepo(), client, 0, testLogger())
	deflt.Invalidate(context.Background(), "acme")
	_, err = deflt.Resolve(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, defaultCacheTTL, mr.TTL("tenant:acme"))
}

func TestRedisDownDegradesToDirectReads(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mr.Close()

	repo := newStubRepo()
	reg := NewRegistry(repo, client, 0, testLogger())

	tn, err := reg.Resolve(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", tn.Key)
}

func TestRefreshLoadsActiveTenantsOnly(t *testing.T) {
	repo := newStubRepo()
	reg := NewRegistry(repo, nil, 0, testLogger())
	require.NoError(t, reg.Refresh(context.Background()))

	_, err := reg.Resolve(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 0, repo.gets, "refresh should have primed the local map")

	_, err = reg.Resolve(context.Background(), "gone")
	assert.ErrorIs(t, err, ErrUnknownTenant)
}

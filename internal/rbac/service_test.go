package rbac

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/audit"
	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
)

type capturingAudit struct {
	entries []audit.Entry
}

func (c *capturingAudit) Record(ctx context.Context, e audit.Entry) {
	c.entries = append(c.entries, e)
}

func newService(repo *mockRepo) (*Service, *capturingAudit) {
	rec := &capturingAudit{}
	return NewService(repo, rec, slog.Default()), rec
}

func TestGrantCreatesActiveAttributedGrant(t *testing.T) {
	repo := newMockRepo()
	repo.permsByRole[10] = []Permission{}
	svc, rec := newService(repo)

	created, err := svc.Grant(context.Background(), 99, CreateGrantInput{
		SubjectID: 1,
		RoleID:    10,
		TenantKey: "acme",
	})
	require.NoError(t, err)
	assert.True(t, created.Active)
	require.NotNil(t, created.GrantedBy)
	assert.Equal(t, int64(99), *created.GrantedBy)
	assert.NotEqual(t, uuid.Nil, created.ID)

	require.Len(t, rec.entries, 1)
	assert.Equal(t, "rbac.grant", rec.entries[0].Action)
	assert.Equal(t, created.ID.String(), rec.entries[0].EntityID)
}

func TestGrantRejectsPastExpiry(t *testing.T) {
	repo := newMockRepo()
	repo.permsByRole[10] = []Permission{}
	svc, rec := newService(repo)

	past := time.Now().UTC().Add(-time.Hour)
	_, err := svc.Grant(context.Background(), 99, CreateGrantInput{
		SubjectID: 1,
		RoleID:    10,
		ExpiresAt: &past,
	})
	assert.ErrorIs(t, err, httpx.ErrValidation)
	assert.Empty(t, rec.entries)
}

func TestGrantRejectsMissingFields(t *testing.T) {
	svc, _ := newService(newMockRepo())

	_, err := svc.Grant(context.Background(), 99, CreateGrantInput{})
	assert.ErrorIs(t, err, httpx.ErrValidation)
}

func TestGrantUnknownSubject(t *testing.T) {
	repo := newMockRepo()
	repo.permsByRole[10] = []Permission{}
	svc, _ := newService(repo)

	_, err := svc.Grant(context.Background(), 99, CreateGrantInput{SubjectID: 404, RoleID: 10})
	assert.ErrorIs(t, err, ErrUnknownSubject)
}

func TestGrantUnknownRole(t *testing.T) {
	svc, _ := newService(newMockRepo())

	_, err := svc.Grant(context.Background(), 99, CreateGrantInput{SubjectID: 1, RoleID: 10})
	assert.ErrorIs(t, err, httpx.ErrValidation)
}

func TestRevokePreservesRowAndAttribution(t *testing.T) {
	repo := newMockRepo()
	repo.permsByRole[10] = []Permission{}
	svc, rec := newService(repo)

	created, err := svc.Grant(context.Background(), 99, CreateGrantInput{SubjectID: 1, RoleID: 10})
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(context.Background(), 50, created.ID, "offboarding"))

	stored, err := repo.GetGrant(context.Background(), created.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)
	require.NotNil(t, stored.RevokedAt)
	require.NotNil(t, stored.RevokedBy)
	assert.Equal(t, int64(50), *stored.RevokedBy)
	assert.Equal(t, "offboarding", stored.RevokeReason)

	require.Len(t, rec.entries, 2)
	assert.Equal(t, "rbac.revoke", rec.entries[1].Action)
}

func TestRevokeTwiceFails(t *testing.T) {
	repo := newMockRepo()
	repo.permsByRole[10] = []Permission{}
	svc, _ := newService(repo)

	created, err := svc.Grant(context.Background(), 99, CreateGrantInput{SubjectID: 1, RoleID: 10})
	require.NoError(t, err)
	require.NoError(t, svc.Revoke(context.Background(), 50, created.ID, "first"))

	err = svc.Revoke(context.Background(), 50, created.ID, "second")
	assert.ErrorIs(t, err, httpx.ErrValidation)
}

func TestRevokeUnknownGrant(t *testing.T) {
	svc, _ := newService(newMockRepo())

	err := svc.Revoke(context.Background(), 50, uuid.New(), "whatever")
	assert.ErrorIs(t, err, httpx.ErrNotFound)
}

func TestExtendMovesExpiry(t *testing.T) {
	repo := newMockRepo()
	repo.permsByRole[10] = []Permission{}
	svc, rec := newService(repo)

	soon := time.Now().UTC().Add(time.Hour)
	created, err := svc.Grant(context.Background(), 99, CreateGrantInput{SubjectID: 1, RoleID: 10, ExpiresAt: &soon})
	require.NoError(t, err)

	later := time.Now().UTC().Add(48 * time.Hour)
	require.NoError(t, svc.Extend(context.Background(), 99, created.ID, &later))

	stored, err := repo.GetGrant(context.Background(), created.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ExpiresAt)
	assert.True(t, stored.ExpiresAt.Equal(later))
	assert.Equal(t, "rbac.extend", rec.entries[len(rec.entries)-1].Action)

	// nil expiry makes the grant unbounded.
	require.NoError(t, svc.Extend(context.Background(), 99, created.ID, nil))
	stored, err = repo.GetGrant(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.ExpiresAt)
}

func TestExtendRevokedGrantFails(t *testing.T) {
	repo := newMockRepo()
	repo.permsByRole[10] = []Permission{}
	svc, _ := newService(repo)

	created, err := svc.Grant(context.Background(), 99, CreateGrantInput{SubjectID: 1, RoleID: 10})
	require.NoError(t, err)
	require.NoError(t, svc.Revoke(context.Background(), 99, created.ID, "gone"))

	later := time.Now().UTC().Add(time.Hour)
	err = svc.Extend(context.Background(), 99, created.ID, &later)
	assert.ErrorIs(t, err, httpx.ErrValidation)
}

func TestListForSubject(t *testing.T) {
	repo := newMockRepo()
	repo.permsByRole[10] = []Permission{}
	svc, _ := newService(repo)

	_, err := svc.Grant(context.Background(), 99, CreateGrantInput{SubjectID: 1, RoleID: 10})
	require.NoError(t, err)
	_, err = svc.Grant(context.Background(), 99, CreateGrantInput{SubjectID: 1, RoleID: 10, TenantKey: "acme"})
	require.NoError(t, err)

	grants, err := svc.ListForSubject(context.Background(), 1, "acme")
	require.NoError(t, err)
	assert.Len(t, grants, 2)

	grants, err = svc.ListForSubject(context.Background(), 1, "")
	require.NoError(t, err)
	assert.Len(t, grants, 1, "tenant-scoped grant hidden outside its tenant")

	_, err = svc.ListForSubject(context.Background(), 404, "")
	assert.ErrorIs(t, err, ErrUnknownSubject)
}

package rbachttp

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/audit"
	"github.com/meridian-erp/meridian-erp/internal/authctx"
	"github.com/meridian-erp/meridian-erp/internal/loader"
	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/rbac"
	"github.com/meridian-erp/meridian-erp/internal/token"
)

type stubRepo struct {
	subjects map[int64]bool
	roles    map[int64]bool
	grants   map[uuid.UUID]*rbac.RoleGrant
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		subjects: map[int64]bool{},
		roles:    map[int64]bool{},
		grants:   map[uuid.UUID]*rbac.RoleGrant{},
	}
}

func (s *stubRepo) SubjectExists(ctx context.Context, subjectID int64) (bool, error) {
	return s.subjects[subjectID], nil
}

func (s *stubRepo) ListGrantsBySubject(ctx context.Context, subjectID int64, tenantKey string) ([]rbac.RoleGrant, error) {
	var out []rbac.RoleGrant
	for _, g := range s.grants {
		if g.SubjectID != subjectID {
			continue
		}
		if g.TenantKey != "" && g.TenantKey != tenantKey {
			continue
		}
		out = append(out, *g)
	}
	return out, nil
}

func (s *stubRepo) RolePermissions(ctx context.Context, roleIDs []int64) (map[int64][]rbac.Permission, error) {
	return map[int64][]rbac.Permission{}, nil
}

func (s *stubRepo) PoliciesByIDs(ctx context.Context, ids []int64) (map[int64]rbac.ConflictPolicy, error) {
	return map[int64]rbac.ConflictPolicy{}, nil
}

func (s *stubRepo) GetGrant(ctx context.Context, id uuid.UUID) (*rbac.RoleGrant, error) {
	g, ok := s.grants[id]
	if !ok {
		return nil, httpx.ErrNotFound
	}
	copied := *g
	return &copied, nil
}

func (s *stubRepo) CreateGrant(ctx context.Context, g rbac.RoleGrant) (*rbac.RoleGrant, error) {
	stored := g
	s.grants[g.ID] = &stored
	copied := stored
	return &copied, nil
}

func (s *stubRepo) RevokeGrant(ctx context.Context, id uuid.UUID, by int64, reason string, at time.Time) error {
	g, ok := s.grants[id]
	if !ok || g.RevokedAt != nil {
		return httpx.ErrNotFound
	}
	g.Active = false
	g.RevokedAt = &at
	g.RevokedBy = &by
	g.RevokeReason = reason
	return nil
}

func (s *stubRepo) ExtendGrant(ctx context.Context, id uuid.UUID, until *time.Time) error {
	g, ok := s.grants[id]
	if !ok || g.RevokedAt != nil {
		return httpx.ErrNotFound
	}
	g.ExpiresAt = until
	return nil
}

func (s *stubRepo) RoleExists(ctx context.Context, roleID int64) (bool, error) {
	return s.roles[roleID], nil
}

type nopAudit struct{}

func (nopAudit) Record(ctx context.Context, e audit.Entry) {}

type loaderCounters struct {
	roleBatches      int
	principalBatches int
}

func testLoaders(roles map[int64]rbac.Role, principals map[int64]authctx.PrincipalRecord, counters *loaderCounters) *authctx.Loaders {
	return &authctx.Loaders{
		Principals: loader.New(func(ctx context.Context, keys []int64) (map[int64]authctx.PrincipalRecord, error) {
			counters.principalBatches++
			out := make(map[int64]authctx.PrincipalRecord)
			for _, k := range keys {
				if p, ok := principals[k]; ok {
					out[k] = p
				}
			}
			return out, nil
		}),
		Roles: loader.New(func(ctx context.Context, keys []int64) (map[int64]rbac.Role, error) {
			counters.roleBatches++
			out := make(map[int64]rbac.Role)
			for _, k := range keys {
				if r, ok := roles[k]; ok {
					out[k] = r
				}
			}
			return out, nil
		}),
		GrantsBySubject: loader.NewField(func(ctx context.Context, keys []int64) (map[int64][]rbac.RoleGrant, error) {
			return map[int64][]rbac.RoleGrant{}, nil
		}),
	}
}

type fixture struct {
	repo     *stubRepo
	router   chi.Router
	counters loaderCounters
	loaders  *authctx.Loaders
}

func newFixture(t *testing.T, roles map[int64]rbac.Role, principals map[int64]authctx.PrincipalRecord) *fixture {
	t.Helper()
	f := &fixture{repo: newStubRepo()}
	f.loaders = testLoaders(roles, principals, &f.counters)
	service := rbac.NewService(f.repo, nopAudit{}, slog.Default())
	handler := NewHandler(service, slog.Default())
	f.router = chi.NewRouter()
	handler.Routes(f.router)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any, claims *token.Claims, perms []string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	ac := authctx.NewForTest(claims, nil, nil, rbac.NewPermissionSet(perms), f.loaders)
	req = req.WithContext(authctx.With(req.Context(), ac))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func adminClaims() *token.Claims {
	return &token.Claims{SubjectID: 9, Username: "admin", Role: "admin"}
}

func TestCreateGrantRequiresCapability(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec := f.do(t, http.MethodPost, "/grants",
		map[string]any{"subject_id": 1, "role_id": 2},
		adminClaims(), nil)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, f.repo.grants)
}

func TestCreateGrantAnonymousForbidden(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec := f.do(t, http.MethodPost, "/grants",
		map[string]any{"subject_id": 1, "role_id": 2},
		nil, []string{ResourceManagerRoles + ":manage"})

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateGrant(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.repo.subjects[1] = true
	f.repo.roles[2] = true

	rec := f.do(t, http.MethodPost, "/grants",
		map[string]any{"subject_id": 1, "role_id": 2, "tenant_key": "acme"},
		adminClaims(), []string{ResourceManagerRoles + ":manage"})

	require.Equal(t, http.StatusCreated, rec.Code)

	var view struct {
		ID        string `json:"id"`
		SubjectID int64  `json:"subject_id"`
		GrantedBy *int64 `json:"granted_by"`
		Active    bool   `json:"active"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, int64(1), view.SubjectID)
	require.NotNil(t, view.GrantedBy)
	assert.Equal(t, int64(9), *view.GrantedBy)
	assert.True(t, view.Active)
	assert.Len(t, f.repo.grants, 1)
}

func TestCreateGrantUnknownSubject(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.repo.roles[2] = true

	rec := f.do(t, http.MethodPost, "/grants",
		map[string]any{"subject_id": 1, "role_id": 2},
		adminClaims(), []string{ResourceManagerRoles + ":manage"})

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestRevokeGrant(t *testing.T) {
	f := newFixture(t, nil, nil)
	grantID := uuid.New()
	f.repo.grants[grantID] = &rbac.RoleGrant{
		ID: grantID, SubjectID: 1, RoleID: 2, GrantedAt: time.Now().UTC(), Active: true,
	}

	rec := f.do(t, http.MethodPost, "/grants/"+grantID.String()+"/revoke",
		map[string]any{"reason": "offboarded"},
		adminClaims(), []string{ResourceManagerRoles + ":manage"})

	require.Equal(t, http.StatusNoContent, rec.Code)
	stored := f.repo.grants[grantID]
	assert.False(t, stored.Active)
	require.NotNil(t, stored.RevokedAt)
	assert.Equal(t, "offboarded", stored.RevokeReason)
}

func TestRevokeUnknownGrant(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec := f.do(t, http.MethodPost, "/grants/"+uuid.NewString()+"/revoke",
		map[string]any{"reason": "x"},
		adminClaims(), []string{ResourceManagerRoles + ":manage"})

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExtendGrant(t *testing.T) {
	f := newFixture(t, nil, nil)
	grantID := uuid.New()
	old := time.Now().UTC().Add(time.Hour)
	f.repo.grants[grantID] = &rbac.RoleGrant{
		ID: grantID, SubjectID: 1, RoleID: 2, GrantedAt: time.Now().UTC(), ExpiresAt: &old, Active: true,
	}

	until := time.Now().UTC().Add(48 * time.Hour)
	rec := f.do(t, http.MethodPost, "/grants/"+grantID.String()+"/extend",
		map[string]any{"expires_at": until.Format(time.RFC3339)},
		adminClaims(), []string{ResourceManagerRoles + ":manage"})

	require.Equal(t, http.StatusNoContent, rec.Code)
	stored := f.repo.grants[grantID]
	require.NotNil(t, stored.ExpiresAt)
	assert.WithinDuration(t, until, *stored.ExpiresAt, time.Second)
}

func TestListSubjectGrantsBatchesLookups(t *testing.T) {
	grantor := int64(9)
	roles := map[int64]rbac.Role{
		2: {ID: 2, Name: "Viewer"},
		3: {ID: 3, Name: "Approver"},
	}
	principals := map[int64]authctx.PrincipalRecord{
		grantor: {ID: grantor, Username: "admin", IsActive: true},
	}
	f := newFixture(t, roles, principals)
	f.repo.subjects[1] = true
	for _, roleID := range []int64{2, 3} {
		id := uuid.New()
		f.repo.grants[id] = &rbac.RoleGrant{
			ID: id, SubjectID: 1, RoleID: roleID,
			GrantedAt: time.Now().UTC(), GrantedBy: &grantor, Active: true,
		}
	}

	rec := f.do(t, http.MethodGet, "/subjects/1/grants", nil,
		adminClaims(), []string{ResourceManagerRoles + ":view"})

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Grants []struct {
			RoleName      string `json:"role_name"`
			GrantedByName string `json:"granted_by_name"`
		} `json:"grants"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Grants, 2)
	for _, g := range resp.Grants {
		assert.NotEmpty(t, g.RoleName)
		assert.Equal(t, "admin", g.GrantedByName)
	}

	// Two grants, two role lookups, one grantor lookup: a single batch
	// per entity kind.
	assert.Equal(t, 1, f.counters.roleBatches)
	assert.Equal(t, 1, f.counters.principalBatches)
}

func TestListGrantsUnknownSubject(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec := f.do(t, http.MethodGet, "/subjects/404/grants", nil,
		adminClaims(), []string{ResourceManagerRoles + ":view"})

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestMyPermissions(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec := f.do(t, http.MethodGet, "/me/permissions", nil,
		adminClaims(), []string{"accounts:view", "accounts:manage"})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		SubjectID   int64    `json:"subject_id"`
		Permissions []string `json:"permissions"`
		IsMaster    bool     `json:"is_master"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(9), resp.SubjectID)
	assert.ElementsMatch(t, []string{"accounts:view", "accounts:manage"}, resp.Permissions)
	assert.False(t, resp.IsMaster)
}

func TestMyPermissionsAnonymous(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec := f.do(t, http.MethodGet, "/me/permissions", nil, nil, nil)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

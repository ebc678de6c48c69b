// Package rbachttp exposes grant administration over REST.
package rbachttp

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/meridian-erp/meridian-erp/internal/authctx"
	"github.com/meridian-erp/meridian-erp/internal/loader"
	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/rbac"
)

// ResourceManagerRoles guards the grant administration endpoints.
const ResourceManagerRoles = "manager_roles"

// Handler serves the rbac endpoints.
type Handler struct {
	service *rbac.Service
	logger  *slog.Logger
}

// NewHandler constructs a Handler.
func NewHandler(service *rbac.Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes mounts the rbac endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/grants", h.CreateGrant)
	r.Post("/grants/{id}/revoke", h.RevokeGrant)
	r.Post("/grants/{id}/extend", h.ExtendGrant)
	r.Get("/subjects/{id}/grants", h.ListSubjectGrants)
	r.Get("/me/permissions", h.MyPermissions)
}

// CreateGrant handles POST /grants.
func (h *Handler) CreateGrant(w http.ResponseWriter, r *http.Request) {
	ac := authctx.From(r.Context())
	if err := ac.Require(rbac.Capability{Resource: ResourceManagerRoles, Action: rbac.ActionManage}); err != nil {
		httpx.RespondError(w, err)
		return
	}

	var in rbac.CreateGrantInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}

	created, err := h.service.Grant(r.Context(), ac.Claims().SubjectID, in)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toGrantView(*created))
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

// RevokeGrant handles POST /grants/{id}/revoke.
func (h *Handler) RevokeGrant(w http.ResponseWriter, r *http.Request) {
	ac := authctx.From(r.Context())
	if err := ac.Require(rbac.Capability{Resource: ResourceManagerRoles, Action: rbac.ActionManage}); err != nil {
		httpx.RespondError(w, err)
		return
	}

	grantID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid grant id")
		return
	}
	var req revokeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}

	if err := h.service.Revoke(r.Context(), ac.Claims().SubjectID, grantID, req.Reason); err != nil {
		h.respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type extendRequest struct {
	ExpiresAt *time.Time `json:"expires_at"`
}

// ExtendGrant handles POST /grants/{id}/extend. A null expires_at makes
// the grant unbounded.
func (h *Handler) ExtendGrant(w http.ResponseWriter, r *http.Request) {
	ac := authctx.From(r.Context())
	if err := ac.Require(rbac.Capability{Resource: ResourceManagerRoles, Action: rbac.ActionManage}); err != nil {
		httpx.RespondError(w, err)
		return
	}

	grantID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid grant id")
		return
	}
	var req extendRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}

	if err := h.service.Extend(r.Context(), ac.Claims().SubjectID, grantID, req.ExpiresAt); err != nil {
		h.respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListSubjectGrants handles GET /subjects/{id}/grants. Role and grantor
// references are dereferenced through the request's batched loaders: one
// IN-list query per entity kind however many grants the subject holds.
func (h *Handler) ListSubjectGrants(w http.ResponseWriter, r *http.Request) {
	ac := authctx.From(r.Context())
	if err := ac.Require(rbac.Capability{Resource: ResourceManagerRoles, Action: rbac.ActionView}); err != nil {
		httpx.RespondError(w, err)
		return
	}

	subjectID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid subject id")
		return
	}

	grants, err := h.service.ListForSubject(r.Context(), subjectID, ac.Claims().TenantKey)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	loaders := ac.Loaders()
	type pending struct {
		grant     rbac.RoleGrant
		role      *loader.Thunk[rbac.Role]
		grantedBy *loader.Thunk[authctx.PrincipalRecord]
	}
	// Register every key before demanding any value so the loads
	// coalesce into one batch per entity kind.
	items := make([]pending, 0, len(grants))
	for _, g := range grants {
		p := pending{grant: g, role: loaders.Roles.Load(g.RoleID)}
		if g.GrantedBy != nil {
			p.grantedBy = loaders.Principals.Load(*g.GrantedBy)
		}
		items = append(items, p)
	}

	views := make([]grantView, 0, len(items))
	for _, p := range items {
		view := toGrantView(p.grant)
		role, ok, err := p.role.Get(r.Context())
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		if ok {
			view.RoleName = role.Name
		}
		if p.grantedBy != nil {
			principal, ok, err := p.grantedBy.Get(r.Context())
			if err != nil {
				httpx.RespondError(w, err)
				return
			}
			if ok {
				view.GrantedByName = principal.Username
			}
		}
		views = append(views, view)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"grants": views})
}

// MyPermissions handles GET /me/permissions, returning the caller's
// effective permission snapshot.
func (h *Handler) MyPermissions(w http.ResponseWriter, r *http.Request) {
	ac := authctx.From(r.Context())
	if err := ac.RequireIdentity(); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"subject_id":  ac.Claims().SubjectID,
		"tenant_key":  ac.Claims().TenantKey,
		"permissions": ac.Permissions().Keys(),
		"is_master":   ac.Permissions().IsMaster(),
	})
}

func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	if errors.Is(err, rbac.ErrUnknownSubject) {
		h.logger.Error("rbac handler", slog.Any("error", err))
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unknown Subject", "subject does not exist")
		return
	}
	httpx.RespondError(w, err)
}

type grantView struct {
	ID            string     `json:"id"`
	SubjectID     int64      `json:"subject_id"`
	RoleID        int64      `json:"role_id"`
	RoleName      string     `json:"role_name,omitempty"`
	TenantKey     string     `json:"tenant_key,omitempty"`
	GrantedAt     time.Time  `json:"granted_at"`
	GrantedBy     *int64     `json:"granted_by,omitempty"`
	GrantedByName string     `json:"granted_by_name,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	Active        bool       `json:"active"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	RevokeReason  string     `json:"revoke_reason,omitempty"`
}

func toGrantView(g rbac.RoleGrant) grantView {
	return grantView{
		ID:           g.ID.String(),
		SubjectID:    g.SubjectID,
		RoleID:       g.RoleID,
		TenantKey:    g.TenantKey,
		GrantedAt:    g.GrantedAt,
		GrantedBy:    g.GrantedBy,
		ExpiresAt:    g.ExpiresAt,
		Active:       g.Active,
		RevokedAt:    g.RevokedAt,
		RevokeReason: g.RevokeReason,
	}
}

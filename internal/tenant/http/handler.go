// Package tenanthttp exposes tenant registry administration over REST.
package tenanthttp

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/meridian-erp/meridian-erp/internal/authctx"
	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/rbac"
	"github.com/meridian-erp/meridian-erp/internal/tenant"
)

// ResourceManagerTenants guards the tenant administration endpoints.
const ResourceManagerTenants = "manager_tenants"

// Handler serves the tenant registry endpoints.
type Handler struct {
	repo     tenant.Repository
	registry *tenant.Registry
	logger   *slog.Logger
}

// NewHandler constructs a Handler.
func NewHandler(repo tenant.Repository, registry *tenant.Registry, logger *slog.Logger) *Handler {
	return &Handler{repo: repo, registry: registry, logger: logger}
}

// Routes mounts the tenant endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Create)
}

type tenantView struct {
	Key      string `json:"key"`
	Name     string `json:"name"`
	Schema   string `json:"schema"`
	IsActive bool   `json:"is_active"`
}

// List handles GET /tenants. Connection strings stay server-side.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ac := authctx.From(r.Context())
	if err := ac.Require(rbac.Capability{Resource: ResourceManagerTenants, Action: rbac.ActionView}); err != nil {
		httpx.RespondError(w, err)
		return
	}

	tenants, err := h.repo.List(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	views := make([]tenantView, 0, len(tenants))
	for _, t := range tenants {
		views = append(views, tenantView{Key: t.Key, Name: t.Name, Schema: t.Schema, IsActive: t.IsActive})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"tenants": views})
}

type createRequest struct {
	Key    string `json:"key"`
	Name   string `json:"name"`
	DSN    string `json:"dsn"`
	Schema string `json:"schema"`
}

// Create handles POST /tenants and invalidates the registry cache for
// the new key.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	ac := authctx.From(r.Context())
	if err := ac.Require(rbac.Capability{Resource: ResourceManagerTenants, Action: rbac.ActionManage}); err != nil {
		httpx.RespondError(w, err)
		return
	}

	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	req.Key = strings.TrimSpace(req.Key)
	if req.Key == "" || req.DSN == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "key and dsn required")
		return
	}

	created, err := h.repo.Create(r.Context(), tenant.Tenant{
		Key:    req.Key,
		Name:   req.Name,
		DSN:    req.DSN,
		Schema: req.Schema,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.registry.Invalidate(r.Context(), created.Key)
	h.logger.Info("tenant registered", slog.String("key", created.Key))

	httpx.JSON(w, http.StatusCreated, tenantView{
		Key: created.Key, Name: created.Name, Schema: created.Schema, IsActive: created.IsActive,
	})
}

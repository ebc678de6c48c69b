package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
)

// Handler exposes the login endpoint. Login is anonymous-eligible: it
// accepts requests without a bearer token.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler constructs a Handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

type loginRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	TenantKey string `json:"tenant_key,omitempty"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login handles POST /api/auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "username and password required")
		return
	}

	signed, exp, err := h.service.Login(r.Context(), req.Username, req.Password, req.TenantKey)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
			return
		}
		h.logger.Error("login failed", slog.String("username", req.Username), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}

	httpx.JSON(w, http.StatusOK, loginResponse{Token: signed, ExpiresAt: exp})
}

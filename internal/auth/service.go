package auth

import (
	"context"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/token"
)

// ErrInvalidCredentials indicates login failure. It deliberately covers
// unknown user, wrong password and disabled account alike.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// Service wraps authentication rules and token issuance.
type Service struct {
	repo  Repository
	codec *token.Codec
}

// NewService constructs a Service.
func NewService(repo Repository, codec *token.Codec) *Service {
	return &Service{repo: repo, codec: codec}
}

// Login verifies credentials and, when a tenant key is requested, the
// caller's membership in that tenant. On success it issues a bearer
// token valid for exactly that tenant context.
func (s *Service) Login(ctx context.Context, username, password, tenantKey string) (string, time.Time, error) {
	principal, err := s.Authenticate(ctx, username, password)
	if err != nil {
		return "", time.Time{}, err
	}

	if tenantKey != "" {
		member, err := s.repo.IsTenantMember(ctx, principal.ID, tenantKey)
		if err != nil {
			return "", time.Time{}, err
		}
		if !member {
			return "", time.Time{}, httpx.ErrForbidden
		}
	}

	signed, exp, err := s.codec.Issue(token.Claims{
		SubjectID: principal.ID,
		Username:  principal.Username,
		Role:      principal.RoleLabel,
		TenantKey: tenantKey,
	})
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Authenticate validates username/password credentials.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*Principal, error) {
	principal, err := s.repo.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, httpx.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !principal.IsActive {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(principal.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return principal, nil
}

package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/meridian-erp/meridian-erp/internal/audit"
	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
)

// AuditRecorder appends attributable audit rows for grant mutations.
type AuditRecorder interface {
	Record(ctx context.Context, e audit.Entry)
}

// Service carries the administrative grant operations: create, extend,
// revoke. Grants are never deleted.
type Service struct {
	repo     Repository
	audit    AuditRecorder
	validate *validator.Validate
	logger   *slog.Logger
}

// NewService constructs a Service.
func NewService(repo Repository, recorder AuditRecorder, logger *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		audit:    recorder,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// CreateGrantInput carries parameters for a new grant.
type CreateGrantInput struct {
	SubjectID int64  `json:"subject_id" validate:"required,gt=0"`
	RoleID    int64  `json:"role_id" validate:"required,gt=0"`
	TenantKey string `json:"tenant_key,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	PolicyID  *int64     `json:"policy_id,omitempty"`
}

// Grant creates a new role grant attributed to actorID.
func (s *Service) Grant(ctx context.Context, actorID int64, in CreateGrantInput) (*RoleGrant, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	now := time.Now().UTC()
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: expires_at must be in the future", httpx.ErrValidation)
	}

	exists, err := s.repo.SubjectExists(ctx, in.SubjectID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrUnknownSubject
	}
	roleOK, err := s.repo.RoleExists(ctx, in.RoleID)
	if err != nil {
		return nil, err
	}
	if !roleOK {
		return nil, fmt.Errorf("%w: role %d not registered", httpx.ErrValidation, in.RoleID)
	}

	grant := RoleGrant{
		ID:        uuid.New(),
		SubjectID: in.SubjectID,
		RoleID:    in.RoleID,
		TenantKey: in.TenantKey,
		GrantedAt: now,
		GrantedBy: &actorID,
		ExpiresAt: in.ExpiresAt,
		PolicyID:  in.PolicyID,
		Active:    true,
	}
	created, err := s.repo.CreateGrant(ctx, grant)
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, audit.Entry{
		ActorID:  actorID,
		Action:   "rbac.grant",
		Entity:   "role_grant",
		EntityID: created.ID.String(),
		Meta: map[string]any{
			"subject_id": created.SubjectID,
			"role_id":    created.RoleID,
			"tenant_key": created.TenantKey,
		},
	})
	s.logger.Info("role granted",
		slog.String("grant_id", created.ID.String()),
		slog.Int64("subject_id", created.SubjectID),
		slog.Int64("role_id", created.RoleID))
	return created, nil
}

// Revoke marks a grant revoked, attributing the action. Revoking an
// already revoked grant fails validation rather than rewriting history.
func (s *Service) Revoke(ctx context.Context, actorID int64, grantID uuid.UUID, reason string) error {
	grant, err := s.repo.GetGrant(ctx, grantID)
	if err != nil {
		return err
	}
	if grant.RevokedAt != nil {
		return fmt.Errorf("%w: grant already revoked", httpx.ErrValidation)
	}

	now := time.Now().UTC()
	if err := s.repo.RevokeGrant(ctx, grantID, actorID, reason, now); err != nil {
		return err
	}

	s.audit.Record(ctx, audit.Entry{
		ActorID:  actorID,
		Action:   "rbac.revoke",
		Entity:   "role_grant",
		EntityID: grantID.String(),
		Meta:     map[string]any{"reason": reason},
	})
	s.logger.Info("grant revoked",
		slog.String("grant_id", grantID.String()),
		slog.Int64("actor_id", actorID))
	return nil
}

// Extend moves a grant's expiry. until == nil removes the bound.
func (s *Service) Extend(ctx context.Context, actorID int64, grantID uuid.UUID, until *time.Time) error {
	if until != nil && !until.After(time.Now().UTC()) {
		return fmt.Errorf("%w: new expiry must be in the future", httpx.ErrValidation)
	}

	grant, err := s.repo.GetGrant(ctx, grantID)
	if err != nil {
		return err
	}
	if grant.RevokedAt != nil {
		return fmt.Errorf("%w: cannot extend a revoked grant", httpx.ErrValidation)
	}

	if err := s.repo.ExtendGrant(ctx, grantID, until); err != nil {
		return err
	}

	meta := map[string]any{}
	if until != nil {
		meta["expires_at"] = until.Format(time.RFC3339)
	}
	s.audit.Record(ctx, audit.Entry{
		ActorID:  actorID,
		Action:   "rbac.extend",
		Entity:   "role_grant",
		EntityID: grantID.String(),
		Meta:     meta,
	})
	return nil
}

// ListForSubject returns all grants for a subject within a tenant scope,
// revoked and expired included; history is part of the audit surface.
func (s *Service) ListForSubject(ctx context.Context, subjectID int64, tenantKey string) ([]RoleGrant, error) {
	exists, err := s.repo.SubjectExists(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrUnknownSubject
	}
	grants, err := s.repo.ListGrantsBySubject(ctx, subjectID, tenantKey)
	if err != nil {
		return nil, err
	}
	return grants, nil
}

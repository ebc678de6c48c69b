// Package rbac computes effective permissions from time-bounded role
// grants and exposes capability checks over the result.
package rbac

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownSubject indicates the subject id does not exist at all.
// A subject that exists but holds no effective grants is not an error;
// it simply resolves to an empty permission set.
var ErrUnknownSubject = errors.New("rbac: unknown subject")

// Effect is the decision a role's permission carries.
type Effect string

// Permission effects.
const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Permission is an atomic capability decision owned by a role.
type Permission struct {
	Resource string
	Action   string
	Effect   Effect
}

// Key returns the resource:action identifier, e.g. "manager_roles:manage".
func (p Permission) Key() string {
	return p.Resource + ":" + p.Action
}

// Role is a named permission grouping.
type Role struct {
	ID          int64
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ConflictStrategy reconciles contradictory decisions from overlapping
// effective grants.
type ConflictStrategy string

// Known strategies. DenyWins is the default when no grant references a
// policy: the most restrictive outcome prevails.
const (
	DenyWins  ConflictStrategy = "deny_wins"
	AllowWins ConflictStrategy = "allow_wins"
)

// ConflictPolicy is a persisted, id-referenced reconciliation rule.
type ConflictPolicy struct {
	ID       int64
	Name     string
	Strategy ConflictStrategy
}

// RoleGrant assigns a Role to a subject, optionally tenant-scoped and
// time-bounded. Grants are never deleted: revocation and extension are
// explicit mutations that preserve audit history.
type RoleGrant struct {
	ID           uuid.UUID
	SubjectID    int64
	RoleID       int64
	TenantKey    string
	GrantedAt    time.Time
	GrantedBy    *int64
	ExpiresAt    *time.Time
	PolicyID     *int64
	Active       bool
	RevokedAt    *time.Time
	RevokedBy    *int64
	RevokeReason string
}

// EffectiveAt reports whether the grant holds at the given instant:
// active, unrevoked, and unexpired. There is no grace period.
func (g RoleGrant) EffectiveAt(t time.Time) bool {
	if !g.Active || g.RevokedAt != nil {
		return false
	}
	return g.ExpiresAt == nil || g.ExpiresAt.After(t)
}

// priorityAfter orders grants for conflict resolution: most recently
// granted wins, ties broken by grant id ordering.
func (g RoleGrant) priorityAfter(other RoleGrant) bool {
	if !g.GrantedAt.Equal(other.GrantedAt) {
		return g.GrantedAt.After(other.GrantedAt)
	}
	return g.ID.String() > other.ID.String()
}

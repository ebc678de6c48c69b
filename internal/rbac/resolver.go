package rbac

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Resolver computes the effective permission set for a subject within a
// tenant context. The result is a snapshot: it is computed exactly once
// per request and never re-evaluated mid-request, even if a concurrent
// administrative action revokes a grant.
type Resolver struct {
	repo    Repository
	metrics EvalMetrics
}

// EvalMetrics observes resolver evaluations. The prometheus adapter in
// internal/observability implements it; tests pass a nil-safe zero value.
type EvalMetrics interface {
	ObserveEvaluation(grants int, conflicts int)
}

// NewResolver constructs a Resolver.
func NewResolver(repo Repository, metrics EvalMetrics) *Resolver {
	return &Resolver{repo: repo, metrics: metrics}
}

// EffectivePermissions fetches all grants effective at asOf for the
// subject within the tenant scope (global grants always apply), unions
// the allow decisions of their roles, and reconciles allow/deny
// conflicts per capability using the policy of the highest-priority
// conflicting grant. Without an explicit policy, deny wins.
func (r *Resolver) EffectivePermissions(ctx context.Context, subjectID int64, tenantKey string, asOf time.Time) (PermissionSet, error) {
	exists, err := r.repo.SubjectExists(ctx, subjectID)
	if err != nil {
		return PermissionSet{}, fmt.Errorf("rbac: subject lookup: %w", err)
	}
	if !exists {
		return PermissionSet{}, ErrUnknownSubject
	}

	grants, err := r.repo.ListGrantsBySubject(ctx, subjectID, tenantKey)
	if err != nil {
		return PermissionSet{}, fmt.Errorf("rbac: list grants: %w", err)
	}

	effective := grants[:0:0]
	for _, g := range grants {
		if g.EffectiveAt(asOf) {
			effective = append(effective, g)
		}
	}
	if len(effective) == 0 {
		return NewPermissionSet(nil), nil
	}

	roleIDs := make([]int64, 0, len(effective))
	seenRoles := make(map[int64]struct{}, len(effective))
	var policyIDs []int64
	for _, g := range effective {
		if _, ok := seenRoles[g.RoleID]; !ok {
			seenRoles[g.RoleID] = struct{}{}
			roleIDs = append(roleIDs, g.RoleID)
		}
		if g.PolicyID != nil {
			policyIDs = append(policyIDs, *g.PolicyID)
		}
	}

	permsByRole, err := r.repo.RolePermissions(ctx, roleIDs)
	if err != nil {
		return PermissionSet{}, fmt.Errorf("rbac: role permissions: %w", err)
	}
	policies := map[int64]ConflictPolicy{}
	if len(policyIDs) > 0 {
		policies, err = r.repo.PoliciesByIDs(ctx, policyIDs)
		if err != nil {
			return PermissionSet{}, fmt.Errorf("rbac: conflict policies: %w", err)
		}
	}

	// Collect, per capability key, the grants that allow it and the
	// grants that deny it.
	decisions := make(map[string]*decision)
	for _, g := range effective {
		for _, p := range permsByRole[g.RoleID] {
			key := p.Key()
			d := decisions[key]
			if d == nil {
				d = &decision{}
				decisions[key] = d
			}
			switch p.Effect {
			case EffectDeny:
				d.denies = append(d.denies, g)
			default:
				d.allows = append(d.allows, g)
			}
		}
	}

	conflicts := 0
	keys := make([]string, 0, len(decisions))
	for key, d := range decisions {
		if len(d.allows) == 0 {
			continue
		}
		if len(d.denies) == 0 {
			keys = append(keys, key)
			continue
		}
		conflicts++
		if r.resolveConflict(*d, policies) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	if r.metrics != nil {
		r.metrics.ObserveEvaluation(len(effective), conflicts)
	}
	return NewPermissionSet(keys), nil
}

type decision struct {
	allows []RoleGrant
	denies []RoleGrant
}

// resolveConflict applies the conflict policy referenced by the highest
// priority grant among those disagreeing. A policy id that resolves to
// nothing, or no policy at all, falls back to deny-wins.
func (r *Resolver) resolveConflict(d decision, policies map[int64]ConflictPolicy) bool {
	winner := d.allows[0]
	for _, g := range d.allows[1:] {
		if g.priorityAfter(winner) {
			winner = g
		}
	}
	for _, g := range d.denies {
		if g.priorityAfter(winner) {
			winner = g
		}
	}
	if winner.PolicyID != nil {
		if policy, ok := policies[*winner.PolicyID]; ok && policy.Strategy == AllowWins {
			return true
		}
	}
	return false
}

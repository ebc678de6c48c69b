package rbac

import "strings"

// Capability names a (resource, action) pair to check against an
// effective permission set. One tagged value replaces a subclass per
// resource.
type Capability struct {
	Resource string
	Action   string
}

// Well-known actions.
const (
	ActionView   = "view"
	ActionManage = "manage"
	ActionDelete = "delete"
)

// masterKey marks a wildcard permission granting every capability.
const masterKey = "*:*"

// PermissionSet is the derived, per-request view of a subject's allowed
// capabilities after conflict resolution. It is immutable for the
// lifetime of the request: a concurrent revoke takes effect on the next
// request, not this one.
type PermissionSet struct {
	allowed map[string]struct{}
}

// NewPermissionSet builds a set from resolved capability keys. Used by
// the resolver and by tests; handlers only read.
func NewPermissionSet(keys []string) PermissionSet {
	allowed := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			allowed[k] = struct{}{}
		}
	}
	return PermissionSet{allowed: allowed}
}

// Has reports whether the capability is granted. The wildcard master
// permission satisfies every check.
func (s PermissionSet) Has(c Capability) bool {
	if len(s.allowed) == 0 {
		return false
	}
	if _, ok := s.allowed[masterKey]; ok {
		return true
	}
	key := strings.ToLower(c.Resource + ":" + c.Action)
	_, ok := s.allowed[key]
	return ok
}

// CanView reports read access to a resource.
func (s PermissionSet) CanView(resource string) bool {
	return s.Has(Capability{Resource: resource, Action: ActionView})
}

// CanManage reports write access to a resource.
func (s PermissionSet) CanManage(resource string) bool {
	return s.Has(Capability{Resource: resource, Action: ActionManage})
}

// CanDelete reports delete access to a resource.
func (s PermissionSet) CanDelete(resource string) bool {
	return s.Has(Capability{Resource: resource, Action: ActionDelete})
}

// IsMaster reports whether the subject holds the wildcard permission.
func (s PermissionSet) IsMaster() bool {
	_, ok := s.allowed[masterKey]
	return ok
}

// Keys returns the granted capability keys, for the effective-permission
// listing endpoint.
func (s PermissionSet) Keys() []string {
	keys := make([]string, 0, len(s.allowed))
	for k := range s.allowed {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of granted capabilities.
func (s PermissionSet) Len() int {
	return len(s.allowed)
}

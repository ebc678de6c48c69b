// Package tenant maps tenant keys to the connection parameters of each
// tenant's isolated data store.
package tenant

import (
	"errors"
	"time"
)

// ErrUnknownTenant indicates a tenant key that does not resolve to a
// registered store. Requests carrying such a key are rejected before any
// tenant-scoped work begins.
var ErrUnknownTenant = errors.New("tenant: unknown tenant")

// Tenant describes one registered tenant and how to reach its store.
type Tenant struct {
	Key       string
	Name      string
	DSN       string
	Schema    string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

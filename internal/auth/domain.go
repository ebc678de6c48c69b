// Package auth authenticates principals against the manager store and
// issues bearer tokens.
package auth

import "time"

// Principal is an authenticated manager-store user account.
type Principal struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	RoleLabel    string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

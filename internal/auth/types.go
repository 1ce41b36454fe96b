package auth

import (
	"errors"
	"slices"
)

// Role represents an authorisation tier.
type Role string

const (
	// RoleViewer may watch real-time data and read status.
	RoleViewer Role = "viewer"

	// RoleOperator may additionally publish commands and announce modules.
	RoleOperator Role = "operator"

	// RoleAdmin has every permission, including cross-tenant introspection.
	RoleAdmin Role = "admin"
)

// ValidRoles is the set of roles a token may carry.
var ValidRoles = []Role{RoleViewer, RoleOperator, RoleAdmin}

// IsValidRole returns true if r is one of ValidRoles.
func IsValidRole(r Role) bool {
	return slices.Contains(ValidRoles, r)
}

// Identity is the authenticated caller carried by a verified token.
type Identity struct {
	Subject  string `json:"sub"`
	TenantID string `json:"tid"`
	Role     Role   `json:"role"`
}

// Sentinel errors for authentication operations.
var (
	ErrTokenExpired   = errors.New("token has expired")
	ErrTokenInvalid   = errors.New("invalid token")
	ErrTokenMissing   = errors.New("token is required")
	ErrMissingSubject = errors.New("token has no subject")
	ErrMissingTenant  = errors.New("token has no tenant")
	ErrUnknownRole    = errors.New("token carries an unknown role")
	ErrForbidden      = errors.New("insufficient permissions")
)

package realtime

import "errors"

// Handshake outcomes. A connection that fails with any of these is never
// registered and never counted.
var (
	// ErrAuthenticationRequired is returned when a tenant-scoped namespace is
	// joined without a bearer token.
	ErrAuthenticationRequired = errors.New("realtime: authentication required")

	// ErrInvalidUser is returned for a verified token that names no user or
	// no tenant.
	ErrInvalidUser = errors.New("realtime: invalid user")

	// ErrAuthenticationFailed is returned when the token does not verify.
	ErrAuthenticationFailed = errors.New("realtime: authentication failed")
)

var (
	// ErrUnknownNamespace is returned for a namespace outside the fixed set.
	ErrUnknownNamespace = errors.New("realtime: unknown namespace")

	// ErrRateLimited is returned when a client IP exceeds the handshake rate.
	ErrRateLimited = errors.New("realtime: too many connection attempts")

	// ErrTenantScopedTarget is returned when Broadcast addresses the tenant
	// namespace directly. Use BroadcastToTenant or BroadcastToTenantRoom.
	ErrTenantScopedTarget = errors.New("realtime: tenant namespace requires a tenant-derived target")

	// ErrInvalidRoom is returned for an empty room name or one carrying the
	// reserved tenant room prefix.
	ErrInvalidRoom = errors.New("realtime: invalid room")

	// ErrInvalidTenant is returned by the tenant broadcasts for an empty
	// tenant ID.
	ErrInvalidTenant = errors.New("realtime: invalid tenant")

	// ErrNotAttached is returned for room operations on a detached client.
	ErrNotAttached = errors.New("realtime: client not attached")

	// ErrServerClosed is returned by Attach after Close.
	ErrServerClosed = errors.New("realtime: server closed")
)

package gateway

import "errors"

// Aggregate errors. Each wraps the joined per-leg errors, so errors.Is also
// finds the underlying mqtt sentinel (e.g. mqtt.ErrConnectTimeout).
var (
	// ErrConnectAllFailed is returned when neither leg could connect.
	ErrConnectAllFailed = errors.New("gateway: all legs failed to connect")

	// ErrNoActiveConnection is returned when no leg is connected. Publishes
	// that hit it are deferred, not dropped.
	ErrNoActiveConnection = errors.New("gateway: no active connection")

	// ErrPublishAllFailed is returned when every attempted leg publish failed.
	ErrPublishAllFailed = errors.New("gateway: publish failed on all legs")

	// ErrSubscribeAllFailed is returned when every attempted leg subscribe failed.
	ErrSubscribeAllFailed = errors.New("gateway: subscribe failed on all legs")

	// ErrUnsubscribeAllFailed is returned when every attempted leg unsubscribe failed.
	ErrUnsubscribeAllFailed = errors.New("gateway: unsubscribe failed on all legs")
)

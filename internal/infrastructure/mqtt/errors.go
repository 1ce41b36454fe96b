package mqtt

import "errors"

// Domain-specific errors for MQTT operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotConnected is returned by operations that need a live session.
	ErrNotConnected = errors.New("mqtt: not connected")

	// ErrConnectTimeout is returned when the handshake does not complete
	// within the leg's connect timeout.
	ErrConnectTimeout = errors.New("mqtt: connect timed out")

	// ErrConnectionFailed is returned when the broker rejects or drops the handshake.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrPublishFailed is returned when a publish on a live session fails.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrSubscribeFailed is returned when the broker rejects a subscription.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrUnsubscribeFailed is returned when an unsubscribe operation fails.
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")

	// ErrInvalidQoS is returned when an invalid QoS level is specified.
	// Valid QoS levels are 0, 1, or 2.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")

	// ErrInvalidTopic is returned for an empty topic or a malformed filter.
	ErrInvalidTopic = errors.New("mqtt: invalid topic")

	// ErrClosed is returned after Close has been called.
	ErrClosed = errors.New("mqtt: connection closed")
)

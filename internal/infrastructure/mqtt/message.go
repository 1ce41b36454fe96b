package mqtt

import "time"

// Message is an inbound PUBLISH as seen by subscribers.
type Message struct {
	Topic     string
	Payload   []byte
	QoS       byte
	Retained  bool
	Duplicate bool

	// Leg is the name of the Connection that received the message.
	Leg string

	ReceivedAt time.Time
}

// MessageHandler is the callback attached to a subscription pattern.
//
// Handlers run on the session's delivery goroutine and should not block.
// A returned error is logged; it does not affect acknowledgement.
type MessageHandler func(msg Message) error

// Listener receives every inbound message regardless of which pattern
// matched it.
type Listener func(msg Message)

// PublishOptions control a single publish.
type PublishOptions struct {
	QoS    byte
	Retain bool
}

// SubscribeOptions control a single subscription.
type SubscribeOptions struct {
	QoS byte
}

// queuedMessage is a publish deferred while the leg was offline.
type queuedMessage struct {
	topic   string
	payload []byte
	opts    PublishOptions
}

// subscription is one registered pattern. Order of registration decides
// which handler wins when several patterns match.
type subscription struct {
	pattern string
	qos     byte
	handler MessageHandler
}

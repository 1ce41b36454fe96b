package relay

import (
	"strings"
	"time"

	"github.com/nerrad567/sitelink-core/internal/infrastructure/logging"
	"github.com/nerrad567/sitelink-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/sitelink-core/internal/realtime"
)

// Event names sent to real-time clients.
const (
	EventMQTTMessage = "mqtt-message"
	EventSensorData  = "sensor-data"
)

// EnvelopeKind tags every relayed envelope.
const EnvelopeKind = "mqtt-relay"

// sensorMarker is the topic marker used by the sensor pipeline.
const sensorMarker = "pTrace"

// Envelope is the real-time representation of one broker message.
type Envelope struct {
	Topic     string    `json:"topic"`
	Payload   string    `json:"payload"`
	QoS       byte      `json:"qos"`
	Retain    bool      `json:"retain"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
}

// Broadcaster is the part of realtime.Server the relay uses.
type Broadcaster interface {
	Broadcast(event string, data any, target realtime.Target) (int, error)
	BroadcastToTenant(tenantID, event string, data any) (int, error)
	BroadcastToTenantRoom(tenantID, room, event string, data any) (int, error)
}

// TenantResolver maps a topic to the tenants owning modules at its site.
// subscription.Manager implements it.
type TenantResolver interface {
	TenantsFor(topic string) []string
}

// Relay forwards broker messages to a Broadcaster.
//
// Thread Safety:
//   - Forward is safe for concurrent use.
type Relay struct {
	out     Broadcaster
	tenants TenantResolver
	logger  *logging.Logger
}

// Option configures a Relay.
type Option func(*Relay)

// WithTenants enables fan-out to the tenants that resolver reports for each
// topic: their /tenant bucket and their topic room. Without it nothing is
// sent to /tenant.
func WithTenants(resolver TenantResolver) Option {
	return func(r *Relay) { r.tenants = resolver }
}

// New creates a Relay.
func New(out Broadcaster, logger *logging.Logger, opts ...Option) *Relay {
	if logger == nil {
		logger = logging.Discard()
	}
	r := &Relay{
		out:    out,
		logger: logger.With("component", "relay"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewEnvelope wraps msg.
func NewEnvelope(msg mqtt.Message) Envelope {
	ts := msg.ReceivedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return Envelope{
		Topic:     msg.Topic,
		Payload:   string(msg.Payload),
		QoS:       msg.QoS,
		Retain:    msg.Retained,
		Timestamp: ts,
		Kind:      EnvelopeKind,
	}
}

// IsSensorTopic reports whether topic carries sensor data: it contains the
// pTrace marker, or "sensor" in any case.
func IsSensorTopic(topic string) bool {
	return strings.Contains(topic, sensorMarker) ||
		strings.Contains(strings.ToLower(topic), "sensor")
}

// Forward relays msg. Each target is attempted independently; failures and
// panics are logged.
func (r *Relay) Forward(msg mqtt.Message) {
	env := NewEnvelope(msg)
	r.broadcast(EventMQTTMessage, env, realtime.Target{Namespace: realtime.NamespaceMQTT})
	r.broadcast(EventMQTTMessage, env, realtime.Target{
		Namespace: realtime.NamespaceMQTT,
		Room:      realtime.TopicRoom(msg.Topic),
	})
	if IsSensorTopic(msg.Topic) {
		r.broadcast(EventSensorData, env, realtime.Target{Namespace: realtime.NamespaceSensors})
	}
	if r.tenants == nil {
		return
	}
	for _, tid := range r.tenants.TenantsFor(msg.Topic) {
		r.broadcastToTenant(tid, env)
	}
}

// Listener adapts Forward for Gateway.OnMessage.
func (r *Relay) Listener() mqtt.Listener {
	return r.Forward
}

func (r *Relay) broadcast(event string, env Envelope, target realtime.Target) {
	defer r.recoverPanic(event, env.Topic)

	if _, err := r.out.Broadcast(event, env, target); err != nil {
		r.logger.Warn("relay broadcast failed",
			"event", event,
			"topic", env.Topic,
			"namespace", target.Namespace,
			"room", target.Room,
			"error", err,
		)
	}
}

func (r *Relay) broadcastToTenant(tenantID string, env Envelope) {
	r.tenantSend(tenantID, "", env, func() (int, error) {
		return r.out.BroadcastToTenant(tenantID, EventMQTTMessage, env)
	})
	room := realtime.TopicRoom(env.Topic)
	r.tenantSend(tenantID, room, env, func() (int, error) {
		return r.out.BroadcastToTenantRoom(tenantID, room, EventMQTTMessage, env)
	})
}

func (r *Relay) tenantSend(tenantID, room string, env Envelope, send func() (int, error)) {
	defer r.recoverPanic(EventMQTTMessage, env.Topic)

	if _, err := send(); err != nil {
		r.logger.Warn("relay broadcast failed",
			"event", EventMQTTMessage,
			"topic", env.Topic,
			"namespace", realtime.NamespaceTenant,
			"tenant", tenantID,
			"room", room,
			"error", err,
		)
	}
}

func (r *Relay) recoverPanic(event, topic string) {
	if rec := recover(); rec != nil {
		r.logger.Error("relay panic recovered",
			"event", event,
			"topic", topic,
			"panic", rec,
		)
	}
}

package router

import (
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/nerrad567/sitelink-core/internal/infrastructure/logging"
	"github.com/nerrad567/sitelink-core/internal/infrastructure/mqtt"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Handler processes one classified message. payload is the decoded JSON value
// (map, slice, string, number, bool or nil), or the raw text for KindText.
type Handler func(topic string, payload any) error

// Handlers holds one handler per kind. A nil handler drops messages of that
// kind.
type Handlers struct {
	SensorConfig Handler
	SensorData   Handler
	JobRunData   Handler
	AutoStop     Handler
	AutoRun      Handler
	NewJob       Handler
	Generic      Handler
	Text         Handler
}

func (h Handlers) forKind(k Kind) Handler {
	switch k {
	case KindSensorConfig:
		return h.SensorConfig
	case KindSensorData:
		return h.SensorData
	case KindJobRunData:
		return h.JobRunData
	case KindAutoStop:
		return h.AutoStop
	case KindAutoRun:
		return h.AutoRun
	case KindNewJob:
		return h.NewJob
	case KindText:
		return h.Text
	default:
		return h.Generic
	}
}

// ClassifiedMessage is an inbound message after parsing and classification.
type ClassifiedMessage struct {
	Topic     string    `json:"topic"`
	Payload   any       `json:"payload"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	QoS       byte      `json:"qos"`
	Retain    bool      `json:"retain"`
}

// Router dispatches inbound messages to Handlers.
//
// Thread Safety:
//   - Route is safe for concurrent use; handlers may run concurrently when
//     both broker legs deliver at once.
type Router struct {
	handlers Handlers
	logger   *logging.Logger
}

// New creates a Router.
func New(handlers Handlers, logger *logging.Logger) *Router {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Router{
		handlers: handlers,
		logger:   logger.With("component", "router"),
	}
}

// Route parses, classifies and dispatches msg synchronously. Handler errors and
// panics are logged and never escape.
func (r *Router) Route(msg mqtt.Message) ClassifiedMessage {
	cm := ClassifiedMessage{
		Topic:     msg.Topic,
		Timestamp: msg.ReceivedAt,
		QoS:       msg.QoS,
		Retain:    msg.Retained,
	}
	if cm.Timestamp.IsZero() {
		cm.Timestamp = time.Now().UTC()
	}

	var parsed any
	if err := json.Unmarshal(msg.Payload, &parsed); err != nil {
		cm.Kind = KindText
		cm.Payload = string(msg.Payload)
	} else {
		cm.Kind = Classify(msg.Topic)
		cm.Payload = parsed
	}

	r.dispatch(cm)
	return cm
}

// Listener adapts Route for Gateway.OnMessage.
func (r *Router) Listener() mqtt.Listener {
	return func(msg mqtt.Message) { r.Route(msg) }
}

func (r *Router) dispatch(cm ClassifiedMessage) {
	handler := r.handlers.forKind(cm.Kind)
	if handler == nil {
		r.logger.Debug("no handler for message kind", "kind", cm.Kind, "topic", cm.Topic)
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("message handler panic recovered",
				"kind", cm.Kind,
				"topic", cm.Topic,
				"panic", rec,
			)
		}
	}()

	if err := handler(cm.Topic, cm.Payload); err != nil {
		r.logger.Warn("message handler returned error",
			"kind", cm.Kind,
			"topic", cm.Topic,
			"error", err,
		)
	}
}

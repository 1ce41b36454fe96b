package mqtt

import (
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/sitelink-core/internal/infrastructure/config"
)

// Session is a single network session with a broker. A Connection creates a
// fresh Session for every connect attempt and drops it when the attempt fails
// or the link is lost.
//
// Implementations must deliver every inbound PUBLISH through
// SessionHandlers.OnMessage and report an unexpected disconnect through
// SessionHandlers.OnConnectionLost.
type Session interface {
	Connect(timeout time.Duration) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte) error
	Unsubscribe(topic string) error
	Disconnect()
}

// SessionHandlers are the callbacks a Session reports into.
type SessionHandlers struct {
	OnMessage        func(Message)
	OnConnectionLost func(error)
}

// SessionFactory creates an unconnected Session for one leg.
type SessionFactory func(cfg config.BrokerConfig, h SessionHandlers) (Session, error)

// PahoSessionFactory creates sessions backed by paho.mqtt.golang.
func PahoSessionFactory(cfg config.BrokerConfig, h SessionHandlers) (Session, error) {
	onMessage := func(_ pahomqtt.Client, msg pahomqtt.Message) {
		h.OnMessage(Message{
			Topic:      msg.Topic(),
			Payload:    msg.Payload(),
			QoS:        msg.Qos(),
			Retained:   msg.Retained(),
			Duplicate:  msg.Duplicate(),
			ReceivedAt: time.Now().UTC(),
		})
	}
	onLost := func(_ pahomqtt.Client, err error) {
		h.OnConnectionLost(err)
	}

	opts, err := buildClientOptions(cfg, onMessage, onLost)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return &pahoSession{client: pahomqtt.NewClient(opts)}, nil
}

// pahoSession adapts a paho client to Session. Subscriptions are made with a
// nil callback so every message reaches the default publish handler exactly once.
type pahoSession struct {
	client pahomqtt.Client
}

func (s *pahoSession) Connect(timeout time.Duration) error {
	token := s.client.Connect()
	if !token.WaitTimeout(timeout) {
		return ErrConnectTimeout
	}
	return token.Error()
}

func (s *pahoSession) Publish(topic string, qos byte, retained bool, payload []byte) error {
	return wait(s.client.Publish(topic, qos, retained, payload))
}

func (s *pahoSession) Subscribe(topic string, qos byte) error {
	token := s.client.Subscribe(topic, qos, nil)
	if err := wait(token); err != nil {
		return err
	}
	if st, ok := token.(*pahomqtt.SubscribeToken); ok {
		if code, found := st.Result()[topic]; found && code == subackFailure {
			return fmt.Errorf("broker refused filter %q", topic)
		}
	}
	return nil
}

// subackFailure is the SUBACK return code for a refused filter.
const subackFailure = 0x80

func (s *pahoSession) Unsubscribe(topic string) error {
	return wait(s.client.Unsubscribe(topic))
}

func (s *pahoSession) Disconnect() {
	s.client.Disconnect(disconnectQuiesce)
}

func wait(token pahomqtt.Token) error {
	if !token.WaitTimeout(operationTimeout) {
		return fmt.Errorf("timeout after %v", operationTimeout)
	}
	return token.Error()
}

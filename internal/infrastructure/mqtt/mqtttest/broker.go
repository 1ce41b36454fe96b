// Package mqtttest provides an in-memory broker for testing code built on
// mqtt.Connection without a network.
package mqtttest

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/nerrad567/sitelink-core/internal/infrastructure/config"
	"github.com/nerrad567/sitelink-core/internal/infrastructure/mqtt"
)

// ErrRefused is returned by Connect while the broker is unreachable.
var ErrRefused = errors.New("mqtttest: connection refused")

// ErrNoSession is returned by operations on a session that is not connected.
var ErrNoSession = errors.New("mqtttest: session not connected")

// Published is one PUBLISH accepted by the broker.
type Published struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
	ClientID string
}

// Broker is a fake broker. The zero value is not usable; call NewBroker.
type Broker struct {
	mu              sync.Mutex
	reachable       bool
	delay           time.Duration
	publishErr      error
	subscribeErr    error
	sessions        []*session
	published       []Published
	connectAttempts int
	publishCalls    int
	subscribeCalls  int
}

// NewBroker returns a reachable broker.
func NewBroker() *Broker {
	return &Broker{reachable: true}
}

// Factory returns a SessionFactory whose sessions talk to b.
func (b *Broker) Factory() mqtt.SessionFactory {
	return func(cfg config.BrokerConfig, h mqtt.SessionHandlers) (mqtt.Session, error) {
		return &session{broker: b, clientID: cfg.ClientID, handlers: h}, nil
	}
}

// SetReachable controls whether new connects succeed.
func (b *Broker) SetReachable(reachable bool) {
	b.mu.Lock()
	b.reachable = reachable
	b.mu.Unlock()
}

// SetConnectDelay makes every handshake take d before it completes. A delay
// longer than the leg's connect timeout simulates a broker that answers late.
func (b *Broker) SetConnectDelay(d time.Duration) {
	b.mu.Lock()
	b.delay = d
	b.mu.Unlock()
}

// FailPublish makes every publish return err. Nil restores normal behaviour.
func (b *Broker) FailPublish(err error) {
	b.mu.Lock()
	b.publishErr = err
	b.mu.Unlock()
}

// FailSubscribe makes every subscribe return err. Nil restores normal behaviour.
func (b *Broker) FailSubscribe(err error) {
	b.mu.Lock()
	b.subscribeErr = err
	b.mu.Unlock()
}

// Drop disconnects every live session and reports the loss to its owner.
func (b *Broker) Drop() {
	b.mu.Lock()
	dropped := b.sessions
	b.sessions = nil
	for _, s := range dropped {
		s.connected = false
	}
	b.mu.Unlock()

	for _, s := range dropped {
		s.handlers.OnConnectionLost(errors.New("mqtttest: connection dropped"))
	}
}

// Deliver sends a message to every live session with a matching filter and
// returns how many sessions received it.
func (b *Broker) Deliver(topic string, payload []byte) int {
	b.mu.Lock()
	var targets []*session
	for _, s := range b.sessions {
		if slices.ContainsFunc(s.filters, func(f string) bool { return mqtt.Match(f, topic) }) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.handlers.OnMessage(mqtt.Message{
			Topic:      topic,
			Payload:    slices.Clone(payload),
			ReceivedAt: time.Now().UTC(),
		})
	}
	return len(targets)
}

// Published returns every accepted publish in arrival order.
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.published)
}

// Filters returns the filters held by live sessions, one entry per session
// and filter.
func (b *Broker) Filters() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, s := range b.sessions {
		out = append(out, s.filters...)
	}
	return out
}

// Connected returns the number of live sessions.
func (b *Broker) Connected() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// ConnectAttempts returns how many times Connect was called.
func (b *Broker) ConnectAttempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectAttempts
}

// PublishCalls returns how many times Publish was called, including failures.
func (b *Broker) PublishCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.publishCalls
}

// SubscribeCalls returns how many times Subscribe was called, including failures.
func (b *Broker) SubscribeCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribeCalls
}

type session struct {
	broker    *Broker
	clientID  string
	handlers  mqtt.SessionHandlers
	connected bool
	filters   []string
}

func (s *session) Connect(_ time.Duration) error {
	b := s.broker
	b.mu.Lock()
	b.connectAttempts++
	delay := b.delay
	b.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.reachable {
		return ErrRefused
	}
	s.connected = true
	b.sessions = append(b.sessions, s)
	return nil
}

func (s *session) Publish(topic string, qos byte, retained bool, payload []byte) error {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishCalls++
	if !s.connected {
		return ErrNoSession
	}
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, Published{
		Topic:    topic,
		Payload:  slices.Clone(payload),
		QoS:      qos,
		Retained: retained,
		ClientID: s.clientID,
	})
	return nil
}

func (s *session) Subscribe(topic string, _ byte) error {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribeCalls++
	if !s.connected {
		return ErrNoSession
	}
	if b.subscribeErr != nil {
		return b.subscribeErr
	}
	if !slices.Contains(s.filters, topic) {
		s.filters = append(s.filters, topic)
	}
	return nil
}

func (s *session) Unsubscribe(topic string) error {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if !s.connected {
		return ErrNoSession
	}
	s.filters = slices.DeleteFunc(s.filters, func(f string) bool { return f == topic })
	return nil
}

func (s *session) Disconnect() {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	s.connected = false
	b.sessions = slices.DeleteFunc(b.sessions, func(o *session) bool { return o == s })
}

package mqtt

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/sitelink-core/internal/infrastructure/config"
)

func testBrokerConfig() config.BrokerConfig {
	return config.BrokerConfig{
		Host:            "127.0.0.1",
		Port:            1883,
		Protocol:        config.ProtocolMQTT,
		ClientID:        "sitelink-test",
		ConnectTimeout:  50 * time.Millisecond,
		ReconnectPeriod: time.Hour,
		CleanSession:    true,
	}
}

// slowSession completes its handshake only when release is closed.
type slowSession struct {
	release  chan struct{}
	handlers SessionHandlers
}

func (s *slowSession) Connect(time.Duration) error {
	<-s.release
	return nil
}
func (s *slowSession) Publish(string, byte, bool, []byte) error { return nil }
func (s *slowSession) Subscribe(string, byte) error             { return nil }
func (s *slowSession) Unsubscribe(string) error                 { return nil }
func (s *slowSession) Disconnect()                              {}

// =============================================================================
// Stale session guard
// =============================================================================

func TestConnect_LateSessionCallbacksIgnored(t *testing.T) {
	var (
		mu       sync.Mutex
		sessions []*slowSession
	)
	factory := func(_ config.BrokerConfig, h SessionHandlers) (Session, error) {
		s := &slowSession{release: make(chan struct{}), handlers: h}
		mu.Lock()
		sessions = append(sessions, s)
		mu.Unlock()
		return s, nil
	}

	conn := NewConnection("plain", testBrokerConfig(), WithSessionFactory(factory))
	defer conn.Close()

	var received atomic.Int32
	conn.OnMessage(func(Message) { received.Add(1) })

	err := conn.Connect(context.Background())
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("Connect() error = %v, want ErrConnectTimeout", err)
	}

	mu.Lock()
	stale := sessions[0]
	mu.Unlock()

	// The abandoned handshake completes and its session starts reporting.
	close(stale.release)
	stale.handlers.OnMessage(Message{Topic: "acme/us_austin/line1"})
	stale.handlers.OnConnectionLost(errors.New("late loss"))

	if n := received.Load(); n != 0 {
		t.Errorf("listener received %d messages from a stale session, want 0", n)
	}
	status := conn.Status()
	if status.Connected {
		t.Error("stale session marked the leg connected")
	}
	if !status.LastDisconnected.IsZero() {
		t.Error("stale connection-lost report mutated LastDisconnected")
	}
}

func TestConnect_ContextCancelled(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	factory := func(_ config.BrokerConfig, h SessionHandlers) (Session, error) {
		return &slowSession{release: release, handlers: h}, nil
	}

	cfg := testBrokerConfig()
	cfg.ConnectTimeout = time.Minute
	conn := NewConnection("plain", cfg, WithSessionFactory(factory))
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := conn.Connect(ctx)
	if !errors.Is(err, ErrConnectionFailed) || !errors.Is(err, context.Canceled) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed wrapping context.Canceled", err)
	}
	if conn.IsConnected() {
		t.Error("IsConnected() = true after cancelled connect")
	}
}

package mqtt_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/sitelink-core/internal/infrastructure/config"
	"github.com/nerrad567/sitelink-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/sitelink-core/internal/infrastructure/mqtt/mqtttest"
)

func legConfig() config.BrokerConfig {
	return config.BrokerConfig{
		Host:            "127.0.0.1",
		Port:            1883,
		Protocol:        config.ProtocolMQTT,
		ClientID:        "sitelink-test",
		ConnectTimeout:  100 * time.Millisecond,
		ReconnectPeriod: 10 * time.Millisecond,
		CleanSession:    true,
	}
}

func newLeg(t *testing.T, broker *mqtttest.Broker, mutate ...func(*config.BrokerConfig)) *mqtt.Connection {
	t.Helper()
	cfg := legConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	conn := mqtt.NewConnection("plain", cfg, mqtt.WithSessionFactory(broker.Factory()))
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestConnect(t *testing.T) {
	broker := mqtttest.NewBroker()
	conn := newLeg(t, broker)

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	status := conn.Status()
	if !status.Connected {
		t.Error("Status().Connected = false, want true")
	}
	if status.Reconnecting {
		t.Error("Status().Reconnecting = true after successful connect")
	}
	if status.LastConnected.IsZero() {
		t.Error("Status().LastConnected not set")
	}
	if status.Name != "plain" {
		t.Errorf("Status().Name = %q, want plain", status.Name)
	}

	// A second Connect on a live leg is a no-op.
	if err := conn.Connect(context.Background()); err != nil {
		t.Errorf("second Connect() error = %v", err)
	}
	if n := broker.ConnectAttempts(); n != 1 {
		t.Errorf("ConnectAttempts() = %d, want 1", n)
	}
}

func TestConnect_Refused(t *testing.T) {
	broker := mqtttest.NewBroker()
	broker.SetReachable(false)
	conn := newLeg(t, broker)

	err := conn.Connect(context.Background())
	if !errors.Is(err, mqtt.ErrConnectionFailed) {
		t.Fatalf("Connect() error = %v, want ErrConnectionFailed", err)
	}
	if conn.IsConnected() {
		t.Error("IsConnected() = true after refused connect")
	}
}

func TestConnect_Timeout(t *testing.T) {
	broker := mqtttest.NewBroker()
	broker.SetConnectDelay(300 * time.Millisecond)
	conn := newLeg(t, broker, func(c *config.BrokerConfig) {
		c.ConnectTimeout = 30 * time.Millisecond
		c.ReconnectPeriod = time.Hour
	})

	err := conn.Connect(context.Background())
	if !errors.Is(err, mqtt.ErrConnectTimeout) {
		t.Fatalf("Connect() error = %v, want ErrConnectTimeout", err)
	}

	// The broker eventually accepts the abandoned handshake; the leg must
	// tear that session down rather than adopt it.
	time.Sleep(400 * time.Millisecond)
	if conn.IsConnected() {
		t.Error("leg adopted a session that completed after its timeout")
	}
	waitFor(t, "late session to be discarded", func() bool { return broker.Connected() == 0 })
}

func TestReconnectLoop_CountsAttemptsAndResets(t *testing.T) {
	broker := mqtttest.NewBroker()
	broker.SetReachable(false)
	conn := newLeg(t, broker)

	_ = conn.Connect(context.Background())

	waitFor(t, "reconnect attempts", func() bool { return conn.Status().ReconnectAttempts >= 3 })
	if !conn.Status().Reconnecting {
		t.Error("Status().Reconnecting = false while retrying")
	}

	broker.SetReachable(true)
	waitFor(t, "reconnect", conn.IsConnected)

	status := conn.Status()
	if status.ReconnectAttempts != 0 {
		t.Errorf("ReconnectAttempts = %d after connect, want 0", status.ReconnectAttempts)
	}
	if status.Reconnecting {
		t.Error("Reconnecting = true after connect")
	}
}

func TestConnectionLost(t *testing.T) {
	broker := mqtttest.NewBroker()
	conn := newLeg(t, broker, func(c *config.BrokerConfig) { c.ReconnectPeriod = time.Hour })

	var lost sync.WaitGroup
	lost.Add(1)
	conn.SetOnDisconnect(func(error) { lost.Done() })

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	broker.Drop()
	lost.Wait()

	status := conn.Status()
	if status.Connected {
		t.Error("Connected = true after drop")
	}
	if !status.Reconnecting {
		t.Error("Reconnecting = false after drop")
	}
	if status.LastDisconnected.IsZero() {
		t.Error("LastDisconnected not set")
	}
	if err := conn.HealthCheck(context.Background()); !errors.Is(err, mqtt.ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}

func TestNewConnection_ZeroTimingsUseDefaults(t *testing.T) {
	broker := mqtttest.NewBroker()
	conn := newLeg(t, broker, func(c *config.BrokerConfig) {
		c.ConnectTimeout = 0
		c.ReconnectPeriod = 0
	})

	lost := make(chan struct{})
	conn.SetOnDisconnect(func(error) { close(lost) })

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v with a zero connect timeout", err)
	}

	// Losing the session starts the reconnect loop, which must not be handed
	// a zero ticker period.
	broker.Drop()
	<-lost
	waitFor(t, "reconnect loop", func() bool { return conn.Status().Reconnecting })

	// Close waits for the loop goroutine, so it has built its ticker by now.
	if err := conn.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

// =============================================================================
// Publish Tests
// =============================================================================

func TestPublish_Connected(t *testing.T) {
	broker := mqtttest.NewBroker()
	conn := newLeg(t, broker)
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	err := conn.Publish("acme/us_austin/line1/cmd", []byte(`{"run":true}`), mqtt.PublishOptions{QoS: 1, Retain: true})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	got := broker.Published()
	if len(got) != 1 {
		t.Fatalf("broker received %d messages, want 1", len(got))
	}
	if got[0].Topic != "acme/us_austin/line1/cmd" || got[0].QoS != 1 || !got[0].Retained {
		t.Errorf("published = %+v", got[0])
	}
}

func TestPublish_OfflineQueueReplaysInOrder(t *testing.T) {
	const n = 25

	broker := mqtttest.NewBroker()
	broker.SetReachable(false)
	conn := newLeg(t, broker)
	_ = conn.Connect(context.Background())

	for i := range n {
		if err := conn.Publish("acme/us_austin/seq", []byte(fmt.Sprint(i)), mqtt.PublishOptions{QoS: 1}); err != nil {
			t.Fatalf("Publish(%d) while offline error = %v", i, err)
		}
	}
	if q := conn.Status().Queued; q != n {
		t.Fatalf("Status().Queued = %d, want %d", q, n)
	}
	if calls := broker.PublishCalls(); calls != 0 {
		t.Fatalf("offline publish reached the network %d times", calls)
	}

	broker.SetReachable(true)
	waitFor(t, "queue flush", func() bool { return conn.Status().Queued == 0 && conn.IsConnected() })

	got := broker.Published()
	if len(got) != n {
		t.Fatalf("replayed %d messages, want %d", len(got), n)
	}
	for i, m := range got {
		if string(m.Payload) != fmt.Sprint(i) {
			t.Fatalf("message %d payload = %s, want %d (order broken)", i, m.Payload, i)
		}
	}
}

func TestPublish_FlushInterruptedKeepsRemainder(t *testing.T) {
	broker := mqtttest.NewBroker()
	broker.SetReachable(false)
	conn := newLeg(t, broker, func(c *config.BrokerConfig) { c.ReconnectPeriod = time.Hour })
	_ = conn.Connect(context.Background())

	for i := range 3 {
		_ = conn.Publish("t", []byte(fmt.Sprint(i)), mqtt.PublishOptions{})
	}

	broker.SetReachable(true)
	broker.FailPublish(errors.New("broker busy"))
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if q := conn.Status().Queued; q != 3 {
		t.Errorf("Status().Queued after failed flush = %d, want 3", q)
	}
}

func TestPublish_Validation(t *testing.T) {
	broker := mqtttest.NewBroker()
	conn := newLeg(t, broker)

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{name: "empty topic", topic: "", wantErr: mqtt.ErrInvalidTopic},
		{name: "wildcard topic", topic: "acme/#", wantErr: mqtt.ErrInvalidTopic},
		{name: "invalid qos", topic: "t", qos: 3, wantErr: mqtt.ErrInvalidQoS},
		{name: "oversized payload", topic: "t", payload: make([]byte, 1<<20+1), wantErr: mqtt.ErrPublishFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := conn.Publish(tt.topic, tt.payload, mqtt.PublishOptions{QoS: tt.qos})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
	if q := conn.Status().Queued; q != 0 {
		t.Errorf("invalid publishes were queued: %d", q)
	}
}

func TestPublish_BrokerError(t *testing.T) {
	broker := mqtttest.NewBroker()
	conn := newLeg(t, broker)
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	broker.FailPublish(errors.New("quota exceeded"))
	err := conn.Publish("t", []byte("x"), mqtt.PublishOptions{})
	if !errors.Is(err, mqtt.ErrPublishFailed) {
		t.Errorf("Publish() error = %v, want ErrPublishFailed", err)
	}
}

// =============================================================================
// Subscribe Tests
// =============================================================================

func TestSubscribe_DeferredUntilConnected(t *testing.T) {
	broker := mqtttest.NewBroker()
	broker.SetReachable(false)
	conn := newLeg(t, broker)
	_ = conn.Connect(context.Background())

	if err := conn.Subscribe("acme/us_austin/#", nil, mqtt.SubscribeOptions{QoS: 1}); err != nil {
		t.Fatalf("Subscribe() while offline error = %v", err)
	}
	if !conn.HasSubscription("acme/us_austin/#") {
		t.Fatal("offline subscription not registered")
	}

	broker.SetReachable(true)
	waitFor(t, "subscription established", func() bool {
		return strings.Join(broker.Filters(), ",") == "acme/us_austin/#"
	})
}

func TestSubscribe_RestoredAfterReconnect(t *testing.T) {
	broker := mqtttest.NewBroker()
	conn := newLeg(t, broker)
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	for _, p := range []string{"acme/us_austin/#", "globex/de_berlin/#"} {
		if err := conn.Subscribe(p, nil, mqtt.SubscribeOptions{QoS: 1}); err != nil {
			t.Fatalf("Subscribe(%s) error = %v", p, err)
		}
	}

	broker.Drop()
	waitFor(t, "reconnect", func() bool { return conn.IsConnected() && len(broker.Filters()) == 2 })

	got := conn.Status().Subscriptions
	if len(got) != 2 || got[0] != "acme/us_austin/#" || got[1] != "globex/de_berlin/#" {
		t.Errorf("Status().Subscriptions = %v, want registration order", got)
	}
}

func TestSubscribe_BrokerRefusalRollsBack(t *testing.T) {
	broker := mqtttest.NewBroker()
	conn := newLeg(t, broker)
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	broker.FailSubscribe(errors.New("not authorised"))
	err := conn.Subscribe("secret/#", nil, mqtt.SubscribeOptions{})
	if !errors.Is(err, mqtt.ErrSubscribeFailed) {
		t.Fatalf("Subscribe() error = %v, want ErrSubscribeFailed", err)
	}
	if conn.HasSubscription("secret/#") {
		t.Error("refused subscription still registered")
	}
}

func TestSubscribe_Validation(t *testing.T) {
	conn := newLeg(t, mqtttest.NewBroker())

	if err := conn.Subscribe("acme/#/x", nil, mqtt.SubscribeOptions{}); !errors.Is(err, mqtt.ErrInvalidTopic) {
		t.Errorf("Subscribe(bad filter) error = %v, want ErrInvalidTopic", err)
	}
	if err := conn.Subscribe("acme/#", nil, mqtt.SubscribeOptions{QoS: 7}); !errors.Is(err, mqtt.ErrInvalidQoS) {
		t.Errorf("Subscribe(qos 7) error = %v, want ErrInvalidQoS", err)
	}
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	broker := mqtttest.NewBroker()
	conn := newLeg(t, broker)
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := conn.Subscribe("acme/#", nil, mqtt.SubscribeOptions{}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	for i := range 3 {
		if err := conn.Unsubscribe("acme/#"); err != nil {
			t.Errorf("Unsubscribe() call %d error = %v", i, err)
		}
	}
	if err := conn.Unsubscribe("never/subscribed"); err != nil {
		t.Errorf("Unsubscribe(unknown) error = %v", err)
	}
	if len(broker.Filters()) != 0 {
		t.Errorf("broker still holds %v", broker.Filters())
	}
}

// =============================================================================
// Dispatch Tests
// =============================================================================

func TestDispatch_FirstMatchingPatternWins(t *testing.T) {
	broker := mqtttest.NewBroker()
	conn := newLeg(t, broker)
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	var mu sync.Mutex
	var calls []string
	record := func(name string) mqtt.MessageHandler {
		return func(mqtt.Message) error {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
			return nil
		}
	}
	var generic []mqtt.Message
	conn.OnMessage(func(m mqtt.Message) {
		mu.Lock()
		generic = append(generic, m)
		mu.Unlock()
	})

	_ = conn.Subscribe("acme/#", record("broad"), mqtt.SubscribeOptions{})
	_ = conn.Subscribe("acme/+/line1/#", record("narrow"), mqtt.SubscribeOptions{})

	broker.Deliver("acme/us_austin/line1/pTrace/data", []byte(`{"v":1}`))
	broker.Deliver("other/topic", nil) // no filter matches on the broker side

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 1 || calls[0] != "broad" {
		t.Errorf("handler calls = %v, want [broad]", calls)
	}
	if len(generic) != 1 {
		t.Fatalf("generic listener saw %d messages, want 1", len(generic))
	}
	if generic[0].Leg != "plain" {
		t.Errorf("Message.Leg = %q, want plain", generic[0].Leg)
	}
}

func TestDispatch_HandlerFailuresIsolated(t *testing.T) {
	broker := mqtttest.NewBroker()
	conn := newLeg(t, broker)
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	_ = conn.Subscribe("panic/#", func(mqtt.Message) error { panic("boom") }, mqtt.SubscribeOptions{})
	_ = conn.Subscribe("fail/#", func(mqtt.Message) error { return errors.New("bad") }, mqtt.SubscribeOptions{})

	var seen int
	conn.OnMessage(func(mqtt.Message) { seen++ })
	conn.OnMessage(func(mqtt.Message) { panic("listener boom") })

	broker.Deliver("panic/x", nil)
	broker.Deliver("fail/x", nil)

	if seen != 2 {
		t.Errorf("listener saw %d messages, want 2", seen)
	}
}

// =============================================================================
// Status / Close Tests
// =============================================================================

func TestStatus_IsSnapshot(t *testing.T) {
	conn := newLeg(t, mqtttest.NewBroker())
	_ = conn.Subscribe("acme/#", nil, mqtt.SubscribeOptions{})

	status := conn.Status()
	status.Subscriptions[0] = "mutated"
	status.Connected = true

	fresh := conn.Status()
	if fresh.Subscriptions[0] != "acme/#" {
		t.Error("mutating a snapshot changed the connection's subscriptions")
	}
	if fresh.Connected {
		t.Error("mutating a snapshot changed the connection state")
	}
}

func TestClose(t *testing.T) {
	broker := mqtttest.NewBroker()
	conn := newLeg(t, broker)
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	if conn.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
	if broker.Connected() != 0 {
		t.Error("session still live on broker after Close()")
	}
	if err := conn.Publish("t", nil, mqtt.PublishOptions{}); !errors.Is(err, mqtt.ErrClosed) {
		t.Errorf("Publish() after Close error = %v, want ErrClosed", err)
	}
	if err := conn.Connect(context.Background()); !errors.Is(err, mqtt.ErrClosed) {
		t.Errorf("Connect() after Close error = %v, want ErrClosed", err)
	}
}

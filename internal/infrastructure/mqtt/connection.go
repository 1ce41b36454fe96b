package mqtt

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/nerrad567/sitelink-core/internal/infrastructure/config"
)

// Connection is one leg: a connection to one broker endpoint with its own
// reconnect loop, offline publish queue and subscription registry.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Subscriptions survive reconnects and are re-established on every connect.
//   - Callbacks from a superseded session are ignored.
type Connection struct {
	name    string
	cfg     config.BrokerConfig
	factory SessionFactory
	logger  Logger

	// attemptMu serialises connect attempts.
	attemptMu sync.Mutex

	mu         sync.RWMutex
	session    Session
	generation uint64
	state      connState
	subs       []subscription
	queue      []queuedMessage
	closed     bool

	listeners  []Listener
	listenerMu sync.RWMutex

	onConnect    func()
	onDisconnect func(err error)
	callbackMu   sync.RWMutex

	ctx      context.Context
	cancel   context.CancelFunc
	loopOnce sync.Once
	loopWG   sync.WaitGroup
}

// Logger is the logging surface the package needs.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Option configures a Connection.
type Option func(*Connection)

// WithSessionFactory replaces the paho-backed session factory.
func WithSessionFactory(f SessionFactory) Option {
	return func(c *Connection) {
		c.factory = f
	}
}

// WithLogger sets the connection logger.
func WithLogger(l Logger) Option {
	return func(c *Connection) {
		c.logger = l
	}
}

// NewConnection creates an unconnected leg named name (e.g. "plain", "secure").
// A non-positive ConnectTimeout or ReconnectPeriod falls back to the default.
func NewConnection(name string, cfg config.BrokerConfig, opts ...Option) *Connection {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ReconnectPeriod <= 0 {
		cfg.ReconnectPeriod = defaultReconnectPeriod
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		name:    name,
		cfg:     cfg,
		factory: PahoSessionFactory,
		logger:  nopLogger{},
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the leg name.
func (c *Connection) Name() string {
	return c.name
}

// Connect performs one connect attempt and starts the background reconnect
// loop, whether or not the attempt succeeds.
//
// On success the reconnect counter is reset, every registered subscription is
// re-established and the offline queue is flushed in FIFO order. The attempt
// fails with ErrConnectTimeout when the handshake exceeds the configured
// connect timeout; cancelling ctx abandons the wait locally.
func (c *Connection) Connect(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.startReconnectLoop()
	return c.connect(ctx)
}

func (c *Connection) connect(ctx context.Context) error {
	c.attemptMu.Lock()
	defer c.attemptMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state.connected {
		c.mu.Unlock()
		return nil
	}
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	sess, err := c.factory(c.cfg, SessionHandlers{
		OnMessage:        func(m Message) { c.handleMessage(gen, m) },
		OnConnectionLost: func(err error) { c.handleConnectionLost(gen, err) },
	})
	if err != nil {
		c.invalidate(gen)
		if errors.Is(err, ErrConnectionFailed) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	result := make(chan error, 1)
	go func() { result <- sess.Connect(c.cfg.ConnectTimeout) }()

	timer := time.NewTimer(c.cfg.ConnectTimeout)
	defer timer.Stop()

	select {
	case err = <-result:
	case <-timer.C:
		err = ErrConnectTimeout
		go discardLate(sess, result)
	case <-ctx.Done():
		err = fmt.Errorf("%w: %w", ErrConnectionFailed, ctx.Err())
		go discardLate(sess, result)
	case <-c.ctx.Done():
		err = ErrClosed
		go discardLate(sess, result)
	}

	if err != nil {
		c.invalidate(gen)
		switch {
		case errors.Is(err, ErrConnectTimeout):
			return fmt.Errorf("%w: %s after %v", ErrConnectTimeout, c.cfg.Address(), c.cfg.ConnectTimeout)
		case errors.Is(err, ErrConnectionFailed), errors.Is(err, ErrClosed):
			return err
		default:
			return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
		}
	}

	c.mu.Lock()
	if c.closed || c.generation != gen {
		c.mu.Unlock()
		sess.Disconnect()
		return ErrClosed
	}
	c.session = sess
	c.state.connected = true
	c.state.reconnecting = false
	c.state.reconnectAttempts = 0
	c.state.lastConnected = time.Now().UTC()
	subs := slices.Clone(c.subs)
	c.mu.Unlock()

	c.logger.Info("mqtt leg connected", "leg", c.name, "broker", c.cfg.Address())

	c.restoreSubscriptions(sess, subs)
	c.flushQueue(sess)

	c.callbackMu.RLock()
	callback := c.onConnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback()
	}
	return nil
}

// invalidate retires generation gen so late callbacks from its session are ignored.
func (c *Connection) invalidate(gen uint64) {
	c.mu.Lock()
	if c.generation == gen {
		c.generation++
	}
	c.mu.Unlock()
}

// discardLate waits for an abandoned handshake and tears the session down
// if it completed after all.
func discardLate(sess Session, result <-chan error) {
	if err := <-result; err == nil {
		sess.Disconnect()
	}
}

// restoreSubscriptions re-subscribes every registered pattern on a new session.
func (c *Connection) restoreSubscriptions(sess Session, subs []subscription) {
	for _, sub := range subs {
		if err := sess.Subscribe(sub.pattern, sub.qos); err != nil {
			c.logger.Warn("restoring subscription failed",
				"leg", c.name,
				"pattern", sub.pattern,
				"error", err,
			)
		}
	}
}

func (c *Connection) startReconnectLoop() {
	c.loopOnce.Do(func() {
		c.loopWG.Add(1)
		go c.reconnectLoop()
	})
}

// reconnectLoop attempts a connect every ReconnectPeriod while the leg is down.
func (c *Connection) reconnectLoop() {
	defer c.loopWG.Done()

	ticker := time.NewTicker(c.cfg.ReconnectPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		if c.closed || c.state.connected {
			c.mu.Unlock()
			continue
		}
		c.state.reconnecting = true
		c.state.reconnectAttempts++
		attempt := c.state.reconnectAttempts
		c.mu.Unlock()

		if err := c.connect(c.ctx); err != nil && !errors.Is(err, ErrClosed) {
			c.logger.Warn("mqtt reconnect attempt failed",
				"leg", c.name,
				"attempt", attempt,
				"error", err,
			)
		}
	}
}

// handleConnectionLost marks the leg disconnected unless the report comes
// from a superseded session.
func (c *Connection) handleConnectionLost(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.generation || !c.state.connected {
		c.mu.Unlock()
		return
	}
	c.state.connected = false
	c.state.reconnecting = !c.closed
	c.state.lastDisconnected = time.Now().UTC()
	c.session = nil
	c.mu.Unlock()

	c.logger.Warn("mqtt leg connection lost", "leg", c.name, "error", err)

	c.callbackMu.RLock()
	callback := c.onDisconnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(err)
	}
}

// handleMessage dispatches to the handler of the first registered pattern
// that matches, then notifies every listener.
func (c *Connection) handleMessage(gen uint64, msg Message) {
	c.mu.RLock()
	if gen != c.generation {
		c.mu.RUnlock()
		return
	}
	var handler MessageHandler
	for _, sub := range c.subs {
		if Match(sub.pattern, msg.Topic) {
			handler = sub.handler
			break
		}
	}
	c.mu.RUnlock()

	msg.Leg = c.name
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}

	if handler != nil {
		c.invokeHandler(handler, msg)
	}

	c.listenerMu.RLock()
	listeners := slices.Clone(c.listeners)
	c.listenerMu.RUnlock()
	for _, l := range listeners {
		c.invokeListener(l, msg)
	}
}

// invokeHandler runs a pattern handler with panic recovery.
func (c *Connection) invokeHandler(handler MessageHandler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("MQTT handler panic recovered",
				"leg", c.name,
				"topic", msg.Topic,
				"panic", r,
			)
		}
	}()

	if err := handler(msg); err != nil {
		c.logger.Warn("MQTT handler returned error",
			"leg", c.name,
			"topic", msg.Topic,
			"error", err,
		)
	}
}

func (c *Connection) invokeListener(l Listener, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("MQTT listener panic recovered",
				"leg", c.name,
				"topic", msg.Topic,
				"panic", r,
			)
		}
	}()
	l(msg)
}

// OnMessage registers a listener that receives every inbound message.
func (c *Connection) OnMessage(l Listener) {
	c.listenerMu.Lock()
	c.listeners = append(c.listeners, l)
	c.listenerMu.Unlock()
}

// SetOnConnect sets a callback invoked after every successful connect,
// once subscriptions are restored and the queue is flushed.
func (c *Connection) SetOnConnect(callback func()) {
	c.callbackMu.Lock()
	c.onConnect = callback
	c.callbackMu.Unlock()
}

// SetOnDisconnect sets a callback invoked when an established session is lost.
func (c *Connection) SetOnDisconnect(callback func(err error)) {
	c.callbackMu.Lock()
	c.onDisconnect = callback
	c.callbackMu.Unlock()
}

// SetLogger replaces the connection logger. Call before Connect.
func (c *Connection) SetLogger(logger Logger) {
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

// HealthCheck fails when the leg has no live session.
func (c *Connection) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	if !c.IsConnected() {
		return fmt.Errorf("%w: %s", ErrNotConnected, c.name)
	}
	return nil
}

// Close stops the reconnect loop and disconnects. Queued messages are dropped.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.generation++
	sess := c.session
	c.session = nil
	if c.state.connected {
		c.state.lastDisconnected = time.Now().UTC()
	}
	c.state.connected = false
	c.state.reconnecting = false
	dropped := len(c.queue)
	c.queue = nil
	c.mu.Unlock()

	c.cancel()
	c.loopWG.Wait()

	if sess != nil {
		sess.Disconnect()
	}
	if dropped > 0 {
		c.logger.Warn("mqtt leg closed with queued messages", "leg", c.name, "dropped", dropped)
	}
	return nil
}

func (c *Connection) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

package gateway

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/sitelink-core/internal/infrastructure/config"
	"github.com/nerrad567/sitelink-core/internal/infrastructure/logging"
	"github.com/nerrad567/sitelink-core/internal/infrastructure/mqtt"
)

// Leg names.
const (
	LegPlain  = "plain"
	LegSecure = "secure"
)

// Gateway fronts exactly two broker legs, one plain and one TLS, behind a
// single publish/subscribe API.
//
// Connect succeeds when either leg connects. Publish, Subscribe and
// Unsubscribe fan out to every connected leg, so a message may reach the
// broker network twice and a handler may run once per leg. Consumers must
// be idempotent.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Aggregate calls return only after every leg operation has settled.
type Gateway struct {
	plain  *mqtt.Connection
	secure *mqtt.Connection
	logger *logging.Logger

	handlerMu sync.RWMutex
	handlers  map[string]mqtt.MessageHandler

	deferredMu sync.Mutex
	deferred   []deferredPublish
}

// deferredPublish is a publish accepted while no leg was connected. It is
// handed to the first leg that connects.
type deferredPublish struct {
	topic   string
	payload []byte
	opts    mqtt.PublishOptions
}

// DualStatus is a snapshot of both legs.
type DualStatus struct {
	Plain         mqtt.Status `json:"plain"`
	Secure        mqtt.Status `json:"secure"`
	AnyConnected  bool        `json:"any_connected"`
	BothConnected bool        `json:"both_connected"`
	Deferred      int         `json:"deferred"`
}

// New builds both legs from cfg. opts are applied to both legs after the
// per-leg logger.
func New(cfg config.MQTTConfig, logger *logging.Logger, opts ...mqtt.Option) *Gateway {
	if logger == nil {
		logger = logging.Discard()
	}
	leg := func(name string, bc config.BrokerConfig) *mqtt.Connection {
		legOpts := append([]mqtt.Option{mqtt.WithLogger(logger.With("component", "mqtt", "leg", name))}, opts...)
		return mqtt.NewConnection(name, bc, legOpts...)
	}
	return NewWithLegs(leg(LegPlain, cfg.Plain), leg(LegSecure, cfg.Secure), logger)
}

// NewWithLegs wraps two existing connections. The gateway takes ownership of
// both and installs its own connect callbacks on them.
func NewWithLegs(plain, secure *mqtt.Connection, logger *logging.Logger) *Gateway {
	if logger == nil {
		logger = logging.Discard()
	}
	g := &Gateway{
		plain:    plain,
		secure:   secure,
		logger:   logger.With("component", "gateway"),
		handlers: make(map[string]mqtt.MessageHandler),
	}
	for _, leg := range g.legs() {
		leg.SetOnConnect(func() { g.drainDeferred(leg) })
		leg.SetOnDisconnect(func(err error) {
			g.logger.Warn("leg disconnected", "leg", leg.Name(), "error", err)
		})
	}
	return g
}

func (g *Gateway) legs() []*mqtt.Connection {
	return []*mqtt.Connection{g.plain, g.secure}
}

// partition splits the legs into connected and offline at call time.
func (g *Gateway) partition() (connected, offline []*mqtt.Connection) {
	for _, leg := range g.legs() {
		if leg.IsConnected() {
			connected = append(connected, leg)
		} else {
			offline = append(offline, leg)
		}
	}
	return connected, offline
}

// settle runs op on every leg concurrently and waits for all of them.
// errs[i] belongs to legs[i]; a failure never cancels a sibling.
func settle(legs []*mqtt.Connection, op func(*mqtt.Connection) error) []error {
	errs := make([]error, len(legs))
	var eg errgroup.Group
	for i, leg := range legs {
		eg.Go(func() error {
			errs[i] = op(leg)
			return nil
		})
	}
	_ = eg.Wait() //nolint:errcheck // op results are collected in errs
	return errs
}

// failures returns the non-nil errors, each prefixed with its leg name.
func failures(legs []*mqtt.Connection, errs []error) []error {
	var out []error
	for i, err := range errs {
		if err != nil {
			out = append(out, fmt.Errorf("%s: %w", legs[i].Name(), err))
		}
	}
	return out
}

// Connect attempts both legs concurrently. It succeeds if at least one leg
// connects; a leg that fails keeps retrying in the background.
func (g *Gateway) Connect(ctx context.Context) error {
	legs := g.legs()
	errs := failures(legs, settle(legs, func(leg *mqtt.Connection) error {
		return leg.Connect(ctx)
	}))

	for _, err := range errs {
		g.logger.Warn("leg connect failed", "error", err)
	}
	if len(errs) == len(legs) {
		return fmt.Errorf("%w: %w", ErrConnectAllFailed, errors.Join(errs...))
	}

	g.logger.Info("gateway connected",
		"plain", g.plain.IsConnected(),
		"secure", g.secure.IsConnected(),
	)
	return nil
}

// Publish sends the message on every connected leg concurrently.
//
// With no leg connected nothing touches the network: the message is held by
// the gateway and sent by whichever leg connects first, and
// ErrNoActiveConnection is returned. If every attempted leg fails,
// ErrPublishAllFailed is returned; a partial failure is logged only.
func (g *Gateway) Publish(topic string, payload []byte, opts mqtt.PublishOptions) error {
	if err := mqtt.ValidatePublish(topic, payload, opts); err != nil {
		return err
	}

	connected, _ := g.partition()
	if len(connected) == 0 {
		g.deferredMu.Lock()
		g.deferred = append(g.deferred, deferredPublish{
			topic:   topic,
			payload: slices.Clone(payload),
			opts:    opts,
		})
		g.deferredMu.Unlock()

		// A leg may have connected and drained between the check and the append.
		if now, _ := g.partition(); len(now) > 0 {
			g.drainDeferred(now[0])
		}
		return fmt.Errorf("%w: publish to %s deferred", ErrNoActiveConnection, topic)
	}

	errs := failures(connected, settle(connected, func(leg *mqtt.Connection) error {
		return leg.Publish(topic, payload, opts)
	}))
	if len(errs) == len(connected) {
		return fmt.Errorf("%w: %w", ErrPublishAllFailed, errors.Join(errs...))
	}
	for _, err := range errs {
		g.logger.Warn("publish failed on one leg", "topic", topic, "error", err)
	}
	return nil
}

// drainDeferred hands every deferred publish to leg, in order.
func (g *Gateway) drainDeferred(leg *mqtt.Connection) {
	g.deferredMu.Lock()
	pending := g.deferred
	g.deferred = nil
	g.deferredMu.Unlock()

	if len(pending) == 0 {
		return
	}
	for _, m := range pending {
		if err := leg.Publish(m.topic, m.payload, m.opts); err != nil {
			g.logger.Warn("deferred publish failed", "leg", leg.Name(), "topic", m.topic, "error", err)
		}
	}
	g.logger.Info("deferred publishes handed to leg", "leg", leg.Name(), "count", len(pending))
}

// Subscribe registers pattern with one handler shared by both legs.
//
// Connected legs subscribe now. Offline legs keep the registration and
// establish it when they reconnect. With no leg connected the registration is
// kept on both and ErrNoActiveConnection is returned; when every connected leg
// fails, ErrSubscribeAllFailed.
func (g *Gateway) Subscribe(pattern string, handler mqtt.MessageHandler, opts mqtt.SubscribeOptions) error {
	if !mqtt.ValidFilter(pattern) {
		return fmt.Errorf("%w: %q", mqtt.ErrInvalidTopic, pattern)
	}
	if opts.QoS > 2 {
		return mqtt.ErrInvalidQoS
	}

	g.handlerMu.Lock()
	previous, replaced := g.handlers[pattern]
	g.handlers[pattern] = handler
	g.handlerMu.Unlock()
	dispatch := g.dispatcher(pattern)

	connected, offline := g.partition()
	for _, leg := range offline {
		if err := leg.Subscribe(pattern, dispatch, opts); err != nil {
			g.logger.Warn("registering subscription on offline leg failed", "leg", leg.Name(), "pattern", pattern, "error", err)
		}
	}
	if len(connected) == 0 {
		return fmt.Errorf("%w: subscription to %s pending", ErrNoActiveConnection, pattern)
	}

	errs := failures(connected, settle(connected, func(leg *mqtt.Connection) error {
		return leg.Subscribe(pattern, dispatch, opts)
	}))
	if len(errs) == len(connected) {
		g.handlerMu.Lock()
		switch {
		case !g.anyLegHas(pattern):
			delete(g.handlers, pattern)
		case replaced:
			g.handlers[pattern] = previous
		}
		g.handlerMu.Unlock()
		return fmt.Errorf("%w: %w", ErrSubscribeAllFailed, errors.Join(errs...))
	}
	for _, err := range errs {
		g.logger.Warn("subscribe failed on one leg", "pattern", pattern, "error", err)
	}
	return nil
}

// Unsubscribe removes pattern from both legs. Offline legs drop it locally.
func (g *Gateway) Unsubscribe(pattern string) error {
	g.handlerMu.Lock()
	delete(g.handlers, pattern)
	g.handlerMu.Unlock()

	connected, offline := g.partition()
	for _, leg := range offline {
		_ = leg.Unsubscribe(pattern) //nolint:errcheck // offline removal is local only
	}
	if len(connected) == 0 {
		return fmt.Errorf("%w: unsubscribe from %s", ErrNoActiveConnection, pattern)
	}

	errs := failures(connected, settle(connected, func(leg *mqtt.Connection) error {
		return leg.Unsubscribe(pattern)
	}))
	if len(errs) == len(connected) {
		return fmt.Errorf("%w: %w", ErrUnsubscribeAllFailed, errors.Join(errs...))
	}
	for _, err := range errs {
		g.logger.Warn("unsubscribe failed on one leg", "pattern", pattern, "error", err)
	}
	return nil
}

// dispatcher returns the leg-level handler for pattern. It resolves the
// gateway registration on every message so both legs share one callback.
func (g *Gateway) dispatcher(pattern string) mqtt.MessageHandler {
	return func(msg mqtt.Message) error {
		g.handlerMu.RLock()
		handler := g.handlers[pattern]
		g.handlerMu.RUnlock()
		if handler == nil {
			return nil
		}
		return handler(msg)
	}
}

func (g *Gateway) anyLegHas(pattern string) bool {
	return slices.ContainsFunc(g.legs(), func(leg *mqtt.Connection) bool {
		return leg.HasSubscription(pattern)
	})
}

// OnMessage attaches l to both legs. It runs once per leg that delivers a
// message.
func (g *Gateway) OnMessage(l mqtt.Listener) {
	for _, leg := range g.legs() {
		leg.OnMessage(l)
	}
}

// DualStatus returns a snapshot of both legs.
func (g *Gateway) DualStatus() DualStatus {
	plain, secure := g.plain.Status(), g.secure.Status()

	g.deferredMu.Lock()
	deferred := len(g.deferred)
	g.deferredMu.Unlock()

	return DualStatus{
		Plain:         plain,
		Secure:        secure,
		AnyConnected:  plain.Connected || secure.Connected,
		BothConnected: plain.Connected && secure.Connected,
		Deferred:      deferred,
	}
}

// Patterns returns the patterns registered through the gateway, sorted.
func (g *Gateway) Patterns() []string {
	g.handlerMu.RLock()
	defer g.handlerMu.RUnlock()
	out := make([]string, 0, len(g.handlers))
	for p := range g.handlers {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// HealthCheck runs every leg's check and fails only when all of them fail.
// The leg errors are joined onto ErrNoActiveConnection.
func (g *Gateway) HealthCheck(ctx context.Context) error {
	var errs []error
	for _, leg := range g.legs() {
		err := leg.HealthCheck(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("gateway health check: %w", err)
	}
	return fmt.Errorf("%w: %w", ErrNoActiveConnection, errors.Join(errs...))
}

// Close closes both legs. Deferred publishes are dropped.
func (g *Gateway) Close() error {
	legs := g.legs()
	errs := failures(legs, settle(legs, func(leg *mqtt.Connection) error {
		return leg.Close()
	}))

	g.deferredMu.Lock()
	dropped := len(g.deferred)
	g.deferred = nil
	g.deferredMu.Unlock()
	if dropped > 0 {
		g.logger.Warn("gateway closed with deferred publishes", "dropped", dropped)
	}

	return errors.Join(errs...)
}

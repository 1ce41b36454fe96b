package subscription

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nerrad567/sitelink-core/internal/gateway"
	"github.com/nerrad567/sitelink-core/internal/infrastructure/logging"
	"github.com/nerrad567/sitelink-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/sitelink-core/internal/registry"
)

// Subscriber is the part of the gateway the manager drives.
type Subscriber interface {
	Subscribe(pattern string, handler mqtt.MessageHandler, opts mqtt.SubscribeOptions) error
	Unsubscribe(pattern string) error
}

// Manager derives site patterns from modules and subscribes each one once.
// It also records which tenants own modules at each site, so messages can be
// fanned out to those tenants only.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Concurrent subscribes for one pattern share a single gateway call.
type Manager struct {
	subscriber Subscriber
	repo       registry.Repository
	logger     *logging.Logger
	policy     RetentionPolicy
	qos        byte

	group singleflight.Group

	mu       sync.RWMutex
	patterns map[string]struct{}
	owners   map[string]map[string]struct{} // pattern -> tenant IDs
}

// Option configures a Manager.
type Option func(*Manager)

// WithQoS sets the QoS used for site subscriptions. Default 1.
func WithQoS(qos byte) Option {
	return func(m *Manager) { m.qos = qos }
}

// WithRetentionPolicy replaces the default AppendOnly policy.
func WithRetentionPolicy(p RetentionPolicy) Option {
	return func(m *Manager) { m.policy = p }
}

// NewManager creates a Manager. Nothing is subscribed until Initialize or
// SubscribeForModule is called.
func NewManager(subscriber Subscriber, repo registry.Repository, logger *logging.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	m := &Manager{
		subscriber: subscriber,
		repo:       repo,
		logger:     logger.With("component", "subscription"),
		policy:     AppendOnly{},
		qos:        1,
		patterns:   make(map[string]struct{}),
		owners:     make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// PatternFor returns the site pattern for module.
func PatternFor(module registry.Module) (string, error) {
	if strings.TrimSpace(module.Customer) == "" ||
		strings.TrimSpace(module.Country) == "" ||
		strings.TrimSpace(module.City) == "" {
		return "", fmt.Errorf("%w: %s", ErrInvalidModule, module.ID)
	}
	return mqtt.SitePattern(module.Customer, module.Country, module.City), nil
}

// Initialize subscribes every distinct site in the registry, or only those of
// tenantID when it is non-empty. Patterns already held are skipped. Invalid
// modules are logged and skipped; subscribe failures are joined and returned
// after every pattern has been tried.
//
// Site ownership is rebuilt from the modules read: a full sync replaces it,
// a tenant sync replaces that tenant's share.
func (m *Manager) Initialize(ctx context.Context, tenantID string) error {
	var (
		modules []registry.Module
		err     error
	)
	if tenantID == "" {
		modules, err = m.repo.ListModules(ctx)
	} else {
		modules, err = m.repo.ListModulesByTenant(ctx, tenantID)
	}
	if err != nil {
		return fmt.Errorf("loading modules: %w", err)
	}

	owners := make(map[string]map[string]struct{})
	seen := make(map[string]struct{}, len(modules))
	var errs []error
	added := 0
	for _, module := range modules {
		pattern, err := PatternFor(module)
		if err != nil {
			m.logger.Warn("skipping module", "module", module.ID, "error", err)
			continue
		}
		addOwner(owners, pattern, module.TenantID)
		if _, dup := seen[pattern]; dup {
			continue
		}
		seen[pattern] = struct{}{}

		isNew, err := m.subscribe(ctx, pattern)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if isNew {
			added++
		}
	}
	m.replaceOwners(tenantID, owners)

	if len(modules) == 0 {
		m.logger.Info("no modules registered, waiting for registrations", "tenant", tenantID)
		return nil
	}
	m.logger.Info("module subscriptions synchronised",
		"tenant", tenantID,
		"modules", len(modules),
		"sites", len(seen),
		"added", added,
		"failed", len(errs),
	)
	return errors.Join(errs...)
}

// SubscribeForModule subscribes the site of one module. It reports whether
// the pattern was new; a repeat call for the same site is a no-op.
func (m *Manager) SubscribeForModule(ctx context.Context, module registry.Module) (bool, error) {
	pattern, err := PatternFor(module)
	if err != nil {
		return false, err
	}
	added, err := m.subscribe(ctx, pattern)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	addOwner(m.owners, pattern, module.TenantID)
	m.mu.Unlock()

	if added {
		m.logger.Info("module site subscribed", "module", module.ID, "pattern", pattern)
	}
	return added, nil
}

// ModuleRemoved handles a module that has left the registry. The module's
// tenant stops owning the site unless another of its modules is still there.
// The retention policy then decides whether the pattern itself goes; under
// AppendOnly it never does. It reports whether the pattern was retracted.
func (m *Manager) ModuleRemoved(ctx context.Context, module registry.Module) (bool, error) {
	pattern, err := PatternFor(module)
	if err != nil {
		return false, err
	}

	remaining, err := m.repo.ListModulesByTenant(ctx, module.TenantID)
	if err != nil {
		return false, fmt.Errorf("loading modules of %s: %w", module.TenantID, err)
	}
	stillThere := slices.ContainsFunc(remaining, func(other registry.Module) bool {
		p, err := PatternFor(other)
		return err == nil && p == pattern && other.ID != module.ID
	})
	if !stillThere {
		m.mu.Lock()
		removeOwner(m.owners, pattern, module.TenantID)
		m.mu.Unlock()
		m.logger.Info("tenant no longer owns site", "module", module.ID, "tenant", module.TenantID, "pattern", pattern)
	}

	if !m.Has(pattern) || !m.policy.Retract(module, pattern) {
		return false, nil
	}

	err = m.subscriber.Unsubscribe(pattern)
	if err != nil && !errors.Is(err, gateway.ErrNoActiveConnection) {
		return false, fmt.Errorf("retracting %s: %w", pattern, err)
	}

	m.mu.Lock()
	delete(m.patterns, pattern)
	delete(m.owners, pattern)
	m.mu.Unlock()
	m.logger.Info("module site retracted", "module", module.ID, "pattern", pattern)
	return true, nil
}

// subscribe issues the gateway subscribe for pattern unless it is already
// held. A subscribe deferred for lack of a connection counts as held: the
// legs establish it when they reconnect.
func (m *Manager) subscribe(ctx context.Context, pattern string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if m.Has(pattern) {
		return false, nil
	}

	v, err, _ := m.group.Do(pattern, func() (any, error) {
		if m.Has(pattern) {
			return false, nil
		}
		err := m.subscriber.Subscribe(pattern, nil, mqtt.SubscribeOptions{QoS: m.qos})
		switch {
		case err == nil:
		case errors.Is(err, gateway.ErrNoActiveConnection):
			m.logger.Warn("no broker connected, subscription pending", "pattern", pattern)
		default:
			return false, fmt.Errorf("subscribing %s: %w", pattern, err)
		}

		m.mu.Lock()
		m.patterns[pattern] = struct{}{}
		m.mu.Unlock()
		return true, nil
	})
	if err != nil {
		return false, err
	}
	added, _ := v.(bool)
	return added, nil
}

// Has reports whether pattern is in the subscribed set.
func (m *Manager) Has(pattern string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.patterns[pattern]
	return ok
}

// Patterns returns the subscribed set, sorted.
func (m *Manager) Patterns() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.patterns))
	for p := range m.patterns {
		out = append(out, p)
	}
	m.mu.RUnlock()
	slices.Sort(out)
	return out
}

// TenantsFor returns the tenants owning a site whose pattern matches topic,
// sorted.
func (m *Manager) TenantsFor(topic string) []string {
	m.mu.RLock()
	var out []string
	for pattern, tenants := range m.owners {
		if !mqtt.Match(pattern, topic) {
			continue
		}
		for tid := range tenants {
			if !slices.Contains(out, tid) {
				out = append(out, tid)
			}
		}
	}
	m.mu.RUnlock()
	slices.Sort(out)
	return out
}

// replaceOwners installs ownership read from the registry. An empty tenantID
// replaces everything; otherwise only tenantID's entries are replaced.
func (m *Manager) replaceOwners(tenantID string, owners map[string]map[string]struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tenantID == "" {
		m.owners = owners
		return
	}
	for pattern := range m.owners {
		removeOwner(m.owners, pattern, tenantID)
	}
	for pattern, tenants := range owners {
		for tid := range tenants {
			addOwner(m.owners, pattern, tid)
		}
	}
}

func addOwner(owners map[string]map[string]struct{}, pattern, tenantID string) {
	if tenantID == "" {
		return
	}
	tenants := owners[pattern]
	if tenants == nil {
		tenants = make(map[string]struct{})
		owners[pattern] = tenants
	}
	tenants[tenantID] = struct{}{}
}

func removeOwner(owners map[string]map[string]struct{}, pattern, tenantID string) {
	tenants := owners[pattern]
	if tenants == nil {
		return
	}
	delete(tenants, tenantID)
	if len(tenants) == 0 {
		delete(owners, pattern)
	}
}

// Run resynchronises with the whole registry every interval until ctx is
// cancelled. Errors are logged and the loop carries on.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Initialize(ctx, ""); err != nil && ctx.Err() == nil {
				m.logger.Warn("registry resync failed", "error", err)
			}
		}
	}
}

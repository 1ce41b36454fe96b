package subscription_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/sitelink-core/internal/gateway"
	"github.com/nerrad567/sitelink-core/internal/infrastructure/config"
	"github.com/nerrad567/sitelink-core/internal/infrastructure/logging"
	"github.com/nerrad567/sitelink-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/sitelink-core/internal/infrastructure/mqtt/mqtttest"
	"github.com/nerrad567/sitelink-core/internal/registry"
	"github.com/nerrad567/sitelink-core/internal/subscription"
)

// fakeSubscriber records gateway calls.
type fakeSubscriber struct {
	mu           sync.Mutex
	calls        map[string]int
	unsubscribed []string
	err          error
	block        chan struct{}
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{calls: make(map[string]int)}
}

func (f *fakeSubscriber) Subscribe(pattern string, _ mqtt.MessageHandler, _ mqtt.SubscribeOptions) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[pattern]++
	return f.err
}

func (f *fakeSubscriber) Unsubscribe(pattern string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, pattern)
	return nil
}

func (f *fakeSubscriber) callCount(pattern string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[pattern]
}

func (f *fakeSubscriber) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// fakeRepo serves modules from memory.
type fakeRepo struct {
	mu      sync.Mutex
	modules []registry.Module
	err     error
}

func (r *fakeRepo) add(m registry.Module) {
	r.mu.Lock()
	r.modules = append(r.modules, m)
	r.mu.Unlock()
}

func (r *fakeRepo) ListModules(context.Context) ([]registry.Module, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.modules), r.err
}

func (r *fakeRepo) ListModulesByTenant(_ context.Context, tenantID string) ([]registry.Module, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []registry.Module
	for _, m := range r.modules {
		if m.TenantID == tenantID {
			out = append(out, m)
		}
	}
	return out, r.err
}

func (r *fakeRepo) GetModule(_ context.Context, id string) (*registry.Module, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.modules {
		if m.ID == id {
			return &m, nil
		}
	}
	return nil, registry.ErrModuleNotFound
}

func acmeModule(id string) registry.Module {
	return registry.Module{ID: id, TenantID: "tenant-a", Customer: "Acme", Country: "US", City: "Austin"}
}

// =============================================================================
// Initialize Tests
// =============================================================================

func TestInitialize_DeduplicatesSites(t *testing.T) {
	repo := &fakeRepo{modules: []registry.Module{
		acmeModule("mod-1"),
		acmeModule("mod-2"),
		{ID: "mod-3", TenantID: "tenant-a", Customer: " acme ", Country: "us", City: "AUSTIN"},
		{ID: "mod-4", TenantID: "tenant-b", Customer: "Globex", Country: "DE", City: "Berlin"},
	}}
	sub := newFakeSubscriber()
	mgr := subscription.NewManager(sub, repo, logging.Discard())

	if err := mgr.Initialize(context.Background(), ""); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	if n := sub.callCount("acme/us_austin/#"); n != 1 {
		t.Errorf("acme/us_austin/# subscribed %d times, want 1", n)
	}
	if n := sub.callCount("globex/de_berlin/#"); n != 1 {
		t.Errorf("globex/de_berlin/# subscribed %d times, want 1", n)
	}
	want := []string{"acme/us_austin/#", "globex/de_berlin/#"}
	if got := mgr.Patterns(); !slices.Equal(got, want) {
		t.Errorf("Patterns() = %v, want %v", got, want)
	}

	// A second pass finds nothing new.
	if err := mgr.Initialize(context.Background(), ""); err != nil {
		t.Fatalf("second Initialize() error = %v", err)
	}
	if n := sub.totalCalls(); n != 2 {
		t.Errorf("total subscribe calls = %d, want 2", n)
	}
}

func TestInitialize_ByTenant(t *testing.T) {
	repo := &fakeRepo{modules: []registry.Module{
		acmeModule("mod-1"),
		{ID: "mod-4", TenantID: "tenant-b", Customer: "Globex", Country: "DE", City: "Berlin"},
	}}
	sub := newFakeSubscriber()
	mgr := subscription.NewManager(sub, repo, logging.Discard())

	if err := mgr.Initialize(context.Background(), "tenant-b"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if got := mgr.Patterns(); !slices.Equal(got, []string{"globex/de_berlin/#"}) {
		t.Errorf("Patterns() = %v", got)
	}
}

func TestInitialize_NoModules(t *testing.T) {
	sub := newFakeSubscriber()
	mgr := subscription.NewManager(sub, &fakeRepo{}, logging.Discard())

	if err := mgr.Initialize(context.Background(), ""); err != nil {
		t.Fatalf("Initialize() error = %v, want nil for empty registry", err)
	}
	if n := sub.totalCalls(); n != 0 {
		t.Errorf("subscribe calls = %d, want 0", n)
	}
	if len(mgr.Patterns()) != 0 {
		t.Errorf("Patterns() = %v, want empty", mgr.Patterns())
	}
}

func TestInitialize_SkipsInvalidModules(t *testing.T) {
	repo := &fakeRepo{modules: []registry.Module{
		{ID: "no-city", Customer: "Acme", Country: "US"},
		{ID: "blank", Customer: "  ", Country: "US", City: "Austin"},
		acmeModule("mod-1"),
	}}
	sub := newFakeSubscriber()
	mgr := subscription.NewManager(sub, repo, logging.Discard())

	if err := mgr.Initialize(context.Background(), ""); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if got := mgr.Patterns(); !slices.Equal(got, []string{"acme/us_austin/#"}) {
		t.Errorf("Patterns() = %v", got)
	}
}

func TestInitialize_RegistryError(t *testing.T) {
	repo := &fakeRepo{err: errors.New("disk I/O error")}
	mgr := subscription.NewManager(newFakeSubscriber(), repo, logging.Discard())

	if err := mgr.Initialize(context.Background(), ""); err == nil {
		t.Error("Initialize() expected error when registry fails")
	}
}

func TestInitialize_SubscribeFailureRetried(t *testing.T) {
	repo := &fakeRepo{modules: []registry.Module{acmeModule("mod-1")}}
	sub := newFakeSubscriber()
	sub.err = gateway.ErrSubscribeAllFailed
	mgr := subscription.NewManager(sub, repo, logging.Discard())

	err := mgr.Initialize(context.Background(), "")
	if !errors.Is(err, gateway.ErrSubscribeAllFailed) {
		t.Fatalf("Initialize() error = %v, want ErrSubscribeAllFailed", err)
	}
	if mgr.Has("acme/us_austin/#") {
		t.Error("failed pattern recorded as subscribed")
	}

	sub.mu.Lock()
	sub.err = nil
	sub.mu.Unlock()
	if err := mgr.Initialize(context.Background(), ""); err != nil {
		t.Fatalf("retry Initialize() error = %v", err)
	}
	if !mgr.Has("acme/us_austin/#") {
		t.Error("pattern not recorded after successful retry")
	}
}

func TestInitialize_NoActiveConnectionCountsAsPending(t *testing.T) {
	repo := &fakeRepo{modules: []registry.Module{acmeModule("mod-1")}}
	sub := newFakeSubscriber()
	sub.err = fmt.Errorf("%w: subscription pending", gateway.ErrNoActiveConnection)
	mgr := subscription.NewManager(sub, repo, logging.Discard())

	if err := mgr.Initialize(context.Background(), ""); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if !mgr.Has("acme/us_austin/#") {
		t.Error("pending pattern not recorded")
	}
}

// =============================================================================
// SubscribeForModule Tests
// =============================================================================

func TestSubscribeForModule_Idempotent(t *testing.T) {
	sub := newFakeSubscriber()
	mgr := subscription.NewManager(sub, &fakeRepo{}, logging.Discard())

	added, err := mgr.SubscribeForModule(context.Background(), acmeModule("mod-1"))
	if err != nil || !added {
		t.Fatalf("SubscribeForModule() = %v, %v, want true, nil", added, err)
	}
	added, err = mgr.SubscribeForModule(context.Background(), acmeModule("mod-2"))
	if err != nil || added {
		t.Fatalf("second SubscribeForModule() = %v, %v, want false, nil", added, err)
	}
	if n := sub.callCount("acme/us_austin/#"); n != 1 {
		t.Errorf("subscribe calls = %d, want 1", n)
	}
}

func TestSubscribeForModule_Invalid(t *testing.T) {
	mgr := subscription.NewManager(newFakeSubscriber(), &fakeRepo{}, logging.Discard())
	_, err := mgr.SubscribeForModule(context.Background(), registry.Module{ID: "x"})
	if !errors.Is(err, subscription.ErrInvalidModule) {
		t.Errorf("SubscribeForModule() error = %v, want ErrInvalidModule", err)
	}
}

func TestSubscribeForModule_ConcurrentCallsCollapse(t *testing.T) {
	sub := newFakeSubscriber()
	sub.block = make(chan struct{})
	mgr := subscription.NewManager(sub, &fakeRepo{}, logging.Discard())

	const callers = 20
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := mgr.SubscribeForModule(context.Background(), acmeModule(fmt.Sprintf("mod-%d", i))); err != nil {
				t.Errorf("SubscribeForModule() error = %v", err)
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(sub.block)
	wg.Wait()

	if n := sub.callCount("acme/us_austin/#"); n != 1 {
		t.Errorf("subscribe calls = %d, want 1", n)
	}
}

func TestSubscribeForModule_CancelledContext(t *testing.T) {
	sub := newFakeSubscriber()
	mgr := subscription.NewManager(sub, &fakeRepo{}, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := mgr.SubscribeForModule(ctx, acmeModule("mod-1")); !errors.Is(err, context.Canceled) {
		t.Errorf("SubscribeForModule() error = %v, want context.Canceled", err)
	}
	if sub.totalCalls() != 0 {
		t.Error("subscribe issued with cancelled context")
	}
}

// =============================================================================
// Retention Tests
// =============================================================================

func TestModuleRemoved_AppendOnly(t *testing.T) {
	sub := newFakeSubscriber()
	mgr := subscription.NewManager(sub, &fakeRepo{}, logging.Discard())
	_, _ = mgr.SubscribeForModule(context.Background(), acmeModule("mod-1"))

	retracted, err := mgr.ModuleRemoved(context.Background(), acmeModule("mod-1"))
	if err != nil || retracted {
		t.Fatalf("ModuleRemoved() = %v, %v, want false, nil", retracted, err)
	}
	if !mgr.Has("acme/us_austin/#") {
		t.Error("AppendOnly policy retracted a pattern")
	}
	if len(sub.unsubscribed) != 0 {
		t.Errorf("Unsubscribe called for %v", sub.unsubscribed)
	}
}

func TestModuleRemoved_RetractingPolicy(t *testing.T) {
	sub := newFakeSubscriber()
	policy := subscription.RetentionFunc(func(registry.Module, string) bool { return true })
	mgr := subscription.NewManager(sub, &fakeRepo{}, logging.Discard(), subscription.WithRetentionPolicy(policy))
	_, _ = mgr.SubscribeForModule(context.Background(), acmeModule("mod-1"))

	retracted, err := mgr.ModuleRemoved(context.Background(), acmeModule("mod-1"))
	if err != nil || !retracted {
		t.Fatalf("ModuleRemoved() = %v, %v, want true, nil", retracted, err)
	}
	if mgr.Has("acme/us_austin/#") {
		t.Error("pattern still held after retraction")
	}
	if !slices.Equal(sub.unsubscribed, []string{"acme/us_austin/#"}) {
		t.Errorf("unsubscribed = %v", sub.unsubscribed)
	}
}

func TestModuleRemoved_OwnershipFollowsRegistry(t *testing.T) {
	repo := &fakeRepo{modules: []registry.Module{
		acmeModule("mod-1"),
		acmeModule("mod-2"),
		{ID: "mod-3", TenantID: "tenant-b", Customer: "Acme", Country: "US", City: "Austin"},
	}}
	mgr := subscription.NewManager(newFakeSubscriber(), repo, logging.Discard())
	ctx := context.Background()
	if err := mgr.Initialize(ctx, ""); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	topic := "acme/us_austin/line1/pTrace/data"

	// tenant-a still has mod-2 at the site.
	if _, err := mgr.ModuleRemoved(ctx, acmeModule("mod-1")); err != nil {
		t.Fatalf("ModuleRemoved() error = %v", err)
	}
	if got := mgr.TenantsFor(topic); !slices.Equal(got, []string{"tenant-a", "tenant-b"}) {
		t.Errorf("TenantsFor() = %v with mod-2 remaining", got)
	}

	repo.mu.Lock()
	repo.modules = repo.modules[2:]
	repo.mu.Unlock()
	if _, err := mgr.ModuleRemoved(ctx, acmeModule("mod-2")); err != nil {
		t.Fatalf("ModuleRemoved() error = %v", err)
	}
	if got := mgr.TenantsFor(topic); !slices.Equal(got, []string{"tenant-b"}) {
		t.Errorf("TenantsFor() = %v, want [tenant-b]", got)
	}
	if !mgr.Has("acme/us_austin/#") {
		t.Error("subscription dropped under AppendOnly")
	}
}

func TestModuleRemoved_RegistryError(t *testing.T) {
	repo := &fakeRepo{modules: []registry.Module{acmeModule("mod-1")}}
	mgr := subscription.NewManager(newFakeSubscriber(), repo, logging.Discard())
	if err := mgr.Initialize(context.Background(), ""); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	repo.mu.Lock()
	repo.err = errors.New("disk I/O error")
	repo.mu.Unlock()
	if _, err := mgr.ModuleRemoved(context.Background(), acmeModule("mod-1")); err == nil {
		t.Fatal("ModuleRemoved() error = nil, want registry error")
	}
	if got := mgr.TenantsFor("acme/us_austin/x"); !slices.Equal(got, []string{"tenant-a"}) {
		t.Errorf("TenantsFor() = %v, ownership changed on a failed lookup", got)
	}
}

// =============================================================================
// Tenant Ownership Tests
// =============================================================================

func TestTenantsFor(t *testing.T) {
	repo := &fakeRepo{modules: []registry.Module{
		acmeModule("mod-1"),
		{ID: "mod-2", TenantID: "tenant-b", Customer: "Acme", Country: "US", City: "Austin"},
		{ID: "mod-3", TenantID: "tenant-c", Customer: "Globex", Country: "DE", City: "Berlin"},
		{ID: "mod-4", TenantID: "tenant-d", Customer: "Initech"},
	}}
	mgr := subscription.NewManager(newFakeSubscriber(), repo, logging.Discard())
	if err := mgr.Initialize(context.Background(), ""); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	tests := []struct {
		topic string
		want  []string
	}{
		{"acme/us_austin/line1/pTrace/data", []string{"tenant-a", "tenant-b"}},
		{"globex/de_berlin/line9/jobRunData", []string{"tenant-c"}},
		{"acme/us_dallas/line1", nil},
		{"initech", nil},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			if got := mgr.TenantsFor(tt.topic); !slices.Equal(got, tt.want) {
				t.Errorf("TenantsFor(%q) = %v, want %v", tt.topic, got, tt.want)
			}
		})
	}
}

func TestTenantsFor_ResyncDropsDepartedTenant(t *testing.T) {
	repo := &fakeRepo{modules: []registry.Module{
		acmeModule("mod-1"),
		{ID: "mod-2", TenantID: "tenant-b", Customer: "Acme", Country: "US", City: "Austin"},
	}}
	mgr := subscription.NewManager(newFakeSubscriber(), repo, logging.Discard())
	ctx := context.Background()
	if err := mgr.Initialize(ctx, ""); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	repo.mu.Lock()
	repo.modules = repo.modules[:1]
	repo.mu.Unlock()
	if err := mgr.Initialize(ctx, ""); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if got := mgr.TenantsFor("acme/us_austin/x"); !slices.Equal(got, []string{"tenant-a"}) {
		t.Errorf("TenantsFor() = %v after tenant-b left, want [tenant-a]", got)
	}
}

func TestTenantsFor_AnnouncedModule(t *testing.T) {
	mgr := subscription.NewManager(newFakeSubscriber(), &fakeRepo{}, logging.Discard())
	if _, err := mgr.SubscribeForModule(context.Background(), acmeModule("mod-1")); err != nil {
		t.Fatalf("SubscribeForModule() error = %v", err)
	}
	if got := mgr.TenantsFor("acme/us_austin/line1"); !slices.Equal(got, []string{"tenant-a"}) {
		t.Errorf("TenantsFor() = %v, want [tenant-a]", got)
	}
}

// =============================================================================
// Resync Tests
// =============================================================================

func TestRun_PicksUpNewModules(t *testing.T) {
	repo := &fakeRepo{}
	sub := newFakeSubscriber()
	mgr := subscription.NewManager(sub, repo, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mgr.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	repo.add(acmeModule("mod-1"))

	deadline := time.Now().Add(2 * time.Second)
	for !mgr.Has("acme/us_austin/#") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !mgr.Has("acme/us_austin/#") {
		t.Fatal("resync did not pick up the new module")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if n := sub.callCount("acme/us_austin/#"); n != 1 {
		t.Errorf("subscribe calls = %d, want 1", n)
	}
}

// =============================================================================
// Gateway Integration
// =============================================================================

func TestInitialize_ThroughGateway(t *testing.T) {
	plainBroker, secureBroker := mqtttest.NewBroker(), mqtttest.NewBroker()
	cfg := config.BrokerConfig{
		Host:            "127.0.0.1",
		Port:            1883,
		Protocol:        config.ProtocolMQTT,
		ConnectTimeout:  100 * time.Millisecond,
		ReconnectPeriod: time.Hour,
	}
	gw := gateway.NewWithLegs(
		mqtt.NewConnection(gateway.LegPlain, cfg, mqtt.WithSessionFactory(plainBroker.Factory())),
		mqtt.NewConnection(gateway.LegSecure, cfg, mqtt.WithSessionFactory(secureBroker.Factory())),
		logging.Discard(),
	)
	defer gw.Close()
	if err := gw.Connect(context.Background()); err != nil {
		t.Fatalf("gateway Connect() error = %v", err)
	}

	repo := &fakeRepo{modules: []registry.Module{acmeModule("mod-1"), acmeModule("mod-2")}}
	mgr := subscription.NewManager(gw, repo, logging.Discard())
	if err := mgr.Initialize(context.Background(), ""); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	for name, b := range map[string]*mqtttest.Broker{"plain": plainBroker, "secure": secureBroker} {
		if got := b.Filters(); !slices.Equal(got, []string{"acme/us_austin/#"}) {
			t.Errorf("%s broker filters = %v, want [acme/us_austin/#]", name, got)
		}
		if n := b.SubscribeCalls(); n != 1 {
			t.Errorf("%s broker subscribe calls = %d, want 1", name, n)
		}
	}
}

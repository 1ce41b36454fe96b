// SiteLink Core - industrial telemetry gateway
//
// This is the main entry point. SiteLink Core keeps two broker connections
// (plain and TLS) subscribed to every registered site module, classifies the
// telemetry it receives and relays it to real-time WebSocket clients.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/nerrad567/sitelink-core/migrations"

	"github.com/nerrad567/sitelink-core/internal/api"
	"github.com/nerrad567/sitelink-core/internal/auth"
	"github.com/nerrad567/sitelink-core/internal/gateway"
	"github.com/nerrad567/sitelink-core/internal/infrastructure/config"
	"github.com/nerrad567/sitelink-core/internal/infrastructure/database"
	"github.com/nerrad567/sitelink-core/internal/infrastructure/logging"
	"github.com/nerrad567/sitelink-core/internal/realtime"
	"github.com/nerrad567/sitelink-core/internal/registry"
	"github.com/nerrad567/sitelink-core/internal/relay"
	"github.com/nerrad567/sitelink-core/internal/router"
	"github.com/nerrad567/sitelink-core/internal/subscription"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// It blocks until ctx is cancelled and returns nil on clean shutdown.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting SiteLink Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Module registry
	db, err := openRegistry(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected",
		"path", cfg.Database.Path,
		"read_only", db.ReadOnly(),
	)
	modules := registry.NewSQLiteRepository(db.DB)

	// Real-time transport
	authn := auth.NewTokenAuthenticator(cfg.Security.JWT.Secret)
	rt := realtime.New(cfg.Realtime, authn, log)
	if startErr := rt.Start(ctx); startErr != nil {
		return fmt.Errorf("starting realtime server: %w", startErr)
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			log.Error("error closing realtime server", "error", closeErr)
		}
	}()

	// Broker legs. Router and relay listen independently to every message.
	gw := gateway.New(cfg.MQTT, log)
	defer func() {
		log.Info("disconnecting from brokers")
		if closeErr := gw.Close(); closeErr != nil {
			log.Error("error closing gateway", "error", closeErr)
		}
	}()

	// Subscriptions follow the registry; the relay asks them which tenants
	// own a topic's site.
	subs := subscription.NewManager(gw, modules, log, subscription.WithQoS(byte(cfg.MQTT.QoS)))

	gw.OnMessage(router.New(loggingHandlers(log), log).Listener())
	gw.OnMessage(relay.New(rt, log, relay.WithTenants(subs)).Listener())

	if connErr := gw.Connect(ctx); connErr != nil {
		if !errors.Is(connErr, gateway.ErrConnectAllFailed) {
			return fmt.Errorf("connecting to brokers: %w", connErr)
		}
		// Both legs keep reconnecting in the background; subscriptions
		// registered now are established when a leg comes up.
		log.Error("no broker reachable, continuing in degraded mode", "error", connErr)
	} else {
		st := gw.DualStatus()
		log.Info("brokers connected",
			"plain", st.Plain.Connected,
			"secure", st.Secure.Connected,
		)
	}

	if initErr := subs.Initialize(ctx, ""); initErr != nil {
		log.Warn("initial subscription sync incomplete", "error", initErr)
	}
	go subs.Run(ctx, cfg.Registry.ResyncInterval)

	// Operations API
	apiServer, err := api.New(api.Deps{
		Config:        cfg.API,
		Logger:        log,
		Authenticator: authn,
		Gateway:       gw,
		Subscriptions: subs,
		Registry:      modules,
		Realtime:      rt,
		Version:       version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := apiServer.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, db, apiServer); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	log.Info("initialisation complete, waiting for shutdown signal",
		"patterns", len(subs.Patterns()),
	)

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// getConfigPath returns the config file path from SITELINK_CONFIG or the default.
func getConfigPath() string {
	if path := os.Getenv("SITELINK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// openRegistry opens the module registry. The core owns the schema and
// migrates it on start unless cfg.ReadOnly says another service owns it, in
// which case the file must already exist and is opened mode=ro.
func openRegistry(ctx context.Context, cfg config.DatabaseConfig) (*database.DB, error) {
	if cfg.ReadOnly {
		db, err := database.Open(ctx, cfg, database.Options{ReadOnly: true})
		if err != nil {
			return nil, fmt.Errorf("opening database read-only: %w", err)
		}
		return db, nil
	}

	db, err := database.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

// healthCheck verifies the dependencies that must be up before serving.
// Broker legs are excluded; they recover on their own.
func healthCheck(ctx context.Context, db *database.DB, apiServer *api.Server) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := apiServer.HealthCheck(ctx); err != nil {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

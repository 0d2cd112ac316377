// Hearthwire Core - legacy thermostat cloud replacement
//
// This is the main entry point for the Hearthwire Core server. It
// impersonates the retired vendor cloud that legacy smart thermostats
// were built to contact: devices sync revisioned state objects over
// the transport port, dashboards drive them over the control port, and
// outbound integrations fan changes into message brokers and telemetry
// stores.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	_ "github.com/hearthwire/hearthwire-core/migrations"

	"github.com/hearthwire/hearthwire-core/internal/control"
	"github.com/hearthwire/hearthwire-core/internal/derive"
	"github.com/hearthwire/hearthwire-core/internal/infrastructure/config"
	"github.com/hearthwire/hearthwire-core/internal/infrastructure/database"
	"github.com/hearthwire/hearthwire-core/internal/infrastructure/logging"
	"github.com/hearthwire/hearthwire-core/internal/integration"
	"github.com/hearthwire/hearthwire-core/internal/pairing"
	"github.com/hearthwire/hearthwire-core/internal/state"
	"github.com/hearthwire/hearthwire-core/internal/store"
	"github.com/hearthwire/hearthwire-core/internal/subscribe"
	"github.com/hearthwire/hearthwire-core/internal/transport"
	"github.com/hearthwire/hearthwire-core/internal/weather"
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

// run is the actual application logic, separated from main for
// testability. Returning an error allows main to handle exit codes
// consistently.
func run(ctx context.Context) error {
	// A .env file, when present, feeds the environment overrides.
	_ = godotenv.Load() //nolint:errcheck // Optional file

	log := logging.Default()
	log.Info("starting Hearthwire Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "store_backend", cfg.Store.Backend)

	// Open the persistent store.
	st, cleanup, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := seedAPIKey(ctx, st, log); err != nil {
		return err
	}

	// Authoritative in-memory state over the store.
	stateSvc := state.NewService(st)
	stateSvc.SetLogger(log.Component("state"))
	defer func() {
		log.Info("draining state persistence queue")
		stateSvc.Close()
	}()

	// Derivation rules.
	deriveEng := derive.NewEngine(st, stateSvc)
	deriveEng.SetLogger(log.Component("derive"))

	// Weather proxy with propagation into user objects.
	weatherCache := weather.NewCache(st, weather.Config{
		UpstreamURL:  cfg.Weather.UpstreamURL,
		TTL:          time.Duration(cfg.Weather.CacheTTLMS) * time.Millisecond,
		FetchTimeout: time.Duration(cfg.Weather.FetchTimeoutMS) * time.Millisecond,
	})
	weatherCache.SetLogger(log.Component("weather"))
	weatherCache.SetOnRefresh(func(postal, country string, payload state.Value) {
		propCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		deriveEng.PropagateWeather(propCtx, postal, country, payload)
	})

	// Long-poll subscription manager.
	subs := subscribe.NewManager(bucketReader{stateSvc}, subscribe.Config{
		MaxPerDevice:  cfg.Subscriptions.MaxPerDevice,
		Timeout:       time.Duration(cfg.Subscriptions.TimeoutMS) * time.Millisecond,
		SweepInterval: time.Duration(cfg.Subscriptions.SweepIntervalMS) * time.Millisecond,
	})
	subs.SetLogger(log.Component("subscriptions"))
	go subs.Run(ctx)

	// Pairing codes and their garbage collection.
	pairingSvc := pairing.New(st, stateSvc, deriveEng,
		time.Duration(cfg.Pairing.EntryKeyTTLSeconds)*time.Second)
	pairingSvc.SetLogger(log.Component("pairing"))
	go pairingSvc.RunGC(ctx, time.Duration(cfg.Pairing.GCIntervalMinutes)*time.Minute)

	// Outbound integrations, reconciled against the store.
	integrations := integration.NewManager(st, integration.Deps{
		State:    stateSvc,
		Notifier: subs,
		Access:   st,
		Logger:   log.Component("integrations"),
	}, time.Duration(cfg.Integrations.ReconcileIntervalSeconds)*time.Second)
	integrations.Register(integration.TypeMQTT, integration.NewMQTTIntegration)
	integrations.Register(integration.TypeInflux, integration.NewInfluxIntegration)
	stateSvc.AddListener(integrations.OnStateChange)
	go integrations.Run(ctx)

	// Device-facing transport server.
	transportSrv, err := transport.New(transport.Deps{
		Config:   cfg.Transport,
		Upload:   cfg.Upload,
		Logger:   log.Component("transport"),
		State:    stateSvc,
		Subs:     subs,
		Weather:  weatherCache,
		Derive:   deriveEng,
		Pairing:  pairingSvc,
		Presence: integrations,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating transport server: %w", err)
	}
	if err := transportSrv.Start(ctx); err != nil {
		return fmt.Errorf("starting transport server: %w", err)
	}
	defer func() {
		if closeErr := transportSrv.Close(); closeErr != nil {
			log.Error("error closing transport server", "error", closeErr)
		}
	}()

	// Dashboard-facing control server.
	controlSrv, err := control.New(control.Deps{
		Config:  cfg.Control,
		Logger:  log.Component("control"),
		State:   stateSvc,
		Subs:    subs,
		Store:   st,
		Derive:  deriveEng,
		Pairing: pairingSvc,
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("creating control server: %w", err)
	}
	if err := controlSrv.Start(ctx); err != nil {
		return fmt.Errorf("starting control server: %w", err)
	}
	defer func() {
		if closeErr := controlSrv.Close(); closeErr != nil {
			log.Error("error closing control server", "error", closeErr)
		}
	}()

	log.Info("Hearthwire Core running",
		"transport", fmt.Sprintf("%s:%d", cfg.Transport.Host, cfg.Transport.Port),
		"control", fmt.Sprintf("%s:%d", cfg.Control.Host, cfg.Control.Port),
	)

	<-ctx.Done()
	log.Info("shutdown signal received")
	return nil
}

// bucketReader adapts the state service for the subscription manager:
// object keys route to their owning bucket (user and structure objects
// live under their identifier, not the requesting device's serial).
type bucketReader struct {
	svc *state.Service
}

func (b bucketReader) Get(ctx context.Context, serial, key string) (*state.Object, error) {
	return b.svc.Get(ctx, state.BucketFor(key, serial), key)
}

// openStore opens the configured store backend and returns it with its
// cleanup function.
func openStore(ctx context.Context, cfg *config.Config, log *logging.Logger) (store.Store, func(), error) {
	enc, err := store.NewEncryptor(cfg.Store.EncryptionKey)
	if err != nil {
		return nil, nil, fmt.Errorf("building config encryptor: %w", err)
	}

	switch cfg.Store.Backend {
	case "sqlite":
		db, err := database.Open(database.Config{
			Path:        cfg.Store.SQLite.Path,
			WALMode:     cfg.Store.SQLite.WALMode,
			BusyTimeout: cfg.Store.SQLite.BusyTimeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("opening database: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close() //nolint:errcheck
			return nil, nil, fmt.Errorf("running migrations: %w", err)
		}
		log.Info("sqlite store ready", "path", cfg.Store.SQLite.Path)

		cleanup := func() {
			log.Info("closing database")
			if err := db.Close(); err != nil {
				log.Error("error closing database", "error", err)
			}
		}
		return store.NewSQLiteStore(db, enc), cleanup, nil

	case "mongo":
		ms, err := store.NewMongoStore(ctx, cfg.Store.Mongo.URI, cfg.Store.Mongo.Database, enc)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to document store: %w", err)
		}
		log.Info("mongo store ready", "database", cfg.Store.Mongo.Database)

		cleanup := func() {
			log.Info("disconnecting from document store")
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := ms.Close(closeCtx); err != nil {
				log.Error("error closing document store", "error", err)
			}
		}
		return ms, cleanup, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// seedAPIKey creates the first control-plane credential on a fresh
// install and logs it once; there is no other way in.
func seedAPIKey(ctx context.Context, st store.Store, log *logging.Logger) error {
	n, err := st.CountAPIKeys(ctx)
	if err != nil {
		return fmt.Errorf("counting api keys: %w", err)
	}
	if n > 0 {
		return nil
	}

	raw, _, err := st.CreateAPIKey(ctx, "user_admin", "bootstrap", nil, nil)
	if err != nil {
		return fmt.Errorf("seeding api key: %w", err)
	}
	log.Info("no API keys found, seeded bootstrap key - store it now, it is not shown again",
		"api_key", raw,
	)
	return nil
}

// getConfigPath resolves the configuration file path from the
// environment or the default location.
func getConfigPath() string {
	if path := os.Getenv("HEARTHWIRE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

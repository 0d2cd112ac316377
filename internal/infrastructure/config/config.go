package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Hearthwire Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Transport     TransportConfig     `yaml:"transport"`
	Control       ControlConfig       `yaml:"control"`
	Pairing       PairingConfig       `yaml:"pairing"`
	Weather       WeatherConfig       `yaml:"weather"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Store         StoreConfig         `yaml:"store"`
	Upload        UploadConfig        `yaml:"upload"`
	Integrations  IntegrationsConfig  `yaml:"integrations"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// TransportConfig contains the device-facing listener settings.
//
// Devices expect the original vendor's TLS endpoint; when CertDir contains
// server.crt and server.key the listener serves TLS, otherwise plain HTTP.
type TransportConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// CertDir is a directory holding server.crt and server.key.
	// Empty disables TLS.
	CertDir string `yaml:"cert_dir"`

	// BaseURL is the externally visible URL advertised in the service
	// discovery document. Defaults to scheme://host:port when empty,
	// with https when CertDir holds server.crt and http otherwise.
	BaseURL string `yaml:"base_url"`

	Timeouts TimeoutConfig `yaml:"timeouts"`
}

// ControlConfig contains the dashboard-facing listener settings.
type ControlConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// JWTSecret signs short-lived session tokens minted from API keys.
	JWTSecret string `yaml:"jwt_secret"`

	// TokenTTLMinutes is the lifetime of minted session tokens.
	TokenTTLMinutes int `yaml:"token_ttl_minutes"`

	Timeouts TimeoutConfig `yaml:"timeouts"`
}

// TimeoutConfig contains HTTP server timeout settings in seconds.
//
// The transport write timeout must exceed the subscription timeout or
// parked long-poll responses are cut off before the sweeper fires.
type TimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// PairingConfig contains entry-key settings.
type PairingConfig struct {
	// EntryKeyTTLSeconds is how long a generated pairing code stays valid.
	EntryKeyTTLSeconds int `yaml:"entry_key_ttl_seconds"`

	// GCIntervalMinutes is the cadence of expired-code garbage collection.
	GCIntervalMinutes int `yaml:"gc_interval_minutes"`
}

// WeatherConfig contains the upstream weather proxy settings.
type WeatherConfig struct {
	// UpstreamURL is the weather provider endpoint. The postal code and
	// country are appended as query parameters.
	UpstreamURL string `yaml:"upstream_url"`

	// CacheTTLMS is how long a fetched payload is served before refetching.
	CacheTTLMS int `yaml:"cache_ttl_ms"`

	// FetchTimeoutMS bounds a single upstream request.
	FetchTimeoutMS int `yaml:"fetch_timeout_ms"`
}

// SubscriptionsConfig contains long-poll subscription settings.
type SubscriptionsConfig struct {
	// TimeoutMS is the hard deadline for a parked subscription.
	TimeoutMS int `yaml:"timeout_ms"`

	// MaxPerDevice caps simultaneous parked subscriptions per serial.
	MaxPerDevice int `yaml:"max_per_device"`

	// SweepIntervalMS is the cadence of the expiry sweeper.
	SweepIntervalMS int `yaml:"sweep_interval_ms"`
}

// StoreConfig selects and configures the persistent state store.
type StoreConfig struct {
	// Backend selects the implementation: "sqlite" or "mongo".
	Backend string `yaml:"backend"`

	// EncryptionKey is a 32-byte hex key for integration config secrets.
	EncryptionKey string `yaml:"encryption_key"`

	SQLite SQLiteConfig `yaml:"sqlite"`
	Mongo  MongoConfig  `yaml:"mongo"`
}

// SQLiteConfig contains embedded relational store settings.
type SQLiteConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MongoConfig contains remote document store settings.
type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// UploadConfig contains device log upload settings.
type UploadConfig struct {
	// Dir is where opaque device log blobs are written.
	Dir string `yaml:"dir"`

	// MaxBytes caps a single upload body.
	MaxBytes int64 `yaml:"max_bytes"`
}

// IntegrationsConfig contains outbound integration manager settings.
type IntegrationsConfig struct {
	// ReconcileIntervalSeconds is the cadence of the store reconciliation loop.
	ReconcileIntervalSeconds int `yaml:"reconcile_interval_seconds"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`

	// Debug forces debug level regardless of Level.
	Debug bool `yaml:"debug"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: HEARTHWIRE_SECTION_KEY
// For example: HEARTHWIRE_TRANSPORT_PORT, HEARTHWIRE_STORE_BACKEND
//
// A missing file is not an error; defaults plus environment variables
// are enough to run with the embedded store.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case os.IsNotExist(err):
		// Environment-only configuration.
	default:
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Transport: TransportConfig{
			Host: "0.0.0.0",
			Port: 8443,
			Timeouts: TimeoutConfig{
				Read:  30,
				Write: 330,
				Idle:  360,
			},
		},
		Control: ControlConfig{
			Host:            "127.0.0.1",
			Port:            8090,
			TokenTTLMinutes: 60,
			Timeouts: TimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Pairing: PairingConfig{
			EntryKeyTTLSeconds: 3600,
			GCIntervalMinutes:  60,
		},
		Weather: WeatherConfig{
			CacheTTLMS:     30 * 60 * 1000,
			FetchTimeoutMS: 5000,
		},
		Subscriptions: SubscriptionsConfig{
			TimeoutMS:       5 * 60 * 1000,
			MaxPerDevice:    6,
			SweepIntervalMS: 5000,
		},
		Store: StoreConfig{
			Backend: "sqlite",
			SQLite: SQLiteConfig{
				Path:        "./data/hearthwire.db",
				WALMode:     true,
				BusyTimeout: 5,
			},
			Mongo: MongoConfig{
				URI:      "mongodb://localhost:27017",
				Database: "hearthwire",
			},
		},
		Upload: UploadConfig{
			Dir:      "./data/uploads",
			MaxBytes: 8 << 20,
		},
		Integrations: IntegrationsConfig{
			ReconcileIntervalSeconds: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: HEARTHWIRE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HEARTHWIRE_TRANSPORT_HOST"); v != "" {
		cfg.Transport.Host = v
	}
	if v, ok := envInt("HEARTHWIRE_TRANSPORT_PORT"); ok {
		cfg.Transport.Port = v
	}
	if v := os.Getenv("HEARTHWIRE_TRANSPORT_CERT_DIR"); v != "" {
		cfg.Transport.CertDir = v
	}
	if v := os.Getenv("HEARTHWIRE_TRANSPORT_BASE_URL"); v != "" {
		cfg.Transport.BaseURL = v
	}
	if v := os.Getenv("HEARTHWIRE_CONTROL_HOST"); v != "" {
		cfg.Control.Host = v
	}
	if v, ok := envInt("HEARTHWIRE_CONTROL_PORT"); ok {
		cfg.Control.Port = v
	}
	if v := os.Getenv("HEARTHWIRE_CONTROL_JWT_SECRET"); v != "" {
		cfg.Control.JWTSecret = v
	}
	if v, ok := envInt("HEARTHWIRE_PAIRING_ENTRY_KEY_TTL_SECONDS"); ok {
		cfg.Pairing.EntryKeyTTLSeconds = v
	}
	if v := os.Getenv("HEARTHWIRE_WEATHER_UPSTREAM_URL"); v != "" {
		cfg.Weather.UpstreamURL = v
	}
	if v, ok := envInt("HEARTHWIRE_WEATHER_CACHE_TTL_MS"); ok {
		cfg.Weather.CacheTTLMS = v
	}
	if v, ok := envInt("HEARTHWIRE_SUBSCRIPTIONS_TIMEOUT_MS"); ok {
		cfg.Subscriptions.TimeoutMS = v
	}
	if v, ok := envInt("HEARTHWIRE_SUBSCRIPTIONS_MAX_PER_DEVICE"); ok {
		cfg.Subscriptions.MaxPerDevice = v
	}
	if v := os.Getenv("HEARTHWIRE_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("HEARTHWIRE_STORE_ENCRYPTION_KEY"); v != "" {
		cfg.Store.EncryptionKey = v
	}
	if v := os.Getenv("HEARTHWIRE_STORE_SQLITE_PATH"); v != "" {
		cfg.Store.SQLite.Path = v
	}
	if v := os.Getenv("HEARTHWIRE_STORE_MONGO_URI"); v != "" {
		cfg.Store.Mongo.URI = v
	}
	if v := os.Getenv("HEARTHWIRE_STORE_MONGO_DATABASE"); v != "" {
		cfg.Store.Mongo.Database = v
	}
	if v := os.Getenv("HEARTHWIRE_UPLOAD_DIR"); v != "" {
		cfg.Upload.Dir = v
	}
	if v := os.Getenv("HEARTHWIRE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("HEARTHWIRE_DEBUG"); v != "" {
		cfg.Logging.Debug = parseBool(v)
	}
}

// envInt reads an integer environment variable.
// Unset or unparseable values report ok=false.
func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// parseBool treats "1", "true", "yes", "on" (any case) as true.
func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Transport.Port <= 0 || c.Transport.Port > 65535 {
		return fmt.Errorf("transport port %d out of range", c.Transport.Port)
	}
	if c.Control.Port <= 0 || c.Control.Port > 65535 {
		return fmt.Errorf("control port %d out of range", c.Control.Port)
	}
	if c.Transport.Port == c.Control.Port {
		return fmt.Errorf("transport and control ports must differ")
	}
	switch c.Store.Backend {
	case "sqlite", "mongo":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Subscriptions.MaxPerDevice <= 0 {
		return fmt.Errorf("subscriptions.max_per_device must be positive")
	}
	if c.Subscriptions.TimeoutMS <= 0 {
		return fmt.Errorf("subscriptions.timeout_ms must be positive")
	}
	if writeTimeout := c.Transport.Timeouts.Write * 1000; writeTimeout > 0 && writeTimeout <= c.Subscriptions.TimeoutMS {
		return fmt.Errorf("transport write timeout (%ds) must exceed subscription timeout (%dms)",
			c.Transport.Timeouts.Write, c.Subscriptions.TimeoutMS)
	}
	if c.Pairing.EntryKeyTTLSeconds <= 0 {
		return fmt.Errorf("pairing.entry_key_ttl_seconds must be positive")
	}
	if c.Store.EncryptionKey != "" && len(c.Store.EncryptionKey) != 64 {
		return fmt.Errorf("store.encryption_key must be 64 hex characters (32 bytes)")
	}
	return nil
}

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load with missing file: %v", err)
	}

	if cfg.Transport.Port != 8443 {
		t.Errorf("default transport port = %d, want 8443", cfg.Transport.Port)
	}
	if cfg.Store.Backend != "sqlite" {
		t.Errorf("default store backend = %q, want sqlite", cfg.Store.Backend)
	}
	if cfg.Subscriptions.TimeoutMS != 5*60*1000 {
		t.Errorf("default subscription timeout = %d, want 300000", cfg.Subscriptions.TimeoutMS)
	}
	if cfg.Subscriptions.MaxPerDevice != 6 {
		t.Errorf("default subscription cap = %d, want 6", cfg.Subscriptions.MaxPerDevice)
	}
}

func TestLoadYAMLAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
transport:
  port: 9443
control:
  port: 9090
store:
  backend: mongo
`
	if err := os.WriteFile(path, []byte(yaml), 0600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("HEARTHWIRE_CONTROL_PORT", "9091")
	t.Setenv("HEARTHWIRE_STORE_BACKEND", "sqlite")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Transport.Port != 9443 {
		t.Errorf("transport port = %d, want 9443 (from YAML)", cfg.Transport.Port)
	}
	if cfg.Control.Port != 9091 {
		t.Errorf("control port = %d, want 9091 (env overrides YAML)", cfg.Control.Port)
	}
	if cfg.Store.Backend != "sqlite" {
		t.Errorf("store backend = %q, want sqlite (env overrides YAML)", cfg.Store.Backend)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"same ports", func(c *Config) { c.Control.Port = c.Transport.Port }},
		{"unknown backend", func(c *Config) { c.Store.Backend = "etcd" }},
		{"zero cap", func(c *Config) { c.Subscriptions.MaxPerDevice = 0 }},
		{"zero timeout", func(c *Config) { c.Subscriptions.TimeoutMS = 0 }},
		{"write timeout below subscription timeout", func(c *Config) { c.Transport.Timeouts.Write = 10 }},
		{"zero entry key ttl", func(c *Config) { c.Pairing.EntryKeyTTLSeconds = 0 }},
		{"short encryption key", func(c *Config) { c.Store.EncryptionKey = "abcd" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted invalid config")
			}
		})
	}
}

func TestParseBool(t *testing.T) {
	for _, v := range []string{"1", "true", "TRUE", "yes", "on"} {
		if !parseBool(v) {
			t.Errorf("parseBool(%q) = false, want true", v)
		}
	}
	for _, v := range []string{"0", "false", "off", ""} {
		if parseBool(v) {
			t.Errorf("parseBool(%q) = true, want false", v)
		}
	}
}

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hearthwire/hearthwire-core/internal/infrastructure/influxdb"
	"github.com/hearthwire/hearthwire-core/internal/state"
	"github.com/hearthwire/hearthwire-core/internal/store"
)

// TypeInflux is the registry name of the telemetry history integration.
const TypeInflux = "influxdb"

// stateMeasurement is the InfluxDB measurement thermostat readings land in.
const stateMeasurement = "thermostat_state"

// influxConfig is the shape of the per-user config blob.
type influxConfig struct {
	URL    string `json:"url"`
	Token  string `json:"token"`
	Org    string `json:"org"`
	Bucket string `json:"bucket"`
}

// InfluxIntegration records numeric and boolean thermostat fields as
// time-series points on every device or shared object change.
type InfluxIntegration struct {
	deps   Deps
	userID string
	cfg    influxConfig
	client *influxdb.Client
}

// NewInfluxIntegration is the Factory for TypeInflux.
func NewInfluxIntegration(deps Deps, cfg store.IntegrationConfig) (Integration, error) {
	var ic influxConfig
	blob, err := json.Marshal(cfg.Config)
	if err != nil {
		return nil, fmt.Errorf("re-encoding config blob: %w", err)
	}
	if err := json.Unmarshal(blob, &ic); err != nil {
		return nil, fmt.Errorf("parsing influxdb config: %w", err)
	}
	if ic.URL == "" {
		return nil, fmt.Errorf("influxdb config missing url")
	}

	return &InfluxIntegration{
		deps:   deps,
		userID: cfg.UserID,
		cfg:    ic,
	}, nil
}

// Initialize connects to the InfluxDB server.
func (i *InfluxIntegration) Initialize(context.Context) error {
	client, err := influxdb.Connect(influxdb.Config{
		URL:    i.cfg.URL,
		Token:  i.cfg.Token,
		Org:    i.cfg.Org,
		Bucket: i.cfg.Bucket,
	})
	if err != nil {
		return fmt.Errorf("connecting to influxdb: %w", err)
	}
	client.SetOnError(func(err error) {
		i.deps.Logger.Warn("influxdb write error", "user", i.userID, "error", err)
	})
	i.client = client

	i.deps.Logger.Info("influxdb integration connected", "user", i.userID, "url", i.cfg.URL)
	return nil
}

// OnStateChange records the measurable fields of device and shared
// objects: numeric and boolean fields. Other fields are skipped; history
// is for graphs, not replication.
func (i *InfluxIntegration) OnStateChange(serial, key string, _, timestamp int64, value state.Value) {
	if i.client == nil || value == nil {
		return
	}
	objectType := state.KeyType(key)
	if objectType != "device" && objectType != "shared" {
		return
	}

	fields := make(map[string]any)
	for name, v := range value {
		switch tv := v.(type) {
		case float64:
			fields[name] = tv
		case bool:
			fields[name] = tv
		}
	}
	if len(fields) == 0 {
		return
	}

	ts := time.UnixMilli(timestamp)
	i.client.WritePoint(stateMeasurement, map[string]string{
		"serial":      serial,
		"object_type": objectType,
	}, fields, ts)
}

// OnDeviceConnected is a no-op; presence is not telemetry.
func (i *InfluxIntegration) OnDeviceConnected(string) {}

// OnDeviceDisconnected is a no-op.
func (i *InfluxIntegration) OnDeviceDisconnected(string) {}

// Shutdown flushes pending points and releases the client.
func (i *InfluxIntegration) Shutdown(context.Context) {
	if i.client != nil {
		i.client.Close() //nolint:errcheck
	}
}

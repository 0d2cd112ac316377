package integration

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hearthwire/hearthwire-core/internal/state"
	"github.com/hearthwire/hearthwire-core/internal/store"
)

// shutdownTimeout bounds one integration's Shutdown call during
// reconciliation and process exit.
const shutdownTimeout = 5 * time.Second

// ConfigSource lists enabled integration configs per type.
type ConfigSource interface {
	ListEnabledIntegrations(ctx context.Context, integrationType string) ([]store.IntegrationConfig, error)
}

// Manager loads, reloads, and unloads integrations to match the
// configuration store.
//
// Reconciliation rules, applied every cycle per registered type:
//   - present in store and not loaded  → construct and initialise
//   - loaded and absent from store     → shut down and remove
//   - both, but config changed         → shut down the old, construct the new
type Manager struct {
	source   ConfigSource
	deps     Deps
	logger   Logger
	interval time.Duration

	mu        sync.RWMutex
	factories map[string]Factory
	loaded    map[loadKey]*loadedIntegration
}

// loadKey identifies one integration instance.
type loadKey struct {
	Type   string
	UserID string
}

// loadedIntegration pairs a running integration with the config
// fingerprint it was built from.
type loadedIntegration struct {
	integration Integration
	fingerprint string
	userID      string
}

// NewManager creates an integration manager. Register factories before
// calling Run.
func NewManager(source ConfigSource, deps Deps, interval time.Duration) *Manager {
	if deps.Logger == nil {
		deps.Logger = noopLogger{}
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Manager{
		source:    source,
		deps:      deps,
		logger:    deps.Logger,
		interval:  interval,
		factories: make(map[string]Factory),
		loaded:    make(map[loadKey]*loadedIntegration),
	}
}

// Register adds a supported integration type.
func (m *Manager) Register(integrationType string, factory Factory) {
	m.mu.Lock()
	m.factories[integrationType] = factory
	m.mu.Unlock()
}

// Run reconciles immediately and then on every interval tick until the
// context is cancelled, at which point every loaded integration is shut
// down.
func (m *Manager) Run(ctx context.Context) {
	m.Reconcile(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.shutdownAll()
			return
		case <-ticker.C:
			m.Reconcile(ctx)
		}
	}
}

// Reconcile aligns loaded integrations with the store once.
func (m *Manager) Reconcile(ctx context.Context) {
	m.mu.RLock()
	types := make([]string, 0, len(m.factories))
	for t := range m.factories {
		types = append(types, t)
	}
	m.mu.RUnlock()

	for _, integrationType := range types {
		configs, err := m.source.ListEnabledIntegrations(ctx, integrationType)
		if err != nil {
			m.logger.Warn("listing integrations failed", "type", integrationType, "error", err)
			continue
		}
		m.reconcileType(ctx, integrationType, configs)
	}
}

// reconcileType applies the reconciliation rules for one type.
func (m *Manager) reconcileType(ctx context.Context, integrationType string, configs []store.IntegrationConfig) {
	desired := make(map[loadKey]store.IntegrationConfig, len(configs))
	for _, cfg := range configs {
		desired[loadKey{Type: integrationType, UserID: cfg.UserID}] = cfg
	}

	// Unload integrations that disappeared from the store.
	m.mu.Lock()
	var toStop []*loadedIntegration
	for key, li := range m.loaded {
		if key.Type != integrationType {
			continue
		}
		if _, ok := desired[key]; !ok {
			toStop = append(toStop, li)
			delete(m.loaded, key)
		}
	}
	m.mu.Unlock()

	for _, li := range toStop {
		m.logger.Info("integration removed", "type", integrationType, "user", li.userID)
		m.shutdownOne(li)
	}

	// Load new configs and reload changed ones.
	for key, cfg := range desired {
		fingerprint := configFingerprint(cfg.Config)

		m.mu.RLock()
		existing := m.loaded[key]
		m.mu.RUnlock()

		if existing != nil {
			if existing.fingerprint == fingerprint {
				continue
			}
			m.logger.Info("integration config changed, reloading", "type", key.Type, "user", key.UserID)
			m.mu.Lock()
			delete(m.loaded, key)
			m.mu.Unlock()
			m.shutdownOne(existing)
		}

		m.mu.RLock()
		factory := m.factories[key.Type]
		m.mu.RUnlock()

		integ, err := factory(m.deps, cfg)
		if err != nil {
			m.logger.Error("constructing integration failed", "type", key.Type, "user", key.UserID, "error", err)
			continue
		}
		if err := integ.Initialize(ctx); err != nil {
			m.logger.Error("initialising integration failed", "type", key.Type, "user", key.UserID, "error", err)
			continue
		}

		m.mu.Lock()
		m.loaded[key] = &loadedIntegration{
			integration: integ,
			fingerprint: fingerprint,
			userID:      key.UserID,
		}
		m.mu.Unlock()
		m.logger.Info("integration loaded", "type", key.Type, "user", key.UserID)
	}
}

// LoadedCount returns the number of running integrations.
func (m *Manager) LoadedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.loaded)
}

// OnStateChange fans a change event out to every loaded integration in
// parallel. Panics are contained per integration.
func (m *Manager) OnStateChange(c state.Change) {
	for _, li := range m.snapshot() {
		li := li
		go func() {
			defer m.recoverCallback("on_state_change", li)
			li.integration.OnStateChange(c.Serial, c.Key, c.Revision, c.Timestamp, c.Value)
		}()
	}
}

// DeviceConnected forwards a device's long-poll arrival.
func (m *Manager) DeviceConnected(serial string) {
	for _, li := range m.snapshot() {
		li := li
		go func() {
			defer m.recoverCallback("on_device_connected", li)
			li.integration.OnDeviceConnected(serial)
		}()
	}
}

// DeviceDisconnected forwards a device's long-poll departure.
func (m *Manager) DeviceDisconnected(serial string) {
	for _, li := range m.snapshot() {
		li := li
		go func() {
			defer m.recoverCallback("on_device_disconnected", li)
			li.integration.OnDeviceDisconnected(serial)
		}()
	}
}

// snapshot copies the loaded set for lock-free iteration.
func (m *Manager) snapshot() []*loadedIntegration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*loadedIntegration, 0, len(m.loaded))
	for _, li := range m.loaded {
		out = append(out, li)
	}
	return out
}

// shutdownAll stops every loaded integration.
func (m *Manager) shutdownAll() {
	m.mu.Lock()
	loaded := m.loaded
	m.loaded = make(map[loadKey]*loadedIntegration)
	m.mu.Unlock()

	for _, li := range loaded {
		m.shutdownOne(li)
	}
}

// shutdownOne stops a single integration with a bounded deadline.
func (m *Manager) shutdownOne(li *loadedIntegration) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	defer m.recoverCallback("shutdown", li)
	li.integration.Shutdown(ctx)
}

// recoverCallback logs a panic escaping an integration callback.
func (m *Manager) recoverCallback(callback string, li *loadedIntegration) {
	if r := recover(); r != nil {
		m.logger.Error("integration callback panic recovered",
			"callback", callback,
			"user", li.userID,
			"panic", r,
		)
	}
}

// configFingerprint canonicalises a config blob for change detection.
// encoding/json sorts map keys, so equal configs fingerprint equally.
func configFingerprint(cfg state.Value) string {
	b, err := json.Marshal(cfg)
	if err != nil {
		return ""
	}
	return string(b)
}

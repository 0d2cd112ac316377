// Package integration implements the outbound fan-out layer: pluggable
// adapters that translate internal object changes into external
// protocol messages, reconciled against the configuration store.
package integration

import (
	"context"

	"github.com/hearthwire/hearthwire-core/internal/state"
	"github.com/hearthwire/hearthwire-core/internal/store"
)

// Logger defines the logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Integration is one loaded outbound adapter instance, bound to a
// single user's configuration.
type Integration interface {
	// Initialize connects the integration to its external system.
	// A failed initialize leaves the integration unloaded; the next
	// reconciliation cycle retries.
	Initialize(ctx context.Context) error

	// OnStateChange receives every object mutation. Called concurrently
	// with other integrations; failures are isolated by the manager.
	OnStateChange(serial, key string, revision, timestamp int64, value state.Value)

	// OnDeviceConnected fires when a device parks a long-poll
	// subscription.
	OnDeviceConnected(serial string)

	// OnDeviceDisconnected fires when a device's last subscription ends.
	OnDeviceDisconnected(serial string)

	// Shutdown releases external resources. Called on removal, config
	// change, and process exit.
	Shutdown(ctx context.Context)
}

// CommandSink is the slice of the state engine integrations use to
// translate inbound external commands back into object writes.
type CommandSink interface {
	ApplyMerge(ctx context.Context, serial, key string, incoming state.Value, mutators ...state.Mutator) (*state.UpdateResult, error)
	Get(ctx context.Context, serial, key string) (*state.Object, error)
}

// Notifier wakes parked device subscriptions after an inbound command
// writes state.
type Notifier interface {
	NotifyAll(ctx context.Context, serial string, objs []*state.Object) (notified, removed int)
}

// AccessStore resolves which serials a user may command.
type AccessStore interface {
	ListUserDevices(ctx context.Context, userID string) ([]string, error)
	GetSharedWithMe(ctx context.Context, userID string) ([]string, error)
}

// Deps are the collaborators handed to integration factories.
type Deps struct {
	State    CommandSink
	Notifier Notifier
	Access   AccessStore
	Logger   Logger
}

// Factory constructs an integration instance from a user's config blob.
// Construction must not touch the external system; that belongs in
// Initialize.
type Factory func(deps Deps, cfg store.IntegrationConfig) (Integration, error)

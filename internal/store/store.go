package store

import (
	"context"
	"time"

	"github.com/hearthwire/hearthwire-core/internal/state"
)

// Owner binds a device serial to the user account that claimed it.
// At most one owner per serial.
type Owner struct {
	Serial    string
	UserID    string
	CreatedAt time.Time
}

// EntryKey is a short-lived pairing code for one device. Timestamps are
// milliseconds since epoch. Claimed codes are terminal.
type EntryKey struct {
	Code      string
	Serial    string
	CreatedAt int64
	ExpiresAt int64
	ClaimedBy string
	ClaimedAt int64
}

// Expired reports whether the key is past its expiry at the given
// wall-clock instant. An expiry that parses to an implausibly small
// epoch (seconds rather than milliseconds) is treated as already
// expired rather than guessed at.
func (k *EntryKey) Expired(now time.Time) bool {
	if k.ExpiresAt < minPlausibleMillis {
		return true
	}
	return now.UnixMilli() >= k.ExpiresAt
}

// minPlausibleMillis is the smallest expiry accepted as a millisecond
// epoch. Anything below this is a seconds value written by buggy
// tooling.
const minPlausibleMillis = int64(1_000_000_000_000)

// WeatherEntry is a cached upstream weather payload.
type WeatherEntry struct {
	PostalCode string
	Country    string
	FetchedAt  int64
	Payload    []byte
}

// IntegrationConfig is a user's configuration for one outbound
// integration type. The config blob is stored encrypted when the store
// has an encryption key.
type IntegrationConfig struct {
	UserID    string
	Type      string
	Enabled   bool
	Config    state.Value
	UpdatedAt time.Time
}

// APIKey is a control-plane credential. Only the hash is stored; the
// preview is the first characters of the raw key for identification.
type APIKey struct {
	KeyHash    string
	KeyPreview string
	UserID     string
	Name       string
	Serials    []string
	Scopes     []string
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// KeyContext is the authorisation context resolved from a valid API key.
type KeyContext struct {
	UserID  string
	Name    string
	Serials []string
	Scopes  []string
}

// AllowsSerial reports whether the key may act on the given serial.
// An empty allow-list permits every serial.
func (c *KeyContext) AllowsSerial(serial string) bool {
	if len(c.Serials) == 0 {
		return true
	}
	for _, s := range c.Serials {
		if s == serial {
			return true
		}
	}
	return false
}

// HasScope reports whether the key carries the given scope.
// An empty scope list grants everything.
func (c *KeyContext) HasScope(scope string) bool {
	if len(c.Scopes) == 0 {
		return true
	}
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// AuditEntry records one control-plane action.
type AuditEntry struct {
	ID        int64
	Actor     string
	Action    string
	Serial    string
	Detail    string
	CreatedAt time.Time
}

// Store is the persistence interface the core consumes. State, pairing,
// ownership, weather and integration writes are idempotent under retry;
// CreateAPIKey and AppendAudit insert a new record on every call.
//
// Optional-returning getters (GetState, GetDeviceOwner, GetEntryKey,
// GetWeather, ValidateAPIKey) yield (nil, nil) when the record does not
// exist; sentinel errors are reserved for real failures.
type Store interface {
	// Object state.
	UpsertState(ctx context.Context, serial, key string, revision, timestamp int64, value state.Value) error
	GetState(ctx context.Context, serial, key string) (*state.Object, error)
	GetDeviceState(ctx context.Context, serial string) (map[string]*state.Object, error)

	// Pairing codes. GenerateEntryKey removes prior codes for the serial
	// (in the insert's transaction on SQLite, as a separate delete before
	// the insert on MongoDB) and retries on collision up to a small bound,
	// failing with ErrExhaustedCodes when it cannot allocate.
	GenerateEntryKey(ctx context.Context, serial string, ttl time.Duration) (*EntryKey, error)
	GetEntryKey(ctx context.Context, code string) (*EntryKey, error)
	MarkEntryKeyClaimed(ctx context.Context, code, userID string, claimedAt int64) error
	DeleteExpiredEntryKeys(ctx context.Context, now time.Time) (int64, error)

	// Ownership. SetDeviceOwner is idempotent for the same user and
	// fails with ErrConflict when the serial belongs to someone else.
	GetDeviceOwner(ctx context.Context, serial string) (*Owner, error)
	SetDeviceOwner(ctx context.Context, serial, userID string) error
	ListUserDevices(ctx context.Context, userID string) ([]string, error)
	GetSharedWithMe(ctx context.Context, userID string) ([]string, error)
	ShareDevice(ctx context.Context, serial, userID string) error

	// Weather cache.
	GetWeather(ctx context.Context, postal, country string) (*WeatherEntry, error)
	UpsertWeather(ctx context.Context, postal, country string, fetchedAt int64, payload []byte) error

	// Integrations.
	ListEnabledIntegrations(ctx context.Context, integrationType string) ([]IntegrationConfig, error)
	UpsertIntegrationConfig(ctx context.Context, cfg IntegrationConfig) error

	// API keys. ValidateAPIKey updates last_used_at as a side effect.
	ValidateAPIKey(ctx context.Context, rawKey string) (*KeyContext, error)
	CreateAPIKey(ctx context.Context, userID, name string, serials, scopes []string) (rawKey string, key *APIKey, err error)
	CountAPIKeys(ctx context.Context) (int64, error)

	// Audit trail.
	AppendAudit(ctx context.Context, entry AuditEntry) error

	// Lifecycle.
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

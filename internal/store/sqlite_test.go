package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/hearthwire/hearthwire-core/migrations"

	"github.com/hearthwire/hearthwire-core/internal/infrastructure/database"
	"github.com/hearthwire/hearthwire-core/internal/state"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		WALMode:     false,
		BusyTimeout: 1,
	})
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}

	return NewSQLiteStore(db, nil)
}

func TestSQLiteObjectRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	value := state.Value{"away": true, "nested": map[string]any{"x": float64(1)}}
	if err := s.UpsertState(ctx, "ABC", "device.ABC", 3, 1234, value); err != nil {
		t.Fatal(err)
	}

	obj, err := s.GetState(ctx, "ABC", "device.ABC")
	if err != nil {
		t.Fatal(err)
	}
	if obj == nil || obj.Revision != 3 || obj.Timestamp != 1234 {
		t.Fatalf("got %+v, want revision 3 timestamp 1234", obj)
	}
	if !state.ValuesEqual(obj.Value, value) {
		t.Errorf("value round trip: %v", obj.Value)
	}

	// Upsert is idempotent under retry.
	if err := s.UpsertState(ctx, "ABC", "device.ABC", 3, 1234, value); err != nil {
		t.Fatal(err)
	}

	all, err := s.GetDeviceState(ctx, "ABC")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("GetDeviceState returned %d objects, want 1", len(all))
	}

	missing, err := s.GetState(ctx, "ABC", "shared.ABC")
	if err != nil || missing != nil {
		t.Errorf("missing object: obj=%v err=%v, want nil, nil", missing, err)
	}
}

func TestSQLiteEntryKeyLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	key1, err := s.GenerateEntryKey(ctx, "ABC", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if !ValidEntryCode(key1.Code) {
		t.Fatalf("generated code %q invalid", key1.Code)
	}

	// Re-issue replaces the prior code for the serial.
	key2, err := s.GenerateEntryKey(ctx, "ABC", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if gone, _ := s.GetEntryKey(ctx, key1.Code); gone != nil {
		t.Error("prior code survived re-issue")
	}

	// First claim succeeds, repeat claim by the same user is idempotent.
	if err := s.MarkEntryKeyClaimed(ctx, key2.Code, "user_xyz", time.Now().UnixMilli()); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkEntryKeyClaimed(ctx, key2.Code, "user_xyz", time.Now().UnixMilli()); err != nil {
		t.Errorf("idempotent reclaim failed: %v", err)
	}

	// A different user's claim conflicts.
	if err := s.MarkEntryKeyClaimed(ctx, key2.Code, "user_other", time.Now().UnixMilli()); !errors.Is(err, ErrConflict) {
		t.Errorf("claim by other user: %v, want ErrConflict", err)
	}

	// An unknown code is NotFound.
	if err := s.MarkEntryKeyClaimed(ctx, "000ZZZZ", "user_xyz", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("claim of unknown code: %v, want ErrNotFound", err)
	}
}

func TestSQLiteEntryKeyGC(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	key, err := s.GenerateEntryKey(ctx, "ABC", time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	n, err := s.DeleteExpiredEntryKeys(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("deleted %d keys, want 1", n)
	}
	if gone, _ := s.GetEntryKey(ctx, key.Code); gone != nil {
		t.Error("expired code survived GC")
	}
}

func TestSQLiteOwnership(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	if owner, err := s.GetDeviceOwner(ctx, "ABC"); err != nil || owner != nil {
		t.Fatalf("unowned device: owner=%v err=%v", owner, err)
	}

	if err := s.SetDeviceOwner(ctx, "ABC", "user_xyz"); err != nil {
		t.Fatal(err)
	}
	// Idempotent for the same user.
	if err := s.SetDeviceOwner(ctx, "ABC", "user_xyz"); err != nil {
		t.Errorf("idempotent re-own failed: %v", err)
	}
	// Conflict for a different user.
	if err := s.SetDeviceOwner(ctx, "ABC", "user_other"); !errors.Is(err, ErrConflict) {
		t.Errorf("re-own by other user: %v, want ErrConflict", err)
	}

	owned, err := s.ListUserDevices(ctx, "user_xyz")
	if err != nil || len(owned) != 1 || owned[0] != "ABC" {
		t.Errorf("ListUserDevices = %v, %v", owned, err)
	}

	if err := s.ShareDevice(ctx, "ABC", "user_guest"); err != nil {
		t.Fatal(err)
	}
	if err := s.ShareDevice(ctx, "ABC", "user_guest"); err != nil {
		t.Errorf("idempotent share failed: %v", err)
	}
	shared, err := s.GetSharedWithMe(ctx, "user_guest")
	if err != nil || len(shared) != 1 || shared[0] != "ABC" {
		t.Errorf("GetSharedWithMe = %v, %v", shared, err)
	}
}

func TestSQLiteWeatherCache(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	if entry, err := s.GetWeather(ctx, "94107", "US"); err != nil || entry != nil {
		t.Fatalf("empty cache: entry=%v err=%v", entry, err)
	}

	payload := []byte(`{"current":{"temp_c":18}}`)
	if err := s.UpsertWeather(ctx, "94107", "US", 1234, payload); err != nil {
		t.Fatal(err)
	}

	entry, err := s.GetWeather(ctx, "94107", "US")
	if err != nil {
		t.Fatal(err)
	}
	if entry.FetchedAt != 1234 || string(entry.Payload) != string(payload) {
		t.Errorf("round trip: %+v", entry)
	}
}

func TestSQLiteIntegrationConfigs(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	cfg := IntegrationConfig{
		UserID:  "user_xyz",
		Type:    "mqtt",
		Enabled: true,
		Config:  state.Value{"host": "broker.local", "port": float64(1883)},
	}
	if err := s.UpsertIntegrationConfig(ctx, cfg); err != nil {
		t.Fatal(err)
	}

	disabled := IntegrationConfig{UserID: "user_abc", Type: "mqtt", Enabled: false, Config: state.Value{}}
	if err := s.UpsertIntegrationConfig(ctx, disabled); err != nil {
		t.Fatal(err)
	}

	configs, err := s.ListEnabledIntegrations(ctx, "mqtt")
	if err != nil {
		t.Fatal(err)
	}
	if len(configs) != 1 || configs[0].UserID != "user_xyz" {
		t.Fatalf("ListEnabledIntegrations = %+v, want only user_xyz", configs)
	}
	if configs[0].Config["host"] != "broker.local" {
		t.Errorf("config blob round trip: %v", configs[0].Config)
	}
}

func TestSQLiteAPIKeys(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	n, err := s.CountAPIKeys(ctx)
	if err != nil || n != 0 {
		t.Fatalf("initial count = %d, %v", n, err)
	}

	raw, key, err := s.CreateAPIKey(ctx, "user_xyz", "dashboard", []string{"ABC"}, []string{"command"})
	if err != nil {
		t.Fatal(err)
	}
	if key.KeyHash != HashAPIKey(raw) {
		t.Error("stored hash does not match raw key")
	}

	kc, err := s.ValidateAPIKey(ctx, raw)
	if err != nil {
		t.Fatal(err)
	}
	if kc == nil || kc.UserID != "user_xyz" || !kc.AllowsSerial("ABC") || kc.AllowsSerial("XYZ") {
		t.Errorf("validated context = %+v", kc)
	}

	if kc, err := s.ValidateAPIKey(ctx, "hw_bogus"); err != nil || kc != nil {
		t.Errorf("bogus key: %v, %v", kc, err)
	}
}

package pairing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hearthwire/hearthwire-core/internal/derive"
	"github.com/hearthwire/hearthwire-core/internal/state"
	"github.com/hearthwire/hearthwire-core/internal/store"
)

// memPairingStore is an in-memory PairingStore and derive.OwnerStore.
type memPairingStore struct {
	mu     sync.Mutex
	keys   map[string]*store.EntryKey
	owners map[string]string
}

func newMemPairingStore() *memPairingStore {
	return &memPairingStore{
		keys:   make(map[string]*store.EntryKey),
		owners: make(map[string]string),
	}
}

func (m *memPairingStore) GenerateEntryKey(_ context.Context, serial string, ttl time.Duration) (*store.EntryKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for code, key := range m.keys {
		if key.Serial == serial {
			delete(m.keys, code)
		}
	}
	code, err := store.NewEntryCode()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	key := &store.EntryKey{
		Code:      code,
		Serial:    serial,
		CreatedAt: now.UnixMilli(),
		ExpiresAt: now.Add(ttl).UnixMilli(),
	}
	m.keys[code] = key
	return key, nil
}

func (m *memPairingStore) GetEntryKey(_ context.Context, code string) (*store.EntryKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[code]
	if !ok {
		return nil, nil
	}
	copied := *key
	return &copied, nil
}

func (m *memPairingStore) MarkEntryKeyClaimed(_ context.Context, code, userID string, claimedAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[code]
	if !ok {
		return store.ErrNotFound
	}
	if key.ClaimedBy != "" && key.ClaimedBy != userID {
		return store.ErrConflict
	}
	key.ClaimedBy = userID
	key.ClaimedAt = claimedAt
	return nil
}

func (m *memPairingStore) DeleteExpiredEntryKeys(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for code, key := range m.keys {
		if key.ClaimedBy == "" && key.Expired(now) {
			delete(m.keys, code)
			n++
		}
	}
	return n, nil
}

func (m *memPairingStore) GetDeviceOwner(_ context.Context, serial string) (*store.Owner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	userID, ok := m.owners[serial]
	if !ok {
		return nil, nil
	}
	return &store.Owner{Serial: serial, UserID: userID}, nil
}

func (m *memPairingStore) SetDeviceOwner(_ context.Context, serial, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.owners[serial]; ok && existing != userID {
		return store.ErrConflict
	}
	m.owners[serial] = userID
	return nil
}

func (m *memPairingStore) ListUserDevices(_ context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var serials []string
	for serial, uid := range m.owners {
		if uid == userID {
			serials = append(serials, serial)
		}
	}
	return serials, nil
}

// nullObjectStore satisfies state.ObjectStore without persistence.
type nullObjectStore struct{}

func (nullObjectStore) UpsertState(context.Context, string, string, int64, int64, state.Value) error {
	return nil
}
func (nullObjectStore) GetState(context.Context, string, string) (*state.Object, error) {
	return nil, nil
}
func (nullObjectStore) GetDeviceState(context.Context, string) (map[string]*state.Object, error) {
	return map[string]*state.Object{}, nil
}

func newTestPairing(t *testing.T) (*Service, *state.Service, *memPairingStore) {
	t.Helper()
	svc := state.NewService(nullObjectStore{})
	t.Cleanup(svc.Close)
	ps := newMemPairingStore()
	eng := derive.NewEngine(ps, svc)
	return New(ps, svc, eng, time.Hour), svc, ps
}

func TestClaimMaterialisesObjectGraph(t *testing.T) {
	ctx := context.Background()
	p, svc, _ := newTestPairing(t)

	key, err := p.Generate(ctx, "ABC")
	if err != nil {
		t.Fatal(err)
	}

	if err := p.Claim(ctx, key.Code, "user_xyz"); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	device, _ := svc.Get(ctx, "ABC", "device.ABC")
	if device == nil || device.Value["structure_id"] != "xyz" {
		t.Errorf("device.ABC = %+v, want structure_id xyz", device)
	}

	structure, _ := svc.Get(ctx, "xyz", "structure.xyz")
	if structure == nil {
		t.Fatal("structure.xyz missing")
	}
	devices, _ := structure.Value["devices"].([]any)
	if len(devices) != 1 || devices[0] != "device.ABC" {
		t.Errorf("structure devices = %v", devices)
	}
	if structure.Value["time_zone"] != "America/Los_Angeles" || structure.Value["country_code"] != "US" {
		t.Errorf("structure seed defaults missing: %+v", structure.Value)
	}

	link, _ := svc.Get(ctx, "ABC", "link.ABC")
	if link == nil || link.Value["structure"] != "structure.xyz" {
		t.Errorf("link.ABC = %+v", link)
	}

	user, _ := svc.Get(ctx, "xyz", "user.xyz")
	if user == nil {
		t.Fatal("user.xyz missing")
	}
	structures, _ := user.Value["structures"].([]any)
	if len(structures) != 1 || structures[0] != "structure.xyz" {
		t.Errorf("user structures = %v", structures)
	}

	dialog, _ := svc.Get(ctx, "ABC", "device_alert_dialog.ABC")
	if dialog == nil {
		t.Error("device_alert_dialog.ABC missing")
	}
}

func TestClaimRejectionsAndIdempotence(t *testing.T) {
	ctx := context.Background()
	p, _, ps := newTestPairing(t)

	if err := p.Claim(ctx, "000ZZZZ", "user_xyz"); !errors.Is(err, ErrCodeNotFound) {
		t.Errorf("unknown code: %v, want ErrCodeNotFound", err)
	}

	key, err := p.Generate(ctx, "ABC")
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Claim(ctx, key.Code, "user_xyz"); err != nil {
		t.Fatal(err)
	}

	// Same code, same user: idempotent retry.
	if err := p.Claim(ctx, key.Code, "user_xyz"); err != nil {
		t.Errorf("same-user retry: %v", err)
	}

	// Same code, different user: rejected.
	if err := p.Claim(ctx, key.Code, "user_other"); !errors.Is(err, ErrCodeClaimed) {
		t.Errorf("claimed code by other user: %v, want ErrCodeClaimed", err)
	}

	// Fresh code, same serial, same user: idempotent re-pair.
	key2, err := p.Generate(ctx, "ABC")
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Claim(ctx, key2.Code, "user_xyz"); err != nil {
		t.Errorf("re-pair with fresh code: %v", err)
	}

	// Fresh code, same serial, different user: device already linked.
	key3, err := p.Generate(ctx, "ABC")
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Claim(ctx, key3.Code, "user_other"); !errors.Is(err, ErrAlreadyLinked) {
		t.Errorf("claim of linked device: %v, want ErrAlreadyLinked", err)
	}

	if owner, _ := ps.GetDeviceOwner(ctx, "ABC"); owner == nil || owner.UserID != "user_xyz" {
		t.Errorf("owner after rejected takeover = %+v", owner)
	}
}

func TestClaimExpiredCode(t *testing.T) {
	ctx := context.Background()
	p, _, ps := newTestPairing(t)

	key, err := ps.GenerateEntryKey(ctx, "ABC", -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Claim(ctx, key.Code, "user_xyz"); !errors.Is(err, ErrCodeExpired) {
		t.Errorf("expired code: %v, want ErrCodeExpired", err)
	}
}

func TestRepairKeepsSingleMembership(t *testing.T) {
	ctx := context.Background()
	p, svc, _ := newTestPairing(t)

	for i := 0; i < 2; i++ {
		key, err := p.Generate(ctx, "ABC")
		if err != nil {
			t.Fatal(err)
		}
		if err := p.Claim(ctx, key.Code, "user_xyz"); err != nil {
			t.Fatal(err)
		}
	}

	user, _ := svc.Get(ctx, "xyz", "user.xyz")
	structures, _ := user.Value["structures"].([]any)
	if len(structures) != 1 {
		t.Errorf("structures duplicated on re-pair: %v", structures)
	}
	memberships, _ := user.Value["structure_memberships"].([]any)
	if len(memberships) != 1 {
		t.Errorf("memberships duplicated on re-pair: %v", memberships)
	}

	structure, _ := svc.Get(ctx, "xyz", "structure.xyz")
	devices, _ := structure.Value["devices"].([]any)
	if len(devices) != 1 {
		t.Errorf("structure devices duplicated on re-pair: %v", devices)
	}
}

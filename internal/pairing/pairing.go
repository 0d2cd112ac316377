package pairing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hearthwire/hearthwire-core/internal/derive"
	"github.com/hearthwire/hearthwire-core/internal/state"
	"github.com/hearthwire/hearthwire-core/internal/store"
)

// Logger defines the logging interface used by the Service.
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

// Claim failure modes surfaced to the control plane.
var (
	// ErrCodeNotFound means the entry code does not exist.
	ErrCodeNotFound = errors.New("entry code not found")

	// ErrCodeExpired means the entry code is past its TTL.
	ErrCodeExpired = errors.New("entry code expired")

	// ErrCodeClaimed means a different user already claimed the code.
	ErrCodeClaimed = errors.New("entry code already claimed")

	// ErrAlreadyLinked means the device belongs to a different user.
	ErrAlreadyLinked = errors.New("device already linked to another account")
)

// Structure seed defaults for a freshly claimed device.
const (
	defaultTimeZone    = "America/Los_Angeles"
	defaultCountryCode = "US"
)

// PairingStore is the slice of the persistent store the service consumes.
type PairingStore interface {
	GenerateEntryKey(ctx context.Context, serial string, ttl time.Duration) (*store.EntryKey, error)
	GetEntryKey(ctx context.Context, code string) (*store.EntryKey, error)
	MarkEntryKeyClaimed(ctx context.Context, code, userID string, claimedAt int64) error
	DeleteExpiredEntryKeys(ctx context.Context, now time.Time) (int64, error)
	GetDeviceOwner(ctx context.Context, serial string) (*store.Owner, error)
	SetDeviceOwner(ctx context.Context, serial, userID string) error
}

// Service generates and redeems entry codes and materialises the object
// graph that binds a device to an account.
type Service struct {
	store  PairingStore
	state  *state.Service
	derive *derive.Engine
	logger Logger
	ttl    time.Duration
}

// New creates a pairing service. The TTL applies to generated codes.
func New(ps PairingStore, svc *state.Service, eng *derive.Engine, ttl time.Duration) *Service {
	return &Service{
		store:  ps,
		state:  svc,
		derive: eng,
		logger: noopLogger{},
		ttl:    ttl,
	}
}

// SetLogger sets the logger for the service.
func (s *Service) SetLogger(logger Logger) {
	s.logger = logger
}

// Generate issues a fresh entry code for a serial, replacing any prior
// code for the same device.
func (s *Service) Generate(ctx context.Context, serial string) (*store.EntryKey, error) {
	key, err := s.store.GenerateEntryKey(ctx, serial, s.ttl)
	if err != nil {
		return nil, fmt.Errorf("generating entry key: %w", err)
	}
	s.logger.Info("entry code issued", "serial", serial, "expires_at", key.ExpiresAt)
	return key, nil
}

// Claim redeems an entry code for a user and materialises the pairing
// side effects. Each step either completes or leaves enough state for a
// retry to be safe: a failed claim can be re-run with a fresh code for
// the same serial and converges on the same object graph.
func (s *Service) Claim(ctx context.Context, code, userID string) error {
	key, err := s.store.GetEntryKey(ctx, code)
	if err != nil {
		return fmt.Errorf("looking up entry key: %w", err)
	}
	if key == nil {
		return ErrCodeNotFound
	}
	if key.ClaimedBy != "" && key.ClaimedBy != userID {
		return ErrCodeClaimed
	}
	if key.Expired(time.Now()) {
		return ErrCodeExpired
	}

	if err := s.store.MarkEntryKeyClaimed(ctx, code, userID, time.Now().UnixMilli()); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return ErrCodeNotFound
		case errors.Is(err, store.ErrConflict):
			return ErrCodeClaimed
		default:
			return fmt.Errorf("claiming entry key: %w", err)
		}
	}

	owner, err := s.store.GetDeviceOwner(ctx, key.Serial)
	if err != nil {
		return fmt.Errorf("checking device owner: %w", err)
	}
	if owner != nil && owner.UserID != userID {
		return ErrAlreadyLinked
	}
	if owner == nil {
		if err := s.store.SetDeviceOwner(ctx, key.Serial, userID); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return ErrAlreadyLinked
			}
			return fmt.Errorf("recording device owner: %w", err)
		}
	}

	if err := s.materialise(ctx, key.Serial, userID); err != nil {
		return fmt.Errorf("materialising pairing objects: %w", err)
	}

	s.logger.Info("device claimed", "serial", key.Serial, "user", userID)
	return nil
}

// materialise creates the object graph a paired device expects:
// alert dialog, device, structure, link, and user membership. Every
// write is a merge, so repeating the sequence is idempotent.
func (s *Service) materialise(ctx context.Context, serial, userID string) error {
	bare := derive.BareUserID(userID)
	structureKey := state.PrefixStructure + bare
	deviceKey := state.PrefixDevice + serial
	userKey := state.PrefixUser + bare

	if _, err := s.derive.EnsureAlertDialog(ctx, serial); err != nil {
		return fmt.Errorf("ensuring alert dialog: %w", err)
	}

	if _, err := s.state.ApplyMerge(ctx, serial, deviceKey, state.Value{
		"serial_number": serial,
		"structure_id":  bare,
	}); err != nil {
		return fmt.Errorf("seeding device object: %w", err)
	}

	if err := s.ensureStructure(ctx, bare, structureKey, deviceKey, userID); err != nil {
		return err
	}

	if _, err := s.state.ApplyMerge(ctx, serial, state.PrefixLink+serial, state.Value{
		"structure": structureKey,
	}); err != nil {
		return fmt.Errorf("seeding link object: %w", err)
	}

	if err := s.ensureUser(ctx, bare, userKey, structureKey); err != nil {
		return err
	}

	return nil
}

// ensureStructure seeds the structure object and keeps its device list
// complete. Arrays replace atomically under merge, so membership is
// rebuilt read-modify-write.
func (s *Service) ensureStructure(ctx context.Context, bare, structureKey, deviceKey, userID string) error {
	existing, err := s.state.Get(ctx, bare, structureKey)
	if err != nil {
		return fmt.Errorf("reading structure object: %w", err)
	}

	devices := []any{deviceKey}
	seed := state.Value{
		"name":         "Home",
		"user":         userID,
		"time_zone":    defaultTimeZone,
		"country_code": defaultCountryCode,
	}
	if existing != nil {
		devices = appendMissing(existing.Value["devices"], deviceKey)
		// Seed fields only fill gaps on an existing structure.
		for k := range seed {
			if _, ok := existing.Value[k]; ok {
				delete(seed, k)
			}
		}
	}
	seed["devices"] = devices

	if _, err := s.state.ApplyMerge(ctx, bare, structureKey, seed); err != nil {
		return fmt.Errorf("seeding structure object: %w", err)
	}
	return nil
}

// ensureUser seeds the user object with onboarding defaults and adds
// the structure to its membership lists if missing.
func (s *Service) ensureUser(ctx context.Context, bare, userKey, structureKey string) error {
	existing, err := s.state.Get(ctx, bare, userKey)
	if err != nil {
		return fmt.Errorf("reading user object: %w", err)
	}

	structures := []any{structureKey}
	memberships := []any{state.Value{"structure": structureKey, "roles": []any{"owner"}}}
	seed := state.Value{
		"name": bare,
	}
	if existing != nil {
		structures = appendMissing(existing.Value["structures"], structureKey)
		memberships = appendMissingMembership(existing.Value["structure_memberships"], structureKey)
		if _, ok := existing.Value["name"]; ok {
			delete(seed, "name")
		}
	}
	seed["structures"] = structures
	seed["structure_memberships"] = memberships

	if _, err := s.state.ApplyMerge(ctx, bare, userKey, seed); err != nil {
		return fmt.Errorf("seeding user object: %w", err)
	}
	return nil
}

// RunGC deletes expired unclaimed codes on the given cadence until the
// context is cancelled.
func (s *Service) RunGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := s.store.DeleteExpiredEntryKeys(ctx, now)
			if err != nil {
				s.logger.Warn("entry key GC failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("entry key GC", "deleted", n)
			}
		}
	}
}

// appendMissing returns the list with value appended when absent.
func appendMissing(list any, value string) []any {
	out, _ := list.([]any)
	for _, v := range out {
		if v == value {
			return out
		}
	}
	return append(out, value)
}

// appendMissingMembership appends an owner membership for the structure
// when none references it.
func appendMissingMembership(list any, structureKey string) []any {
	out, _ := list.([]any)
	for _, v := range out {
		if m, ok := v.(map[string]any); ok && m["structure"] == structureKey {
			return out
		}
	}
	return append(out, state.Value{"structure": structureKey, "roles": []any{"owner"}})
}

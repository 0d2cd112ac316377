package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hearthwire/hearthwire-core/internal/infrastructure/database"
	"github.com/hearthwire/hearthwire-core/internal/state"
)

// SQLiteStore implements Store on the embedded relational database.
type SQLiteStore struct {
	db  *database.DB
	enc *Encryptor
}

// NewSQLiteStore creates a SQLite-backed store. The database must
// already be open and migrated. The encryptor may be nil.
func NewSQLiteStore(db *database.DB, enc *Encryptor) *SQLiteStore {
	return &SQLiteStore{db: db, enc: enc}
}

// UpsertState unconditionally writes an object row.
func (s *SQLiteStore) UpsertState(ctx context.Context, serial, key string, revision, timestamp int64, value state.Value) error {
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshalling value: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO objects (serial, object_key, object_revision, object_timestamp, value, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (serial, object_key) DO UPDATE SET
			object_revision = excluded.object_revision,
			object_timestamp = excluded.object_timestamp,
			value = excluded.value,
			updated_at = excluded.updated_at`,
		serial, key, revision, timestamp, string(valueJSON), nowRFC3339(),
	)
	if err != nil {
		return fmt.Errorf("upserting object: %w", wrapUnavailable(err))
	}
	return nil
}

// GetState retrieves a single object, (nil, nil) when absent.
func (s *SQLiteStore) GetState(ctx context.Context, serial, key string) (*state.Object, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT object_key, object_revision, object_timestamp, value, updated_at
		FROM objects WHERE serial = ? AND object_key = ?`,
		serial, key,
	)
	obj, err := scanObject(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying object: %w", wrapUnavailable(err))
	}
	return obj, nil
}

// GetDeviceState retrieves every object for a serial.
func (s *SQLiteStore) GetDeviceState(ctx context.Context, serial string) (map[string]*state.Object, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT object_key, object_revision, object_timestamp, value, updated_at
		FROM objects WHERE serial = ?`,
		serial,
	)
	if err != nil {
		return nil, fmt.Errorf("querying device objects: %w", wrapUnavailable(err))
	}
	defer rows.Close()

	objects := make(map[string]*state.Object)
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning object row: %w", err)
		}
		objects[obj.Key] = obj
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating object rows: %w", err)
	}
	return objects, nil
}

// GenerateEntryKey allocates a fresh pairing code for the serial,
// removing any prior codes, retrying collisions up to a small bound.
func (s *SQLiteStore) GenerateEntryKey(ctx context.Context, serial string, ttl time.Duration) (*EntryKey, error) {
	now := time.Now()
	key := &EntryKey{
		Serial:    serial,
		CreatedAt: now.UnixMilli(),
		ExpiresAt: now.Add(ttl).UnixMilli(),
	}

	for attempt := 0; attempt < entryCodeAttempts; attempt++ {
		code, err := NewEntryCode()
		if err != nil {
			return nil, err
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, wrapUnavailable(err)
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM entry_keys WHERE serial = ?", serial); err != nil {
			tx.Rollback() //nolint:errcheck
			return nil, fmt.Errorf("removing prior entry keys: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO entry_keys (code, serial, created_at, expires_at) VALUES (?, ?, ?, ?)`,
			code, serial, key.CreatedAt, key.ExpiresAt,
		)
		if err != nil {
			tx.Rollback() //nolint:errcheck
			// Unique violation on code: another serial holds it. Try again.
			continue
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("committing entry key: %w", err)
		}

		key.Code = code
		return key, nil
	}

	return nil, ErrExhaustedCodes
}

// GetEntryKey retrieves a pairing code, (nil, nil) when absent.
func (s *SQLiteStore) GetEntryKey(ctx context.Context, code string) (*EntryKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT code, serial, created_at, expires_at, claimed_by, claimed_at
		FROM entry_keys WHERE code = ?`,
		code,
	)

	var key EntryKey
	var claimedBy sql.NullString
	var claimedAt sql.NullInt64
	err := row.Scan(&key.Code, &key.Serial, &key.CreatedAt, &key.ExpiresAt, &claimedBy, &claimedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying entry key: %w", wrapUnavailable(err))
	}
	key.ClaimedBy = claimedBy.String
	key.ClaimedAt = claimedAt.Int64
	return &key, nil
}

// MarkEntryKeyClaimed stamps a code as claimed. Idempotent for the same
// user; a code claimed by someone else fails with ErrConflict.
func (s *SQLiteStore) MarkEntryKeyClaimed(ctx context.Context, code, userID string, claimedAt int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE entry_keys SET claimed_by = ?, claimed_at = ?
		WHERE code = ? AND (claimed_by IS NULL OR claimed_by = ?)`,
		userID, claimedAt, code, userID,
	)
	if err != nil {
		return fmt.Errorf("claiming entry key: %w", wrapUnavailable(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claiming entry key: %w", err)
	}
	if n == 0 {
		existing, getErr := s.GetEntryKey(ctx, code)
		if getErr == nil && existing == nil {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// DeleteExpiredEntryKeys removes unclaimed codes past their expiry.
func (s *SQLiteStore) DeleteExpiredEntryKeys(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM entry_keys WHERE claimed_by IS NULL AND expires_at <= ?",
		now.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting expired entry keys: %w", wrapUnavailable(err))
	}
	return res.RowsAffected()
}

// GetDeviceOwner retrieves the owner of a serial, (nil, nil) when unowned.
func (s *SQLiteStore) GetDeviceOwner(ctx context.Context, serial string) (*Owner, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT serial, user_id, created_at FROM device_owners WHERE serial = ?",
		serial,
	)

	var o Owner
	var createdAt string
	if err := row.Scan(&o.Serial, &o.UserID, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying device owner: %w", wrapUnavailable(err))
	}
	o.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // Format is controlled
	return &o, nil
}

// SetDeviceOwner records ownership. Idempotent for the same user;
// a serial owned by someone else fails with ErrConflict.
func (s *SQLiteStore) SetDeviceOwner(ctx context.Context, serial, userID string) error {
	existing, err := s.GetDeviceOwner(ctx, serial)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.UserID == userID {
			return nil
		}
		return ErrConflict
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO device_owners (serial, user_id, created_at) VALUES (?, ?, ?)",
		serial, userID, nowRFC3339(),
	)
	if err != nil {
		return fmt.Errorf("recording device owner: %w", wrapUnavailable(err))
	}
	return nil
}

// ListUserDevices returns the serials owned by a user.
func (s *SQLiteStore) ListUserDevices(ctx context.Context, userID string) ([]string, error) {
	return s.querySerials(ctx,
		"SELECT serial FROM device_owners WHERE user_id = ? ORDER BY serial", userID)
}

// GetSharedWithMe returns serials shared with a user by other owners.
func (s *SQLiteStore) GetSharedWithMe(ctx context.Context, userID string) ([]string, error) {
	return s.querySerials(ctx,
		"SELECT serial FROM shared_devices WHERE user_id = ? ORDER BY serial", userID)
}

// ShareDevice grants a user access to a device owned by someone else.
func (s *SQLiteStore) ShareDevice(ctx context.Context, serial, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shared_devices (serial, user_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT (serial, user_id) DO NOTHING`,
		serial, userID, nowRFC3339(),
	)
	if err != nil {
		return fmt.Errorf("sharing device: %w", wrapUnavailable(err))
	}
	return nil
}

// GetWeather retrieves a cached weather payload, (nil, nil) when absent.
func (s *SQLiteStore) GetWeather(ctx context.Context, postal, country string) (*WeatherEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT postal_code, country, fetched_at, payload
		FROM weather_cache WHERE postal_code = ? AND country = ?`,
		postal, country,
	)

	var e WeatherEntry
	var payload string
	if err := row.Scan(&e.PostalCode, &e.Country, &e.FetchedAt, &payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying weather cache: %w", wrapUnavailable(err))
	}
	e.Payload = []byte(payload)
	return &e, nil
}

// UpsertWeather stores a fetched weather payload.
func (s *SQLiteStore) UpsertWeather(ctx context.Context, postal, country string, fetchedAt int64, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO weather_cache (postal_code, country, fetched_at, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (postal_code, country) DO UPDATE SET
			fetched_at = excluded.fetched_at,
			payload = excluded.payload`,
		postal, country, fetchedAt, string(payload),
	)
	if err != nil {
		return fmt.Errorf("upserting weather: %w", wrapUnavailable(err))
	}
	return nil
}

// ListEnabledIntegrations returns every enabled integration config of a
// type, with config blobs decrypted.
func (s *SQLiteStore) ListEnabledIntegrations(ctx context.Context, integrationType string) ([]IntegrationConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, type, enabled, config, updated_at
		FROM integration_configs WHERE type = ? AND enabled = 1
		ORDER BY user_id`,
		integrationType,
	)
	if err != nil {
		return nil, fmt.Errorf("querying integrations: %w", wrapUnavailable(err))
	}
	defer rows.Close()

	var configs []IntegrationConfig
	for rows.Next() {
		var cfg IntegrationConfig
		var enabled int
		var blob, updatedAt string
		if err := rows.Scan(&cfg.UserID, &cfg.Type, &enabled, &blob, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning integration row: %w", err)
		}
		cfg.Enabled = enabled != 0
		cfg.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // Format is controlled

		plain, err := s.enc.Open(blob)
		if err != nil {
			return nil, fmt.Errorf("decrypting integration config for %s/%s: %w", cfg.UserID, cfg.Type, err)
		}
		if err := json.Unmarshal(plain, &cfg.Config); err != nil {
			return nil, fmt.Errorf("parsing integration config for %s/%s: %w", cfg.UserID, cfg.Type, err)
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating integration rows: %w", err)
	}
	return configs, nil
}

// UpsertIntegrationConfig writes an integration config, sealing the blob.
func (s *SQLiteStore) UpsertIntegrationConfig(ctx context.Context, cfg IntegrationConfig) error {
	plain, err := json.Marshal(cfg.Config)
	if err != nil {
		return fmt.Errorf("marshalling integration config: %w", err)
	}
	blob, err := s.enc.Seal(plain)
	if err != nil {
		return fmt.Errorf("sealing integration config: %w", err)
	}

	enabled := 0
	if cfg.Enabled {
		enabled = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO integration_configs (user_id, type, enabled, config, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, type) DO UPDATE SET
			enabled = excluded.enabled,
			config = excluded.config,
			updated_at = excluded.updated_at`,
		cfg.UserID, cfg.Type, enabled, blob, nowRFC3339(),
	)
	if err != nil {
		return fmt.Errorf("upserting integration config: %w", wrapUnavailable(err))
	}
	return nil
}

// ValidateAPIKey resolves a raw key to its authorisation context,
// updating last_used_at. Unknown keys yield (nil, nil).
func (s *SQLiteStore) ValidateAPIKey(ctx context.Context, rawKey string) (*KeyContext, error) {
	hash := HashAPIKey(rawKey)
	row := s.db.QueryRowContext(ctx,
		"SELECT user_id, name, serials, scopes FROM api_keys WHERE key_hash = ?",
		hash,
	)

	var kc KeyContext
	var serialsJSON, scopesJSON string
	if err := row.Scan(&kc.UserID, &kc.Name, &serialsJSON, &scopesJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying api key: %w", wrapUnavailable(err))
	}
	if err := json.Unmarshal([]byte(serialsJSON), &kc.Serials); err != nil {
		return nil, fmt.Errorf("parsing api key serials: %w", err)
	}
	if err := json.Unmarshal([]byte(scopesJSON), &kc.Scopes); err != nil {
		return nil, fmt.Errorf("parsing api key scopes: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		"UPDATE api_keys SET last_used_at = ? WHERE key_hash = ?",
		nowRFC3339(), hash,
	); err != nil {
		// Usage stamping is best effort; the key is still valid.
		return &kc, nil
	}
	return &kc, nil
}

// CreateAPIKey mints a new key and returns the raw value exactly once.
func (s *SQLiteStore) CreateAPIKey(ctx context.Context, userID, name string, serials, scopes []string) (string, *APIKey, error) {
	raw := NewRawAPIKey()
	key := &APIKey{
		KeyHash:    HashAPIKey(raw),
		KeyPreview: PreviewAPIKey(raw),
		UserID:     userID,
		Name:       name,
		Serials:    serials,
		Scopes:     scopes,
		CreatedAt:  time.Now().UTC(),
	}

	serialsJSON, err := json.Marshal(orEmpty(serials))
	if err != nil {
		return "", nil, fmt.Errorf("marshalling serials: %w", err)
	}
	scopesJSON, err := json.Marshal(orEmpty(scopes))
	if err != nil {
		return "", nil, fmt.Errorf("marshalling scopes: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_keys (key_hash, key_preview, user_id, name, serials, scopes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key.KeyHash, key.KeyPreview, userID, name, string(serialsJSON), string(scopesJSON),
		key.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return "", nil, fmt.Errorf("inserting api key: %w", wrapUnavailable(err))
	}
	return raw, key, nil
}

// CountAPIKeys returns the number of stored keys, used for first-run
// seeding.
func (s *SQLiteStore) CountAPIKeys(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM api_keys").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting api keys: %w", wrapUnavailable(err))
	}
	return n, nil
}

// AppendAudit records a control-plane action.
func (s *SQLiteStore) AppendAudit(ctx context.Context, entry AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (actor, action, serial, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		entry.Actor, entry.Action, entry.Serial, entry.Detail, nowRFC3339(),
	)
	if err != nil {
		return fmt.Errorf("appending audit entry: %w", wrapUnavailable(err))
	}
	return nil
}

// Ping verifies connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.HealthCheck(ctx)
}

// Close is a no-op; the database handle is owned by the caller.
func (s *SQLiteStore) Close(context.Context) error {
	return nil
}

// querySerials runs a single-column serial query.
func (s *SQLiteStore) querySerials(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying serials: %w", wrapUnavailable(err))
	}
	defer rows.Close()

	var serials []string
	for rows.Next() {
		var serial string
		if err := rows.Scan(&serial); err != nil {
			return nil, fmt.Errorf("scanning serial: %w", err)
		}
		serials = append(serials, serial)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating serials: %w", err)
	}
	return serials, nil
}

// scanner matches both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanObject scans an object row in column order
// (object_key, object_revision, object_timestamp, value, updated_at).
func scanObject(row scanner) (*state.Object, error) {
	var obj state.Object
	var valueJSON, updatedAt string
	if err := row.Scan(&obj.Key, &obj.Revision, &obj.Timestamp, &valueJSON, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(valueJSON), &obj.Value); err != nil {
		return nil, fmt.Errorf("parsing object value: %w", err)
	}
	obj.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // Format is controlled
	return &obj, nil
}

// wrapUnavailable folds driver-level connectivity failures into
// ErrUnavailable so callers can branch on the taxonomy.
func wrapUnavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

// nowRFC3339 formats the current UTC time for TEXT timestamp columns.
func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// orEmpty substitutes an empty slice for nil so JSON stays "[]".
func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

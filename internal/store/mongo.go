package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/hearthwire/hearthwire-core/internal/state"
)

// mongoConnectTimeout bounds the initial connection attempt.
const mongoConnectTimeout = 10 * time.Second

// MongoStore implements Store on a remote document store. The original
// deployment backed onto a reactive document database; the core only
// needs plain queries because change fan-out is driven by the in-memory
// cache, not store subscriptions.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	enc    *Encryptor
}

// mongo document shapes. Object values are stored as canonical JSON
// text rather than nested BSON so they round-trip exactly.
type mongoObject struct {
	Serial    string `bson:"serial"`
	Key       string `bson:"object_key"`
	Revision  int64  `bson:"object_revision"`
	Timestamp int64  `bson:"object_timestamp"`
	Value     string `bson:"value"`
	UpdatedAt string `bson:"updated_at"`
}

type mongoEntryKey struct {
	Code      string `bson:"_id"`
	Serial    string `bson:"serial"`
	CreatedAt int64  `bson:"created_at"`
	ExpiresAt int64  `bson:"expires_at"`
	ClaimedBy string `bson:"claimed_by,omitempty"`
	ClaimedAt int64  `bson:"claimed_at,omitempty"`
}

type mongoAPIKey struct {
	KeyHash    string   `bson:"_id"`
	KeyPreview string   `bson:"key_preview"`
	UserID     string   `bson:"user_id"`
	Name       string   `bson:"name"`
	Serials    []string `bson:"serials"`
	Scopes     []string `bson:"scopes"`
	CreatedAt  string   `bson:"created_at"`
	LastUsedAt string   `bson:"last_used_at,omitempty"`
}

// NewMongoStore connects to the document store and prepares indexes.
func NewMongoStore(ctx context.Context, uri, dbName string, enc *Encryptor) (*MongoStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, mongoConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%w: connecting: %w", ErrUnavailable, err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background()) //nolint:errcheck
		return nil, fmt.Errorf("%w: ping: %w", ErrUnavailable, err)
	}

	s := &MongoStore{
		client: client,
		db:     client.Database(dbName),
		enc:    enc,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background()) //nolint:errcheck
		return nil, err
	}
	return s, nil
}

// ensureIndexes creates the compound keys the queries depend on.
func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	indexes := map[string][]mongo.IndexModel{
		"objects": {
			{Keys: bson.D{{Key: "serial", Value: 1}, {Key: "object_key", Value: 1}}, Options: unique},
		},
		"entry_keys": {
			{Keys: bson.D{{Key: "serial", Value: 1}}},
		},
		"device_owners": {
			{Keys: bson.D{{Key: "user_id", Value: 1}}},
		},
		"shared_devices": {
			{Keys: bson.D{{Key: "serial", Value: 1}, {Key: "user_id", Value: 1}}, Options: unique},
		},
		"weather_cache": {
			{Keys: bson.D{{Key: "postal_code", Value: 1}, {Key: "country", Value: 1}}, Options: unique},
		},
		"integration_configs": {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "type", Value: 1}}, Options: unique},
		},
	}

	for coll, models := range indexes {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("creating %s indexes: %w", coll, err)
		}
	}
	return nil
}

// UpsertState unconditionally writes an object document.
func (s *MongoStore) UpsertState(ctx context.Context, serial, key string, revision, timestamp int64, value state.Value) error {
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshalling value: %w", err)
	}

	filter := bson.M{"serial": serial, "object_key": key}
	update := bson.M{"$set": mongoObject{
		Serial:    serial,
		Key:       key,
		Revision:  revision,
		Timestamp: timestamp,
		Value:     string(valueJSON),
		UpdatedAt: nowRFC3339(),
	}}
	_, err = s.db.Collection("objects").UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upserting object: %w", mongoUnavailable(err))
	}
	return nil
}

// GetState retrieves a single object, (nil, nil) when absent.
func (s *MongoStore) GetState(ctx context.Context, serial, key string) (*state.Object, error) {
	var doc mongoObject
	err := s.db.Collection("objects").
		FindOne(ctx, bson.M{"serial": serial, "object_key": key}).
		Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying object: %w", mongoUnavailable(err))
	}
	return doc.toObject()
}

// GetDeviceState retrieves every object for a serial.
func (s *MongoStore) GetDeviceState(ctx context.Context, serial string) (map[string]*state.Object, error) {
	cur, err := s.db.Collection("objects").Find(ctx, bson.M{"serial": serial})
	if err != nil {
		return nil, fmt.Errorf("querying device objects: %w", mongoUnavailable(err))
	}
	defer cur.Close(ctx) //nolint:errcheck

	objects := make(map[string]*state.Object)
	for cur.Next(ctx) {
		var doc mongoObject
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decoding object document: %w", err)
		}
		obj, err := doc.toObject()
		if err != nil {
			return nil, err
		}
		objects[obj.Key] = obj
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterating object documents: %w", err)
	}
	return objects, nil
}

// GenerateEntryKey allocates a fresh pairing code for the serial.
func (s *MongoStore) GenerateEntryKey(ctx context.Context, serial string, ttl time.Duration) (*EntryKey, error) {
	coll := s.db.Collection("entry_keys")
	now := time.Now()

	if _, err := coll.DeleteMany(ctx, bson.M{"serial": serial}); err != nil {
		return nil, fmt.Errorf("removing prior entry keys: %w", mongoUnavailable(err))
	}

	for attempt := 0; attempt < entryCodeAttempts; attempt++ {
		code, err := NewEntryCode()
		if err != nil {
			return nil, err
		}

		doc := mongoEntryKey{
			Code:      code,
			Serial:    serial,
			CreatedAt: now.UnixMilli(),
			ExpiresAt: now.Add(ttl).UnixMilli(),
		}
		if _, err := coll.InsertOne(ctx, doc); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				continue
			}
			return nil, fmt.Errorf("inserting entry key: %w", mongoUnavailable(err))
		}
		return &EntryKey{
			Code:      code,
			Serial:    serial,
			CreatedAt: doc.CreatedAt,
			ExpiresAt: doc.ExpiresAt,
		}, nil
	}

	return nil, ErrExhaustedCodes
}

// GetEntryKey retrieves a pairing code, (nil, nil) when absent.
func (s *MongoStore) GetEntryKey(ctx context.Context, code string) (*EntryKey, error) {
	var doc mongoEntryKey
	err := s.db.Collection("entry_keys").FindOne(ctx, bson.M{"_id": code}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying entry key: %w", mongoUnavailable(err))
	}
	return &EntryKey{
		Code:      doc.Code,
		Serial:    doc.Serial,
		CreatedAt: doc.CreatedAt,
		ExpiresAt: doc.ExpiresAt,
		ClaimedBy: doc.ClaimedBy,
		ClaimedAt: doc.ClaimedAt,
	}, nil
}

// MarkEntryKeyClaimed stamps a code as claimed, idempotent per user.
func (s *MongoStore) MarkEntryKeyClaimed(ctx context.Context, code, userID string, claimedAt int64) error {
	filter := bson.M{
		"_id": code,
		"$or": []bson.M{
			{"claimed_by": bson.M{"$exists": false}},
			{"claimed_by": ""},
			{"claimed_by": userID},
		},
	}
	update := bson.M{"$set": bson.M{"claimed_by": userID, "claimed_at": claimedAt}}
	res, err := s.db.Collection("entry_keys").UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("claiming entry key: %w", mongoUnavailable(err))
	}
	if res.MatchedCount == 0 {
		existing, getErr := s.GetEntryKey(ctx, code)
		if getErr == nil && existing == nil {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// DeleteExpiredEntryKeys removes unclaimed codes past their expiry.
func (s *MongoStore) DeleteExpiredEntryKeys(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.Collection("entry_keys").DeleteMany(ctx, bson.M{
		"$and": []bson.M{
			{"$or": []bson.M{
				{"claimed_by": bson.M{"$exists": false}},
				{"claimed_by": ""},
			}},
			{"expires_at": bson.M{"$lte": now.UnixMilli()}},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("deleting expired entry keys: %w", mongoUnavailable(err))
	}
	return res.DeletedCount, nil
}

// GetDeviceOwner retrieves the owner of a serial, (nil, nil) when unowned.
func (s *MongoStore) GetDeviceOwner(ctx context.Context, serial string) (*Owner, error) {
	var doc struct {
		Serial    string `bson:"_id"`
		UserID    string `bson:"user_id"`
		CreatedAt string `bson:"created_at"`
	}
	err := s.db.Collection("device_owners").FindOne(ctx, bson.M{"_id": serial}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying device owner: %w", mongoUnavailable(err))
	}
	o := &Owner{Serial: doc.Serial, UserID: doc.UserID}
	o.CreatedAt, _ = time.Parse(time.RFC3339, doc.CreatedAt) //nolint:errcheck // Format is controlled
	return o, nil
}

// SetDeviceOwner records ownership, idempotent for the same user.
func (s *MongoStore) SetDeviceOwner(ctx context.Context, serial, userID string) error {
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

	_, err = s.db.Collection("device_owners").InsertOne(ctx, bson.M{
		"_id":        serial,
		"user_id":    userID,
		"created_at": nowRFC3339(),
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrConflict
		}
		return fmt.Errorf("recording device owner: %w", mongoUnavailable(err))
	}
	return nil
}

// ListUserDevices returns the serials owned by a user.
func (s *MongoStore) ListUserDevices(ctx context.Context, userID string) ([]string, error) {
	return s.querySerials(ctx, "device_owners", bson.M{"user_id": userID}, "_id")
}

// GetSharedWithMe returns serials shared with a user by other owners.
func (s *MongoStore) GetSharedWithMe(ctx context.Context, userID string) ([]string, error) {
	return s.querySerials(ctx, "shared_devices", bson.M{"user_id": userID}, "serial")
}

// ShareDevice grants a user access to a device owned by someone else.
func (s *MongoStore) ShareDevice(ctx context.Context, serial, userID string) error {
	filter := bson.M{"serial": serial, "user_id": userID}
	update := bson.M{"$setOnInsert": bson.M{"created_at": nowRFC3339()}}
	_, err := s.db.Collection("shared_devices").UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("sharing device: %w", mongoUnavailable(err))
	}
	return nil
}

// GetWeather retrieves a cached weather payload, (nil, nil) when absent.
func (s *MongoStore) GetWeather(ctx context.Context, postal, country string) (*WeatherEntry, error) {
	var doc struct {
		PostalCode string `bson:"postal_code"`
		Country    string `bson:"country"`
		FetchedAt  int64  `bson:"fetched_at"`
		Payload    string `bson:"payload"`
	}
	err := s.db.Collection("weather_cache").
		FindOne(ctx, bson.M{"postal_code": postal, "country": country}).
		Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying weather cache: %w", mongoUnavailable(err))
	}
	return &WeatherEntry{
		PostalCode: doc.PostalCode,
		Country:    doc.Country,
		FetchedAt:  doc.FetchedAt,
		Payload:    []byte(doc.Payload),
	}, nil
}

// UpsertWeather stores a fetched weather payload.
func (s *MongoStore) UpsertWeather(ctx context.Context, postal, country string, fetchedAt int64, payload []byte) error {
	filter := bson.M{"postal_code": postal, "country": country}
	update := bson.M{"$set": bson.M{"fetched_at": fetchedAt, "payload": string(payload)}}
	_, err := s.db.Collection("weather_cache").UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upserting weather: %w", mongoUnavailable(err))
	}
	return nil
}

// ListEnabledIntegrations returns enabled integrations of a type.
func (s *MongoStore) ListEnabledIntegrations(ctx context.Context, integrationType string) ([]IntegrationConfig, error) {
	cur, err := s.db.Collection("integration_configs").Find(ctx, bson.M{
		"type":    integrationType,
		"enabled": true,
	})
	if err != nil {
		return nil, fmt.Errorf("querying integrations: %w", mongoUnavailable(err))
	}
	defer cur.Close(ctx) //nolint:errcheck

	var configs []IntegrationConfig
	for cur.Next(ctx) {
		var doc struct {
			UserID    string `bson:"user_id"`
			Type      string `bson:"type"`
			Enabled   bool   `bson:"enabled"`
			Config    string `bson:"config"`
			UpdatedAt string `bson:"updated_at"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decoding integration document: %w", err)
		}

		cfg := IntegrationConfig{UserID: doc.UserID, Type: doc.Type, Enabled: doc.Enabled}
		cfg.UpdatedAt, _ = time.Parse(time.RFC3339, doc.UpdatedAt) //nolint:errcheck // Format is controlled

		plain, err := s.enc.Open(doc.Config)
		if err != nil {
			return nil, fmt.Errorf("decrypting integration config for %s/%s: %w", doc.UserID, doc.Type, err)
		}
		if err := json.Unmarshal(plain, &cfg.Config); err != nil {
			return nil, fmt.Errorf("parsing integration config for %s/%s: %w", doc.UserID, doc.Type, err)
		}
		configs = append(configs, cfg)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterating integration documents: %w", err)
	}
	return configs, nil
}

// UpsertIntegrationConfig writes an integration config, sealing the blob.
func (s *MongoStore) UpsertIntegrationConfig(ctx context.Context, cfg IntegrationConfig) error {
	plain, err := json.Marshal(cfg.Config)
	if err != nil {
		return fmt.Errorf("marshalling integration config: %w", err)
	}
	blob, err := s.enc.Seal(plain)
	if err != nil {
		return fmt.Errorf("sealing integration config: %w", err)
	}

	filter := bson.M{"user_id": cfg.UserID, "type": cfg.Type}
	update := bson.M{"$set": bson.M{
		"enabled":    cfg.Enabled,
		"config":     blob,
		"updated_at": nowRFC3339(),
	}}
	_, err = s.db.Collection("integration_configs").UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upserting integration config: %w", mongoUnavailable(err))
	}
	return nil
}

// ValidateAPIKey resolves a raw key, updating last_used_at.
func (s *MongoStore) ValidateAPIKey(ctx context.Context, rawKey string) (*KeyContext, error) {
	hash := HashAPIKey(rawKey)

	var doc mongoAPIKey
	err := s.db.Collection("api_keys").FindOneAndUpdate(ctx,
		bson.M{"_id": hash},
		bson.M{"$set": bson.M{"last_used_at": nowRFC3339()}},
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying api key: %w", mongoUnavailable(err))
	}
	return &KeyContext{
		UserID:  doc.UserID,
		Name:    doc.Name,
		Serials: doc.Serials,
		Scopes:  doc.Scopes,
	}, nil
}

// CreateAPIKey mints a new key and returns the raw value exactly once.
func (s *MongoStore) CreateAPIKey(ctx context.Context, userID, name string, serials, scopes []string) (string, *APIKey, error) {
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

	_, err := s.db.Collection("api_keys").InsertOne(ctx, mongoAPIKey{
		KeyHash:    key.KeyHash,
		KeyPreview: key.KeyPreview,
		UserID:     userID,
		Name:       name,
		Serials:    orEmpty(serials),
		Scopes:     orEmpty(scopes),
		CreatedAt:  key.CreatedAt.Format(time.RFC3339),
	})
	if err != nil {
		return "", nil, fmt.Errorf("inserting api key: %w", mongoUnavailable(err))
	}
	return raw, key, nil
}

// CountAPIKeys returns the number of stored keys.
func (s *MongoStore) CountAPIKeys(ctx context.Context) (int64, error) {
	n, err := s.db.Collection("api_keys").CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("counting api keys: %w", mongoUnavailable(err))
	}
	return n, nil
}

// AppendAudit records a control-plane action.
func (s *MongoStore) AppendAudit(ctx context.Context, entry AuditEntry) error {
	_, err := s.db.Collection("audit_log").InsertOne(ctx, bson.M{
		"actor":      entry.Actor,
		"action":     entry.Action,
		"serial":     entry.Serial,
		"detail":     entry.Detail,
		"created_at": nowRFC3339(),
	})
	if err != nil {
		return fmt.Errorf("appending audit entry: %w", mongoUnavailable(err))
	}
	return nil
}

// Ping verifies connectivity.
func (s *MongoStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// Close disconnects from the document store.
func (s *MongoStore) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnecting: %w", err)
	}
	return nil
}

// querySerials extracts one string field from matching documents.
func (s *MongoStore) querySerials(ctx context.Context, coll string, filter bson.M, field string) ([]string, error) {
	cur, err := s.db.Collection(coll).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", coll, mongoUnavailable(err))
	}
	defer cur.Close(ctx) //nolint:errcheck

	var serials []string
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decoding %s document: %w", coll, err)
		}
		if serial, ok := doc[field].(string); ok {
			serials = append(serials, serial)
		}
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s documents: %w", coll, err)
	}
	return serials, nil
}

// toObject converts a stored document back into a state object.
func (d *mongoObject) toObject() (*state.Object, error) {
	obj := &state.Object{
		Key:       d.Key,
		Revision:  d.Revision,
		Timestamp: d.Timestamp,
	}
	if err := json.Unmarshal([]byte(d.Value), &obj.Value); err != nil {
		return nil, fmt.Errorf("parsing object value: %w", err)
	}
	obj.UpdatedAt, _ = time.Parse(time.RFC3339, d.UpdatedAt) //nolint:errcheck // Format is controlled
	return obj, nil
}

// mongoUnavailable folds driver connectivity failures into ErrUnavailable.
func mongoUnavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

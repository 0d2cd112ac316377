package state

import (
	"strings"
	"time"
)

// Well-known object key prefixes. The prefix identifies the role of an
// object; the suffix is usually the device serial or a user identifier.
const (
	PrefixDevice      = "device."
	PrefixShared      = "shared."
	PrefixLink        = "link."
	PrefixStructure   = "structure."
	PrefixUser        = "user."
	PrefixSchedule    = "schedule."
	PrefixAlertDialog = "device_alert_dialog."
	PrefixWeather     = "weather."
)

// Object is the atomic unit of device state: a revisioned value keyed by
// (serial, object key).
//
// Revision never decreases for a given key. Merged writes take their
// timestamp from the server wall clock; an accepted newer client object
// keeps the revision and timestamp the client claimed.
type Object struct {
	Key       string    `json:"object_key"`
	Revision  int64     `json:"object_revision"`
	Timestamp int64     `json:"object_timestamp"`
	Value     Value     `json:"value,omitempty"`
	UpdatedAt time.Time `json:"-"`
}

// Clone returns a deep copy of the object.
func (o *Object) Clone() *Object {
	if o == nil {
		return nil
	}
	c := *o
	c.Value = CloneValue(o.Value)
	return &c
}

// Ref returns the object's identity triple without its value, the shape
// returned by the object-list endpoint and for no-op writes.
func (o *Object) Ref() *Object {
	return &Object{
		Key:       o.Key,
		Revision:  o.Revision,
		Timestamp: o.Timestamp,
		UpdatedAt: o.UpdatedAt,
	}
}

// IsServerNewer reports whether the server-held object is strictly newer
// than the client's claimed revision and timestamp.
//
// Revision dominates timestamp: the timestamp only breaks revision ties.
func IsServerNewer(server *Object, clientRev, clientTS int64) bool {
	if server == nil {
		return false
	}
	if server.Revision != clientRev {
		return server.Revision > clientRev
	}
	return server.Timestamp > clientTS
}

// KeyType returns the prefix of an object key without the trailing dot,
// e.g. "device" for "device.02AA01AC". Keys without a dot return the
// whole key.
func KeyType(key string) string {
	if i := strings.IndexByte(key, '.'); i >= 0 {
		return key[:i]
	}
	return key
}

// KeySuffix returns the portion of an object key after the first dot,
// usually a serial or user identifier.
func KeySuffix(key string) string {
	if i := strings.IndexByte(key, '.'); i >= 0 {
		return key[i+1:]
	}
	return ""
}

// BucketFor resolves the cache bucket that owns an object key. Device
// scoped objects live under the device serial; user, structure, and
// weather objects live under their own identifier so every device of a
// user observes the same record.
func BucketFor(key, requestSerial string) string {
	switch KeyType(key) {
	case "user", "structure", "weather":
		if suffix := KeySuffix(key); suffix != "" {
			return suffix
		}
	}
	return requestSerial
}

// Package state implements the object-revision state engine.
//
// Device state is a set of revisioned objects keyed by (serial, object
// key). Values are free-form nested mappings exchanged with thermostat
// firmware; partial updates deep-merge into the prior value and the
// revision advances only when the merged value actually changed.
//
// The Service is the authoritative in-memory cache; the persistent store
// trails it asynchronously.
package state

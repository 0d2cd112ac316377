// Package store defines the persistence interface the core consumes and
// its two plug-compatible implementations: an embedded SQLite store and
// a remote MongoDB document store.
//
// The store is deliberately dumb: it persists objects, pairing codes,
// ownership, weather payloads, integration configs, and API keys. All
// merge semantics, revision arithmetic, and derivation rules live above
// it in the state service and its collaborators.
package store

// Package database manages the embedded SQLite connection used by the
// relational state store backend.
//
// It handles connection configuration (WAL mode, busy timeout, single
// writer), schema migrations embedded into the binary, and health checks.
package database

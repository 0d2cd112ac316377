package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Database configuration constants.
const (
	// dirPermissions is the permission mode for the database directory.
	dirPermissions = 0750

	// filePermissions is the permission mode for the database file.
	filePermissions = 0600

	// msPerSecond converts seconds to milliseconds.
	msPerSecond = 1000

	// openTimeout bounds connection verification and pragma setup.
	openTimeout = 5 * time.Second

	// connMaxIdleTime is how long idle connections are kept open.
	connMaxIdleTime = 30 * time.Minute
)

// DB wraps a sql.DB connection with migration support, health checks,
// and proper lifecycle management.
type DB struct {
	*sql.DB
	path string
}

// Config contains database configuration options.
type Config struct {
	// Path is the filesystem path to the SQLite database file.
	// The directory will be created if it doesn't exist.
	Path string

	// WALMode enables Write-Ahead Logging so reads proceed during
	// writes. Recommended: true.
	WALMode bool

	// BusyTimeout is the maximum time to wait for a database lock
	// (seconds) before the driver reports "database is locked".
	BusyTimeout int
}

// Open creates a new database connection: it ensures the directory
// exists, opens the file, pins the pool to SQLite's single-writer
// model, verifies connectivity, and applies the journal pragmas.
func Open(cfg Config) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermissions); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite3", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One writer, kept warm. SQLite serialises writes anyway; a wider
	// pool only manufactures lock contention.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}

	if err := applyPragmas(ctx, sqlDB, cfg); err != nil {
		sqlDB.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, err
	}

	// Owner read/write only. The file exists after the ping, but a
	// pre-existing file may carry wider permissions.
	_ = os.Chmod(cfg.Path, filePermissions) //nolint:errcheck

	return &DB{
		DB:   sqlDB,
		path: cfg.Path,
	}, nil
}

// dsn builds the driver connection string. Lock waiting and foreign
// keys ride the DSN because they are per-connection; journal settings
// are database-wide and applied as pragmas after opening.
func dsn(cfg Config) string {
	params := url.Values{}
	params.Set("_busy_timeout", strconv.Itoa(cfg.BusyTimeout*msPerSecond))
	params.Set("_foreign_keys", "on")
	return "file:" + cfg.Path + "?" + params.Encode()
}

// applyPragmas configures the journal for the configured durability
// trade-off.
func applyPragmas(ctx context.Context, sqlDB *sql.DB, cfg Config) error {
	if !cfg.WALMode {
		return nil
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := sqlDB.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("applying %s: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the database connection gracefully.
func (db *DB) Close() error {
	if db.DB == nil {
		return nil
	}
	if err := db.DB.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// Path returns the filesystem path to the database file.
func (db *DB) Path() string {
	return db.path
}

// HealthCheck verifies the database answers queries. A connection that
// pings but cannot execute (corrupt file, exhausted locks) fails here.
func (db *DB) HealthCheck(ctx context.Context) error {
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	if one != 1 {
		return fmt.Errorf("database health check: unexpected result %d", one)
	}
	return nil
}

// Package storage defines the persistence interface for execution records.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL.
package storage

import (
	"context"
	"time"

	"github.com/jkaninda/codegate/internal/domain"
	"github.com/jkaninda/codegate/internal/security"
)

// Store is the persistence layer. Both backends implement it.
type Store interface {
	// Executions returns the append-only execution record repository.
	Executions() ExecutionStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// ExecutionStore persists execution records. Append-only: records are
// never updated or deleted through this interface.
type ExecutionStore interface {
	security.AuditStore

	// List returns records newest first.
	List(ctx context.Context, filter ListFilter) ([]domain.ExecutionRecord, error)

	// Count returns the number of records matching filter. Limit is ignored.
	Count(ctx context.Context, filter ListFilter) (int64, error)
}

// ListFilter narrows List and Count.
type ListFilter struct {
	ClientID     string    // Empty = every client.
	FailuresOnly bool      // Only unsuccessful executions.
	Since        time.Time // Zero = no lower bound.
	Limit        int       // Default: 100
}

// Config holds storage configuration for driver selection.
type Config struct {
	Driver   string         `json:"driver"` // "sqlite" (default) or "postgres"
	SQLite   SQLiteConfig   `json:"sqlite"`
	Postgres PostgresConfig `json:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string `json:"path,omitempty"` // Database file path. Default: codegate.db
	JournalMode string `json:"journal_mode"`   // "wal" (default), "delete", "truncate", etc.
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN              string `json:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns"`
	MaxIdleConns     int    `json:"max_idle_conns"`
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s"`
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"

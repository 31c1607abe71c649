// Package backend is the database the bound operations run against: a gorm
// connection (SQLite or PostgreSQL), the registry of transactions scripts keep
// open across calls, and the catalog of operation descriptors over both.
package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrUnsupportedDriver is returned by Open for an unknown driver.
var ErrUnsupportedDriver = errors.New("unsupported backend driver")

// Config configures the backend connection.
type Config struct {
	Driver       string // "sqlite" (default) or "postgres".
	DSN          string
	MaxOpenConns int // Default: 10
}

// DB wraps the gorm connection with its dialect.
type DB struct {
	gormDB *gorm.DB
	driver string
	logger *slog.Logger
}

// Open connects to the backend database.
func Open(cfg Config, slogger *slog.Logger) (*DB, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	gormCfg := &gorm.Config{
		Logger: logger.New(slogAdapter{slogger}, logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		dialector = sqlite.Open(sqliteDSN(cfg.DSN))
	case DriverPostgres:
		sqlDB, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("opening pgx connection: %w", err)
		}
		dialector = postgres.New(postgres.Config{Conn: sqlDB})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s backend: %w", driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	sqlDB.SetMaxOpenConns(maxOpen)

	slogger.Info("backend connected",
		slog.String("driver", driver),
		slog.Int("max_open_conns", maxOpen),
	)
	return &DB{gormDB: db, driver: driver, logger: slogger}, nil
}

// sqliteDSN adds a busy timeout so concurrent writers wait instead of failing.
func sqliteDSN(dsn string) string {
	if dsn == "" {
		dsn = "file::memory:?cache=shared"
	}
	if strings.Contains(dsn, "busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)"
}

// GormDB returns the underlying *gorm.DB.
func (d *DB) GormDB() *gorm.DB { return d.gormDB }

// Driver returns "sqlite" or "postgres".
func (d *DB) Driver() string { return d.driver }

// Ping checks the connection for readiness probes.
func (d *DB) Ping(ctx context.Context) error {
	sqlDB, err := d.gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (d *DB) Close() error {
	sqlDB, err := d.gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ReadOnly runs fn inside a transaction the database refuses to write
// through, then rolls it back. SQLite pins the connection and sets
// query_only for the duration; Postgres marks the transaction READ ONLY.
func (d *DB) ReadOnly(ctx context.Context, fn func(tx *gorm.DB) error) error {
	tx := d.gormDB.WithContext(ctx).Begin()
	if tx.Error != nil {
		return fmt.Errorf("begin read-only scope: %w", tx.Error)
	}
	defer tx.Rollback()

	switch d.driver {
	case DriverPostgres:
		if err := tx.Exec("SET TRANSACTION READ ONLY").Error; err != nil {
			return fmt.Errorf("set transaction read only: %w", err)
		}
	default:
		if err := tx.Exec("PRAGMA query_only = ON").Error; err != nil {
			return fmt.Errorf("enable query_only: %w", err)
		}
		// The pragma outlives the transaction, so it must be cleared before
		// the connection returns to the pool, even after a cancelled ctx.
		defer func() {
			if err := tx.WithContext(context.WithoutCancel(ctx)).Exec("PRAGMA query_only = OFF").Error; err != nil {
				d.logger.Error("Failed to clear query_only", "error", err)
			}
		}()
	}
	return fn(tx)
}

// slogAdapter wraps *slog.Logger for gorm's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}

// queryRows runs a row-returning statement and converts the rows to plain maps.
func queryRows(db *gorm.DB, query string, args []any) ([]map[string]any, error) {
	var rows []map[string]any
	if err := db.Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	for _, row := range rows {
		for k, v := range row {
			row[k] = plainValue(v)
		}
	}
	return rows, nil
}

// plainValue converts driver values into JSON-friendly ones.
func plainValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	}
	return v
}

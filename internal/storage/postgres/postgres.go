// Package postgres stores codegate's execution audit records in PostgreSQL
// through GORM over pgx. The SQLite store reuses its models and repository;
// domain types remain ORM-free.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config configures the audit store's PostgreSQL connection and pool.
type Config struct {
	DSN              string
	ApplicationName  string        // Reported in pg_stat_activity. Default: "codegate-audit"
	StatementTimeout time.Duration // Caps every audit query. Default: 5s
	MaxOpenConns     int           // Default: 25
	MaxIdleConns     int           // Default: 5
	ConnMaxLifetime  time.Duration // Default: 30m
	ConnMaxIdleTime  time.Duration // Default: 10m
}

func (c Config) applicationName() string {
	if c.ApplicationName != "" {
		return c.ApplicationName
	}
	return "codegate-audit"
}

func (c Config) statementTimeout() time.Duration {
	if c.StatementTimeout > 0 {
		return c.StatementTimeout
	}
	return 5 * time.Second
}

func (c Config) maxOpen() int {
	if c.MaxOpenConns > 0 {
		return c.MaxOpenConns
	}
	return 25
}

func (c Config) maxIdle() int {
	if c.MaxIdleConns > 0 {
		return c.MaxIdleConns
	}
	return 5
}

func (c Config) maxLifetime() time.Duration {
	if c.ConnMaxLifetime > 0 {
		return c.ConnMaxLifetime
	}
	return 30 * time.Minute
}

func (c Config) maxIdleTime() time.Duration {
	if c.ConnMaxIdleTime > 0 {
		return c.ConnMaxIdleTime
	}
	return 10 * time.Minute
}

// connConfig parses the DSN and tags every session so audit writes are
// identifiable on the server and cannot stall an execution indefinitely.
func (c Config) connConfig() (*pgx.ConnConfig, error) {
	if c.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	cc, err := pgx.ParseConfig(c.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	if cc.RuntimeParams == nil {
		cc.RuntimeParams = map[string]string{}
	}
	if _, set := cc.RuntimeParams["application_name"]; !set || c.ApplicationName != "" {
		cc.RuntimeParams["application_name"] = c.applicationName()
	}
	cc.RuntimeParams["statement_timeout"] = strconv.FormatInt(c.statementTimeout().Milliseconds(), 10)
	return cc, nil
}

// DB wraps a GORM database connection with health check and lifecycle methods.
type DB struct {
	gormDB *gorm.DB
	logger *slog.Logger
}

// Open connects to PostgreSQL, configures the connection pool, and migrates
// the execution record tables.
func Open(cfg Config, slogger *slog.Logger) (*DB, error) {
	cc, err := cfg.connConfig()
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: stdlib.OpenDB(*cc)}), &gorm.Config{
		Logger:      NewGormLogger(slogger),
		NowFunc:     func() time.Time { return time.Now().UTC() },
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.maxOpen())
	sqlDB.SetMaxIdleConns(cfg.maxIdle())
	sqlDB.SetConnMaxLifetime(cfg.maxLifetime())
	sqlDB.SetConnMaxIdleTime(cfg.maxIdleTime())

	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("auto-migrating: %w", err)
	}

	slogger.Info("audit store connected",
		slog.String("driver", "postgres"),
		slog.String("host", cc.Host),
		slog.String("database", cc.Database),
		slog.String("application_name", cc.RuntimeParams["application_name"]),
		slog.Duration("statement_timeout", cfg.statementTimeout()),
		slog.Int("max_open_conns", cfg.maxOpen()),
	)

	return &DB{gormDB: db, logger: slogger}, nil
}

// GormDB returns the underlying *gorm.DB for repository constructors.
func (d *DB) GormDB() *gorm.DB {
	return d.gormDB
}

// Ping checks the database connection for health/readiness probes.
func (d *DB) Ping(ctx context.Context) error {
	sqlDB, err := d.gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database connection pool.
func (d *DB) Close() error {
	sqlDB, err := d.gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// AutoMigrate creates or updates every storage table. The SQLite backend
// shares it.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

// NewGormLogger routes GORM warnings and slow queries through slogger.
func NewGormLogger(slogger *slog.Logger) logger.Interface {
	return logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/codegate/internal/backend"
	"github.com/jkaninda/codegate/internal/bindings"
	"github.com/jkaninda/codegate/internal/config"
	"github.com/jkaninda/codegate/internal/domain"
	"github.com/jkaninda/codegate/internal/executor"
	"github.com/jkaninda/codegate/internal/notification"
	"github.com/jkaninda/codegate/internal/observability"
	"github.com/jkaninda/codegate/internal/sandbox"
	"github.com/jkaninda/codegate/internal/secrets"
	"github.com/jkaninda/codegate/internal/security"
	"github.com/jkaninda/codegate/internal/storage"
	pgstore "github.com/jkaninda/codegate/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/codegate/internal/storage/sqlite"
	"github.com/jkaninda/codegate/internal/workspace"
)

var (
	configPath string
	logFormat  string
)

// SharedComponents holds every initialized subsystem the serve and run
// commands need. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Workspace
	Obs       *observability.Observability
	Alerts    *notification.Dispatcher // nil = anomalies are only logged.

	Backend      *backend.DB
	Transactions *backend.TxRegistry
	Catalog      *backend.Catalog
	Bindings     *bindings.Tree

	Pool     *sandbox.Pool
	Store    storage.Store // nil = audit records are not persisted to a database.
	Security *security.Manager
	Executor *executor.Executor

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// loadConfig reads the config file. A missing default config is not an
// error: every setting has a default.
func loadConfig() (*config.Config, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := resolveSecrets(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readConfig() (*config.Config, error) {
	path := goutils.Env("CODEGATE_CONFIG", configPath)
	if path == "" {
		path = config.DefaultConfigPath()
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

// resolveSecrets replaces env:// and vault:// references in DSNs and API keys.
func resolveSecrets(ctx context.Context, cfg *config.Config) error {
	providers := []secrets.Provider{secrets.NewEnvProvider()}
	if cfg.Secrets != nil && cfg.Secrets.Vault != nil {
		v := cfg.Secrets.Vault
		vp, err := secrets.NewVaultProvider(secrets.VaultConfig{
			Address:       v.Address,
			Token:         v.Token,
			Namespace:     v.Namespace,
			Timeout:       time.Duration(v.TimeoutS) * time.Second,
			TLSSkipVerify: v.TLSSkipVerify,
		})
		if err != nil {
			return fmt.Errorf("initializing vault: %w", err)
		}
		providers = append(providers, vp)
	}
	resolver := secrets.NewResolver(providers...)

	fields := []*string{&cfg.Backend.DSN}
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		fields = append(fields, &cfg.Storage.Postgres.DSN)
	}
	if o := cfg.Observability; o != nil && o.Anomaly != nil && o.Anomaly.Alerts != nil {
		for i := range o.Anomaly.Alerts.Channels {
			ch := &o.Anomaly.Alerts.Channels[i]
			fields = append(fields, &ch.Token, &ch.URL)
		}
	}
	if err := resolver.ResolveAll(ctx, fields...); err != nil {
		return err
	}

	if len(cfg.Server.APIKeys) > 0 {
		keys := make(map[string]string, len(cfg.Server.APIKeys))
		for ref, client := range cfg.Server.APIKeys {
			key, err := resolver.Resolve(ctx, ref)
			if err != nil {
				return fmt.Errorf("api key for client %q: %w", client, err)
			}
			keys[key] = client
		}
		cfg.Server.APIKeys = keys
	}
	return nil
}

// newLogger builds the process logger. Logs always go to stderr so stdout
// stays clean for command output.
func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if logFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// initShared performs the initialization common to serve and run.
// Callers must call sc.Cleanup() when done.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			sc.Cleanup()
		}
	}()

	// Workspace.
	ws, err := initWorkspace(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	sc.Workspace = ws
	if n, err := ws.CleanWorkers(); err != nil {
		logger.Warn("cleaning stale worker directories", slog.String("error", err.Error()))
	} else if n > 0 {
		logger.Info("removed stale worker directories", slog.Int("count", n))
	}
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	// Resolve audit log path from the workspace if not set in config.
	if cfg.Security.AuditLogPath == "" {
		cfg.Security.AuditLogPath = ws.AuditLogPath()
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger, observability.Deployment{
		SandboxMode:   cfg.Sandbox.BackendMode(),
		BackendDriver: cfg.Backend.DriverName(),
		Namespace:     cfg.Bindings.GlobalName(),
	})
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// Anomaly alerts.
	if anomaly := obs.AnomalyOrNil(); anomaly != nil {
		alerts, err := notification.NewFromConfig(cfg.Observability.Anomaly.Alerts, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing alerts: %w", err)
		}
		if alerts != nil {
			anomaly.OnAnomaly(func(a observability.Anomaly) {
				alerts.Enqueue(notification.AnomalyAlert(a))
			})
			sc.Alerts = alerts
		}
	}

	// Backend database and its operation catalog.
	if err := initCatalog(sc); err != nil {
		return nil, err
	}

	// Sandbox pool.
	pool, err := initSandbox(cfg, ws, obs, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing sandbox: %w", err)
	}
	if err := pool.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("starting sandbox: %w", err)
	}
	sc.Pool = pool
	sc.addCleanup(func() {
		if err := pool.Dispose(); err != nil {
			logger.Error("disposing sandbox", slog.String("error", err.Error()))
		}
	})
	logger.Debug("sandbox initialized", slog.String("mode", pool.Mode()))

	// Audit store (optional).
	if cfg.Storage != nil {
		store, err := initStore(cfg, ws, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing storage: %w", err)
		}
		sc.addCleanup(func() { _ = store.Close() })
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrating storage: %w", err)
		}
		sc.Store = store
		logger.Debug("audit store initialized", slog.String("driver", store.Driver()))
	}

	// Security manager with its audit sinks.
	mgr, err := initSecurity(cfg, sc.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing security: %w", err)
	}
	sc.Security = mgr
	sc.addCleanup(func() {
		if err := mgr.Close(); err != nil {
			logger.Error("closing audit sinks", slog.String("error", err.Error()))
		}
	})

	// Executor.
	sc.Executor = executor.New(executor.Options{
		Security:     mgr,
		Bindings:     sc.Bindings,
		Runner:       pool,
		Transactions: sc.Transactions,
		Metrics:      obs.MetricsOrNil(),
		Anomaly:      obs.AnomalyOrNil(),
		Tracer:       obs.TracerOrNil().Tracer(),
		Logger:       logger,
	})
	sc.Catalog.SetCodeMode(func(ctx context.Context, code string, timeoutMS int, readonly bool) (any, error) {
		return sc.Executor.Execute(ctx, domain.ExecutionRequest{
			Code:      code,
			TimeoutMS: timeoutMS,
			Readonly:  readonly,
			ClientID:  bindings.ClientIDFromContext(ctx),
		}), nil
	})

	if h := obs.HealthOrNil(); h != nil {
		h.AddCheck("sandbox", pool.Ready)
		h.AddCheck("backend", sc.Backend.Ping)
		h.AddCheck("audit", mgr.Ping)
	}

	ok = true
	return sc, nil
}

// initWorkspace creates the workspace, resolving the root from config or defaults.
func initWorkspace(cfg *config.Config) (*workspace.Workspace, error) {
	if cfg.DataDir == "" {
		return workspace.Default()
	}
	return workspace.New(cfg.DataDir)
}

// initCatalog opens the backend database and generates the binding tree.
func initCatalog(sc *SharedComponents) error {
	cfg, logger := sc.Config, sc.Logger

	db, err := backend.Open(backend.Config{
		Driver: cfg.Backend.DriverName(),
		DSN:    cfg.Backend.DataSource(),
	}, logger)
	if err != nil {
		return fmt.Errorf("opening backend: %w", err)
	}
	sc.Backend = db
	sc.addCleanup(func() { _ = db.Close() })

	txs := backend.NewTxRegistry(db, logger)
	sc.Transactions = txs
	sc.addCleanup(func() { _ = txs.Close() })

	sc.Catalog = backend.NewCatalog(db, txs)
	tree, err := bindings.Build(sc.Catalog.Descriptors(),
		bindings.WithNamespace(cfg.Bindings.GlobalName()),
		bindings.WithObserver(observability.BindingObserver(sc.Obs.MetricsOrNil())),
		bindings.WithLogger(logger),
	)
	switch {
	case errors.Is(err, bindings.ErrNoBindings):
		// The executor answers every request with a structured failure.
		logger.Warn("no operations available to scripts")
	case err != nil:
		return fmt.Errorf("generating bindings: %w", err)
	}
	sc.Bindings = tree

	logger.Debug("bindings generated",
		slog.String("backend", db.Driver()),
		slog.String("namespace", tree.Namespace()),
		slog.Int("methods", tree.Len()),
	)
	return nil
}

// initSandbox builds the pool for the configured mode. The backend is
// wrapped with metrics and tracing before the pool takes ownership of it.
func initSandbox(cfg *config.Config, ws *workspace.Workspace, obs *observability.Observability, logger *slog.Logger) (*sandbox.Pool, error) {
	sb := cfg.Sandbox
	poolCfg := sandbox.PoolConfig{
		Mode:           sb.BackendMode(),
		MaxConcurrent:  sb.Concurrency(),
		DefaultTimeout: sb.DefaultTimeout(),
		MaxTimeout:     sb.MaxTimeout(),
		Restricted:     sandbox.RestrictedConfig{MaxCallStack: sb.CallStack()},
		Isolated: sandbox.IsolatedConfig{
			Command:      sb.Worker.CommandLine(),
			Warm:         sb.Worker.WarmWorkers(),
			ScratchRoot:  ws.WorkersDir(),
			MaxCallStack: sb.CallStack(),
			Limits: sandbox.ResourceLimits{
				MaxCPUSeconds: sb.Worker.CPUSeconds(),
				MaxMemoryMB:   sb.Worker.MemoryMB(),
			},
		},
	}
	if sb.Worker.LauncherName() == "docker" {
		poolCfg.Isolated.Launcher = sandbox.NewDockerLauncher(sandbox.DockerConfig{
			Image:     sb.Worker.Image,
			CPUCores:  sb.Worker.CPUCores,
			PIDsLimit: sb.Worker.PIDsLimit,
		}, logger)
	}

	inner, err := sandbox.NewBackend(poolCfg, logger)
	if err != nil {
		return nil, err
	}
	var sbx sandbox.Sandbox = inner
	if m, ts := obs.MetricsOrNil(), obs.TracerOrNil(); m != nil || ts != nil {
		sbx = observability.NewInstrumentedSandbox(inner, m, ts)
	}
	return sandbox.NewPoolWithBackend(poolCfg, sbx, logger), nil
}

// initStore creates the appropriate storage backend from config.
func initStore(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (storage.Store, error) {
	driver := cfg.StorageDriverName()

	switch driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, ws, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (storage.Store, error) {
	dbPath := ws.DatabasePath()
	journalMode := "wal"

	if cfg.Storage.SQLite != nil {
		if cfg.Storage.SQLite.Path != "" {
			dbPath = cfg.Storage.SQLite.Path
		}
		if cfg.Storage.SQLite.JournalMode != "" {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        dbPath,
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var dsn string
	if cfg.Storage.Postgres != nil {
		dsn = cfg.Storage.Postgres.DSN
	}

	if envDSN := os.Getenv("CODEGATE_STORAGE_DSN"); envDSN != "" {
		dsn = envDSN
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or CODEGATE_STORAGE_DSN)")
	}

	pgCfg := pgstore.Config{DSN: dsn}
	if cfg.Storage.Postgres != nil {
		pgCfg.MaxOpenConns = cfg.Storage.Postgres.MaxOpenConns
		pgCfg.MaxIdleConns = cfg.Storage.Postgres.MaxIdleConns
		pgCfg.ConnMaxLifetime = time.Duration(cfg.Storage.Postgres.ConnMaxLifetimeS) * time.Second
		pgCfg.ApplicationName = cfg.Storage.Postgres.ApplicationName
		pgCfg.StatementTimeout = time.Duration(cfg.Storage.Postgres.StatementTimeoutMS) * time.Millisecond
	}

	pgDB, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	return pgstore.NewStore(pgDB), nil
}

// initSecurity creates the security manager. Records go to the log always,
// to the JSONL file when configured, and to the audit store when present.
func initSecurity(cfg *config.Config, store storage.Store, logger *slog.Logger) (*security.Manager, error) {
	var recorders []security.Recorder
	if path := cfg.Security.AuditLogPath; path != "" {
		al, err := security.NewAuditLogger(path)
		if err != nil {
			return nil, fmt.Errorf("opening audit log %s: %w", path, err)
		}
		recorders = append(recorders, al)
	}
	if store != nil {
		recorders = append(recorders, security.NewStoreRecorder(store.Executions()))
	}

	return security.NewManager(security.Config{
		MaxCodeLength:  cfg.Security.CodeLimit(),
		RateLimit:      cfg.Security.RateLimit(),
		MaxResultBytes: cfg.Security.ResultLimit(),
		PreviewChars:   cfg.Security.PreviewLimit(),
	}, logger, recorders...), nil
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/codegate/internal/gateway"
	"github.com/jkaninda/codegate/internal/gateway/httpapi"
	"github.com/jkaninda/codegate/internal/mcpserver"
	"github.com/jkaninda/codegate/internal/scheduler"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and, when enabled, the MCP server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	// Register on both root and serve so that `codegate --port :9090`
	// and `codegate serve --port :9090` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts every configured gateway and the maintenance jobs, then
// blocks until a signal arrives or a gateway fails.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != "" {
		cfg.Server.ListenAddr = servePort
	}
	logger := newLogger(cfg)

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	logger.Info("starting codegate",
		slog.String("version", version),
		slog.String("sandbox_mode", sc.Pool.Mode()),
		slog.String("backend", sc.Backend.Driver()),
		slog.Int("methods", sc.Bindings.Len()),
	)

	cancelJobs, err := startMaintenance(ctx, sc)
	if err != nil {
		return err
	}
	defer cancelJobs()

	if sc.Alerts != nil {
		go sc.Alerts.Run(ctx)
	}

	gateways := buildGateways(sc)
	logger.Info("gateways configured", slog.Int("count", len(gateways)))

	// Start all gateways in goroutines.
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}

	return nil
}

// startMaintenance schedules rate-limit cleanup, the transaction reaper,
// and anomaly window and alert cooldown pruning.
func startMaintenance(ctx context.Context, sc *SharedComponents) (func(), error) {
	cfg := sc.Config

	var schedMetrics *scheduler.Metrics
	if m := sc.Obs.MetricsOrNil(); m != nil {
		schedMetrics = scheduler.NewMetrics(m.Registry)
	}
	sched := scheduler.New(schedMetrics, sc.Logger)

	ttl := cfg.Backend.TxTTL()
	jobs := []scheduler.Job{
		{
			Name: "ratelimit-cleanup",
			Spec: cfg.Security.CleanupSpec(),
			Run: func(context.Context) (int, error) {
				return sc.Security.CleanupRateLimits(), nil
			},
		},
		{
			Name: "transaction-reaper",
			Spec: cfg.Backend.ReapSpec(),
			Run: func(ctx context.Context) (int, error) {
				return sc.Transactions.Reap(ctx, ttl), nil
			},
		},
	}
	if anomaly := sc.Obs.AnomalyOrNil(); anomaly != nil {
		jobs = append(jobs, scheduler.Job{
			Name: "anomaly-prune",
			Spec: "@every 1m",
			Run: func(context.Context) (int, error) {
				return anomaly.Prune(), nil
			},
		})
	}
	if alerts := sc.Alerts; alerts != nil {
		jobs = append(jobs, scheduler.Job{
			Name: "alert-cooldown-prune",
			Spec: "@every 5m",
			Run: func(context.Context) (int, error) {
				return alerts.Prune(), nil
			},
		})
	}
	for _, job := range jobs {
		if err := sched.Add(job); err != nil {
			return nil, fmt.Errorf("scheduling %s: %w", job.Name, err)
		}
	}

	sc.Logger.Debug("maintenance jobs scheduled",
		slog.Int("jobs", len(jobs)),
		slog.String("transaction_ttl", ttl.String()),
	)
	return sched.Start(ctx), nil
}

// buildGateways creates the HTTP API and, when enabled, the MCP server.
func buildGateways(sc *SharedComponents) []gateway.Gateway {
	cfg := sc.Config

	httpCfg := httpapi.Config{
		ListenAddr:    cfg.Server.Addr(),
		EnableDocs:    cfg.Server.EnableDocs,
		APIKeys:       cfg.Server.APIKeys,
		HealthChecker: sc.Obs.HealthOrNil(),
		Metrics:       sc.Obs.MetricsOrNil(),
	}
	if m := sc.Obs.MetricsOrNil(); m != nil {
		httpCfg.MetricsRegistry = m.Registry
		if o := cfg.Observability; o != nil && o.Metrics != nil {
			httpCfg.MetricsPath = o.Metrics.Path
		}
	}
	if ts := sc.Obs.TracerOrNil(); ts != nil {
		httpCfg.Tracer = ts.Tracer()
	}
	api := httpapi.NewGateway(httpCfg, sc.Executor, sc.Logger)
	if sc.Store != nil {
		api.WithExecutionLog(sc.Store.Executions())
	}
	gateways := []gateway.Gateway{api}

	if cfg.MCP != nil && cfg.MCP.Enabled {
		gateways = append(gateways, mcpserver.New(mcpserver.Config{
			Transport:  cfg.MCP.TransportName(),
			ListenAddr: cfg.MCP.Addr(),
			Path:       cfg.MCP.MountPath(),
			ClientID:   cfg.MCP.StdioClientID(),
			APIKeys:    cfg.Server.APIKeys,
		}, sc.Executor, sc.Logger))
	}
	return gateways
}

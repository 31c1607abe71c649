package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jkaninda/codegate/internal/domain"
)

const (
	// HardMaxTimeout is the ceiling applied to every execution, whatever the
	// caller or configuration asks for.
	HardMaxTimeout = 30 * time.Second

	defaultConcurrency = 8
)

// PoolConfig configures the sandbox pool.
type PoolConfig struct {
	Mode           string // ModeRestricted or ModeIsolated. Default: ModeIsolated
	MaxConcurrent  int    // Concurrent executions. Default: 8
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration // Capped at HardMaxTimeout.
	Restricted     RestrictedConfig
	Isolated       IsolatedConfig
}

// Pool owns the configured backend and bounds concurrent executions.
// It satisfies Sandbox itself, so callers never see the backend directly.
type Pool struct {
	cfg    PoolConfig
	logger *slog.Logger
	sem    *semaphore.Weighted

	mu      sync.RWMutex
	backend Sandbox
	state   lifecycle
}

// NewPool builds a pool for cfg.Mode. The backend is not started until Initialize.
func NewPool(cfg PoolConfig, logger *slog.Logger) (*Pool, error) {
	backend, err := NewBackend(cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewPoolWithBackend(cfg, backend, logger), nil
}

// NewBackend builds the backend for cfg.Mode without a pool around it.
// Callers that decorate the backend pass the result to NewPoolWithBackend.
func NewBackend(cfg PoolConfig, logger *slog.Logger) (Sandbox, error) {
	switch cfg.Mode {
	case "", ModeIsolated:
		return NewIsolatedSandbox(cfg.Isolated, logger), nil
	case ModeRestricted:
		return NewRestrictedSandbox(cfg.Restricted, logger), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMode, cfg.Mode)
}

// NewPoolWithBackend wraps an existing backend.
func NewPoolWithBackend(cfg PoolConfig, backend Sandbox, logger *slog.Logger) *Pool {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultConcurrency
	}
	if cfg.MaxTimeout <= 0 || cfg.MaxTimeout > HardMaxTimeout {
		cfg.MaxTimeout = HardMaxTimeout
	}
	if cfg.DefaultTimeout <= 0 || cfg.DefaultTimeout > cfg.MaxTimeout {
		cfg.DefaultTimeout = cfg.MaxTimeout
	}
	cfg.Mode = backend.Mode()
	return &Pool{
		cfg:     cfg,
		logger:  logger,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		backend: backend,
	}
}

// Mode returns the backend mode.
func (p *Pool) Mode() string { return p.cfg.Mode }

// Clamp returns the effective timeout for a requested one. Zero or negative
// requests get the default.
func (p *Pool) Clamp(requested time.Duration) time.Duration {
	switch {
	case requested <= 0:
		return p.cfg.DefaultTimeout
	case requested > p.cfg.MaxTimeout:
		return p.cfg.MaxTimeout
	}
	return requested
}

// Initialize starts the backend. After Dispose it rebuilds it.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == stateReady {
		return nil
	}
	if err := p.backend.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing %s sandbox: %w", p.cfg.Mode, err)
	}
	p.state = stateReady
	p.logger.Info("sandbox pool ready",
		slog.String("mode", p.cfg.Mode),
		slog.Int("max_concurrent", p.cfg.MaxConcurrent),
		slog.Duration("max_timeout", p.cfg.MaxTimeout),
	)
	return nil
}

// Execute runs code in a pool slot. Waiting for a slot counts against the
// timeout.
func (p *Pool) Execute(ctx context.Context, code string, b Bindings, timeout time.Duration) domain.Result {
	p.mu.RLock()
	state := p.state
	p.mu.RUnlock()
	if err := state.err(); err != nil {
		return domain.Failure(err.Error())
	}

	timeout = p.Clamp(timeout)
	start := time.Now()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	err := p.sem.Acquire(waitCtx, 1)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return domain.Failure("Execution cancelled")
		}
		return domain.Failure("Sandbox pool saturated: " + timeoutMessage(timeout))
	}
	defer p.sem.Release(1)

	remaining := timeout - time.Since(start)
	if remaining <= 0 {
		return domain.Failure(timeoutMessage(timeout))
	}
	res := p.backend.Execute(ctx, code, b, remaining)
	if !res.Success && res.Error == timeoutMessage(remaining) {
		res.Error = timeoutMessage(timeout)
	}
	return res
}

// Dispose releases the backend. Safe to call repeatedly or before Initialize.
func (p *Pool) Dispose() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateReady {
		return nil
	}
	p.state = stateDisposed
	if err := p.backend.Dispose(); err != nil {
		return fmt.Errorf("disposing %s sandbox: %w", p.cfg.Mode, err)
	}
	p.logger.Info("sandbox pool disposed", slog.String("mode", p.cfg.Mode))
	return nil
}

// Ready reports whether the pool accepts executions.
func (p *Pool) Ready(context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state.err()
}

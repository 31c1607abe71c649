package sandbox

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/jkaninda/codegate/internal/domain"
)

// RestrictedConfig configures the in-process backend.
type RestrictedConfig struct {
	MaxCallStack int // Script call stack depth. Default: 500
}

// RestrictedSandbox runs scripts in a fresh in-process runtime per call.
// The runtime only exposes language builtins, console, and the bindings
// namespace; it shares the host's memory, so it cannot cap allocation.
type RestrictedSandbox struct {
	cfg    RestrictedConfig
	logger *slog.Logger

	mu    sync.RWMutex
	state lifecycle
}

// NewRestrictedSandbox creates an in-process sandbox.
func NewRestrictedSandbox(cfg RestrictedConfig, logger *slog.Logger) *RestrictedSandbox {
	return &RestrictedSandbox{cfg: cfg, logger: logger}
}

// Mode returns ModeRestricted.
func (s *RestrictedSandbox) Mode() string { return ModeRestricted }

// Initialize marks the sandbox ready.
func (s *RestrictedSandbox) Initialize(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = stateReady
	return nil
}

// Dispose marks the sandbox disposed.
func (s *RestrictedSandbox) Dispose() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateReady {
		s.state = stateDisposed
	}
	return nil
}

// Execute runs code under timeout.
func (s *RestrictedSandbox) Execute(ctx context.Context, code string, b Bindings, timeout time.Duration) domain.Result {
	s.mu.RLock()
	state := s.state
	s.mu.RUnlock()
	if err := state.err(); err != nil {
		return domain.Failure(err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	before := sample()
	start := time.Now()
	res := runScript(ctx, code, b.Manifest(), b.Call, scriptOptions{
		callStack: s.cfg.MaxCallStack,
		timeout:   timeout,
	})
	res.Metrics = before.delta(sample(), start)

	s.logger.DebugContext(ctx, "restricted sandbox execution finished",
		slog.Bool("success", res.Success),
		slog.Float64("wall_time_ms", res.Metrics.WallTimeMS),
	)
	return res
}

// usage is a process-wide resource sample. In-process numbers include
// whatever else the host did meanwhile, so they are approximations.
type usage struct {
	cpu   time.Duration
	alloc uint64
}

func sample() usage {
	var u usage
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err == nil {
		u.cpu = time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	u.alloc = ms.TotalAlloc
	return u
}

func (u usage) delta(after usage, start time.Time) domain.Metrics {
	m := domain.Metrics{WallTimeMS: msSince(start)}
	if after.cpu > u.cpu {
		m.CPUTimeMS = float64((after.cpu - u.cpu).Microseconds()) / 1000
	}
	if after.alloc > u.alloc {
		m.MemoryUsedMB = float64(after.alloc-u.alloc) / (1 << 20)
	}
	return m
}

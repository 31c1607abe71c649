// Package security implements script screening, per-client rate limiting,
// result sanitization, and execution auditing for codegate.
//
// Pattern screening is a defense-in-depth layer. The sandbox backends are the
// isolation boundary; nothing here should be read as a guarantee on its own.
package security

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jkaninda/codegate/internal/ratelimit"
)

// Sentinel errors for security enforcement.
var (
	ErrValidationFailed = errors.New("code validation failed")
	ErrRateLimited      = ratelimit.ErrRateLimited
)

// AnonymousClient is the client id used when a caller does not identify itself.
const AnonymousClient = "anonymous"

// Config holds the Manager's limits. Zero values select the defaults.
type Config struct {
	MaxCodeLength   int              // Characters. Default: 50000
	RateLimit       int              // Executions per client per window. Default: 60
	RateLimitWindow time.Duration    // Default: one minute
	MaxResultBytes  int              // Serialized result cap. Default: 1 MiB
	PreviewChars    int              // Code preview budget in records. Default: 200
	Clock           func() time.Time // nil = time.Now
}

func (c Config) withDefaults() Config {
	if c.MaxCodeLength <= 0 {
		c.MaxCodeLength = 50000
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 60
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = time.Minute
	}
	if c.MaxResultBytes <= 0 {
		c.MaxResultBytes = 1 << 20
	}
	if c.PreviewChars <= 0 {
		c.PreviewChars = 200
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Manager owns the rate-limit state and the audit sinks. It is constructed
// once at startup and closed at shutdown; there is no package-level state.
type Manager struct {
	cfg       Config
	limiter   *ratelimit.Limiter
	recorders []Recorder
	logger    *slog.Logger
}

// NewManager creates a security manager. Records passed to AuditLog are
// logged through logger and then appended to every recorder.
func NewManager(cfg Config, logger *slog.Logger, recorders ...Recorder) *Manager {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg: cfg,
		limiter: ratelimit.NewLimiter(ratelimit.Config{
			Limit:  cfg.RateLimit,
			Window: cfg.RateLimitWindow,
			Clock:  cfg.Clock,
		}),
		recorders: recorders,
		logger:    logger,
	}
}

// CheckRateLimit records one execution for the client and reports whether
// it is within quota.
func (m *Manager) CheckRateLimit(clientID string) bool {
	return m.limiter.Allow(normalizeClient(clientID)) == nil
}

// RateLimitRemaining returns the client's remaining quota for the current window.
func (m *Manager) RateLimitRemaining(clientID string) int {
	return m.limiter.Remaining(normalizeClient(clientID))
}

// RateLimit returns the configured per-window quota.
func (m *Manager) RateLimit() int {
	return m.cfg.RateLimit
}

// CleanupRateLimits removes expired client windows and returns how many were dropped.
func (m *Manager) CleanupRateLimits() int {
	n := m.limiter.Cleanup()
	if n > 0 {
		m.logger.Debug("rate limit windows cleaned up", slog.Int("removed", n))
	}
	return n
}

// Close closes every recorder. Errors are joined.
func (m *Manager) Close() error {
	var errs []error
	for _, r := range m.recorders {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Ping reports whether the recorders are healthy. Used by readiness probes.
func (m *Manager) Ping(ctx context.Context) error {
	for _, r := range m.recorders {
		if p, ok := r.(interface{ Ping(context.Context) error }); ok {
			if err := p.Ping(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

func normalizeClient(clientID string) string {
	if clientID == "" {
		return AnonymousClient
	}
	return clientID
}

// Package httpapi implements the HTTP API gateway for codegate.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-client rate limiting, enforced by the executor
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/codegate/internal/domain"
	"github.com/jkaninda/codegate/internal/executor"
	"github.com/jkaninda/codegate/internal/observability"
	"github.com/jkaninda/codegate/internal/security"
	"github.com/jkaninda/codegate/internal/storage"
)

const (
	defaultMaxRequestSize = 1 << 20 // 1 MB

	remainingHdr = "X-RateLimit-Remaining"
	limitHdr     = "X-RateLimit-Limit"
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Executor is the execution surface the gateway serves. *executor.Executor satisfies it.
type Executor interface {
	Execute(ctx context.Context, req domain.ExecutionRequest) domain.Result
	Validate(code string) domain.ValidationResult
	Bindings(readonly bool) executor.Catalog
	RateLimit(client string) executor.RateLimitStatus
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key -> client ID. Empty = unauthenticated.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config     Config
	exec       Executor
	executions storage.ExecutionStore // nil = execution history endpoint disabled.
	logger     *slog.Logger
	server     *http.Server

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, exec Executor, logger *slog.Logger) *Gateway {
	size := cfg.MaxRequestSize
	if size <= 0 {
		size = defaultMaxRequestSize
	}
	cfg.MaxRequestSize = size
	return &Gateway{
		config: cfg,
		exec:   exec,
		logger: logger,
		okapi:  okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithExecutionLog exposes persisted execution records at GET /v1/executions.
func (g *Gateway) WithExecutionLog(store storage.ExecutionStore) *Gateway {
	g.executions = store
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "codegate",
			Version: observability.Version,
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return http.MaxBytesHandler(next, g.config.MaxRequestSize)
	})
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/execute", g.handleExecute,
		okapi.DocSummary("Execute a script against the bindings"),
		okapi.DocTags("Execution"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(domain.Result{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, domain.Result{}),
	)
	g.group.Post("/validate", g.handleValidate,
		okapi.DocSummary("Screen a script without executing it"),
		okapi.DocTags("Execution"),
		okapi.DocRequestBody(ValidateRequest{}),
		okapi.DocResponse(domain.ValidationResult{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/bindings", g.handleBindings,
		okapi.DocSummary("List the binding groups and methods scripts can call"),
		okapi.DocTags("Bindings"),
		okapi.DocResponse(executor.Catalog{}),
	)
	g.group.Get("/ratelimit", g.handleRateLimit,
		okapi.DocSummary("Report the caller's remaining execution quota"),
		okapi.DocTags("Execution"),
		okapi.DocResponse(executor.RateLimitStatus{}),
	)
	if g.executions != nil {
		g.group.Get("/executions", g.handleExecutions,
			okapi.DocSummary("List the caller's recent execution records"),
			okapi.DocTags("Execution"),
			okapi.DocResponse([]domain.ExecutionRecord{}),
			okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
		)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// ExecuteRequest is the JSON body for POST /v1/execute.
type ExecuteRequest struct {
	Code      string `json:"code"`
	TimeoutMS int    `json:"timeoutMs,omitempty"`
	Readonly  bool   `json:"readonly,omitempty"`
}

// ValidateRequest is the JSON body for POST /v1/validate.
type ValidateRequest struct {
	Code string `json:"code"`
}

// handleExecute always answers with a Result body. Rate-limit rejections
// use 429; every other outcome, including script failures, is 200.
func (g *Gateway) handleExecute(c *okapi.Context) error {
	clientID := c.GetString("clientID")

	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	res := g.exec.Execute(c.Context(), domain.ExecutionRequest{
		Code:      req.Code,
		TimeoutMS: req.TimeoutMS,
		Readonly:  req.Readonly,
		ClientID:  clientID,
	})

	status := g.exec.RateLimit(clientID)
	h := c.Response().Header()
	h.Set(limitHdr, strconv.Itoa(status.Limit))
	h.Set(remainingHdr, strconv.Itoa(status.Remaining))

	g.logger.Info("http execute",
		slog.String("client_id", clientID),
		slog.Bool("readonly", req.Readonly),
		slog.Bool("success", res.Success),
	)

	if executor.IsRateLimited(res) {
		return c.JSON(http.StatusTooManyRequests, res)
	}
	return c.OK(res)
}

func (g *Gateway) handleValidate(c *okapi.Context) error {
	var req ValidateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	return c.OK(g.exec.Validate(req.Code))
}

func (g *Gateway) handleBindings(c *okapi.Context) error {
	readonly, _ := strconv.ParseBool(c.Request().URL.Query().Get("readonly"))
	return c.OK(g.exec.Bindings(readonly))
}

func (g *Gateway) handleRateLimit(c *okapi.Context) error {
	return c.OK(g.exec.RateLimit(c.GetString("clientID")))
}

func (g *Gateway) handleExecutions(c *okapi.Context) error {
	q := c.Request().URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	failures, _ := strconv.ParseBool(q.Get("failures"))

	records, err := g.executions.List(c.Context(), storage.ListFilter{
		ClientID:     c.GetString("clientID"),
		FailuresOnly: failures,
		Limit:        min(max(limit, 0), 500),
	})
	if err != nil {
		g.logger.Error("listing executions failed", slog.String("error", err.Error()))
		return c.AbortServiceUnavailable("execution log unavailable")
	}
	return c.OK(records)
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate resolves the client ID. With API keys configured, the key
// from "Authorization: Bearer" or X-API-Key selects it; without keys the
// caller names itself through X-Client-ID.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		clientID, ok := security.ClientFromRequest(g.config.APIKeys, c.Request().Header)
		if !ok {
			if security.PresentedAPIKey(c.Request().Header) == "" {
				return c.AbortUnauthorized("missing API key")
			}
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("clientID", clientID)
		return next(c)
	}
}

// Package mcpserver exposes the execution surface as MCP tools over stdio
// or streamable HTTP.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/codegate/internal/domain"
	"github.com/jkaninda/codegate/internal/executor"
	"github.com/jkaninda/codegate/internal/gateway"
	"github.com/jkaninda/codegate/internal/observability"
	"github.com/jkaninda/codegate/internal/security"
)

// Transports.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Tool names.
const (
	ToolExecute  = "execute_code"
	ToolValidate = "validate_code"
	ToolBindings = "list_bindings"
)

// Executor is the execution surface served as tools. *executor.Executor satisfies it.
type Executor interface {
	Execute(ctx context.Context, req domain.ExecutionRequest) domain.Result
	Validate(code string) domain.ValidationResult
	Bindings(readonly bool) executor.Catalog
}

// Config configures the MCP server.
type Config struct {
	Transport  string            // "stdio" or "http".
	ListenAddr string            // HTTP transport only.
	Path       string            // HTTP mount path.
	ClientID   string            // Client attributed to stdio sessions.
	APIKeys    map[string]string // HTTP transport only. Empty = unauthenticated.
}

type clientKey struct{}

// Server serves the execution tools. It implements gateway.Gateway.
type Server struct {
	cfg    Config
	exec   Executor
	logger *slog.Logger
	mcp    *server.MCPServer

	stdin  io.Reader
	stdout io.Writer

	mu      sync.Mutex
	httpSrv *http.Server
	cancel  context.CancelFunc
}

var _ gateway.Gateway = (*Server)(nil)

// New creates an MCP server with the execution tools registered.
func New(cfg Config, exec Executor, logger *slog.Logger) *Server {
	if cfg.Transport == "" {
		cfg.Transport = TransportStdio
	}
	if cfg.Path == "" {
		cfg.Path = "/mcp"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "mcp"
	}

	s := &Server{
		cfg:    cfg,
		exec:   exec,
		logger: logger,
		stdin:  os.Stdin,
		stdout: os.Stdout,
	}
	s.mcp = server.NewMCPServer("codegate", observability.Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions(instructions(exec.Bindings(false).Namespace)),
	)
	s.registerTools()
	return s
}

// WithIO replaces the stdio transport streams.
func (s *Server) WithIO(r io.Reader, w io.Writer) *Server {
	s.stdin, s.stdout = r, w
	return s
}

func instructions(namespace string) string {
	if namespace == "" {
		namespace = "db"
	}
	return fmt.Sprintf("Run JavaScript with %s. Every bound operation is exposed on the %q global "+
		"and returns a promise; the script's return value is the result. Call list_bindings first, "+
		"or %s.help() inside a script, to see the available groups.", ToolExecute, namespace, namespace)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool(ToolExecute,
		mcp.WithDescription("Execute a JavaScript snippet in a sandbox against the bound operations. "+
			"Use await for bound calls and return the value you want back."),
		mcp.WithString("code", mcp.Required(), mcp.Description("Script body. The last returned value is the result.")),
		mcp.WithNumber("timeoutMs", mcp.Description("Execution timeout in milliseconds, clamped to the server maximum.")),
		mcp.WithBoolean("readonly", mcp.Description("Hide write operations from the script.")),
	), s.handleExecute)

	s.mcp.AddTool(mcp.NewTool(ToolValidate,
		mcp.WithDescription("Screen a script for disallowed constructs without executing it."),
		mcp.WithString("code", mcp.Required(), mcp.Description("Script body to check.")),
	), s.handleValidate)

	s.mcp.AddTool(mcp.NewTool(ToolBindings,
		mcp.WithDescription("List the binding groups and methods available to scripts."),
		mcp.WithBoolean("readonly", mcp.Description("Show the readonly view.")),
	), s.handleBindings)
}

func (s *Server) clientID(ctx context.Context) string {
	if id, ok := ctx.Value(clientKey{}).(string); ok && id != "" {
		return id
	}
	return s.cfg.ClientID
}

func (s *Server) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := req.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	client := s.clientID(ctx)
	res := s.exec.Execute(ctx, domain.ExecutionRequest{
		Code:      code,
		TimeoutMS: int(req.GetFloat("timeoutMs", 0)),
		Readonly:  req.GetBool("readonly", false),
		ClientID:  client,
	})

	s.logger.InfoContext(ctx, "mcp execute",
		slog.String("client_id", client),
		slog.Bool("success", res.Success),
	)

	out, err := jsonResult(res)
	if err != nil {
		return nil, err
	}
	out.IsError = !res.Success
	return out, nil
}

func (s *Server) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := req.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(s.exec.Validate(code))
}

func (s *Server) handleBindings(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.exec.Bindings(req.GetBool("readonly", false)))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding tool result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// Start serves the configured transport until ctx is canceled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	switch s.cfg.Transport {
	case TransportStdio:
		return s.serveStdio(ctx)
	case TransportHTTP:
		return s.serveHTTP(ctx)
	default:
		return fmt.Errorf("unsupported mcp transport: %s", s.cfg.Transport)
	}
}

func (s *Server) serveStdio(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))

	s.logger.Info("mcp server starting", slog.String("transport", TransportStdio))
	err := stdio.Listen(context.WithValue(ctx, clientKey{}, s.cfg.ClientID), s.stdin, s.stdout)
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) serveHTTP(ctx context.Context) error {
	handler := server.NewStreamableHTTPServer(s.mcp, server.WithEndpointPath(s.cfg.Path))

	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, s.authenticate(handler))

	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("mcp server starting",
		slog.String("transport", TransportHTTP),
		slog.String("addr", s.cfg.ListenAddr),
		slog.String("path", s.cfg.Path),
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// authenticate attaches the resolved client to the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID, ok := security.ClientFromRequest(s.cfg.APIKeys, r.Header)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), clientKey{}, clientID)))
	})
}

// Stop shuts down the transport, draining in-flight HTTP requests.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, cancel := s.httpSrv, s.cancel
	s.mu.Unlock()

	s.logger.Info("mcp server stopping")
	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	if cancel != nil {
		cancel()
	}
	return err
}

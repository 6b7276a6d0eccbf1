package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/metaorcha/metaorcha/internal/hub"
	"github.com/metaorcha/metaorcha/internal/ratelimit"
	"github.com/metaorcha/metaorcha/internal/service/workflows"
	"github.com/metaorcha/metaorcha/internal/storage"
)

// Server is the MetaOrcha HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	workflows  *workflows.Service
	logger     *slog.Logger
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, MCPServer, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	Workflows *workflows.Service
	Hub       *hub.Hub
	Store     storage.Store
	Logger    *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter     ratelimit.Limiter
	MCPServer   *mcpserver.MCPServer
	OpenAPISpec []byte // Embedded OpenAPI YAML.

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	CORSAllowedOrigins  []string
	StoreKind           string
	GatewayConfigured   bool
	Keepalive           time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Workflows:           cfg.Workflows,
		Hub:                 cfg.Hub,
		Store:               cfg.Store,
		StoreKind:           cfg.StoreKind,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		GatewayConfigured:   cfg.GatewayConfigured,
		Keepalive:           cfg.Keepalive,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	// Only run-starting endpoints are rate limited; streams and lookups are cheap.
	submitRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, cfg.Logger)

	mux := http.NewServeMux()

	mux.Handle("POST /api/v1/workflows", submitRL(http.HandlerFunc(h.HandleCreateWorkflow)))
	mux.Handle("POST /api/v1/orchestrate", submitRL(http.HandlerFunc(h.HandleOrchestrate)))
	mux.HandleFunc("GET /api/v1/workflows", h.HandleListWorkflows)
	mux.HandleFunc("GET /api/v1/workflows/{id}", h.HandleGetWorkflow)
	mux.HandleFunc("GET /api/v1/workflows/{id}/stream", h.HandleStreamWorkflow)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Middleware chain (outermost executes first):
	// request ID → CORS → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = corsMiddleware(cfg.CORSAllowedOrigins, handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:   handler,
		workflows: cfg.Workflows,
		logger:    cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests. It returns nil after Shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve accepts connections on ln. It returns nil after Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("http server starting", "addr", ln.Addr().String())
	if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown refuses new runs and waits for in-flight ones to reach their
// terminal event, which also ends their streams. It then closes the HTTP
// server, forcibly once ctx has expired.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	runErr := s.workflows.Drain(ctx)
	httpErr := s.httpServer.Shutdown(ctx)
	if httpErr != nil {
		_ = s.httpServer.Close()
	}
	return errors.Join(runErr, httpErr)
}

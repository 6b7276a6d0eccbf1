package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/metaorcha/metaorcha/api"
	"github.com/metaorcha/metaorcha/internal/config"
	"github.com/metaorcha/metaorcha/internal/gateway"
	"github.com/metaorcha/metaorcha/internal/hub"
	"github.com/metaorcha/metaorcha/internal/mcp"
	"github.com/metaorcha/metaorcha/internal/orchestrator"
	"github.com/metaorcha/metaorcha/internal/ratelimit"
	"github.com/metaorcha/metaorcha/internal/server"
	"github.com/metaorcha/metaorcha/internal/service/workflows"
	"github.com/metaorcha/metaorcha/internal/storage"
	"github.com/metaorcha/metaorcha/internal/telemetry"
	"github.com/metaorcha/metaorcha/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		return 1
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	slog.Info("metaorcha starting", "version", version, "port", cfg.Port, "store", cfg.Store)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	store, err := storage.Open(ctx, storage.Options{
		Kind:        cfg.Store,
		DatabaseURL: cfg.DatabaseURL,
		NotifyURL:   cfg.NotifyURL,
		SQLitePath:  cfg.SQLitePath,
		Migrations:  migrations.FS,
	}, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	h := hub.New(store, cfg.RunRetention, logger)
	emitter := orchestrator.NewEmitter(newCompleter(cfg, logger), cfg.PhasePacing, logger)
	svc := workflows.New(h, emitter, logger)

	limiter, err := newLimiter(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	defer func() { _ = limiter.Close() }()

	mcpSrv := mcp.New(svc, h, store, logger, version)

	srv := server.New(server.ServerConfig{
		Workflows:           svc,
		Hub:                 h,
		Store:               store,
		Logger:              logger,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		OpenAPISpec:         api.OpenAPISpec,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		CORSAllowedOrigins:  cfg.CORSAllowedOrigins,
		StoreKind:           cfg.Store,
		GatewayConfigured:   cfg.GatewayConfigured(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.Start(gctx) })
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		// Runs get the whole budget to reach their terminal events; open
		// streams end with them.
		slog.Info("metaorcha shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
		return nil
	})

	err = g.Wait()
	slog.Info("metaorcha stopped")
	return err
}

// newCompleter returns the HTTP gateway client when a key is configured and
// the canned demo reply otherwise.
func newCompleter(cfg config.Config, logger *slog.Logger) gateway.Completer {
	if cfg.GatewayConfigured() {
		logger.Info("gateway: http", "url", cfg.GatewayURL, "model", cfg.GatewayModel)
		return gateway.NewHTTPCompleter(cfg.GatewayURL, cfg.GatewayAPIKey, cfg.GatewayModel)
	}
	logger.Warn("gateway: no API key, submissions use the demo completer")
	return gateway.StaticCompleter{Content: gateway.DemoContent}
}

func newLimiter(ctx context.Context, cfg config.Config, logger *slog.Logger) (ratelimit.Limiter, error) {
	switch {
	case !cfg.RateLimitEnabled:
		logger.Info("rate limiting: disabled")
		return ratelimit.NoopLimiter{}, nil
	case cfg.RedisURL != "":
		l, err := ratelimit.NewRedisLimiter(ctx, cfg.RedisURL, cfg.RateLimitRPS, cfg.RateLimitBurst)
		if err != nil {
			return nil, err
		}
		logger.Info("rate limiting: redis (shared fixed window)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
		return l, nil
	default:
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
		return ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst), nil
	}
}

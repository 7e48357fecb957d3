// Package main is the entry point for the agentpay API server.
//
// This server exposes the Settlement and Analytics gRPC services and their
// REST equivalents. It is designed for production operation with:
//
//   - Graceful shutdown on SIGTERM/SIGINT
//   - Health and readiness endpoints for load balancers
//   - Prometheus metrics endpoint for monitoring
//   - Structured logging with log levels
//   - Panic recovery in gRPC handlers
//
// The server initializes:
//  1. Configuration (defaults, optional CONFIG_FILE, environment)
//  2. The engine (ledger, stores, journal, orchestrators) via internal/app
//  3. Periodic reconciliation, journal audit and agent directory refresh
//  4. gRPC server with interceptors
//  5. HTTP server for REST, health checks and metrics
//
// Set DEV=true to run against the seeded in-memory ledger.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/kelpejol/agentpay/internal/api"
	"github.com/kelpejol/agentpay/internal/app"
	"github.com/kelpejol/agentpay/internal/audit"
	"github.com/kelpejol/agentpay/internal/config"
	"github.com/kelpejol/agentpay/internal/reconcile"
	"github.com/kelpejol/agentpay/internal/rest"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	cfg, err := config.Load(getEnv("CONFIG_FILE", ""))
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("invalid configuration")
	}
	dev, _ := strconv.ParseBool(getEnv("DEV", "false"))

	logger := setupLogger(cfg.LogLevel, cfg.Environment)
	logger.Info().
		Str("environment", cfg.Environment).
		Str("grpc_port", cfg.GRPCPort).
		Str("http_port", cfg.HTTPPort).
		Bool("devnet", dev).
		Msg("starting agentpay api server")

	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	engine, err := app.New(initCtx, cfg, app.Options{
		Dev:         dev,
		Persistence: true,
		Registerer:  prometheus.DefaultRegisterer,
	}, logger)
	initCancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize engine")
	}
	defer engine.Close()

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	go engine.RefreshAgents(runCtx)

	// The first pass runs before serving so analytics are available at once.
	scheduler := reconcile.NewScheduler(engine.Reconciler, logger, engine.Metrics.ObservePass)
	if err := scheduler.RunOnce(runCtx); err != nil {
		logger.Warn().Err(err).Msg("initial reconciliation failed")
	}
	scheduler.Start(cfg.ReconcileInterval)
	defer scheduler.Stop()

	if engine.Journal != nil {
		auditor := audit.NewAuditor(audit.FromScheduler(scheduler), engine.Journal, audit.DefaultGrace, logger, engine.Metrics.ObserveAudit)
		auditor.StartPeriodicAudit(cfg.ReconcileInterval)
		defer auditor.Stop()
	}

	settlementService := api.NewSettlementService(engine.Signer, engine.Payments, engine.Purchases, engine.Credits, logger)
	analyticsService := api.NewAnalyticsService(scheduler, engine.Agents, logger)

	grpcServer := createGRPCServer(logger)
	settlementService.Register(grpcServer)
	analyticsService.Register(grpcServer)

	// Register reflection service for development (allows grpcurl to work)
	if cfg.IsDevelopment() {
		reflection.Register(grpcServer)
		logger.Info().Msg("grpc reflection enabled")
	}

	go func() {
		listener, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create listener")
		}

		logger.Info().
			Str("port", cfg.GRPCPort).
			Msg("grpc server listening")

		if err := grpcServer.Serve(listener); err != nil {
			logger.Fatal().Err(err).Msg("grpc server failed")
		}
	}()

	handler := rest.NewHandler(settlementService, analyticsService, rest.Options{
		Sessions: sessionsOrNil(engine),
		Ready:    engine.Ready,
		Gatherer: prometheus.DefaultGatherer,
	}, logger)
	httpServer := createHTTPServer(cfg.HTTPPort, handler, cfg.IsDevelopment(), logger)
	go func() {
		logger.Info().
			Str("port", cfg.HTTPPort).
			Msg("http server listening")

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info().
		Str("signal", sig.String()).
		Msg("shutdown signal received, starting graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// In-flight sessions finish before the stores close.
	grpcServer.GracefulStop()
	logger.Info().Msg("grpc server stopped")

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	logger.Info().Msg("http server stopped")

	logger.Info().Msg("shutdown complete")
}

// sessionsOrNil avoids handing rest a typed nil when Redis is not in use.
func sessionsOrNil(engine *app.App) rest.Sessions {
	if engine.Sessions == nil {
		return nil
	}
	return engine.Sessions
}

// setupLogger creates a structured logger with appropriate configuration.
func setupLogger(levelStr, environment string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	// In development, use pretty console output
	// In production, use JSON for structured logging
	var logger zerolog.Logger
	if environment == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Caller().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			Level(level).
			With().
			Timestamp().
			Str("service", "agentpay-api").
			Str("environment", environment).
			Logger()
	}

	return logger
}

// createGRPCServer creates a gRPC server with middleware and interceptors.
func createGRPCServer(logger zerolog.Logger) *grpc.Server {
	recoveryOpts := []grpc_recovery.Option{
		grpc_recovery.WithRecoveryHandler(func(p interface{}) error {
			logger.Error().
				Interface("panic", p).
				Msg("recovered from panic in gRPC handler")
			return status.Errorf(codes.Internal, "internal server error")
		}),
	}

	loggingInterceptor := func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		logger.Info().
			Str("method", info.FullMethod).
			Dur("duration_ms", time.Since(start)).
			Str("code", status.Code(err).String()).
			Err(err).
			Msg("grpc request completed")

		return resp, err
	}

	server := grpc.NewServer(
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			grpc_recovery.UnaryServerInterceptor(recoveryOpts...),
			loggingInterceptor,
		)),

		// Settlement calls can wait the full confirmation timeout, so idle
		// limits are generous.
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     15 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 5 * time.Minute,
			Time:                  5 * time.Minute,
			Timeout:               1 * time.Minute,
		}),

		grpc.MaxRecvMsgSize(4*1024*1024), // 4MB
		grpc.MaxSendMsgSize(4*1024*1024), // 4MB
	)

	return server
}

// createHTTPServer creates an HTTP server for REST, health checks and metrics.
func createHTTPServer(port string, handler *rest.Handler, development bool, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	var h http.Handler = rest.LoggingMiddleware(logger)(mux)
	if development {
		h = rest.CORS(h)
	}

	return &http.Server{
		Addr:        ":" + port,
		Handler:     h,
		ReadTimeout: 10 * time.Second,
		// Long enough for a payment to confirm and the answer to arrive.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
}

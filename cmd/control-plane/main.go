// Package main is the entry point for the runforge-control-plane binary.
// It wires the Run Store, Message Bus, Cluster Scheduler Adapter, Run
// Coordinator, and both stream gateways together and serves the REST,
// gRPC ingest, and metrics surfaces.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Open the Run Store (connects and migrates)
//  4. Build the Message Bus and Prometheus registry
//  5. Build the Cluster Scheduler Adapter (Docker)
//  6. Build the Run Coordinator and start its reaper/GC sweeps
//  7. Start the worker-ingest gRPC server
//  8. Start the HTTP server (REST + SSE + WebSocket + /metrics)
//  9. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	gormlogger "gorm.io/gorm/logger"

	"github.com/runforge/runforge/internal/api"
	"github.com/runforge/runforge/internal/auth"
	"github.com/runforge/runforge/internal/bus"
	"github.com/runforge/runforge/internal/coordinator"
	"github.com/runforge/runforge/internal/csa"
	"github.com/runforge/runforge/internal/ingest"
	"github.com/runforge/runforge/internal/metrics"
	"github.com/runforge/runforge/internal/runstore"
	"github.com/runforge/runforge/internal/sse"
	"github.com/runforge/runforge/internal/wslog"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr       string
	grpcAddr       string
	dbDriver       string
	dbDSN          string
	logLevel       string
	workerImage    string
	workerSecret   string
	jwtPublicKey   string
	jwtIssuer      string
	dockerSocket   string
	launchRetry    time.Duration
	reaperPeriod   time.Duration
	reaperGrace    time.Duration
	cleanupAge     time.Duration
	busBufferSize  int
	sendBufferSize int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "runforge-control-plane",
		Short: "RunForge control plane — run orchestration and streaming",
		Long: `The RunForge control plane schedules agent/team runs as one-shot
worker containers, tracks their durable status, and mediates pub/sub
streaming of results and logs to HTTP and WebSocket clients.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("RUNFORGE_HTTP_ADDR", ":8080"), "HTTP API, SSE, and WebSocket listen address")
	root.PersistentFlags().StringVar(&cfg.grpcAddr, "grpc-addr", envOrDefault("RUNFORGE_GRPC_ADDR", ":9090"), "gRPC listen address for worker ingestion")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("RUNFORGE_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("RUNFORGE_DB_DSN", "./runforge.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("RUNFORGE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.workerImage, "worker-image", envOrDefault("RUNFORGE_WORKER_IMAGE", "runforge/worker:latest"), "Container image launched for each run")
	root.PersistentFlags().StringVar(&cfg.workerSecret, "worker-secret", envOrDefault("RUNFORGE_WORKER_SECRET", ""), "Shared secret workers present over gRPC metadata (empty = disabled, dev only)")
	root.PersistentFlags().StringVar(&cfg.jwtPublicKey, "jwt-public-key", envOrDefault("RUNFORGE_JWT_PUBLIC_KEY", ""), "Path to the PEM-encoded RSA public key used to verify bearer tokens (required)")
	root.PersistentFlags().StringVar(&cfg.jwtIssuer, "jwt-issuer", envOrDefault("RUNFORGE_JWT_ISSUER", "runforge-auth"), "Expected issuer claim on bearer tokens")
	root.PersistentFlags().StringVar(&cfg.dockerSocket, "docker-socket", envOrDefault("RUNFORGE_DOCKER_SOCKET", ""), "Docker socket path (empty = platform default)")
	root.PersistentFlags().DurationVar(&cfg.launchRetry, "launch-retry-budget", envDurationOrDefault("RUNFORGE_LAUNCH_RETRY_BUDGET", 10*time.Second), "Total time budget for retrying a transient worker launch failure")
	root.PersistentFlags().DurationVar(&cfg.reaperPeriod, "reaper-period", envDurationOrDefault("RUNFORGE_REAPER_PERIOD", 30*time.Second), "How often the reaper sweep checks for disappeared workers")
	root.PersistentFlags().DurationVar(&cfg.reaperGrace, "reaper-unknown-grace", envDurationOrDefault("RUNFORGE_REAPER_UNKNOWN_GRACE", 60*time.Second), "How long a worker may report an unknown state before being reaped")
	root.PersistentFlags().DurationVar(&cfg.cleanupAge, "cleanup-completed-age", envDurationOrDefault("RUNFORGE_CLEANUP_COMPLETED_AGE", 10*time.Minute), "Age after which terminal worker resources are garbage-collected")
	root.PersistentFlags().IntVar(&cfg.busBufferSize, "bus-buffer-size", envIntOrDefault("RUNFORGE_BUS_BUFFER_SIZE", bus.DefaultBufferSize), "Per-subscriber ring buffer size on the Message Bus")
	root.PersistentFlags().IntVar(&cfg.sendBufferSize, "sse-send-buffer-size", envIntOrDefault("RUNFORGE_SSE_SEND_BUFFER_SIZE", 64), "Connection-local send buffer size for the result stream gateway (not applied: the gateway always uses sse.DefaultClientSendBuffer, 64)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("runforge-control-plane %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.jwtPublicKey == "" {
		return fmt.Errorf("jwt public key is required — set --jwt-public-key or RUNFORGE_JWT_PUBLIC_KEY")
	}

	logger.Info("starting runforge control plane",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("grpc_addr", cfg.grpcAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Run Store ---
	gormDB, err := runstore.Open(runstore.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to open run store: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	store := runstore.NewGormStore(gormDB)

	// --- 2. Metrics and Message Bus ---
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	b := bus.New(bus.WithBufferSize(cfg.busBufferSize), bus.WithDropCounter(m.BusDropHook()))
	defer b.Close()

	// --- 3. Cluster Scheduler Adapter ---
	adapter, err := csa.NewDockerAdapter(cfg.dockerSocket)
	if err != nil {
		return fmt.Errorf("failed to create cluster scheduler adapter: %w", err)
	}
	defer adapter.Close()

	// --- 4. Run Coordinator ---
	coordCfg := coordinator.DefaultConfig()
	coordCfg.WorkerImage = cfg.workerImage
	coordCfg.LaunchRetryBudget = cfg.launchRetry
	coordCfg.ReaperPeriod = cfg.reaperPeriod
	coordCfg.ReaperUnknownGrace = cfg.reaperGrace
	coordCfg.CleanupCompletedAge = cfg.cleanupAge

	coord := coordinator.New(store, adapter, b, m, logger, coordCfg)

	sched, err := coordinator.NewScheduler(coord)
	if err != nil {
		return fmt.Errorf("failed to create coordinator scheduler: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start coordinator scheduler: %w", err)
	}

	// --- 5. Auth verifier ---
	verifier, err := auth.NewVerifierFromFile(cfg.jwtPublicKey, cfg.jwtIssuer)
	if err != nil {
		return fmt.Errorf("failed to build auth verifier: %w", err)
	}

	// --- 6. Worker ingest gRPC server ---
	ingestSrv := ingest.New(store, b, m, logger, cfg.workerSecret)

	var g errgroup.Group
	g.Go(func() error {
		if err := ingestSrv.ListenAndServe(ctx, cfg.grpcAddr); err != nil {
			logger.Error("ingest server error", zap.Error(err))
			cancel()
			return err
		}
		return nil
	})

	// --- 7. HTTP server ---
	resultStream := sse.New(store, b, logger)
	logStream := wslog.New(store, b, logger)

	router := api.NewRouter(api.RouterConfig{
		Coordinator:  coord,
		Store:        store,
		Verifier:     verifier,
		ResultStream: resultStream,
		LogStream:    logStream,
		Logger:       logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/", router)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{
		Addr:    cfg.httpAddr,
		Handler: mux,
		// Streaming routes hold connections open far longer than a
		// typical request, so there is no overall write timeout here —
		// only the gateways' own keepalive/close logic bounds them.
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
			return err
		}
		return nil
	})

	<-ctx.Done()
	logger.Info("shutting down runforge control plane")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	_ = g.Wait()

	logger.Info("runforge control plane stopped")
	return nil
}

func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return defaultVal
}

// Package main is the entry point for the runforge-worker binary. It is
// the one-shot container image the Cluster Scheduler Adapter launches for
// every run: it reads its invocation contract from the environment, drives
// the runnable to completion, and reports results and logs back to the
// control plane over gRPC.
//
// Startup sequence:
//  1. Read the worker invocation contract from the environment
//  2. Build logger
//  3. Dial the control plane's worker-ingest gRPC server
//  4. Build the runnable resolver and spill store
//  5. Run the harness to completion
//  6. Exit 0 on success, non-zero on failure (advisory only — the
//     terminal status recorded by the control plane is authoritative)
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/runforge/runforge/internal/ingest"
	"github.com/runforge/runforge/internal/runner"
)

type config struct {
	controlPlaneAddr string
	workerSecret     string
	runnableBaseURL  string
	spillDir         string
	logLevel         string
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
		Use:   "runforge-worker",
		Short: "RunForge worker — one-shot run execution container",
		Long: `RunForge worker is launched once per run by the cluster scheduler
adapter. It resolves the runnable, streams its output back to the control
plane, and reports a terminal status exactly once.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.PersistentFlags().StringVar(&cfg.controlPlaneAddr, "control-plane-addr", envOrDefault("RUNFORGE_CONTROL_PLANE_ADDR", "localhost:9090"), "Control plane worker-ingest gRPC address (host:port)")
	root.PersistentFlags().StringVar(&cfg.workerSecret, "worker-secret", envOrDefault("RUNFORGE_WORKER_SECRET", ""), "Shared secret for gRPC authentication (must match the control plane's --worker-secret)")
	root.PersistentFlags().StringVar(&cfg.runnableBaseURL, "runnable-base-url", envOrDefault("RUNFORGE_RUNNABLE_BASE_URL", "http://localhost:8090"), "Base URL of the external agent/team runnable service")
	root.PersistentFlags().StringVar(&cfg.spillDir, "spill-dir", envOrDefault("RUNFORGE_SPILL_DIR", "/tmp/runforge-spill"), "Local directory used to spill oversized aggregated output")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("RUNFORGE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	runCfg, err := configFromEnv()
	if err != nil {
		return fmt.Errorf("invalid worker invocation contract: %w", err)
	}

	if cfg.workerSecret == "" {
		logger.Warn("worker-secret not configured — gRPC connection is unauthenticated (set RUNFORGE_WORKER_SECRET in production)")
	}

	logger.Info("starting runforge worker",
		zap.String("run_id", runCfg.RunID),
		zap.String("runnable_id", runCfg.RunnableID),
		zap.String("runnable_kind", runCfg.RunnableKind),
		zap.String("control_plane_addr", cfg.controlPlaneAddr),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	conn, err := grpc.NewClient(
		cfg.controlPlaneAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	// Attach the shared secret to every outgoing RPC via metadata, the
	// gRPC equivalent of an HTTP Authorization header — the control
	// plane's auth interceptor validates it on every call.
	ctx = metadata.NewOutgoingContext(ctx, metadata.Pairs("worker-secret", cfg.workerSecret))

	client := ingest.NewWorkerIngestClient(conn)
	resolver := runner.NewHTTPResolver(cfg.runnableBaseURL)

	spillStore, err := runner.NewFileSpillStore(cfg.spillDir)
	if err != nil {
		return fmt.Errorf("failed to prepare spill store: %w", err)
	}

	harness := runner.New(client, resolver, spillStore, logger)

	if err := harness.Run(runner.WithConfig(ctx, runCfg)); err != nil {
		logger.Error("run failed", zap.Error(err))
		return err
	}

	logger.Info("runforge worker finished")
	return nil
}

// configFromEnv reads the worker invocation contract named in the base
// system's external interfaces: RUN_ID, RUNNABLE_ID, RUNNABLE_KIND, and
// INPUT_VARIABLES. LOG_CHANNEL and RESULT_CHANNEL are also present in the
// environment but are the control plane's own channel names, derived for
// its internal Message Bus routing — the worker never addresses the bus
// directly, so it does not need to read them.
func configFromEnv() (runner.Config, error) {
	runID := os.Getenv("RUN_ID")
	if runID == "" {
		return runner.Config{}, fmt.Errorf("RUN_ID is required")
	}
	runnableID := os.Getenv("RUNNABLE_ID")
	if runnableID == "" {
		return runner.Config{}, fmt.Errorf("RUNNABLE_ID is required")
	}
	runnableKind := os.Getenv("RUNNABLE_KIND")
	if runnableKind == "" {
		return runner.Config{}, fmt.Errorf("RUNNABLE_KIND is required")
	}

	return runner.Config{
		RunID:          runID,
		RunnableID:     runnableID,
		RunnableKind:   runnableKind,
		InputVariables: os.Getenv("INPUT_VARIABLES"),
	}, nil
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

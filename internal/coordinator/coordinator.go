// Package coordinator implements the Run Coordinator: accepting start
// requests, launching workers via the Cluster Scheduler Adapter with
// bounded retry, transitioning runs to running, handling cancellation, and
// reaping runs whose worker disappeared.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/runforge/runforge/internal/bus"
	"github.com/runforge/runforge/internal/csa"
	"github.com/runforge/runforge/internal/metrics"
	"github.com/runforge/runforge/internal/runstore"
	"github.com/runforge/runforge/internal/streamenv"
)

// Backoff parameters for CSA.Launch retries, mirroring the shape of a
// persistent-connection retry loop: short initial wait, capped growth,
// jittered to avoid thundering-herd retries against the scheduler.
const (
	backoffInitial   = 200 * time.Millisecond
	backoffMax       = 2 * time.Second
	backoffFactor    = 2.0
	jitterFraction   = 0.2
)

// Config holds the tunables named in the base spec's configuration table.
type Config struct {
	LaunchRetryBudget   time.Duration // default 10s
	ReaperPeriod        time.Duration // default 30s
	ReaperUnknownGrace  time.Duration // default 60s
	CleanupCompletedAge time.Duration // default 10m
	WorkerImage         string
	ResourceRequests    csa.Resources
	ResourceLimits      csa.Resources
}

// DefaultConfig returns the configuration defaults recognised by §6 of the
// base spec.
func DefaultConfig() Config {
	return Config{
		LaunchRetryBudget:   10 * time.Second,
		ReaperPeriod:        30 * time.Second,
		ReaperUnknownGrace:  60 * time.Second,
		CleanupCompletedAge: 10 * time.Minute,
	}
}

// Coordinator is the Run Coordinator.
type Coordinator struct {
	store   runstore.Store
	adapter csa.Adapter
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger
	cfg     Config

	// unknownSince tracks, per worker handle, the first time Inspect
	// reported WorkerUnknown. Only the reaper goroutine touches this map
	// (gocron runs it in singleton mode), so no lock is needed.
	unknownSince map[string]time.Time
}

// New constructs a Coordinator. Wrap it with NewScheduler and call
// Scheduler.Start to begin the reaper and garbage-collection sweeps.
func New(store runstore.Store, adapter csa.Adapter, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger, cfg Config) *Coordinator {
	return &Coordinator{
		store:        store,
		adapter:      adapter,
		bus:          b,
		metrics:      m,
		logger:       logger.Named("coordinator"),
		cfg:          cfg,
		unknownSince: make(map[string]time.Time),
	}
}

// Start inserts a pending run, launches its worker with bounded retry, and
// transitions the record to running. It returns as soon as the run is
// scheduled — it never waits for the worker to finish.
func (c *Coordinator) Start(ctx context.Context, kind runstore.Kind, runnableID, inputVariablesJSON string) (*runstore.Run, error) {
	// InsertPending regenerates the UUIDv7 primary key on every call, so a
	// conflict (astronomically unlikely) clears on a bare retry; one retry
	// is enough to make the caller-visible error rate effectively zero
	// without masking a genuinely broken store.
	run, err := c.store.InsertPending(ctx, kind, runnableID, inputVariablesJSON)
	if errors.Is(err, runstore.ErrConflict) {
		run, err = c.store.InsertPending(ctx, kind, runnableID, inputVariablesJSON)
	}
	if err != nil {
		return nil, fmt.Errorf("coordinator: inserting pending run: %w", err)
	}
	if c.metrics != nil {
		c.metrics.RunsActive.Inc()
	}

	spec := csa.Spec{
		// Deriving the request id from the run id (rather than generating a
		// fresh one per call) is what makes every Launch retry for this run
		// idempotent: an attempt that created the worker but still reported
		// an error is matched by the next attempt instead of producing a
		// second worker.
		RequestID:        run.ID.String(),
		RunID:            run.ID.String(),
		Image:            c.cfg.WorkerImage,
		Env:              workerEnv(run),
		ResourceRequests: c.cfg.ResourceRequests,
		ResourceLimits:   c.cfg.ResourceLimits,
	}

	handle, err := c.launchWithRetry(ctx, spec)
	if err != nil {
		now := time.Now().UTC()
		msg := err.Error()
		ok, _ := c.store.Transition(ctx, run.ID, runstore.StatusPending, runstore.StatusFailed, runstore.Patch{
			EndedAt:      &now,
			ErrorMessage: &msg,
		})
		if ok && c.metrics != nil {
			c.metrics.RunsActive.Dec()
		}
		return nil, fmt.Errorf("coordinator: launching worker: %w", err)
	}

	now := time.Now().UTC()
	// If this loses the race (the worker already reported a terminal status
	// faster than we could mark it running), the later status wins and this
	// is not an error — it is the documented "later status wins" rule.
	_, err = c.store.Transition(ctx, run.ID, runstore.StatusPending, runstore.StatusRunning, runstore.Patch{
		StartedAt:    &now,
		WorkerHandle: &handle,
	})
	if err != nil {
		return nil, fmt.Errorf("coordinator: transitioning to running: %w", err)
	}

	return c.store.Fetch(ctx, run.ID)
}

func workerEnv(run *runstore.Run) map[string]string {
	return map[string]string{
		"RUN_ID":          run.ID.String(),
		"RUNNABLE_ID":     run.RunnableID,
		"RUNNABLE_KIND":   string(run.RunnableKind),
		"INPUT_VARIABLES": run.InputVariables,
		"LOG_CHANNEL":     streamenv.ChannelForLogs(run.ID.String()),
		"RESULT_CHANNEL":  streamenv.ChannelForResults(run.ID.String()),
	}
}

// launchWithRetry retries a transient CSA.Launch failure with capped
// exponential backoff and jitter, bounded by cfg.LaunchRetryBudget of total
// wall-clock time.
func (c *Coordinator) launchWithRetry(ctx context.Context, spec csa.Spec) (string, error) {
	deadline := time.Now().Add(c.cfg.LaunchRetryBudget)
	wait := backoffInitial

	for {
		handle, err := c.adapter.Launch(ctx, spec)
		if err == nil {
			return handle, nil
		}

		if !errors.Is(err, csa.ErrTransient) {
			return "", err // permanent error, propagate immediately
		}

		if time.Now().Add(wait).After(deadline) {
			return "", fmt.Errorf("launch retry budget exhausted: %w", err)
		}

		if c.metrics != nil {
			c.metrics.CSALaunchRetries.Inc()
		}

		select {
		case <-time.After(jitter(wait)):
		case <-ctx.Done():
			return "", ctx.Err()
		}

		wait = nextBackoff(wait)
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := time.Duration(float64(cur) * backoffFactor)
	if next > backoffMax {
		next = backoffMax
	}
	return next
}

func jitter(d time.Duration) time.Duration {
	j := time.Duration(rand.Float64() * jitterFraction * float64(d))
	return d + j
}

// Cancel attempts to move a pending or running run to cancelled. A run that
// is already terminal is left untouched.
func (c *Coordinator) Cancel(ctx context.Context, id uuid.UUID) error {
	run, err := c.store.Fetch(ctx, id)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	now := time.Now().UTC()
	msg := "cancelled"
	ok, err := c.store.Transition(ctx, id, run.Status, runstore.StatusCancelled, runstore.Patch{
		EndedAt:      &now,
		ErrorMessage: &msg,
	})
	if err != nil {
		return err
	}
	if !ok {
		// Lost the race against a terminal transition from the worker or
		// the reaper; that status wins, nothing left to do.
		return nil
	}
	if c.metrics != nil {
		c.metrics.RunsActive.Dec()
	}

	if run.WorkerHandle != "" {
		if err := c.adapter.Delete(ctx, run.WorkerHandle); err != nil {
			c.logger.Warn("failed to delete worker after cancel",
				zap.String("run_id", id.String()), zap.Error(err))
		}
	}

	c.publishEnd(id.String(), msg)
	return nil
}

func (c *Coordinator) publishEnd(runID, errMsg string) {
	env := streamenv.End(errMsg)
	payload, err := env.Marshal()
	if err != nil {
		return
	}
	c.bus.Publish(streamenv.ChannelForResults(runID), payload)
}

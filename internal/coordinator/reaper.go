package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/runforge/runforge/internal/csa"
	"github.com/runforge/runforge/internal/runstore"
)

// Scheduler owns the two periodic sweeps a Coordinator needs: the reaper
// (detects crashed workers) and the worker-resource garbage collector
// (deletes old terminal worker resources). Both run in gocron singleton
// mode so a slow sweep is never overlapped by its own next tick.
type Scheduler struct {
	cron gocron.Scheduler
	c    *Coordinator
}

// NewScheduler wraps gocron around c's reaper and GC sweep.
func NewScheduler(c *Coordinator) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("coordinator: creating gocron scheduler: %w", err)
	}
	return &Scheduler{cron: s, c: c}, nil
}

// Start schedules the reaper and GC jobs and starts the underlying gocron
// scheduler. Call once at process startup.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(s.c.cfg.ReaperPeriod),
		gocron.NewTask(func() {
			if err := s.c.Reap(ctx); err != nil {
				s.c.logger.Error("reaper sweep failed", zap.Error(err))
			}
		}),
		gocron.WithTags("reaper"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("coordinator: scheduling reaper: %w", err)
	}

	_, err = s.cron.NewJob(
		gocron.DurationJob(s.c.cfg.CleanupCompletedAge/2+time.Minute),
		gocron.NewTask(func() {
			if err := s.c.GarbageCollectWorkers(ctx); err != nil {
				s.c.logger.Error("worker GC sweep failed", zap.Error(err))
			}
		}),
		gocron.WithTags("worker-gc"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("coordinator: scheduling worker GC: %w", err)
	}

	s.cron.Start()
	s.c.logger.Info("coordinator sweeps started",
		zap.Duration("reaper_period", s.c.cfg.ReaperPeriod),
	)
	return nil
}

// Stop gracefully shuts down the scheduler, waiting for any in-flight sweep
// to finish.
func (s *Scheduler) Stop() error {
	return s.cron.Shutdown()
}

// Reap is the single-writer sweep that moves runs whose worker has
// disappeared to failed. It is the sole fallback writer of terminal status
// for a run whose worker dies without reporting one itself.
func (c *Coordinator) Reap(ctx context.Context) error {
	active, err := c.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: listing active runs: %w", err)
	}

	for _, run := range active {
		if run.Status != runstore.StatusRunning || run.WorkerHandle == "" {
			// Still pending (worker not launched yet, or Start is still
			// inside its retry loop) — not the reaper's concern.
			continue
		}

		state, err := c.adapter.Inspect(ctx, run.WorkerHandle)
		if err != nil {
			c.logger.Warn("inspect failed during reap",
				zap.String("run_id", run.ID.String()), zap.Error(err))
			continue
		}

		switch state {
		case csa.WorkerActive, csa.WorkerSucceeded:
			// Succeeded is left for the worker's own terminal transition;
			// if that transition already landed the run would no longer be
			// active and wouldn't appear in this list.
			delete(c.unknownSince, run.WorkerHandle)
			continue
		case csa.WorkerFailed:
			c.failRun(ctx, run, "worker disappeared")
		case csa.WorkerUnknown:
			first, seen := c.unknownSince[run.WorkerHandle]
			if !seen {
				c.unknownSince[run.WorkerHandle] = time.Now()
				continue
			}
			if time.Since(first) >= c.cfg.ReaperUnknownGrace {
				c.failRun(ctx, run, "worker disappeared")
			}
		}
	}
	return nil
}

func (c *Coordinator) failRun(ctx context.Context, run *runstore.Run, reason string) {
	now := time.Now().UTC()
	msg := reason
	ok, err := c.store.Transition(ctx, run.ID, runstore.StatusRunning, runstore.StatusFailed, runstore.Patch{
		EndedAt:      &now,
		ErrorMessage: &msg,
	})
	if err != nil {
		c.logger.Error("reaper transition failed",
			zap.String("run_id", run.ID.String()), zap.Error(err))
		return
	}
	if !ok {
		// Worker's own terminal transition landed first; nothing to do.
		return
	}

	if c.metrics != nil {
		c.metrics.RunsActive.Dec()
	}
	delete(c.unknownSince, run.WorkerHandle)

	if err := c.adapter.Delete(ctx, run.WorkerHandle); err != nil {
		c.logger.Warn("failed to delete worker after reap",
			zap.String("run_id", run.ID.String()), zap.Error(err))
	}

	c.publishEnd(run.ID.String(), reason)
	c.logger.Info("reaped run", zap.String("run_id", run.ID.String()), zap.String("reason", reason))
}

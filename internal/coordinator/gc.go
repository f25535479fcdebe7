package coordinator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/runforge/runforge/internal/csa"
)

// keepMostRecentPerRun is N in "keeps at most the N most recent [worker
// resources] per run" (base spec §6). A run is only ever launched once
// under normal operation, but a coordinator crash mid-retry can in
// principle leave more than one container behind for the same run id.
const keepMostRecentPerRun = 1

// GarbageCollectWorkers deletes terminal (succeeded/failed) worker
// resources older than cfg.CleanupCompletedAge, keeping at most the N most
// recent per run so a just-finished worker's logs remain inspectable for a
// while via `docker logs`.
func (c *Coordinator) GarbageCollectWorkers(ctx context.Context) error {
	workers, err := c.adapter.List(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: listing workers: %w", err)
	}

	byRun := make(map[string][]csa.WorkerInfo)
	for _, w := range workers {
		if w.State != csa.WorkerSucceeded && w.State != csa.WorkerFailed {
			continue
		}
		byRun[w.RunID] = append(byRun[w.RunID], w)
	}

	cutoff := time.Now().Add(-c.cfg.CleanupCompletedAge)

	for runID, ws := range byRun {
		sort.Slice(ws, func(i, j int) bool { return ws[i].FinishedAt.After(ws[j].FinishedAt) })

		for i, w := range ws {
			if i < keepMostRecentPerRun && !w.FinishedAt.IsZero() && w.FinishedAt.After(cutoff) {
				continue
			}
			if err := c.adapter.Delete(ctx, w.Handle); err != nil {
				c.logger.Warn("worker GC delete failed",
					zap.String("run_id", runID), zap.String("handle", w.Handle), zap.Error(err))
				continue
			}
			c.logger.Debug("garbage collected worker resource",
				zap.String("run_id", runID), zap.String("handle", w.Handle))
		}
	}
	return nil
}

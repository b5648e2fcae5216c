package recovery

import (
	"context"
	"log"
	"time"

	"github.com/agentforge/cyclemgr/internal/events"
	"github.com/agentforge/cyclemgr/internal/observability"
	"github.com/agentforge/cyclemgr/internal/store"
)

// RunCleaner cancels runs that exceeded the maximum runtime and fails their
// tasks so the failed-task requeuer can decide what happens next.
type RunCleaner struct {
	store       store.Store
	recorder    *events.Recorder
	maxDuration time.Duration
}

func NewRunCleaner(s store.Store, rec *events.Recorder, maxDuration time.Duration) *RunCleaner {
	return &RunCleaner{store: s, recorder: rec, maxDuration: maxDuration}
}

// Clean cancels every running run older than the max duration. Each run is
// handled in its own transaction so one bad row does not stall the rest.
func (c *RunCleaner) Clean(ctx context.Context, now time.Time) (int, error) {
	runs, err := c.store.ListRunsByStatus(ctx, store.RunRunning)
	if err != nil {
		return 0, err
	}

	cutoff := now.Add(-c.maxDuration)
	cancelled := 0
	for _, r := range runs {
		if !r.StartedAt.Before(cutoff) {
			continue
		}
		if err := c.cancelRun(ctx, r, now); err != nil {
			log.Printf("Failed to cancel stuck run %s: %v", r.ID, err)
			observability.CleanerErrors.WithLabelValues("run").Inc()
			continue
		}
		cancelled++
	}

	if cancelled > 0 {
		log.Printf("Cancelled %d stuck run(s) past %s", cancelled, c.maxDuration)
	}
	return cancelled, nil
}

func (c *RunCleaner) cancelRun(ctx context.Context, r *store.Run, now time.Time) error {
	return c.store.RunInTransaction(ctx, func(tx store.Store) error {
		changed, err := tx.UpdateRunState(ctx, r.ID, store.RunRunning, store.RunCancelled, &now, "Cancelled due to timeout")
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}

		// The task may already have been requeued by the lease cleaner;
		// only a still-running task is failed here.
		if _, err := tx.UpdateTaskState(ctx, r.TaskID, store.TaskRunning, store.TaskUpdate{
			Status:      store.TaskFailed,
			BlockReason: store.BlockNone,
		}); err != nil {
			return err
		}

		rec := c.recorder.WithStore(tx)
		if _, err := rec.Record(ctx, "run.timeout", "run", r.ID, r.AgentID, map[string]any{
			"taskId":    r.TaskID,
			"startedAt": r.StartedAt,
			"maxMs":     c.maxDuration.Milliseconds(),
		}); err != nil {
			return err
		}
		observability.CleanerTransitions.WithLabelValues("run", "cancelled").Inc()
		return nil
	})
}

package recovery

import (
	"context"
	"log"
	"time"

	"github.com/agentforge/cyclemgr/internal/events"
	"github.com/agentforge/cyclemgr/internal/observability"
	"github.com/agentforge/cyclemgr/internal/store"
)

// LeaseCleaner releases expired task leases so orphaned work re-enters the
// queue. The lease delete and the task requeue commit together.
type LeaseCleaner struct {
	store    store.Store
	recorder *events.Recorder
}

func NewLeaseCleaner(s store.Store, rec *events.Recorder) *LeaseCleaner {
	return &LeaseCleaner{store: s, recorder: rec}
}

// Clean releases every lease expired at now and requeues its task. Returns
// the number of leases released.
func (c *LeaseCleaner) Clean(ctx context.Context, now time.Time) (int, error) {
	expired, err := c.store.ListExpiredLeases(ctx, now)
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	err = c.store.RunInTransaction(ctx, func(tx store.Store) error {
		rec := c.recorder.WithStore(tx)

		ids := make([]string, len(expired))
		for i, l := range expired {
			ids[i] = l.ID
		}
		if _, err := tx.DeleteLeases(ctx, ids); err != nil {
			return err
		}

		for _, l := range expired {
			requeued, err := tx.UpdateTaskState(ctx, l.TaskID, store.TaskRunning, store.TaskUpdate{
				Status:      store.TaskQueued,
				BlockReason: store.BlockNone,
			})
			if err != nil {
				return err
			}
			if !requeued {
				// Task already moved on (finished, blocked elsewhere);
				// releasing the lease is still correct.
				log.Printf("Lease %s expired but task %s is no longer running", l.ID, l.TaskID)
			}
			if _, err := rec.Record(ctx, "lease.expired", "lease", l.ID, l.OwnerAgentID, map[string]any{
				"taskId":    l.TaskID,
				"expiredAt": l.ExpiresAt,
				"requeued":  requeued,
			}); err != nil {
				return err
			}
			observability.CleanerTransitions.WithLabelValues("lease", "released").Inc()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	log.Printf("Released %d expired lease(s)", len(expired))
	return len(expired), nil
}

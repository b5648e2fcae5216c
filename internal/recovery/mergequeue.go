package recovery

import (
	"context"
	"log"
	"time"

	"github.com/agentforge/cyclemgr/internal/events"
	"github.com/agentforge/cyclemgr/internal/observability"
	"github.com/agentforge/cyclemgr/internal/store"
)

// MergeQueueRecoverer returns merge-queue rows with expired claims to pending
// so a crashed Judge does not strand a PR in processing forever.
type MergeQueueRecoverer struct {
	store      store.Store
	recorder   *events.Recorder
	retryDelay time.Duration
}

func NewMergeQueueRecoverer(s store.Store, rec *events.Recorder, retryDelay time.Duration) *MergeQueueRecoverer {
	return &MergeQueueRecoverer{store: s, recorder: rec, retryDelay: retryDelay}
}

// Clean releases every expired merge claim and schedules the next attempt
// after the retry delay. Returns the number of claims released.
func (c *MergeQueueRecoverer) Clean(ctx context.Context, now time.Time) (int, error) {
	expired, err := c.store.ListExpiredMergeClaims(ctx, now)
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	ids := make([]string, len(expired))
	entries := make([]map[string]any, len(expired))
	for i, e := range expired {
		ids[i] = e.ID
		entries[i] = map[string]any{
			"id":       e.ID,
			"taskId":   e.TaskID,
			"prNumber": e.PRNumber,
			"owner":    e.ClaimOwner,
		}
	}

	nextAttempt := now.Add(c.retryDelay)
	released, err := c.store.ReleaseMergeClaims(ctx, ids, nextAttempt)
	if err != nil {
		return 0, err
	}

	if _, err := c.recorder.Record(ctx, "cycle.merge_queue_claim_recovered", "merge_queue", "", "", map[string]any{
		"count":         released,
		"entries":       entries,
		"nextAttemptAt": nextAttempt,
	}); err != nil {
		return released, err
	}
	observability.CleanerTransitions.WithLabelValues("merge_queue", "released").Add(float64(released))

	log.Printf("Recovered %d expired merge-queue claim(s)", released)
	return released, nil
}

package recovery

import (
	"context"
	"log"
	"time"

	"github.com/agentforge/cyclemgr/internal/events"
	"github.com/agentforge/cyclemgr/internal/failure"
	"github.com/agentforge/cyclemgr/internal/observability"
	"github.com/agentforge/cyclemgr/internal/store"
)

// FailedTaskRequeuer decides what happens to tasks that failed and sat out
// their cooldown: PR-review tasks go back to the Judge, recoverable
// verification and policy failures get their task definition adjusted and
// requeued, exhausted or repeating failures escalate to blocked, and
// everything else simply retries.
type FailedTaskRequeuer struct {
	store    store.Store
	recorder *events.Recorder
	cfg      Config
}

func NewFailedTaskRequeuer(s store.Store, rec *events.Recorder, cfg Config) *FailedTaskRequeuer {
	return &FailedTaskRequeuer{store: s, recorder: rec, cfg: cfg}
}

// Clean processes every failed task past its cooldown. Returns the number of
// tasks transitioned. Per-task errors are logged and skipped so one bad task
// cannot starve the rest.
func (c *FailedTaskRequeuer) Clean(ctx context.Context, now time.Time) (int, error) {
	tasks, err := c.store.ListTasksByStatus(ctx, store.TaskFailed)
	if err != nil {
		return 0, err
	}

	cutoff := now.Add(-c.cfg.FailedCooldown)
	processed := 0
	for _, t := range tasks {
		if !t.UpdatedAt.Before(cutoff) {
			continue
		}
		acted, err := c.process(ctx, t)
		if err != nil {
			log.Printf("Failed-task requeue for %s failed: %v", t.ID, err)
			observability.CleanerErrors.WithLabelValues("failed_task").Inc()
			continue
		}
		if acted {
			processed++
		}
	}
	return processed, nil
}

func (c *FailedTaskRequeuer) process(ctx context.Context, t *store.Task) (bool, error) {
	acted := false
	err := c.store.RunInTransaction(ctx, func(tx store.Store) error {
		var err error
		acted, err = c.processTx(ctx, tx, t)
		return err
	})
	return acted, err
}

func (c *FailedTaskRequeuer) processTx(ctx context.Context, tx store.Store, t *store.Task) (bool, error) {
	rec := c.recorder.WithStore(tx)

	if IsPRReviewTask(t) {
		return c.routeToJudge(ctx, tx, rec, t)
	}

	msg, meta := latestRunError(ctx, tx, t.ID)
	cls := failure.Classify(msg, meta)

	catLimit := c.cfg.RetryPolicy.ResolveCategoryLimit(cls.Category)
	globalAllowed := c.cfg.RetryPolicy.IsRetryAllowed(t.RetryCount)
	categoryAllowed := failure.IsCategoryRetryAllowed(t.RetryCount, catLimit)
	repeated, err := failure.HasRepeatedSignature(ctx, tx, t.ID, c.cfg.SignatureThreshold)
	if err != nil {
		return false, err
	}

	if adj := adjustCommands(cls.Reason, t.Commands, meta, msg); adj != nil {
		changed, err := tx.UpdateTaskState(ctx, t.ID, store.TaskFailed, store.TaskUpdate{
			Status:      store.TaskQueued,
			BlockReason: store.BlockNone,
			BumpRetry:   true,
			Commands:    &adj.Commands,
		})
		if err != nil || !changed {
			return false, err
		}
		_, err = rec.Record(ctx, "task.requeued", "task", t.ID, "", map[string]any{
			"reason":       cls.Reason + "_adjusted",
			"recoveryRule": adj.Rule,
			"commands":     adj.Commands,
			"retryCount":   t.RetryCount + 1,
		})
		observability.CleanerTransitions.WithLabelValues("failed_task", "requeued_adjusted").Inc()
		return true, err
	}

	if cls.Reason == failure.ReasonPolicyViolation {
		merged, added := augmentAllowedPaths(t, meta, msg, c.cfg.AutoAllowPatterns)
		if added > 0 {
			changed, err := tx.UpdateTaskState(ctx, t.ID, store.TaskFailed, store.TaskUpdate{
				Status:       store.TaskQueued,
				BlockReason:  store.BlockNone,
				BumpRetry:    true,
				AllowedPaths: &merged,
			})
			if err != nil || !changed {
				return false, err
			}
			_, err = rec.Record(ctx, "task.requeued", "task", t.ID, "", map[string]any{
				"reason":       "policy_allowed_paths_adjusted",
				"addedPaths":   added,
				"allowedPaths": merged,
				"retryCount":   t.RetryCount + 1,
			})
			observability.CleanerTransitions.WithLabelValues("failed_task", "requeued_adjusted").Inc()
			return true, err
		}
	}

	if !globalAllowed || !cls.Retryable || !categoryAllowed || repeated {
		blockReason := cls.BlockReason
		if repeated {
			blockReason = store.BlockNeedsRework
		}
		changed, err := tx.UpdateTaskState(ctx, t.ID, store.TaskFailed, store.TaskUpdate{
			Status:      store.TaskBlocked,
			BlockReason: blockReason,
		})
		if err != nil || !changed {
			return false, err
		}
		_, err = rec.Record(ctx, "task.recovery_escalated", "task", t.ID, "", map[string]any{
			"reason":          cls.Reason,
			"category":        string(cls.Category),
			"retryCount":      t.RetryCount,
			"categoryLimit":   catLimit,
			"globalAllowed":   globalAllowed,
			"categoryAllowed": categoryAllowed,
			"repeatedFailure": repeated,
			"blockReason":     string(blockReason),
		})
		observability.CleanerTransitions.WithLabelValues("failed_task", "escalated").Inc()
		return true, err
	}

	changed, err := tx.UpdateTaskState(ctx, t.ID, store.TaskFailed, store.TaskUpdate{
		Status:      store.TaskQueued,
		BlockReason: store.BlockNone,
		BumpRetry:   true,
	})
	if err != nil || !changed {
		return false, err
	}
	_, err = rec.Record(ctx, "task.requeued", "task", t.ID, "", map[string]any{
		"reason":     "cooldown_retry",
		"failure":    cls.Reason,
		"category":   string(cls.Category),
		"retryCount": t.RetryCount + 1,
	})
	observability.CleanerTransitions.WithLabelValues("failed_task", "requeued").Inc()
	return true, err
}

// routeToJudge sends a failed PR-review task back to awaiting_judge, making
// sure the Judge has a run to evaluate.
func (c *FailedTaskRequeuer) routeToJudge(ctx context.Context, tx store.Store, rec *events.Recorder, t *store.Task) (bool, error) {
	judgeState, err := ensurePendingJudgeRun(ctx, tx, t.ID)
	if err != nil {
		return false, err
	}

	changed, err := tx.UpdateTaskState(ctx, t.ID, store.TaskFailed, store.TaskUpdate{
		Status:      store.TaskBlocked,
		BlockReason: store.BlockAwaitingJudge,
		BumpRetry:   true,
	})
	if err != nil || !changed {
		return false, err
	}
	_, err = rec.Record(ctx, "task.requeued", "task", t.ID, "", map[string]any{
		"reason":     "pr_review_" + judgeState,
		"prNumber":   prReviewNumber(t),
		"retryCount": t.RetryCount + 1,
	})
	observability.CleanerTransitions.WithLabelValues("failed_task", "awaiting_judge").Inc()
	return true, err
}

// latestRunError returns the newest failed or cancelled run's error message
// and structured meta. A task with no such run classifies as unknown.
func latestRunError(ctx context.Context, s store.Store, taskID string) (string, *store.ErrorMeta) {
	runs, err := s.ListRunsByTask(ctx, taskID,
		[]store.RunStatus{store.RunFailed, store.RunCancelled}, 1)
	if err != nil || len(runs) == 0 {
		return "", nil
	}
	return runs[0].ErrorMessage, runs[0].ErrorMeta
}

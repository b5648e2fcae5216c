package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentforge/cyclemgr/internal/events"
	"github.com/agentforge/cyclemgr/internal/observability"
	"github.com/agentforge/cyclemgr/internal/store"
)

const verifyReworkMarker = "[verify-rework-json]"

const minReworkTimeboxMinutes = 30

// BlockedTaskRequeuer unblocks tasks whose block reason has aged out:
// awaiting_judge tasks get their judge run restored or retried, needs_rework
// tasks are split into a fresh rework sibling, quota_wait tasks come back
// after a deterministic backoff, and everything else retries after the
// standard cooldown.
type BlockedTaskRequeuer struct {
	store    store.Store
	recorder *events.Recorder
	cfg      Config
}

func NewBlockedTaskRequeuer(s store.Store, rec *events.Recorder, cfg Config) *BlockedTaskRequeuer {
	return &BlockedTaskRequeuer{store: s, recorder: rec, cfg: cfg}
}

// Clean processes every blocked task past its effective cooldown. Returns the
// number of tasks transitioned.
func (c *BlockedTaskRequeuer) Clean(ctx context.Context, now time.Time) (int, error) {
	tasks, err := c.store.ListTasksByStatus(ctx, store.TaskBlocked)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, t := range tasks {
		reason := t.BlockReason.Normalize()
		required := c.cfg.BlockedCooldown
		if reason == store.BlockQuotaWait {
			msg, _ := latestRunError(ctx, c.store, t.ID)
			required = QuotaBackoff(c.cfg.Backoff, t.ID, t.RetryCount, msg)
		}
		if t.UpdatedAt.Add(required).After(now) {
			continue
		}

		acted, err := c.process(ctx, t, reason, required)
		if err != nil {
			log.Printf("Blocked-task recovery for %s failed: %v", t.ID, err)
			observability.CleanerErrors.WithLabelValues("blocked_task").Inc()
			continue
		}
		if acted {
			processed++
		}
	}
	return processed, nil
}

func (c *BlockedTaskRequeuer) process(ctx context.Context, t *store.Task, reason store.BlockReason, cooldown time.Duration) (bool, error) {
	acted := false
	err := c.store.RunInTransaction(ctx, func(tx store.Store) error {
		var err error
		acted, err = c.processTx(ctx, tx, t, reason, cooldown)
		return err
	})
	return acted, err
}

func (c *BlockedTaskRequeuer) processTx(ctx context.Context, tx store.Store, t *store.Task, reason store.BlockReason, cooldown time.Duration) (bool, error) {
	rec := c.recorder.WithStore(tx)

	switch reason {
	case store.BlockNeedsRework:
		// Conflict-autofix tasks carry a PR reference too, so the title
		// check has to run before the PR-review predicate.
		if strings.HasPrefix(t.Title, conflictAutoFixTitlePrefix) {
			return c.suppressConflictAutoFix(ctx, tx, rec, t)
		}
		if IsPRReviewTask(t) {
			return c.reworkPRReview(ctx, tx, rec, t)
		}
		return c.splitRework(ctx, tx, rec, t)

	case store.BlockAwaitingJudge:
		pending, err := tx.PendingJudgeRun(ctx, t.ID)
		if err != nil {
			return false, err
		}
		if pending != nil {
			return false, nil
		}
		judgeState, err := ensurePendingJudgeRun(ctx, tx, t.ID)
		if err != nil {
			return false, err
		}
		if judgeState == judgeRunRestored {
			changed, err := tx.UpdateTaskState(ctx, t.ID, store.TaskBlocked, store.TaskUpdate{
				Status:      store.TaskBlocked,
				BlockReason: store.BlockAwaitingJudge,
				BumpRetry:   true,
			})
			if err != nil || !changed {
				return false, err
			}
			_, err = rec.Record(ctx, "task.requeued", "task", t.ID, "", map[string]any{
				"reason":     "awaiting_judge_run_restored",
				"retryCount": t.RetryCount + 1,
			})
			observability.CleanerTransitions.WithLabelValues("blocked_task", "judge_run_restored").Inc()
			return true, err
		}
		return c.requeue(ctx, tx, rec, t, "awaiting_judge_timeout_retry", cooldown)

	case store.BlockQuotaWait:
		return c.requeue(ctx, tx, rec, t, "quota_wait_retry", cooldown)

	default:
		return c.requeue(ctx, tx, rec, t, "blocked_cooldown_retry", cooldown)
	}
}

func (c *BlockedTaskRequeuer) requeue(ctx context.Context, tx store.Store, rec *events.Recorder, t *store.Task, reason string, cooldown time.Duration) (bool, error) {
	changed, err := tx.UpdateTaskState(ctx, t.ID, store.TaskBlocked, store.TaskUpdate{
		Status:      store.TaskQueued,
		BlockReason: store.BlockNone,
		BumpRetry:   true,
	})
	if err != nil || !changed {
		return false, err
	}
	_, err = rec.Record(ctx, "task.requeued", "task", t.ID, "", map[string]any{
		"reason":     reason,
		"cooldownMs": cooldown.Milliseconds(),
		"retryAt":    t.UpdatedAt.Add(cooldown),
		"retryCount": t.RetryCount + 1,
	})
	observability.CleanerTransitions.WithLabelValues("blocked_task", "requeued").Inc()
	return true, err
}

// reworkPRReview sends a needs_rework PR-review task back to the Judge unless
// an AutoFix task for the same PR is already working on it.
func (c *BlockedTaskRequeuer) reworkPRReview(ctx context.Context, tx store.Store, rec *events.Recorder, t *store.Task) (bool, error) {
	prNumber := prReviewNumber(t)
	active, err := hasActiveAutoFixTask(ctx, tx, prNumber)
	if err != nil {
		return false, err
	}
	if active {
		return false, nil
	}

	judgeState, err := ensurePendingJudgeRun(ctx, tx, t.ID)
	if err != nil {
		return false, err
	}
	changed, err := tx.UpdateTaskState(ctx, t.ID, store.TaskBlocked, store.TaskUpdate{
		Status:      store.TaskBlocked,
		BlockReason: store.BlockAwaitingJudge,
		BumpRetry:   true,
	})
	if err != nil || !changed {
		return false, err
	}
	_, err = rec.Record(ctx, "task.requeued", "task", t.ID, "", map[string]any{
		"reason":     "pr_review_" + judgeState,
		"prNumber":   prNumber,
		"retryCount": t.RetryCount + 1,
	})
	observability.CleanerTransitions.WithLabelValues("blocked_task", "awaiting_judge").Inc()
	return true, err
}

// suppressConflictAutoFix cancels a conflict-autofix task that itself needs
// rework and hands the PR back to its source review task.
func (c *BlockedTaskRequeuer) suppressConflictAutoFix(ctx context.Context, tx store.Store, rec *events.Recorder, t *store.Task) (bool, error) {
	changed, err := tx.UpdateTaskState(ctx, t.ID, store.TaskBlocked, store.TaskUpdate{
		Status:      store.TaskCancelled,
		BlockReason: store.BlockNone,
	})
	if err != nil || !changed {
		return false, err
	}

	sourceRestored := false
	if t.Context.PR != nil && t.Context.PR.SourceTaskID != "" {
		src, err := tx.GetTask(ctx, t.Context.PR.SourceTaskID)
		if err != nil {
			return false, err
		}
		if src != nil && IsPRReviewTask(src) {
			sourceRestored, err = tx.UpdateTaskState(ctx, src.ID, "", store.TaskUpdate{
				Status:      store.TaskBlocked,
				BlockReason: store.BlockAwaitingJudge,
				BumpRetry:   true,
			})
			if err != nil {
				return false, err
			}
		}
	}

	_, err = rec.Record(ctx, "task.recovery_escalated", "task", t.ID, "", map[string]any{
		"reason":         "conflict_autofix_needs_rework_suppressed",
		"sourceRestored": sourceRestored,
	})
	observability.CleanerTransitions.WithLabelValues("blocked_task", "autofix_suppressed").Inc()
	return true, err
}

// verifyReworkInfo is the payload a verification rework marker carries.
type verifyReworkInfo struct {
	FailedCommand string `json:"failedCommand"`
	Source        string `json:"source"`
	Stderr        string `json:"stderr"`
}

// parseVerifyRework extracts and strips the verify-rework marker from the
// task notes. Returns nil info when no marker is present.
func parseVerifyRework(notes string) (*verifyReworkInfo, string) {
	idx := strings.Index(notes, verifyReworkMarker)
	if idx < 0 {
		return nil, notes
	}

	encoded := notes[idx+len(verifyReworkMarker):]
	if nl := strings.IndexByte(encoded, '\n'); nl >= 0 {
		encoded = encoded[:nl]
	}
	stripped := strings.TrimRight(notes[:idx], "\n")

	decoded, err := url.QueryUnescape(strings.TrimSpace(encoded))
	if err != nil {
		return &verifyReworkInfo{}, stripped
	}
	var info verifyReworkInfo
	if err := json.Unmarshal([]byte(decoded), &info); err != nil {
		return &verifyReworkInfo{}, stripped
	}
	return &info, stripped
}

// splitRework retires a needs_rework task and inserts a fresh sibling with a
// rework title, boosted priority and a tightened timebox.
func (c *BlockedTaskRequeuer) splitRework(ctx context.Context, tx store.Store, rec *events.Recorder, t *store.Task) (bool, error) {
	verify, strippedNotes := parseVerifyRework(t.Context.Notes)

	prefix := "[Rework] "
	if verify != nil {
		prefix = "[Rework-Verify] "
	}
	title := t.Title
	if !strings.HasPrefix(title, "[Rework") {
		title = prefix + title
	}

	timebox := t.TimeboxMinutes * 8 / 10
	if timebox < minReworkTimeboxMinutes {
		timebox = minReworkTimeboxMinutes
	}

	newCtx := t.Context
	newCtx.Notes = strippedNotes
	newCtx.Specs = append([]string(nil), t.Context.Specs...)
	if verify != nil {
		if verify.FailedCommand != "" {
			newCtx.Specs = append(newCtx.Specs,
				fmt.Sprintf("Fix the failing verification command: %s", verify.FailedCommand))
		}
		if verify.Stderr != "" {
			note := fmt.Sprintf("Previous verification stderr (%s):\n%s", verify.Source, verify.Stderr)
			if newCtx.Notes != "" {
				newCtx.Notes += "\n"
			}
			newCtx.Notes += note
		}
	}

	now := time.Now()
	rework := &store.Task{
		ID:             uuid.NewString(),
		Title:          title,
		Goal:           t.Goal,
		Role:           t.Role,
		Kind:           t.Kind,
		Status:         store.TaskQueued,
		BlockReason:    store.BlockNone,
		Priority:       t.Priority + 5,
		RiskLevel:      t.RiskLevel,
		TimeboxMinutes: timebox,
		AllowedPaths:   append([]string(nil), t.AllowedPaths...),
		Commands:       append([]string(nil), t.Commands...),
		Dependencies:   append([]string(nil), t.Dependencies...),
		Context:        newCtx,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := tx.InsertTask(ctx, rework); err != nil {
		return false, err
	}

	changed, err := tx.UpdateTaskState(ctx, t.ID, store.TaskBlocked, store.TaskUpdate{
		Status:      store.TaskFailed,
		BlockReason: store.BlockNone,
	})
	if err != nil || !changed {
		return false, err
	}

	_, err = rec.Record(ctx, "task.split", "task", t.ID, "", map[string]any{
		"newTaskId":    rework.ID,
		"newTitle":     rework.Title,
		"priority":     rework.Priority,
		"timebox":      rework.TimeboxMinutes,
		"verifyRework": verify != nil,
	})
	observability.CleanerTransitions.WithLabelValues("blocked_task", "split").Inc()
	return true, err
}

package recovery

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/agentforge/cyclemgr/internal/store"
)

const (
	prReviewGoalPrefix  = "Review and process open PR #"
	prReviewTitlePrefix = "[PR] Review #"
	prBacklogMarker     = "[imported-from-pr-backlog]"

	autoFixTitlePrefix         = "[AutoFix"
	conflictAutoFixTitlePrefix = "[AutoFix-Conflict] PR #"
)

// IsPRReviewTask reports whether a task's job is reviewing an existing pull
// request. Such tasks are routed to the Judge instead of being re-executed.
func IsPRReviewTask(t *store.Task) bool {
	if strings.HasPrefix(t.Goal, prReviewGoalPrefix) {
		return true
	}
	if strings.HasPrefix(t.Title, prReviewTitlePrefix) {
		return true
	}
	if t.Context.PR != nil && t.Context.PR.Number > 0 {
		return true
	}
	return strings.Contains(t.Context.Notes, prBacklogMarker)
}

var prNumberRe = regexp.MustCompile(`#(\d+)`)

// prReviewNumber extracts the PR number a review task targets, or 0.
func prReviewNumber(t *store.Task) int {
	if t.Context.PR != nil && t.Context.PR.Number > 0 {
		return t.Context.PR.Number
	}
	for _, s := range []string{t.Goal, t.Title} {
		if m := prNumberRe.FindStringSubmatch(s); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				return n
			}
		}
	}
	return 0
}

// Judge-run states returned by ensurePendingJudgeRun.
const (
	judgeRunPending  = "judge_run_pending"
	judgeRunRestored = "judge_run_restored"
	judgeRunMissing  = "judge_run_missing"
)

// ensurePendingJudgeRun makes sure the Judge has a run to pick up for the
// task: an existing unjudged success run counts as-is, otherwise the latest
// success run with a restorable artifact gets its judged_at cleared. Returns
// which of the three states applies.
func ensurePendingJudgeRun(ctx context.Context, s store.Store, taskID string) (string, error) {
	pending, err := s.PendingJudgeRun(ctx, taskID)
	if err != nil {
		return "", err
	}
	if pending != nil {
		return judgeRunPending, nil
	}

	restorable, err := s.LatestRestorableJudgeRun(ctx, taskID)
	if err != nil {
		return "", err
	}
	if restorable == nil {
		return judgeRunMissing, nil
	}
	if _, err := s.ClearRunJudgedAt(ctx, restorable.ID); err != nil {
		return "", err
	}
	return judgeRunRestored, nil
}

// hasActiveAutoFixTask reports whether an AutoFix or AutoFix-Conflict task
// for the given PR is still queued, running or blocked. The title's PR number
// is compared as an integer so PR #9 never matches an AutoFix for PR #90.
func hasActiveAutoFixTask(ctx context.Context, s store.Store, prNumber int) (bool, error) {
	if prNumber <= 0 {
		return false, nil
	}
	for _, status := range []store.TaskStatus{store.TaskQueued, store.TaskRunning, store.TaskBlocked} {
		tasks, err := s.ListTasksByStatus(ctx, status)
		if err != nil {
			return false, err
		}
		for _, t := range tasks {
			if strings.HasPrefix(t.Title, autoFixTitlePrefix) && autoFixPRNumber(t.Title) == prNumber {
				return true, nil
			}
		}
	}
	return false, nil
}

// autoFixPRNumber parses the PR number out of an AutoFix task title, or 0.
func autoFixPRNumber(title string) int {
	m := prNumberRe.FindStringSubmatch(title)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNoTransaction is returned when a transaction-only operation is invoked
// outside RunInTransaction.
var ErrNoTransaction = errors.New("store: not inside a transaction")

// Store defines the typed persistence gateway over tasks, runs, agents,
// leases, events and the merge queue.
//
// Read operations return (nil, nil) when the row does not exist. State
// transitions are compare-and-set: they apply only when the row is still in
// the expected "from" state and report whether a row changed, which makes
// every cleaner idempotent under retry.
type Store interface {
	// Task operations.
	InsertTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasksByStatus(ctx context.Context, status TaskStatus) ([]*Task, error)
	CountTasksByStatus(ctx context.Context) (map[TaskStatus]int, error)
	// UpdateTaskState applies upd iff the task is still in status "from".
	// An empty "from" skips the status predicate. updated_at is always bumped.
	UpdateTaskState(ctx context.Context, id string, from TaskStatus, upd TaskUpdate) (bool, error)

	// Run operations.
	InsertRun(ctx context.Context, r *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	// ListRunsByTask returns runs of a task filtered by status (empty filter
	// means all), ordered by started_at descending, capped at limit (<=0
	// means no cap).
	ListRunsByTask(ctx context.Context, taskID string, statuses []RunStatus, limit int) ([]*Run, error)
	ListRunsByStatus(ctx context.Context, status RunStatus) ([]*Run, error)
	// ListRunsInRange returns runs with started_at in [from, to).
	ListRunsInRange(ctx context.Context, from, to time.Time) ([]*Run, error)
	UpdateRunState(ctx context.Context, id string, from, to RunStatus, finishedAt *time.Time, errorMessage string) (bool, error)
	// ClearRunJudgedAt resets judged_at so the Judge picks the run up again.
	ClearRunJudgedAt(ctx context.Context, id string) (bool, error)
	// PendingJudgeRun returns the latest success run with judged_at unset.
	PendingJudgeRun(ctx context.Context, taskID string) (*Run, error)
	// LatestRestorableJudgeRun returns the latest success run that produced a
	// PR, worktree or research artifact, regardless of judged_at.
	LatestRestorableJudgeRun(ctx context.Context, taskID string) (*Run, error)

	// Artifact operations.
	InsertArtifact(ctx context.Context, a *Artifact) error

	// Lease operations.
	InsertLease(ctx context.Context, l *Lease) error
	ListLeases(ctx context.Context) ([]*Lease, error)
	ListExpiredLeases(ctx context.Context, now time.Time) ([]*Lease, error)
	DeleteLeases(ctx context.Context, ids []string) (int, error)
	DeleteAllLeases(ctx context.Context) (int, error)

	// Agent operations.
	UpsertAgent(ctx context.Context, a *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	CountAgentsByStatus(ctx context.Context) (map[AgentStatus]int, error)
	// UpdateAgentState sets status and current_task_id ("" clears it).
	UpdateAgentState(ctx context.Context, id string, status AgentStatus, currentTaskID string) error

	// Merge-queue operations.
	InsertMergeQueueEntry(ctx context.Context, e *MergeQueueEntry) error
	GetMergeQueueEntry(ctx context.Context, id string) (*MergeQueueEntry, error)
	// ListExpiredMergeClaims returns processing rows whose claim expired.
	ListExpiredMergeClaims(ctx context.Context, now time.Time) ([]*MergeQueueEntry, error)
	// ReleaseMergeClaims returns the rows to pending, clears claim fields and
	// schedules the next attempt.
	ReleaseMergeClaims(ctx context.Context, ids []string, nextAttemptAt time.Time) (int, error)

	// Event operations.
	InsertEvent(ctx context.Context, e *Event) error
	CountEventsByTypePrefix(ctx context.Context, prefix string, from, to time.Time) (int, error)
	ListEventsInRange(ctx context.Context, from, to time.Time) ([]*Event, error)

	// Cycle operations.
	InsertCycle(ctx context.Context, c *Cycle) error
	FinishCycle(ctx context.Context, id string, status string, stats map[string]int) error

	// RunInTransaction executes fn against a transaction-scoped store. All
	// mutations inside fn commit or roll back together.
	RunInTransaction(ctx context.Context, fn func(Store) error) error

	// TryAdvisoryLock takes a transaction-scoped advisory lock keyed by the
	// hash of key. It is released when the transaction ends and is only valid
	// inside RunInTransaction.
	TryAdvisoryLock(ctx context.Context, key string) (bool, error)
}

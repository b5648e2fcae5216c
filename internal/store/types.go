package store

import (
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskBlocked   TaskStatus = "blocked"
	TaskFailed    TaskStatus = "failed"
	TaskDone      TaskStatus = "done"
	TaskCancelled TaskStatus = "cancelled"
)

// BlockReason explains why a task is blocked. It is empty unless the task
// status is "blocked".
type BlockReason string

const (
	BlockNone          BlockReason = ""
	BlockAwaitingJudge BlockReason = "awaiting_judge"
	BlockNeedsRework   BlockReason = "needs_rework"
	BlockQuotaWait     BlockReason = "quota_wait"
	BlockIssueLinking  BlockReason = "issue_linking"

	// blockNeedsHuman is the legacy spelling still found in old rows.
	blockNeedsHuman BlockReason = "needs_human"
)

// Normalize maps legacy block reasons onto their current spelling.
func (r BlockReason) Normalize() BlockReason {
	if r == blockNeedsHuman {
		return BlockAwaitingJudge
	}
	return r
}

// TaskRole identifies which agent pool executes the task.
type TaskRole string

const (
	RoleWorker TaskRole = "worker"
	RoleTester TaskRole = "tester"
	RoleDocser TaskRole = "docser"
)

// TaskKind distinguishes code work from research work.
type TaskKind string

const (
	KindCode     TaskKind = "code"
	KindResearch TaskKind = "research"
)

// PRRef ties a task to a pull request.
type PRRef struct {
	Number       int    `json:"number,omitempty"`
	URL          string `json:"url,omitempty"`
	SourceTaskID string `json:"sourceTaskId,omitempty"`
	HeadRef      string `json:"headRef,omitempty"`
	HeadSha      string `json:"headSha,omitempty"`
	BaseRef      string `json:"baseRef,omitempty"`
}

// IssueRef ties a task to an issue-tracker item.
type IssueRef struct {
	Number int    `json:"number,omitempty"`
	URL    string `json:"url,omitempty"`
}

// TaskContext carries the structured working context handed to agents.
type TaskContext struct {
	Files []string  `json:"files,omitempty"`
	Specs []string  `json:"specs,omitempty"`
	Notes string    `json:"notes,omitempty"`
	PR    *PRRef    `json:"pr,omitempty"`
	Issue *IssueRef `json:"issue,omitempty"`
}

// Task is the unit of work produced by the Planner and executed by agents.
type Task struct {
	ID             string      `json:"id" db:"id"`
	Title          string      `json:"title" db:"title"`
	Goal           string      `json:"goal" db:"goal"`
	Role           TaskRole    `json:"role" db:"role"`
	Kind           TaskKind    `json:"kind" db:"kind"`
	Status         TaskStatus  `json:"status" db:"status"`
	BlockReason    BlockReason `json:"block_reason" db:"block_reason"`
	RetryCount     int         `json:"retry_count" db:"retry_count"`
	Priority       int         `json:"priority" db:"priority"`
	RiskLevel      string      `json:"risk_level" db:"risk_level"`
	TimeboxMinutes int         `json:"timebox_minutes" db:"timebox_minutes"`
	AllowedPaths   []string    `json:"allowed_paths" db:"allowed_paths"`
	Commands       []string    `json:"commands" db:"commands"`
	Dependencies   []string    `json:"dependencies" db:"dependencies"`
	Context        TaskContext `json:"context" db:"context"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at" db:"updated_at"`
}

// RunStatus is the lifecycle state of a single agent execution.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// ErrorMeta is the structured error payload agents attach to failed runs.
type ErrorMeta struct {
	FailureCode      string   `json:"failureCode,omitempty"`
	FailedCommand    string   `json:"failedCommand,omitempty"`
	PolicyViolations []string `json:"policyViolations,omitempty"`
}

// Run records one agent execution of a task.
type Run struct {
	ID           string     `json:"id" db:"id"`
	TaskID       string     `json:"task_id" db:"task_id"`
	AgentID      string     `json:"agent_id" db:"agent_id"`
	Status       RunStatus  `json:"status" db:"status"`
	StartedAt    time.Time  `json:"started_at" db:"started_at"`
	FinishedAt   *time.Time `json:"finished_at" db:"finished_at"`
	CostTokens   int64      `json:"cost_tokens" db:"cost_tokens"`
	ErrorMessage string     `json:"error_message" db:"error_message"`
	ErrorMeta    *ErrorMeta `json:"error_meta" db:"error_meta"`
	JudgedAt     *time.Time `json:"judged_at" db:"judged_at"`
}

// Lease is a worker's exclusive hold on a task. At most one lease exists per
// task; the store enforces this with a unique constraint.
type Lease struct {
	ID           string    `json:"id" db:"id"`
	TaskID       string    `json:"task_id" db:"task_id"`
	OwnerAgentID string    `json:"owner_agent_id" db:"owner_agent_id"`
	ExpiresAt    time.Time `json:"expires_at" db:"expires_at"`
}

// AgentStatus is the registration state of an executor.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
)

// Agent is a registered executor (worker, tester, docser or judge process).
type Agent struct {
	ID            string            `json:"id" db:"id"`
	Role          string            `json:"role" db:"role"`
	Status        AgentStatus       `json:"status" db:"status"`
	CurrentTaskID string            `json:"current_task_id" db:"current_task_id"`
	LastHeartbeat time.Time         `json:"last_heartbeat" db:"last_heartbeat"`
	Metadata      map[string]string `json:"metadata" db:"metadata"`
}

// MergeStatus is the state of a PR merge-queue row.
type MergeStatus string

const (
	MergePending    MergeStatus = "pending"
	MergeProcessing MergeStatus = "processing"
	MergeMerged     MergeStatus = "merged"
	MergeFailed     MergeStatus = "failed"
)

// MergeQueueEntry is one row of the external PR merge queue.
type MergeQueueEntry struct {
	ID             string      `json:"id" db:"id"`
	TaskID         string      `json:"task_id" db:"task_id"`
	PRNumber       int         `json:"pr_number" db:"pr_number"`
	Status         MergeStatus `json:"status" db:"status"`
	ClaimOwner     string      `json:"claim_owner" db:"claim_owner"`
	ClaimToken     string      `json:"claim_token" db:"claim_token"`
	ClaimedAt      *time.Time  `json:"claimed_at" db:"claimed_at"`
	ClaimExpiresAt *time.Time  `json:"claim_expires_at" db:"claim_expires_at"`
	NextAttemptAt  *time.Time  `json:"next_attempt_at" db:"next_attempt_at"`
	UpdatedAt      time.Time   `json:"updated_at" db:"updated_at"`
}

// Event is one append-only log row. Types are dotted strings such as
// "task.requeued" or "anomaly.stuck_task".
type Event struct {
	ID         string         `json:"id" db:"id"`
	Type       string         `json:"type" db:"type"`
	EntityType string         `json:"entity_type" db:"entity_type"`
	EntityID   string         `json:"entity_id" db:"entity_id"`
	AgentID    string         `json:"agent_id" db:"agent_id"`
	Payload    map[string]any `json:"payload" db:"payload"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
}

// ArtifactType classifies run outputs.
type ArtifactType string

const (
	ArtifactPR             ArtifactType = "pr"
	ArtifactWorktree       ArtifactType = "worktree"
	ArtifactResearchClaim  ArtifactType = "research_claim"
	ArtifactResearchSource ArtifactType = "research_source"
	ArtifactResearchReport ArtifactType = "research_report"
)

// Artifact records an output a run produced.
type Artifact struct {
	RunID string       `json:"run_id" db:"run_id"`
	Type  ArtifactType `json:"type" db:"type"`
}

// Cycle is one bounded epoch of control-loop activity.
type Cycle struct {
	ID         string         `json:"id" db:"id"`
	Number     int64          `json:"number" db:"number"`
	Status     string         `json:"status" db:"status"` // "running", "finished"
	StartedAt  time.Time      `json:"started_at" db:"started_at"`
	FinishedAt *time.Time     `json:"finished_at" db:"finished_at"`
	Stats      map[string]int `json:"stats" db:"stats"`
}

// TaskUpdate is the set of fields a state transition may change atomically.
// Nil slice pointers leave the corresponding column untouched; BumpRetry
// increments retry_count by one. Status and BlockReason are always written.
type TaskUpdate struct {
	Status       TaskStatus
	BlockReason  BlockReason
	BumpRetry    bool
	Commands     *[]string
	AllowedPaths *[]string
	Context      *TaskContext
}

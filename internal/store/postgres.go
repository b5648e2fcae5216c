package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, which lets the same
// query methods serve plain and transactional stores.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	db   querier
	pool *pgxpool.Pool
	inTx bool
}

// NewPostgresStore initializes a PostgresStore with a tuned connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{db: pool, pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	goal TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL DEFAULT 'worker',
	kind TEXT NOT NULL DEFAULT 'code',
	status TEXT NOT NULL,
	block_reason TEXT NOT NULL DEFAULT '',
	retry_count INT NOT NULL DEFAULT 0,
	priority INT NOT NULL DEFAULT 0,
	risk_level TEXT NOT NULL DEFAULT '',
	timebox_minutes INT NOT NULL DEFAULT 0,
	allowed_paths TEXT[] NOT NULL DEFAULT '{}',
	commands TEXT[] NOT NULL DEFAULT '{}',
	dependencies TEXT[] NOT NULL DEFAULT '{}',
	context JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status);

CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	agent_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	finished_at TIMESTAMPTZ,
	cost_tokens BIGINT NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	error_meta JSONB,
	judged_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_runs_task ON runs (task_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs (status);

CREATE TABLE IF NOT EXISTS leases (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL UNIQUE,
	owner_agent_id TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	role TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'idle',
	current_task_id TEXT NOT NULL DEFAULT '',
	last_heartbeat TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	metadata JSONB NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS pr_merge_queue (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	pr_number INT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	claim_owner TEXT NOT NULL DEFAULT '',
	claim_token TEXT NOT NULL DEFAULT '',
	claimed_at TIMESTAMPTZ,
	claim_expires_at TIMESTAMPTZ,
	next_attempt_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	entity_type TEXT NOT NULL DEFAULT '',
	entity_id TEXT NOT NULL DEFAULT '',
	agent_id TEXT NOT NULL DEFAULT '',
	payload JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_events_type_time ON events (type, created_at);

CREATE TABLE IF NOT EXISTS artifacts (
	run_id TEXT NOT NULL,
	type TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_run ON artifacts (run_id);

CREATE TABLE IF NOT EXISTS cycles (
	id TEXT PRIMARY KEY,
	number BIGINT NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'running',
	started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	finished_at TIMESTAMPTZ,
	stats JSONB NOT NULL DEFAULT '{}'
);
`

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schema)
	return err
}

// --- Task Operations ---

const taskColumns = `id, title, goal, role, kind, status, block_reason, retry_count, priority,
	risk_level, timebox_minutes, allowed_paths, commands, dependencies, context, created_at, updated_at`

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	var contextJSON []byte
	err := row.Scan(
		&t.ID, &t.Title, &t.Goal, &t.Role, &t.Kind, &t.Status, &t.BlockReason,
		&t.RetryCount, &t.Priority, &t.RiskLevel, &t.TimeboxMinutes,
		&t.AllowedPaths, &t.Commands, &t.Dependencies, &contextJSON,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &t.Context); err != nil {
			return nil, fmt.Errorf("decode task context: %w", err)
		}
	}
	if t.AllowedPaths == nil {
		t.AllowedPaths = []string{}
	}
	if t.Commands == nil {
		t.Commands = []string{}
	}
	if t.Dependencies == nil {
		t.Dependencies = []string{}
	}
	return &t, nil
}

func (s *PostgresStore) InsertTask(ctx context.Context, t *Task) error {
	if t.AllowedPaths == nil {
		t.AllowedPaths = []string{}
	}
	if t.Commands == nil {
		t.Commands = []string{}
	}
	if t.Dependencies == nil {
		t.Dependencies = []string{}
	}
	contextJSON, err := json.Marshal(t.Context)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO tasks (id, title, goal, role, kind, status, block_reason, retry_count, priority,
			risk_level, timebox_minutes, allowed_paths, commands, dependencies, context, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW(), NOW())
	`
	_, err = s.db.Exec(ctx, query,
		t.ID, t.Title, t.Goal, t.Role, t.Kind, t.Status, t.BlockReason, t.RetryCount,
		t.Priority, t.RiskLevel, t.TimeboxMinutes, t.AllowedPaths, t.Commands,
		t.Dependencies, contextJSON,
	)
	return err
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (s *PostgresStore) ListTasksByStatus(ctx context.Context, status TaskStatus) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = $1 ORDER BY priority ASC, created_at ASC`
	rows, err := s.db.Query(ctx, query, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) CountTasksByStatus(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[TaskStatus]int)
	for rows.Next() {
		var status TaskStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func (s *PostgresStore) UpdateTaskState(ctx context.Context, id string, from TaskStatus, upd TaskUpdate) (bool, error) {
	set := []string{"status = $2", "block_reason = $3", "updated_at = NOW()"}
	args := []any{id, upd.Status, upd.BlockReason}

	if upd.BumpRetry {
		set = append(set, "retry_count = retry_count + 1")
	}
	if upd.Commands != nil {
		args = append(args, *upd.Commands)
		set = append(set, fmt.Sprintf("commands = $%d", len(args)))
	}
	if upd.AllowedPaths != nil {
		args = append(args, *upd.AllowedPaths)
		set = append(set, fmt.Sprintf("allowed_paths = $%d", len(args)))
	}
	if upd.Context != nil {
		contextJSON, err := json.Marshal(upd.Context)
		if err != nil {
			return false, err
		}
		args = append(args, contextJSON)
		set = append(set, fmt.Sprintf("context = $%d", len(args)))
	}

	query := `UPDATE tasks SET ` + strings.Join(set, ", ") + ` WHERE id = $1`
	if from != "" {
		args = append(args, from)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// --- Run Operations ---

const runColumns = `id, task_id, agent_id, status, started_at, finished_at, cost_tokens, error_message, error_meta, judged_at`

func scanRun(row pgx.Row) (*Run, error) {
	var r Run
	var metaJSON []byte
	err := row.Scan(
		&r.ID, &r.TaskID, &r.AgentID, &r.Status, &r.StartedAt, &r.FinishedAt,
		&r.CostTokens, &r.ErrorMessage, &metaJSON, &r.JudgedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(metaJSON) > 0 {
		var meta ErrorMeta
		if err := json.Unmarshal(metaJSON, &meta); err != nil {
			return nil, fmt.Errorf("decode run error_meta: %w", err)
		}
		r.ErrorMeta = &meta
	}
	return &r, nil
}

func (s *PostgresStore) InsertRun(ctx context.Context, r *Run) error {
	var metaJSON []byte
	if r.ErrorMeta != nil {
		var err error
		metaJSON, err = json.Marshal(r.ErrorMeta)
		if err != nil {
			return err
		}
	}
	query := `
		INSERT INTO runs (id, task_id, agent_id, status, started_at, finished_at, cost_tokens, error_message, error_meta, judged_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.db.Exec(ctx, query,
		r.ID, r.TaskID, r.AgentID, r.Status, r.StartedAt, r.FinishedAt,
		r.CostTokens, r.ErrorMessage, metaJSON, r.JudgedAt,
	)
	return err
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	r, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (s *PostgresStore) queryRuns(ctx context.Context, query string, args ...any) ([]*Run, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *PostgresStore) ListRunsByTask(ctx context.Context, taskID string, statuses []RunStatus, limit int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE task_id = $1`
	args := []any{taskID}
	if len(statuses) > 0 {
		strs := make([]string, len(statuses))
		for i, st := range statuses {
			strs[i] = string(st)
		}
		args = append(args, strs)
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}
	query += ` ORDER BY started_at DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return s.queryRuns(ctx, query, args...)
}

func (s *PostgresStore) ListRunsByStatus(ctx context.Context, status RunStatus) ([]*Run, error) {
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM runs WHERE status = $1`, status)
}

func (s *PostgresStore) ListRunsInRange(ctx context.Context, from, to time.Time) ([]*Run, error) {
	return s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM runs WHERE started_at >= $1 AND started_at < $2`,
		from, to)
}

func (s *PostgresStore) UpdateRunState(ctx context.Context, id string, from, to RunStatus, finishedAt *time.Time, errorMessage string) (bool, error) {
	set := []string{"status = $2"}
	args := []any{id, to}
	if finishedAt != nil {
		args = append(args, *finishedAt)
		set = append(set, fmt.Sprintf("finished_at = $%d", len(args)))
	}
	if errorMessage != "" {
		args = append(args, errorMessage)
		set = append(set, fmt.Sprintf("error_message = $%d", len(args)))
	}
	query := `UPDATE runs SET ` + strings.Join(set, ", ") + ` WHERE id = $1`
	if from != "" {
		args = append(args, from)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ClearRunJudgedAt(ctx context.Context, id string) (bool, error) {
	tag, err := s.db.Exec(ctx, `UPDATE runs SET judged_at = NULL WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) PendingJudgeRun(ctx context.Context, taskID string) (*Run, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE task_id = $1 AND status = 'success' AND judged_at IS NULL
		ORDER BY started_at DESC LIMIT 1
	`, taskID)
	r, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (s *PostgresStore) LatestRestorableJudgeRun(ctx context.Context, taskID string) (*Run, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+runColumns+` FROM runs r
		WHERE r.task_id = $1 AND r.status = 'success'
		  AND EXISTS (SELECT 1 FROM artifacts a WHERE a.run_id = r.id)
		ORDER BY r.started_at DESC LIMIT 1
	`, taskID)
	r, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// --- Artifact Operations ---

func (s *PostgresStore) InsertArtifact(ctx context.Context, a *Artifact) error {
	_, err := s.db.Exec(ctx, `INSERT INTO artifacts (run_id, type) VALUES ($1, $2)`, a.RunID, a.Type)
	return err
}

// --- Lease Operations ---

func (s *PostgresStore) InsertLease(ctx context.Context, l *Lease) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO leases (id, task_id, owner_agent_id, expires_at) VALUES ($1, $2, $3, $4)`,
		l.ID, l.TaskID, l.OwnerAgentID, l.ExpiresAt)
	return err
}

func (s *PostgresStore) queryLeases(ctx context.Context, query string, args ...any) ([]*Lease, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var leases []*Lease
	for rows.Next() {
		var l Lease
		if err := rows.Scan(&l.ID, &l.TaskID, &l.OwnerAgentID, &l.ExpiresAt); err != nil {
			return nil, err
		}
		leases = append(leases, &l)
	}
	return leases, rows.Err()
}

func (s *PostgresStore) ListLeases(ctx context.Context) ([]*Lease, error) {
	return s.queryLeases(ctx, `SELECT id, task_id, owner_agent_id, expires_at FROM leases`)
}

func (s *PostgresStore) ListExpiredLeases(ctx context.Context, now time.Time) ([]*Lease, error) {
	return s.queryLeases(ctx,
		`SELECT id, task_id, owner_agent_id, expires_at FROM leases WHERE expires_at < $1`, now)
}

func (s *PostgresStore) DeleteLeases(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.db.Exec(ctx, `DELETE FROM leases WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) DeleteAllLeases(ctx context.Context) (int, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM leases`)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// --- Agent Operations ---

func (s *PostgresStore) UpsertAgent(ctx context.Context, a *Agent) error {
	metaJSON, err := json.Marshal(a.Metadata)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO agents (id, role, status, current_task_id, last_heartbeat, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			role = EXCLUDED.role,
			status = EXCLUDED.status,
			current_task_id = EXCLUDED.current_task_id,
			last_heartbeat = EXCLUDED.last_heartbeat,
			metadata = EXCLUDED.metadata
	`
	_, err = s.db.Exec(ctx, query, a.ID, a.Role, a.Status, a.CurrentTaskID, a.LastHeartbeat, metaJSON)
	return err
}

func scanAgent(row pgx.Row) (*Agent, error) {
	var a Agent
	var metaJSON []byte
	if err := row.Scan(&a.ID, &a.Role, &a.Status, &a.CurrentTaskID, &a.LastHeartbeat, &metaJSON); err != nil {
		return nil, err
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &a.Metadata); err != nil {
			return nil, fmt.Errorf("decode agent metadata: %w", err)
		}
	}
	return &a, nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, role, status, current_task_id, last_heartbeat, metadata FROM agents WHERE id = $1`, id)
	a, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (s *PostgresStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, role, status, current_task_id, last_heartbeat, metadata FROM agents`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *PostgresStore) CountAgentsByStatus(ctx context.Context) (map[AgentStatus]int, error) {
	rows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM agents GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[AgentStatus]int)
	for rows.Next() {
		var status AgentStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func (s *PostgresStore) UpdateAgentState(ctx context.Context, id string, status AgentStatus, currentTaskID string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE agents SET status = $2, current_task_id = $3 WHERE id = $1`,
		id, status, currentTaskID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("agent not found")
	}
	return nil
}

// --- Merge-Queue Operations ---

const mergeColumns = `id, task_id, pr_number, status, claim_owner, claim_token, claimed_at, claim_expires_at, next_attempt_at, updated_at`

func scanMergeEntry(row pgx.Row) (*MergeQueueEntry, error) {
	var e MergeQueueEntry
	err := row.Scan(&e.ID, &e.TaskID, &e.PRNumber, &e.Status, &e.ClaimOwner, &e.ClaimToken,
		&e.ClaimedAt, &e.ClaimExpiresAt, &e.NextAttemptAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) InsertMergeQueueEntry(ctx context.Context, e *MergeQueueEntry) error {
	query := `
		INSERT INTO pr_merge_queue (id, task_id, pr_number, status, claim_owner, claim_token, claimed_at, claim_expires_at, next_attempt_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`
	_, err := s.db.Exec(ctx, query,
		e.ID, e.TaskID, e.PRNumber, e.Status, e.ClaimOwner, e.ClaimToken,
		e.ClaimedAt, e.ClaimExpiresAt, e.NextAttemptAt)
	return err
}

func (s *PostgresStore) GetMergeQueueEntry(ctx context.Context, id string) (*MergeQueueEntry, error) {
	row := s.db.QueryRow(ctx, `SELECT `+mergeColumns+` FROM pr_merge_queue WHERE id = $1`, id)
	e, err := scanMergeEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (s *PostgresStore) ListExpiredMergeClaims(ctx context.Context, now time.Time) ([]*MergeQueueEntry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+mergeColumns+` FROM pr_merge_queue WHERE status = 'processing' AND claim_expires_at <= $1`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*MergeQueueEntry
	for rows.Next() {
		e, err := scanMergeEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) ReleaseMergeClaims(ctx context.Context, ids []string, nextAttemptAt time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE pr_merge_queue
		SET status = 'pending', claim_owner = '', claim_token = '',
			claimed_at = NULL, claim_expires_at = NULL, next_attempt_at = $2, updated_at = NOW()
		WHERE id = ANY($1) AND status = 'processing'
	`, ids, nextAttemptAt)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// --- Event Operations ---

func (s *PostgresStore) InsertEvent(ctx context.Context, e *Event) error {
	payloadJSON, err := json.Marshal(e.Payload)
	if err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	query := `
		INSERT INTO events (id, type, entity_type, entity_id, agent_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = s.db.Exec(ctx, query, e.ID, e.Type, e.EntityType, e.EntityID, e.AgentID, payloadJSON, e.CreatedAt)
	return err
}

func (s *PostgresStore) CountEventsByTypePrefix(ctx context.Context, prefix string, from, to time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM events
		WHERE type LIKE $1 || '%' AND created_at >= $2 AND created_at < $3
	`, prefix, from, to).Scan(&count)
	return count, err
}

func (s *PostgresStore) ListEventsInRange(ctx context.Context, from, to time.Time) ([]*Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, type, entity_type, entity_id, agent_id, payload, created_at
		FROM events WHERE created_at >= $1 AND created_at < $2 ORDER BY created_at ASC
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var payloadJSON []byte
		if err := rows.Scan(&e.ID, &e.Type, &e.EntityType, &e.EntityID, &e.AgentID, &payloadJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &e.Payload); err != nil {
				return nil, fmt.Errorf("decode event payload: %w", err)
			}
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// --- Cycle Operations ---

func (s *PostgresStore) InsertCycle(ctx context.Context, c *Cycle) error {
	statsJSON, err := json.Marshal(c.Stats)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO cycles (id, number, status, started_at, finished_at, stats)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, c.ID, c.Number, c.Status, c.StartedAt, c.FinishedAt, statsJSON)
	return err
}

func (s *PostgresStore) FinishCycle(ctx context.Context, id string, status string, stats map[string]int) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE cycles SET status = $2, stats = $3, finished_at = NOW() WHERE id = $1`,
		id, status, statsJSON)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("cycle not found")
	}
	return nil
}

// --- Transactions ---

func (s *PostgresStore) RunInTransaction(ctx context.Context, fn func(Store) error) error {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	txStore := &PostgresStore{db: tx, pool: s.pool, inTx: true}
	if err := fn(txStore); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) TryAdvisoryLock(ctx context.Context, key string) (bool, error) {
	if !s.inTx {
		return false, ErrNoTransaction
	}
	var acquired bool
	err := s.db.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, advisoryLockID(key)).Scan(&acquired)
	return acquired, err
}

// advisoryLockID hashes a key into the signed 64-bit space Postgres advisory
// locks use.
func advisoryLockID(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}

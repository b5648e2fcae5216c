package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// memData is the shared mutable state behind a MemoryStore and all of its
// transaction views.
type memData struct {
	tasks      map[string]*Task
	runs       map[string]*Run
	leases     map[string]*Lease
	agents     map[string]*Agent
	mergeQueue map[string]*MergeQueueEntry
	events     []*Event
	artifacts  map[string][]ArtifactType // runID -> types
	cycles     map[string]*Cycle

	// advisory locks held by the currently open transaction
	heldLocks map[string]bool
}

// MemoryStore implements Store in memory. It backs tests and single-node dev
// runs. A transaction view shares the data but skips locking because the
// opening RunInTransaction holds the store mutex for the whole transaction.
type MemoryStore struct {
	mu   *sync.Mutex
	data *memData
	inTx bool
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mu: &sync.Mutex{},
		data: &memData{
			tasks:      make(map[string]*Task),
			runs:       make(map[string]*Run),
			leases:     make(map[string]*Lease),
			agents:     make(map[string]*Agent),
			mergeQueue: make(map[string]*MergeQueueEntry),
			artifacts:  make(map[string][]ArtifactType),
			cycles:     make(map[string]*Cycle),
			heldLocks:  make(map[string]bool),
		},
	}
}

func (s *MemoryStore) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// --- Task Operations ---

func (s *MemoryStore) InsertTask(ctx context.Context, t *Task) error {
	defer s.lock()()
	if t.AllowedPaths == nil {
		t.AllowedPaths = []string{}
	}
	if t.Commands == nil {
		t.Commands = []string{}
	}
	if t.Dependencies == nil {
		t.Dependencies = []string{}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	cp := *t
	s.data.tasks[t.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*Task, error) {
	defer s.lock()()
	t, ok := s.data.tasks[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListTasksByStatus(ctx context.Context, status TaskStatus) ([]*Task, error) {
	defer s.lock()()
	var result []*Task
	for _, t := range s.data.tasks {
		if t.Status == status {
			cp := *t
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Priority != result[j].Priority {
			return result[i].Priority < result[j].Priority
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) CountTasksByStatus(ctx context.Context) (map[TaskStatus]int, error) {
	defer s.lock()()
	counts := make(map[TaskStatus]int)
	for _, t := range s.data.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) UpdateTaskState(ctx context.Context, id string, from TaskStatus, upd TaskUpdate) (bool, error) {
	defer s.lock()()
	t, ok := s.data.tasks[id]
	if !ok {
		return false, nil
	}
	if from != "" && t.Status != from {
		return false, nil
	}
	t.Status = upd.Status
	t.BlockReason = upd.BlockReason
	if upd.BumpRetry {
		t.RetryCount++
	}
	if upd.Commands != nil {
		t.Commands = append([]string{}, (*upd.Commands)...)
	}
	if upd.AllowedPaths != nil {
		t.AllowedPaths = append([]string{}, (*upd.AllowedPaths)...)
	}
	if upd.Context != nil {
		t.Context = *upd.Context
	}
	t.UpdatedAt = time.Now()
	return true, nil
}

// --- Run Operations ---

func (s *MemoryStore) InsertRun(ctx context.Context, r *Run) error {
	defer s.lock()()
	cp := *r
	s.data.runs[r.ID] = &cp
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*Run, error) {
	defer s.lock()()
	r, ok := s.data.runs[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func runStatusIn(status RunStatus, filter []RunStatus) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if status == f {
			return true
		}
	}
	return false
}

func (s *MemoryStore) ListRunsByTask(ctx context.Context, taskID string, statuses []RunStatus, limit int) ([]*Run, error) {
	defer s.lock()()
	var result []*Run
	for _, r := range s.data.runs {
		if r.TaskID == taskID && runStatusIn(r.Status, statuses) {
			cp := *r
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) ListRunsByStatus(ctx context.Context, status RunStatus) ([]*Run, error) {
	defer s.lock()()
	var result []*Run
	for _, r := range s.data.runs {
		if r.Status == status {
			cp := *r
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListRunsInRange(ctx context.Context, from, to time.Time) ([]*Run, error) {
	defer s.lock()()
	var result []*Run
	for _, r := range s.data.runs {
		if !r.StartedAt.Before(from) && r.StartedAt.Before(to) {
			cp := *r
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) UpdateRunState(ctx context.Context, id string, from, to RunStatus, finishedAt *time.Time, errorMessage string) (bool, error) {
	defer s.lock()()
	r, ok := s.data.runs[id]
	if !ok {
		return false, nil
	}
	if from != "" && r.Status != from {
		return false, nil
	}
	r.Status = to
	if finishedAt != nil {
		t := *finishedAt
		r.FinishedAt = &t
	}
	if errorMessage != "" {
		r.ErrorMessage = errorMessage
	}
	return true, nil
}

func (s *MemoryStore) ClearRunJudgedAt(ctx context.Context, id string) (bool, error) {
	defer s.lock()()
	r, ok := s.data.runs[id]
	if !ok {
		return false, nil
	}
	r.JudgedAt = nil
	return true, nil
}

func (s *MemoryStore) PendingJudgeRun(ctx context.Context, taskID string) (*Run, error) {
	defer s.lock()()
	var latest *Run
	for _, r := range s.data.runs {
		if r.TaskID != taskID || r.Status != RunSuccess || r.JudgedAt != nil {
			continue
		}
		if latest == nil || r.StartedAt.After(latest.StartedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) LatestRestorableJudgeRun(ctx context.Context, taskID string) (*Run, error) {
	defer s.lock()()
	var latest *Run
	for _, r := range s.data.runs {
		if r.TaskID != taskID || r.Status != RunSuccess {
			continue
		}
		if !s.hasJudgeArtifact(r.ID) {
			continue
		}
		if latest == nil || r.StartedAt.After(latest.StartedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) hasJudgeArtifact(runID string) bool {
	for _, at := range s.data.artifacts[runID] {
		switch at {
		case ArtifactPR, ArtifactWorktree, ArtifactResearchClaim, ArtifactResearchSource, ArtifactResearchReport:
			return true
		}
	}
	return false
}

// --- Artifact Operations ---

func (s *MemoryStore) InsertArtifact(ctx context.Context, a *Artifact) error {
	defer s.lock()()
	s.data.artifacts[a.RunID] = append(s.data.artifacts[a.RunID], a.Type)
	return nil
}

// --- Lease Operations ---

func (s *MemoryStore) InsertLease(ctx context.Context, l *Lease) error {
	defer s.lock()()
	for _, existing := range s.data.leases {
		if existing.TaskID == l.TaskID {
			return errors.New("lease already exists for task " + l.TaskID)
		}
	}
	cp := *l
	s.data.leases[l.ID] = &cp
	return nil
}

func (s *MemoryStore) ListLeases(ctx context.Context) ([]*Lease, error) {
	defer s.lock()()
	result := make([]*Lease, 0, len(s.data.leases))
	for _, l := range s.data.leases {
		cp := *l
		result = append(result, &cp)
	}
	return result, nil
}

func (s *MemoryStore) ListExpiredLeases(ctx context.Context, now time.Time) ([]*Lease, error) {
	defer s.lock()()
	var result []*Lease
	for _, l := range s.data.leases {
		if l.ExpiresAt.Before(now) {
			cp := *l
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) DeleteLeases(ctx context.Context, ids []string) (int, error) {
	defer s.lock()()
	deleted := 0
	for _, id := range ids {
		if _, ok := s.data.leases[id]; ok {
			delete(s.data.leases, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) DeleteAllLeases(ctx context.Context) (int, error) {
	defer s.lock()()
	n := len(s.data.leases)
	s.data.leases = make(map[string]*Lease)
	return n, nil
}

// --- Agent Operations ---

func (s *MemoryStore) UpsertAgent(ctx context.Context, a *Agent) error {
	defer s.lock()()
	cp := *a
	s.data.agents[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	defer s.lock()()
	a, ok := s.data.agents[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	defer s.lock()()
	result := make([]*Agent, 0, len(s.data.agents))
	for _, a := range s.data.agents {
		cp := *a
		result = append(result, &cp)
	}
	return result, nil
}

func (s *MemoryStore) CountAgentsByStatus(ctx context.Context) (map[AgentStatus]int, error) {
	defer s.lock()()
	counts := make(map[AgentStatus]int)
	for _, a := range s.data.agents {
		counts[a.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) UpdateAgentState(ctx context.Context, id string, status AgentStatus, currentTaskID string) error {
	defer s.lock()()
	a, ok := s.data.agents[id]
	if !ok {
		return errors.New("agent not found")
	}
	a.Status = status
	a.CurrentTaskID = currentTaskID
	return nil
}

// --- Merge-Queue Operations ---

func (s *MemoryStore) InsertMergeQueueEntry(ctx context.Context, e *MergeQueueEntry) error {
	defer s.lock()()
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	cp := *e
	s.data.mergeQueue[e.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMergeQueueEntry(ctx context.Context, id string) (*MergeQueueEntry, error) {
	defer s.lock()()
	e, ok := s.data.mergeQueue[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) ListExpiredMergeClaims(ctx context.Context, now time.Time) ([]*MergeQueueEntry, error) {
	defer s.lock()()
	var result []*MergeQueueEntry
	for _, e := range s.data.mergeQueue {
		if e.Status == MergeProcessing && e.ClaimExpiresAt != nil && !e.ClaimExpiresAt.After(now) {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) ReleaseMergeClaims(ctx context.Context, ids []string, nextAttemptAt time.Time) (int, error) {
	defer s.lock()()
	released := 0
	for _, id := range ids {
		e, ok := s.data.mergeQueue[id]
		if !ok || e.Status != MergeProcessing {
			continue
		}
		e.Status = MergePending
		e.ClaimOwner = ""
		e.ClaimToken = ""
		e.ClaimedAt = nil
		e.ClaimExpiresAt = nil
		next := nextAttemptAt
		e.NextAttemptAt = &next
		e.UpdatedAt = time.Now()
		released++
	}
	return released, nil
}

// --- Event Operations ---

func (s *MemoryStore) InsertEvent(ctx context.Context, e *Event) error {
	defer s.lock()()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	cp := *e
	s.data.events = append(s.data.events, &cp)
	return nil
}

func (s *MemoryStore) CountEventsByTypePrefix(ctx context.Context, prefix string, from, to time.Time) (int, error) {
	defer s.lock()()
	count := 0
	for _, e := range s.data.events {
		if strings.HasPrefix(e.Type, prefix) && !e.CreatedAt.Before(from) && e.CreatedAt.Before(to) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) ListEventsInRange(ctx context.Context, from, to time.Time) ([]*Event, error) {
	defer s.lock()()
	var result []*Event
	for _, e := range s.data.events {
		if !e.CreatedAt.Before(from) && e.CreatedAt.Before(to) {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

// Events returns every recorded event, oldest first. Test helper.
func (s *MemoryStore) Events() []*Event {
	defer s.lock()()
	result := make([]*Event, 0, len(s.data.events))
	for _, e := range s.data.events {
		cp := *e
		result = append(result, &cp)
	}
	return result
}

// Cycles returns every cycle row. Test helper.
func (s *MemoryStore) Cycles() []*Cycle {
	defer s.lock()()
	result := make([]*Cycle, 0, len(s.data.cycles))
	for _, c := range s.data.cycles {
		cp := *c
		result = append(result, &cp)
	}
	return result
}

// --- Cycle Operations ---

func (s *MemoryStore) InsertCycle(ctx context.Context, c *Cycle) error {
	defer s.lock()()
	cp := *c
	s.data.cycles[c.ID] = &cp
	return nil
}

func (s *MemoryStore) FinishCycle(ctx context.Context, id string, status string, stats map[string]int) error {
	defer s.lock()()
	c, ok := s.data.cycles[id]
	if !ok {
		return errors.New("cycle not found")
	}
	now := time.Now()
	c.Status = status
	c.FinishedAt = &now
	c.Stats = stats
	return nil
}

// --- Transactions ---

func (s *MemoryStore) RunInTransaction(ctx context.Context, fn func(Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &MemoryStore{mu: s.mu, data: s.data, inTx: true}
	defer func() {
		// Advisory locks are transaction-scoped.
		s.data.heldLocks = make(map[string]bool)
	}()
	return fn(tx)
}

func (s *MemoryStore) TryAdvisoryLock(ctx context.Context, key string) (bool, error) {
	if !s.inTx {
		return false, ErrNoTransaction
	}
	if s.data.heldLocks[key] {
		return false, nil
	}
	s.data.heldLocks[key] = true
	return true, nil
}

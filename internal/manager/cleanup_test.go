package manager

import (
	"context"
	"testing"
	"time"

	"github.com/agentforge/cyclemgr/internal/config"
	"github.com/agentforge/cyclemgr/internal/events"
	"github.com/agentforge/cyclemgr/internal/monitor"
	"github.com/agentforge/cyclemgr/internal/recovery"
	"github.com/agentforge/cyclemgr/internal/store"
)

func newTestManager() (*Manager, *store.MemoryStore) {
	s := store.NewMemoryStore()
	cfg := config.Config{
		Recovery: recovery.DefaultConfig(),
		Anomaly:  monitor.DefaultAnomalyThresholds(),
	}
	return New(s, events.NewRecorder(s, nil), cfg), s
}

func TestPerformFullCleanup(t *testing.T) {
	ctx := context.Background()
	mgr, s := newTestManager()
	now := time.Now()

	// One expired lease (its task gets requeued) and one still-live lease
	// (dropped without a requeue).
	s.InsertTask(ctx, &store.Task{ID: "T1", Status: store.TaskRunning})
	s.InsertLease(ctx, &store.Lease{ID: "L1", TaskID: "T1", OwnerAgentID: "a1", ExpiresAt: now.Add(-time.Minute)})
	s.InsertTask(ctx, &store.Task{ID: "T2", Status: store.TaskRunning})
	s.InsertLease(ctx, &store.Lease{ID: "L2", TaskID: "T2", OwnerAgentID: "a2", ExpiresAt: now.Add(time.Hour)})

	// A busy agent with a fresh heartbeat gets reset to idle; a stale one
	// goes offline.
	s.UpsertAgent(ctx, &store.Agent{ID: "a1", Status: store.AgentBusy, CurrentTaskID: "T1", LastHeartbeat: now})
	s.UpsertAgent(ctx, &store.Agent{ID: "a2", Status: store.AgentBusy, CurrentTaskID: "T2", LastHeartbeat: now.Add(-time.Hour)})

	s.InsertRun(ctx, &store.Run{ID: "R1", TaskID: "T2", Status: store.RunRunning, StartedAt: now.Add(-5 * time.Minute)})

	stats, err := mgr.PerformFullCleanup(ctx, false)
	if err != nil {
		t.Fatalf("PerformFullCleanup: %v", err)
	}

	if stats.LeasesReleased != 1 {
		t.Errorf("leasesReleased = %d, want 1", stats.LeasesReleased)
	}
	if stats.LeasesDropped != 1 {
		t.Errorf("leasesDropped = %d, want 1", stats.LeasesDropped)
	}
	if stats.AgentsOffline != 1 {
		t.Errorf("agentsOffline = %d, want 1", stats.AgentsOffline)
	}
	if stats.AgentsReset != 1 {
		t.Errorf("agentsReset = %d, want 1", stats.AgentsReset)
	}
	// T1 was already requeued by the lease cleaner, so only T2 counts here.
	if stats.TasksRequeued != 1 {
		t.Errorf("tasksRequeued = %d, want 1", stats.TasksRequeued)
	}
	if stats.RunsCancelled != 1 {
		t.Errorf("runsCancelled = %d, want 1", stats.RunsCancelled)
	}

	for _, id := range []string{"T1", "T2"} {
		task, _ := s.GetTask(ctx, id)
		if task.Status != store.TaskQueued {
			t.Errorf("task %s = %s, want queued", id, task.Status)
		}
	}

	leases, _ := s.ListLeases(ctx)
	if len(leases) != 0 {
		t.Errorf("leases remaining = %d, want 0", len(leases))
	}

	run, _ := s.GetRun(ctx, "R1")
	if run.Status != store.RunCancelled {
		t.Errorf("run status = %s, want cancelled", run.Status)
	}
	if run.ErrorMessage != "Cancelled during cycle cleanup" {
		t.Errorf("run error = %q", run.ErrorMessage)
	}
	if run.FinishedAt == nil {
		t.Error("run finishedAt not set")
	}

	a1, _ := s.GetAgent(ctx, "a1")
	if a1.Status != store.AgentIdle || a1.CurrentTaskID != "" {
		t.Errorf("agent a1 = %s task=%q, want idle with no task", a1.Status, a1.CurrentTaskID)
	}
	a2, _ := s.GetAgent(ctx, "a2")
	if a2.Status != store.AgentOffline {
		t.Errorf("agent a2 = %s, want offline", a2.Status)
	}

	found := false
	for _, e := range s.Events() {
		if e.Type == "cycle.cleanup" {
			found = true
			if e.Payload["runsCancelled"] != 1 {
				t.Errorf("cleanup payload = %v", e.Payload)
			}
		}
	}
	if !found {
		t.Error("no cycle.cleanup event recorded")
	}
}

func TestFinishOpenCycleClosesRunningRow(t *testing.T) {
	ctx := context.Background()
	mgr, s := newTestManager()

	if err := mgr.BeginCycle(ctx); err != nil {
		t.Fatalf("BeginCycle: %v", err)
	}

	// Runs when the leader context is cancelled; no cycle may stay running.
	mgr.finishOpenCycle()

	cycles := s.Cycles()
	if len(cycles) != 1 {
		t.Fatalf("cycles = %d, want 1", len(cycles))
	}
	c := cycles[0]
	if c.Status != "finished" {
		t.Errorf("cycle status = %s, want finished", c.Status)
	}
	if c.FinishedAt == nil {
		t.Error("finished cycle without finishedAt")
	}

	// Idempotent: a second stop finds no open cycle.
	mgr.finishOpenCycle()
	if got := len(s.Cycles()); got != 1 {
		t.Errorf("cycles after second stop = %d, want 1", got)
	}
}

func TestBeginCycleOpensAndClosesRows(t *testing.T) {
	ctx := context.Background()
	mgr, s := newTestManager()

	if err := mgr.BeginCycle(ctx); err != nil {
		t.Fatalf("first BeginCycle: %v", err)
	}
	if mgr.CycleNumber() != 1 {
		t.Errorf("cycleNumber = %d, want 1", mgr.CycleNumber())
	}

	if err := mgr.BeginCycle(ctx); err != nil {
		t.Fatalf("second BeginCycle: %v", err)
	}
	if mgr.CycleNumber() != 2 {
		t.Errorf("cycleNumber = %d, want 2", mgr.CycleNumber())
	}

	cycles := s.Cycles()
	if len(cycles) != 2 {
		t.Fatalf("cycles = %d, want 2", len(cycles))
	}
	var running, done int
	for _, c := range cycles {
		switch c.Status {
		case "running":
			running++
		case "finished":
			done++
			if c.FinishedAt == nil {
				t.Error("finished cycle without finishedAt")
			}
		}
	}
	if running != 1 || done != 1 {
		t.Errorf("running=%d finished=%d, want 1 and 1", running, done)
	}
}

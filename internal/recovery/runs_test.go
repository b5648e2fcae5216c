package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/agentforge/cyclemgr/internal/store"
)

func TestRunCleanerCancelsStuckRun(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	now := time.Now()

	s.InsertTask(ctx, &store.Task{ID: "T2", Status: store.TaskRunning})
	s.InsertRun(ctx, &store.Run{ID: "R1", TaskID: "T2", Status: store.RunRunning, StartedAt: now.Add(-16 * time.Minute)})

	c := NewRunCleaner(s, newTestRecorder(s), 15*time.Minute)
	count, err := c.Clean(ctx, now)
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}

	run, _ := s.GetRun(ctx, "R1")
	if run.Status != store.RunCancelled {
		t.Errorf("run status = %s, want cancelled", run.Status)
	}
	if run.ErrorMessage != "Cancelled due to timeout" {
		t.Errorf("errorMessage = %q", run.ErrorMessage)
	}
	if run.FinishedAt == nil {
		t.Error("finishedAt not set")
	}

	task, _ := s.GetTask(ctx, "T2")
	if task.Status != store.TaskFailed {
		t.Errorf("task status = %s, want failed", task.Status)
	}
	if task.BlockReason != store.BlockNone {
		t.Errorf("blockReason = %q, want empty", task.BlockReason)
	}

	findEvent(t, s, "run.timeout")
}

func TestRunCleanerKeepsYoungRuns(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	now := time.Now()

	s.InsertTask(ctx, &store.Task{ID: "T2", Status: store.TaskRunning})
	s.InsertRun(ctx, &store.Run{ID: "R1", TaskID: "T2", Status: store.RunRunning, StartedAt: now.Add(-5 * time.Minute)})

	c := NewRunCleaner(s, newTestRecorder(s), 15*time.Minute)
	count, err := c.Clean(ctx, now)
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}
	run, _ := s.GetRun(ctx, "R1")
	if run.Status != store.RunRunning {
		t.Errorf("run status = %s, want running", run.Status)
	}
}

func TestRunCleanerIdempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	now := time.Now()

	s.InsertTask(ctx, &store.Task{ID: "T2", Status: store.TaskRunning})
	s.InsertRun(ctx, &store.Run{ID: "R1", TaskID: "T2", Status: store.RunRunning, StartedAt: now.Add(-time.Hour)})

	c := NewRunCleaner(s, newTestRecorder(s), 15*time.Minute)
	if _, err := c.Clean(ctx, now); err != nil {
		t.Fatalf("first Clean: %v", err)
	}
	count, err := c.Clean(ctx, now)
	if err != nil {
		t.Fatalf("second Clean: %v", err)
	}
	if count != 0 {
		t.Errorf("second pass count = %d, want 0", count)
	}
	if got := countEvents(s, "run.timeout"); got != 1 {
		t.Errorf("run.timeout events = %d, want 1", got)
	}
}

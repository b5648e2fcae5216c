package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/agentforge/cyclemgr/internal/events"
	"github.com/agentforge/cyclemgr/internal/store"
)

func newTestRecorder(s store.Store) *events.Recorder {
	return events.NewRecorder(s, nil)
}

func findEvent(t *testing.T, s *store.MemoryStore, eventType string) *store.Event {
	t.Helper()
	for _, e := range s.Events() {
		if e.Type == eventType {
			return e
		}
	}
	t.Fatalf("no %s event recorded", eventType)
	return nil
}

func countEvents(s *store.MemoryStore, eventType string) int {
	n := 0
	for _, e := range s.Events() {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func TestLeaseCleanerReleasesExpiredLease(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	now := time.Now()

	s.InsertTask(ctx, &store.Task{ID: "T1", Status: store.TaskRunning})
	s.InsertLease(ctx, &store.Lease{ID: "L1", TaskID: "T1", OwnerAgentID: "a1", ExpiresAt: now.Add(-time.Second)})

	c := NewLeaseCleaner(s, newTestRecorder(s))
	count, err := c.Clean(ctx, now)
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}

	leases, _ := s.ListLeases(ctx)
	if len(leases) != 0 {
		t.Errorf("leases remaining = %d, want 0", len(leases))
	}
	task, _ := s.GetTask(ctx, "T1")
	if task.Status != store.TaskQueued {
		t.Errorf("task status = %s, want queued", task.Status)
	}
	if task.BlockReason != store.BlockNone {
		t.Errorf("blockReason = %q, want empty", task.BlockReason)
	}

	e := findEvent(t, s, "lease.expired")
	if e.Payload["taskId"] != "T1" {
		t.Errorf("event taskId = %v, want T1", e.Payload["taskId"])
	}
}

func TestLeaseCleanerKeepsFreshLeases(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	now := time.Now()

	s.InsertTask(ctx, &store.Task{ID: "T1", Status: store.TaskRunning})
	s.InsertLease(ctx, &store.Lease{ID: "L1", TaskID: "T1", ExpiresAt: now.Add(time.Minute)})

	c := NewLeaseCleaner(s, newTestRecorder(s))
	count, err := c.Clean(ctx, now)
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}
	task, _ := s.GetTask(ctx, "T1")
	if task.Status != store.TaskRunning {
		t.Errorf("task status = %s, want running", task.Status)
	}
}

func TestLeaseCleanerIdempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	now := time.Now()

	s.InsertTask(ctx, &store.Task{ID: "T1", Status: store.TaskRunning})
	s.InsertLease(ctx, &store.Lease{ID: "L1", TaskID: "T1", ExpiresAt: now.Add(-time.Second)})

	c := NewLeaseCleaner(s, newTestRecorder(s))
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
}

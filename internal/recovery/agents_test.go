package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/agentforge/cyclemgr/internal/store"
)

func TestAgentCleanerMarksStaleAgentsOffline(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	now := time.Now()

	s.UpsertAgent(ctx, &store.Agent{ID: "stale", Status: store.AgentBusy, CurrentTaskID: "T1", LastHeartbeat: now.Add(-11 * time.Minute)})
	s.UpsertAgent(ctx, &store.Agent{ID: "fresh", Status: store.AgentBusy, LastHeartbeat: now.Add(-time.Minute)})
	s.UpsertAgent(ctx, &store.Agent{ID: "gone", Status: store.AgentOffline, LastHeartbeat: now.Add(-time.Hour)})

	c := NewAgentCleaner(s, newTestRecorder(s))
	count, err := c.Clean(ctx, now)
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}

	stale, _ := s.GetAgent(ctx, "stale")
	if stale.Status != store.AgentOffline {
		t.Errorf("stale status = %s, want offline", stale.Status)
	}
	if stale.CurrentTaskID != "" {
		t.Errorf("stale currentTaskID = %q, want empty", stale.CurrentTaskID)
	}
	fresh, _ := s.GetAgent(ctx, "fresh")
	if fresh.Status != store.AgentBusy {
		t.Errorf("fresh status = %s, want busy", fresh.Status)
	}

	e := findEvent(t, s, "agent.offline")
	if e.Payload["reason"] != "heartbeat_timeout" {
		t.Errorf("event reason = %v, want heartbeat_timeout", e.Payload["reason"])
	}
}

func TestAgentCleanerIdempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	now := time.Now()

	s.UpsertAgent(ctx, &store.Agent{ID: "stale", Status: store.AgentBusy, LastHeartbeat: now.Add(-time.Hour)})

	c := NewAgentCleaner(s, newTestRecorder(s))
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

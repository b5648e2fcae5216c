package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/agentforge/cyclemgr/internal/store"
)

func TestMergeQueueRecovererReleasesExpiredClaim(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	now := time.Now()

	claimed := now.Add(-10 * time.Minute)
	expires := now.Add(-time.Minute)
	s.InsertMergeQueueEntry(ctx, &store.MergeQueueEntry{
		ID:             "M1",
		TaskID:         "T1",
		PRNumber:       42,
		Status:         store.MergeProcessing,
		ClaimOwner:     "judge-1",
		ClaimToken:     "tok",
		ClaimedAt:      &claimed,
		ClaimExpiresAt: &expires,
	})

	c := NewMergeQueueRecoverer(s, newTestRecorder(s), 30*time.Second)
	count, err := c.Clean(ctx, now)
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}

	e, _ := s.GetMergeQueueEntry(ctx, "M1")
	if e.Status != store.MergePending {
		t.Errorf("status = %s, want pending", e.Status)
	}
	if e.ClaimOwner != "" || e.ClaimToken != "" || e.ClaimedAt != nil || e.ClaimExpiresAt != nil {
		t.Error("claim fields not cleared")
	}
	if e.NextAttemptAt == nil || !e.NextAttemptAt.Equal(now.Add(30*time.Second)) {
		t.Errorf("nextAttemptAt = %v, want %v", e.NextAttemptAt, now.Add(30*time.Second))
	}

	ev := findEvent(t, s, "cycle.merge_queue_claim_recovered")
	if ev.Payload["count"] != 1 {
		t.Errorf("event count = %v, want 1", ev.Payload["count"])
	}
}

func TestMergeQueueRecovererIdempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	now := time.Now()

	expires := now.Add(-time.Minute)
	s.InsertMergeQueueEntry(ctx, &store.MergeQueueEntry{
		ID: "M1", Status: store.MergeProcessing, ClaimExpiresAt: &expires,
	})

	c := NewMergeQueueRecoverer(s, newTestRecorder(s), 30*time.Second)
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

package events

import (
	"context"
	"testing"

	"github.com/agentforge/cyclemgr/internal/store"
)

func TestRecordInsertsEvent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	r := NewRecorder(s, nil)

	id, err := r.Record(ctx, "task.requeued", "task", "T1", "agent-1", map[string]any{"reason": "cooldown_retry"})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if id == "" {
		t.Error("empty event id")
	}

	evs := s.Events()
	if len(evs) != 1 {
		t.Fatalf("events = %d, want 1", len(evs))
	}
	e := evs[0]
	if e.Type != "task.requeued" || e.EntityType != "task" || e.EntityID != "T1" || e.AgentID != "agent-1" {
		t.Errorf("event = %+v", e)
	}
	if e.Payload["reason"] != "cooldown_retry" {
		t.Errorf("payload = %v", e.Payload)
	}
	if e.CreatedAt.IsZero() {
		t.Error("createdAt not set")
	}
}

func TestWithStoreBindsTransactionView(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	r := NewRecorder(s, nil)

	err := s.RunInTransaction(ctx, func(tx store.Store) error {
		_, err := r.WithStore(tx).Record(ctx, "lease.expired", "lease", "L1", "", nil)
		return err
	})
	if err != nil {
		t.Fatalf("RunInTransaction: %v", err)
	}

	if got := len(s.Events()); got != 1 {
		t.Errorf("events = %d, want 1", got)
	}
}

func TestCountByTypePrefix(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	r := NewRecorder(s, nil)

	r.Record(ctx, "anomaly.stuck_task", "anomaly", "", "", nil)
	r.Record(ctx, "anomaly.cost_spike", "anomaly", "", "", nil)
	r.Record(ctx, "task.requeued", "task", "T1", "", nil)

	evs := s.Events()
	from := evs[0].CreatedAt
	to := evs[len(evs)-1].CreatedAt.Add(1)

	n, err := r.CountByTypePrefix(ctx, "anomaly.", from, to)
	if err != nil {
		t.Fatalf("CountByTypePrefix: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

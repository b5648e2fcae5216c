package monitor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/agentforge/cyclemgr/internal/events"
	"github.com/agentforge/cyclemgr/internal/store"
)

func newTestDetector() (*AnomalyDetector, *store.MemoryStore) {
	s := store.NewMemoryStore()
	return NewAnomalyDetector(s, events.NewRecorder(s, nil), DefaultAnomalyThresholds()), s
}

func hasAnomaly(anomalies []Anomaly, anomalyType, severity string) bool {
	for _, a := range anomalies {
		if a.Type == anomalyType && (severity == "" || a.Severity == severity) {
			return true
		}
	}
	return false
}

func TestFailureRateCritical(t *testing.T) {
	ctx := context.Background()
	d, s := newTestDetector()
	now := time.Now()

	for i := 0; i < 6; i++ {
		status := store.RunSuccess
		if i < 3 {
			status = store.RunFailed
		}
		s.InsertRun(ctx, &store.Run{
			ID:        fmt.Sprintf("r%d", i),
			Status:    status,
			StartedAt: now.Add(-30 * time.Minute),
		})
	}

	anomalies, err := d.Check(ctx, now)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !hasAnomaly(anomalies, "high_failure_rate", "critical") {
		t.Errorf("anomalies = %+v, want critical high_failure_rate", anomalies)
	}
}

func TestFailureRateSkipsSmallSample(t *testing.T) {
	ctx := context.Background()
	d, s := newTestDetector()
	now := time.Now()

	for i := 0; i < 4; i++ {
		s.InsertRun(ctx, &store.Run{
			ID:        fmt.Sprintf("r%d", i),
			Status:    store.RunFailed,
			StartedAt: now.Add(-30 * time.Minute),
		})
	}

	anomalies, err := d.Check(ctx, now)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if hasAnomaly(anomalies, "high_failure_rate", "") {
		t.Error("failure rate must be skipped under 5 runs")
	}
}

func TestCostSpike(t *testing.T) {
	ctx := context.Background()
	d, s := newTestDetector()
	now := time.Now()

	s.InsertRun(ctx, &store.Run{ID: "prior", Status: store.RunSuccess, StartedAt: now.Add(-90 * time.Minute), CostTokens: 1000})
	s.InsertRun(ctx, &store.Run{ID: "current", Status: store.RunSuccess, StartedAt: now.Add(-30 * time.Minute), CostTokens: 2500})

	anomalies, err := d.Check(ctx, now)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !hasAnomaly(anomalies, "cost_spike", "warning") {
		t.Errorf("anomalies = %+v, want cost_spike warning at ratio 2.5", anomalies)
	}
}

func TestCostSpikeSkipsWithoutBaseline(t *testing.T) {
	ctx := context.Background()
	d, s := newTestDetector()
	now := time.Now()

	s.InsertRun(ctx, &store.Run{ID: "current", Status: store.RunSuccess, StartedAt: now.Add(-30 * time.Minute), CostTokens: 99999})

	anomalies, err := d.Check(ctx, now)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if hasAnomaly(anomalies, "cost_spike", "") {
		t.Error("cost spike must be skipped with a zero prior hour")
	}
}

func TestStuckRunCritical(t *testing.T) {
	ctx := context.Background()
	d, s := newTestDetector()
	now := time.Now()

	s.InsertRun(ctx, &store.Run{ID: "r1", TaskID: "t1", Status: store.RunRunning, StartedAt: now.Add(-3 * time.Hour)})

	anomalies, err := d.Check(ctx, now)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !hasAnomaly(anomalies, "stuck_task", "critical") {
		t.Errorf("anomalies = %+v, want critical stuck_task", anomalies)
	}
}

func TestAgentTimeout(t *testing.T) {
	ctx := context.Background()
	d, s := newTestDetector()
	now := time.Now()

	s.UpsertAgent(ctx, &store.Agent{ID: "a1", Status: store.AgentBusy, LastHeartbeat: now.Add(-15 * time.Minute)})

	anomalies, err := d.Check(ctx, now)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !hasAnomaly(anomalies, "agent_timeout", "warning") {
		t.Errorf("anomalies = %+v, want agent_timeout", anomalies)
	}
}

func TestNoProgressRequiresFreshBusyAgents(t *testing.T) {
	ctx := context.Background()
	d, s := newTestDetector()
	now := time.Now()

	// Busy with fresh heartbeat and no successes: no_progress fires.
	s.UpsertAgent(ctx, &store.Agent{ID: "a1", Status: store.AgentBusy, LastHeartbeat: now.Add(-time.Minute)})

	anomalies, err := d.Check(ctx, now)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !hasAnomaly(anomalies, "no_progress", "") {
		t.Errorf("anomalies = %+v, want no_progress", anomalies)
	}
}

func TestNoProgressIgnoresStaleBusyAgents(t *testing.T) {
	ctx := context.Background()
	d, s := newTestDetector()
	now := time.Now()

	// A crashed busy agent must read as agent_timeout, not no_progress.
	s.UpsertAgent(ctx, &store.Agent{ID: "a1", Status: store.AgentBusy, LastHeartbeat: now.Add(-time.Hour)})

	anomalies, err := d.Check(ctx, now)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if hasAnomaly(anomalies, "no_progress", "") {
		t.Error("no_progress must ignore stale-heartbeat agents")
	}
}

func TestNoProgressClearedByRecentSuccess(t *testing.T) {
	ctx := context.Background()
	d, s := newTestDetector()
	now := time.Now()

	s.UpsertAgent(ctx, &store.Agent{ID: "a1", Status: store.AgentBusy, LastHeartbeat: now.Add(-time.Minute)})
	finished := now.Add(-10 * time.Minute)
	s.InsertRun(ctx, &store.Run{ID: "r1", Status: store.RunSuccess, StartedAt: now.Add(-20 * time.Minute), FinishedAt: &finished})

	anomalies, err := d.Check(ctx, now)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if hasAnomaly(anomalies, "no_progress", "") {
		t.Error("a recent success must clear no_progress")
	}
}

func TestRepeatSuppression(t *testing.T) {
	ctx := context.Background()
	d, s := newTestDetector()
	now := time.Now()

	s.UpsertAgent(ctx, &store.Agent{ID: "a1", Status: store.AgentBusy, LastHeartbeat: now.Add(-15 * time.Minute)})

	first, err := d.Check(ctx, now)
	if err != nil {
		t.Fatalf("first Check: %v", err)
	}
	if !hasAnomaly(first, "agent_timeout", "") {
		t.Fatal("first check should report agent_timeout")
	}

	// Same tick, same signature: suppressed.
	second, err := d.Check(ctx, now)
	if err != nil {
		t.Fatalf("second Check: %v", err)
	}
	if hasAnomaly(second, "agent_timeout", "") {
		t.Error("repeat within cooldown must be suppressed")
	}
}

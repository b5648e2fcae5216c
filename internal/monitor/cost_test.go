package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/agentforge/cyclemgr/internal/events"
	"github.com/agentforge/cyclemgr/internal/store"
)

func newTestTracker() (*CostTracker, *store.MemoryStore) {
	s := store.NewMemoryStore()
	return NewCostTracker(s, events.NewRecorder(s, nil)), s
}

func seedRuns(ctx context.Context, s *store.MemoryStore, base time.Time) {
	finished := base.Add(10 * time.Minute)
	runs := []*store.Run{
		{ID: "r1", TaskID: "t1", Status: store.RunSuccess, StartedAt: base, FinishedAt: &finished, CostTokens: 1000},
		{ID: "r2", TaskID: "t2", Status: store.RunSuccess, StartedAt: base.Add(time.Minute), FinishedAt: &finished, CostTokens: 3000},
		{ID: "r3", TaskID: "t3", Status: store.RunFailed, StartedAt: base.Add(2 * time.Minute), CostTokens: 500},
		{ID: "r4", TaskID: "t4", Status: store.RunRunning, StartedAt: base.Add(3 * time.Minute), CostTokens: 100},
	}
	for _, r := range runs {
		s.InsertRun(ctx, r)
	}
}

func TestCostByPeriod(t *testing.T) {
	ctx := context.Background()
	tracker, s := newTestTracker()
	now := time.Now()
	seedRuns(ctx, s, now.Add(-30*time.Minute))

	report, err := tracker.CostByPeriod(ctx, now.Add(-time.Hour), now)
	if err != nil {
		t.Fatalf("CostByPeriod: %v", err)
	}

	if report.TotalTokens != 4600 {
		t.Errorf("totalTokens = %d, want 4600", report.TotalTokens)
	}
	if report.RunsCount != 4 {
		t.Errorf("runsCount = %d, want 4", report.RunsCount)
	}
	if report.SuccessfulRuns != 2 {
		t.Errorf("successfulRuns = %d, want 2", report.SuccessfulRuns)
	}
	if report.FailedRuns != 1 {
		t.Errorf("failedRuns = %d, want 1", report.FailedRuns)
	}
	if report.AverageTokensPerRun != 1150 {
		t.Errorf("averageTokensPerRun = %f, want 1150", report.AverageTokensPerRun)
	}
	if report.CostPerSuccessfulTask != 2000 {
		t.Errorf("costPerSuccessfulTask = %f, want 2000", report.CostPerSuccessfulTask)
	}
}

func TestCostByPeriodEmpty(t *testing.T) {
	ctx := context.Background()
	tracker, _ := newTestTracker()
	now := time.Now()

	report, err := tracker.CostByPeriod(ctx, now.Add(-time.Hour), now)
	if err != nil {
		t.Fatalf("CostByPeriod: %v", err)
	}
	if report.TotalTokens != 0 || report.AverageTokensPerRun != 0 || report.CostPerSuccessfulTask != 0 {
		t.Errorf("empty period report = %+v, want zeros", report)
	}
}

func TestCheckLimitsHourlyExceeded(t *testing.T) {
	ctx := context.Background()
	tracker, s := newTestTracker()
	now := time.Now()
	seedRuns(ctx, s, now.Add(-30*time.Minute))

	alerts, err := tracker.CheckLimits(ctx, CostLimits{HourlyTokens: 4000}, now)
	if err != nil {
		t.Fatalf("CheckLimits: %v", err)
	}
	if len(alerts) == 0 {
		t.Fatal("no alerts, want hourly_exceeded")
	}
	found := false
	for _, a := range alerts {
		if a.Type == "hourly_exceeded" {
			found = true
		}
	}
	if !found {
		t.Errorf("alerts = %+v, want hourly_exceeded", alerts)
	}
}

func TestCheckLimitsWarningThreshold(t *testing.T) {
	ctx := context.Background()
	tracker, s := newTestTracker()
	now := time.Now()
	seedRuns(ctx, s, now.Add(-30*time.Minute))

	// 4600 of 5000 is 92%, over the 0.8 warning threshold but not exceeded.
	alerts, err := tracker.CheckLimits(ctx, CostLimits{HourlyTokens: 5000}, now)
	if err != nil {
		t.Fatalf("CheckLimits: %v", err)
	}
	found := false
	for _, a := range alerts {
		if a.Type == "hourly_warning" {
			found = true
		}
		if a.Type == "hourly_exceeded" {
			t.Error("got hourly_exceeded below the limit")
		}
	}
	if !found {
		t.Errorf("alerts = %+v, want hourly_warning", alerts)
	}
}

func TestCheckLimitsUnlimited(t *testing.T) {
	ctx := context.Background()
	tracker, s := newTestTracker()
	now := time.Now()
	seedRuns(ctx, s, now.Add(-30*time.Minute))

	alerts, err := tracker.CheckLimits(ctx, CostLimits{}, now)
	if err != nil {
		t.Fatalf("CheckLimits: %v", err)
	}
	if len(alerts) != 0 {
		t.Errorf("alerts = %+v, want none with unlimited budget", alerts)
	}
}

func TestAnalyzeEfficiencyDegrading(t *testing.T) {
	ctx := context.Background()
	tracker, s := newTestTracker()
	now := time.Now()

	// First half: cheap successes. Second half: expensive ones.
	firstHalf := now.AddDate(0, 0, -6)
	secondHalf := now.AddDate(0, 0, -2)
	finished := now.Add(-time.Hour)
	s.InsertRun(ctx, &store.Run{ID: "r1", Status: store.RunSuccess, StartedAt: firstHalf, FinishedAt: &finished, CostTokens: 1000})
	s.InsertRun(ctx, &store.Run{ID: "r2", Status: store.RunSuccess, StartedAt: secondHalf, FinishedAt: &finished, CostTokens: 9000})

	report, err := tracker.AnalyzeEfficiency(ctx, 8, now)
	if err != nil {
		t.Fatalf("AnalyzeEfficiency: %v", err)
	}
	if report.Trend != "degrading" {
		t.Errorf("trend = %s, want degrading", report.Trend)
	}
}

func TestAnalyzeEfficiencyRecommendations(t *testing.T) {
	ctx := context.Background()
	tracker, s := newTestTracker()
	now := time.Now()

	start := now.AddDate(0, 0, -3)
	s.InsertRun(ctx, &store.Run{ID: "r1", Status: store.RunSuccess, StartedAt: start, CostTokens: 60000})
	s.InsertRun(ctx, &store.Run{ID: "r2", Status: store.RunFailed, StartedAt: start.Add(time.Hour), CostTokens: 10000})

	report, err := tracker.AnalyzeEfficiency(ctx, 7, now)
	if err != nil {
		t.Fatalf("AnalyzeEfficiency: %v", err)
	}
	// Success rate 0.5 and 70k tokens per success both trip recommendations.
	if len(report.Recommendations) != 2 {
		t.Errorf("recommendations = %v, want 2", report.Recommendations)
	}
}

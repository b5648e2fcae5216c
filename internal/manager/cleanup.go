package manager

import (
	"context"
	"log"
	"time"

	"github.com/agentforge/cyclemgr/internal/observability"
	"github.com/agentforge/cyclemgr/internal/store"
)

// CleanupStats aggregates what a full cleanup touched.
type CleanupStats struct {
	LeasesReleased int `json:"leasesReleased"`
	LeasesDropped  int `json:"leasesDropped"`
	AgentsOffline  int `json:"agentsOffline"`
	AgentsReset    int `json:"agentsReset"`
	TasksRequeued  int `json:"tasksRequeued"`
	RunsCancelled  int `json:"runsCancelled"`
}

// PerformFullCleanup resets execution state at a cycle boundary: expired
// leases are released, remaining leases dropped, stale agents marked offline,
// live agents set idle, running tasks requeued and running runs cancelled.
//
// preserveTaskState is vestigial: the revert of running tasks is always
// performed, matching long-standing behavior that callers depend on.
func (m *Manager) PerformFullCleanup(ctx context.Context, preserveTaskState bool) (CleanupStats, error) {
	_ = preserveTaskState
	now := time.Now()
	var stats CleanupStats

	released, err := m.leases.Clean(ctx, now)
	if err != nil {
		return stats, err
	}
	stats.LeasesReleased = released

	dropped, err := m.store.DeleteAllLeases(ctx)
	if err != nil {
		return stats, err
	}
	stats.LeasesDropped = dropped

	offline, err := m.agents.Clean(ctx, now)
	if err != nil {
		return stats, err
	}
	stats.AgentsOffline = offline

	agents, err := m.store.ListAgents(ctx)
	if err != nil {
		return stats, err
	}
	for _, a := range agents {
		if a.Status == store.AgentOffline || a.Status == store.AgentIdle {
			continue
		}
		if err := m.store.UpdateAgentState(ctx, a.ID, store.AgentIdle, ""); err != nil {
			return stats, err
		}
		stats.AgentsReset++
	}

	running, err := m.store.ListTasksByStatus(ctx, store.TaskRunning)
	if err != nil {
		return stats, err
	}
	for _, t := range running {
		changed, err := m.store.UpdateTaskState(ctx, t.ID, store.TaskRunning, store.TaskUpdate{
			Status:      store.TaskQueued,
			BlockReason: store.BlockNone,
		})
		if err != nil {
			return stats, err
		}
		if changed {
			stats.TasksRequeued++
		}
	}

	runs, err := m.store.ListRunsByStatus(ctx, store.RunRunning)
	if err != nil {
		return stats, err
	}
	for _, r := range runs {
		changed, err := m.store.UpdateRunState(ctx, r.ID, store.RunRunning, store.RunCancelled,
			&now, "Cancelled during cycle cleanup")
		if err != nil {
			return stats, err
		}
		if changed {
			stats.RunsCancelled++
		}
	}

	if _, err := m.recorder.Record(ctx, "cycle.cleanup", "cycle", "", "", map[string]any{
		"leasesReleased": stats.LeasesReleased,
		"leasesDropped":  stats.LeasesDropped,
		"agentsOffline":  stats.AgentsOffline,
		"agentsReset":    stats.AgentsReset,
		"tasksRequeued":  stats.TasksRequeued,
		"runsCancelled":  stats.RunsCancelled,
	}); err != nil {
		log.Printf("Failed to record cycle.cleanup: %v", err)
	}
	observability.FullCleanups.Inc()

	log.Printf("Full cleanup: leases=%d+%d agents=%d+%d tasks=%d runs=%d",
		stats.LeasesReleased, stats.LeasesDropped, stats.AgentsOffline,
		stats.AgentsReset, stats.TasksRequeued, stats.RunsCancelled)
	return stats, nil
}

package recovery

import (
	"context"
	"log"
	"time"

	"github.com/agentforge/cyclemgr/internal/events"
	"github.com/agentforge/cyclemgr/internal/observability"
	"github.com/agentforge/cyclemgr/internal/store"
)

// AgentCleaner marks agents offline when their heartbeat goes stale. It never
// touches the agent's task: the lease cleaner owns task recovery, so a slow
// but alive agent is not preempted.
type AgentCleaner struct {
	store    store.Store
	recorder *events.Recorder
	timeout  time.Duration
}

func NewAgentCleaner(s store.Store, rec *events.Recorder) *AgentCleaner {
	return &AgentCleaner{store: s, recorder: rec, timeout: AgentHeartbeatTimeout}
}

// Clean marks every agent whose last heartbeat is older than the timeout as
// offline. Returns the number of agents transitioned.
func (c *AgentCleaner) Clean(ctx context.Context, now time.Time) (int, error) {
	agents, err := c.store.ListAgents(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := now.Add(-c.timeout)
	marked := 0
	for _, a := range agents {
		if a.Status == store.AgentOffline || !a.LastHeartbeat.Before(cutoff) {
			continue
		}
		if err := c.store.UpdateAgentState(ctx, a.ID, store.AgentOffline, ""); err != nil {
			return marked, err
		}
		if _, err := c.recorder.Record(ctx, "agent.offline", "agent", a.ID, a.ID, map[string]any{
			"reason":        "heartbeat_timeout",
			"lastHeartbeat": a.LastHeartbeat,
			"previousTask":  a.CurrentTaskID,
		}); err != nil {
			return marked, err
		}
		observability.CleanerTransitions.WithLabelValues("agent", "offline").Inc()
		marked++
	}

	if marked > 0 {
		log.Printf("Marked %d agent(s) offline after heartbeat timeout", marked)
	}
	return marked, nil
}

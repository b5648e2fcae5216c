// Package manager drives the control loop: it owns the cleaner and monitor
// schedule, cycle boundaries and the full cleanup that runs between cycles.
package manager

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentforge/cyclemgr/internal/config"
	"github.com/agentforge/cyclemgr/internal/events"
	"github.com/agentforge/cyclemgr/internal/monitor"
	"github.com/agentforge/cyclemgr/internal/observability"
	"github.com/agentforge/cyclemgr/internal/recovery"
	"github.com/agentforge/cyclemgr/internal/store"
)

const (
	fastInterval      = 30 * time.Second
	slowInterval      = 90 * time.Second
	anomalyInterval   = 2 * time.Minute
	costInterval      = time.Hour
	telemetryInterval = 30 * time.Second
)

// Manager wires the cleaners, requeuers and monitors to their tick schedule.
// Start is called with the leader context so a deposed replica stops cleanly.
type Manager struct {
	store    store.Store
	recorder *events.Recorder
	cfg      config.Config

	leases     *recovery.LeaseCleaner
	agents     *recovery.AgentCleaner
	runs       *recovery.RunCleaner
	mergeQueue *recovery.MergeQueueRecoverer
	failed     *recovery.FailedTaskRequeuer
	blocked    *recovery.BlockedTaskRequeuer

	cost    *monitor.CostTracker
	anomaly *monitor.AnomalyDetector

	mu          sync.Mutex
	cycleID     string
	cycleNumber int64
	cycleStats  map[string]int
}

func New(s store.Store, rec *events.Recorder, cfg config.Config) *Manager {
	return &Manager{
		store:      s,
		recorder:   rec,
		cfg:        cfg,
		leases:     recovery.NewLeaseCleaner(s, rec),
		agents:     recovery.NewAgentCleaner(s, rec),
		runs:       recovery.NewRunCleaner(s, rec, cfg.Recovery.RunMaxDuration),
		mergeQueue: recovery.NewMergeQueueRecoverer(s, rec, cfg.Recovery.MergeRetryDelay),
		failed:     recovery.NewFailedTaskRequeuer(s, rec, cfg.Recovery),
		blocked:    recovery.NewBlockedTaskRequeuer(s, rec, cfg.Recovery),
		cost:       monitor.NewCostTracker(s, rec),
		anomaly:    monitor.NewAnomalyDetector(s, rec, cfg.Anomaly),
		cycleStats: map[string]int{},
	}
}

// Start launches the tick loops. They stop when ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	if err := m.BeginCycle(ctx); err != nil {
		log.Printf("Failed to begin cycle: %v", err)
	}
	go m.fastLoop(ctx)
	go m.slowLoop(ctx)
	go m.anomalyLoop(ctx)
	go m.costLoop(ctx)
	go m.telemetryLoop(ctx)
	go func() {
		<-ctx.Done()
		m.finishOpenCycle()
	}()
	log.Printf("Manager started (cycle %d)", m.CycleNumber())
}

// finishOpenCycle closes the current cycle row when the loop stops, so a
// deposed or shut-down node does not leave a cycle stuck in "running". The
// leader context is already cancelled at that point, hence the fresh one.
func (m *Manager) finishOpenCycle() {
	m.mu.Lock()
	id := m.cycleID
	stats := m.cycleStats
	m.cycleID = ""
	m.cycleStats = map[string]int{}
	m.mu.Unlock()
	if id == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.FinishCycle(ctx, id, "finished", stats); err != nil {
		log.Printf("Failed to finish cycle %s on stop: %v", id, err)
	}
}

func (m *Manager) fastLoop(ctx context.Context) {
	ticker := time.NewTicker(fastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A tick never outlives its interval; a stuck store call is
			// cut off instead of piling up ticks.
			tickCtx, cancel := context.WithTimeout(ctx, fastInterval)
			now := time.Now()
			m.pass(tickCtx, "lease", now, m.leases.Clean)
			m.pass(tickCtx, "run", now, m.runs.Clean)
			m.pass(tickCtx, "failed_task", now, m.failed.Clean)
			cancel()
		}
	}
}

func (m *Manager) slowLoop(ctx context.Context) {
	ticker := time.NewTicker(slowInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tickCtx, cancel := context.WithTimeout(ctx, slowInterval)
			now := time.Now()
			m.pass(tickCtx, "blocked_task", now, m.blocked.Clean)
			m.pass(tickCtx, "agent", now, m.agents.Clean)
			m.pass(tickCtx, "merge_queue", now, m.mergeQueue.Clean)
			cancel()
		}
	}
}

func (m *Manager) anomalyLoop(ctx context.Context) {
	ticker := time.NewTicker(anomalyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reported, err := m.anomaly.Check(ctx, time.Now())
			if err != nil {
				log.Printf("Anomaly check failed: %v", err)
				observability.CleanerErrors.WithLabelValues("anomaly").Inc()
				continue
			}
			for _, a := range reported {
				log.Printf("Anomaly [%s] %s: %v", a.Severity, a.Type, a.Details)
			}
		}
	}
}

func (m *Manager) costLoop(ctx context.Context) {
	ticker := time.NewTicker(costInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			alerts, err := m.cost.CheckLimits(ctx, m.cfg.CostLimits, time.Now())
			if err != nil {
				log.Printf("Cost limit check failed: %v", err)
				observability.CleanerErrors.WithLabelValues("cost").Inc()
				continue
			}
			for _, a := range alerts {
				log.Printf("Cost alert %s: used=%d limit=%d (%.0f%%)", a.Type, a.Used, a.Limit, a.Ratio*100)
			}
		}
	}
}

func (m *Manager) telemetryLoop(ctx context.Context) {
	ticker := time.NewTicker(telemetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.collectTelemetry(ctx)
		}
	}
}

func (m *Manager) collectTelemetry(ctx context.Context) {
	tasks, err := m.store.CountTasksByStatus(ctx)
	if err == nil {
		for _, status := range []store.TaskStatus{
			store.TaskQueued, store.TaskRunning, store.TaskBlocked,
			store.TaskFailed, store.TaskDone, store.TaskCancelled,
		} {
			observability.TasksByStatus.WithLabelValues(string(status)).Set(float64(tasks[status]))
		}
	}
	agents, err := m.store.CountAgentsByStatus(ctx)
	if err == nil {
		for _, status := range []store.AgentStatus{store.AgentIdle, store.AgentBusy, store.AgentOffline} {
			observability.AgentsByStatus.WithLabelValues(string(status)).Set(float64(agents[status]))
		}
	}
}

// pass runs one cleaner pass with timing and error accounting, and folds the
// transition count into the current cycle stats.
func (m *Manager) pass(ctx context.Context, name string, now time.Time, fn func(context.Context, time.Time) (int, error)) {
	start := time.Now()
	count, err := fn(ctx, now)
	observability.CleanerPassDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		log.Printf("Cleaner %s failed: %v", name, err)
		observability.CleanerErrors.WithLabelValues(name).Inc()
		return
	}
	if count > 0 {
		m.mu.Lock()
		m.cycleStats[name] += count
		m.mu.Unlock()
	}
}

// CycleNumber returns the current cycle number.
func (m *Manager) CycleNumber() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cycleNumber
}

// BeginCycle closes the previous cycle, runs the full cleanup and opens a new
// cycle row.
func (m *Manager) BeginCycle(ctx context.Context) error {
	m.mu.Lock()
	prevID := m.cycleID
	prevStats := m.cycleStats
	m.mu.Unlock()

	if prevID != "" {
		if err := m.store.FinishCycle(ctx, prevID, "finished", prevStats); err != nil {
			log.Printf("Failed to finish cycle %s: %v", prevID, err)
		}
	}

	stats, err := m.PerformFullCleanup(ctx, false)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.cycleNumber++
	m.cycleID = uuid.NewString()
	m.cycleStats = map[string]int{}
	c := &store.Cycle{
		ID:        m.cycleID,
		Number:    m.cycleNumber,
		Status:    "running",
		StartedAt: time.Now(),
		Stats:     map[string]int{},
	}
	m.mu.Unlock()

	if err := m.store.InsertCycle(ctx, c); err != nil {
		return err
	}
	log.Printf("Cycle %d started after cleanup: %+v", c.Number, stats)
	return nil
}

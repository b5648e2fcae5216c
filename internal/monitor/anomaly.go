package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/agentforge/cyclemgr/internal/events"
	"github.com/agentforge/cyclemgr/internal/observability"
	"github.com/agentforge/cyclemgr/internal/store"
)

// signatureTableSize bounds the repeat-suppression table.
const signatureTableSize = 200

const maxSignatureDetailLen = 200

// AnomalyThresholds tunes the detector checks.
type AnomalyThresholds struct {
	FailureRateWarning  float64
	FailureRateCritical float64
	CostSpikeRatio      float64
	StuckRunAfter       time.Duration
	NoProgressAfter     time.Duration
	AgentTimeout        time.Duration
	RepeatCooldown      time.Duration
}

// DefaultAnomalyThresholds returns the documented defaults.
func DefaultAnomalyThresholds() AnomalyThresholds {
	return AnomalyThresholds{
		FailureRateWarning:  0.2,
		FailureRateCritical: 0.4,
		CostSpikeRatio:      2.0,
		StuckRunAfter:       60 * time.Minute,
		NoProgressAfter:     30 * time.Minute,
		AgentTimeout:        10 * time.Minute,
		RepeatCooldown:      5 * time.Minute,
	}
}

// Anomaly is one detected condition.
type Anomaly struct {
	Type     string         `json:"type"`
	Severity string         `json:"severity"` // "warning" or "critical"
	Details  map[string]any `json:"details"`
}

// AnomalyDetector runs the health checks and reports anomalies, suppressing
// repeats of the same alert within a cooldown window. It is driven from a
// single orchestrator goroutine; the suppression table is not safe for
// concurrent use.
type AnomalyDetector struct {
	store      store.Store
	recorder   *events.Recorder
	thresholds AnomalyThresholds
	recent     *lru.Cache[string, time.Time]
}

func NewAnomalyDetector(s store.Store, rec *events.Recorder, thresholds AnomalyThresholds) *AnomalyDetector {
	cache, _ := lru.New[string, time.Time](signatureTableSize)
	return &AnomalyDetector{
		store:      s,
		recorder:   rec,
		thresholds: thresholds,
		recent:     cache,
	}
}

// Check runs all detector checks and reports every anomaly that passes
// repeat suppression. Returns only the reported anomalies.
func (d *AnomalyDetector) Check(ctx context.Context, now time.Time) ([]Anomaly, error) {
	var detected []Anomaly

	checks := []func(context.Context, time.Time) ([]Anomaly, error){
		d.checkFailureRate,
		d.checkCostSpike,
		d.checkStuckRuns,
		d.checkNoProgress,
		d.checkAgentTimeouts,
	}
	for _, check := range checks {
		found, err := check(ctx, now)
		if err != nil {
			return detected, err
		}
		detected = append(detected, found...)
	}

	var reported []Anomaly
	for _, a := range detected {
		ok, err := d.report(ctx, a, now)
		if err != nil {
			log.Printf("Failed to report anomaly %s: %v", a.Type, err)
			continue
		}
		if ok {
			reported = append(reported, a)
		}
	}
	return reported, nil
}

// report emits the anomaly unless the same signature fired within the
// cooldown. Returns false when suppressed; callers must not accumulate
// suppressed anomalies.
func (d *AnomalyDetector) report(ctx context.Context, a Anomaly, now time.Time) (bool, error) {
	sig := anomalySignature(a)
	if last, ok := d.recent.Get(sig); ok && now.Sub(last) < d.thresholds.RepeatCooldown {
		observability.AnomaliesSuppressed.Inc()
		return false, nil
	}
	d.recent.Add(sig, now)

	if _, err := d.recorder.Record(ctx, "anomaly."+a.Type, "anomaly", a.Type, "", map[string]any{
		"severity": a.Severity,
		"details":  a.Details,
	}); err != nil {
		return false, err
	}
	observability.AnomaliesReported.WithLabelValues(a.Type, a.Severity).Inc()
	return true, nil
}

// anomalySignature keys repeat suppression: type, severity and the first 200
// bytes of the JSON-encoded details (JSON keys sort deterministically).
func anomalySignature(a Anomaly) string {
	details, _ := json.Marshal(a.Details)
	if len(details) > maxSignatureDetailLen {
		details = details[:maxSignatureDetailLen]
	}
	return a.Type + ":" + a.Severity + ":" + string(details)
}

func (d *AnomalyDetector) checkFailureRate(ctx context.Context, now time.Time) ([]Anomaly, error) {
	runs, err := d.store.ListRunsInRange(ctx, now.Add(-time.Hour), now)
	if err != nil {
		return nil, err
	}
	if len(runs) < 5 {
		return nil, nil
	}

	failed := 0
	for _, r := range runs {
		if r.Status == store.RunFailed {
			failed++
		}
	}
	rate := float64(failed) / float64(len(runs))
	if rate < d.thresholds.FailureRateWarning {
		return nil, nil
	}

	severity := "warning"
	if rate >= d.thresholds.FailureRateCritical {
		severity = "critical"
	}
	return []Anomaly{{
		Type:     "high_failure_rate",
		Severity: severity,
		Details: map[string]any{
			"failureRate": rate,
			"failedRuns":  failed,
			"totalRuns":   len(runs),
		},
	}}, nil
}

func (d *AnomalyDetector) checkCostSpike(ctx context.Context, now time.Time) ([]Anomaly, error) {
	sumTokens := func(runs []*store.Run) int64 {
		var total int64
		for _, r := range runs {
			total += r.CostTokens
		}
		return total
	}

	current, err := d.store.ListRunsInRange(ctx, now.Add(-time.Hour), now)
	if err != nil {
		return nil, err
	}
	prior, err := d.store.ListRunsInRange(ctx, now.Add(-2*time.Hour), now.Add(-time.Hour))
	if err != nil {
		return nil, err
	}

	priorTokens := sumTokens(prior)
	if priorTokens == 0 {
		return nil, nil
	}
	currentTokens := sumTokens(current)
	ratio := float64(currentTokens) / float64(priorTokens)
	if ratio < d.thresholds.CostSpikeRatio {
		return nil, nil
	}

	severity := "warning"
	if ratio >= d.thresholds.CostSpikeRatio*1.5 {
		severity = "critical"
	}
	return []Anomaly{{
		Type:     "cost_spike",
		Severity: severity,
		Details: map[string]any{
			"currentHourTokens": currentTokens,
			"priorHourTokens":   priorTokens,
			"ratio":             ratio,
		},
	}}, nil
}

func (d *AnomalyDetector) checkStuckRuns(ctx context.Context, now time.Time) ([]Anomaly, error) {
	runs, err := d.store.ListRunsByStatus(ctx, store.RunRunning)
	if err != nil {
		return nil, err
	}

	var found []Anomaly
	for _, r := range runs {
		age := now.Sub(r.StartedAt)
		if age <= d.thresholds.StuckRunAfter {
			continue
		}
		severity := "warning"
		if age > 2*d.thresholds.StuckRunAfter {
			severity = "critical"
		}
		found = append(found, Anomaly{
			Type:     "stuck_task",
			Severity: severity,
			Details: map[string]any{
				"runId":      r.ID,
				"taskId":     r.TaskID,
				"agentId":    r.AgentID,
				"runningFor": age.String(),
			},
		})
	}
	return found, nil
}

// checkNoProgress fires when busy agents with fresh heartbeats exist but no
// run finished successfully in the window. Agents with stale heartbeats are
// excluded so a crashed fleet reads as agent_timeout, not no_progress.
func (d *AnomalyDetector) checkNoProgress(ctx context.Context, now time.Time) ([]Anomaly, error) {
	agents, err := d.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	heartbeatCutoff := now.Add(-d.thresholds.AgentTimeout)
	busy := 0
	for _, a := range agents {
		if a.Status == store.AgentBusy && a.LastHeartbeat.After(heartbeatCutoff) {
			busy++
		}
	}
	if busy == 0 {
		return nil, nil
	}

	windowStart := now.Add(-d.thresholds.NoProgressAfter)
	successes, err := d.store.ListRunsByStatus(ctx, store.RunSuccess)
	if err != nil {
		return nil, err
	}
	for _, r := range successes {
		if r.FinishedAt != nil && r.FinishedAt.After(windowStart) {
			return nil, nil
		}
	}

	return []Anomaly{{
		Type:     "no_progress",
		Severity: "warning",
		Details: map[string]any{
			"busyAgents": busy,
			"windowMin":  int(d.thresholds.NoProgressAfter.Minutes()),
		},
	}}, nil
}

func (d *AnomalyDetector) checkAgentTimeouts(ctx context.Context, now time.Time) ([]Anomaly, error) {
	agents, err := d.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := now.Add(-d.thresholds.AgentTimeout)
	var found []Anomaly
	for _, a := range agents {
		if a.Status != store.AgentBusy || !a.LastHeartbeat.Before(cutoff) {
			continue
		}
		found = append(found, Anomaly{
			Type:     "agent_timeout",
			Severity: "warning",
			Details: map[string]any{
				"agentId":       a.ID,
				"currentTaskId": a.CurrentTaskID,
				"lastHeartbeat": a.LastHeartbeat.Format(time.RFC3339),
				"silentFor":     fmt.Sprintf("%.0fm", now.Sub(a.LastHeartbeat).Minutes()),
			},
		})
	}
	return found, nil
}

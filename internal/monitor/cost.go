// Package monitor implements the read-side watchers: token cost accounting
// and anomaly detection over the run and agent tables.
package monitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/agentforge/cyclemgr/internal/events"
	"github.com/agentforge/cyclemgr/internal/observability"
	"github.com/agentforge/cyclemgr/internal/store"
)

// DefaultCostWarningThreshold is the fraction of a limit at which a warning
// alert fires.
const DefaultCostWarningThreshold = 0.8

// CostReport aggregates run cost over a period.
type CostReport struct {
	TotalTokens           int64   `json:"totalTokens"`
	RunsCount             int     `json:"runsCount"`
	SuccessfulRuns        int     `json:"successfulRuns"`
	FailedRuns            int     `json:"failedRuns"`
	AverageTokensPerRun   float64 `json:"averageTokensPerRun"`
	CostPerSuccessfulTask float64 `json:"costPerSuccessfulTask"`
}

// CostLimits caps token spend per period; zero or negative means unlimited.
type CostLimits struct {
	DailyTokens      int64
	HourlyTokens     int64
	WarningThreshold float64
}

// CostAlert is one limit check result.
type CostAlert struct {
	Type  string  `json:"type"` // "daily_warning", "daily_exceeded", "hourly_warning", "hourly_exceeded"
	Used  int64   `json:"used"`
	Limit int64   `json:"limit"`
	Ratio float64 `json:"ratio"`
}

// EfficiencyReport compares cost efficiency across the two halves of a
// lookback window.
type EfficiencyReport struct {
	Days                     int      `json:"days"`
	SuccessRate              float64  `json:"successRate"`
	TokensPerSuccessfulTask  float64  `json:"tokensPerSuccessfulTask"`
	FirstHalfCostPerSuccess  float64  `json:"firstHalfCostPerSuccess"`
	SecondHalfCostPerSuccess float64  `json:"secondHalfCostPerSuccess"`
	Trend                    string   `json:"trend"` // "improving", "stable", "degrading"
	Recommendations          []string `json:"recommendations"`
}

// CostTracker aggregates run token cost and checks spend limits.
type CostTracker struct {
	store    store.Store
	recorder *events.Recorder
}

func NewCostTracker(s store.Store, rec *events.Recorder) *CostTracker {
	return &CostTracker{store: s, recorder: rec}
}

// CostByPeriod sums run cost over runs started in [start, end).
func (c *CostTracker) CostByPeriod(ctx context.Context, start, end time.Time) (*CostReport, error) {
	runs, err := c.store.ListRunsInRange(ctx, start, end)
	if err != nil {
		return nil, err
	}

	r := &CostReport{RunsCount: len(runs)}
	for _, run := range runs {
		r.TotalTokens += run.CostTokens
		switch run.Status {
		case store.RunSuccess:
			r.SuccessfulRuns++
		case store.RunFailed, store.RunCancelled:
			r.FailedRuns++
		}
	}
	if r.RunsCount > 0 {
		r.AverageTokensPerRun = float64(r.TotalTokens) / float64(r.RunsCount)
	}
	if r.SuccessfulRuns > 0 {
		r.CostPerSuccessfulTask = float64(r.TotalTokens) / float64(r.SuccessfulRuns)
	}
	return r, nil
}

// CheckLimits compares today's and the last hour's spend against the limits
// and emits a cost.<type> event per triggered alert.
func (c *CostTracker) CheckLimits(ctx context.Context, limits CostLimits, now time.Time) ([]CostAlert, error) {
	threshold := limits.WarningThreshold
	if threshold <= 0 {
		threshold = DefaultCostWarningThreshold
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	daily, err := c.CostByPeriod(ctx, midnight, now)
	if err != nil {
		return nil, err
	}
	hourly, err := c.CostByPeriod(ctx, now.Add(-time.Hour), now)
	if err != nil {
		return nil, err
	}

	observability.CostTokensUsed.WithLabelValues("daily").Set(float64(daily.TotalTokens))
	observability.CostTokensUsed.WithLabelValues("hourly").Set(float64(hourly.TotalTokens))

	var alerts []CostAlert
	alerts = appendLimitAlerts(alerts, "daily", daily.TotalTokens, limits.DailyTokens, threshold)
	alerts = appendLimitAlerts(alerts, "hourly", hourly.TotalTokens, limits.HourlyTokens, threshold)

	for _, a := range alerts {
		if _, err := c.recorder.Record(ctx, "cost."+a.Type, "cost", a.Type, "", map[string]any{
			"used":  a.Used,
			"limit": a.Limit,
			"ratio": a.Ratio,
		}); err != nil {
			log.Printf("Failed to record cost alert %s: %v", a.Type, err)
		}
	}
	return alerts, nil
}

func appendLimitAlerts(alerts []CostAlert, period string, used, limit int64, threshold float64) []CostAlert {
	if limit <= 0 {
		return alerts
	}
	ratio := float64(used) / float64(limit)
	switch {
	case ratio >= 1:
		alerts = append(alerts, CostAlert{Type: period + "_exceeded", Used: used, Limit: limit, Ratio: ratio})
	case ratio >= threshold:
		alerts = append(alerts, CostAlert{Type: period + "_warning", Used: used, Limit: limit, Ratio: ratio})
	}
	return alerts
}

// AnalyzeEfficiency compares the first and second half of a lookback window
// and flags degrading cost-per-success trends.
func (c *CostTracker) AnalyzeEfficiency(ctx context.Context, days int, now time.Time) (*EfficiencyReport, error) {
	start := now.AddDate(0, 0, -days)
	mid := start.Add(now.Sub(start) / 2)

	whole, err := c.CostByPeriod(ctx, start, now)
	if err != nil {
		return nil, err
	}
	first, err := c.CostByPeriod(ctx, start, mid)
	if err != nil {
		return nil, err
	}
	second, err := c.CostByPeriod(ctx, mid, now)
	if err != nil {
		return nil, err
	}

	r := &EfficiencyReport{
		Days:                     days,
		TokensPerSuccessfulTask:  whole.CostPerSuccessfulTask,
		FirstHalfCostPerSuccess:  first.CostPerSuccessfulTask,
		SecondHalfCostPerSuccess: second.CostPerSuccessfulTask,
		Trend:                    "stable",
	}
	if whole.RunsCount > 0 {
		r.SuccessRate = float64(whole.SuccessfulRuns) / float64(whole.RunsCount)
	}
	if first.CostPerSuccessfulTask > 0 {
		switch {
		case second.CostPerSuccessfulTask > first.CostPerSuccessfulTask*1.10:
			r.Trend = "degrading"
		case second.CostPerSuccessfulTask < first.CostPerSuccessfulTask*0.9:
			r.Trend = "improving"
		}
	}

	if whole.RunsCount > 0 && r.SuccessRate < 0.7 {
		r.Recommendations = append(r.Recommendations,
			fmt.Sprintf("Success rate is %.0f%%; review recurring failure categories before scaling up", r.SuccessRate*100))
	}
	if r.TokensPerSuccessfulTask > 50000 {
		r.Recommendations = append(r.Recommendations,
			"Cost per successful task exceeds 50k tokens; consider tighter timeboxes or smaller task scopes")
	}
	return r, nil
}

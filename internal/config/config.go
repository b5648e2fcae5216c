// Package config loads the manager's runtime configuration from the
// environment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/agentforge/cyclemgr/internal/failure"
	"github.com/agentforge/cyclemgr/internal/monitor"
	"github.com/agentforge/cyclemgr/internal/recovery"
)

// Config is the full manager configuration.
type Config struct {
	DatabaseURL string
	RedisAddr   string
	ListenAddr  string
	NodeID      string
	Production  bool

	Recovery   recovery.Config
	Anomaly    monitor.AnomalyThresholds
	CostLimits monitor.CostLimits
}

// Load reads the environment and fills in defaults for anything unset.
func Load() Config {
	cfg := Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		ListenAddr:  envString("LISTEN_ADDR", ":8080"),
		NodeID:      nodeID(),
		Production:  os.Getenv("PRODUCTION_MODE") == "true",
		Recovery:    recovery.DefaultConfig(),
		Anomaly:     monitor.DefaultAnomalyThresholds(),
	}

	if n, ok := envInt("FAILED_TASK_MAX_RETRY_COUNT"); ok {
		cfg.Recovery.RetryPolicy.GlobalLimit = n
	}
	if n, ok := envInt("FAILED_TASK_REPEATED_SIGNATURE_THRESHOLD"); ok {
		// Below 2 the signature comparison is meaningless.
		if n < 2 {
			n = 2
		}
		cfg.Recovery.SignatureThreshold = n
	}
	if d, ok := envDurationMs("STUCK_RUN_TIMEOUT_MS"); ok {
		cfg.Recovery.RunMaxDuration = d
	}
	if d, ok := envDurationMs("JUDGE_MERGE_QUEUE_RETRY_DELAY_MS"); ok {
		cfg.Recovery.MergeRetryDelay = d
	}

	if d, ok := envDurationMs("QUOTA_BACKOFF_BASE_MS"); ok {
		cfg.Recovery.Backoff.Base = d
	}
	// Provider-specific override takes precedence over the generic base.
	if d, ok := envDurationMs("OPENCODE_QUOTA_RETRY_DELAY_MS"); ok {
		cfg.Recovery.Backoff.Base = d
	}
	if d, ok := envDurationMs("QUOTA_BACKOFF_MAX_MS"); ok {
		cfg.Recovery.Backoff.Max = d
	}
	if f, ok := envFloat("QUOTA_BACKOFF_FACTOR"); ok && f > 0 {
		cfg.Recovery.Backoff.Factor = f
	}
	if f, ok := envFloat("QUOTA_BACKOFF_JITTER_RATIO"); ok && f >= 0 {
		cfg.Recovery.Backoff.JitterRatio = f
	}

	if d, ok := envDurationMs("ANOMALY_REPEAT_COOLDOWN_MS"); ok {
		cfg.Anomaly.RepeatCooldown = d
	}

	if n, ok := envInt64("DAILY_TOKEN_LIMIT"); ok {
		cfg.CostLimits.DailyTokens = n
	}
	if n, ok := envInt64("HOURLY_TOKEN_LIMIT"); ok {
		cfg.CostLimits.HourlyTokens = n
	}
	cfg.CostLimits.WarningThreshold = monitor.DefaultCostWarningThreshold

	return cfg
}

// RetryPolicy returns the effective retry policy.
func (c Config) RetryPolicy() failure.RetryPolicy {
	return c.Recovery.RetryPolicy
}

func nodeID() string {
	if id := os.Getenv("NODE_ID"); id != "" {
		return id
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "cyclemgr"
	}
	return hostname
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string) (int, bool) {
	s := os.Getenv(key)
	if s == "" {
		return 0, false
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}

func envInt64(key string) (int64, bool) {
	s := os.Getenv(key)
	if s == "" {
		return 0, false
	}
	var n int64
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	s := os.Getenv(key)
	if s == "" {
		return 0, false
	}
	var f float64
	if _, err := fmt.Sscanf(s, "%f", &f); err != nil {
		return 0, false
	}
	return f, true
}

func envDurationMs(key string) (time.Duration, bool) {
	n, ok := envInt64(key)
	if !ok || n <= 0 {
		return 0, false
	}
	return time.Duration(n) * time.Millisecond, true
}

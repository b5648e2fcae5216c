// Package recovery implements the cleanup and recovery engine: lease, agent,
// run and merge-queue cleaners plus the failed- and blocked-task requeuers.
package recovery

import (
	"time"

	"github.com/agentforge/cyclemgr/internal/failure"
)

// AgentHeartbeatTimeout is how long an agent may miss heartbeats before it is
// marked offline.
const AgentHeartbeatTimeout = 10 * time.Minute

// BackoffConfig tunes the quota-wait exponential backoff.
type BackoffConfig struct {
	Base        time.Duration
	Max         time.Duration
	Factor      float64
	JitterRatio float64
}

// DefaultBackoffConfig returns the built-in quota backoff tuning.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Base:        30 * time.Second,
		Max:         30 * time.Minute,
		Factor:      2,
		JitterRatio: 0.2,
	}
}

// Config carries the knobs shared by the cleaners and requeuers.
type Config struct {
	// FailedCooldown is the minimum age of a failed task before requeue.
	FailedCooldown time.Duration
	// BlockedCooldown is the minimum age of a blocked task before recovery.
	BlockedCooldown time.Duration
	// RunMaxDuration is the hard runtime limit for a single run.
	RunMaxDuration time.Duration
	// MergeRetryDelay schedules the next merge attempt after a claim recovery.
	MergeRetryDelay time.Duration
	// SignatureThreshold is the repeated-failure detection window.
	SignatureThreshold int
	// RetryPolicy holds the global and per-category retry limits.
	RetryPolicy failure.RetryPolicy
	// Backoff tunes quota-wait requeue delays.
	Backoff BackoffConfig
	// AutoAllowPatterns are globs a policy-violation recovery may add to a
	// task's allowed paths without human review.
	AutoAllowPatterns []string
}

// DefaultConfig returns the built-in recovery tuning.
func DefaultConfig() Config {
	return Config{
		FailedCooldown:     2 * time.Minute,
		BlockedCooldown:    5 * time.Minute,
		RunMaxDuration:     15 * time.Minute,
		MergeRetryDelay:    30 * time.Second,
		SignatureThreshold: failure.DefaultSignatureThreshold,
		RetryPolicy:        failure.DefaultRetryPolicy(),
		Backoff:            DefaultBackoffConfig(),
		AutoAllowPatterns:  DefaultAutoAllowPatterns(),
	}
}

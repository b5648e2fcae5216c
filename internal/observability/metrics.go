package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CleanerPassDuration tracks how long each cleaner pass takes.
	CleanerPassDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cyclemgr_cleaner_pass_duration_seconds",
		Help:    "Duration of one cleaner pass",
		Buckets: prometheus.DefBuckets,
	}, []string{"cleaner"})

	// CleanerTransitions counts state transitions applied by cleaners.
	CleanerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cyclemgr_cleaner_transitions_total",
		Help: "State transitions applied, by cleaner and action",
	}, []string{"cleaner", "action"})

	// CleanerErrors counts cleaner passes that returned an error.
	CleanerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cyclemgr_cleaner_errors_total",
		Help: "Cleaner passes that failed",
	}, []string{"cleaner"})

	// TasksByStatus tracks the current number of tasks per status.
	TasksByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cyclemgr_tasks_by_status",
		Help: "Current number of tasks per status",
	}, []string{"status"})

	// AgentsByStatus tracks the current number of agents per status.
	AgentsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cyclemgr_agents_by_status",
		Help: "Current number of agents per status",
	}, []string{"status"})

	// EventsRecorded counts events written to the log.
	EventsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cyclemgr_events_recorded_total",
		Help: "Events appended to the event log",
	}, []string{"type"})

	// EventPublishFailures tracks failed best-effort publish attempts.
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cyclemgr_event_publish_failures_total",
		Help: "Failed event publish attempts (non-blocking, best-effort)",
	}, []string{"event_type"})

	// AnomaliesReported counts anomalies that passed repeat suppression.
	AnomaliesReported = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cyclemgr_anomalies_reported_total",
		Help: "Anomalies reported, by type and severity",
	}, []string{"type", "severity"})

	// AnomaliesSuppressed counts anomalies dropped by repeat suppression.
	AnomaliesSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cyclemgr_anomalies_suppressed_total",
		Help: "Anomalies suppressed as repeats within the cooldown window",
	})

	// CostTokensUsed tracks token usage by accounting period.
	CostTokensUsed = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cyclemgr_cost_tokens_used",
		Help: "Token usage observed in the last accounting pass",
	}, []string{"period"})

	// LeaderStatus tracks current leader status (1 = leader, 0 = follower).
	LeaderStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cyclemgr_leader_status",
		Help: "Current leader status (1 = leader, 0 = follower)",
	})

	// LeadershipTransitions counts leadership acquisition and loss events.
	LeadershipTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cyclemgr_leader_transitions_total",
		Help: "Total number of leadership transitions",
	}, []string{"node_id", "event"})

	// FullCleanups counts cycle-boundary full cleanups.
	FullCleanups = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cyclemgr_full_cleanups_total",
		Help: "Cycle-boundary full cleanup passes",
	})

	// APIRateLimited tracks API requests rejected by the rate limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cyclemgr_api_rate_limited_total",
		Help: "API requests rejected by the rate limiter",
	}, []string{"endpoint"})

	// StreamClients tracks connected event stream clients.
	StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cyclemgr_stream_clients",
		Help: "Currently connected event stream clients",
	})
)

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AttemptsTotal tracks executor attempts per operation and outcome
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qmoi_heal_attempts_total",
			Help: "Total number of operation attempts",
		},
		[]string{"operation", "outcome"},
	)

	// AttemptDuration tracks how long a single attempt took
	AttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qmoi_heal_attempt_duration_seconds",
			Help:    "Duration of a single operation attempt in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// RemediationsTotal tracks strategy applications
	RemediationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qmoi_heal_remediations_total",
			Help: "Total number of remediation strategy applications",
		},
		[]string{"operation", "strategy", "outcome"},
	)

	// NotificationsTotal tracks per-channel delivery
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qmoi_heal_notifications_total",
			Help: "Total number of notification deliveries",
		},
		[]string{"channel", "outcome"},
	)

	// SyncRunsTotal tracks sync runs by observed state
	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qmoi_heal_sync_runs_total",
			Help: "Total number of repository sync runs by state",
		},
		[]string{"state", "outcome"},
	)

	// SchedulerFailures is the consecutive failure count of the daemon loop
	SchedulerFailures = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "qmoi_heal_scheduler_consecutive_failures",
			Help: "Consecutive failed daemon iterations",
		},
	)

	// LastRunTimestamp is the unix time of the last finished run per task
	LastRunTimestamp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qmoi_heal_last_run_timestamp_seconds",
			Help: "Unix time of the last finished run",
		},
		[]string{"task"},
	)
)

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

// OutcomeOf returns the outcome label for err.
func OutcomeOf(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PassDuration tracks the duration of scheduler passes.
	PassDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "assignd_pass_duration_seconds",
		Help:    "Duration of scheduler passes",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~2.7min
	}, []string{"reason"})

	// PassBookings tracks how many due bookings each pass picked up.
	PassBookings = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "assignd_pass_bookings",
		Help:    "Number of due bookings found per pass",
		Buckets: prometheus.LinearBuckets(0, 10, 11),
	})

	// ClaimResults tracks claim attempts by outcome (won, lost).
	ClaimResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assignd_claims_total",
		Help: "Booking claim attempts by outcome",
	}, []string{"outcome"})

	// StaleLocksReset counts processing locks forcibly returned to pending.
	StaleLocksReset = promauto.NewCounter(prometheus.CounterOpts{
		Name: "assignd_stale_locks_reset_total",
		Help: "Processing locks returned to pending by the janitor step",
	})

	// Decisions tracks engine outcomes (assigned, escalated, already_done,
	// skipped, error).
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assignd_decisions_total",
		Help: "Assignment engine outcomes",
	}, []string{"outcome"})

	// CommitConflicts counts commits lost to a concurrent writer.
	CommitConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "assignd_commit_conflicts_total",
		Help: "Assignment commits lost to a concurrent writer",
	})

	// CandidatesConsidered tracks candidate set sizes after filtering.
	CandidatesConsidered = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "assignd_candidates_considered",
		Help:    "Candidate set size per assignment after filtering",
		Buckets: prometheus.LinearBuckets(0, 2, 11),
	})

	// DRFallbacks counts DR assignments that had to use a blocked
	// interpreter because no alternative existed.
	DRFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "assignd_dr_fallbacks_total",
		Help: "DR assignments committed to a blocked interpreter (fallback tier)",
	})

	// PoolDepth tracks pool entries by status.
	PoolDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "assignd_pool_depth",
		Help: "Current number of pool entries by status",
	}, []string{"status"})

	// PoolRetries counts pool entries returned to waiting with backoff.
	PoolRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "assignd_pool_retries_total",
		Help: "Pool entries re-queued with backoff after a failed attempt",
	})

	// PoolFailed counts pool entries surfaced for manual assignment.
	PoolFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "assignd_pool_failed_total",
		Help: "Pool entries moved to failed after exhausting attempts",
	})

	// AuditBufferDepth tracks the audit ring buffer fill level.
	AuditBufferDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "assignd_audit_buffer_depth",
		Help: "Records waiting in the audit buffer",
	})

	// AuditDropped counts audit records dropped because the buffer was full.
	AuditDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "assignd_audit_dropped_total",
		Help: "Audit records dropped due to a full buffer",
	})

	// AuditFlushFailures counts failed flush attempts to the store.
	AuditFlushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "assignd_audit_flush_failures_total",
		Help: "Failed audit flush attempts",
	})

	// APIRateLimited counts intake requests rejected by the storm guard.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assignd_api_rate_limited_total",
		Help: "API requests rejected by rate limiter",
	}, []string{"endpoint"})

	// SchedulerRunning is 1 while the scheduler loops are active.
	SchedulerRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "assignd_scheduler_running",
		Help: "Whether the scheduler loops are active (1) or stopped (0)",
	})
)

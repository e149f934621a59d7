// Package metrics exposes the orchestrator's Prometheus collectors as
// promauto-registered package vars covering the run, task, dispatcher and
// scavenger counters the components increment.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Dispatcher ─────────────────────────────────────────────────────────────

// TasksClaimed counts successful Dispatcher.Request assignments.
var TasksClaimed = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "fishtest",
	Subsystem: "dispatcher",
	Name:      "tasks_claimed_total",
	Help:      "Total tasks claimed by a worker's request_task call.",
})

// TaskWaiting counts request_task calls that returned no work.
var TaskWaiting = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "fishtest",
	Subsystem: "dispatcher",
	Name:      "task_waiting_total",
	Help:      "Total request_task calls that found no eligible task.",
})

// MachineLimitHits counts requests denied by the per-IP machine limit.
var MachineLimitHits = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "fishtest",
	Subsystem: "dispatcher",
	Name:      "machine_limit_hits_total",
	Help:      "Total request_task calls rejected by the per-IP machine limit.",
})

// CandidateRebuildSeconds times one candidate-list rebuild (the
// at-most-once-per-60s recomputation).
var CandidateRebuildSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "fishtest",
	Subsystem: "dispatcher",
	Name:      "candidate_rebuild_seconds",
	Help:      "Latency of rebuilding the dispatcher's candidate-run ranking.",
	Buckets:   prometheus.DefBuckets,
})

// ActiveTasks gauges the current number of claimed-but-unfinished tasks.
var ActiveTasks = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "fishtest",
	Subsystem: "dispatcher",
	Name:      "active_tasks",
	Help:      "Current number of tasks claimed by a worker.",
})

// ─── Runs ───────────────────────────────────────────────────────────────────

// RunsCreated counts new_run submissions.
var RunsCreated = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "fishtest",
	Subsystem: "runs",
	Name:      "created_total",
	Help:      "Total runs created.",
})

// RunsStopped counts stop_run completions, labeled by the triggering reason
// (sprt_accepted, sprt_rejected, all_tasks_finished, manual_stop).
var RunsStopped = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fishtest",
	Subsystem: "runs",
	Name:      "stopped_total",
	Help:      "Total runs stopped, labeled by reason.",
}, []string{"reason"})

// RunsPurged counts χ²-triggered purges that actually evicted a worker's
// tasks.
var RunsPurged = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "fishtest",
	Subsystem: "runs",
	Name:      "purged_total",
	Help:      "Total runs purged of a contaminated worker's tasks.",
})

// ─── Scavenger ──────────────────────────────────────────────────────────────

// TasksScavenged counts tasks reclaimed for going stale.
var TasksScavenged = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "fishtest",
	Subsystem: "scavenger",
	Name:      "tasks_reclaimed_total",
	Help:      "Total tasks reclaimed after going stale for 30 minutes.",
})

// ContractViolations counts worker progress reports rejected for violating
// monotonicity, pair parity or batch alignment.
var ContractViolations = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "fishtest",
	Subsystem: "taskupdater",
	Name:      "contract_violations_total",
	Help:      "Total update_task reports rejected as a contract violation.",
})

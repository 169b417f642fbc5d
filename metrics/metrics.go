// Package metrics exposes Prometheus instrumentation for the migration
// engine: applied and reverted revisions, operations by kind, identity-remap
// volume, verification failures, and lock acquisition latency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RevisionsTotal tracks revisions processed by direction (upgrade/downgrade).
var RevisionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gymflow_migrator_revisions_total",
		Help: "Total revisions processed",
	},
	[]string{"direction"},
)

// OperationsTotal tracks executed operations by kind.
var OperationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gymflow_migrator_operations_total",
		Help: "Total migration operations executed",
	},
	[]string{"kind"},
)

// RowsRemappedTotal tracks rows rewritten during identity remaps.
var RowsRemappedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gymflow_migrator_rows_remapped_total",
		Help: "Total rows rewritten through identity mappings",
	},
	[]string{"table"},
)

// OrphansDetectedTotal tracks orphaned foreign key values found during remaps.
var OrphansDetectedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gymflow_migrator_orphans_detected_total",
		Help: "Total orphaned foreign key values detected",
	},
	[]string{"table", "policy"},
)

// VerificationFailuresTotal tracks shadow-swap verification failures.
var VerificationFailuresTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gymflow_migrator_verification_failures_total",
		Help: "Total shadow-swap verification failures",
	},
	[]string{"table", "check"},
)

// PartialApplyCleanupsTotal tracks dangling shadow tables cleaned at startup.
var PartialApplyCleanupsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "gymflow_migrator_partial_apply_cleanups_total",
		Help: "Total dangling shadow tables cleaned up at startup",
	},
)

// LockWaitSeconds tracks time spent acquiring the migration lock.
var LockWaitSeconds = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "gymflow_migrator_lock_wait_seconds",
		Help:    "Time spent acquiring the migration advisory lock",
		Buckets: prometheus.DefBuckets,
	},
)

// RevisionDurationSeconds tracks wall time per applied revision.
var RevisionDurationSeconds = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "gymflow_migrator_revision_duration_seconds",
		Help:    "Wall time spent applying or reverting one revision",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"direction"},
)

// Package metrics holds the process-wide Prometheus collectors of the store.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/custodia-labs/termstore/internal/core/domain"
)

var (
	// CommitsTotal counts commits by result
	CommitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "termstore_commits_total",
		Help: "Total commits by result",
	}, []string{"result"})

	// CommitDuration tracks commit latency, including lock waits
	CommitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "termstore_commit_duration_seconds",
		Help:    "Commit duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
	})

	// CommitDocuments tracks the number of documents changed per commit
	CommitDocuments = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "termstore_commit_documents",
		Help:    "Documents changed per commit",
		Buckets: []float64{1, 10, 100, 1000, 10000, 100000},
	})

	// MergesTotal counts merges by result
	MergesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "termstore_merges_total",
		Help: "Total merges by result",
	}, []string{"result"})

	// MigrationDocuments counts revisions copied into new index generations
	MigrationDocuments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "termstore_migration_documents_total",
		Help: "Revisions copied by migrations, by type and phase",
	}, []string{"type", "phase"})

	// MigrationDuration tracks the duration of applied migrations
	MigrationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "termstore_migration_duration_seconds",
		Help:    "Migration duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
	}, []string{"type"})

	// QueryDuration tracks query latency by operation
	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "termstore_query_duration_seconds",
		Help:    "Revision index read duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"operation"})

	// LockWaitDuration tracks time spent waiting for advisory locks, by resource kind
	LockWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "termstore_lock_wait_seconds",
		Help:    "Advisory lock wait in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
	}, []string{"kind"})
)

// Result labels an operation outcome by its error class.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrStaleWrite):
		return "stale"
	case errors.Is(err, domain.ErrMergeConflict):
		return "conflict"
	case errors.Is(err, domain.ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, domain.ErrStorage):
		return "storage_error"
	default:
		return "error"
	}
}

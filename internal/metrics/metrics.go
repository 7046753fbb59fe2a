// Package metrics provides Prometheus metrics for Alexander Backup.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the backup engine.
type Metrics struct {
	// Ingest Metrics
	IngestFilesTotal    *prometheus.CounterVec
	IngestBytesTotal    prometheus.Counter
	IngestDeltaRejected prometheus.Counter
	BackupSetsTotal     prometheus.Counter

	// Storage Metrics
	StorageOperationsTotal   *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec
	BlobsTotal               prometheus.Gauge
	BlobsSize                prometheus.Gauge

	// Regeneration Metrics
	RecoverOperationsTotal *prometheus.CounterVec
	RecoverBytesTotal      prometheus.Counter
	RecoverChainDepth      prometheus.Histogram
	AuthFailuresTotal      prometheus.Counter

	// Database Metrics
	DBQueryDuration     *prometheus.HistogramVec
	DBTransactionsTotal *prometheus.CounterVec

	// Cache Metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Auth Metrics
	AuthAttemptsTotal *prometheus.CounterVec

	// Purge / Garbage Collection Metrics
	PurgeRunsTotal        prometheus.Counter
	PurgeSetsDeleted      prometheus.Counter
	PurgeFilesDeleted     prometheus.Counter
	PurgeChecksumsDeleted prometheus.Counter
	PurgeBytesFreed       prometheus.Counter
	PurgeRounds           prometheus.Histogram
	PurgeDuration         prometheus.Histogram
	OrphanBlobs           prometheus.Gauge
}

// namespace for all Alexander Backup metrics
const namespace = "alexander_backup"

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		// Ingest Metrics
		IngestFilesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "files_total",
				Help:      "Total number of file submissions by kind.",
			},
			[]string{"kind"},
		),
		IngestBytesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "bytes_total",
				Help:      "Total payload bytes accepted.",
			},
		),
		IngestDeltaRejected: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "delta_rejected_total",
				Help:      "Deltas refused because the chain or change size exceeded limits.",
			},
		),
		BackupSetsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "backup_sets_total",
				Help:      "Total number of backup sets opened.",
			},
		),

		// Storage Metrics
		StorageOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "operations_total",
				Help:      "Total number of blob store operations.",
			},
			[]string{"operation", "status"},
		),
		StorageOperationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "operation_duration_seconds",
				Help:      "Blob store operation duration in seconds.",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation"},
		),
		BlobsTotal: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "blobs_total",
				Help:      "Total number of unique blobs in storage.",
			},
		),
		BlobsSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "blobs_size_bytes",
				Help:      "Total size of all blobs in bytes.",
			},
		),

		// Regeneration Metrics
		RecoverOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "recover",
				Name:      "operations_total",
				Help:      "Total number of recovery operations.",
			},
			[]string{"kind", "status"},
		),
		RecoverBytesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "recover",
				Name:      "bytes_total",
				Help:      "Total bytes of regenerated content.",
			},
		),
		RecoverChainDepth: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "recover",
				Name:      "chain_depth",
				Help:      "Delta chain depth walked per recovery.",
				Buckets:   []float64{0, 1, 2, 3, 4, 5, 8, 13},
			},
		),
		AuthFailuresTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "recover",
				Name:      "auth_failures_total",
				Help:      "Regenerated files whose digest did not match their checksum.",
			},
		),

		// Database Metrics
		DBQueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "query_duration_seconds",
				Help:      "Database query duration in seconds.",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"query"},
		),
		DBTransactionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "transactions_total",
				Help:      "Total number of database transactions.",
			},
			[]string{"status"},
		),

		// Cache Metrics
		CacheHitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "hits_total",
				Help:      "Total number of cache hits.",
			},
			[]string{"cache"},
		),
		CacheMissesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "misses_total",
				Help:      "Total number of cache misses.",
			},
			[]string{"cache"},
		),

		// Auth Metrics
		AuthAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "auth",
				Name:      "attempts_total",
				Help:      "Total number of authentication attempts.",
			},
			[]string{"status"},
		),

		// Purge / Garbage Collection Metrics
		PurgeRunsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "purge",
				Name:      "runs_total",
				Help:      "Total number of purge runs.",
			},
		),
		PurgeSetsDeleted: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "purge",
				Name:      "sets_deleted_total",
				Help:      "Total number of backup sets deleted.",
			},
		),
		PurgeFilesDeleted: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "purge",
				Name:      "files_deleted_total",
				Help:      "Total number of file rows deleted by purge.",
			},
		),
		PurgeChecksumsDeleted: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "purge",
				Name:      "checksums_deleted_total",
				Help:      "Total number of checksum rows reclaimed.",
			},
		),
		PurgeBytesFreed: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "purge",
				Name:      "bytes_freed_total",
				Help:      "Total bytes freed by purge.",
			},
		),
		PurgeRounds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "purge",
				Name:      "reclamation_rounds",
				Help:      "Fixed-point reclamation rounds per purge run.",
				Buckets:   []float64{1, 2, 3, 4, 5, 8, 13},
			},
		),
		PurgeDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "purge",
				Name:      "duration_seconds",
				Help:      "Purge run duration in seconds.",
				Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 120},
			},
		),
		OrphanBlobs: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "purge",
				Name:      "orphan_blobs",
				Help:      "Orphan blobs found by the last store sweep.",
			},
		),
	}

	return m
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRecover records one recovery operation.
func (m *Metrics) RecordRecover(kind, status string, bytes int64, chainDepth int) {
	m.RecoverOperationsTotal.WithLabelValues(kind, status).Inc()
	if bytes > 0 {
		m.RecoverBytesTotal.Add(float64(bytes))
	}
	if chainDepth >= 0 {
		m.RecoverChainDepth.Observe(float64(chainDepth))
	}
}

// RecordIngest records one accepted file submission.
func (m *Metrics) RecordIngest(kind string, bytes int64) {
	m.IngestFilesTotal.WithLabelValues(kind).Inc()
	if bytes > 0 {
		m.IngestBytesTotal.Add(float64(bytes))
	}
}

// RecordCacheAccess records a cache access.
func (m *Metrics) RecordCacheAccess(cache string, hit bool) {
	if hit {
		m.CacheHitsTotal.WithLabelValues(cache).Inc()
	} else {
		m.CacheMissesTotal.WithLabelValues(cache).Inc()
	}
}

// RecordPurge records a purge run.
func (m *Metrics) RecordPurge(duration float64, setsDeleted, filesDeleted, checksumsDeleted int64, bytesFreed int64, rounds int) {
	m.PurgeRunsTotal.Inc()
	m.PurgeDuration.Observe(duration)
	m.PurgeSetsDeleted.Add(float64(setsDeleted))
	m.PurgeFilesDeleted.Add(float64(filesDeleted))
	m.PurgeChecksumsDeleted.Add(float64(checksumsDeleted))
	m.PurgeBytesFreed.Add(float64(bytesFreed))
	m.PurgeRounds.Observe(float64(rounds))
}

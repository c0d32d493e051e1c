package walog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type walMetrics struct {
	bytesWritten           prometheus.Counter
	entriesWritten         prometheus.Counter
	batchesWritten         prometheus.Counter
	syncs                  prometheus.Counter
	segmentRotations       prometheus.Counter
	lastSegmentAgeSeconds  prometheus.Gauge
	groupCommitWaitSeconds prometheus.Histogram
}

func newWALMetrics(reg prometheus.Registerer) *walMetrics {
	return &walMetrics{
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wal_bytes_written",
			Help: "wal_bytes_written counts bytes of encoded batches written to segment files.",
		}),
		entriesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wal_entries_written",
			Help: "wal_entries_written counts the number of records committed.",
		}),
		batchesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wal_batches_written",
			Help: "wal_batches_written counts the number of group-commit batches flushed to disk.",
		}),
		syncs: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wal_syncs",
			Help: "wal_syncs counts fsync calls issued against the active segment.",
		}),
		segmentRotations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wal_segment_rotations",
			Help: "wal_segment_rotations counts how many times the WAL moved to a new segment file.",
		}),
		lastSegmentAgeSeconds: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "wal_last_segment_age_seconds",
			Help: "wal_last_segment_age_seconds is set at each rotation to the age of the sealed segment.",
		}),
		groupCommitWaitSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "wal_group_commit_wait_seconds",
			Help:    "wal_group_commit_wait_seconds observes how long a batch waited before it was cut and written.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

package compaction

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	runs          *prometheus.CounterVec // labeled by level transition, outcome
	failures      prometheus.Counter
	bytesRead     prometheus.Counter
	bytesWritten  prometheus.Counter
	segmentsDropped prometheus.Counter
	pauseSeconds  prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "waldb_compaction_runs_total",
			Help: "Compaction runs by level transition and outcome.",
		}, []string{"transition", "outcome"}),
		failures: f.NewCounter(prometheus.CounterOpts{
			Name: "waldb_compaction_failures_total",
			Help: "Compaction attempts that aborted due to a builder or IO error.",
		}),
		bytesRead: f.NewCounter(prometheus.CounterOpts{
			Name: "waldb_compaction_bytes_read_total",
			Help: "Bytes read from input segments during compaction.",
		}),
		bytesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "waldb_compaction_bytes_written_total",
			Help: "Bytes written to output segments during compaction.",
		}),
		segmentsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "waldb_compaction_segments_dropped_total",
			Help: "Input segments removed from the manifest after a successful compaction.",
		}),
		pauseSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "waldb_compaction_pause_seconds",
			Help:    "Wall-clock duration of one compaction run.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

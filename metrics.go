// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package waldb

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// storeMetrics tracks the facade-level operations, separate from
// internal/walog's and internal/compaction's own per-component metrics
// (each registered under the same Registerer). The block cache exports no
// metrics.
type storeMetrics struct {
	ops           *prometheus.CounterVec // labels: "op", "outcome"
	flushes       prometheus.Counter
	flushDuration prometheus.Histogram
	memtableBytes prometheus.Gauge
	treeConflicts prometheus.Counter
}

func newStoreMetrics(reg prometheus.Registerer) *storeMetrics {
	f := promauto.With(reg)
	return &storeMetrics{
		ops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "waldb_store_ops_total",
			Help: "Store facade calls by operation and outcome.",
		}, []string{"op", "outcome"}),
		flushes: f.NewCounter(prometheus.CounterOpts{
			Name: "waldb_store_flushes_total",
			Help: "Immutable memtables flushed to L0 segments.",
		}),
		flushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "waldb_store_flush_duration_seconds",
			Help:    "Wall time spent serializing one immutable memtable to disk.",
			Buckets: prometheus.DefBuckets,
		}),
		memtableBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "waldb_store_memtable_bytes",
			Help: "Approximate size of the active memtable.",
		}),
		treeConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "waldb_store_tree_conflicts_total",
			Help: "Writes rejected for violating the path/tree invariant.",
		}),
	}
}

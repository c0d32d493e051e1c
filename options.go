// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package waldb

import (
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamsxin/waldb/internal/compaction"
	"github.com/dreamsxin/waldb/internal/walog"
)

// Durability re-exports walog's durability modes at the Store boundary so
// callers never need to import internal/walog directly.
type Durability = walog.Durability

const (
	DurabilityStrict      = walog.DurabilityStrict
	DurabilityGroup       = walog.DurabilityGroup
	DurabilityFlushSynced = walog.DurabilityFlushSynced
)

// Default threshold values, pinned by spec.md §6 and left overridable via
// Options.
const (
	DefaultMemtableSizeBytes  = 64 * 1024 * 1024
	DefaultBlockSizeBytes     = 32 * 1024
	DefaultBlockCacheBytes    = 100 * 1024 * 1024
	DefaultL0CompactionTrigger = 4
	DefaultGroupCommitInterval = 10 * time.Millisecond
	DefaultReaderSyncInterval  = 20 * time.Millisecond
)

// Options configures Open. The zero value is valid; every field falls back
// to its documented default.
type Options struct {
	// Durability selects the WAL's fsync policy (spec.md §4.2).
	Durability Durability

	// MemtableSizeBytes bounds the active memtable before it is swapped
	// to immutable and queued for flush.
	MemtableSizeBytes int64
	// BlockSizeBytes is the target uncompressed size of a segment data
	// block.
	BlockSizeBytes int
	// BlockCacheBytes bounds the shared LRU block cache.
	BlockCacheBytes int64
	// BloomFPRate is the target false-positive rate for new segments'
	// bloom filters.
	BloomFPRate float64

	// L0CompactionTrigger is the L0 segment count that schedules an
	// L0->L1 compaction (spec.md §4.7).
	L0CompactionTrigger int
	// L1SizeThresholdBytes is the total L1 byte size that schedules an
	// L1->L2 compaction.
	L1SizeThresholdBytes int64
	// TargetSegmentBytes bounds a compaction output segment before it is
	// rolled over to a new file.
	TargetSegmentBytes int64

	// GroupCommitInterval is the WAL's batching window for Group
	// durability (spec.md §4.2's "~10ms").
	GroupCommitInterval time.Duration
	// WALSegmentSize bounds a WAL file before rotation.
	WALSegmentSize int64
	// ReaderSyncInterval bounds how long a compaction-installed segment
	// can remain unobserved by the store's own reader set; flush-
	// installed segments are synced immediately and don't depend on this.
	ReaderSyncInterval time.Duration

	Logger     log.Logger
	Registerer prometheus.Registerer
}

func (o Options) withDefaults() Options {
	if o.MemtableSizeBytes <= 0 {
		o.MemtableSizeBytes = DefaultMemtableSizeBytes
	}
	if o.BlockSizeBytes <= 0 {
		o.BlockSizeBytes = DefaultBlockSizeBytes
	}
	if o.BlockCacheBytes <= 0 {
		o.BlockCacheBytes = DefaultBlockCacheBytes
	}
	if o.BloomFPRate <= 0 {
		o.BloomFPRate = 0.01
	}
	if o.L0CompactionTrigger <= 0 {
		o.L0CompactionTrigger = DefaultL0CompactionTrigger
	}
	if o.L1SizeThresholdBytes <= 0 {
		o.L1SizeThresholdBytes = compaction.DefaultL1SizeThresholdBytes
	}
	if o.TargetSegmentBytes <= 0 {
		o.TargetSegmentBytes = compaction.DefaultTargetSegmentBytes
	}
	if o.GroupCommitInterval <= 0 {
		o.GroupCommitInterval = DefaultGroupCommitInterval
	}
	if o.WALSegmentSize <= 0 {
		o.WALSegmentSize = walog.DefaultSegmentSize
	}
	if o.ReaderSyncInterval <= 0 {
		o.ReaderSyncInterval = DefaultReaderSyncInterval
	}
	if o.Logger == nil {
		o.Logger = log.NewNopLogger()
	}
	if o.Registerer == nil {
		o.Registerer = prometheus.NewRegistry()
	}
	return o
}

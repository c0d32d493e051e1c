package walog

import (
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
)

// Durability selects when a committed batch is guaranteed on disk
// (spec §4.2).
type Durability uint8

const (
	// DurabilityStrict fsyncs every batch before acknowledging it.
	DurabilityStrict Durability = iota
	// DurabilityGroup fsyncs at most once per group-commit interval;
	// acknowledgement may precede the fsync by up to that interval.
	DurabilityGroup
	// DurabilityFlushSynced only fsyncs at segment rotation or an
	// explicit Flush; data since the last sync may be lost on crash.
	DurabilityFlushSynced
)

const (
	// DefaultSegmentSize bounds a WAL segment before rotation (spec §4.2
	// "exceeds a configurable size").
	DefaultSegmentSize = 64 * 1024 * 1024
	// DefaultGroupCommitInterval is the ~10ms batching window spec §4.2
	// names for both the Group durability fsync cadence and the size/time
	// bound used to close a batch.
	DefaultGroupCommitInterval = 10 * time.Millisecond
	// DefaultMaxBatchBytes bounds how much a single group-commit batch
	// will buffer before it is cut and written, independent of the timer.
	DefaultMaxBatchBytes = 4 * 1024 * 1024
)

// Options configures an Open call. Open fills every zero field with its
// default via applyDefaults, so the zero value is usable as is.
type Options struct {
	Durability          Durability
	SegmentSize         int64
	GroupCommitInterval time.Duration
	MaxBatchBytes       int
	Logger              log.Logger
	Registerer          prometheus.Registerer
}

func (o Options) applyDefaults() Options {
	if o.SegmentSize <= 0 {
		o.SegmentSize = DefaultSegmentSize
	}
	if o.GroupCommitInterval <= 0 {
		o.GroupCommitInterval = DefaultGroupCommitInterval
	}
	if o.MaxBatchBytes <= 0 {
		o.MaxBatchBytes = DefaultMaxBatchBytes
	}
	if o.Logger == nil {
		o.Logger = log.NewNopLogger()
	}
	if o.Registerer == nil {
		o.Registerer = prometheus.NewRegistry()
	}
	return o
}

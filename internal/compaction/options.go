package compaction

import (
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultL0Trigger is the number of L0 segments that triggers an
	// L0->L1 compaction (spec §6 l0_compaction_trigger default 4).
	DefaultL0Trigger = 4

	// DefaultL1SizeThresholdBytes is the total L1 byte size that triggers
	// an L1->L2 compaction.
	DefaultL1SizeThresholdBytes = 256 * 1024 * 1024

	DefaultTargetSegmentBytes = 32 * 1024 * 1024

	DefaultRetryBackoffMin = 200 * time.Millisecond
	DefaultRetryBackoffMax = 30 * time.Second
)

// Options configures a Compactor.
type Options struct {
	// Dir is where new segment files are created.
	Dir string

	L0Trigger             int
	L1SizeThresholdBytes  int64
	TargetSegmentBytes    int64
	BlockSize             int
	BloomFPRate           float64
	RetryBackoffMin       time.Duration
	RetryBackoffMax       time.Duration
	PollInterval          time.Duration

	Logger     log.Logger
	Registerer prometheus.Registerer
}

func (o Options) withDefaults() Options {
	if o.L0Trigger <= 0 {
		o.L0Trigger = DefaultL0Trigger
	}
	if o.L1SizeThresholdBytes <= 0 {
		o.L1SizeThresholdBytes = DefaultL1SizeThresholdBytes
	}
	if o.TargetSegmentBytes <= 0 {
		o.TargetSegmentBytes = DefaultTargetSegmentBytes
	}
	if o.BlockSize <= 0 {
		o.BlockSize = 32 * 1024
	}
	if o.BloomFPRate <= 0 {
		o.BloomFPRate = 0.01
	}
	if o.RetryBackoffMin <= 0 {
		o.RetryBackoffMin = DefaultRetryBackoffMin
	}
	if o.RetryBackoffMax <= 0 {
		o.RetryBackoffMax = DefaultRetryBackoffMax
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 50 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = log.NewNopLogger()
	}
	if o.Registerer == nil {
		o.Registerer = prometheus.NewRegistry()
	}
	return o
}

// Package compaction implements the background L0->L1 and L1->L2 merge
// policies described in spec §4.7: a dedicated goroutine that keeps the
// segment levels within their size/count budgets by repeatedly merging
// overlapping inputs into non-overlapping outputs, shaped after the
// teacher's own background-goroutine-per-concern convention (its
// runRotate alongside this package's Compactor.run).
package compaction

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/dreamsxin/waldb/internal/manifest"
	"github.com/dreamsxin/waldb/internal/sstable"
)

// SegmentIDAllocator hands out globally unique, monotonically increasing
// segment IDs shared with the flush path, so compaction output never
// collides with a concurrently flushed L0 segment.
type SegmentIDAllocator func() uint64

// Compactor drives L0->L1 and L1->L2 compaction on its own goroutine. It
// never blocks foreground Get/Range callers; Store only consults
// ShouldStopWrites to apply the backpressure spec §9 describes.
type Compactor struct {
	dir     string
	opts    Options
	mf      *manifest.Manifest
	cache   sstable.BlockCache
	allocID SegmentIDAllocator
	metrics *metrics
	logger  log.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	stopCh chan struct{}
	wakeCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// New builds a Compactor. allocID must be shared with whatever assigns L0
// segment IDs on flush, typically the Store.
func New(mf *manifest.Manifest, cache sstable.BlockCache, allocID SegmentIDAllocator, opts Options) *Compactor {
	opts = opts.withDefaults()
	c := &Compactor{
		dir:     opts.Dir,
		opts:    opts,
		mf:      mf,
		cache:   cache,
		allocID: allocID,
		metrics: newMetrics(opts.Registerer),
		logger:  opts.Logger,
		stopCh:  make(chan struct{}),
		wakeCh:  make(chan struct{}, 1),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Start launches the background compaction goroutine.
func (c *Compactor) Start() {
	c.wg.Add(1)
	go c.run()
}

// Notify wakes the compactor to re-evaluate whether a compaction is due,
// called by the Store after installing a new L0 segment via flush.
func (c *Compactor) Notify() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// ShouldStopWrites reports whether L0 has grown past the backpressure
// threshold (l0_compaction_trigger * 2), per spec §9's stop-write
// guidance. Store calls this before accepting a write and, if true, waits
// on WaitForDrain instead of proceeding.
func (c *Compactor) ShouldStopWrites() bool {
	st := c.mf.Snapshot()
	return st.L0.Len() > c.opts.L0Trigger*2
}

// WaitForDrain blocks until L0 falls back under the backpressure
// threshold, woken by a condition variable broadcast after each
// successful L0->L1 compaction rather than a busy poll (spec §5).
func (c *Compactor) WaitForDrain() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.closed && c.mf.Snapshot().L0.Len() > c.opts.L0Trigger*2 {
		c.cond.Wait()
	}
}

// Close stops the background goroutine and waits for it to exit.
func (c *Compactor) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	close(c.stopCh)
	c.cond.Broadcast()
	c.wg.Wait()
	return nil
}

func (c *Compactor) run() {
	defer c.wg.Done()
	backoff := c.opts.RetryBackoffMin
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-c.wakeCh:
		case <-ticker.C:
		}

		ran, err := c.tryCompactOnce()
		if err != nil {
			c.metrics.failures.Inc()
			level.Error(c.logger).Log("msg", "compaction attempt failed", "err", err)
			select {
			case <-time.After(backoff):
			case <-c.stopCh:
				return
			}
			backoff *= 2
			if backoff > c.opts.RetryBackoffMax {
				backoff = c.opts.RetryBackoffMax
			}
			continue
		}
		backoff = c.opts.RetryBackoffMin
		if ran {
			// More work may remain (e.g. L0 still above trigger after one
			// L0->L1 pass); loop again promptly instead of waiting for the
			// next tick.
			c.Notify()
		}
	}
}

// tryCompactOnce runs at most one compaction job, preferring L0->L1 since
// it relieves write backpressure, and reports whether a job ran.
func (c *Compactor) tryCompactOnce() (bool, error) {
	st := c.mf.Snapshot()

	if st.L0.Len() >= c.opts.L0Trigger {
		if err := c.compactL0ToL1(st); err != nil {
			return false, err
		}
		return true, nil
	}

	if l1Bytes(st) > c.opts.L1SizeThresholdBytes {
		if err := c.compactL1ToL2(st); err != nil {
			return false, err
		}
		return true, nil
	}

	return false, nil
}

func l1Bytes(st manifest.ManifestState) int64 {
	var total int64
	for _, s := range st.Segments(sstable.L1) {
		total += int64(s.SizeBytes)
	}
	return total
}

func overlaps(a, b manifest.SegmentRef) bool {
	if len(a.MaxKey) > 0 && len(b.MinKey) > 0 && string(a.MaxKey) < string(b.MinKey) {
		return false
	}
	if len(b.MaxKey) > 0 && len(a.MinKey) > 0 && string(b.MaxKey) < string(a.MinKey) {
		return false
	}
	return true
}

func unionRange(refs []manifest.SegmentRef) (min, max []byte) {
	for i, r := range refs {
		if i == 0 || string(r.MinKey) < string(min) {
			min = r.MinKey
		}
		if i == 0 || string(r.MaxKey) > string(max) {
			max = r.MaxKey
		}
	}
	return min, max
}

// compactL0ToL1 merges every current L0 segment together with any L1
// segment whose key range overlaps them, per spec §4.7's "All overlapping
// L0 segments and overlapping L1 segments form the input set".
func (c *Compactor) compactL0ToL1(st manifest.ManifestState) error {
	l0 := st.Segments(sstable.L0)
	if len(l0) == 0 {
		return nil
	}
	// Newest first: higher segment ID was flushed later.
	sort.Slice(l0, func(i, j int) bool { return l0[i].ID > l0[j].ID })

	minKey, maxKey := unionRange(l0)
	probe := manifest.SegmentRef{MinKey: minKey, MaxKey: maxKey}

	var l1Inputs []manifest.SegmentRef
	for _, r := range st.Segments(sstable.L1) {
		if overlaps(r, probe) {
			l1Inputs = append(l1Inputs, r)
		}
	}
	sort.Slice(l1Inputs, func(i, j int) bool { return string(l1Inputs[i].MinKey) < string(l1Inputs[j].MinKey) })

	all := append(append([]manifest.SegmentRef{}, l0...), l1Inputs...)
	return c.runAndInstall(all, sstable.L1, false)
}

// compactL1ToL2 picks one L1 victim segment (oldest first, i.e. least
// recently rewritten) and merges it with any overlapping L2 segments, per
// spec §4.7's "victim L1 segment is chosen by age/overlap".
func (c *Compactor) compactL1ToL2(st manifest.ManifestState) error {
	l1 := st.Segments(sstable.L1)
	if len(l1) == 0 {
		return nil
	}
	sort.Slice(l1, func(i, j int) bool { return l1[i].ID < l1[j].ID })
	victim := l1[0]

	var l2Inputs []manifest.SegmentRef
	for _, r := range st.Segments(sstable.L2) {
		if overlaps(r, victim) {
			l2Inputs = append(l2Inputs, r)
		}
	}
	sort.Slice(l2Inputs, func(i, j int) bool { return string(l2Inputs[i].MinKey) < string(l2Inputs[j].MinKey) })

	all := append([]manifest.SegmentRef{victim}, l2Inputs...)
	return c.runAndInstall(all, sstable.L2, true)
}

// runAndInstall opens readers for inputs (already ordered newest first),
// runs the merge, and — only once new segments are durable on disk — wires
// in a single manifest edit per input/output change, per spec §4.7's
// "builder finalizes new segments -> fsync -> manifest edit".
func (c *Compactor) runAndInstall(inputs []manifest.SegmentRef, outputLevel sstable.Level, bottommost bool) error {
	if len(inputs) == 0 {
		return nil
	}
	readers := make([]*sstable.Reader, 0, len(inputs))
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()
	for _, in := range inputs {
		r, err := sstable.Open(in.Path, in.ID, c.cache)
		if err != nil {
			return fmt.Errorf("compaction: open input segment %d: %w", in.ID, err)
		}
		readers = append(readers, r)
	}

	results, err := runJob(job{
		inputs:      readers,
		outputLevel: outputLevel,
		bottommost:  bottommost,
		targetBytes: c.opts.TargetSegmentBytes,
		blockSize:   c.opts.BlockSize,
		bloomFPRate: c.opts.BloomFPRate,
		outputDir:   c.dir,
		nextSegment: c.allocID,
	})
	if err != nil {
		return err
	}

	for _, res := range results {
		var sizeBytes uint64
		if fi, statErr := os.Stat(res.path); statErr == nil {
			sizeBytes = uint64(fi.Size())
		}
		ref := manifest.SegmentRef{
			ID:         res.segmentID,
			Level:      outputLevel,
			Path:       res.path,
			MinKey:     res.meta.MinKey,
			MaxKey:     res.meta.MaxKey,
			MinSeq:     res.meta.MinSeq,
			MaxSeq:     res.meta.MaxSeq,
			EntryCount: res.meta.EntryCount,
			SizeBytes:  sizeBytes,
		}
		if err := c.mf.ApplyEdit(manifest.Edit{Kind: manifest.EditAddSegment, Segment: ref}); err != nil {
			return fmt.Errorf("compaction: install output segment %d: %w", res.segmentID, err)
		}
		c.metrics.bytesWritten.Add(float64(sizeBytes))
	}
	for _, in := range inputs {
		if err := c.mf.ApplyEdit(manifest.Edit{Kind: manifest.EditRemoveSegment, Segment: manifest.SegmentRef{ID: in.ID, Level: in.Level}}); err != nil {
			return fmt.Errorf("compaction: remove input segment %d: %w", in.ID, err)
		}
		_ = removeFile(in.Path)
		c.metrics.segmentsDropped.Inc()
	}

	outcome := fmt.Sprintf("L%d_to_L%d", outputLevel-1, outputLevel)
	c.metrics.runs.WithLabelValues(outcome, "success").Inc()

	c.cond.Broadcast()
	return nil
}

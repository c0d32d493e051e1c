// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package waldb implements an embedded, single-process key-value storage
// engine with a hierarchical (slash-delimited) key namespace, backed by a
// write-ahead log, an in-memory memtable, sorted on-disk segment files
// organized into levels, and background compaction. See internal/walog,
// internal/memtable, internal/sstable, internal/manifest and
// internal/compaction for the individual subsystems this package wires
// together.
package waldb

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log/level"

	"github.com/dreamsxin/waldb/internal/cache"
	"github.com/dreamsxin/waldb/internal/compaction"
	"github.com/dreamsxin/waldb/internal/manifest"
	"github.com/dreamsxin/waldb/internal/memtable"
	"github.com/dreamsxin/waldb/internal/pathkey"
	"github.com/dreamsxin/waldb/internal/sstable"
	"github.com/dreamsxin/waldb/internal/walog"
)

// Entry is one (key, value) pair, used by BulkSet and returned by scans.
type Entry struct {
	Key   []byte
	Value []byte
}

// readerState is the Store's cached view of one open segment and the
// manifest generation it was opened from; it lets syncReadersLocked diff
// against a fresh manifest.Snapshot() without reopening segments that
// haven't changed.
type readerState struct {
	ref    manifest.SegmentRef
	reader *sstable.Reader
}

// storeState is everything a foreground read needs, assembled in full and
// then swapped in one atomic pointer write, mirroring the teacher's
// "assemble the full replacement state, then one atomic swap" discipline
// for its own WAL state.
type storeState struct {
	mem *memtable.Memtable
	imm *memtable.Memtable // nil when no flush is pending
}

// Store is the public facade: it routes operations, coordinates the WAL,
// memtable, manifest, block cache and compactor, and owns the locks spec.md
// §5 describes.
type Store struct {
	dir  string
	opts Options

	lockFile *os.File

	wal *walog.WAL
	mf  *manifest.Manifest
	bc  *cache.Cache
	cp  *compaction.Compactor

	metrics *storeMetrics

	mu      sync.RWMutex
	state   *storeState
	readers map[uint64]readerState // segment ID -> open reader, all levels
	lastMF  manifest.ManifestState

	nextSegmentID uint64

	flushWake chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closed    uint32
}

// Open opens (or creates) a store rooted at dir, replays its WAL atop the
// manifest-known segment set, and starts the background flush, reader-sync
// and compaction goroutines, per spec.md §4.9.
func Open(dir string, opts Options) (*Store, error) {
	opts = opts.withDefaults()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, wrapIO("mkdir", err)
	}

	lockFile, err := acquireLock(dir)
	if err != nil {
		return nil, err
	}

	mf, err := manifest.Open(filepath.Join(dir, "manifest"))
	if err != nil {
		releaseLock(lockFile)
		return nil, wrapIO("manifest open", err)
	}

	bc := cache.New(opts.BlockCacheBytes)

	s := &Store{
		dir:       dir,
		opts:      opts,
		lockFile:  lockFile,
		mf:        mf,
		bc:        bc,
		metrics:   newStoreMetrics(opts.Registerer),
		readers:   make(map[uint64]readerState),
		flushWake: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}

	snap := mf.Snapshot()
	if err := s.syncReadersLocked(snap); err != nil {
		s.closeReaders()
		mf.Close()
		releaseLock(lockFile)
		return nil, err
	}
	s.lastMF = snap
	s.nextSegmentID = maxSegmentID(snap) + 1

	wal, _, records, err := walog.Open(filepath.Join(dir, "wal"), walog.Options{
		Durability:          opts.Durability,
		SegmentSize:         opts.WALSegmentSize,
		GroupCommitInterval: opts.GroupCommitInterval,
		Logger:              opts.Logger,
		Registerer:          opts.Registerer,
	})
	if err != nil {
		s.closeReaders()
		mf.Close()
		releaseLock(lockFile)
		return nil, wrapIO("wal open", err)
	}
	seqFloor := snap.NextSeq
	if observed := maxObservedSeq(snap) + 1; observed > seqFloor {
		seqFloor = observed
	}
	wal.Restore(seqFloor)
	s.wal = wal

	mem := memtable.New()
	for _, rec := range records {
		switch rec.Kind {
		case memtable.KindPut:
			mem = mem.Put(rec.Key, rec.Value, rec.Sequence)
		case memtable.KindDelete:
			mem = mem.Delete(rec.Key, rec.Sequence)
		case memtable.KindRangeTombstone:
			mem = mem.DeleteRange(rec.Key, rec.Value, rec.Sequence)
		}
	}
	s.state = &storeState{mem: mem}

	s.cp = compaction.New(mf, bc, s.allocSegmentID, compaction.Options{
		Dir:                  dir,
		L0Trigger:            opts.L0CompactionTrigger,
		L1SizeThresholdBytes: opts.L1SizeThresholdBytes,
		TargetSegmentBytes:   opts.TargetSegmentBytes,
		BlockSize:            opts.BlockSizeBytes,
		BloomFPRate:          opts.BloomFPRate,
		Logger:               opts.Logger,
		Registerer:           opts.Registerer,
	})
	s.cp.Start()

	s.wg.Add(1)
	go s.flushLoop()
	s.wg.Add(1)
	go s.readerSyncLoop()

	return s, nil
}

// segmentFileName matches the naming internal/compaction's merge output
// uses, so every segment in the directory (flushed or compacted) follows
// one convention.
func segmentFileName(id uint64) string {
	return fmt.Sprintf("seg-%020d.sst", id)
}

func maxSegmentID(st manifest.ManifestState) uint64 {
	var max uint64
	for _, lvl := range []sstable.Level{sstable.L0, sstable.L1, sstable.L2} {
		for _, ref := range st.Segments(lvl) {
			if ref.ID > max {
				max = ref.ID
			}
		}
	}
	return max
}

// maxObservedSeq returns the highest sequence number carried by any segment
// in st, across all levels. Used as a defensive floor for WAL sequence
// restoration, since segments installed by a flush or compaction are the
// durable record of sequences that have already been handed out even if a
// manifest edit advancing NextSeq was somehow lost.
func maxObservedSeq(st manifest.ManifestState) uint64 {
	var max uint64
	for _, lvl := range []sstable.Level{sstable.L0, sstable.L1, sstable.L2} {
		for _, ref := range st.Segments(lvl) {
			if ref.MaxSeq > max {
				max = ref.MaxSeq
			}
		}
	}
	return max
}

func (s *Store) allocSegmentID() uint64 {
	return atomic.AddUint64(&s.nextSegmentID, 1) - 1
}

// syncReadersLocked opens readers for any segment in snap not already
// tracked, and closes+drops readers for any segment no longer present. The
// caller must hold s.mu for writing.
func (s *Store) syncReadersLocked(snap manifest.ManifestState) error {
	want := make(map[uint64]manifest.SegmentRef)
	for _, lvl := range []sstable.Level{sstable.L0, sstable.L1, sstable.L2} {
		for _, ref := range snap.Segments(lvl) {
			want[ref.ID] = ref
		}
	}

	for id, ref := range want {
		if _, ok := s.readers[id]; ok {
			continue
		}
		r, err := sstable.Open(ref.Path, ref.ID, s.bc)
		if err != nil {
			return wrapIO("open segment", err)
		}
		s.readers[id] = readerState{ref: ref, reader: r}
	}

	for id, rs := range s.readers {
		if _, ok := want[id]; !ok {
			rs.reader.Close()
			s.bc.InvalidateSegment(id)
			delete(s.readers, id)
		}
	}
	return nil
}

func (s *Store) closeReaders() {
	for _, rs := range s.readers {
		rs.reader.Close()
	}
}

// sameManifestState compares two snapshots by pointer identity; since
// immutable.SortedMap.Set/Delete always return a new pointer, an unchanged
// level means nothing in it changed.
func sameManifestState(a, b manifest.ManifestState) bool {
	return a.L0 == b.L0 && a.L1 == b.L1 && a.L2 == b.L2
}

// readerSyncLoop periodically reconciles the Store's open readers with
// manifest changes made by the compactor, which has no callback hook into
// Store. Flush-installed segments are synced immediately by flushLoop
// itself and don't depend on this loop.
func (s *Store) readerSyncLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.ReaderSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
		snap := s.mf.Snapshot()
		s.mu.Lock()
		if !sameManifestState(s.lastMF, snap) {
			if err := s.syncReadersLocked(snap); err != nil {
				level.Error(s.opts.Logger).Log("msg", "reader sync failed", "err", err)
			} else {
				s.lastMF = snap
			}
		}
		s.mu.Unlock()
	}
}

func (s *Store) shuttingDown() bool { return atomic.LoadUint32(&s.closed) == 1 }

// --- Writes ---

// Set writes key=value. Without force, it fails with a *TreeConflictError
// if key has a live ancestor that is a scalar, or live descendants
// (spec.md §4.1 invariants 1-2). With force, any live subtree under key is
// atomically replaced by a range tombstone plus this PUT in one commit.
func (s *Store) Set(key, value []byte, force bool) error {
	if s.shuttingDown() {
		return ErrShuttingDown
	}
	if err := pathkey.Validate(key, false); err != nil {
		s.metrics.ops.WithLabelValues("set", "error").Inc()
		return ErrPathInvalid
	}

	ops, err := s.prepareSetOps(key, value, force)
	if err != nil {
		s.metrics.ops.WithLabelValues("set", "error").Inc()
		return err
	}
	if err := s.commitAndApply(ops); err != nil {
		s.metrics.ops.WithLabelValues("set", "error").Inc()
		return err
	}
	s.metrics.ops.WithLabelValues("set", "ok").Inc()
	return nil
}

// prepareSetOps validates the tree invariant and builds the WAL ops for a
// Set call, without touching the WAL or memtable.
func (s *Store) prepareSetOps(key, value []byte, force bool) ([]walog.Op, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !force {
		for _, anc := range pathkey.Ancestors(key) {
			if live, err := s.scalarIsLiveLocked(anc); err != nil {
				return nil, err
			} else if live {
				s.metrics.treeConflicts.Inc()
				return nil, &TreeConflictError{Kind: AncestorIsScalar, Key: key}
			}
		}
		hasDesc, err := s.hasLiveDescendantsLocked(key)
		if err != nil {
			return nil, err
		}
		if hasDesc {
			s.metrics.treeConflicts.Inc()
			return nil, &TreeConflictError{Kind: DescendantsExist, Key: key}
		}
		return []walog.Op{{Kind: walog.KindPut, Key: key, Value: value}}, nil
	}

	start, end := pathkey.SubtreeRange(key)
	return []walog.Op{
		{Kind: walog.KindRangeTombstone, Key: start, Value: end},
		{Kind: walog.KindPut, Key: key, Value: value},
	}, nil
}

// Delete removes key and its entire subtree: a point tombstone at key plus
// a range tombstone over its descendants, sharing one commit
// (spec.md §4.1 "Delete is unconditional").
func (s *Store) Delete(key []byte) error {
	if s.shuttingDown() {
		return ErrShuttingDown
	}
	if err := pathkey.Validate(key, false); err != nil {
		s.metrics.ops.WithLabelValues("delete", "error").Inc()
		return ErrPathInvalid
	}
	start, end := pathkey.SubtreeRange(key)
	ops := []walog.Op{
		{Kind: walog.KindDelete, Key: key},
		{Kind: walog.KindRangeTombstone, Key: start, Value: end},
	}
	if err := s.commitAndApply(ops); err != nil {
		s.metrics.ops.WithLabelValues("delete", "error").Inc()
		return err
	}
	s.metrics.ops.WithLabelValues("delete", "ok").Inc()
	return nil
}

// BulkSet writes every entry in one commit. A nil replaceAt means a plain
// bulk write; a non-nil replaceAt (the empty slice targets the conceptual
// root, the sole case an empty key is valid) emits a range tombstone over
// its subtree first in the same batch, so the replacement is atomic, per
// SPEC_FULL.md's resolved Open Question.
func (s *Store) BulkSet(entries []Entry, replaceAt []byte) error {
	if s.shuttingDown() {
		return ErrShuttingDown
	}
	for _, e := range entries {
		if err := pathkey.Validate(e.Key, false); err != nil {
			s.metrics.ops.WithLabelValues("bulk_set", "error").Inc()
			return ErrPathInvalid
		}
	}
	replace := replaceAt != nil
	if replace {
		if err := pathkey.Validate(replaceAt, true); err != nil {
			s.metrics.ops.WithLabelValues("bulk_set", "error").Inc()
			return ErrPathInvalid
		}
	}

	var ops []walog.Op
	if replace {
		start, end := subtreeRangeAllowRoot(replaceAt)
		ops = append(ops, walog.Op{Kind: walog.KindRangeTombstone, Key: start, Value: end})
	}
	for _, e := range entries {
		ops = append(ops, walog.Op{Kind: walog.KindPut, Key: e.Key, Value: e.Value})
	}

	if err := s.commitAndApply(ops); err != nil {
		s.metrics.ops.WithLabelValues("bulk_set", "error").Inc()
		return err
	}
	s.metrics.ops.WithLabelValues("bulk_set", "ok").Inc()
	return nil
}

// subtreeRangeAllowRoot is pathkey.SubtreeRange generalized to an empty
// key, covering every key in the store ("" + "/" would be invalid syntax,
// so root's subtree is simply the unbounded range).
func subtreeRangeAllowRoot(key []byte) (start, end []byte) {
	if len(key) == 0 {
		return nil, nil
	}
	return pathkey.SubtreeRange(key)
}

// commitAndApply appends ops to the WAL, then applies them to the active
// memtable, swapping in an immutable memtable and waking the flusher if
// the size threshold is crossed. It applies compaction backpressure before
// touching the WAL, per spec.md §9's stop-write guidance.
func (s *Store) commitAndApply(ops []walog.Op) error {
	if s.cp.ShouldStopWrites() {
		s.cp.WaitForDrain()
	}

	firstSeq, err := s.wal.Append(ops)
	if err != nil {
		return wrapIO("wal append", err)
	}

	s.mu.Lock()
	mem := s.state.mem
	seq := firstSeq
	for _, op := range ops {
		switch op.Kind {
		case walog.KindPut:
			mem = mem.Put(op.Key, op.Value, seq)
		case walog.KindDelete:
			mem = mem.Delete(op.Key, seq)
		case walog.KindRangeTombstone:
			mem = mem.DeleteRange(op.Key, op.Value, seq)
		}
		seq++
	}
	s.state = &storeState{mem: mem, imm: s.state.imm}
	s.metrics.memtableBytes.Set(float64(mem.Size()))
	needsFlush := s.state.imm == nil && mem.Size() >= s.opts.MemtableSizeBytes
	if needsFlush {
		s.state = &storeState{mem: memtable.New(), imm: mem}
	}
	s.mu.Unlock()

	if needsFlush {
		select {
		case s.flushWake <- struct{}{}:
		default:
		}
	}
	return nil
}

// scalarIsLiveLocked reports whether key currently resolves to a live
// (non-tombstoned) PUT. Caller must hold s.mu.
func (s *Store) scalarIsLiveLocked(key []byte) (bool, error) {
	e, ok, err := s.lookupLocked(key)
	if err != nil {
		return false, err
	}
	return ok && e.kind == memtable.KindPut, nil
}

// hasLiveDescendantsLocked reports whether any key strictly under key has
// a live entry, scanning key's subtree range across every source. Caller
// must hold s.mu.
func (s *Store) hasLiveDescendantsLocked(key []byte) (bool, error) {
	start, end := pathkey.SubtreeRange(key)
	it, err := s.newMergeIteratorLocked(start, end)
	if err != nil {
		return false, err
	}
	for {
		_, _, kind, _, ok, iterErr := it.next()
		if iterErr != nil {
			return false, iterErr
		}
		if !ok {
			return false, nil
		}
		if kind == sstable.KindPut {
			return true, nil
		}
	}
}

// --- Reads ---

type lookupEntry struct {
	kind  memtable.Kind
	value []byte
}

// Get returns key's current value, or found=false if absent or tombstoned.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	if err := pathkey.Validate(key, false); err != nil {
		return nil, false, ErrPathInvalid
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok, err := s.lookupLocked(key)
	if err != nil {
		s.metrics.ops.WithLabelValues("get", "error").Inc()
		return nil, false, err
	}
	if !ok || e.kind != memtable.KindPut {
		s.metrics.ops.WithLabelValues("get", "ok").Inc()
		return nil, false, nil
	}
	s.metrics.ops.WithLabelValues("get", "ok").Inc()
	return e.value, true, nil
}

// Exists reports whether key currently resolves to a live PUT.
func (s *Store) Exists(key []byte) (bool, error) {
	_, ok, err := s.Get(key)
	return ok, err
}

// lookupLocked resolves key by sequence-number comparison across the
// active memtable, the immutable memtable (if any) and every segment,
// consulting every source and keeping the answer with the highest
// sequence seen (a range tombstone counts as a delete at its own
// sequence). This bypasses
// sstable.MergeIterator entirely: that iterator's heap breaks same-key
// ties by source index rather than sequence number, which is only safe
// when sources are supplied in strict recency order (used by the scanning
// path below); point lookups compare actual sequence numbers directly and
// so need no such ordering assumption. Caller must hold s.mu (read or
// write).
func (s *Store) lookupLocked(key []byte) (lookupEntry, bool, error) {
	var best lookupEntry
	var bestSeq uint64
	found := false

	consider := func(seq uint64, kind memtable.Kind, value []byte) {
		if !found || seq > bestSeq {
			bestSeq, found = seq, true
			best = lookupEntry{kind: kind, value: value}
		}
	}

	if e, ok := s.state.mem.Get(key); ok {
		consider(e.Sequence, e.Kind, e.Value)
	}
	if s.state.imm != nil {
		if e, ok := s.state.imm.Get(key); ok {
			consider(e.Sequence, e.Kind, e.Value)
		}
	}

	for _, lvl := range []sstable.Level{sstable.L0, sstable.L1, sstable.L2} {
		for _, rs := range s.readersForLevelLocked(lvl) {
			if !rs.reader.MayContainRange(key, nil) {
				continue
			}
			seq, kind, value, ok, err := rs.reader.PointGet(key)
			if err != nil {
				return lookupEntry{}, false, wrapIO("point get", err)
			}
			if ok {
				consider(seq, memtable.Kind(kind), value)
			}
			for _, rt := range rs.reader.RangeTombstones() {
				if sstable.KeyInRange(key, rt.Start, rt.End) {
					consider(rt.Seq, memtable.KindDelete, nil)
				}
			}
		}
	}

	for _, rt := range s.state.mem.RangeTombstones(nil, nil) {
		if sstable.KeyInRange(key, rt.Start, rt.End) {
			consider(rt.Seq, memtable.KindDelete, nil)
		}
	}
	if s.state.imm != nil {
		for _, rt := range s.state.imm.RangeTombstones(nil, nil) {
			if sstable.KeyInRange(key, rt.Start, rt.End) {
				consider(rt.Seq, memtable.KindDelete, nil)
			}
		}
	}

	return best, found, nil
}

func (s *Store) readersForLevelLocked(lvl sstable.Level) []readerState {
	var out []readerState
	for _, rs := range s.readers {
		if rs.ref.Level == lvl {
			out = append(out, rs)
		}
	}
	if lvl == sstable.L0 {
		sort.Slice(out, func(i, j int) bool { return out[i].ref.ID > out[j].ref.ID })
	} else {
		sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].ref.MinKey, out[j].ref.MinKey) < 0 })
	}
	return out
}

// --- Range scans ---

// Iterator yields (key, value) pairs in ascending key order from a scan
// started by Range, PrefixScan or Pattern. It is a materialized snapshot,
// not a live cursor: spec.md §5's "captured atomically at scan start"
// requirement is satisfied by computing the whole result set under a
// single RLock rather than holding the lock across caller-paced Next calls.
type Iterator struct {
	entries []Entry
	idx     int
}

// Next advances and returns the next entry, or ok=false when exhausted.
func (it *Iterator) Next() (Entry, bool) {
	if it.idx >= len(it.entries) {
		return Entry{}, false
	}
	e := it.entries[it.idx]
	it.idx++
	return e, true
}

// Range returns every live key in [start, end) (end empty means unbounded
// above), each exactly once at its highest surviving sequence.
func (s *Store) Range(start, end []byte) (*Iterator, error) {
	if len(start) > 0 && len(end) > 0 && bytes.Compare(start, end) >= 0 {
		return &Iterator{}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	it, err := s.newMergeIteratorLocked(start, end)
	if err != nil {
		s.metrics.ops.WithLabelValues("range", "error").Inc()
		return nil, err
	}
	var out []Entry
	for {
		key, _, kind, value, ok, iterErr := it.next()
		if iterErr != nil {
			s.metrics.ops.WithLabelValues("range", "error").Inc()
			return nil, iterErr
		}
		if !ok {
			break
		}
		if kind != sstable.KindPut {
			continue
		}
		out = append(out, Entry{Key: append([]byte(nil), key...), Value: append([]byte(nil), value...)})
	}
	s.metrics.ops.WithLabelValues("range", "ok").Inc()
	return &Iterator{entries: out}, nil
}

// PrefixScan returns every live key beginning with prefix.
func (s *Store) PrefixScan(prefix []byte) (*Iterator, error) {
	return s.Range(prefix, prefixEnd(prefix))
}

// Pattern returns every live key matching glob, where `*` matches zero or
// more bytes within a single path component (it does not cross `/`) and
// `?` matches exactly one non-`/` character, per path.Match's semantics. The longest
// literal prefix before the first wildcard bounds the underlying scan; an
// empty prefix means a full scan.
func (s *Store) Pattern(glob []byte) (*Iterator, error) {
	prefix := literalPrefix(string(glob))
	it, err := s.Range([]byte(prefix), prefixEnd([]byte(prefix)))
	if err != nil {
		return nil, err
	}
	var out []Entry
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		matched, err := path.Match(string(glob), string(e.Key))
		if err != nil {
			return nil, ErrPathInvalid
		}
		if matched {
			out = append(out, e)
		}
	}
	return &Iterator{entries: out}, nil
}

// literalPrefix returns the portion of glob before its first wildcard
// character, the same "longest literal prefix" extraction spec.md §4.8
// describes for pattern's underlying scan bound.
func literalPrefix(glob string) string {
	for i := 0; i < len(glob); i++ {
		switch glob[i] {
		case '*', '?', '[', '\\':
			return glob[:i]
		}
	}
	return glob
}

// prefixEnd returns the smallest key greater than every key with prefix
// prefix, or nil (unbounded) if prefix is empty or all 0xFF.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// storeMergeIterator wraps a sstable.MergeIterator with the range-tombstone
// masking it doesn't do itself.
type storeMergeIterator struct {
	mi    *sstable.MergeIterator
	tombs []memtable.RangeTombstone
	start []byte
	end   []byte
}

// newMergeIteratorLocked builds a merging iterator over [start, end) across
// the active memtable, immutable memtable and every segment, supplied to
// sstable.MergeIterator strictly newest-to-oldest (mem, imm, L0 descending
// by segment ID, L1, L2) so its source-index tie-break coincides with true
// recency. Caller must hold s.mu.
func (s *Store) newMergeIteratorLocked(start, end []byte) (*storeMergeIterator, error) {
	var sources []sstable.MergeSource
	var tombs []memtable.RangeTombstone

	sources = append(sources, memSource{it: s.state.mem.NewIterator(start), end: end})
	tombs = append(tombs, s.state.mem.RangeTombstones(start, end)...)
	if s.state.imm != nil {
		sources = append(sources, memSource{it: s.state.imm.NewIterator(start), end: end})
		tombs = append(tombs, s.state.imm.RangeTombstones(start, end)...)
	}

	for _, lvl := range []sstable.Level{sstable.L0, sstable.L1, sstable.L2} {
		for _, rs := range s.readersForLevelLocked(lvl) {
			if !rs.reader.MayContainRange(start, end) {
				continue
			}
			sources = append(sources, sstable.AsMergeSource(rs.reader.NewIterator(start, end)))
			for _, rt := range rs.reader.RangeTombstones() {
				tombs = append(tombs, memtable.RangeTombstone{Start: rt.Start, End: rt.End, Seq: rt.Seq})
			}
		}
	}

	return &storeMergeIterator{
		mi:    sstable.NewMergeIterator(sources),
		tombs: tombs,
		start: start,
		end:   end,
	}, nil
}

// next returns the next distinct key's merged record, applying
// range-tombstone masking on top of the underlying MergeIterator (which
// only ever surfaces point PUT/DELETE records, never range tombstones).
func (it *storeMergeIterator) next() (key []byte, seq uint64, kind sstable.Kind, value []byte, ok bool, err error) {
	for {
		k, sq, kd, v, more := it.mi.Next()
		if !more {
			return nil, 0, 0, nil, false, it.mi.Err()
		}
		if tombSeq, masked := maxCoveringSeq(it.tombs, k); masked && tombSeq > sq {
			continue
		}
		return k, sq, kd, v, true, nil
	}
}

// maxCoveringSeq returns the highest sequence among tombs whose range
// covers key.
func maxCoveringSeq(tombs []memtable.RangeTombstone, key []byte) (uint64, bool) {
	var best uint64
	found := false
	for _, t := range tombs {
		if sstable.KeyInRange(key, t.Start, t.End) {
			if !found || t.Seq > best {
				best, found = t.Seq, true
			}
		}
	}
	return best, found
}

// memSource adapts a memtable.Iterator to sstable.MergeSource, applying the
// same exclusive end bound a segment's own Iterator enforces internally
// (memtable.Iterator has no end bound of its own).
type memSource struct {
	it  *memtable.Iterator
	end []byte
}

func (m memSource) Next() (key []byte, seq uint64, kind sstable.Kind, value []byte, ok bool) {
	k, e, more := m.it.Next()
	if !more {
		return nil, 0, 0, nil, false
	}
	if len(m.end) > 0 && bytes.Compare(k, m.end) >= 0 {
		return nil, 0, 0, nil, false
	}
	return k, e.Sequence, sstable.Kind(e.Kind), e.Value, true
}

func (m memSource) Err() error { return nil }

// --- Flush, Close ---

// Flush blocks until the active memtable has been durably flushed to an L0
// segment, forcing the flush even if the size threshold hasn't been
// crossed (spec.md §4.8).
func (s *Store) Flush() error {
	if s.shuttingDown() {
		return ErrShuttingDown
	}
	return s.flushActiveMemtable()
}

// flushActiveMemtable implements Flush's body without the shutting-down
// guard, so Close can force a final flush after it has already marked the
// store closed.
func (s *Store) flushActiveMemtable() error {
	if err := s.wal.Flush(); err != nil {
		return wrapIO("wal flush", err)
	}

	s.mu.Lock()
	if s.state.imm == nil && s.state.mem.Len() > 0 {
		s.state = &storeState{mem: memtable.New(), imm: s.state.mem}
	}
	pending := s.state.imm != nil
	s.mu.Unlock()

	if !pending {
		return nil
	}
	select {
	case s.flushWake <- struct{}{}:
	default:
	}
	return s.waitForFlushDrain()
}

func (s *Store) waitForFlushDrain() error {
	for {
		s.mu.RLock()
		done := s.state.imm == nil
		s.mu.RUnlock()
		if done {
			return nil
		}
		select {
		case <-time.After(5 * time.Millisecond):
		case <-s.stopCh:
			return ErrShuttingDown
		}
	}
}

// flushLoop is the dedicated background goroutine that serializes the
// immutable memtable (once installed) to a new L0 segment and installs it
// via a manifest edit, mirroring the teacher's background-goroutine-per-
// concern convention.
func (s *Store) flushLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.flushWake:
		}
		for {
			s.mu.RLock()
			imm := s.state.imm
			s.mu.RUnlock()
			if imm == nil {
				break
			}
			if err := s.flushOnce(imm); err != nil {
				level.Error(s.opts.Logger).Log("msg", "flush failed, retrying", "err", err)
				select {
				case <-time.After(200 * time.Millisecond):
				case <-s.stopCh:
					return
				}
				continue
			}
			break
		}
	}
}

// flushOnce serializes imm to a new L0 segment, rotates the WAL so future
// writes land in a fresh segment, installs the segment via a manifest
// edit, then clears the immutable slot and prunes WAL segments no longer
// needed, per spec.md §4.2's "when a flush begins, a new WAL is started"
// and §4.7's "fsync -> manifest edit" completion sequence.
func (s *Store) flushOnce(imm *memtable.Memtable) error {
	start := time.Now()

	keepFromID, err := s.wal.RotateNow()
	if err != nil {
		return wrapIO("wal rotate", err)
	}

	id := s.allocSegmentID()
	segPath := filepath.Join(s.dir, segmentFileName(id))
	b, err := sstable.NewBuilder(segPath, sstable.BuilderOptions{
		BlockSize:   s.opts.BlockSizeBytes,
		Level:       sstable.L0,
		BloomFPRate: s.opts.BloomFPRate,
	})
	if err != nil {
		return wrapIO("open segment builder", err)
	}

	it := imm.NewIterator(nil)
	for {
		k, e, ok := it.Next()
		if !ok {
			break
		}
		if err := b.Add(sstable.Kind(e.Kind), e.Sequence, k, e.Value); err != nil {
			b.Abort()
			return wrapIO("write segment entry", err)
		}
	}
	for _, rt := range imm.RangeTombstones(nil, nil) {
		b.AddRangeTombstone(sstable.RangeTombstone{Start: rt.Start, End: rt.End, Seq: rt.Seq})
	}

	meta, err := b.Finish()
	if err != nil {
		return wrapIO("finish segment", err)
	}

	var sizeBytes uint64
	if fi, statErr := os.Stat(segPath); statErr == nil {
		sizeBytes = uint64(fi.Size())
	}

	if err := s.mf.ApplyEdit(manifest.Edit{
		Kind: manifest.EditAddSegment,
		Segment: manifest.SegmentRef{
			ID: id, Level: sstable.L0, Path: segPath,
			MinKey: meta.MinKey, MaxKey: meta.MaxKey,
			MinSeq: meta.MinSeq, MaxSeq: meta.MaxSeq,
			EntryCount: meta.EntryCount, SizeBytes: sizeBytes,
		},
	}); err != nil {
		return wrapIO("install flushed segment", err)
	}
	if err := s.mf.ApplyEdit(manifest.Edit{Kind: manifest.EditRotateWAL, WALKeepFromID: keepFromID}); err != nil {
		return wrapIO("record wal rotation", err)
	}
	if err := s.mf.ApplyEdit(manifest.Edit{Kind: manifest.EditSetNextSeq, NextSeq: meta.MaxSeq + 1}); err != nil {
		return wrapIO("record next sequence", err)
	}

	snap := s.mf.Snapshot()
	s.mu.Lock()
	if err := s.syncReadersLocked(snap); err != nil {
		s.mu.Unlock()
		return err
	}
	s.lastMF = snap
	s.state = &storeState{mem: s.state.mem, imm: nil}
	s.mu.Unlock()

	if err := s.wal.PruneBefore(keepFromID); err != nil {
		level.Error(s.opts.Logger).Log("msg", "wal prune failed", "err", err)
	}

	s.cp.Notify()
	s.metrics.flushes.Inc()
	s.metrics.flushDuration.Observe(time.Since(start).Seconds())
	return nil
}

// Close stops the background goroutines, flushes any pending memtable,
// closes the WAL, compactor, manifest and segment readers, and releases
// the directory lock. In-flight writes awaiting commit are resolved before
// Close returns (spec.md §5).
func (s *Store) Close() error {
	if !atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		return nil
	}

	_ = s.flushActiveMemtable()

	close(s.stopCh)
	s.wg.Wait()

	var firstErr error
	if err := s.cp.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.wal.Close(); err != nil && firstErr == nil {
		firstErr = wrapIO("wal close", err)
	}

	s.mu.Lock()
	s.closeReaders()
	s.mu.Unlock()

	if err := s.mf.Close(); err != nil && firstErr == nil {
		firstErr = wrapIO("manifest close", err)
	}
	if err := releaseLock(s.lockFile); err != nil && firstErr == nil {
		firstErr = wrapIO("unlock", err)
	}
	return firstErr
}

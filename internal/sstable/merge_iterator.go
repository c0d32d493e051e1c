package sstable

import "container/heap"

// MergeSource is anything that can feed a MergeIterator: a segment's own
// Iterator, or a memtable iterator adapted to the same shape. Kept as an
// interface so compaction and the store's read path can merge segments and
// in-memory sources through one heap, grounded on SiltKV's
// internal/sstable/merge_iterator.go k-way merge.
type MergeSource interface {
	// Next returns the next record in key order, or ok=false when
	// exhausted (check Err() to distinguish clean exhaustion from error).
	Next() (key []byte, seq uint64, kind Kind, value []byte, ok bool)
	Err() error
}

// sourceIteratorAdapter lets a segment's *Iterator satisfy MergeSource.
type sourceIteratorAdapter struct {
	it *Iterator
}

func AsMergeSource(it *Iterator) MergeSource { return sourceIteratorAdapter{it} }

func (a sourceIteratorAdapter) Next() ([]byte, uint64, Kind, []byte, bool) {
	rec, ok := a.it.Next()
	if !ok {
		return nil, 0, 0, nil, false
	}
	return rec.Key, rec.Seq, rec.Kind, rec.Value, true
}

func (a sourceIteratorAdapter) Err() error { return a.it.Err() }

type heapItem struct {
	key    []byte
	seq    uint64
	kind   Kind
	value  []byte
	srcIdx int // lower srcIdx means newer source, used to break key ties
}

type mergeHeap []heapItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	c := compareBytes(h[i].key, h[j].key)
	if c != 0 {
		return c < 0
	}
	return h[i].srcIdx < h[j].srcIdx
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(heapItem)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// MergeIterator performs a k-way merge over MergeSources ordered newest
// first (index 0 is the most recently written source: the active memtable
// or the lowest level), surfacing exactly one record per distinct key -
// the one from the newest source. Older sources' versions of that key are
// discarded, and range tombstones are not consulted; callers apply
// range-tombstone masking to the records Next returns.
type MergeIterator struct {
	sources []MergeSource
	h       mergeHeap
	started bool
	err     error
}

func NewMergeIterator(sources []MergeSource) *MergeIterator {
	return &MergeIterator{sources: sources}
}

func (m *MergeIterator) fill(idx int) {
	src := m.sources[idx]
	key, seq, kind, value, ok := src.Next()
	if !ok {
		if err := src.Err(); err != nil && m.err == nil {
			m.err = err
		}
		return
	}
	heap.Push(&m.h, heapItem{key: key, seq: seq, kind: kind, value: value, srcIdx: idx})
}

func (m *MergeIterator) start() {
	m.started = true
	m.h = make(mergeHeap, 0, len(m.sources))
	for i := range m.sources {
		m.fill(i)
	}
}

// Next returns the next distinct key in ascending order together with the
// newest record for that key; records for the same key from older sources
// are consumed and discarded here.
func (m *MergeIterator) Next() (key []byte, seq uint64, kind Kind, value []byte, ok bool) {
	if !m.started {
		m.start()
	}
	if m.err != nil || m.h.Len() == 0 {
		return nil, 0, 0, nil, false
	}
	top := heap.Pop(&m.h).(heapItem)
	winner := top
	m.fill(top.srcIdx)

	for m.h.Len() > 0 && compareBytes(m.h[0].key, winner.key) == 0 {
		dup := heap.Pop(&m.h).(heapItem)
		m.fill(dup.srcIdx)
	}
	return winner.key, winner.seq, winner.kind, winner.value, true
}

func (m *MergeIterator) Err() error { return m.err }

// Package memtable implements the in-memory sorted map of recent writes
// described in spec §4.3: point insert, point lookup, range scan, and a
// snapshot iterator, backed by a copy-on-write sorted map so an in-flight
// scan keeps a consistent view even as later writes install a new Memtable
// pointer. This reuses github.com/benbjohnson/immutable.SortedMap exactly as
// the teacher's WAL package uses it for its segment directory (see
// wal.go's `state.segments *immutable.SortedMap[uint64, segmentState]`).
package memtable

import (
	"github.com/benbjohnson/immutable"
)

// Kind distinguishes a live value from a tombstone.
type Kind uint8

const (
	KindPut Kind = iota + 1
	KindDelete
	// KindRangeTombstone only appears on the wire (WAL records, segment
	// range-tombstone sections); a Memtable itself stores range
	// tombstones in a dedicated map rather than as an Entry.Kind value.
	KindRangeTombstone
)

// Entry is the value half of the memtable's sorted map: everything needed to
// resolve a point lookup or participate in a flush/merge without consulting
// the key again.
type Entry struct {
	Sequence uint64
	Kind     Kind
	Value    []byte
}

// rangeTombstone covers [Start, End) at Sequence; anything in the memtable
// (or below) with a lower sequence and a key in range is masked.
type rangeTombstone struct {
	End      []byte
	Sequence uint64
}

// approxEntryOverhead accounts for map/node bookkeeping not captured by
// len(key)+len(value), so Size() tracks real memory pressure closely enough
// to threshold a flush (spec §4.3).
const approxEntryOverhead = 48

// Memtable is an immutable (copy-on-write) snapshot of recently written
// entries. Put/Delete/DeleteRange return a *new* Memtable; the caller
// (waldb.Store) is responsible for installing the new pointer under its
// state lock. This mirrors the teacher's pattern of building a full
// replacement state and only then doing a single atomic swap.
type Memtable struct {
	entries    *immutable.SortedMap[string, Entry]
	tombstones *immutable.SortedMap[string, rangeTombstone]
	size       int64
}

// New returns an empty Memtable.
func New() *Memtable {
	return &Memtable{
		entries:    &immutable.SortedMap[string, Entry]{},
		tombstones: &immutable.SortedMap[string, rangeTombstone]{},
	}
}

// Size returns the approximate memory footprint in bytes, used to decide
// when to swap this memtable to immutable and flush it (spec §4.3).
func (m *Memtable) Size() int64 { return m.size }

// Len returns the number of live+tombstoned point entries (not counting
// range tombstones).
func (m *Memtable) Len() int { return m.entries.Len() }

// Put returns a new Memtable with key set to a PUT entry at the given
// sequence.
func (m *Memtable) Put(key []byte, value []byte, seq uint64) *Memtable {
	return m.set(key, Entry{Sequence: seq, Kind: KindPut, Value: value}, int64(len(key)+len(value)+approxEntryOverhead))
}

// Delete returns a new Memtable with a point tombstone at key.
func (m *Memtable) Delete(key []byte, seq uint64) *Memtable {
	return m.set(key, Entry{Sequence: seq, Kind: KindDelete}, int64(len(key)+approxEntryOverhead))
}

// set replaces key's entry and bumps the size estimate by deltaCost. On
// overwrite this overstates the true delta slightly (the old entry's bytes
// aren't subtracted), which is fine: Size() only needs to be a conservative
// approximation that reliably triggers a flush, not an exact accounting.
func (m *Memtable) set(key []byte, e Entry, deltaCost int64) *Memtable {
	k := string(key)
	return &Memtable{
		entries:    m.entries.Set(k, e),
		tombstones: m.tombstones,
		size:       m.size + deltaCost,
	}
}

// DeleteRange returns a new Memtable with a range tombstone spanning
// [start, end) at the given sequence, masking any earlier entry (in this
// memtable) whose key falls in the range. Used by subtree delete and by
// force-replace's atomic range-tombstone-then-put.
func (m *Memtable) DeleteRange(start, end []byte, seq uint64) *Memtable {
	k := string(start)
	return &Memtable{
		entries:    m.entries,
		tombstones: m.tombstones.Set(k, rangeTombstone{End: append([]byte(nil), end...), Sequence: seq}),
		size:       m.size + int64(len(start)+len(end)+approxEntryOverhead),
	}
}

// Get returns the entry for key along with whether it was found at all
// (found=false means "not present in this memtable, consult the next
// level"; found=true with Kind=KindDelete means "masked, stop here").
func (m *Memtable) Get(key []byte) (Entry, bool) {
	k := string(key)
	e, ok := m.entries.Get(k)
	if rtSeq, masked := m.coveringRangeTombstoneSeq(key); masked && (!ok || rtSeq > e.Sequence) {
		return Entry{Sequence: rtSeq, Kind: KindDelete}, true
	}
	if !ok {
		return Entry{}, false
	}
	return e, true
}

// coveringRangeTombstoneSeq returns the highest sequence among range
// tombstones whose [start, end) covers key. Tombstone starts are always
// <= key for a covering tombstone, so we only need to scan entries with
// Start <= key; the memtable is bounded in size (it is swapped out and
// flushed well before it grows large) so a linear scan of tombstones is
// cheap relative to an index structure for what is typically a handful of
// subtree deletes per memtable generation.
func (m *Memtable) coveringRangeTombstoneSeq(key []byte) (uint64, bool) {
	ks := string(key)
	it := m.tombstones.Iterator()
	it.First()
	var bestSeq uint64
	found := false
	for {
		start, rt, ok := it.Next()
		if !ok {
			break
		}
		if start > ks {
			break
		}
		if len(rt.End) > 0 && ks >= string(rt.End) {
			continue
		}
		if !found || rt.Sequence > bestSeq {
			bestSeq, found = rt.Sequence, true
		}
	}
	return bestSeq, found
}

// RangeTombstone is an exported view of a subtree-delete tombstone, for
// callers (waldb.Store's merging read path) that need to mask stale
// entries in other sources the same way Get already masks this memtable's
// own entries.
type RangeTombstone struct {
	Start, End []byte
	Seq        uint64
}

// RangeTombstones returns every range tombstone that could overlap
// [start, end); an empty end means unbounded above.
func (m *Memtable) RangeTombstones(start, end []byte) []RangeTombstone {
	var out []RangeTombstone
	it := m.tombstones.Iterator()
	it.First()
	for {
		s, rt, ok := it.Next()
		if !ok {
			break
		}
		if len(end) > 0 && s >= string(end) {
			break
		}
		if len(start) > 0 && string(rt.End) != "" && string(rt.End) <= string(start) {
			continue
		}
		out = append(out, RangeTombstone{Start: []byte(s), End: append([]byte(nil), rt.End...), Seq: rt.Sequence})
	}
	return out
}

// Iterator yields all live (key, Entry) pairs in key order, skipping
// entries masked by a higher-sequence range tombstone. Tombstoned point
// entries (KindDelete) are still yielded so the caller (merging iterator in
// waldb.Store) can see and propagate them.
type Iterator struct {
	mt *Memtable
	it *immutable.SortedMapIterator[string, Entry]
}

// NewIterator returns an iterator starting at the first key >= start (or at
// the very first key if start is nil).
func (m *Memtable) NewIterator(start []byte) *Iterator {
	it := m.entries.Iterator()
	if len(start) > 0 {
		it.Seek(string(start))
	} else {
		it.First()
	}
	return &Iterator{mt: m, it: it}
}

// Next returns the next (key, Entry), applying range-tombstone masking.
// ok is false once iteration is exhausted.
func (it *Iterator) Next() (key []byte, e Entry, ok bool) {
	for {
		k, v, more := it.it.Next()
		if !more {
			return nil, Entry{}, false
		}
		if rtSeq, masked := it.mt.coveringRangeTombstoneSeq([]byte(k)); masked && rtSeq > v.Sequence {
			continue
		}
		return []byte(k), v, true
	}
}

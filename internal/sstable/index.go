package sstable

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// blockIndexEntry records the last key of a block alongside its location,
// letting range scans binary-search for "the first block whose last key >=
// start" per spec §4.4.
type blockIndexEntry struct {
	LastKey []byte
	Offset  uint64
	Len     uint32
}

// encodeBlockIndex serializes: u32 count | (u32 lastKeyLen | lastKey | u64 offset | u32 len)*count | u32 crc32c.
func encodeBlockIndex(entries []blockIndexEntry) []byte {
	size := 4
	for _, e := range entries {
		size += 4 + len(e.LastKey) + 8 + 4
	}
	buf := make([]byte, size, size+4)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(entries)))
	off := 4
	for _, e := range entries {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(e.LastKey)))
		off += 4
		copy(buf[off:], e.LastKey)
		off += len(e.LastKey)
		binary.LittleEndian.PutUint64(buf[off:off+8], e.Offset)
		off += 8
		binary.LittleEndian.PutUint32(buf[off:off+4], e.Len)
		off += 4
	}
	crc := checksum(buf)
	var tail [4]byte
	binary.LittleEndian.PutUint32(tail[:], crc)
	return append(buf, tail[:]...)
}

func decodeBlockIndex(buf []byte) ([]blockIndexEntry, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("%w: block index too short", errCorrupt)
	}
	body := buf[:len(buf)-4]
	want := binary.LittleEndian.Uint32(buf[len(buf)-4:])
	if checksum(body) != want {
		return nil, fmt.Errorf("%w: block index checksum mismatch", errCorrupt)
	}
	count := binary.LittleEndian.Uint32(body[0:4])
	off := 4
	entries := make([]blockIndexEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+4 > len(body) {
			return nil, fmt.Errorf("%w: truncated block index", errCorrupt)
		}
		klen := int(binary.LittleEndian.Uint32(body[off : off+4]))
		off += 4
		if off+klen+12 > len(body) {
			return nil, fmt.Errorf("%w: truncated block index entry", errCorrupt)
		}
		key := body[off : off+klen]
		off += klen
		offset := binary.LittleEndian.Uint64(body[off : off+8])
		off += 8
		blen := binary.LittleEndian.Uint32(body[off : off+4])
		off += 4
		entries = append(entries, blockIndexEntry{LastKey: key, Offset: offset, Len: blen})
	}
	return entries, nil
}

// hashIndex is a build-once, open-addressed table mapping a 32-bit key hash
// to the absolute file offset of that key's record, used as an exact-match shortcut ahead of the block
// index's binary search (spec §4.4).
type hashIndex struct {
	capacity uint32
	hashes   []uint32 // 0xFFFFFFFF sentinel marks an empty slot
	offsets  []uint64
}

const hashIndexEmpty = 0xFFFFFFFF

func buildHashIndex(keys [][]byte, offsets []uint64) *hashIndex {
	n := len(keys)
	capacity := uint32(n*2 + 1)
	h := &hashIndex{
		capacity: capacity,
		hashes:   make([]uint32, capacity),
		offsets:  make([]uint64, capacity),
	}
	for i := range h.hashes {
		h.hashes[i] = hashIndexEmpty
	}
	for i, k := range keys {
		hv := uint32(xxhash.Sum64(k))
		if hv == hashIndexEmpty {
			hv = 0
		}
		slot := hv % capacity
		for h.hashes[slot] != hashIndexEmpty {
			slot = (slot + 1) % capacity
		}
		h.hashes[slot] = hv
		h.offsets[slot] = offsets[i]
	}
	return h
}

// lookup returns the candidate record offset for key's hash; because the
// index only stores hashes (not keys), a hit here is a candidate that must
// still be confirmed by reading the block, and a miss is not definitive
// either if a resize/compare were possible -- in this build-once table,
// absence of the probe sequence's sentinel before finding the hash means
// "definitely not indexed", so callers fall back to the block index scan.
func (h *hashIndex) lookup(key []byte) (uint64, bool) {
	if h.capacity == 0 {
		return 0, false
	}
	hv := uint32(xxhash.Sum64(key))
	if hv == hashIndexEmpty {
		hv = 0
	}
	slot := hv % h.capacity
	for i := uint32(0); i < h.capacity; i++ {
		if h.hashes[slot] == hashIndexEmpty {
			return 0, false
		}
		if h.hashes[slot] == hv {
			return h.offsets[slot], true
		}
		slot = (slot + 1) % h.capacity
	}
	return 0, false
}

func (h *hashIndex) encode() []byte {
	buf := make([]byte, 4+len(h.hashes)*12)
	binary.LittleEndian.PutUint32(buf[0:4], h.capacity)
	off := 4
	for i := range h.hashes {
		binary.LittleEndian.PutUint32(buf[off:off+4], h.hashes[i])
		binary.LittleEndian.PutUint64(buf[off+4:off+12], h.offsets[i])
		off += 12
	}
	return buf
}

func decodeHashIndex(buf []byte) (*hashIndex, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("%w: hash index too short", errCorrupt)
	}
	capacity := binary.LittleEndian.Uint32(buf[0:4])
	if uint64(len(buf)) != 4+uint64(capacity)*12 {
		return nil, fmt.Errorf("%w: hash index size mismatch", errCorrupt)
	}
	h := &hashIndex{capacity: capacity, hashes: make([]uint32, capacity), offsets: make([]uint64, capacity)}
	off := 4
	for i := uint32(0); i < capacity; i++ {
		h.hashes[i] = binary.LittleEndian.Uint32(buf[off : off+4])
		h.offsets[i] = binary.LittleEndian.Uint64(buf[off+4 : off+12])
		off += 12
	}
	return h, nil
}

// RangeTombstone is a decoded entry from a segment's range-tombstone
// section: [Start, End) at Sequence, per spec §3's subtree-delete
// tombstone.
type RangeTombstone struct {
	Start []byte
	End   []byte
	Seq   uint64
}

// KeyInRange reports whether key falls in [start, end). An empty end means
// unbounded above.
func KeyInRange(key, start, end []byte) bool {
	if compareBytes(key, start) < 0 {
		return false
	}
	if len(end) > 0 && compareBytes(key, end) >= 0 {
		return false
	}
	return true
}

func encodeRangeTombstones(rts []RangeTombstone) []byte {
	size := 4
	for _, rt := range rts {
		size += 4 + len(rt.Start) + 4 + len(rt.End) + 8
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(rts)))
	off := 4
	for _, rt := range rts {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(rt.Start)))
		off += 4
		copy(buf[off:], rt.Start)
		off += len(rt.Start)
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(rt.End)))
		off += 4
		copy(buf[off:], rt.End)
		off += len(rt.End)
		binary.LittleEndian.PutUint64(buf[off:off+8], rt.Seq)
		off += 8
	}
	return buf
}

func decodeRangeTombstones(buf []byte) ([]RangeTombstone, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("%w: range tombstone section too short", errCorrupt)
	}
	count := binary.LittleEndian.Uint32(buf[0:4])
	off := 4
	out := make([]RangeTombstone, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+4 > len(buf) {
			return nil, fmt.Errorf("%w: truncated range tombstone", errCorrupt)
		}
		slen := int(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
		start := buf[off : off+slen]
		off += slen
		elen := int(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
		end := buf[off : off+elen]
		off += elen
		seq := binary.LittleEndian.Uint64(buf[off : off+8])
		off += 8
		out = append(out, RangeTombstone{Start: start, End: end, Seq: seq})
	}
	return out, nil
}

func encodeKeyRange(minKey, maxKey []byte) []byte {
	buf := make([]byte, 4+len(minKey)+4+len(maxKey))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(minKey)))
	copy(buf[4:], minKey)
	off := 4 + len(minKey)
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(maxKey)))
	copy(buf[off+4:], maxKey)
	return buf
}

func decodeKeyRange(buf []byte) (minKey, maxKey []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("%w: key range section too short", errCorrupt)
	}
	mlen := int(binary.LittleEndian.Uint32(buf[0:4]))
	if 4+mlen+4 > len(buf) {
		return nil, nil, fmt.Errorf("%w: truncated key range", errCorrupt)
	}
	minKey = buf[4 : 4+mlen]
	off := 4 + mlen
	xlen := int(binary.LittleEndian.Uint32(buf[off : off+4]))
	if off+4+xlen > len(buf) {
		return nil, nil, fmt.Errorf("%w: truncated key range", errCorrupt)
	}
	maxKey = buf[off+4 : off+4+xlen]
	return minKey, maxKey, nil
}

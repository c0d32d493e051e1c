package sstable

import (
	"fmt"
	"os"
)

// DefaultBlockSize is the target uncompressed size of a data block before
// the builder starts a new one (spec §4.4, §6 default 32 KiB).
const DefaultBlockSize = 32 * 1024

// BuilderOptions configures segment construction.
type BuilderOptions struct {
	BlockSize   int
	Level       Level
	BloomFPRate float64
}

func (o BuilderOptions) withDefaults() BuilderOptions {
	if o.BlockSize <= 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.BloomFPRate <= 0 {
		o.BloomFPRate = 0.01
	}
	return o
}

// Builder receives entries in strictly increasing key order and produces a
// complete segment file (spec §4.4 "Creation is append-only"). A Builder is
// single-use: call Finish exactly once.
type Builder struct {
	opts       BuilderOptions
	f          *os.File
	offset     uint64
	cur        *blockBuilder
	blockIndex []blockIndexEntry
	keys       [][]byte
	keyOffsets []uint64
	rangeTombs []RangeTombstone

	minKey, maxKey []byte
	minSeq, maxSeq uint64
	entryCount     uint64
	haveEntry      bool
	haveAny        bool
	lastKey        []byte
}

// NewBuilder creates a builder that writes to a new file at path. The file
// must not already exist.
func NewBuilder(path string, opts BuilderOptions) (*Builder, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	return &Builder{opts: opts.withDefaults(), f: f, cur: newBlockBuilder()}, nil
}

// Add appends one entry. Keys must be strictly increasing across the whole
// segment lifetime.
func (b *Builder) Add(kind Kind, seq uint64, key, value []byte) error {
	if b.haveEntry && compareBytes(key, b.lastKey) <= 0 {
		return fmt.Errorf("sstable: builder requires strictly increasing keys, got %q after %q", key, b.lastKey)
	}
	key = append([]byte(nil), key...)
	value = append([]byte(nil), value...)

	b.extendRange(key, key, seq)
	b.lastKey = key
	b.haveEntry = true
	b.entryCount++

	b.keys = append(b.keys, key)
	b.keyOffsets = append(b.keyOffsets, b.offset+uint64(len(b.cur.buf)))

	b.cur.add(kind, seq, key, value)
	if b.cur.size() >= b.opts.BlockSize {
		if err := b.flushBlock(); err != nil {
			return err
		}
	}
	return nil
}

// AddRangeTombstone records a subtree-delete range tombstone to be stored
// in the segment's dedicated range-tombstone section. Unlike Add, callers
// may add range tombstones in any order and outside of the point-entry key
// sequence; the tombstone's bounds still widen the segment's own recorded
// key range (extendRange) so a reader routing by key range won't skip this
// segment just because it happens to hold no surviving point entry in the
// deleted span.
func (b *Builder) AddRangeTombstone(rt RangeTombstone) {
	b.rangeTombs = append(b.rangeTombs, RangeTombstone{
		Start: append([]byte(nil), rt.Start...),
		End:   append([]byte(nil), rt.End...),
		Seq:   rt.Seq,
	})
	b.extendRange(rt.Start, rt.End, rt.Seq)
}

// extendRange widens the segment's recorded [minKey, maxKey] and
// [minSeq, maxSeq] to cover [start, end] at seq, used by both point entries
// (where start == end) and range tombstones (where the span may fall
// outside any point entry actually written).
func (b *Builder) extendRange(start, end []byte, seq uint64) {
	if !b.haveAny {
		b.minKey = append([]byte(nil), start...)
		b.maxKey = append([]byte(nil), end...)
		b.minSeq, b.maxSeq = seq, seq
		b.haveAny = true
		return
	}
	if len(start) > 0 && compareBytes(start, b.minKey) < 0 {
		b.minKey = append([]byte(nil), start...)
	}
	if len(end) > 0 && compareBytes(end, b.maxKey) > 0 {
		b.maxKey = append([]byte(nil), end...)
	}
	if seq < b.minSeq {
		b.minSeq = seq
	}
	if seq > b.maxSeq {
		b.maxSeq = seq
	}
}

// ApproxSize returns the number of bytes written so far plus the current
// unflushed block, used by compaction to decide when to roll over to a new
// output segment at a target size.
func (b *Builder) ApproxSize() int64 {
	return int64(b.offset) + int64(b.cur.size())
}

func (b *Builder) flushBlock() error {
	if b.cur.numEntries() == 0 {
		return nil
	}
	raw := b.cur.finish()
	if _, err := b.f.Write(raw); err != nil {
		return err
	}
	b.blockIndex = append(b.blockIndex, blockIndexEntry{
		LastKey: append([]byte(nil), b.lastKey...),
		Offset:  b.offset,
		Len:     uint32(len(raw)),
	})
	b.offset += uint64(len(raw))
	b.cur = newBlockBuilder()
	return nil
}

// Finish flushes any pending block, writes the index/hash-index/bloom/
// range-tombstone sections and the footer, fsyncs, and closes the file,
// per spec §4.4 "... writes index/bloom/footer, and syncs before being
// registered in the manifest."
func (b *Builder) Finish() (Metadata, error) {
	defer b.f.Close()

	if err := b.flushBlock(); err != nil {
		return Metadata{}, err
	}
	dataEnd := b.offset

	blockIndexOff := b.offset
	bi := encodeBlockIndex(b.blockIndex)
	if _, err := b.f.Write(bi); err != nil {
		return Metadata{}, err
	}
	b.offset += uint64(len(bi))

	hashIndexOff := b.offset
	hi := buildHashIndex(b.keys, b.keyOffsets)
	hiBytes := hi.encode()
	if _, err := b.f.Write(hiBytes); err != nil {
		return Metadata{}, err
	}
	b.offset += uint64(len(hiBytes))

	bloomOff := b.offset
	bloom := newBloomFilter(len(b.keys), b.opts.BloomFPRate)
	for _, k := range b.keys {
		bloom.add(k)
	}
	bloomBytes := bloom.encode()
	if _, err := b.f.Write(bloomBytes); err != nil {
		return Metadata{}, err
	}
	b.offset += uint64(len(bloomBytes))

	rangeTombOff := b.offset
	rtBytes := encodeRangeTombstones(b.rangeTombs)
	if _, err := b.f.Write(rtBytes); err != nil {
		return Metadata{}, err
	}
	b.offset += uint64(len(rtBytes))

	keyRangeOff := b.offset
	krBytes := encodeKeyRange(b.minKey, b.maxKey)
	if _, err := b.f.Write(krBytes); err != nil {
		return Metadata{}, err
	}
	b.offset += uint64(len(krBytes))

	footer := Footer{
		Version:       FormatVersion,
		Level:         b.opts.Level,
		EntryCount:    b.entryCount,
		BlockCount:    uint32(len(b.blockIndex)),
		DataEnd:       dataEnd,
		BlockIndexOff: blockIndexOff,
		HashIndexOff:  hashIndexOff,
		BloomOff:      bloomOff,
		RangeTombOff:  rangeTombOff,
		KeyRangeOff:   keyRangeOff,
		MinSeq:        b.minSeq,
		MaxSeq:        b.maxSeq,
	}
	if _, err := b.f.Write(footer.encode()); err != nil {
		return Metadata{}, err
	}

	if err := b.f.Sync(); err != nil {
		return Metadata{}, err
	}

	return Metadata{
		MinKey:     b.minKey,
		MaxKey:     b.maxKey,
		MinSeq:     b.minSeq,
		MaxSeq:     b.maxSeq,
		Level:      b.opts.Level,
		EntryCount: b.entryCount,
	}, nil
}

// Abort discards a partially written segment, used when a compaction or
// flush fails midway (spec §4.7 "partial outputs are deleted").
func (b *Builder) Abort() error {
	name := b.f.Name()
	b.f.Close()
	return os.Remove(name)
}

// Metadata is the subset of a segment's footer useful to the manifest and
// compactor without re-opening the file.
type Metadata struct {
	MinKey, MaxKey []byte
	MinSeq, MaxSeq uint64
	Level          Level
	EntryCount     uint64
}

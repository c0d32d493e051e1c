package sstable

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/dreamsxin/waldb/internal/cache"
)

// BlockCache is the subset of internal/cache.Cache's API the reader needs,
// kept as an interface so sstable does not import cache's concrete type
// into its public surface and so tests can stub it out.
type BlockCache interface {
	Get(key cache.Key) ([]byte, bool)
	Insert(key cache.Key, block []byte)
}

// Reader provides point and range access to one immutable segment file
// (spec §4.4). A Reader is safe for concurrent use by multiple goroutines:
// all state after Open is read-only except for the shared (externally
// synchronized) block cache.
type Reader struct {
	id         uint64
	f          *os.File
	footer     Footer
	blockIndex []blockIndexEntry
	hashIdx    *hashIndex
	bloom      *bloomFilter
	rangeTombs []RangeTombstone
	minKey     []byte
	maxKey     []byte
	cache      BlockCache
}

// Open reads a segment's footer and all index sections into memory (the
// data blocks themselves remain on disk, fetched lazily and cached).
// segmentID must be unique and stable for the lifetime of this reader; it
// is the block cache key's namespace.
func Open(path string, segmentID uint64, bc BlockCache) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() < footerSize {
		f.Close()
		return nil, fmt.Errorf("%w: file too small to contain a footer", errCorrupt)
	}

	footerBuf := make([]byte, footerSize)
	if _, err := f.ReadAt(footerBuf, info.Size()-footerSize); err != nil {
		f.Close()
		return nil, err
	}
	footer, err := decodeFooter(footerBuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	biBuf, err := readSection(f, footer.BlockIndexOff, footer.HashIndexOff)
	if err != nil {
		f.Close()
		return nil, err
	}
	blockIndex, err := decodeBlockIndex(biBuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	hiBuf, err := readSection(f, footer.HashIndexOff, footer.BloomOff)
	if err != nil {
		f.Close()
		return nil, err
	}
	hashIdx, err := decodeHashIndex(hiBuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	bloomBuf, err := readSection(f, footer.BloomOff, footer.RangeTombOff)
	if err != nil {
		f.Close()
		return nil, err
	}
	bloom, err := decodeBloomFilter(bloomBuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	rtBuf, err := readSection(f, footer.RangeTombOff, footer.KeyRangeOff)
	if err != nil {
		f.Close()
		return nil, err
	}
	rangeTombs, err := decodeRangeTombstones(rtBuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	krBuf, err := readSection(f, footer.KeyRangeOff, info.Size()-footerSize)
	if err != nil {
		f.Close()
		return nil, err
	}
	minKey, maxKey, err := decodeKeyRange(krBuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Reader{
		id:         segmentID,
		f:          f,
		footer:     footer,
		blockIndex: blockIndex,
		hashIdx:    hashIdx,
		bloom:      bloom,
		rangeTombs: rangeTombs,
		minKey:     append([]byte(nil), minKey...),
		maxKey:     append([]byte(nil), maxKey...),
		cache:      bc,
	}, nil
}

func readSection(f *os.File, start, end uint64) ([]byte, error) {
	if end < start {
		return nil, fmt.Errorf("%w: negative-length section", errCorrupt)
	}
	buf := make([]byte, end-start)
	if _, err := f.ReadAt(buf, int64(start)); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

func (r *Reader) Close() error { return r.f.Close() }

// Metadata returns the segment's persistent attributes (spec §3).
func (r *Reader) Metadata() Metadata {
	return Metadata{
		MinKey:     r.minKey,
		MaxKey:     r.maxKey,
		MinSeq:     r.footer.MinSeq,
		MaxSeq:     r.footer.MaxSeq,
		Level:      r.footer.Level,
		EntryCount: r.footer.EntryCount,
	}
}

func (r *Reader) ID() uint64 { return r.id }

// MayContainRange reports whether [start, end) could possibly intersect
// this segment's key range, a cheap check before even consulting the bloom
// filter for a range scan.
func (r *Reader) MayContainRange(start, end []byte) bool {
	if len(end) > 0 && compareBytes(end, r.minKey) <= 0 {
		return false
	}
	if len(start) > 0 && compareBytes(start, r.maxKey) > 0 {
		return false
	}
	return true
}

// PointGet looks up key using bloom -> hash index -> block cache ->
// binary-search-in-block, per spec §4.4.
func (r *Reader) PointGet(key []byte) (seq uint64, kind Kind, value []byte, found bool, err error) {
	if compareBytes(key, r.minKey) < 0 || compareBytes(key, r.maxKey) > 0 {
		return 0, 0, nil, false, nil
	}
	if r.bloom != nil && !r.bloom.mayContain(key) {
		return 0, 0, nil, false, nil
	}

	if off, ok := r.hashIdx.lookup(key); ok {
		rec, err := r.readRecordAt(off)
		if err != nil {
			return 0, 0, nil, false, err
		}
		if rec != nil && compareBytes(rec.Key, key) == 0 {
			return rec.Seq, rec.Kind, rec.Value, true, nil
		}
		// Hash collision or stale index entry: fall through to the block
		// index search rather than assume absence.
	}

	blockOff, blockLen, ok := r.findBlock(key)
	if !ok {
		return 0, 0, nil, false, nil
	}
	records, err := r.loadBlock(blockOff, blockLen)
	if err != nil {
		return 0, 0, nil, false, err
	}
	idx := findInBlock(records, key)
	if idx < len(records) && compareBytes(records[idx].Key, key) == 0 {
		rec := records[idx]
		return rec.Seq, rec.Kind, rec.Value, true, nil
	}
	return 0, 0, nil, false, nil
}

// readRecordAt decodes the single record whose frame header starts at an
// absolute file offset returned by the hash index, by locating which block
// contains it and decoding just that record (blocks are still the unit of
// disk I/O and caching; only the raw bytes are fetched once per lookup).
func (r *Reader) readRecordAt(absOffset uint64) (*blockRecord, error) {
	for _, bi := range r.blockIndex {
		if absOffset >= bi.Offset && absOffset < bi.Offset+uint64(bi.Len) {
			raw, err := r.loadBlockRaw(bi.Offset, bi.Len)
			if err != nil {
				return nil, err
			}
			rel := uint32(absOffset - bi.Offset)
			rec, err := decodeRecordAt(raw, rel)
			if err != nil {
				return nil, err
			}
			return &rec, nil
		}
	}
	return nil, nil
}

// findBlock returns the offset/length of the first block whose last key is
// >= key, per spec §4.4's range-scan seek rule reused for point lookups
// that miss the hash index.
func (r *Reader) findBlock(key []byte) (offset uint64, length uint32, ok bool) {
	i := sort.Search(len(r.blockIndex), func(i int) bool {
		return compareBytes(r.blockIndex[i].LastKey, key) >= 0
	})
	if i >= len(r.blockIndex) {
		return 0, 0, false
	}
	return r.blockIndex[i].Offset, r.blockIndex[i].Len, true
}

func (r *Reader) loadBlock(offset uint64, length uint32) ([]blockRecord, error) {
	raw, err := r.loadBlockRaw(offset, length)
	if err != nil {
		return nil, err
	}
	return decodeBlock(raw)
}

// loadBlockRaw fetches a block's undecoded bytes, consulting and populating
// the shared block cache (spec §4.6's cache is keyed by segment + offset).
func (r *Reader) loadBlockRaw(offset uint64, length uint32) ([]byte, error) {
	ck := cache.Key{SegmentID: r.id, Offset: uint32(offset)}
	if r.cache != nil {
		if raw, ok := r.cache.Get(ck); ok {
			return raw, nil
		}
	}
	raw := make([]byte, length)
	if _, err := r.f.ReadAt(raw, int64(offset)); err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.Insert(ck, raw)
	}
	return raw, nil
}

// RangeTombstones returns this segment's range tombstones, for the
// compactor and for Store's merging read path to mask covered point
// entries from other segments/levels.
func (r *Reader) RangeTombstones() []RangeTombstone { return r.rangeTombs }

// Iterator streams (key order) records from start (inclusive) to end
// (exclusive, nil meaning unbounded), for range scans and compaction.
type Iterator struct {
	r         *Reader
	end       []byte
	blockIdx  int
	records   []blockRecord
	recordIdx int
	err       error
}

// NewIterator seeks to the first block whose last key is >= start (or the
// first block if start is empty) and returns an Iterator positioned before
// the first matching record.
func (r *Reader) NewIterator(start, end []byte) *Iterator {
	it := &Iterator{r: r, end: append([]byte(nil), end...)}
	if len(start) > 0 {
		it.blockIdx = sort.Search(len(r.blockIndex), func(i int) bool {
			return compareBytes(r.blockIndex[i].LastKey, start) >= 0
		})
	}
	it.loadCurrentBlock()
	if it.err == nil && len(start) > 0 {
		i := findInBlock(it.records, start)
		it.recordIdx = i
	}
	return it
}

func (it *Iterator) loadCurrentBlock() {
	it.records = nil
	it.recordIdx = 0
	if it.blockIdx >= len(it.r.blockIndex) {
		return
	}
	bi := it.r.blockIndex[it.blockIdx]
	records, err := it.r.loadBlock(bi.Offset, bi.Len)
	if err != nil {
		it.err = err
		return
	}
	it.records = records
}

// Next advances and returns the next record, or ok=false at end of range
// or on error (check Err()).
func (it *Iterator) Next() (blockRecord, bool) {
	for it.err == nil {
		if it.recordIdx >= len(it.records) {
			it.blockIdx++
			if it.blockIdx >= len(it.r.blockIndex) {
				return blockRecord{}, false
			}
			it.loadCurrentBlock()
			continue
		}
		rec := it.records[it.recordIdx]
		it.recordIdx++
		if len(it.end) > 0 && compareBytes(rec.Key, it.end) >= 0 {
			it.blockIdx = len(it.r.blockIndex) // exhaust
			return blockRecord{}, false
		}
		return rec, true
	}
	return blockRecord{}, false
}

func (it *Iterator) Err() error { return it.err }

package sstable

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
)

// bloomFilter is a classic Bloom filter using double hashing (Kirsch-Mitzenmacher)
// derived from a single 64-bit xxhash so only one hash computation is needed
// per key regardless of k. No example repo in the pack imports a bloom
// library; all of them (HundDB, SiltKV) hand-roll one over a general-purpose
// hash, so this follows the corpus's own idiom rather than introducing a
// new dependency for it.
type bloomFilter struct {
	bits    []byte
	numBits uint64
	k       uint32
}

// newBloomFilter sizes the filter for n expected keys at the given target
// false-positive rate (e.g. 0.01).
func newBloomFilter(n int, fpRate float64) *bloomFilter {
	if n <= 0 {
		n = 1
	}
	m := bloomNumBits(n, fpRate)
	k := bloomNumHashes(m, n)
	return &bloomFilter{
		bits:    make([]byte, (m+7)/8),
		numBits: m,
		k:       k,
	}
}

func bloomNumBits(n int, fpRate float64) uint64 {
	m := -1.0 * float64(n) * math.Log(fpRate) / (math.Ln2 * math.Ln2)
	if m < 8 {
		m = 8
	}
	return uint64(math.Ceil(m))
}

func bloomNumHashes(m uint64, n int) uint32 {
	k := math.Round(float64(m) / float64(n) * math.Ln2)
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}
	return uint32(k)
}

func (b *bloomFilter) add(key []byte) {
	h1, h2 := bloomHashes(key)
	for i := uint32(0); i < b.k; i++ {
		bit := (h1 + uint64(i)*h2) % b.numBits
		b.bits[bit/8] |= 1 << (bit % 8)
	}
}

func (b *bloomFilter) mayContain(key []byte) bool {
	h1, h2 := bloomHashes(key)
	for i := uint32(0); i < b.k; i++ {
		bit := (h1 + uint64(i)*h2) % b.numBits
		if b.bits[bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
	}
	return true
}

func bloomHashes(key []byte) (uint64, uint64) {
	h := xxhash.Sum64(key)
	// Split the 64-bit hash into two independent-enough 32-bit halves and
	// widen back to 64 bits, per the standard Kirsch-Mitzenmacher trick of
	// deriving k hash functions from two base hashes.
	h1 := h & 0xFFFFFFFF
	h2 := h >> 32
	if h2 == 0 {
		h2 = 1
	}
	return h1, h2
}

// encode serializes the filter as: numBits(u64) | k(u32) | bitset bytes.
func (b *bloomFilter) encode() []byte {
	buf := make([]byte, 8+4+len(b.bits))
	binary.LittleEndian.PutUint64(buf[0:8], b.numBits)
	binary.LittleEndian.PutUint32(buf[8:12], b.k)
	copy(buf[12:], b.bits)
	return buf
}

func decodeBloomFilter(buf []byte) (*bloomFilter, error) {
	if len(buf) < 12 {
		return nil, errCorrupt
	}
	numBits := binary.LittleEndian.Uint64(buf[0:8])
	k := binary.LittleEndian.Uint32(buf[8:12])
	bits := buf[12:]
	if uint64(len(bits))*8 < numBits {
		return nil, errCorrupt
	}
	return &bloomFilter{bits: bits, numBits: numBits, k: k}, nil
}

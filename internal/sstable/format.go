// Package sstable implements the immutable, sorted on-disk segment format
// described in spec §4.4/§6: data blocks, a block index, a hash index for
// exact-match point lookups, a bloom filter, a range-tombstone block, and a
// fixed-size footer. Block-internal record framing follows the teacher's
// segment/reader.go: a small frameHeader precedes each record, read via a
// fixed scratch buffer with EOF-tolerant short reads so a block near EOF
// doesn't need special-casing.
package sstable

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/dreamsxin/waldb/internal/memtable"
)

// Magic identifies a WalDB segment file, per spec §6.
var Magic = [8]byte{'W', 'A', 'L', 'D', 'B', 'S', 'E', 'G'}

// FormatVersion is bumped whenever the on-disk layout changes
// incompatibly.
const FormatVersion uint16 = 1

// Level identifies which compaction tier a segment belongs to.
type Level uint8

const (
	L0 Level = 0
	L1 Level = 1
	L2 Level = 2
)

// Kind mirrors memtable.Kind plus RangeTombstone, matching spec §3's
// (PUT, DELETE) plus the synthetic RANGE_TOMBSTONE kind used in the
// dedicated range-tombstone block.
type Kind = memtable.Kind

const (
	KindPut            = memtable.KindPut
	KindDelete         = memtable.KindDelete
	KindRangeTombstone = memtable.KindRangeTombstone
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func checksum(b []byte) uint32 { return crc32.Checksum(b, castagnoli) }

// frameHeaderLen is the fixed size of the per-record header inside a data
// block: kind(1) + sequence(8) + keyLen(4) + valLen(4).
const frameHeaderLen = 1 + 8 + 4 + 4

type frameHeader struct {
	kind   Kind
	seq    uint64
	keyLen uint32
	valLen uint32
}

func putFrameHeader(buf []byte, fh frameHeader) {
	buf[0] = byte(fh.kind)
	binary.LittleEndian.PutUint64(buf[1:9], fh.seq)
	binary.LittleEndian.PutUint32(buf[9:13], fh.keyLen)
	binary.LittleEndian.PutUint32(buf[13:17], fh.valLen)
}

func readFrameHeader(buf []byte) (frameHeader, error) {
	if len(buf) < frameHeaderLen {
		return frameHeader{}, fmt.Errorf("sstable: short frame header (%d bytes)", len(buf))
	}
	return frameHeader{
		kind:   Kind(buf[0]),
		seq:    binary.LittleEndian.Uint64(buf[1:9]),
		keyLen: binary.LittleEndian.Uint32(buf[9:13]),
		valLen: binary.LittleEndian.Uint32(buf[13:17]),
	}, nil
}

// footerSize is the fixed byte size of the trailer written at the absolute
// end of every segment file: magic(8) + version(2) + level(1) + pad(1) +
// entryCount(8) + blockCount(4) + dataEnd(8) + blockIndexOff(8) +
// hashIndexOff(8) + bloomOff(8) + rangeTombOff(8) + keyRangeOff(8) +
// minSeq(8) + maxSeq(8) + crc32c(4).
const footerSize = 92

// Footer is the fixed-size tail of a segment file. Variable-length fields
// (min/max key) live in the separately addressed key-range section so the
// footer itself never changes size, making it trivial to locate: always the
// last footerSize bytes of the file.
type Footer struct {
	Version       uint16
	Level         Level
	EntryCount    uint64
	BlockCount    uint32
	DataEnd       uint64
	BlockIndexOff uint64
	HashIndexOff  uint64
	BloomOff      uint64
	RangeTombOff  uint64
	KeyRangeOff   uint64
	MinSeq        uint64
	MaxSeq        uint64
}

func (f Footer) encode() []byte {
	buf := make([]byte, footerSize)
	copy(buf[0:8], Magic[:])
	binary.LittleEndian.PutUint16(buf[8:10], f.Version)
	buf[10] = byte(f.Level)
	// buf[11] reserved/padding.
	binary.LittleEndian.PutUint64(buf[12:20], f.EntryCount)
	binary.LittleEndian.PutUint32(buf[20:24], f.BlockCount)
	binary.LittleEndian.PutUint64(buf[24:32], f.DataEnd)
	binary.LittleEndian.PutUint64(buf[32:40], f.BlockIndexOff)
	binary.LittleEndian.PutUint64(buf[40:48], f.HashIndexOff)
	binary.LittleEndian.PutUint64(buf[48:56], f.BloomOff)
	binary.LittleEndian.PutUint64(buf[56:64], f.RangeTombOff)
	binary.LittleEndian.PutUint64(buf[64:72], f.KeyRangeOff)
	binary.LittleEndian.PutUint64(buf[72:80], f.MinSeq)
	binary.LittleEndian.PutUint64(buf[80:88], f.MaxSeq)
	binary.LittleEndian.PutUint32(buf[88:92], checksum(buf[:88]))
	return buf
}

func decodeFooter(buf []byte) (Footer, error) {
	if len(buf) != footerSize {
		return Footer{}, fmt.Errorf("sstable: footer must be %d bytes, got %d", footerSize, len(buf))
	}
	if string(buf[0:8]) != string(Magic[:]) {
		return Footer{}, fmt.Errorf("%w: bad segment magic", errVersionMismatch)
	}
	want := binary.LittleEndian.Uint32(buf[88:92])
	if got := checksum(buf[:88]); got != want {
		return Footer{}, fmt.Errorf("%w: footer checksum mismatch", errCorrupt)
	}
	f := Footer{
		Version:       binary.LittleEndian.Uint16(buf[8:10]),
		Level:         Level(buf[10]),
		EntryCount:    binary.LittleEndian.Uint64(buf[12:20]),
		BlockCount:    binary.LittleEndian.Uint32(buf[20:24]),
		DataEnd:       binary.LittleEndian.Uint64(buf[24:32]),
		BlockIndexOff: binary.LittleEndian.Uint64(buf[32:40]),
		HashIndexOff:  binary.LittleEndian.Uint64(buf[40:48]),
		BloomOff:      binary.LittleEndian.Uint64(buf[48:56]),
		RangeTombOff:  binary.LittleEndian.Uint64(buf[56:64]),
		KeyRangeOff:   binary.LittleEndian.Uint64(buf[64:72]),
		MinSeq:        binary.LittleEndian.Uint64(buf[72:80]),
		MaxSeq:        binary.LittleEndian.Uint64(buf[80:88]),
	}
	if f.Version != FormatVersion {
		return Footer{}, fmt.Errorf("%w: segment version %d, want %d", errVersionMismatch, f.Version, FormatVersion)
	}
	return f, nil
}

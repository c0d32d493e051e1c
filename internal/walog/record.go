package walog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/dreamsxin/waldb/internal/memtable"
)

// Kind mirrors memtable.Kind plus the wire-only RangeTombstone marker
// (spec §4.2's record kind enum).
type Kind = memtable.Kind

const (
	KindPut            = memtable.KindPut
	KindDelete         = memtable.KindDelete
	KindRangeTombstone = memtable.KindRangeTombstone
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func checksum(b []byte) uint32 { return crc32.Checksum(b, castagnoli) }

// Record is one logical operation inside a committed batch. For
// KindRangeTombstone, Key holds the range start and Value holds the range
// end, reusing the same wire shape as PUT/DELETE (spec §4.2).
type Record struct {
	Sequence uint64
	Kind     Kind
	Key      []byte
	Value    []byte
}

// encodedBodyLen is sequence(8) + kind(1) + keyLen(4) + key + valLen(4) +
// val + crc32c(4), i.e. everything the record's length prefix covers.
func (r Record) encodedBodyLen() int {
	return 8 + 1 + 4 + len(r.Key) + 4 + len(r.Value) + 4
}

// appendRecord serializes r per spec §4.2:
// u32 length | u64 sequence | u8 kind | u32 key_len | key | u32 val_len | val | u32 crc32c
func appendRecord(buf []byte, r Record) []byte {
	bodyLen := r.encodedBodyLen()
	start := len(buf)
	buf = append(buf, make([]byte, 4+bodyLen)...)
	binary.LittleEndian.PutUint32(buf[start:start+4], uint32(bodyLen))

	body := buf[start+4 : start+4+bodyLen]
	binary.LittleEndian.PutUint64(body[0:8], r.Sequence)
	body[8] = byte(r.Kind)
	binary.LittleEndian.PutUint32(body[9:13], uint32(len(r.Key)))
	off := 13
	copy(body[off:], r.Key)
	off += len(r.Key)
	binary.LittleEndian.PutUint32(body[off:off+4], uint32(len(r.Value)))
	off += 4
	copy(body[off:], r.Value)
	off += len(r.Value)

	crc := checksum(body[:off])
	binary.LittleEndian.PutUint32(body[off:off+4], crc)
	return buf
}

// readRecord parses one record from the front of buf and returns the
// record plus the number of bytes consumed. errShortBuffer signals the
// caller should treat this as a torn tail rather than corruption, provided
// it occurs at the physical end of the WAL.
func readRecord(buf []byte) (Record, int, error) {
	if len(buf) < 4 {
		return Record{}, 0, errShortBuffer
	}
	bodyLen := int(binary.LittleEndian.Uint32(buf[0:4]))
	total := 4 + bodyLen
	if bodyLen < 17 || total > len(buf) {
		return Record{}, 0, errShortBuffer
	}
	body := buf[4:total]
	wantCRC := binary.LittleEndian.Uint32(body[bodyLen-4:])
	if checksum(body[:bodyLen-4]) != wantCRC {
		return Record{}, 0, fmt.Errorf("%w: record checksum mismatch", ErrCorrupt)
	}

	seq := binary.LittleEndian.Uint64(body[0:8])
	kind := Kind(body[8])
	keyLen := int(binary.LittleEndian.Uint32(body[9:13]))
	off := 13
	if off+keyLen+4 > bodyLen-4 {
		return Record{}, 0, fmt.Errorf("%w: record key overruns body", ErrCorrupt)
	}
	key := append([]byte(nil), body[off:off+keyLen]...)
	off += keyLen
	valLen := int(binary.LittleEndian.Uint32(body[off : off+4]))
	off += 4
	if off+valLen != bodyLen-4 {
		return Record{}, 0, fmt.Errorf("%w: record value length mismatch", ErrCorrupt)
	}
	val := append([]byte(nil), body[off:off+valLen]...)

	return Record{Sequence: seq, Kind: kind, Key: key, Value: val}, total, nil
}

// encodeBatch serializes a group-committed batch per spec §4.2:
// u32 count | record[count] | u32 batch_crc, with batch_crc over everything
// preceding it (count plus every record's bytes).
func encodeBatch(records []Record) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(records)))
	for _, r := range records {
		buf = appendRecord(buf, r)
	}
	crc := checksum(buf)
	var tail [4]byte
	binary.LittleEndian.PutUint32(tail[:], crc)
	return append(buf, tail[:]...)
}

// decodeBatch parses one complete batch from the front of buf, returning
// the records and total bytes consumed.
func decodeBatch(buf []byte) ([]Record, int, error) {
	if len(buf) < 8 {
		return nil, 0, errShortBuffer
	}
	count := binary.LittleEndian.Uint32(buf[0:4])
	off := 4
	records := make([]Record, 0, count)
	for i := uint32(0); i < count; i++ {
		rec, n, err := readRecord(buf[off:])
		if err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
		off += n
	}
	if off+4 > len(buf) {
		return nil, 0, errShortBuffer
	}
	wantCRC := binary.LittleEndian.Uint32(buf[off : off+4])
	if checksum(buf[:off]) != wantCRC {
		return nil, 0, fmt.Errorf("%w: batch checksum mismatch", ErrCorrupt)
	}
	return records, off + 4, nil
}

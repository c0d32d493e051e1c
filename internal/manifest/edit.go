// Package manifest implements the durable catalog of live segments and WAL
// generation described in spec §4.6: a log of ManifestEdit records whose
// accumulation is the current state, with an atomically swapped CURRENT
// pointer naming the active manifest file. Edits are persisted through
// go.etcd.io/bbolt transactions (a teacher dependency not otherwise wired
// into the WAL code itself) instead of a hand-rolled append log, since
// bbolt already gives per-edit durability and crash-safe transactions for
// free.
package manifest

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/dreamsxin/waldb/internal/sstable"
)

// EditKind distinguishes the four structural changes spec §6 enumerates.
type EditKind uint8

const (
	EditAddSegment EditKind = iota + 1
	EditRemoveSegment
	EditRotateWAL
	EditSetNextSeq
)

// SegmentRef is the manifest's record of one live segment file; enough to
// open it (Path) and to prune candidates before opening (MinKey/MaxKey/
// MinSeq/MaxSeq), without re-reading its footer.
type SegmentRef struct {
	ID             uint64
	Level          sstable.Level
	Path           string
	MinKey, MaxKey []byte
	MinSeq, MaxSeq uint64
	EntryCount     uint64
	SizeBytes      uint64
}

// Edit is one atomic structural change, appended to the manifest log and
// applied to the in-memory ManifestState in the same transaction (spec §4.6
// "All structural changes ... go through a single atomic edit").
type Edit struct {
	Kind EditKind

	// Segment is populated for EditAddSegment (full) and EditRemoveSegment
	// (ID and Level only).
	Segment SegmentRef

	// WALKeepFromID is populated for EditRotateWAL: the oldest WAL segment
	// ID that must still be retained (older ones may be pruned once the
	// memtable they covered is durable in this edit's added segment(s)).
	WALKeepFromID uint64

	// NextSeq is populated for EditSetNextSeq.
	NextSeq uint64
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// encode serializes an edit with a trailing crc32c so a detached tool
// reading bbolt's bucket values directly (without bbolt's own APIs) can
// still validate them, per spec §6's generic "record format" expectation.
func encode(e Edit) []byte {
	size := 1 + 8 + 1 + 4 + len(e.Segment.Path) + 4 + len(e.Segment.MinKey) + 4 + len(e.Segment.MaxKey) + 8 + 8 + 8 + 8 + 8 + 8 + 4
	buf := make([]byte, 0, size)
	buf = append(buf, byte(e.Kind))
	buf = appendU64(buf, e.Segment.ID)
	buf = append(buf, byte(e.Segment.Level))
	buf = appendBytes(buf, []byte(e.Segment.Path))
	buf = appendBytes(buf, e.Segment.MinKey)
	buf = appendBytes(buf, e.Segment.MaxKey)
	buf = appendU64(buf, e.Segment.MinSeq)
	buf = appendU64(buf, e.Segment.MaxSeq)
	buf = appendU64(buf, e.Segment.EntryCount)
	buf = appendU64(buf, e.Segment.SizeBytes)
	buf = appendU64(buf, e.WALKeepFromID)
	buf = appendU64(buf, e.NextSeq)
	crc := crc32.Checksum(buf, castagnoli)
	return appendU32(buf, crc)
}

func decode(buf []byte) (Edit, error) {
	if len(buf) < 4 {
		return Edit{}, fmt.Errorf("manifest: edit record too short")
	}
	body := buf[:len(buf)-4]
	want := binary.LittleEndian.Uint32(buf[len(buf)-4:])
	if crc32.Checksum(body, castagnoli) != want {
		return Edit{}, fmt.Errorf("manifest: edit checksum mismatch")
	}

	r := &cursor{buf: body}
	var e Edit
	e.Kind = EditKind(r.readByte())
	e.Segment.ID = r.readU64()
	e.Segment.Level = sstable.Level(r.readByte())
	e.Segment.Path = string(r.readBytes())
	e.Segment.MinKey = r.readBytes()
	e.Segment.MaxKey = r.readBytes()
	e.Segment.MinSeq = r.readU64()
	e.Segment.MaxSeq = r.readU64()
	e.Segment.EntryCount = r.readU64()
	e.Segment.SizeBytes = r.readU64()
	e.WALKeepFromID = r.readU64()
	e.NextSeq = r.readU64()
	if r.err != nil {
		return Edit{}, r.err
	}
	return e, nil
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendBytes(buf, b []byte) []byte {
	buf = appendU32(buf, uint32(len(b)))
	return append(buf, b...)
}

type cursor struct {
	buf []byte
	err error
}

func (c *cursor) need(n int) bool {
	if c.err != nil || len(c.buf) < n {
		if c.err == nil {
			c.err = fmt.Errorf("manifest: truncated edit record")
		}
		return false
	}
	return true
}

func (c *cursor) readByte() byte {
	if !c.need(1) {
		return 0
	}
	b := c.buf[0]
	c.buf = c.buf[1:]
	return b
}

func (c *cursor) readU64() uint64 {
	if !c.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(c.buf[:8])
	c.buf = c.buf[8:]
	return v
}

func (c *cursor) readU32() uint32 {
	if !c.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(c.buf[:4])
	c.buf = c.buf[4:]
	return v
}

func (c *cursor) readBytes() []byte {
	n := int(c.readU32())
	if !c.need(n) {
		return nil
	}
	b := append([]byte(nil), c.buf[:n]...)
	c.buf = c.buf[n:]
	return b
}

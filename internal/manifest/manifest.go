package manifest

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/immutable"
	"go.etcd.io/bbolt"

	"github.com/dreamsxin/waldb/internal/sstable"
)

const (
	currentFileName = "CURRENT"
	editsBucket     = "edits"
	metaBucket      = "meta"
	metaNextSeqKey  = "next_seq"
	metaWALKeepKey  = "wal_keep_from"
)

func manifestFileName(generation uint64) string {
	return fmt.Sprintf("MANIFEST-%06d", generation)
}

// ManifestState is the accumulation of every applied edit: the live
// segment set per level, the oldest WAL segment still required, and the
// next sequence counter, per spec §4.6's "current state is the
// accumulation of all applied edits". It is backed by
// benbjohnson/immutable.SortedMap so a Snapshot can be handed to a reader
// without copying and without blocking a concurrent ApplyEdit.
type ManifestState struct {
	L0            *immutable.SortedMap[uint64, SegmentRef]
	L1            *immutable.SortedMap[uint64, SegmentRef]
	L2            *immutable.SortedMap[uint64, SegmentRef]
	WALKeepFromID uint64
	NextSeq       uint64
}

func newEmptyManifestState() ManifestState {
	return ManifestState{
		L0:      &immutable.SortedMap[uint64, SegmentRef]{},
		L1:      &immutable.SortedMap[uint64, SegmentRef]{},
		L2:      &immutable.SortedMap[uint64, SegmentRef]{},
		NextSeq: 1,
	}
}

// Level returns the (shared, copy-on-write) segment map for l.
func (s ManifestState) Level(l sstable.Level) *immutable.SortedMap[uint64, SegmentRef] {
	switch l {
	case sstable.L0:
		return s.L0
	case sstable.L1:
		return s.L1
	default:
		return s.L2
	}
}

// Segments returns a level's segments in ascending segment ID order (the
// level maps are keyed by ID); callers that need key order sort the result
// themselves.
func (s ManifestState) Segments(l sstable.Level) []SegmentRef {
	m := s.Level(l)
	out := make([]SegmentRef, 0, m.Len())
	it := m.Iterator()
	it.First()
	for !it.Done() {
		_, ref, _ := it.Next()
		out = append(out, ref)
	}
	return out
}

func (s ManifestState) withLevel(l sstable.Level, m *immutable.SortedMap[uint64, SegmentRef]) ManifestState {
	switch l {
	case sstable.L0:
		s.L0 = m
	case sstable.L1:
		s.L1 = m
	default:
		s.L2 = m
	}
	return s
}

func (s ManifestState) apply(e Edit) (ManifestState, error) {
	switch e.Kind {
	case EditAddSegment:
		m := s.Level(e.Segment.Level)
		s = s.withLevel(e.Segment.Level, m.Set(e.Segment.ID, e.Segment))
	case EditRemoveSegment:
		m := s.Level(e.Segment.Level)
		s = s.withLevel(e.Segment.Level, m.Delete(e.Segment.ID))
	case EditRotateWAL:
		if e.WALKeepFromID > s.WALKeepFromID {
			s.WALKeepFromID = e.WALKeepFromID
		}
	case EditSetNextSeq:
		if e.NextSeq > s.NextSeq {
			s.NextSeq = e.NextSeq
		}
	default:
		return s, fmt.Errorf("manifest: unknown edit kind %d", e.Kind)
	}
	return s, nil
}

// Manifest is the durable catalog described in spec §4.6.
type Manifest struct {
	dir string
	db  *bbolt.DB

	mu    sync.Mutex // serializes ApplyEdit; Snapshot never blocks on it
	state atomic.Value // ManifestState
}

// Open loads the manifest rooted at dir, creating a fresh one (generation
// 1) if none exists, per spec §4.6's load() operation.
func Open(dir string) (*Manifest, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	generation, err := readOrInitCurrent(dir)
	if err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dir, manifestFileName(generation))
	db, err := bbolt.Open(dbPath, 0644, nil)
	if err != nil {
		return nil, err
	}

	m := &Manifest{dir: dir, db: db}

	st := newEmptyManifestState()
	if err := db.Update(func(tx *bbolt.Tx) error {
		eb, err := tx.CreateBucketIfNotExists([]byte(editsBucket))
		if err != nil {
			return err
		}
		mb, err := tx.CreateBucketIfNotExists([]byte(metaBucket))
		if err != nil {
			return err
		}
		err = eb.ForEach(func(k, v []byte) error {
			edit, err := decode(v)
			if err != nil {
				return fmt.Errorf("manifest: corrupt edit at key %x: %w", k, err)
			}
			st, err = st.apply(edit)
			return err
		})
		if err != nil {
			return err
		}
		if raw := mb.Get([]byte(metaNextSeqKey)); raw != nil {
			st.NextSeq = binary.LittleEndian.Uint64(raw)
		}
		if raw := mb.Get([]byte(metaWALKeepKey)); raw != nil {
			st.WALKeepFromID = binary.LittleEndian.Uint64(raw)
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	m.state.Store(st)
	return m, nil
}

func readOrInitCurrent(dir string) (uint64, error) {
	path := filepath.Join(dir, currentFileName)
	data, err := os.ReadFile(path)
	if err == nil {
		var gen uint64
		if _, scanErr := fmt.Sscanf(string(data), "MANIFEST-%d", &gen); scanErr != nil {
			return 0, fmt.Errorf("manifest: malformed CURRENT file: %q", data)
		}
		return gen, nil
	}
	if !os.IsNotExist(err) {
		return 0, err
	}
	if err := writeCurrent(dir, 1); err != nil {
		return 0, err
	}
	return 1, nil
}

// writeCurrent atomically swaps the CURRENT pointer via write-temp-then-
// rename, per spec §4.6/§9 "atomically swapped CURRENT pointer".
func writeCurrent(dir string, generation uint64) error {
	tmp := filepath.Join(dir, currentFileName+".tmp")
	if err := os.WriteFile(tmp, []byte(manifestFileName(generation)), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, currentFileName))
}

// Snapshot returns the manifest's current in-memory state without taking
// any lock; it is always a complete, internally consistent view as of some
// point in time (spec §4.6 snapshot()).
func (m *Manifest) Snapshot() ManifestState {
	return m.state.Load().(ManifestState)
}

// ApplyEdit persists edit to the bbolt edit log inside one transaction,
// then republishes the recomputed in-memory snapshot, per spec §4.6
// "apply_edit(edit) (flush to disk, sync, swap CURRENT)". bbolt's own
// transaction commit provides the flush+fsync; there is no separate
// CURRENT swap needed per edit since CURRENT only changes when the
// manifest itself rotates to a new generation (not yet needed at this
// engine's scale).
func (m *Manifest) ApplyEdit(edit Edit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.state.Load().(ManifestState)
	next, err := cur.apply(edit)
	if err != nil {
		return err
	}

	encoded := encode(edit)
	if err := m.db.Update(func(tx *bbolt.Tx) error {
		eb := tx.Bucket([]byte(editsBucket))
		seq, err := eb.NextSequence()
		if err != nil {
			return err
		}
		if err := eb.Put(seqKey(seq), encoded); err != nil {
			return err
		}
		mb := tx.Bucket([]byte(metaBucket))
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], next.NextSeq)
		if err := mb.Put([]byte(metaNextSeqKey), buf[:]); err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(buf[:], next.WALKeepFromID)
		return mb.Put([]byte(metaWALKeepKey), buf[:])
	}); err != nil {
		return err
	}

	m.state.Store(next)
	return nil
}

func seqKey(seq uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return buf[:]
}

func (m *Manifest) Close() error {
	return m.db.Close()
}

// Package walog implements the write-ahead log described in spec §4.2:
// length-prefixed, CRC-protected batches of PUT/DELETE/RANGE_TOMBSTONE
// records, grouped-committed, rotated by size, with a durability mode
// chosen at open. It generalizes the teacher's wal.go/metrics.go/
// segment/reader.go from a raft log keyed by monotonic Index to a KV batch
// log keyed by a monotonic sequence counter shared with the rest of the
// engine.
package walog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const segmentFilePrefix = "wal-"
const segmentFileSuffix = ".seg"

func segmentFileName(id uint64) string {
	return fmt.Sprintf("%s%020d%s", segmentFilePrefix, id, segmentFileSuffix)
}

// Op is one caller-supplied operation to append; Sequence is assigned by
// the WAL and returned to the caller, not supplied here.
type Op struct {
	Kind  Kind
	Key   []byte
	Value []byte
}

type appendRequest struct {
	ops      []Op
	firstSeq uint64
	err      error
	done     chan struct{}
}

func (r *appendRequest) approxBytes() int {
	n := 0
	for _, op := range r.ops {
		n += len(op.Key) + len(op.Value) + 32
	}
	return n
}

// WAL is the engine's write-ahead log.
type WAL struct {
	dir  string
	opts Options

	metrics *walMetrics
	logger  log.Logger

	s atomic.Value // *state

	mu           sync.Mutex
	pending      []*appendRequest
	pendingBytes int
	nextSeq      uint64

	wake    chan struct{}
	closeCh chan struct{}
	wg      sync.WaitGroup
	closed  uint32

	rotateMu sync.Mutex
}

// Open opens (or creates) the WAL rooted at dir, replays whatever valid
// batches are present, and starts the background group-commit goroutine.
// startSeq is the next sequence this WAL will assign; records holds every
// replayed operation in sequence order, for the caller (the Store) to
// reapply to a fresh memtable per spec §4.9.
func Open(dir string, opts Options) (w *WAL, startSeq uint64, records []Record, err error) {
	opts = opts.applyDefaults()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, 0, nil, err
	}

	ids, err := listSegmentIDs(dir)
	if err != nil {
		return nil, 0, nil, err
	}

	st := newEmptyState()
	var lastSeq uint64
	var nextSegmentID uint64

	for i, id := range ids {
		if id >= nextSegmentID {
			nextSegmentID = id + 1
		}
		path := filepath.Join(dir, segmentFileName(id))
		res, err := replaySegment(path)
		if err != nil {
			return nil, 0, nil, err
		}
		isLast := i == len(ids)-1
		if res.TornTail && !isLast {
			return nil, 0, nil, fmt.Errorf("walog: segment %d has a torn tail but is not the newest segment: %w", id, ErrCorrupt)
		}
		records = append(records, res.Records...)
		if res.LastSeq > lastSeq {
			lastSeq = res.LastSeq
		}

		info, statErr := os.Stat(path)
		if statErr != nil {
			return nil, 0, nil, statErr
		}
		var baseSeq uint64
		if len(res.Records) > 0 {
			baseSeq = res.Records[0].Sequence
		}
		ss := segmentState{segmentInfo: segmentInfo{
			ID:      id,
			Path:    path,
			BaseSeq: baseSeq,
			Size:    info.Size(),
		}}
		if isLast {
			if res.TornTail && res.Size < info.Size() {
				if err := os.Truncate(path, res.Size); err != nil {
					return nil, 0, nil, err
				}
			}
			sw, size, err := openSegmentForAppend(path)
			if err != nil {
				return nil, 0, nil, err
			}
			ss.tail = sw
			ss.Size = size
		} else {
			ss.SealTime = info.ModTime()
		}
		st.segments = st.segments.Set(id, ss)
		if isLast {
			st.tailBaseSeq = id
		}
	}

	if len(ids) == 0 {
		path := filepath.Join(dir, segmentFileName(0))
		sw, err := createSegment(path)
		if err != nil {
			return nil, 0, nil, err
		}
		st.segments = st.segments.Set(0, segmentState{
			segmentInfo: segmentInfo{ID: 0, Path: path, CreateTime: timeNow()},
			tail:        sw,
		})
		st.tailBaseSeq = 0
		nextSegmentID = 1
	}

	st.nextSegmentID = nextSegmentID

	w = &WAL{
		dir:     dir,
		opts:    opts,
		metrics: newWALMetrics(opts.Registerer),
		logger:  opts.Logger,
		wake:    make(chan struct{}, 1),
		closeCh: make(chan struct{}),
		nextSeq: lastSeq + 1,
	}
	w.s.Store(st)

	w.wg.Add(1)
	go w.runCommit()

	return w, w.nextSeq, records, nil
}

func timeNow() time.Time { return time.Now() }

func listSegmentIDs(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var ids []uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, segmentFilePrefix) || !strings.HasSuffix(name, segmentFileSuffix) {
			continue
		}
		idStr := strings.TrimSuffix(strings.TrimPrefix(name, segmentFilePrefix), segmentFileSuffix)
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (w *WAL) loadState() *state { return w.s.Load().(*state) }

// Restore raises the WAL's next-assigned sequence to floor if floor is
// higher than what replay observed, e.g. when the manifest's recorded
// NextSeq is ahead of the last sequence actually present in the WAL
// (spec §4.9 step 4). Must only be called before the first Append, by the
// caller that just got startSeq back from Open.
func (w *WAL) Restore(floor uint64) {
	if floor > w.nextSeq {
		w.nextSeq = floor
	}
}

// Append enqueues ops for the next group-commit batch and blocks until the
// batch has been written (and, depending on durability, synced). It
// returns the sequence assigned to ops[0]; subsequent ops in the same call
// get consecutive sequences.
func (w *WAL) Append(ops []Op) (uint64, error) {
	if atomic.LoadUint32(&w.closed) == 1 {
		return 0, ErrClosed
	}
	if len(ops) == 0 {
		return 0, nil
	}
	req := &appendRequest{ops: ops, done: make(chan struct{})}

	w.mu.Lock()
	w.pending = append(w.pending, req)
	w.pendingBytes += req.approxBytes()
	full := w.pendingBytes >= w.opts.MaxBatchBytes
	w.mu.Unlock()

	if full || w.opts.Durability == DurabilityStrict {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}

	<-req.done
	return req.firstSeq, req.err
}

// Flush forces the active segment to disk immediately, regardless of
// durability mode (spec §4.2 "Flush-synced: fsync only at ... explicit
// flush").
func (w *WAL) Flush() error {
	if atomic.LoadUint32(&w.closed) == 1 {
		return ErrClosed
	}
	done := make(chan error, 1)
	req := &appendRequest{done: make(chan struct{})}
	go func() {
		w.mu.Lock()
		w.pending = append(w.pending, req)
		w.mu.Unlock()
		select {
		case w.wake <- struct{}{}:
		default:
		}
		<-req.done
		done <- req.err
	}()
	err := <-done
	if err != nil {
		return err
	}
	st := w.loadState()
	release := st.acquire()
	defer release()
	ss, ok := st.tailInfo()
	if !ok || ss.tail == nil {
		return nil
	}
	return ss.tail.Sync()
}

func (w *WAL) runCommit() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.opts.GroupCommitInterval)
	defer ticker.Stop()
	for {
		tick := false
		select {
		case <-w.closeCh:
			w.drainAndCommit()
			return
		case <-w.wake:
		case <-ticker.C:
			tick = true
		}
		w.drainAndCommit()
		if tick && w.opts.Durability == DurabilityGroup {
			st := w.loadState()
			release := st.acquire()
			if ss, ok := st.tailInfo(); ok && ss.tail != nil {
				if err := ss.tail.Sync(); err != nil {
					level.Error(w.logger).Log("msg", "wal group sync failed", "err", err)
				} else {
					w.metrics.syncs.Inc()
				}
			}
			release()
		}
	}
}

func (w *WAL) drainAndCommit() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.pending
	w.pending = nil
	w.pendingBytes = 0
	w.mu.Unlock()

	w.commitBatch(batch)
}

func (w *WAL) commitBatch(reqs []*appendRequest) {
	var records []Record
	seq := w.nextSeq
	for _, req := range reqs {
		if len(req.ops) == 0 {
			continue
		}
		req.firstSeq = seq
		for _, op := range req.ops {
			records = append(records, Record{Sequence: seq, Kind: op.Kind, Key: op.Key, Value: op.Value})
			seq++
		}
	}

	if len(records) == 0 {
		for _, req := range reqs {
			close(req.done)
		}
		return
	}

	encoded := encodeBatch(records)

	st := w.loadState()
	release := st.acquire()
	ss, ok := st.tailInfo()
	if !ok || ss.tail == nil {
		release()
		err := fmt.Errorf("walog: no open tail segment")
		for _, req := range reqs {
			req.err = err
			close(req.done)
		}
		return
	}

	newSize, err := ss.tail.appendBatch(encoded)
	if err == nil && w.opts.Durability == DurabilityStrict {
		err = ss.tail.Sync()
		if err == nil {
			w.metrics.syncs.Inc()
		}
	}
	release()

	if err != nil {
		for _, req := range reqs {
			req.err = err
			close(req.done)
		}
		return
	}

	w.nextSeq = seq
	w.metrics.batchesWritten.Inc()
	w.metrics.entriesWritten.Add(float64(len(records)))
	w.metrics.bytesWritten.Add(float64(len(encoded)))

	for _, req := range reqs {
		close(req.done)
	}

	if newSize >= w.opts.SegmentSize {
		if err := w.rotate(); err != nil {
			level.Error(w.logger).Log("msg", "wal rotation failed", "err", err)
		}
	}
}

// RotateNow forces a new WAL segment to begin, called by the store when a
// memtable swap begins (spec §4.2 "when ... a flush begins, a new WAL is
// started"). It returns the new tail segment's ID, which becomes the
// candidate WALKeepFromID once the flush that triggered it is durable.
func (w *WAL) RotateNow() (uint64, error) {
	if err := w.rotate(); err != nil {
		return 0, err
	}
	st := w.loadState()
	release := st.acquire()
	defer release()
	return st.tailBaseSeq, nil
}

// rotate seals the current tail segment and opens a new one. It runs
// inline on the commit goroutine for size-triggered rotations; RotateNow
// also calls it directly from the store's flush path, so rotateMu
// serializes the two triggers against each other (the teacher's
// triggerRotate/awaitRotate machinery solves a multi-writer problem this
// design doesn't have, since every append already funnels through one
// commit goroutine).
func (w *WAL) rotate() error {
	w.rotateMu.Lock()
	defer w.rotateMu.Unlock()

	old := w.loadState()
	old.acquire()
	defer old.release()

	newSt := old.clone()
	tail, ok := old.tailInfo()
	if !ok {
		return fmt.Errorf("walog: rotate with no tail")
	}
	sealedAt := time.Now()
	sealed := tail.tail
	tail.SealTime = sealedAt
	tail.tail = nil
	newSt.segments = newSt.segments.Set(tail.ID, tail)
	w.metrics.lastSegmentAgeSeconds.Set(sealedAt.Sub(tail.CreateTime).Seconds())

	newID := newSt.nextSegmentID
	newSt.nextSegmentID++
	path := filepath.Join(w.dir, segmentFileName(newID))
	sw, err := createSegment(path)
	if err != nil {
		return err
	}
	newSt.segments = newSt.segments.Set(newID, segmentState{
		segmentInfo: segmentInfo{ID: newID, Path: path, CreateTime: sealedAt},
		tail:        sw,
	})
	newSt.tailBaseSeq = newID

	w.s.Store(&newSt)
	old.finalizer.Store(func() {
		if err := sealed.Sync(); err != nil {
			level.Error(w.logger).Log("msg", "final sync of sealed wal segment failed", "err", err)
			return
		}
		if err := sealed.Close(); err != nil {
			level.Error(w.logger).Log("msg", "closing sealed wal segment failed", "err", err)
		}
	})
	w.metrics.segmentRotations.Inc()
	return nil
}

// PruneBefore deletes the file of every sealed segment strictly older than
// keepFromID, called once the manifest records that the memtable covering
// those segments has been flushed (spec §4.2 "Stale WALs are then
// deleted").
func (w *WAL) PruneBefore(keepFromID uint64) error {
	st := w.loadState()
	release := st.acquire()
	defer release()

	it := st.segments.Iterator()
	it.First()
	for !it.Done() {
		id, ss, _ := it.Next()
		if id >= keepFromID {
			break
		}
		if id == st.tailBaseSeq {
			continue // never prune the active tail
		}
		if err := os.Remove(ss.Path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Close stops the commit goroutine, flushes and closes every open segment.
func (w *WAL) Close() error {
	if !atomic.CompareAndSwapUint32(&w.closed, 0, 1) {
		return nil
	}
	close(w.closeCh)
	w.wg.Wait()

	// A caller that raced Append against Close may have enqueued a
	// request after the last drain; fail it rather than let it block
	// forever on a commit goroutine that has already exited.
	w.mu.Lock()
	stragglers := w.pending
	w.pending = nil
	w.mu.Unlock()
	for _, req := range stragglers {
		req.err = ErrClosed
		close(req.done)
	}

	st := w.loadState()
	release := st.acquire()
	defer release()

	var firstErr error
	it := st.segments.Iterator()
	it.First()
	for !it.Done() {
		_, ss, _ := it.Next()
		if ss.tail == nil {
			continue
		}
		if err := ss.tail.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := ss.tail.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

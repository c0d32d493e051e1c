package walog

import (
	"sync/atomic"

	"github.com/benbjohnson/immutable"
)

// segmentState pairs persistent segmentInfo with the handle needed to read
// or keep writing it.
type segmentState struct {
	segmentInfo
	tail *segmentWriter // non-nil only for the unsealed tail segment
}

// state is an immutable snapshot of the WAL's segment directory, swapped
// via atomic.Value exactly as the teacher's wal.go does for its own
// segments map (w.s atomic.Value holding *state). Readers acquire a
// reference before touching a state's segment files and release it when
// done; once a state has been replaced, its refcount reaching zero runs
// the attached finalizer (syncing and closing the sealed tail's file),
// so an in-flight reader never has a file yanked out from under it.
type state struct {
	segments      *immutable.SortedMap[uint64, segmentState]
	tailBaseSeq   uint64
	nextSegmentID uint64

	refs      int32
	finalizer atomic.Value // func()
}

func newEmptyState() *state {
	return &state{segments: &immutable.SortedMap[uint64, segmentState]{}}
}

func (s *state) acquire() func() {
	atomic.AddInt32(&s.refs, 1)
	return s.release
}

func (s *state) release() {
	if atomic.AddInt32(&s.refs, -1) == 0 {
		if fn, ok := s.finalizer.Load().(func()); ok && fn != nil {
			fn()
		}
	}
}

func (s *state) clone() state {
	return state{
		segments:      s.segments,
		tailBaseSeq:   s.tailBaseSeq,
		nextSegmentID: s.nextSegmentID,
	}
}

func (s *state) tailInfo() (segmentState, bool) {
	ss, ok := s.segments.Get(s.tailBaseSeq)
	return ss, ok
}

package compaction

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dreamsxin/waldb/internal/sstable"
)

// job describes one compaction attempt: a set of input segments, newest
// first, to be merged into a new set of non-overlapping output segments at
// outputLevel. bottommost true means the engine guarantees no lower level
// holds older data for any key in this job's range, so tombstones (point
// deletes and range tombstones) may be dropped instead of carried forward
// (spec §4.7 "drop only when compacting into the bottommost level").
type job struct {
	inputs      []*sstable.Reader
	outputLevel sstable.Level
	bottommost  bool
	targetBytes int64
	blockSize   int
	bloomFPRate float64
	outputDir   string
	nextSegment func() uint64
}

// mergeResult is one produced output segment.
type mergeResult struct {
	segmentID uint64
	path      string
	meta      sstable.Metadata
}

func removeFile(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func segmentFileName(id uint64) string {
	return fmt.Sprintf("seg-%020d.sst", id)
}

// runJob performs the k-way merge described by j and returns the segments
// it produced. On any error, partial output files are removed before
// returning (spec §4.7 "partial outputs are deleted").
//
// Surviving range tombstones are written into every output segment this
// job produces (not just the one whose point data happens to overlap the
// tombstone's span), so a later point lookup that lands on any one of this
// job's outputs still sees the tombstone regardless of that output's own
// key range. This trades a little redundant storage for not having to
// track a separate range-tombstone index outside the segment files
// themselves.
func runJob(j job) ([]mergeResult, error) {
	sources := make([]sstable.MergeSource, len(j.inputs))
	for i, r := range j.inputs {
		sources[i] = sstable.AsMergeSource(r.NewIterator(nil, nil))
	}
	merged := sstable.NewMergeIterator(sources)
	tombs := collectTombstones(j.inputs)
	carryTombs := !j.bottommost && len(tombs) > 0

	var results []mergeResult
	var cur *sstable.Builder
	var curID uint64
	var curPath string
	var curEntries uint64

	abortAll := func() {
		if cur != nil {
			cur.Abort()
		}
		for _, r := range results {
			_ = removeFile(r.path)
		}
	}

	openNext := func() error {
		curID = j.nextSegment()
		curPath = filepath.Join(j.outputDir, segmentFileName(curID))
		b, err := sstable.NewBuilder(curPath, sstable.BuilderOptions{
			BlockSize:   j.blockSize,
			Level:       j.outputLevel,
			BloomFPRate: j.bloomFPRate,
		})
		if err != nil {
			return err
		}
		cur = b
		curEntries = 0
		if carryTombs {
			for _, t := range tombs {
				cur.AddRangeTombstone(t)
			}
		}
		return nil
	}

	finishCur := func() error {
		if cur == nil {
			return nil
		}
		if curEntries == 0 && !carryTombs {
			return cur.Abort()
		}
		meta, err := cur.Finish()
		cur = nil
		if err != nil {
			return err
		}
		results = append(results, mergeResult{segmentID: curID, path: curPath, meta: meta})
		return nil
	}

	if err := openNext(); err != nil {
		return nil, err
	}

	for {
		key, seq, kind, value, ok := merged.Next()
		if !ok {
			if err := merged.Err(); err != nil {
				abortAll()
				return nil, err
			}
			break
		}

		if masked(tombs, key, seq) {
			continue
		}
		if kind == sstable.KindDelete && j.bottommost {
			continue
		}

		if cur.ApproxSize() >= j.targetBytes {
			if err := finishCur(); err != nil {
				abortAll()
				return nil, err
			}
			if err := openNext(); err != nil {
				abortAll()
				return nil, err
			}
		}

		if err := cur.Add(kind, seq, key, value); err != nil {
			abortAll()
			return nil, err
		}
		curEntries++
	}

	if err := finishCur(); err != nil {
		abortAll()
		return nil, err
	}

	return results, nil
}

// collectTombstones gathers every input segment's range tombstones. Inputs
// are passed newest-first; a tombstone only masks entries strictly older
// than its own sequence, so no ordering beyond that is required here.
func collectTombstones(inputs []*sstable.Reader) []sstable.RangeTombstone {
	var out []sstable.RangeTombstone
	for _, r := range inputs {
		out = append(out, r.RangeTombstones()...)
	}
	return out
}

// masked reports whether a point entry at (key, seq) is shadowed by a range
// tombstone with a strictly greater sequence covering key, per spec §4.7
// "any point entry covered by an unexpired range tombstone with a larger
// sequence is dropped".
func masked(tombs []sstable.RangeTombstone, key []byte, seq uint64) bool {
	for _, t := range tombs {
		if t.Seq <= seq {
			continue
		}
		if sstable.KeyInRange(key, t.Start, t.End) {
			return true
		}
	}
	return false
}

package waldb

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/waldb/internal/sstable"
)

// TestScenarioTreeConflictOnScalarAncestor is spec scenario 1: setting a
// child of a live scalar fails, and the scalar is untouched.
func TestScenarioTreeConflictOnScalarAncestor(t *testing.T) {
	s := openTestStore(t, Options{})

	require.NoError(t, s.Set([]byte("a/b"), []byte("X"), false))
	err := s.Set([]byte("a/b/c"), []byte("Y"), false)

	var tc *TreeConflictError
	require.ErrorAs(t, err, &tc)
	require.Equal(t, AncestorIsScalar, tc.Kind)

	v, ok, err := s.Get([]byte("a/b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("X"), v)
}

// TestScenarioForceSubtreeReplace is spec scenario 2: a forced scalar write
// atomically replaces a whole live subtree.
func TestScenarioForceSubtreeReplace(t *testing.T) {
	s := openTestStore(t, Options{})

	require.NoError(t, s.Set([]byte("u/1/name"), []byte("A"), false))
	require.NoError(t, s.Set([]byte("u/1/age"), []byte("30"), false))
	require.NoError(t, s.Set([]byte("u/1"), []byte("scalar"), true))

	v, ok, err := s.Get([]byte("u/1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("scalar"), v)

	_, ok, err = s.Get([]byte("u/1/name"))
	require.NoError(t, err)
	require.False(t, ok)

	it, err := s.Range([]byte("u/1/"), prefixEnd([]byte("u/1/")))
	require.NoError(t, err)
	require.Empty(t, rangeKeys(t, it))
}

// TestScenarioWALReplayAfterCrash is spec scenario 3: writes acknowledged
// under strict durability but never explicitly flushed survive a reopen,
// because Append itself is durable rather than relying on a clean shutdown.
func TestScenarioWALReplayAfterCrash(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, Options{Durability: DurabilityStrict, MemtableSizeBytes: 1 << 30})
	require.NoError(t, err)
	for i := 0; i < 1000; i++ {
		require.NoError(t, s.Set([]byte(fmt.Sprintf("key/%04d", i)), []byte(fmt.Sprintf("v%d", i)), false))
	}
	// Simulate a crash: tear down the background goroutines and release
	// the directory lock without going through Close's orderly
	// flush-then-shutdown path, so the memtable is never serialized to a
	// segment and only the WAL carries these writes.
	close(s.stopCh)
	s.wg.Wait()
	require.NoError(t, s.cp.Close())
	require.NoError(t, s.wal.Close())
	require.NoError(t, releaseLock(s.lockFile))

	s2, err := Open(dir, Options{})
	require.NoError(t, err)
	defer s2.Close()

	for i := 0; i < 1000; i++ {
		v, ok, err := s2.Get([]byte(fmt.Sprintf("key/%04d", i)))
		require.NoError(t, err)
		require.True(t, ok, "key/%04d missing after recovery", i)
		require.Equal(t, []byte(fmt.Sprintf("v%d", i)), v)
	}
}

// TestScenarioCompactionCorrectness is spec scenario 4: compacting two
// flushed generations of the same key leaves exactly the newest value
// reachable, with the stale L0 inputs no longer in the manifest.
func TestScenarioCompactionCorrectness(t *testing.T) {
	s := openTestStore(t, Options{L0CompactionTrigger: 2})

	require.NoError(t, s.Set([]byte("k"), []byte("v1"), false))
	require.NoError(t, s.Flush())
	require.NoError(t, s.Set([]byte("k"), []byte("v2"), false))
	require.NoError(t, s.Flush())

	s.cp.Notify()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(s.mf.Snapshot().Segments(sstable.L0)) >= 2 {
		time.Sleep(10 * time.Millisecond)
	}
	require.Less(t, len(s.mf.Snapshot().Segments(sstable.L0)), 2, "background compactor should have merged L0 into L1")

	v, ok, err := s.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), v)
}

// TestScenarioSubtreeDeleteAndRecreate is spec scenario 5: a subtree delete
// followed by a fresh write under it is visible, since the new write's
// sequence is higher than the delete's range tombstone.
func TestScenarioSubtreeDeleteAndRecreate(t *testing.T) {
	s := openTestStore(t, Options{})

	require.NoError(t, s.Set([]byte("t/a"), []byte("1"), false))
	require.NoError(t, s.Set([]byte("t/b"), []byte("2"), false))
	require.NoError(t, s.Delete([]byte("t")))
	require.NoError(t, s.Set([]byte("t/a"), []byte("3"), false))

	v, ok, err := s.Get([]byte("t/a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("3"), v)

	_, ok, err = s.Get([]byte("t/b"))
	require.NoError(t, err)
	require.False(t, ok)
}

// TestScenarioRangeQueryAcrossLevels is spec scenario 6: a range scan after
// a flush merges the on-disk segment with a newer in-memory overwrite,
// returning exactly one entry per key at its newest value.
func TestScenarioRangeQueryAcrossLevels(t *testing.T) {
	s := openTestStore(t, Options{})

	for i := 1; i <= 100; i++ {
		require.NoError(t, s.Set([]byte(fmt.Sprintf("r/%03d", i)), []byte("orig"), false))
	}
	require.NoError(t, s.Flush())
	require.NoError(t, s.Set([]byte("r/050"), []byte("overwritten"), false))

	it, err := s.Range([]byte("r/"), prefixEnd([]byte("r/")))
	require.NoError(t, err)

	count := 0
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		count++
		if string(e.Key) == "r/050" {
			require.Equal(t, "overwritten", string(e.Value))
		}
	}
	require.Equal(t, 100, count)
}

// --- Boundary behaviors not already covered by store_test.go/recovery_test.go ---

func TestBoundaryDeleteOfAbsentKeySucceeds(t *testing.T) {
	s := openTestStore(t, Options{})
	require.NoError(t, s.Delete([]byte("never/existed")))
}

func TestBoundaryRangeEqualBoundsIsEmpty(t *testing.T) {
	s := openTestStore(t, Options{})
	require.NoError(t, s.Set([]byte("a"), []byte("v"), false))

	it, err := s.Range([]byte("a"), []byte("a"))
	require.NoError(t, err)
	require.Empty(t, rangeKeys(t, it))
}

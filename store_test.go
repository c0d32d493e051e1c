package waldb

import (
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSetGetRoundTrip(t *testing.T) {
	s := openTestStore(t, Options{})

	require.NoError(t, s.Set([]byte("a/b"), []byte("v1"), false))
	v, ok, err := s.Get([]byte("a/b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)

	ok, err = s.Exists([]byte("a/b"))
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = s.Get([]byte("a/c"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSetInvalidPathRejected(t *testing.T) {
	s := openTestStore(t, Options{})

	require.ErrorIs(t, s.Set([]byte(""), []byte("v"), false), ErrPathInvalid)
	require.ErrorIs(t, s.Set([]byte("/a"), []byte("v"), false), ErrPathInvalid)
	require.ErrorIs(t, s.Set([]byte("a//b"), []byte("v"), false), ErrPathInvalid)
}

func TestSetRejectsScalarAncestor(t *testing.T) {
	s := openTestStore(t, Options{})

	require.NoError(t, s.Set([]byte("a"), []byte("v"), false))

	err := s.Set([]byte("a/b"), []byte("v2"), false)
	var tc *TreeConflictError
	require.ErrorAs(t, err, &tc)
	require.Equal(t, AncestorIsScalar, tc.Kind)
}

func TestSetRejectsLiveDescendants(t *testing.T) {
	s := openTestStore(t, Options{})

	require.NoError(t, s.Set([]byte("a/b"), []byte("v"), false))

	err := s.Set([]byte("a"), []byte("v2"), false)
	var tc *TreeConflictError
	require.ErrorAs(t, err, &tc)
	require.Equal(t, DescendantsExist, tc.Kind)
}

func TestForceSetReplacesSubtree(t *testing.T) {
	s := openTestStore(t, Options{})

	require.NoError(t, s.Set([]byte("a/b"), []byte("v1"), false))
	require.NoError(t, s.Set([]byte("a/c"), []byte("v2"), false))

	require.NoError(t, s.Set([]byte("a"), []byte("scalar"), true))

	v, ok, err := s.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("scalar"), v)

	_, ok, err = s.Get([]byte("a/b"))
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = s.Get([]byte("a/c"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeleteRemovesSubtree(t *testing.T) {
	s := openTestStore(t, Options{})

	require.NoError(t, s.Set([]byte("a"), []byte("v"), false))
	require.NoError(t, s.Set([]byte("a/b"), []byte("v"), true))

	require.NoError(t, s.Delete([]byte("a")))

	_, ok, err := s.Get([]byte("a"))
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = s.Get([]byte("a/b"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBulkSetPlainWrite(t *testing.T) {
	s := openTestStore(t, Options{})

	require.NoError(t, s.BulkSet([]Entry{
		{Key: []byte("x/1"), Value: []byte("1")},
		{Key: []byte("x/2"), Value: []byte("2")},
	}, nil))

	v, ok, err := s.Get([]byte("x/1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)
}

func TestBulkSetReplaceAtRoot(t *testing.T) {
	s := openTestStore(t, Options{})

	require.NoError(t, s.Set([]byte("old"), []byte("v"), false))
	require.NoError(t, s.BulkSet([]Entry{
		{Key: []byte("new"), Value: []byte("v2")},
	}, []byte{}))

	_, ok, err := s.Get([]byte("old"))
	require.NoError(t, err)
	require.False(t, ok)
	v, ok, err := s.Get([]byte("new"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), v)
}

func TestBulkSetReplaceAtSubtree(t *testing.T) {
	s := openTestStore(t, Options{})

	require.NoError(t, s.Set([]byte("a/old"), []byte("v"), false))
	require.NoError(t, s.BulkSet([]Entry{
		{Key: []byte("a/new"), Value: []byte("v2")},
	}, []byte("a")))

	_, ok, err := s.Get([]byte("a/old"))
	require.NoError(t, err)
	require.False(t, ok)
	v, ok, err := s.Get([]byte("a/new"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), v)
}

func rangeKeys(t *testing.T, it *Iterator) []string {
	t.Helper()
	var out []string
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, string(e.Key))
	}
	return out
}

func TestRangeScan(t *testing.T) {
	s := openTestStore(t, Options{})

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Set([]byte(fmt.Sprintf("k/%02d", i)), []byte("v"), false))
	}

	it, err := s.Range([]byte("k/01"), []byte("k/04"))
	require.NoError(t, err)
	keys := rangeKeys(t, it)
	require.Equal(t, []string{"k/01", "k/02", "k/03"}, keys)
}

func TestRangeReversedBoundsIsEmpty(t *testing.T) {
	s := openTestStore(t, Options{})
	require.NoError(t, s.Set([]byte("a"), []byte("v"), false))

	it, err := s.Range([]byte("z"), []byte("a"))
	require.NoError(t, err)
	require.Empty(t, rangeKeys(t, it))
}

func TestPrefixScan(t *testing.T) {
	s := openTestStore(t, Options{})

	require.NoError(t, s.Set([]byte("users/1"), []byte("v"), false))
	require.NoError(t, s.Set([]byte("users/2"), []byte("v"), false))
	require.NoError(t, s.Set([]byte("orders/1"), []byte("v"), false))

	it, err := s.PrefixScan([]byte("users/"))
	require.NoError(t, err)
	keys := rangeKeys(t, it)
	sort.Strings(keys)
	require.Equal(t, []string{"users/1", "users/2"}, keys)
}

func TestPatternDoesNotCrossSlash(t *testing.T) {
	s := openTestStore(t, Options{})

	require.NoError(t, s.Set([]byte("a/b"), []byte("v"), false))
	require.NoError(t, s.Set([]byte("a/b/c"), []byte("v"), true))

	it, err := s.Pattern([]byte("a/*"))
	require.NoError(t, err)
	keys := rangeKeys(t, it)
	require.Equal(t, []string{"a/b"}, keys)
}

func TestFlushThenReadsStillWork(t *testing.T) {
	s := openTestStore(t, Options{})

	require.NoError(t, s.Set([]byte("a"), []byte("v1"), false))
	require.NoError(t, s.Flush())

	v, ok, err := s.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)

	require.NoError(t, s.Set([]byte("b"), []byte("v2"), false))
	v, ok, err = s.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), v)
}

func TestRangeAfterFlushMergesMemtableAndSegment(t *testing.T) {
	s := openTestStore(t, Options{})

	require.NoError(t, s.Set([]byte("k/1"), []byte("old"), false))
	require.NoError(t, s.Flush())
	require.NoError(t, s.Set([]byte("k/1"), []byte("new"), false))
	require.NoError(t, s.Set([]byte("k/2"), []byte("v"), false))

	it, err := s.Range([]byte("k/"), prefixEnd([]byte("k/")))
	require.NoError(t, err)

	got := map[string]string{}
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		got[string(e.Key)] = string(e.Value)
	}
	require.Equal(t, map[string]string{"k/1": "new", "k/2": "v"}, got)
}

func TestDeleteAfterFlushMasksSegment(t *testing.T) {
	s := openTestStore(t, Options{})

	require.NoError(t, s.Set([]byte("a"), []byte("v"), false))
	require.NoError(t, s.Flush())
	require.NoError(t, s.Delete([]byte("a")))

	_, ok, err := s.Get([]byte("a"))
	require.NoError(t, err)
	require.False(t, ok)

	it, err := s.Range(nil, nil)
	require.NoError(t, err)
	require.Empty(t, rangeKeys(t, it))
}

func TestOperationsRejectedAfterClose(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, Options{})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	require.ErrorIs(t, s.Set([]byte("a"), []byte("v"), false), ErrShuttingDown)
	require.ErrorIs(t, s.Delete([]byte("a")), ErrShuttingDown)
	require.ErrorIs(t, s.BulkSet(nil, nil), ErrShuttingDown)
	require.ErrorIs(t, s.Flush(), ErrShuttingDown)
}

func TestSecondOpenFailsWhileLocked(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, Options{})
	require.NoError(t, err)
	defer s.Close()

	_, err = Open(dir, Options{})
	require.ErrorIs(t, err, ErrLocked)
}

func TestReopenAfterCloseSucceeds(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, Options{})
	require.NoError(t, err)
	require.NoError(t, s.Set([]byte("a"), []byte("v"), false))
	require.NoError(t, s.Close())

	s2, err := Open(dir, Options{})
	require.NoError(t, err)
	defer s2.Close()

	v, ok, err := s2.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)
}

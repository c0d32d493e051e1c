package memtable

import "testing"

func TestPutGet(t *testing.T) {
	m := New()
	m = m.Put([]byte("a/b"), []byte("v1"), 1)
	e, ok := m.Get([]byte("a/b"))
	if !ok || e.Kind != KindPut || string(e.Value) != "v1" {
		t.Fatalf("Get = %+v, %v", e, ok)
	}
	if _, ok := m.Get([]byte("missing")); ok {
		t.Fatal("expected miss for absent key")
	}
}

func TestDeleteMasksEarlierPut(t *testing.T) {
	m := New()
	m = m.Put([]byte("k"), []byte("v1"), 1)
	m = m.Delete([]byte("k"), 2)
	e, ok := m.Get([]byte("k"))
	if !ok || e.Kind != KindDelete {
		t.Fatalf("expected tombstone, got %+v ok=%v", e, ok)
	}
}

func TestRangeTombstoneMasksSubtree(t *testing.T) {
	m := New()
	m = m.Put([]byte("t/a"), []byte("1"), 1)
	m = m.Put([]byte("t/b"), []byte("2"), 2)
	m = m.DeleteRange([]byte("t/"), []byte("t/\xff\xff\xff\xff\xff\xff\xff\xff"), 3)

	if e, ok := m.Get([]byte("t/a")); !ok || e.Kind != KindDelete {
		t.Fatalf("t/a should be masked, got %+v ok=%v", e, ok)
	}

	// A later write with a higher sequence is not masked by the earlier
	// range tombstone.
	m = m.Put([]byte("t/a"), []byte("3"), 4)
	e, ok := m.Get([]byte("t/a"))
	if !ok || e.Kind != KindPut || string(e.Value) != "3" {
		t.Fatalf("expected newer put to win, got %+v ok=%v", e, ok)
	}
}

func TestIteratorOrderAndMasking(t *testing.T) {
	m := New()
	m = m.Put([]byte("r/001"), []byte("a"), 1)
	m = m.Put([]byte("r/002"), []byte("b"), 2)
	m = m.Put([]byte("r/002"), []byte("b2"), 3)

	it := m.NewIterator(nil)
	var keys []string
	for {
		k, e, ok := it.Next()
		if !ok {
			break
		}
		keys = append(keys, string(k)+"="+string(e.Value))
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 entries, got %v", keys)
	}
	if keys[1] != "r/002=b2" {
		t.Fatalf("expected latest value for r/002, got %v", keys)
	}
}

func TestSizeGrows(t *testing.T) {
	m := New()
	if m.Size() != 0 {
		t.Fatalf("expected empty memtable to have zero size")
	}
	m2 := m.Put([]byte("k"), []byte("v"), 1)
	if m2.Size() <= 0 {
		t.Fatalf("expected size to grow after Put")
	}
	if m.Size() != 0 {
		t.Fatalf("original memtable must remain unmodified (copy-on-write)")
	}
}

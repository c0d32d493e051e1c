// Package cache implements the bounded, sharded LRU block cache described
// in spec §4.5: decoded segment blocks keyed by (segmentID, blockOffset),
// evicted by byte capacity, with independent locking per shard so cache
// traffic never contends with the store's structural lock. Entries carry
// no reference count: eviction only drops the cache's own reference, so a
// block slice already returned by Get stays valid for the reader holding
// it.
package cache

import (
	"container/list"
	"sync"
)

const defaultShardCount = 16

// Key identifies a decoded block within a specific segment.
type Key struct {
	SegmentID uint64
	Offset    uint32
}

type entry struct {
	key  Key
	data []byte
}

type shard struct {
	mu       sync.Mutex
	capacity int64
	used     int64
	ll       *list.List
	items    map[Key]*list.Element
}

// Cache is a sharded, byte-bounded LRU. Default capacity is spread evenly
// across shards.
type Cache struct {
	shards []*shard
	mask   uint64
}

// New returns a Cache with the given total byte capacity split across a
// fixed number of shards.
func New(capacityBytes int64) *Cache {
	n := defaultShardCount
	c := &Cache{shards: make([]*shard, n), mask: uint64(n - 1)}
	per := capacityBytes / int64(n)
	if per <= 0 {
		per = 1
	}
	for i := range c.shards {
		c.shards[i] = &shard{
			capacity: per,
			ll:       list.New(),
			items:    make(map[Key]*list.Element),
		}
	}
	return c
}

func (c *Cache) shardFor(k Key) *shard {
	h := fnv1a(k.SegmentID) ^ uint64(k.Offset)*0x9E3779B185EBCA87
	return c.shards[h&c.mask]
}

func fnv1a(x uint64) uint64 {
	h := uint64(14695981039346656037)
	for i := 0; i < 8; i++ {
		h ^= x & 0xFF
		h *= 1099511628211
		x >>= 8
	}
	return h
}

// Get returns the cached block for key, if present. The returned slice must
// not be mutated by the caller.
func (c *Cache) Get(key Key) ([]byte, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.items[key]
	if !ok {
		return nil, false
	}
	s.ll.MoveToFront(el)
	return el.Value.(*entry).data, true
}

// Insert adds block to the cache under key, evicting LRU entries as needed
// to stay within the shard's byte capacity. Insertion is best-effort: it is
// only ever called on a read miss and failure to fit is not an error.
func (c *Cache) Insert(key Key, block []byte) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		old := el.Value.(*entry)
		s.used += int64(len(block)) - int64(len(old.data))
		old.data = block
		s.ll.MoveToFront(el)
	} else {
		el := s.ll.PushFront(&entry{key: key, data: block})
		s.items[key] = el
		s.used += int64(len(block))
	}

	for s.used > s.capacity {
		back := s.ll.Back()
		if back == nil {
			break
		}
		e := back.Value.(*entry)
		s.used -= int64(len(e.data))
		s.ll.Remove(back)
		delete(s.items, e.key)
	}
}

// InvalidateSegment drops every cached block belonging to segmentID. Called
// when a segment is removed from the manifest (compacted away or replaced),
// per spec §4.5 "on segment deletion its entries are invalidated".
func (c *Cache) InvalidateSegment(segmentID uint64) {
	for _, s := range c.shards {
		s.mu.Lock()
		for k, el := range s.items {
			if k.SegmentID == segmentID {
				e := el.Value.(*entry)
				s.used -= int64(len(e.data))
				s.ll.Remove(el)
				delete(s.items, k)
			}
		}
		s.mu.Unlock()
	}
}

// Len returns the total number of cached blocks across all shards, for
// tests and metrics.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}

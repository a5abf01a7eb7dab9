// Package cache implements the bounded, byte-weighted node cache (spec
// C5): an LRU keyed by virtual chunk offset whose eviction is driven by
// approximate memory bytes rather than entry count.
//
// Values are plain *nodecodec.Node pointers. Unlike the original's
// intrusive shared pointers, Go's garbage collector already keeps a node
// alive for as long as any caller holds a reference to it, even after the
// cache itself has evicted the entry — so no manual reference counting is
// needed to satisfy "a cached node is kept alive for the duration of any
// handle a caller holds".
package cache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/simplelru"

	"github.com/monad-labs/mpt-store/internal/mpt/nodecodec"
	"github.com/monad-labs/mpt-store/internal/mpt/pool"
)

// entryOverhead is added to each node's deserialized size to account for
// Go pointer/slice/map overhead not reflected in the node's logical byte
// count.
const entryOverhead = 64

// Stats reports cumulative cache activity.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// stripeCount controls how many independently-locked shards back the
// cache. Keys are assigned to a shard by a cheap hash mixing the chunk id
// and the byte offset, so concurrent lookups for different nodes rarely
// contend.
const stripeCount = 16

// Cache is a bounded, byte-weighted, striped LRU cache of decoded nodes.
type Cache struct {
	capBytes int64
	shards   [stripeCount]*shard

	mu    sync.Mutex // guards stats only
	stats Stats
}

type shard struct {
	mu     sync.Mutex
	lru    *lru.LRU
	weight int64
	cap    int64
	onEvict func()
}

// New creates a cache with a total weight cap of capBytes, split evenly
// across internal shards.
func New(capBytes int64) *Cache {
	c := &Cache{capBytes: capBytes}
	perShard := capBytes / stripeCount
	if perShard <= 0 {
		perShard = 1
	}
	for i := range c.shards {
		s := &shard{cap: perShard}
		l, err := lru.NewLRU(maxInt, func(key interface{}, value interface{}) {
			n := value.(*nodecodec.Node)
			s.weight -= weightOf(n)
			if s.onEvict != nil {
				s.onEvict()
			}
		})
		if err != nil {
			// NewLRU only errors on size <= 0, which maxInt never triggers.
			panic(err)
		}
		s.lru = l
		c.shards[i] = s
	}
	return c
}

const maxInt = int(^uint(0) >> 1)

func weightOf(n *nodecodec.Node) int64 {
	size := int64(len(n.Path)) + int64(len(n.Value)) + entryOverhead
	size += int64(n.ChildCount()) * (nodecodec.HashSize + 16)
	return size
}

func shardFor(c *Cache, key pool.VirtualOffset) *shard {
	h := uint64(key.ChunkID)*1099511628211 ^ key.ByteOffset
	return c.shards[h%stripeCount]
}

// Get looks up a node by its virtual chunk offset. A hit moves the entry
// to the head of its shard's LRU.
func (c *Cache) Get(key pool.VirtualOffset) (*nodecodec.Node, bool) {
	s := shardFor(c, key)
	s.mu.Lock()
	v, ok := s.lru.Get(key)
	s.mu.Unlock()

	c.mu.Lock()
	if ok {
		c.stats.Hits++
	} else {
		c.stats.Misses++
	}
	c.mu.Unlock()

	if !ok {
		return nil, false
	}
	return v.(*nodecodec.Node), true
}

// Put inserts or updates a node in the cache, evicting from the tail of
// its shard until the shard's weight budget is satisfied.
func (c *Cache) Put(key pool.VirtualOffset, n *nodecodec.Node) {
	s := shardFor(c, key)
	w := weightOf(n)

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	s.onEvict = func() { evicted++ }
	defer func() { s.onEvict = nil }()

	if existing, ok := s.lru.Peek(key); ok {
		s.weight -= weightOf(existing.(*nodecodec.Node))
	}
	s.lru.Add(key, n)
	s.weight += w

	for s.weight > s.cap && s.lru.Len() > 0 {
		s.lru.RemoveOldest()
	}

	if evicted > 0 {
		c.mu.Lock()
		c.stats.Evictions += uint64(evicted)
		c.mu.Unlock()
	}
}

// Remove drops an entry if present, e.g. when its chunk has been recycled
// and the virtual offset can never resolve to live data again.
func (c *Cache) Remove(key pool.VirtualOffset) {
	s := shardFor(c, key)
	s.mu.Lock()
	s.lru.Remove(key)
	s.mu.Unlock()
}

// Stats returns a snapshot of cumulative cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Len returns the total number of cached entries across all shards.
func (c *Cache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.Lock()
		total += s.lru.Len()
		s.mu.Unlock()
	}
	return total
}

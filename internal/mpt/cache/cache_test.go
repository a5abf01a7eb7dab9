package cache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/monad-labs/mpt-store/internal/mpt/nodecodec"
	"github.com/monad-labs/mpt-store/internal/mpt/pool"
)

func key(chunk, off uint64) pool.VirtualOffset {
	return pool.VirtualOffset{ChunkID: pool.ChunkID(chunk), ByteOffset: off, Seq: 1}
}

func TestGetMissThenHit(t *testing.T) {
	c := New(1 << 20)
	n := &nodecodec.Node{Path: []byte{1, 2}, HasValue: true, Value: []byte("v")}

	_, ok := c.Get(key(1, 0))
	require.False(t, ok)

	c.Put(key(1, 0), n)
	got, ok := c.Get(key(1, 0))
	require.True(t, ok)
	require.Same(t, n, got)

	stats := c.Stats()
	require.Equal(t, uint64(1), stats.Hits)
	require.Equal(t, uint64(1), stats.Misses)
}

func TestEvictionUnderByteWeightCap(t *testing.T) {
	// One shard's budget is tiny: force eviction quickly.
	c := New(stripeCount * 200)
	big := make([]byte, 500)

	// Each entry alone outweighs a shard's whole budget, so every Put
	// evicts, whichever shard its key hashes to.
	for i := uint64(0); i < 10; i++ {
		n := &nodecodec.Node{Path: []byte{byte(i)}, HasValue: true, Value: big}
		c.Put(key(1, i), n)
	}

	require.Less(t, c.Len(), 10)
	require.Greater(t, c.Stats().Evictions, uint64(0))
}

func TestRemoveDropsEntry(t *testing.T) {
	c := New(1 << 20)
	n := &nodecodec.Node{HasValue: true, Value: []byte("x")}
	c.Put(key(2, 0), n)
	c.Remove(key(2, 0))
	_, ok := c.Get(key(2, 0))
	require.False(t, ok)
}

func TestCallerHeldHandleSurvivesEviction(t *testing.T) {
	c := New(stripeCount * 100)
	held := &nodecodec.Node{HasValue: true, Value: make([]byte, 90)}
	c.Put(key(3, 0), held)

	// held alone (90 value bytes plus per-entry overhead) outweighs its
	// shard's 100-byte budget, so it is evicted; more entries follow.
	for i := uint64(1); i < 20; i++ {
		c.Put(key(3, i), &nodecodec.Node{HasValue: true, Value: make([]byte, 90)})
	}

	_, ok := c.Get(key(3, 0))
	require.False(t, ok, "expected eviction")
	// The caller's own reference is still valid Go-side; this just
	// documents that eviction from the cache doesn't invalidate it.
	require.Equal(t, 90, len(held.Value))
}

package pool

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, devices int) *FilePool {
	t.Helper()
	dir := t.TempDir()
	var paths []string
	for i := 0; i < devices; i++ {
		paths = append(paths, filepath.Join(dir, "dev"+string(rune('0'+i))))
	}
	p, err := Open(Config{
		Devices:         paths,
		ChunkSize:       PageSizeForTest,
		ChunksPerDevice: 4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

// PageSizeForTest keeps chunk sizes small (a handful of pages) so tests run
// fast while still exercising page-alignment checks.
const PageSizeForTest = 4096 * 4

func TestAdvanceFastBumpsSequenceAndHead(t *testing.T) {
	p := newTestPool(t, 1)

	id, err := p.AdvanceFast()
	require.NoError(t, err)

	seq, err := p.CurrentSeq(id)
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)

	head, ok := p.FastHead()
	require.True(t, ok)
	require.Equal(t, id, head)
}

func TestActivateChunkFailsAfterRecycle(t *testing.T) {
	p := newTestPool(t, 1)

	id, err := p.AdvanceFast()
	require.NoError(t, err)
	handle, err := p.ActivateChunk(1, id)
	require.NoError(t, err)
	require.Equal(t, id, handle.ID)

	// Can't release the active ring head.
	require.ErrorIs(t, p.ReleaseChunk(id), ErrChunkInUse)

	// Advance again to push id off the ring head, then release it.
	id2, err := p.AdvanceFast()
	require.NoError(t, err)
	require.NotEqual(t, id, id2)
	require.NoError(t, p.ReleaseChunk(id))

	// Re-advancing reuses the slot with a bumped sequence number.
	id3, err := p.AdvanceFast()
	require.NoError(t, err)
	require.Equal(t, id, id3)

	_, err = p.ActivateChunk(1, id) // stale generation
	require.ErrorIs(t, err, ErrChunkRecycled)

	newSeq, err := p.CurrentSeq(id)
	require.NoError(t, err)
	handle, err = p.ActivateChunk(newSeq, id)
	require.NoError(t, err)
	require.Equal(t, newSeq, handle.Seq)
}

func TestAdvanceExhaustsFreeList(t *testing.T) {
	p := newTestPool(t, 1)
	for i := 0; i < 4; i++ {
		_, err := p.AdvanceFast()
		require.NoError(t, err)
	}
	_, err := p.AdvanceFast()
	require.ErrorIs(t, err, ErrNoFreeChunks)
}

func TestReadOnlyPoolRejectsMutation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dev0")
	p, err := Open(Config{Devices: []string{path}, ChunkSize: PageSizeForTest, ChunksPerDevice: 2})
	require.NoError(t, err)
	_, err = p.AdvanceFast()
	require.NoError(t, err)
	require.NoError(t, p.Close())

	ro, err := Open(Config{Devices: []string{path}, ChunkSize: PageSizeForTest, ChunksPerDevice: 2, ReadOnly: true})
	require.NoError(t, err)
	defer ro.Close()

	_, err = ro.AdvanceFast()
	require.ErrorIs(t, err, ErrReadOnly)
	require.ErrorIs(t, ro.ReleaseChunk(0), ErrReadOnly)
}

func TestFastRingReportsFullMembershipOldestFirst(t *testing.T) {
	p := newTestPool(t, 1)

	id1, err := p.AdvanceFast()
	require.NoError(t, err)
	id2, err := p.AdvanceFast()
	require.NoError(t, err)
	id3, err := p.AdvanceFast()
	require.NoError(t, err)

	require.Equal(t, []ChunkID{id1, id2, id3}, p.FastRing())

	require.NoError(t, p.ReleaseChunk(id1))
	require.Equal(t, []ChunkID{id2, id3}, p.FastRing())

	require.Empty(t, p.SlowRing())
}

func TestDevicesRoundRobinAcrossMultipleBackingFiles(t *testing.T) {
	p := newTestPool(t, 2)
	seen := map[int]bool{}
	for id, slot := range p.slots {
		_ = id
		seen[slot.deviceIdx] = true
	}
	require.Len(t, seen, 2)
}

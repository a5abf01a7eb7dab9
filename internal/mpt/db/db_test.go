package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/monad-labs/mpt-store/internal/mpt/compaction"
	"github.com/monad-labs/mpt-store/internal/mpt/trie"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		Devices:         []string{filepath.Join(dir, "device-0")},
		ChunkSize:       64 << 10,
		ChunksPerDevice: 8,
		HistoryLength:   4,
	}
}

// S1: single insert/find round-trips through the full stack (pool, ioengine,
// nodecodec, trie, meta) over real temp-file-backed devices.
func TestOpenUpsertFindRoundTrip(t *testing.T) {
	d, err := Open(testConfig(t))
	require.NoError(t, err)
	defer d.Close()

	ctx := context.Background()
	key := []byte{0xab, 0xcd}
	err = d.Upsert(ctx, 1, []trie.Update{{Key: key, Value: []byte{0x11}}})
	require.NoError(t, err)

	val, err := d.Find(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte{0x11}, val)
	require.Equal(t, uint64(1), d.CurrentVersion())
}

// Looking up a key that was never inserted collapses to ErrKeyNotFound.
func TestFindMissingKeyReturnsKeyNotFound(t *testing.T) {
	d, err := Open(testConfig(t))
	require.NoError(t, err)
	defer d.Close()

	ctx := context.Background()
	require.NoError(t, d.Upsert(ctx, 1, []trie.Update{{Key: []byte{0x01}, Value: []byte{0xff}}}))

	_, err = d.Find(ctx, []byte{0x02})
	require.ErrorIs(t, err, ErrKeyNotFound)
}

// S3: once a version's root falls below the retained history window, a view
// pinned to it reports ErrVersionExpired instead of silently returning stale
// data.
func TestOpenViewAtExpiredVersionReturnsVersionExpired(t *testing.T) {
	cfg := testConfig(t)
	cfg.HistoryLength = 2
	d, err := Open(cfg)
	require.NoError(t, err)
	defer d.Close()

	ctx := context.Background()
	key := []byte{0x00}
	require.NoError(t, d.Upsert(ctx, 1, []trie.Update{{Key: key, Value: []byte("v1")}}))
	require.NoError(t, d.Upsert(ctx, 2, []trie.Update{{Key: key, Value: []byte("v2")}}))
	require.NoError(t, d.Upsert(ctx, 3, []trie.Update{{Key: key, Value: []byte("v3")}}))

	_, err = d.OpenViewAt(1)
	require.ErrorIs(t, err, ErrVersionExpired)

	view, err := d.OpenViewAt(3)
	require.NoError(t, err)
	val, err := view.Find(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("v3"), val)
}

// Multiple batches across versions each see their own snapshot: an OpenView
// taken before a later Upsert keeps returning the value as of its version.
func TestOpenViewIsStableAcrossLaterUpserts(t *testing.T) {
	d, err := Open(testConfig(t))
	require.NoError(t, err)
	defer d.Close()

	ctx := context.Background()
	key := []byte{0x42}
	require.NoError(t, d.Upsert(ctx, 1, []trie.Update{{Key: key, Value: []byte("first")}}))

	view := d.OpenView()
	require.NoError(t, d.Upsert(ctx, 2, []trie.Update{{Key: key, Value: []byte("second")}}))

	stale, err := view.Find(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), stale)

	fresh, err := d.Find(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), fresh)
}

// S5: forcing a compaction pass rewrites affected chunks and republishes the
// root without changing what any key resolves to.
func TestCompactNowPreservesReadsAfterRewrite(t *testing.T) {
	cfg := testConfig(t)
	cfg.Compaction = compaction.Config{Policy: compaction.OldestNPolicy{N: 8}}
	d, err := Open(cfg)
	require.NoError(t, err)
	defer d.Close()

	ctx := context.Background()
	updates := []trie.Update{
		{Key: []byte{0x10}, Value: []byte("a")},
		{Key: []byte{0x20}, Value: []byte("b")},
		{Key: []byte{0x30}, Value: []byte("c")},
	}
	require.NoError(t, d.Upsert(ctx, 1, updates))

	require.NoError(t, d.CompactNow(ctx))
	require.Equal(t, 1, d.CompactionStats().PassesRun)

	for _, u := range updates {
		val, err := d.Find(ctx, u.Key)
		require.NoError(t, err)
		require.Equal(t, u.Value, val)
	}
}

func TestCompactNowWithoutPolicyConfiguredErrors(t *testing.T) {
	d, err := Open(testConfig(t))
	require.NoError(t, err)
	defer d.Close()

	err = d.CompactNow(context.Background())
	require.Error(t, err)
}

// Reopening an existing pool recovers its published root and version.
func TestReopenRecoversPublishedState(t *testing.T) {
	cfg := testConfig(t)
	d, err := Open(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	key := []byte{0x55}
	require.NoError(t, d.Upsert(ctx, 1, []trie.Update{{Key: key, Value: []byte("persisted")}}))
	require.NoError(t, d.Close())

	reopened, err := Open(cfg)
	require.NoError(t, err)
	defer reopened.Close()

	val, err := reopened.Find(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("persisted"), val)
	require.Equal(t, uint64(1), reopened.CurrentVersion())
}

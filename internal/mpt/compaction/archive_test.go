package compaction

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArchiveChunkRoundTrip(t *testing.T) {
	dir := t.TempDir()
	payload := bytes.Repeat([]byte("retired-chunk-bytes "), 20000)

	src := filepath.Join(dir, "chunk.raw")
	require.NoError(t, os.WriteFile(src, payload, 0o600))
	f, err := os.Open(src)
	require.NoError(t, err)
	defer f.Close()

	archivePath := filepath.Join(dir, "chunk.archive")
	require.NoError(t, ArchiveChunk(f, int64(len(payload)), archivePath))

	r, af, err := OpenArchivedChunk(archivePath)
	require.NoError(t, err)
	defer af.Close()
	defer r.Close()

	got := make([]byte, len(payload))
	n, err := r.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.True(t, bytes.Equal(payload, got))
}

func TestArchiveChunkSupportsRandomAccess(t *testing.T) {
	dir := t.TempDir()
	payload := bytes.Repeat([]byte("0123456789"), 40000)

	src := filepath.Join(dir, "chunk.raw")
	require.NoError(t, os.WriteFile(src, payload, 0o600))
	f, err := os.Open(src)
	require.NoError(t, err)
	defer f.Close()

	archivePath := filepath.Join(dir, "chunk.archive")
	require.NoError(t, ArchiveChunk(f, int64(len(payload)), archivePath))

	r, af, err := OpenArchivedChunk(archivePath)
	require.NoError(t, err)
	defer af.Close()
	defer r.Close()

	window := make([]byte, 100)
	n, err := r.ReadAt(window, 300000)
	require.True(t, err == nil || err == io.EOF)
	require.Equal(t, 100, n)
	require.Equal(t, payload[300000:300100], window)
}

package ioengine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestFile(t *testing.T) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backing")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(1<<20))
	t.Cleanup(func() { f.Close() })
	return f
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	f := openTestFile(t)
	e, err := Open(f, Config{ReadBuffers: 2, WriteBuffers: 2, ReadSize: 4096, WriteSize: 4096})
	require.NoError(t, err)
	defer e.Close()

	ctx := context.Background()
	payload := []byte("hello trie node")
	require.NoError(t, e.SubmitWrite(ctx, 128, payload))

	got, err := e.SubmitRead(ctx, 128, len(payload))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestSubmitReadRejectsOversizeRequest(t *testing.T) {
	f := openTestFile(t)
	e, err := Open(f, Config{ReadBuffers: 1, WriteBuffers: 1, ReadSize: 16, WriteSize: 16})
	require.NoError(t, err)
	defer e.Close()

	_, err = e.SubmitRead(context.Background(), 0, 32)
	require.ErrorIs(t, err, ErrIoFailure)
}

func TestSubmitWritePanicsOnBufferExhaustion(t *testing.T) {
	f := openTestFile(t)
	e, err := Open(f, Config{ReadBuffers: 1, WriteBuffers: 1, WriteSize: 4096})
	require.NoError(t, err)
	defer e.Close()

	buf, ok := e.writeBufs.acquire() // simulate one write already in flight
	require.True(t, ok)
	defer e.writeBufs.release(buf)

	require.Panics(t, func() {
		_ = e.SubmitWrite(context.Background(), 0, []byte("won't fit"))
	})
}

func TestInFlightWritesTracksAcquiredBuffers(t *testing.T) {
	f := openTestFile(t)
	e, err := Open(f, Config{ReadBuffers: 1, WriteBuffers: 3, WriteSize: 4096})
	require.NoError(t, err)
	defer e.Close()

	require.Equal(t, 0, e.InFlightWrites())
	buf, ok := e.writeBufs.acquire()
	require.True(t, ok)
	require.Equal(t, 1, e.InFlightWrites())
	e.writeBufs.release(buf)
	require.Equal(t, 0, e.InFlightWrites())
}

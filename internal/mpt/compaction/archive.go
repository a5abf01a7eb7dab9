package compaction

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	seekable "github.com/SaveTheRbtz/zstd-seekable-format-go/pkg"
	"github.com/klauspost/compress/zstd"
)

// archiveFrameSize is the uncompressed frame size used when archiving a
// retired chunk: each frame compresses independently, so a later read of
// one old node only has to decompress the frame it falls in rather than
// the whole archived chunk.
const archiveFrameSize = 256 << 10

var archiveDec *zstd.Decoder

func init() {
	var err error
	archiveDec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("compaction: init zstd decoder: " + err.Error())
	}
}

// ArchiveChunk is called once a chunk has fully cycled out of both rings
// (every reachable node it held has been rewritten forward by a compaction
// pass, and meta.Store.ExpireBelow has dropped every version that could
// still reference it). Rather than discarding the bytes outright, it
// compresses them into a seekable zstd blob at archivePath so an operator
// retains cold access to historical state without holding it at full size
// in the live pool. This is a purely offline, best-effort path: failure to
// archive never blocks reclaiming the chunk for reuse.
func ArchiveChunk(raw io.ReaderAt, size int64, archivePath string) error {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("compaction: new zstd encoder: %w", err)
	}
	defer enc.Close()

	dir := filepath.Dir(archivePath)
	tmp, err := os.CreateTemp(dir, ".archive-*")
	if err != nil {
		return fmt.Errorf("compaction: create temp archive: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	sw, err := seekable.NewWriter(tmp, enc)
	if err != nil {
		cleanup()
		return fmt.Errorf("compaction: new seekable writer: %w", err)
	}

	buf := make([]byte, archiveFrameSize)
	for off := int64(0); off < size; off += archiveFrameSize {
		n := int64(len(buf))
		if off+n > size {
			n = size - off
		}
		if _, err := raw.ReadAt(buf[:n], off); err != nil && err != io.EOF {
			cleanup()
			return fmt.Errorf("compaction: read chunk at %d: %w", off, err)
		}
		if _, err := sw.Write(buf[:n]); err != nil {
			cleanup()
			return fmt.Errorf("compaction: write archive frame: %w", err)
		}
	}
	if err := sw.Close(); err != nil {
		cleanup()
		return fmt.Errorf("compaction: close seekable writer: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, archivePath)
}

// OpenArchivedChunk opens a blob written by ArchiveChunk for random-access
// reads, decompressing only the frame(s) covering the requested range.
// Callers must close both the returned reader and file.
func OpenArchivedChunk(archivePath string) (seekable.Reader, *os.File, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, nil, err
	}
	r, err := seekable.NewReader(f, archiveDec)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return r, f, nil
}

package db

import (
	"fmt"
	"os"

	"github.com/monad-labs/mpt-store/internal/mpt/pool"
)

// sectionBackend adapts a fixed byte range of a pool device's backing file
// into the io.ReaderAt/io.WriterAt pair meta.Store expects, so the metadata
// block lives in its own reserved chunk rather than a separate file. It
// wraps the device's existing file descriptor rather than reopening the
// path, matching how nodeStore's ioengines attach to devices.
type sectionBackend struct {
	f    *os.File
	base int64
	size int64
}

func newSectionBackend(dev pool.Device, base, size int64) *sectionBackend {
	return &sectionBackend{f: os.NewFile(dev.Fd(), dev.Path()), base: base, size: size}
}

func (s *sectionBackend) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > s.size {
		return 0, fmt.Errorf("db: metadata read out of bounds")
	}
	if off+int64(len(p)) > s.size {
		p = p[:s.size-off]
	}
	return s.f.ReadAt(p, s.base+off)
}

func (s *sectionBackend) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > s.size {
		return 0, fmt.Errorf("db: metadata write out of bounds")
	}
	return s.f.WriteAt(p, s.base+off)
}

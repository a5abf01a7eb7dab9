//go:build !linux

package ioengine

import (
	"context"
	"os"
)

// syncRing is the non-Linux fallback: it has no kernel ring to submit into,
// so it dispatches pread/pwrite synchronously from the calling goroutine.
// Bounded concurrency is still enforced by the Engine's bufferPools above
// this type (nothing is registered with the kernel); syncRing only does the
// actual I/O.
type syncRing struct {
	file *os.File
}

func newRing(file *os.File, cfg Config) (ring, error) {
	return &syncRing{file: file}, nil
}

func (r *syncRing) submitRead(ctx context.Context, buf []byte, off int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := r.file.ReadAt(buf, off)
	return err
}

func (r *syncRing) submitWrite(ctx context.Context, buf []byte, off int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := r.file.WriteAt(buf, off)
	return err
}

func (r *syncRing) close() error {
	return nil
}

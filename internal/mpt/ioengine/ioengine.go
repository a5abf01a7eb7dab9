// Package ioengine implements the asynchronous I/O engine (spec C2): a
// single-threaded-per-engine cooperative runtime over a kernel submission
// and completion ring, with fixed read and write buffer pools (ordinary Go
// slices; they are not registered with the kernel). Completions are not
// ordered across operations; callers that need ordering serialize their
// own submissions. Package meta's metadata writes do not go through an
// Engine at all: they use the device's os.File directly.
//
// Exhausting the write buffer pool is not a recoverable condition: every
// write in flight holds a durability promise the caller has already acted
// on, so the engine aborts the process rather than silently dropping or
// reordering a write (see Engine.SubmitWrite).
package ioengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/monad-labs/mpt-store/internal/logging"
)

// Config tunes the ring and its buffer pools.
type Config struct {
	RingEntries     int // submission queue depth
	EnableIOPolling bool
	SQThreadCPU     int // pin the kernel submission thread; -1 or 0 disables (0 is mapped to -1)
	ReadBuffers     int
	WriteBuffers    int
	ReadSize        int // bytes per pooled read buffer
	WriteSize       int // bytes per pooled write buffer
	OpenReadOnly    bool

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.RingEntries <= 0 {
		c.RingEntries = 256
	}
	if c.ReadBuffers <= 0 {
		c.ReadBuffers = 64
	}
	if c.WriteBuffers <= 0 {
		c.WriteBuffers = 64
	}
	if c.ReadSize <= 0 {
		c.ReadSize = 1 << 16
	}
	if c.WriteSize <= 0 {
		c.WriteSize = 1 << 16
	}
	if c.SQThreadCPU == 0 {
		c.SQThreadCPU = -1
	}
}

// ErrIoFailure wraps any underlying ring or syscall error.
var ErrIoFailure = errors.New("ioengine: i/o failure")

// WriteBufferExhausted is the panic value raised when the engine cannot
// honor a write because every pooled write buffer is in flight. There
// is no recovery path: the caller already committed to a durability
// contract (a dirty-bit set, a chunk advance) that a dropped write would
// silently violate, so the process must stop rather than continue on
// corrupted assumptions.
type WriteBufferExhausted struct {
	Requested int
	Capacity  int
}

func (e WriteBufferExhausted) Error() string {
	return fmt.Sprintf("ioengine: write buffer pool exhausted (requested %d of %d)", e.Requested, e.Capacity)
}

// bufferPool is a fixed-capacity pool of fixed-size byte buffers shared by
// every platform's ring. The buffers are ordinary Go slices and are not
// registered with the kernel (there is no IORING_REGISTER_BUFFERS call);
// the pool's free-list caps how many operations are in flight at once.
type bufferPool struct {
	mu    sync.Mutex
	free  [][]byte
	size  int
	total int
}

func newBufferPool(count, size int) *bufferPool {
	p := &bufferPool{size: size, total: count}
	for i := 0; i < count; i++ {
		p.free = append(p.free, make([]byte, size))
	}
	return p
}

func (p *bufferPool) acquire() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil, false
	}
	n := len(p.free) - 1
	buf := p.free[n]
	p.free = p.free[:n]
	return buf, true
}

func (p *bufferPool) release(buf []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, buf[:cap(buf)])
}

func (p *bufferPool) inUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total - len(p.free)
}

// Engine submits reads and writes against a single backing file through a
// kernel ring, staging every operation in a buffer from a fixed pool. The
// buffers are not registered with the kernel, and data is copied into and
// out of them on every operation.
type Engine struct {
	cfg    Config
	file   *os.File
	logger *slog.Logger

	readBufs  *bufferPool
	writeBufs *bufferPool

	ring ring
}

// ring is the platform-specific submission/completion mechanism. The linux
// build submits through io_uring; every other platform falls back to
// synchronous pread/pwrite on the calling goroutine. The fallback has no
// worker pool and no completion callbacks; the Engine's buffer pools still
// bound how many operations are in flight.
type ring interface {
	submitRead(ctx context.Context, buf []byte, off int64) error
	submitWrite(ctx context.Context, buf []byte, off int64) error
	close() error
}

// Open constructs an Engine over file. Close releases the ring and its
// buffer pools; Open never creates or truncates the file, matching the
// storage pool's ownership of device lifecycle.
func Open(file *os.File, cfg Config) (*Engine, error) {
	cfg.setDefaults()
	logger := logging.Default(cfg.Logger).With("component", "ioengine")

	e := &Engine{
		cfg:       cfg,
		file:      file,
		logger:    logger,
		readBufs:  newBufferPool(cfg.ReadBuffers, cfg.ReadSize),
		writeBufs: newBufferPool(cfg.WriteBuffers, cfg.WriteSize),
	}

	r, err := newRing(file, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIoFailure, err)
	}
	e.ring = r

	logger.Info("ring opened", "entries", cfg.RingEntries, "read_buffers", cfg.ReadBuffers, "write_buffers", cfg.WriteBuffers)
	return e, nil
}

// SubmitRead reads length bytes at off into a pooled buffer and returns
// a copy sized exactly to length. Read buffer exhaustion blocks the caller
// (a reader can simply wait its turn) rather than aborting: unlike a write,
// a delayed read carries no durability promise that silent failure would
// violate.
func (e *Engine) SubmitRead(ctx context.Context, off int64, length int) ([]byte, error) {
	if length > e.readBufs.size {
		return nil, fmt.Errorf("%w: read of %d bytes exceeds registered buffer size %d", ErrIoFailure, length, e.readBufs.size)
	}

	var buf []byte
	for {
		if b, ok := e.readBufs.acquire(); ok {
			buf = b
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
	defer e.readBufs.release(buf)

	if err := e.ring.submitRead(ctx, buf[:length], off); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIoFailure, err)
	}
	out := make([]byte, length)
	copy(out, buf[:length])
	return out, nil
}

// SubmitWrite durably writes data at off. If every pooled write buffer
// is currently in flight, the engine raises WriteBufferExhausted as a panic
// rather than blocking or returning an error: see the package doc comment.
func (e *Engine) SubmitWrite(ctx context.Context, off int64, data []byte) error {
	if len(data) > e.writeBufs.size {
		return fmt.Errorf("%w: write of %d bytes exceeds registered buffer size %d", ErrIoFailure, len(data), e.writeBufs.size)
	}

	buf, ok := e.writeBufs.acquire()
	if !ok {
		panic(WriteBufferExhausted{Requested: 1, Capacity: e.cfg.WriteBuffers})
	}
	defer e.writeBufs.release(buf)

	n := copy(buf, data)
	if err := e.ring.submitWrite(ctx, buf[:n], off); err != nil {
		return fmt.Errorf("%w: %v", ErrIoFailure, err)
	}
	return nil
}

// InFlightWrites reports how many write buffers are currently checked out,
// for callers (the compactor, mainly) that want to throttle before they'd
// hit exhaustion rather than after.
func (e *Engine) InFlightWrites() int {
	return e.writeBufs.inUse()
}

// Close releases the ring and its mapped memory.
func (e *Engine) Close() error {
	return e.ring.close()
}

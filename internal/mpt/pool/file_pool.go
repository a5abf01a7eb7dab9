package pool

import (
	"cmp"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"syscall"

	"github.com/monad-labs/mpt-store/internal/logging"
)

// Config configures a FilePool. Devices are opened in the order given and
// chunks are spread across them round-robin as the free list is built.
type Config struct {
	// Devices are paths to backing files (or block device nodes). At
	// least one is required.
	Devices []string

	// ChunkSize is the fixed size, in bytes, of every chunk. Must be a
	// multiple of PageSize.
	ChunkSize int64

	// ChunksPerDevice is how many chunks to carve out of each device on
	// first open. Ignored when reopening an existing pool (the on-disk
	// layout is discovered instead).
	ChunksPerDevice int

	// PageSize is the disk page size all I/O must be a multiple of.
	// Defaults to 4096.
	PageSize uint64

	// ReadOnly opens every device O_RDONLY and rejects AdvanceFast,
	// AdvanceSlow, and ReleaseChunk.
	ReadOnly bool

	// Logger is scoped with component="storage-pool" at construction.
	Logger *slog.Logger

	// ReservedChunks are carved out on first open but never added to the
	// free list, so AdvanceFast/AdvanceSlow can never hand them out. The
	// caller addresses them directly via ActivateChunk instead (the
	// metadata block uses this to claim a fixed chunk for itself).
	ReservedChunks []ChunkID
}

var (
	ErrMissingDevices = fmt.Errorf("pool: at least one backing device is required")
	ErrInvalidChunkSize = fmt.Errorf("pool: chunk size must be a positive multiple of page size")
	ErrDirectoryLocked = fmt.Errorf("pool: backing device is locked by another process")
)

type fileDevice struct {
	f    *os.File
	path string
	size int64
}

func (d *fileDevice) Fd() uintptr  { return d.f.Fd() }
func (d *fileDevice) Size() int64  { return d.size }
func (d *fileDevice) Path() string { return d.path }

type chunkSlot struct {
	id        ChunkID
	seq       uint64
	deviceIdx int
	baseOff   int64
	ring      Ring   // meaningful only if active
	active    bool   // true if currently on a ring
	released  bool   // true if never allocated or returned to free list
}

// FilePool is the default Pool implementation: chunks are fixed-size byte
// ranges of one or more regular files, opened O_RDWR|O_CREATE (or O_RDONLY)
// and flock'd against a second writer. Every read and write still goes
// through the page cache; see DESIGN.md's pool entry for why O_DIRECT isn't
// wired in yet.
type FilePool struct {
	mu      sync.Mutex
	cfg     Config
	devices []*fileDevice
	slots   map[ChunkID]*chunkSlot
	free    []ChunkID
	fast    []ChunkID // ring order, head = last element
	slow    []ChunkID
	nextDev int
	closed  bool
	logger  *slog.Logger
}

// Open creates or attaches to a FilePool described by cfg.
func Open(cfg Config) (*FilePool, error) {
	if len(cfg.Devices) == 0 {
		return nil, ErrMissingDevices
	}
	cfg.PageSize = cmp.Or(cfg.PageSize, 4096)
	if cfg.ChunkSize <= 0 || cfg.ChunkSize%int64(cfg.PageSize) != 0 {
		return nil, ErrInvalidChunkSize
	}
	if cfg.ChunksPerDevice <= 0 {
		cfg.ChunksPerDevice = 16
	}

	logger := logging.Default(cfg.Logger).With("component", "storage-pool")

	p := &FilePool{
		cfg:    cfg,
		slots:  make(map[ChunkID]*chunkSlot),
		logger: logger,
	}

	flags := os.O_RDWR | os.O_CREATE
	if cfg.ReadOnly {
		flags = os.O_RDONLY
	}

	var id ChunkID
	perDevFree := make([][]ChunkID, len(cfg.Devices))
	for devIdx, path := range cfg.Devices {
		f, err := os.OpenFile(path, flags, 0o644)
		if err != nil {
			p.closeDevices()
			return nil, fmt.Errorf("pool: open device %q: %w", path, err)
		}
		if !cfg.ReadOnly {
			if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
				f.Close()
				p.closeDevices()
				return nil, fmt.Errorf("%w: %q", ErrDirectoryLocked, path)
			}
		}

		wantSize := cfg.ChunkSize * int64(cfg.ChunksPerDevice)
		if !cfg.ReadOnly {
			if st, err := f.Stat(); err == nil && st.Size() == 0 {
				if err := f.Truncate(wantSize); err != nil {
					f.Close()
					p.closeDevices()
					return nil, fmt.Errorf("pool: truncate device %q: %w", path, err)
				}
			}
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			p.closeDevices()
			return nil, err
		}

		dev := &fileDevice{f: f, path: path, size: info.Size()}
		p.devices = append(p.devices, dev)

		chunksHere := info.Size() / cfg.ChunkSize
		for i := int64(0); i < chunksHere; i++ {
			slot := &chunkSlot{
				id:        id,
				seq:       0,
				deviceIdx: devIdx,
				baseOff:   i * cfg.ChunkSize,
				released:  true,
			}
			p.slots[id] = slot
			if !slices.Contains(cfg.ReservedChunks, id) {
				perDevFree[devIdx] = append(perDevFree[devIdx], id)
			}
			id++
		}
	}

	// Interleave the per-device lists so consecutive allocations alternate
	// devices.
	for i := 0; ; i++ {
		added := false
		for _, ids := range perDevFree {
			if i < len(ids) {
				p.free = append(p.free, ids[i])
				added = true
			}
		}
		if !added {
			break
		}
	}

	logger.Info("pool opened", "devices", len(p.devices), "chunks", len(p.slots), "read_only", cfg.ReadOnly)
	return p, nil
}

func (p *FilePool) closeDevices() {
	for _, d := range p.devices {
		d.f.Close()
	}
}

func (p *FilePool) ActivateChunk(seq uint64, id ChunkID) (ChunkHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot, ok := p.slots[id]
	if !ok {
		return ChunkHandle{}, fmt.Errorf("pool: unknown chunk %d", id)
	}
	if slot.seq != seq {
		return ChunkHandle{}, ErrChunkRecycled
	}
	return ChunkHandle{
		ID:         id,
		Seq:        slot.seq,
		DeviceIdx:  slot.deviceIdx,
		BaseOffset: slot.baseOff,
		Size:       p.cfg.ChunkSize,
	}, nil
}

func (p *FilePool) AdvanceFast() (ChunkID, error) {
	return p.advance(RingFast)
}

func (p *FilePool) AdvanceSlow() (ChunkID, error) {
	return p.advance(RingSlow)
}

func (p *FilePool) advance(ring Ring) (ChunkID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cfg.ReadOnly {
		return 0, ErrReadOnly
	}
	if len(p.free) == 0 {
		return 0, ErrNoFreeChunks
	}

	id := p.free[0]
	p.free = p.free[1:]

	slot := p.slots[id]
	slot.seq++
	slot.active = true
	slot.released = false
	slot.ring = ring

	if ring == RingFast {
		p.fast = append(p.fast, id)
	} else {
		p.slow = append(p.slow, id)
	}

	p.logger.Debug("chunk advanced", "ring", ring, "chunk", uint64(id), "seq", slot.seq)
	return id, nil
}

func (p *FilePool) ReleaseChunk(id ChunkID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cfg.ReadOnly {
		return ErrReadOnly
	}
	slot, ok := p.slots[id]
	if !ok {
		return fmt.Errorf("pool: unknown chunk %d", id)
	}
	if slot.ring == RingFast && len(p.fast) > 0 && p.fast[len(p.fast)-1] == id {
		return ErrChunkInUse
	}
	if slot.ring == RingSlow && len(p.slow) > 0 && p.slow[len(p.slow)-1] == id {
		return ErrChunkInUse
	}

	slot.active = false
	slot.released = true
	slot.seq++ // invalidate the released generation immediately
	p.removeFromRing(id, slot.ring)
	p.free = append(p.free, id)

	p.logger.Debug("chunk released", "chunk", uint64(id), "seq", slot.seq)
	return nil
}

func (p *FilePool) removeFromRing(id ChunkID, ring Ring) {
	list := &p.fast
	if ring == RingSlow {
		list = &p.slow
	}
	for i, cid := range *list {
		if cid == id {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
}

func (p *FilePool) CurrentSeq(id ChunkID) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, ok := p.slots[id]
	if !ok {
		return 0, fmt.Errorf("pool: unknown chunk %d", id)
	}
	return slot.seq, nil
}

func (p *FilePool) FastHead() (ChunkID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.fast) == 0 {
		return 0, false
	}
	return p.fast[len(p.fast)-1], true
}

func (p *FilePool) SlowHead() (ChunkID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.slow) == 0 {
		return 0, false
	}
	return p.slow[len(p.slow)-1], true
}

// FastRing returns a copy of the fast ring, oldest chunk first.
func (p *FilePool) FastRing() []ChunkID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ChunkID(nil), p.fast...)
}

// SlowRing returns a copy of the slow ring, oldest chunk first.
func (p *FilePool) SlowRing() []ChunkID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ChunkID(nil), p.slow...)
}

func (p *FilePool) Device(idx int) (Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.devices) {
		return nil, fmt.Errorf("pool: invalid device index %d", idx)
	}
	return p.devices[idx], nil
}

func (p *FilePool) ReadOnly() bool { return p.cfg.ReadOnly }

// ChunkSize returns the fixed chunk size this pool was configured with, for
// callers (compaction) that need to resolve a flat byte address to its
// owning chunk via ChunkOf.
func (p *FilePool) ChunkSize() int64 { return p.cfg.ChunkSize }

func (p *FilePool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	var firstErr error
	for _, d := range p.devices {
		if !p.cfg.ReadOnly {
			syscall.Flock(int(d.f.Fd()), syscall.LOCK_UN)
		}
		if err := d.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.logger.Info("pool closed")
	return firstErr
}

// Package meta implements the metadata and history manager (spec C6): the
// dual-slot, dirty-bit-protected metadata block that records the current
// root offset per version, the oldest retained version, the pool's free
// list and ring heads, and per-chunk sequence numbers.
//
// The metadata block lives in two slots on a dedicated chunk. Publish sets
// a dirty bit, writes the inactive slot, then clears the dirty bit only
// after the slot write has returned; there is no flush between the two
// writes, so the ordering is that of the WriteAt calls. A reader that
// samples the dirty bit mid-write observes it set; the clear is issued
// after the payload write rather than relying on a memcpy race (see SPEC_FULL.md's Open Question decisions).
package meta

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/monad-labs/mpt-store/internal/mpt/nodecodec"
	"github.com/monad-labs/mpt-store/internal/mpt/pool"
)

const (
	magic         = 0x4d4f4e41 // "MONA"
	formatVersion = 1

	headerBytes = 4 /*magic*/ + 2 /*format*/ + 2 /*flags*/ + 4 /*dirty*/ + 4 /*active slot*/ + 16 /*instance id*/

	dirtyFlagBit = uint32(1)
)

var (
	// ErrMetadataDirtyAtOpen is returned by Open in read-only mode when the
	// shared metadata block shows an in-progress write and no writer is
	// attached to complete or roll it back.
	ErrMetadataDirtyAtOpen = errors.New("meta: metadata dirty at open, no writer to recover")

	// ErrCorruptHeader flags a metadata header that fails its magic/version check.
	ErrCorruptHeader = errors.New("meta: corrupt metadata header")

	// ErrVersionExpired is returned by VerifyVersion for versions below MinVersion.
	ErrVersionExpired = errors.New("meta: version has expired")

	// ErrVersionUnknown is returned for versions above MaxVersion.
	ErrVersionUnknown = errors.New("meta: version does not exist yet")

	// ErrCapacityExceeded is returned when a slot payload would not fit the
	// configured fixed capacities (history length, free-chunk list, chunk table).
	ErrCapacityExceeded = errors.New("meta: slot payload exceeds configured capacity")
)

// Root is the published root offset for one version.
type Root struct {
	Version uint64
	Offset  pool.VirtualOffset
}

// State is the full durable content of one metadata slot.
type State struct {
	MaxVersion uint64
	MinVersion uint64
	FastRing   []pool.ChunkID // oldest first, head (active append target) last; empty means no fast chunk allocated
	SlowRing   []pool.ChunkID
	FreeChunks []pool.ChunkID
	ChunkSeqs  map[pool.ChunkID]uint64
	Roots      []Root // sorted ascending by Version, len <= HistoryLength
}

func (s State) clone() State {
	out := s
	out.FastRing = append([]pool.ChunkID(nil), s.FastRing...)
	out.SlowRing = append([]pool.ChunkID(nil), s.SlowRing...)
	out.FreeChunks = append([]pool.ChunkID(nil), s.FreeChunks...)
	out.Roots = append([]Root(nil), s.Roots...)
	out.ChunkSeqs = make(map[pool.ChunkID]uint64, len(s.ChunkSeqs))
	for k, v := range s.ChunkSeqs {
		out.ChunkSeqs[k] = v
	}
	return out
}

// Config bounds the fixed-size capacities baked into every slot so slot
// size is constant regardless of content.
type Config struct {
	HistoryLength  int // max number of (version, root) pairs retained
	MaxFreeChunks  int
	MaxTrackedChunks int
}

// Store persists the dual-slot metadata block to an io.ReaderAt/WriterAt
// (typically the dedicated metadata chunk resolved via pool.ActivateChunk).
type Store struct {
	mu         sync.Mutex
	rw         io.ReaderAt
	w          io.WriterAt
	cfg        Config
	instanceID uuid.UUID
	activeSlot uint32
	slotSize   int64
	readOnly   bool

	current State
}

// Open reads the metadata header and the active slot. If the dirty bit is
// set and readOnly is true, it returns ErrMetadataDirtyAtOpen. If dirty and
// !readOnly, the writer recovers to the slot named by active_slot (the
// torn write, if any, was to the *other* slot and never got promoted) and
// immediately clears the dirty bit, matching "writer-mode open recovers to
// the previously published root".
func Open(rw io.ReaderAt, w io.WriterAt, cfg Config, readOnly bool) (*Store, error) {
	if cfg.HistoryLength <= 0 {
		cfg.HistoryLength = 16
	}
	if cfg.MaxFreeChunks <= 0 {
		cfg.MaxFreeChunks = 4096
	}
	if cfg.MaxTrackedChunks <= 0 {
		cfg.MaxTrackedChunks = 4096
	}

	s := &Store{rw: rw, w: w, cfg: cfg, readOnly: readOnly}
	s.slotSize = slotPayloadSize(cfg)

	hdr := make([]byte, headerBytes)
	n, err := rw.ReadAt(hdr, 0)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("meta: read header: %w", err)
	}
	if n < headerBytes || binary.LittleEndian.Uint32(hdr[0:4]) == 0 {
		// Fresh metadata chunk (short read, or the zero-filled header of a
		// newly carved chunk): initialize in memory, caller must Publish
		// at least once before any version becomes visible.
		s.instanceID = uuid.Must(uuid.NewV7())
		s.current = State{ChunkSeqs: map[pool.ChunkID]uint64{}}
		return s, nil
	}

	m := binary.LittleEndian.Uint32(hdr[0:4])
	if m != magic {
		return nil, ErrCorruptHeader
	}
	ver := binary.LittleEndian.Uint16(hdr[4:6])
	if ver != formatVersion {
		return nil, fmt.Errorf("%w: format version %d", ErrCorruptHeader, ver)
	}
	dirty := binary.LittleEndian.Uint32(hdr[8:12])
	active := binary.LittleEndian.Uint32(hdr[12:16])
	copy(s.instanceID[:], hdr[16:32])
	s.activeSlot = active % 2

	isDirty := dirty&dirtyFlagBit != 0
	if isDirty && readOnly {
		return nil, ErrMetadataDirtyAtOpen
	}

	state, err := s.readSlot(s.activeSlot)
	if err != nil {
		return nil, fmt.Errorf("meta: read active slot: %w", err)
	}
	s.current = state

	if isDirty && !readOnly {
		if err := s.writeHeader(s.activeSlot, false); err != nil {
			return nil, fmt.Errorf("meta: clear stale dirty bit: %w", err)
		}
	}
	return s, nil
}

func slotPayloadSize(cfg Config) int64 {
	// MaxVersion, MinVersion: 8+8
	// FastRing, SlowRing: each a 4-byte count + up to MaxFreeChunks*8 (a
	// ring can hold at most as many chunks as the pool has to give it)
	// FreeChunks: 4-byte count + MaxFreeChunks*8
	// ChunkSeqs: 4-byte count + MaxTrackedChunks*(8+8)
	// Roots: 4-byte count + HistoryLength*(8 version + 8 chunk + 8 byteoffset + 8 seq)
	size := int64(8+8) + 2*(4+int64(cfg.MaxFreeChunks)*8) +
		4 + int64(cfg.MaxFreeChunks)*8 +
		4 + int64(cfg.MaxTrackedChunks)*16 +
		4 + int64(cfg.HistoryLength)*32
	return size
}

func (s *Store) slotOffset(slot uint32) int64 {
	return int64(headerBytes) + int64(slot)*s.slotSize
}

func (s *Store) writeHeader(activeSlot uint32, dirty bool) error {
	buf := make([]byte, headerBytes)
	binary.LittleEndian.PutUint32(buf[0:4], magic)
	binary.LittleEndian.PutUint16(buf[4:6], formatVersion)
	binary.LittleEndian.PutUint16(buf[6:8], 0)
	var d uint32
	if dirty {
		d = dirtyFlagBit
	}
	binary.LittleEndian.PutUint32(buf[8:12], d)
	binary.LittleEndian.PutUint32(buf[12:16], activeSlot)
	copy(buf[16:32], s.instanceID[:])
	_, err := s.w.WriteAt(buf, 0)
	return err
}

func (s *Store) readSlot(slot uint32) (State, error) {
	buf := make([]byte, s.slotSize)
	if _, err := s.rw.ReadAt(buf, s.slotOffset(slot)); err != nil && err != io.EOF {
		return State{}, err
	}
	return decodeState(buf)
}

// Publish records a new root for version under the dirty-bit protocol:
// set dirty, write the inactive slot with the new state, clear dirty and
// flip active_slot in a single header write. Only after that header write
// completes is the new version visible to readers that reopen or re-sample.
func (s *Store) Publish(version uint64, root pool.VirtualOffset) error {
	if s.readOnly {
		return pool.ErrReadOnly
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.clone()
	next.MaxVersion = version
	next.Roots = append(next.Roots, Root{Version: version, Offset: root})
	if len(next.Roots) > s.cfg.HistoryLength {
		drop := len(next.Roots) - s.cfg.HistoryLength
		next.Roots = next.Roots[drop:]
		next.MinVersion = next.Roots[0].Version
	}
	if len(next.FreeChunks) > s.cfg.MaxFreeChunks || len(next.ChunkSeqs) > s.cfg.MaxTrackedChunks {
		return ErrCapacityExceeded
	}

	targetSlot := 1 - s.activeSlot
	if err := s.writeHeader(s.activeSlot, true); err != nil {
		return fmt.Errorf("meta: set dirty: %w", err)
	}
	payload, err := encodeState(next, s.slotSize)
	if err != nil {
		return err
	}
	if _, err := s.w.WriteAt(payload, s.slotOffset(targetSlot)); err != nil {
		return fmt.Errorf("meta: write slot: %w", err)
	}
	if err := s.writeHeader(targetSlot, false); err != nil {
		return fmt.Errorf("meta: clear dirty: %w", err)
	}

	s.activeSlot = targetSlot
	s.current = next
	return nil
}

// RepointLatest updates the offset of the most recently published root in
// place, without allocating a new version. Compaction uses this to publish
// the outcome of a rewrite-forward pass: the logical content at the latest
// version is unchanged, only its physical location moved.
func (s *Store) RepointLatest(newRoot pool.VirtualOffset) error {
	if s.readOnly {
		return pool.ErrReadOnly
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.current.Roots) == 0 {
		return fmt.Errorf("meta: no published root to repoint")
	}

	next := s.current.clone()
	next.Roots[len(next.Roots)-1].Offset = newRoot

	targetSlot := 1 - s.activeSlot
	if err := s.writeHeader(s.activeSlot, true); err != nil {
		return fmt.Errorf("meta: set dirty: %w", err)
	}
	payload, err := encodeState(next, s.slotSize)
	if err != nil {
		return err
	}
	if _, err := s.w.WriteAt(payload, s.slotOffset(targetSlot)); err != nil {
		return fmt.Errorf("meta: write slot: %w", err)
	}
	if err := s.writeHeader(targetSlot, false); err != nil {
		return fmt.Errorf("meta: clear dirty: %w", err)
	}

	s.activeSlot = targetSlot
	s.current = next
	return nil
}

// ExpireBelow advances MinVersion to v and drops root entries older than v.
// It returns the ChunkID field of each dropped root's offset. It does not
// track which versions still have nodes in a chunk, so a returned chunk may
// still hold nodes that retained versions reach, and it releases nothing to
// the pool's free list.
func (s *Store) ExpireBelow(v uint64) ([]pool.ChunkID, error) {
	if s.readOnly {
		return nil, pool.ErrReadOnly
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.clone()
	var candidates []pool.ChunkID
	kept := next.Roots[:0:0]
	for _, r := range next.Roots {
		if r.Version < v {
			candidates = append(candidates, r.Offset.ChunkID)
			continue
		}
		kept = append(kept, r)
	}
	next.Roots = kept
	if v > next.MinVersion {
		next.MinVersion = v
	}

	targetSlot := 1 - s.activeSlot
	if err := s.writeHeader(s.activeSlot, true); err != nil {
		return nil, err
	}
	payload, err := encodeState(next, s.slotSize)
	if err != nil {
		return nil, err
	}
	if _, err := s.w.WriteAt(payload, s.slotOffset(targetSlot)); err != nil {
		return nil, err
	}
	if err := s.writeHeader(targetSlot, false); err != nil {
		return nil, err
	}

	s.activeSlot = targetSlot
	s.current = next
	return candidates, nil
}

// VerifyVersion performs the cheap check that v falls within
// [MinVersion, MaxVersion], used inside trie walks before any on-disk read.
func (s *Store) VerifyVersion(v uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v > s.current.MaxVersion {
		return ErrVersionUnknown
	}
	if v < s.current.MinVersion {
		return ErrVersionExpired
	}
	return nil
}

// RootFor returns the published root offset for a version, which must
// already have passed VerifyVersion.
func (s *Store) RootFor(v uint64) (pool.VirtualOffset, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.current.Roots) - 1; i >= 0; i-- {
		if s.current.Roots[i].Version <= v {
			return s.current.Roots[i].Offset, true
		}
	}
	return pool.VirtualOffset{}, false
}

// Snapshot returns a copy of the current durable state, used by the pool
// to rehydrate its in-memory free list and ring heads after reopen.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.clone()
}

// RecordPoolState persists the pool's volatile bookkeeping (both rings in
// full, free list, per-chunk sequence numbers) so a restart can rehydrate
// it. This is merged into the next Publish/ExpireBelow rather than written
// standalone, keeping every durable write inside the dirty-bit protocol.
// Not yet called anywhere: FilePool.Open currently rebuilds its free list
// by scanning devices rather than rehydrating ring membership from here,
// so a restart loses ring order today.
func (s *Store) RecordPoolState(fast, slow, free []pool.ChunkID, seqs map[pool.ChunkID]uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.FastRing = append([]pool.ChunkID(nil), fast...)
	s.current.SlowRing = append([]pool.ChunkID(nil), slow...)
	s.current.FreeChunks = append([]pool.ChunkID(nil), free...)
	s.current.ChunkSeqs = make(map[pool.ChunkID]uint64, len(seqs))
	for k, v := range seqs {
		s.current.ChunkSeqs[k] = v
	}
}

// Resolve turns a nodecodec.Offset plus its owning chunk into a full
// pool.VirtualOffset using the current known sequence number for that
// chunk, for callers assembling a new root to publish.
func (s *Store) Resolve(chunkID pool.ChunkID, seq uint64, off nodecodec.Offset) pool.VirtualOffset {
	return pool.VirtualOffset{ChunkID: chunkID, ByteOffset: off.ByteOffset, Seq: seq}
}

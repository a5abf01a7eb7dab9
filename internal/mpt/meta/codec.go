package meta

import (
	"encoding/binary"
	"fmt"

	"github.com/monad-labs/mpt-store/internal/mpt/pool"
)

func requiredSize(s State) int64 {
	return int64(8+8) +
		4 + int64(len(s.FastRing))*8 +
		4 + int64(len(s.SlowRing))*8 +
		4 + int64(len(s.FreeChunks))*8 +
		4 + int64(len(s.ChunkSeqs))*16 +
		4 + int64(len(s.Roots))*32
}

func encodeState(s State, slotSize int64) ([]byte, error) {
	if requiredSize(s) > slotSize {
		return nil, ErrCapacityExceeded
	}

	buf := make([]byte, slotSize)
	off := 0

	binary.LittleEndian.PutUint64(buf[off:], s.MaxVersion)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], s.MinVersion)
	off += 8

	putRing := func(ring []pool.ChunkID) {
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(ring)))
		off += 4
		for _, id := range ring {
			binary.LittleEndian.PutUint64(buf[off:], uint64(id))
			off += 8
		}
	}
	putRing(s.FastRing)
	putRing(s.SlowRing)

	binary.LittleEndian.PutUint32(buf[off:], uint32(len(s.FreeChunks)))
	off += 4
	for _, id := range s.FreeChunks {
		binary.LittleEndian.PutUint64(buf[off:], uint64(id))
		off += 8
	}

	binary.LittleEndian.PutUint32(buf[off:], uint32(len(s.ChunkSeqs)))
	off += 4
	for id, seq := range s.ChunkSeqs {
		binary.LittleEndian.PutUint64(buf[off:], uint64(id))
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], seq)
		off += 8
	}

	binary.LittleEndian.PutUint32(buf[off:], uint32(len(s.Roots)))
	off += 4
	for _, r := range s.Roots {
		binary.LittleEndian.PutUint64(buf[off:], r.Version)
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], uint64(r.Offset.ChunkID))
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], r.Offset.ByteOffset)
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], r.Offset.Seq)
		off += 8
	}

	return buf, nil
}

func decodeState(buf []byte) (State, error) {
	if len(buf) < 8+8+4+4+4 {
		return State{}, fmt.Errorf("%w: slot too small", ErrCorruptHeader)
	}
	off := 0
	s := State{ChunkSeqs: map[pool.ChunkID]uint64{}}

	s.MaxVersion = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	s.MinVersion = binary.LittleEndian.Uint64(buf[off:])
	off += 8

	getRing := func() ([]pool.ChunkID, error) {
		if off+4 > len(buf) {
			return nil, fmt.Errorf("%w: truncated ring", ErrCorruptHeader)
		}
		count := int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		var ring []pool.ChunkID
		for i := 0; i < count; i++ {
			if off+8 > len(buf) {
				return nil, fmt.Errorf("%w: truncated ring", ErrCorruptHeader)
			}
			ring = append(ring, pool.ChunkID(binary.LittleEndian.Uint64(buf[off:])))
			off += 8
		}
		return ring, nil
	}
	var err error
	if s.FastRing, err = getRing(); err != nil {
		return State{}, err
	}
	if s.SlowRing, err = getRing(); err != nil {
		return State{}, err
	}

	freeCount := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	for i := 0; i < freeCount; i++ {
		if off+8 > len(buf) {
			return State{}, fmt.Errorf("%w: truncated free list", ErrCorruptHeader)
		}
		s.FreeChunks = append(s.FreeChunks, pool.ChunkID(binary.LittleEndian.Uint64(buf[off:])))
		off += 8
	}

	seqCount := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	for i := 0; i < seqCount; i++ {
		if off+16 > len(buf) {
			return State{}, fmt.Errorf("%w: truncated chunk seq table", ErrCorruptHeader)
		}
		id := pool.ChunkID(binary.LittleEndian.Uint64(buf[off:]))
		off += 8
		seq := binary.LittleEndian.Uint64(buf[off:])
		off += 8
		s.ChunkSeqs[id] = seq
	}

	rootCount := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	for i := 0; i < rootCount; i++ {
		if off+32 > len(buf) {
			return State{}, fmt.Errorf("%w: truncated root list", ErrCorruptHeader)
		}
		var r Root
		r.Version = binary.LittleEndian.Uint64(buf[off:])
		off += 8
		r.Offset.ChunkID = pool.ChunkID(binary.LittleEndian.Uint64(buf[off:]))
		off += 8
		r.Offset.ByteOffset = binary.LittleEndian.Uint64(buf[off:])
		off += 8
		r.Offset.Seq = binary.LittleEndian.Uint64(buf[off:])
		off += 8
		s.Roots = append(s.Roots, r)
	}

	return s, nil
}

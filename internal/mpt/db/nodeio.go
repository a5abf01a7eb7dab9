package db

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/monad-labs/mpt-store/internal/mpt/ioengine"
	"github.com/monad-labs/mpt-store/internal/mpt/nodecodec"
	"github.com/monad-labs/mpt-store/internal/mpt/pool"
	"github.com/monad-labs/mpt-store/internal/mpt/trie"
)

// maxReadPages bounds the speculative read-expansion loop in nodeStore.
// LoadNode below: no node can legitimately span more pages than fit in
// nodecodec's 15-bit spare-bits field, so a decode that's still truncated
// past this point means the address is corrupt, not merely under-read.
const maxReadPages = 1 << 15

// nodeStore implements trie.NodeLoader and trie.NodeWriter over a pool.Pool
// and one ioengine.Engine per backing device, addressing every node by a
// flat byte offset spanning every chunk (see DESIGN.md's note on
// pool.ChunkOf). A pool.VirtualOffset carries only that flat address, not
// how many pages the node spans, so LoadNode recovers the span by reading
// speculatively: start at one page and double until nodecodec.Decode stops
// reporting truncation, mirroring how a reader with no out-of-band length
// has to behave against a packed, page-granular format.
// ringCursor tracks the in-progress append chunk for one ring: the next
// WriteNode call for that ring lands at curOffset within curChunk, unless
// it doesn't fit, in which case a fresh chunk is advanced onto the ring.
type ringCursor struct {
	hasCur    bool
	curChunk  pool.ChunkID
	curSeq    uint64
	curOffset int64
}

type nodeStore struct {
	mu        sync.Mutex
	p         pool.Pool
	engines   []*ioengine.Engine
	chunkSize int64

	fast ringCursor
	slow ringCursor
}

func newNodeStore(p pool.Pool, engines []*ioengine.Engine, chunkSize int64) *nodeStore {
	return &nodeStore{p: p, engines: engines, chunkSize: chunkSize}
}

// openEngines opens one ioengine.Engine per device in p, wrapping each
// device's already-open file descriptor rather than reopening the path.
func openEngines(p pool.Pool, deviceCount int, cfg ioengine.Config) ([]*ioengine.Engine, error) {
	engines := make([]*ioengine.Engine, 0, deviceCount)
	for i := 0; i < deviceCount; i++ {
		dev, err := p.Device(i)
		if err != nil {
			closeEngines(engines)
			return nil, err
		}
		f := os.NewFile(dev.Fd(), dev.Path())
		e, err := ioengine.Open(f, cfg)
		if err != nil {
			closeEngines(engines)
			return nil, fmt.Errorf("db: open io engine for device %d: %w", i, err)
		}
		engines = append(engines, e)
	}
	return engines, nil
}

func closeEngines(engines []*ioengine.Engine) {
	for _, e := range engines {
		e.Close()
	}
}

func (s *nodeStore) resolve(globalOff uint64) (pool.ChunkHandle, uint64, error) {
	chunkID := pool.ChunkOf(globalOff, s.chunkSize)
	seq, err := s.p.CurrentSeq(chunkID)
	if err != nil {
		return pool.ChunkHandle{}, 0, fmt.Errorf("db: resolve chunk %d: %w", chunkID, err)
	}
	handle, err := s.p.ActivateChunk(seq, chunkID)
	if err != nil {
		return pool.ChunkHandle{}, 0, fmt.Errorf("db: activate chunk %d: %w", chunkID, err)
	}
	withinChunk := globalOff - uint64(chunkID)*uint64(s.chunkSize)
	return handle, withinChunk, nil
}

// LoadNode reads and decodes the node at off, starting with one page and
// doubling the read length until decode succeeds.
func (s *nodeStore) LoadNode(ctx context.Context, off pool.VirtualOffset) (*nodecodec.Node, error) {
	handle, withinChunk, err := s.resolve(off.ByteOffset)
	if err != nil {
		return nil, err
	}
	if handle.DeviceIdx < 0 || handle.DeviceIdx >= len(s.engines) {
		return nil, fmt.Errorf("db: device index %d out of range", handle.DeviceIdx)
	}
	engine := s.engines[handle.DeviceIdx]
	fileOff := handle.BaseOffset + int64(withinChunk)

	for pages := 1; pages <= maxReadPages; pages *= 2 {
		length := pages * nodecodec.PageSize
		if remaining := handle.Size - int64(withinChunk); int64(length) > remaining {
			length = int(remaining)
		}
		buf, err := engine.SubmitRead(ctx, fileOff, length)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIoFailure, err)
		}
		n, _, decodeErr := nodecodec.Decode(buf, 0)
		if decodeErr == nil {
			return n, nil
		}
		if !errors.Is(decodeErr, nodecodec.ErrCorruptNode) {
			return nil, decodeErr
		}
		if length == int(handle.Size-int64(withinChunk)) {
			// Already read to the end of the chunk and it still doesn't
			// decode: this isn't a truncated read, the node is corrupt.
			return nil, fmt.Errorf("%w: %v", ErrCorruptNode, decodeErr)
		}
	}
	return nil, fmt.Errorf("%w: node exceeds %d pages", ErrCorruptNode, maxReadPages)
}

// WriteNode encodes n, pads it to a whole number of pages, and appends it to
// the current chunk on the requested ring, advancing to a fresh chunk on
// that ring when it doesn't fit. Ordinary batch commits write to
// pool.RingFast; compaction's rewrite-forward copies write to pool.RingSlow,
// so the two paths never share or contend over the same append cursor.
// Writes are append-only: there is no in-place update path.
func (s *nodeStore) WriteNode(ctx context.Context, n *nodecodec.Node, isRoot bool, ring pool.Ring) (trie.WriteResult, error) {
	var buf []byte
	var err error
	if isRoot {
		buf, err = nodecodec.EncodeRoot(n)
	} else {
		buf, err = nodecodec.Encode(n)
	}
	if err != nil {
		return trie.WriteResult{}, err
	}
	hash := sha256.Sum256(buf)

	span, err := nodecodec.SpanPages(len(buf))
	if err != nil {
		return trie.WriteResult{}, err
	}
	sizeBytes := int64(span) * nodecodec.PageSize
	padded := make([]byte, sizeBytes)
	copy(padded, buf)

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := &s.fast
	if ring == pool.RingSlow {
		cur = &s.slow
	}

	if !cur.hasCur || cur.curOffset+sizeBytes > s.chunkSize {
		var id pool.ChunkID
		var err error
		if ring == pool.RingSlow {
			id, err = s.p.AdvanceSlow()
		} else {
			id, err = s.p.AdvanceFast()
		}
		if err != nil {
			return trie.WriteResult{}, fmt.Errorf("db: advance %s ring: %w", ring, err)
		}
		seq, err := s.p.CurrentSeq(id)
		if err != nil {
			return trie.WriteResult{}, err
		}
		cur.curChunk, cur.curSeq, cur.curOffset, cur.hasCur = id, seq, 0, true
	}

	handle, err := s.p.ActivateChunk(cur.curSeq, cur.curChunk)
	if err != nil {
		return trie.WriteResult{}, err
	}
	if handle.DeviceIdx < 0 || handle.DeviceIdx >= len(s.engines) {
		return trie.WriteResult{}, fmt.Errorf("db: device index %d out of range", handle.DeviceIdx)
	}
	engine := s.engines[handle.DeviceIdx]
	fileOff := handle.BaseOffset + cur.curOffset

	if err := engine.SubmitWrite(ctx, fileOff, padded); err != nil {
		return trie.WriteResult{}, fmt.Errorf("%w: %v", ErrIoFailure, err)
	}

	globalOff := uint64(cur.curChunk)*uint64(s.chunkSize) + uint64(cur.curOffset)
	cur.curOffset += sizeBytes

	return trie.WriteResult{
		Virtual:   pool.VirtualOffset{ByteOffset: globalOff},
		SpanPages: span,
		Hash:      hash,
	}, nil
}

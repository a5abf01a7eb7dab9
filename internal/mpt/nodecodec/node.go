// Package nodecodec serializes and deserializes trie nodes to the compact
// on-disk representation described by the storage engine's wire format.
//
// Wire format (little-endian, no padding):
//
//	[mask:u16][path_len:u8][path_bytes][value_len:varint][value_bytes]
//	[for each set bit in mask, low to high: {disk_offset:u48, spare:u15, flag:u1, hash:32B}]
//
// Deserialization reads a page-aligned buffer plus a starting offset within
// that buffer; nodes may straddle page boundaries, so the caller is
// responsible for reading enough pages (see Offset.SpanPages).
package nodecodec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HashSize is the width of a subtrie content hash.
	HashSize = 32

	// MaxChildren is the branching factor of the trie (one per nibble).
	MaxChildren = 16

	maskBytes    = 2
	pathLenBytes = 1
	childRecordBytes = 8 /*offset+spare+flag packed into 48+15+1 bits = 8 bytes*/ + HashSize

	// childOffsetBits is the width of the on-disk byte offset field.
	childOffsetBits = 48
	// childSpareBits is the width of the page-span ("spare bits") field.
	childSpareBits = 15

	// PageSize is the fixed disk page size assumed throughout the engine.
	PageSize = 4096

	// maxSpanPages is the largest page span representable in 15 spare bits.
	maxSpanPages = (1 << childSpareBits) - 1
)

var (
	// ErrCorruptNode is returned when a buffer fails to decode into a
	// structurally valid node (size mismatch, truncated fields, bad mask).
	ErrCorruptNode = errors.New("nodecodec: corrupt node")

	// ErrNodeTooLarge is returned when a node's encoded size would not fit
	// in the spare-bits page-span encoding (see SpanPages and Offset.Pack).
	ErrNodeTooLarge = errors.New("nodecodec: node exceeds maximum span of 2^15-1 pages")

	// ErrInvariantViolation flags a node that violates the structural
	// invariants from the specification (e.g. a present bit with no
	// matching child record, or a value-less single-child chain).
	ErrInvariantViolation = errors.New("nodecodec: node invariant violated")
)

// Offset is a packed on-disk child reference: a flat byte address spanning
// every chunk of the pool (see pool.ChunkOf), plus the number of 4 KiB pages that must be read starting there to fully
// materialize the referenced node ("spare bits").
type Offset struct {
	ByteOffset uint64 // fits in 48 bits
	SpanPages  uint16 // fits in 15 bits
	Flag       bool   // reserved structural flag (e.g. "points at a leaf")
}

// Pack encodes the offset into its 8-byte on-disk representation:
// 48 bits of byte offset, 15 bits of page span, 1 flag bit.
func (o Offset) Pack() (uint64, error) {
	if o.ByteOffset>>childOffsetBits != 0 {
		return 0, fmt.Errorf("%w: byte offset %d exceeds 48 bits", ErrCorruptNode, o.ByteOffset)
	}
	if o.SpanPages > maxSpanPages {
		return 0, ErrNodeTooLarge
	}
	packed := o.ByteOffset
	packed |= uint64(o.SpanPages) << childOffsetBits
	if o.Flag {
		packed |= 1 << 63
	}
	return packed, nil
}

// UnpackOffset reverses Pack.
func UnpackOffset(packed uint64) Offset {
	return Offset{
		ByteOffset: packed & ((1 << childOffsetBits) - 1),
		SpanPages:  uint16((packed >> childOffsetBits) & maxSpanPages),
		Flag:       packed&(1<<63) != 0,
	}
}

// ChildRecord is the inline reference a parent node holds for one present
// child: where it lives on disk and the content hash of the subtrie rooted
// there. The on-disk offset is authoritative; InMemory is populated only
// while the child is resident in the writer's working set.
type ChildRecord struct {
	Offset   Offset
	HashVal  [HashSize]byte
	InMemory *Node // nil unless the child is currently loaded
}

// Node is a single trie node: a bitmask of present branches, an inlined
// path-prefix nibble sequence, an optional terminal value, and one child
// record per set bit in Mask.
type Node struct {
	Mask     uint16
	Path     []byte // nibbles, one per byte, each in [0,15]
	HasValue bool
	Value    []byte
	Children [MaxChildren]*ChildRecord // index by nibble; nil if bit unset
}

// ChildCount returns the number of set bits in Mask.
func (n *Node) ChildCount() int {
	count := 0
	for i := 0; i < MaxChildren; i++ {
		if n.Mask&(1<<uint(i)) != 0 {
			count++
		}
	}
	return count
}

// CheckInvariants validates the structural invariants from the
// specification: every present bit has a child record, and a non-root
// node has at least two children or one child with a value (no
// single-child value-less chains).
func (n *Node) CheckInvariants(isRoot bool) error {
	for i := 0; i < MaxChildren; i++ {
		present := n.Mask&(1<<uint(i)) != 0
		if present && n.Children[i] == nil {
			return fmt.Errorf("%w: bit %d set with no child record", ErrInvariantViolation, i)
		}
		if !present && n.Children[i] != nil {
			return fmt.Errorf("%w: child record %d present with bit unset", ErrInvariantViolation, i)
		}
	}
	if !isRoot {
		count := n.ChildCount()
		if count == 1 && !n.HasValue {
			return fmt.Errorf("%w: single-child value-less chain", ErrInvariantViolation)
		}
		if count == 0 && !n.HasValue {
			return fmt.Errorf("%w: leaf-less dead node", ErrInvariantViolation)
		}
	}
	return nil
}

// Encode serializes a non-root node to its compact on-disk representation.
// Root nodes (exempt from the child-count invariant) use EncodeRoot.
func Encode(n *Node) ([]byte, error) {
	if err := n.CheckInvariants(false); err != nil {
		return nil, err
	}
	return encodeRaw(n)
}

func encodeRaw(n *Node) ([]byte, error) {
	valueLenBuf := make([]byte, binary.MaxVarintLen64)
	valueLenN := binary.PutUvarint(valueLenBuf, uint64(len(n.Value)))

	size := maskBytes + pathLenBytes + len(n.Path) + valueLenN + len(n.Value)
	size += n.ChildCount() * childRecordBytes

	buf := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint16(buf[off:], n.Mask)
	off += maskBytes
	if len(n.Path) > 0xFF {
		return nil, fmt.Errorf("%w: path length %d exceeds 255 nibbles", ErrCorruptNode, len(n.Path))
	}
	buf[off] = byte(len(n.Path))
	off += pathLenBytes
	off += copy(buf[off:], n.Path)
	off += copy(buf[off:], valueLenBuf[:valueLenN])
	off += copy(buf[off:], n.Value)

	for i := 0; i < MaxChildren; i++ {
		if n.Mask&(1<<uint(i)) == 0 {
			continue
		}
		child := n.Children[i]
		packed, err := child.Offset.Pack()
		if err != nil {
			return nil, err
		}
		binary.LittleEndian.PutUint64(buf[off:], packed)
		off += 8
		off += copy(buf[off:], child.HashVal[:])
	}
	return buf, nil
}

// EncodeRoot serializes a root node, which is exempt from the
// "at least two children, or one child with a value" invariant.
func EncodeRoot(n *Node) ([]byte, error) {
	if err := n.CheckInvariants(true); err != nil {
		return nil, err
	}
	return encodeRaw(n)
}

// Decode deserializes a node starting at offset start within buf. buf is a
// page-aligned region the caller has already read enough pages into to
// cover the node's full span; Decode fails with ErrCorruptNode if fields
// run past the end of buf.
func Decode(buf []byte, start int) (*Node, int, error) {
	r := &reader{buf: buf, pos: start}

	mask, err := r.u16()
	if err != nil {
		return nil, 0, err
	}
	pathLen, err := r.u8()
	if err != nil {
		return nil, 0, err
	}
	path, err := r.bytes(int(pathLen))
	if err != nil {
		return nil, 0, err
	}
	valueLen, err := r.uvarint()
	if err != nil {
		return nil, 0, err
	}
	value, err := r.bytes(int(valueLen))
	if err != nil {
		return nil, 0, err
	}

	n := &Node{
		Mask:     mask,
		Path:     path,
		HasValue: valueLen > 0,
		Value:    value,
	}

	for i := 0; i < MaxChildren; i++ {
		if mask&(1<<uint(i)) == 0 {
			continue
		}
		packed, err := r.u64()
		if err != nil {
			return nil, 0, err
		}
		hash, err := r.bytes(HashSize)
		if err != nil {
			return nil, 0, err
		}
		rec := &ChildRecord{Offset: UnpackOffset(packed)}
		copy(rec.HashVal[:], hash)
		n.Children[i] = rec
	}

	return n, r.pos, nil
}

// reader is a small bounds-checked cursor over a byte slice, used by Decode
// to turn truncation into ErrCorruptNode rather than a panic.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) need(n int) error {
	if r.pos+n > len(r.buf) {
		return fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrCorruptNode, n, r.pos, len(r.buf))
	}
	return nil
}

func (r *reader) u8() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) u16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if err := r.need(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+n])
	r.pos += n
	return out, nil
}

func (r *reader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		return 0, fmt.Errorf("%w: invalid varint at offset %d", ErrCorruptNode, r.pos)
	}
	r.pos += n
	return v, nil
}

// SpanPages returns the number of 4 KiB pages needed to hold an encoded
// node of the given byte size, rounding up, and errors if that exceeds the
// 15-bit spare-bits field.
func SpanPages(encodedSize int) (uint16, error) {
	pages := (encodedSize + PageSize - 1) / PageSize
	if pages == 0 {
		pages = 1
	}
	if pages > maxSpanPages {
		return 0, ErrNodeTooLarge
	}
	return uint16(pages), nil
}

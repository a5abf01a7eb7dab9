package nodecodec

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func leafRootNode(path []byte, value []byte) *Node {
	return &Node{Path: path, HasValue: true, Value: value}
}

func TestEncodeDecodeRoundTrip_Leaf(t *testing.T) {
	n := leafRootNode([]byte{1, 2, 3, 4}, []byte("hello"))

	buf, err := EncodeRoot(n)
	require.NoError(t, err)

	got, end, err := Decode(buf, 0)
	require.NoError(t, err)
	require.Equal(t, len(buf), end)

	if diff := cmp.Diff(n.Path, got.Path); diff != "" {
		t.Fatalf("path mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, n.Value, got.Value)
	require.True(t, got.HasValue)
}

func TestEncodeDecodeRoundTrip_Branch(t *testing.T) {
	n := &Node{Mask: 0, Path: []byte{5}}
	n.Mask |= 1 << 2
	n.Children[2] = &ChildRecord{Offset: Offset{ByteOffset: 1024, SpanPages: 1}}
	n.Mask |= 1 << 9
	n.Children[9] = &ChildRecord{Offset: Offset{ByteOffset: 2048, SpanPages: 3, Flag: true}}
	n.HasValue = true
	n.Value = []byte{0xAA}

	buf, err := EncodeRoot(n)
	require.NoError(t, err)

	got, end, err := Decode(buf, 0)
	require.NoError(t, err)
	require.Equal(t, len(buf), end)
	require.Equal(t, n.Mask, got.Mask)
	require.Equal(t, uint64(1024), got.Children[2].Offset.ByteOffset)
	require.Equal(t, uint16(1), got.Children[2].Offset.SpanPages)
	require.Equal(t, uint64(2048), got.Children[9].Offset.ByteOffset)
	require.True(t, got.Children[9].Offset.Flag)
}

func TestDecodeTruncatedBufferIsCorrupt(t *testing.T) {
	n := leafRootNode([]byte{1}, []byte("x"))
	buf, err := EncodeRoot(n)
	require.NoError(t, err)

	_, _, err = Decode(buf[:len(buf)-1], 0)
	require.ErrorIs(t, err, ErrCorruptNode)
}

func TestDecodeAtNonZeroOffset_NodeStraddlingPages(t *testing.T) {
	n := leafRootNode([]byte{1, 2}, make([]byte, PageSize+10))
	buf, err := EncodeRoot(n)
	require.NoError(t, err)

	padded := make([]byte, 100)
	padded = append(padded, buf...)

	got, end, err := Decode(padded, 100)
	require.NoError(t, err)
	require.Equal(t, len(padded), end)
	require.Equal(t, len(n.Value), len(got.Value))
}

func TestCheckInvariants_SingleChildNoValueRejected(t *testing.T) {
	n := &Node{Mask: 1 << 0}
	n.Children[0] = &ChildRecord{}
	err := n.CheckInvariants(false)
	require.ErrorIs(t, err, ErrInvariantViolation)
}

func TestCheckInvariants_RootExemptFromChainRule(t *testing.T) {
	n := &Node{Mask: 1 << 0}
	n.Children[0] = &ChildRecord{}
	require.NoError(t, n.CheckInvariants(true))
}

func TestOffsetPackUnpackRoundTrip(t *testing.T) {
	o := Offset{ByteOffset: (1 << 48) - 1, SpanPages: (1 << 15) - 1, Flag: true}
	packed, err := o.Pack()
	require.NoError(t, err)
	got := UnpackOffset(packed)
	require.Equal(t, o, got)
}

func TestOffsetPackRejectsOversizeSpan(t *testing.T) {
	o := Offset{SpanPages: 1 << 15}
	_, err := o.Pack()
	require.ErrorIs(t, err, ErrNodeTooLarge)
}

func TestSpanPagesRoundsUp(t *testing.T) {
	pages, err := SpanPages(PageSize + 1)
	require.NoError(t, err)
	require.Equal(t, uint16(2), pages)

	pages, err = SpanPages(0)
	require.NoError(t, err)
	require.Equal(t, uint16(1), pages)
}

func TestSpanPagesRejectsTooLarge(t *testing.T) {
	_, err := SpanPages((1 << 15) * PageSize)
	require.ErrorIs(t, err, ErrNodeTooLarge)
}

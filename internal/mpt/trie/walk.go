package trie

import (
	"context"

	"github.com/monad-labs/mpt-store/internal/mpt/nodecodec"
	"github.com/monad-labs/mpt-store/internal/mpt/pool"
)

// Visitor is called once per key/value pair found during a Walk, in nibble
// (lexicographic key) order.
type Visitor func(key []byte, value []byte) error

// Walk performs a depth-first traversal of the subtrie rooted at root,
// reconstructing each leaf's full byte key from the accumulated nibble path
// and invoking visit with it. The package tests use it to check that every
// inserted (key,value) pair is visited.
func (t *Trie) Walk(ctx context.Context, root pool.VirtualOffset, visit Visitor) error {
	n, err := t.loadRoot(ctx, root)
	if err != nil {
		return err
	}
	return t.walkNode(ctx, n, nil, visit)
}

func (t *Trie) walkNode(ctx context.Context, n *nodecodec.Node, prefix []byte, visit Visitor) error {
	nibbles := append(append([]byte(nil), prefix...), n.Path...)

	if n.HasValue {
		if len(nibbles)%2 != 0 {
			// An odd nibble count at a value-bearing node means the key
			// doesn't decode to whole bytes; skip rather than mangling it.
			// Every real key is written with an even nibble count, so this
			// only fires on a structurally invalid node.
		} else if err := visit(nibblesToKey(nibbles), n.Value); err != nil {
			return err
		}
	}

	for i := 0; i < nodecodec.MaxChildren; i++ {
		rec := n.Children[i]
		if rec == nil {
			continue
		}
		child, err := t.loadChild(ctx, rec)
		if err != nil {
			return err
		}
		childPrefix := append(append([]byte(nil), nibbles...), byte(i))
		if err := t.walkNode(ctx, child, childPrefix, visit); err != nil {
			return err
		}
	}
	return nil
}

func nibblesToKey(nibbles []byte) []byte {
	out := make([]byte, len(nibbles)/2)
	for i := range out {
		out[i] = nibbles[2*i]<<4 | nibbles[2*i+1]
	}
	return out
}

package trie

import (
	"context"
	"fmt"

	"github.com/monad-labs/mpt-store/internal/mpt/nodecodec"
	"github.com/monad-labs/mpt-store/internal/mpt/pool"
)

// Update is one key/value mutation in a batch. A zero-length Value with
// Delete set removes the key; Delete false always sets Value, including an
// explicit empty value.
//
// Incarnation marks the update as a wholesale replacement of whatever
// subtrie currently hangs below the point where this update's key diverges
// into a single child: the existing child is dropped (or erased, if Delete
// is also set) without being loaded or merged key-by-key. This is for
// callers that know they're replacing an entire prior incarnation of a
// subtree (e.g. an account's whole storage trie) and want to skip the cost
// of walking and merging against the old one.
type Update struct {
	Key         []byte
	Value       []byte
	Delete      bool
	Incarnation bool
}

// Upsert applies a batch of updates on top of the trie's current root,
// writes every node the batch touched, and publishes the result as a new
// version. The writer holds the unique lock for the full batch: classify
// and build happen top-down against nodes resolved through loadChild (which
// may read from disk), then dirty nodes are written bottom-up so a parent's
// child record always has a real offset and hash by the time the parent
// itself is encoded.
func (t *Trie) Upsert(ctx context.Context, version uint64, updates []Update) (pool.VirtualOffset, error) {
	if len(updates) == 0 {
		return pool.VirtualOffset{}, ErrEmptyUpdateBatch
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var (
		root *nodecodec.Node
		err  error
	)
	if t.hasRoot {
		root, err = t.loadRoot(ctx, t.root)
		if err != nil {
			return pool.VirtualOffset{}, err
		}
	}

	for _, u := range updates {
		nibbles := keyToNibbles(u.Key)
		root, err = t.applyUpdate(ctx, root, nibbles, u)
		if err != nil {
			return pool.VirtualOffset{}, fmt.Errorf("trie: upsert key %x: %w", u.Key, err)
		}
	}

	if root == nil {
		return pool.VirtualOffset{}, fmt.Errorf("trie: batch erased the entire trie, nothing to publish")
	}

	res, err := t.commitTree(ctx, root, true)
	if err != nil {
		return pool.VirtualOffset{}, err
	}

	if err := t.meta.Publish(version, res.Virtual); err != nil {
		return pool.VirtualOffset{}, err
	}

	t.root, t.hasRoot, t.version = res.Virtual, true, version
	t.cache.Put(res.Virtual, root)
	return res.Virtual, nil
}

// applyUpdate recursively applies one update to the subtrie rooted at node,
// returning the (possibly new, possibly nil) node that should replace it.
// A nil node and nil error means the subtrie is now empty and the parent
// must clear the corresponding mask bit.
func (t *Trie) applyUpdate(ctx context.Context, node *nodecodec.Node, nibbles []byte, u Update) (*nodecodec.Node, error) {
	if node == nil {
		if u.Delete {
			return nil, nil // deleting an absent key is a no-op
		}
		return &nodecodec.Node{Path: append([]byte(nil), nibbles...), HasValue: true, Value: u.Value}, nil
	}

	cp := commonPrefixLen(node.Path, nibbles)

	switch {
	case cp < len(node.Path):
		// The key diverges from this node's path before its end.
		if u.Delete {
			return node, nil // key doesn't exist under this path
		}
		return splitNode(node, nibbles, cp, u.Value), nil

	case cp == len(nibbles):
		// The key ends exactly at this node.
		clone := cloneNode(node)
		if u.Delete {
			clone.HasValue = false
			clone.Value = nil
			return t.collapseIfPossible(ctx, clone)
		}
		clone.HasValue = true
		clone.Value = u.Value
		return clone, nil

	default:
		// The key continues past this node's path into one of its children.
		remaining := nibbles[cp:]
		nib := remaining[0]
		rest := remaining[1:]

		if u.Incarnation {
			// Wholesale replace: whatever currently hangs under nib is
			// dropped without being loaded, not merged against.
			clone := cloneNode(node)
			if u.Delete {
				clone.Mask &^= 1 << uint(nib)
				clone.Children[nib] = nil
			} else {
				leaf := &nodecodec.Node{Path: append([]byte(nil), rest...), HasValue: true, Value: u.Value}
				clone.Mask |= 1 << uint(nib)
				clone.Children[nib] = &nodecodec.ChildRecord{InMemory: leaf}
			}
			return t.collapseIfPossible(ctx, clone)
		}

		var child *nodecodec.Node
		if node.Mask&(1<<uint(nib)) != 0 {
			rec := node.Children[nib]
			var err error
			child, err = t.loadChild(ctx, rec)
			if err != nil {
				return nil, err
			}
		} else if u.Delete {
			return node, nil // key doesn't exist
		}

		newChild, err := t.applyUpdate(ctx, child, rest, u)
		if err != nil {
			return nil, err
		}

		clone := cloneNode(node)
		if newChild == nil {
			clone.Mask &^= 1 << uint(nib)
			clone.Children[nib] = nil
		} else {
			clone.Mask |= 1 << uint(nib)
			clone.Children[nib] = &nodecodec.ChildRecord{InMemory: newChild}
		}
		return t.collapseIfPossible(ctx, clone)
	}
}

// splitNode handles inserting a key that diverges from node's path at
// position cp, producing a new branch node at the divergence point with the
// existing node (path-shortened) and a new leaf as its two children, or
// placing the value on the branch itself if the new key ends exactly there.
func splitNode(node *nodecodec.Node, nibbles []byte, cp int, value []byte) *nodecodec.Node {
	branch := &nodecodec.Node{Path: append([]byte(nil), node.Path[:cp]...)}

	existing := cloneNode(node)
	existing.Path = append([]byte(nil), node.Path[cp+1:]...)
	existingNib := node.Path[cp]
	branch.Mask |= 1 << uint(existingNib)
	branch.Children[existingNib] = &nodecodec.ChildRecord{InMemory: existing}

	if cp == len(nibbles) {
		branch.HasValue = true
		branch.Value = value
		return branch
	}

	newNib := nibbles[cp]
	leaf := &nodecodec.Node{Path: append([]byte(nil), nibbles[cp+1:]...), HasValue: true, Value: value}
	branch.Mask |= 1 << uint(newNib)
	branch.Children[newNib] = &nodecodec.ChildRecord{InMemory: leaf}
	return branch
}

// collapseIfPossible merges a node with its sole remaining child when the
// node itself holds no value, folding the node's path, the branch nibble,
// and the child's path into one path on the child. This is what keeps the
// trie free of single-child value-less chains after a delete; if the
// surviving child hasn't been loaded by this batch yet it is loaded now so
// the collapse can happen immediately rather than leaving a stale chain on
// disk until the next unrelated write touches it.
func (t *Trie) collapseIfPossible(ctx context.Context, node *nodecodec.Node) (*nodecodec.Node, error) {
	if node.HasValue {
		return node, nil
	}
	count := node.ChildCount()
	if count == 0 {
		return nil, nil
	}
	if count > 1 {
		return node, nil
	}

	var nib byte
	var rec *nodecodec.ChildRecord
	for i := 0; i < nodecodec.MaxChildren; i++ {
		if node.Mask&(1<<uint(i)) != 0 {
			nib = byte(i)
			rec = node.Children[i]
			break
		}
	}
	child, err := t.loadChild(ctx, rec)
	if err != nil {
		return nil, err
	}
	merged := cloneNode(child)
	merged.Path = joinPath(node.Path, nib, child.Path)
	return merged, nil
}

func joinPath(prefix []byte, nib byte, suffix []byte) []byte {
	out := make([]byte, 0, len(prefix)+1+len(suffix))
	out = append(out, prefix...)
	out = append(out, nib)
	out = append(out, suffix...)
	return out
}

func cloneNode(n *nodecodec.Node) *nodecodec.Node {
	c := &nodecodec.Node{
		Mask:     n.Mask,
		Path:     append([]byte(nil), n.Path...),
		HasValue: n.HasValue,
		Value:    append([]byte(nil), n.Value...),
	}
	c.Children = n.Children
	return c
}

func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// commitTree writes every node reachable from n whose child record carries
// an InMemory pointer (i.e. every node touched by the batch), post-order so
// a parent is never encoded before its children have real offsets.
func (t *Trie) commitTree(ctx context.Context, n *nodecodec.Node, isRoot bool) (WriteResult, error) {
	for i := 0; i < nodecodec.MaxChildren; i++ {
		rec := n.Children[i]
		if rec == nil || rec.InMemory == nil {
			continue
		}
		res, err := t.commitTree(ctx, rec.InMemory, false)
		if err != nil {
			return WriteResult{}, err
		}
		n.Children[i] = &nodecodec.ChildRecord{
			Offset:  nodecodec.Offset{ByteOffset: res.Virtual.ByteOffset, SpanPages: res.SpanPages},
			HashVal: res.Hash,
		}
	}
	res, err := t.writer.WriteNode(ctx, n, isRoot, pool.RingFast)
	if err != nil {
		return WriteResult{}, err
	}
	t.cache.Put(res.Virtual, n)
	return res, nil
}

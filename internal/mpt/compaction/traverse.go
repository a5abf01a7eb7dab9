package compaction

import (
	"context"
	"fmt"

	"github.com/monad-labs/mpt-store/internal/mpt/nodecodec"
	"github.com/monad-labs/mpt-store/internal/mpt/pool"
	"github.com/monad-labs/mpt-store/internal/mpt/trie"
)

// nodeSource is the subset of trie.Trie a traversal needs: load a node by
// its current virtual offset. Satisfied by trie.Trie.Loader().
type nodeSource interface {
	LoadNode(ctx context.Context, off pool.VirtualOffset) (*nodecodec.Node, error)
}

// touchesChunk reports whether a child record's stored address currently
// resolves to one of the target chunks.
func touchesChunk(off nodecodec.Offset, chunkSize int64, targets map[pool.ChunkID]bool) bool {
	return targets[pool.ChunkOf(off.ByteOffset, chunkSize)]
}

// planRewrite recursively walks every node of the subtree rooted at n,
// looking for child records whose address currently resolves to one of the
// chunks slated for compaction. A child is rewritten when it lives in such a
// chunk or when one of its own descendants was rewritten: it is first
// recursively planned, then written to its new location via writer, and the
// parent copy's child record updated to point at the result — rewrite-forward
// cascades bottom-up so a parent always carries a live address for any
// rewritten child.
//
// This mirrors a plain post-order tree walk: nothing here is specific to the
// trie's path/mask encoding beyond reading ChildRecord.Offset, grounded on
// the same "visit children before touching the parent" shape as commitTree.
func planRewrite(ctx context.Context, src nodeSource, writer trie.NodeWriter, cache nodeCache, n *nodecodec.Node, chunkSize int64, targets map[pool.ChunkID]bool, isRoot bool, stats *Stats) (*nodecodec.Node, bool, error) {
	changedAny := false
	var clone *nodecodec.Node

	for i := 0; i < nodecodec.MaxChildren; i++ {
		rec := n.Children[i]
		if rec == nil {
			continue
		}

		child, err := src.LoadNode(ctx, pool.VirtualOffset{ByteOffset: rec.Offset.ByteOffset})
		if err != nil {
			return nil, false, fmt.Errorf("compaction: load child for rewrite: %w", err)
		}

		rewrittenChild, childChanged, err := planRewrite(ctx, src, writer, cache, child, chunkSize, targets, false, stats)
		if err != nil {
			return nil, false, err
		}
		if !childChanged && !touchesChunk(rec.Offset, chunkSize, targets) {
			continue
		}
		if rewrittenChild != nil {
			child = rewrittenChild
		}

		res, err := writer.WriteNode(ctx, child, false, pool.RingSlow)
		if err != nil {
			return nil, false, fmt.Errorf("compaction: rewrite child: %w", err)
		}
		cache.Put(res.Virtual, child)
		stats.addRewritten(1)

		if clone == nil {
			clone = cloneNodeShallow(n)
		}
		clone.Children[i] = &nodecodec.ChildRecord{
			Offset:  nodecodec.Offset{ByteOffset: res.Virtual.ByteOffset, SpanPages: res.SpanPages},
			HashVal: res.Hash,
		}
		changedAny = true
	}

	if !changedAny {
		return nil, false, nil
	}
	return clone, true, nil
}

// nodeCache is the subset of cache.Cache the traversal needs, kept narrow so
// this file doesn't import the concrete cache type beyond what Put requires.
type nodeCache interface {
	Put(off pool.VirtualOffset, n *nodecodec.Node)
}

// Reachable performs a generic depth-first walk from root, invoking visit
// with every chunk a present child record currently resolves into.
// Duplicates are reported once each call site cares about (visit is free to
// dedupe via a set, as the default selection policy's caller does) — this
// helper only guarantees every reachable child is visited, not that it's
// visited once, matching a plain recursive walk rather than a memoized one.
func Reachable(ctx context.Context, src nodeSource, root pool.VirtualOffset, chunkSize int64, visit func(pool.ChunkID)) error {
	n, err := src.LoadNode(ctx, root)
	if err != nil {
		return fmt.Errorf("compaction: load root for reachability walk: %w", err)
	}
	return reachableNode(ctx, src, n, chunkSize, visit)
}

func reachableNode(ctx context.Context, src nodeSource, n *nodecodec.Node, chunkSize int64, visit func(pool.ChunkID)) error {
	for i := 0; i < nodecodec.MaxChildren; i++ {
		rec := n.Children[i]
		if rec == nil {
			continue
		}
		visit(pool.ChunkOf(rec.Offset.ByteOffset, chunkSize))

		child, err := src.LoadNode(ctx, pool.VirtualOffset{ByteOffset: rec.Offset.ByteOffset})
		if err != nil {
			return fmt.Errorf("compaction: load child during reachability walk: %w", err)
		}
		if err := reachableNode(ctx, src, child, chunkSize, visit); err != nil {
			return err
		}
	}
	return nil
}

func cloneNodeShallow(n *nodecodec.Node) *nodecodec.Node {
	out := *n
	out.Children = n.Children
	path := make([]byte, len(n.Path))
	copy(path, n.Path)
	out.Path = path
	if n.Value != nil {
		val := make([]byte, len(n.Value))
		copy(val, n.Value)
		out.Value = val
	}
	return &out
}

// Package trie implements the versioned Merkle Patricia Trie algorithms
// (spec C4) and the concurrent read-only view (spec C8) on top of the node
// cache, node codec, and metadata manager.
//
// Concurrency follows a single-writer/many-reader model: one goroutine at a
// time holds the unique (write) lock across an entire Upsert batch, while
// any number of readers hold the shared lock just long enough to sample the
// current root before walking it lock-free.
package trie

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/monad-labs/mpt-store/internal/logging"
	"github.com/monad-labs/mpt-store/internal/mpt/cache"
	"github.com/monad-labs/mpt-store/internal/mpt/meta"
	"github.com/monad-labs/mpt-store/internal/mpt/nodecodec"
	"github.com/monad-labs/mpt-store/internal/mpt/pool"
)

// NodeLoader resolves a virtual chunk offset to its decoded node, consulting
// the node cache before issuing an I/O read.
type NodeLoader interface {
	LoadNode(ctx context.Context, off pool.VirtualOffset) (*nodecodec.Node, error)
}

// WriteResult is what a NodeWriter reports after durably placing a node:
// where it landed, how many pages it spans (for the parent's spare-bits
// field), and the content hash a parent's child record should store.
type WriteResult struct {
	Virtual   pool.VirtualOffset
	SpanPages uint16
	Hash      [nodecodec.HashSize]byte
}

// NodeWriter serializes and durably places a node on the given ring,
// returning where it landed. Root nodes are exempt from the child-count
// invariant enforced on interior nodes. Ordinary batch commits always
// target pool.RingFast; compaction's rewrite-forward copies target
// pool.RingSlow so the two write paths never contend for the same
// append cursor or chunk.
type NodeWriter interface {
	WriteNode(ctx context.Context, n *nodecodec.Node, isRoot bool, ring pool.Ring) (WriteResult, error)
}

// Trie is a versioned Merkle Patricia Trie over a NodeLoader/NodeWriter
// pair, with its root and version history tracked by a meta.Store.
type Trie struct {
	mu sync.RWMutex // guards root/version; readers release immediately after sampling

	loader NodeLoader
	writer NodeWriter
	cache  *cache.Cache
	meta   *meta.Store
	logger *slog.Logger

	sf singleflight.Group // collapses concurrent lazy loads of the same child

	root    pool.VirtualOffset
	hasRoot bool
	version uint64
}

// Open constructs a Trie over the given loader/writer/cache, recovering its
// current root and version from the metadata store's last published state.
func Open(loader NodeLoader, writer NodeWriter, c *cache.Cache, m *meta.Store, logger *slog.Logger) *Trie {
	logger = logging.Default(logger)
	t := &Trie{loader: loader, writer: writer, cache: c, meta: m, logger: logger}
	snap := m.Snapshot()
	t.version = snap.MaxVersion
	if len(snap.Roots) > 0 {
		t.root = snap.Roots[len(snap.Roots)-1].Offset
		t.hasRoot = true
	}
	return t
}

// keyToNibbles expands a byte key into its nibble sequence, high nibble
// first, matching the path encoding used by node.Path.
func keyToNibbles(key []byte) []byte {
	out := make([]byte, 0, len(key)*2)
	for _, b := range key {
		out = append(out, b>>4, b&0x0F)
	}
	return out
}

// loadChild resolves a child record to its decoded node, using the record's
// in-memory pointer if a writer batch has it resident, otherwise going
// through the cache and loader with duplicate concurrent loads collapsed.
//
// A child record's on-disk Offset carries only a flat byte address, not a
// chunk id: addresses are assigned from a single global space spanning
// every chunk, so a NodeLoader implementation derives the owning chunk (and
// looks up its current sequence number for staleness checking) from the
// address itself rather than trie having to track which chunk a walk is
// currently in.
func (t *Trie) loadChild(ctx context.Context, rec *nodecodec.ChildRecord) (*nodecodec.Node, error) {
	if rec.InMemory != nil {
		return rec.InMemory, nil
	}
	off := pool.VirtualOffset{ByteOffset: rec.Offset.ByteOffset}
	if n, ok := t.cache.Get(off); ok {
		return n, nil
	}

	key := fmt.Sprintf("%d", off.ByteOffset)
	v, err, _ := t.sf.Do(key, func() (interface{}, error) {
		n, err := t.loader.LoadNode(ctx, off)
		if err != nil {
			return nil, err
		}
		t.cache.Put(off, n)
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*nodecodec.Node), nil
}

// Cursor captures the position of a walk: the node stack from root to the
// point of failure, and how far into the key it got. findFrom returns one
// with every result, including KeyMismatch and KeyEndsInsideNode failures;
// Find and View.Find discard it, and Upsert does not use it (it descends
// from the root through applyUpdate).
type Cursor struct {
	Nibbles []byte  // the full nibble path being walked
	Depth   int     // how many nibbles have been consumed
	Stack   []*nodecodec.Node
}

// Find walks the trie rooted at the trie's current published root and
// returns the value stored at key, or an error from the taxonomy above.
func (t *Trie) Find(ctx context.Context, key []byte) ([]byte, error) {
	t.mu.RLock()
	root, hasRoot, version := t.root, t.hasRoot, t.version
	t.mu.RUnlock()

	if err := t.meta.VerifyVersion(version); err != nil {
		return nil, err
	}
	if !hasRoot {
		return nil, ErrKeyNotFound
	}
	val, _, err := t.findFrom(ctx, root, keyToNibbles(key))
	return val, err
}

// findFrom walks from an arbitrary root offset, used by Find and by
// View.Find. It returns the final cursor alongside the result, including on
// structural failure; neither caller uses it.
func (t *Trie) findFrom(ctx context.Context, root pool.VirtualOffset, nibbles []byte) ([]byte, *Cursor, error) {
	n, err := t.loadRoot(ctx, root)
	if err != nil {
		return nil, nil, err
	}

	cur := &Cursor{Nibbles: nibbles}
	for {
		cur.Stack = append(cur.Stack, n)
		remaining := nibbles[cur.Depth:]

		plen := len(n.Path)
		if plen > len(remaining) {
			if !equalPrefix(n.Path[:len(remaining)], remaining) {
				return nil, cur, ErrKeyMismatch
			}
			return nil, cur, ErrKeyEndsInsideNode
		}
		if !equalPrefix(n.Path, remaining[:plen]) {
			return nil, cur, ErrKeyMismatch
		}
		cur.Depth += plen
		remaining = nibbles[cur.Depth:]

		if len(remaining) == 0 {
			if n.HasValue {
				return n.Value, cur, nil
			}
			return nil, cur, ErrKeyNotFound
		}

		nib := remaining[0]
		if n.Mask&(1<<uint(nib)) == 0 {
			return nil, cur, ErrBranchMissing
		}
		rec := n.Children[nib]
		child, err := t.loadChild(ctx, rec)
		if err != nil {
			return nil, cur, err
		}
		cur.Depth++
		n = child
	}
}

func (t *Trie) loadRoot(ctx context.Context, root pool.VirtualOffset) (*nodecodec.Node, error) {
	if n, ok := t.cache.Get(root); ok {
		return n, nil
	}
	n, err := t.loader.LoadNode(ctx, root)
	if err != nil {
		return nil, err
	}
	t.cache.Put(root, n)
	return n, nil
}

func equalPrefix(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// CurrentVersion returns the trie's currently published version.
func (t *Trie) CurrentVersion() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

// CurrentRoot returns the trie's currently published root, for components
// (compaction) that need to start a traversal independent of a View.
func (t *Trie) CurrentRoot() (pool.VirtualOffset, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root, t.hasRoot
}

// Loader exposes the trie's node loader to components that traverse nodes
// outside of Find/Upsert, such as compaction's reachability walk.
func (t *Trie) Loader() NodeLoader { return t.loader }

// Writer exposes the trie's node writer for the same reason as Loader.
func (t *Trie) Writer() NodeWriter { return t.writer }

// Cache exposes the trie's node cache so a rewritten node can be installed
// directly instead of forcing a read-back after compaction writes it.
func (t *Trie) Cache() *cache.Cache { return t.cache }

// RepointRoot installs newRoot as the trie's current root without minting a
// new version, and republishes it as the latest version's physical
// location. Used by compaction after a rewrite-forward pass relocates the
// reachable nodes of the current root onto fresh chunks.
func (t *Trie) RepointRoot(ctx context.Context, newRoot pool.VirtualOffset) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.meta.RepointLatest(newRoot); err != nil {
		return err
	}
	t.root = newRoot
	return nil
}

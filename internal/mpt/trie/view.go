package trie

import (
	"context"

	"github.com/monad-labs/mpt-store/internal/mpt/pool"
)

// View is a point-in-time, read-only snapshot of the trie. It samples the
// root once under the trie's shared lock and then walks lock-free for the
// rest of its lifetime: a concurrent writer publishing a new version does
// not invalidate an open View, which keeps reading the root it captured
// until the caller opens a fresh one.
type View struct {
	t       *Trie
	root    pool.VirtualOffset
	hasRoot bool
	version uint64
}

// OpenView snapshots the trie's current published root and version.
func (t *Trie) OpenView() *View {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return &View{t: t, root: t.root, hasRoot: t.hasRoot, version: t.version}
}

// OpenViewAt snapshots the trie as of a specific historical version still
// within the metadata store's retention window.
func (t *Trie) OpenViewAt(version uint64) (*View, error) {
	if err := t.meta.VerifyVersion(version); err != nil {
		return nil, err
	}
	root, ok := t.meta.RootFor(version)
	return &View{t: t, root: root, hasRoot: ok, version: version}, nil
}

// Version reports the version this view is pinned to.
func (v *View) Version() uint64 { return v.version }

// Find resolves a key against this view's pinned root, independent of any
// writes that have published since the view was opened.
func (v *View) Find(ctx context.Context, key []byte) ([]byte, error) {
	if !v.hasRoot {
		return nil, ErrKeyNotFound
	}
	val, _, err := v.t.findFrom(ctx, v.root, keyToNibbles(key))
	return val, err
}

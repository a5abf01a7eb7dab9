// Package db is the module's public surface: it wires the storage pool,
// I/O engine, node cache, metadata store, trie, and compactor into a single
// handle and collapses the internal error taxonomy down to the three kinds
// documented in errors.go. Everything below this package is an
// implementation detail a caller of DB should never need to import.
package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/monad-labs/mpt-store/internal/logging"
	"github.com/monad-labs/mpt-store/internal/mpt/cache"
	"github.com/monad-labs/mpt-store/internal/mpt/compaction"
	"github.com/monad-labs/mpt-store/internal/mpt/meta"
	"github.com/monad-labs/mpt-store/internal/mpt/nodecodec"
	"github.com/monad-labs/mpt-store/internal/mpt/pool"
	"github.com/monad-labs/mpt-store/internal/mpt/trie"
)

// DB is a versioned Merkle Patricia Trie over a raw block storage pool.
type DB struct {
	cfg       Config
	pool      pool.Pool
	store     *nodeStore
	cache     *cache.Cache
	meta      *meta.Store
	trie      *trie.Trie
	compactor *compaction.Compactor
	logger    *slog.Logger
}

// Open validates cfg, opens (or attaches to) the backing pool and metadata
// block, and recovers the trie's current root/version. Unless
// cfg.OpenReadOnly is set, a cfg.Compaction with a non-nil Policy gets a
// compactor (for CompactNow); if it also names a CronExpr, the background
// compaction schedule is started immediately. A CronExpr without a Policy
// starts nothing.
func Open(cfg Config) (*DB, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := logging.Default(cfg.Logger).With("component", "db")

	p, err := pool.Open(cfg.poolConfig())
	if err != nil {
		return nil, fmt.Errorf("db: open pool: %w", err)
	}

	engines, err := openEngines(p, len(cfg.Devices), cfg.IOEngine)
	if err != nil {
		p.Close()
		return nil, err
	}

	// The metadata chunk is reserved (never on the free list, see
	// pool.Config.ReservedChunks) and always starts at generation 0.
	metaHandle, err := p.ActivateChunk(0, cfg.MetadataChunk)
	if err != nil {
		closeEngines(engines)
		p.Close()
		return nil, fmt.Errorf("db: activate metadata chunk: %w", err)
	}
	metaDev, err := p.Device(metaHandle.DeviceIdx)
	if err != nil {
		closeEngines(engines)
		p.Close()
		return nil, err
	}
	metaBackend := newSectionBackend(metaDev, metaHandle.BaseOffset, metaHandle.Size)

	m, err := meta.Open(metaBackend, metaBackend, cfg.metaConfig(), cfg.OpenReadOnly)
	if err != nil {
		closeEngines(engines)
		p.Close()
		return nil, fmt.Errorf("db: open metadata: %w", err)
	}

	c := cache.New(cfg.NodeCacheBytes)
	store := newNodeStore(p, engines, cfg.ChunkSize)
	tr := trie.Open(store, store, c, m, logger)

	d := &DB{cfg: cfg, pool: p, store: store, cache: c, meta: m, trie: tr, logger: logger}

	if !cfg.OpenReadOnly && cfg.Compaction.Policy != nil {
		compactor, err := compaction.New(tr, p, cfg.Compaction)
		if err != nil {
			closeEngines(engines)
			p.Close()
			return nil, fmt.Errorf("db: start compaction: %w", err)
		}
		d.compactor = compactor
		d.compactor.Start()
	}

	logger.Info("db opened", "devices", len(cfg.Devices), "chunk_size", cfg.ChunkSize, "version", tr.CurrentVersion())
	return d, nil
}

// Upsert applies a batch of inserts/deletes atomically as a new version,
// exactly once the batch's last dirty node is durably appended. See
// trie.Trie.Upsert for batch semantics.
func (d *DB) Upsert(ctx context.Context, version uint64, updates []trie.Update) error {
	_, err := d.trie.Upsert(ctx, version, updates)
	if err != nil {
		return collapse(err)
	}
	return nil
}

// Find looks up key against the trie's currently published root.
func (d *DB) Find(ctx context.Context, key []byte) ([]byte, error) {
	val, err := d.trie.Find(ctx, key)
	if err != nil {
		return nil, collapse(err)
	}
	return val, nil
}

// OpenView returns a read-only snapshot pinned to the current root/version,
// unaffected by any Upsert that publishes after this call returns.
func (d *DB) OpenView() *trie.View {
	return d.trie.OpenView()
}

// OpenViewAt returns a read-only snapshot pinned to a specific historical
// version, failing with ErrVersionExpired if it has been dropped.
func (d *DB) OpenViewAt(version uint64) (*trie.View, error) {
	v, err := d.trie.OpenViewAt(version)
	if err != nil {
		return nil, collapse(err)
	}
	return v, nil
}

// CompactNow forces a single synchronous compaction pass, independent of
// the background schedule. Returns an error if the DB was opened read-only
// or without a compaction policy.
func (d *DB) CompactNow(ctx context.Context) error {
	if d.compactor == nil {
		return fmt.Errorf("db: compaction not configured")
	}
	return d.compactor.RunOnce(ctx)
}

// CompactionStats reports the background compactor's counters, or a zero
// value if compaction isn't configured.
func (d *DB) CompactionStats() compaction.StatsSnapshot {
	if d.compactor == nil {
		return compaction.StatsSnapshot{}
	}
	return d.compactor.Stats()
}

// CurrentVersion returns the most recently published version.
func (d *DB) CurrentVersion() uint64 { return d.trie.CurrentVersion() }

// MetaSnapshot reports the metadata store's durable state, for an operator
// CLI to print without reaching into the trie/pool internals directly.
func (d *DB) MetaSnapshot() meta.State { return d.meta.Snapshot() }

// DumpNode loads and decodes the single node at a flat byte offset, for an
// operator CLI inspecting storage directly rather than through a key lookup.
func (d *DB) DumpNode(ctx context.Context, byteOffset uint64) (*nodecodec.Node, error) {
	n, err := d.trie.Loader().LoadNode(ctx, pool.VirtualOffset{ByteOffset: byteOffset})
	if err != nil {
		return nil, collapse(err)
	}
	return n, nil
}

// Close stops any background compaction, then closes the I/O engines and
// the storage pool.
func (d *DB) Close() error {
	if d.compactor != nil {
		d.compactor.Stop()
	}
	for _, e := range d.store.engines {
		e.Close()
	}
	return d.pool.Close()
}

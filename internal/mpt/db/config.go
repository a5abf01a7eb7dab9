package db

import (
	"cmp"
	"fmt"
	"log/slog"

	"github.com/monad-labs/mpt-store/internal/mpt/compaction"
	"github.com/monad-labs/mpt-store/internal/mpt/ioengine"
	"github.com/monad-labs/mpt-store/internal/mpt/meta"
	"github.com/monad-labs/mpt-store/internal/mpt/pool"
)

// Config is the validate-then-default construction contract the whole
// module follows (mirrored from pool.Config/ioengine.Config), assembled
// into the sub-configs each layer actually takes.
type Config struct {
	// Devices and ChunkSize/ChunksPerDevice/PageSize configure the
	// storage pool (C1); see pool.Config for field semantics.
	Devices         []string
	ChunkSize       int64
	ChunksPerDevice int
	PageSize        uint64

	// IOEngine tunes the async I/O engine (C2); see ioengine.Config.
	IOEngine ioengine.Config

	// NodeCacheBytes bounds the node cache's byte-weighted budget (C5).
	NodeCacheBytes int64

	// HistoryLength/MaxFreeChunks/MaxTrackedChunks size the metadata
	// block's fixed-capacity slots (C6); see meta.Config.
	HistoryLength    int
	MaxFreeChunks    int
	MaxTrackedChunks int

	// MetadataChunk is the chunk id reserved for the metadata block; it
	// is never handed out by AdvanceFast/AdvanceSlow.
	MetadataChunk pool.ChunkID

	// Compaction configures the background rewrite-forward pass (C7).
	// A nil Policy disables compaction entirely.
	Compaction compaction.Config

	// OpenReadOnly opens the pool and metadata store read-only and
	// disables compaction regardless of Compaction.CronExpr.
	OpenReadOnly bool

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.ChunksPerDevice <= 0 {
		c.ChunksPerDevice = 16
	}
	c.PageSize = cmp.Or(c.PageSize, 4096)
	if c.NodeCacheBytes <= 0 {
		c.NodeCacheBytes = 256 << 20
	}
	if c.HistoryLength <= 0 {
		c.HistoryLength = 16
	}
	if c.MaxFreeChunks <= 0 {
		c.MaxFreeChunks = 4096
	}
	if c.MaxTrackedChunks <= 0 {
		c.MaxTrackedChunks = 4096
	}
	if c.OpenReadOnly {
		c.Compaction = compaction.Config{}
	}
}

func (c *Config) validate() error {
	if len(c.Devices) == 0 {
		return fmt.Errorf("db: at least one device is required")
	}
	if c.ChunkSize <= 0 || c.ChunkSize%int64(c.PageSize) != 0 {
		return fmt.Errorf("db: chunk size must be a positive multiple of page size")
	}
	return nil
}

func (c Config) poolConfig() pool.Config {
	return pool.Config{
		Devices:         c.Devices,
		ChunkSize:       c.ChunkSize,
		ChunksPerDevice: c.ChunksPerDevice,
		PageSize:        c.PageSize,
		ReadOnly:        c.OpenReadOnly,
		Logger:          c.Logger,
		ReservedChunks:  []pool.ChunkID{c.MetadataChunk},
	}
}

func (c Config) metaConfig() meta.Config {
	return meta.Config{
		HistoryLength:    c.HistoryLength,
		MaxFreeChunks:    c.MaxFreeChunks,
		MaxTrackedChunks: c.MaxTrackedChunks,
	}
}

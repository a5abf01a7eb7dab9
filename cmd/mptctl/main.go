// Command mptctl is an operator CLI for a trie storage pool: open a pool,
// inspect its metadata/history, look up or insert a key, and force a
// compaction pass outside the background schedule.
package main

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/monad-labs/mpt-store/internal/logging"
	"github.com/monad-labs/mpt-store/internal/mpt/compaction"
	"github.com/monad-labs/mpt-store/internal/mpt/db"
	"github.com/monad-labs/mpt-store/internal/mpt/pool"
	"github.com/monad-labs/mpt-store/internal/mpt/trie"
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "mptctl",
		Short: "Operate a trie storage pool",
	}
	rootCmd.PersistentFlags().StringSlice("device", nil, "backing device path (repeatable)")
	rootCmd.PersistentFlags().Int64("chunk-size", 64<<20, "chunk size in bytes")
	rootCmd.PersistentFlags().Int("chunks-per-device", 64, "chunks carved out of each device on first open")
	rootCmd.PersistentFlags().Uint32("metadata-chunk", 0, "reserved chunk id for the metadata block")
	rootCmd.PersistentFlags().Bool("read-only", false, "open the pool read-only")

	rootCmd.AddCommand(
		versionCmd(),
		findCmd(logger),
		putCmd(logger),
		metaCmd(logger),
		compactCmd(logger),
		dumpCmd(logger),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run:   func(cmd *cobra.Command, args []string) { fmt.Println(version) },
	}
}

func findCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "find <hex-key>",
		Short: "Look up a key against the currently published root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := hex.DecodeString(args[0])
			if err != nil {
				return fmt.Errorf("decode key: %w", err)
			}
			d, err := openFromFlags(cmd, logger)
			if err != nil {
				return err
			}
			defer d.Close()

			val, err := d.Find(cmd.Context(), key)
			if err != nil {
				return err
			}
			fmt.Println(hex.EncodeToString(val))
			return nil
		},
	}
	return cmd
}

func putCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <hex-key> <hex-value>",
		Short: "Upsert a single key as a new version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := hex.DecodeString(args[0])
			if err != nil {
				return fmt.Errorf("decode key: %w", err)
			}
			val, err := hex.DecodeString(args[1])
			if err != nil {
				return fmt.Errorf("decode value: %w", err)
			}
			d, err := openFromFlags(cmd, logger)
			if err != nil {
				return err
			}
			defer d.Close()

			nextVersion := d.CurrentVersion() + 1
			if err := d.Upsert(cmd.Context(), nextVersion, []trie.Update{{Key: key, Value: val}}); err != nil {
				return err
			}
			fmt.Println(nextVersion)
			return nil
		},
	}
	return cmd
}

func metaCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "meta",
		Short: "Print the metadata store's durable state",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openFromFlags(cmd, logger)
			if err != nil {
				return err
			}
			defer d.Close()

			snap := d.MetaSnapshot()
			fmt.Printf("max_version=%d min_version=%d fast_ring=%d slow_ring=%d free_chunks=%d\n",
				snap.MaxVersion, snap.MinVersion, len(snap.FastRing), len(snap.SlowRing), len(snap.FreeChunks))
			for _, r := range snap.Roots {
				fmt.Printf("  version=%d offset=%d\n", r.Version, r.Offset.ByteOffset)
			}
			return nil
		},
	}
}

func compactCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Force a single synchronous compaction pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, _ := cmd.Flags().GetInt("oldest")
			d, err := openFromFlagsWithCompaction(cmd, logger, compaction.OldestNPolicy{N: n})
			if err != nil {
				return err
			}
			defer d.Close()

			if err := d.CompactNow(cmd.Context()); err != nil {
				return err
			}
			stats := d.CompactionStats()
			fmt.Printf("chunks_selected=%d nodes_rewritten=%d passes_run=%d\n",
				stats.ChunksSelected, stats.NodesRewritten, stats.PassesRun)
			return nil
		},
	}
	cmd.Flags().Int("oldest", 4, "number of oldest slow-ring chunks to target")
	return cmd
}

func dumpCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "dump <byte-offset>",
		Short: "Decode and print the node at a flat byte offset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			off, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("parse byte offset: %w", err)
			}
			d, err := openFromFlags(cmd, logger)
			if err != nil {
				return err
			}
			defer d.Close()

			n, err := d.DumpNode(cmd.Context(), off)
			if err != nil {
				return err
			}
			fmt.Printf("mask=%04x has_value=%t path_nibbles=%d children=%d\n",
				n.Mask, n.HasValue, len(n.Path), n.ChildCount())
			if n.HasValue {
				fmt.Printf("value=%s\n", hex.EncodeToString(n.Value))
			}
			return nil
		},
	}
}

func openFromFlags(cmd *cobra.Command, logger *slog.Logger) (*db.DB, error) {
	return openFromFlagsWithCompaction(cmd, logger, nil)
}

func openFromFlagsWithCompaction(cmd *cobra.Command, logger *slog.Logger, policy compaction.Policy) (*db.DB, error) {
	devices, _ := cmd.Flags().GetStringSlice("device")
	chunkSize, _ := cmd.Flags().GetInt64("chunk-size")
	chunksPerDevice, _ := cmd.Flags().GetInt("chunks-per-device")
	metadataChunk, _ := cmd.Flags().GetUint32("metadata-chunk")
	readOnly, _ := cmd.Flags().GetBool("read-only")

	if len(devices) == 0 {
		return nil, fmt.Errorf("at least one --device is required")
	}

	cfg := db.Config{
		Devices:         devices,
		ChunkSize:       chunkSize,
		ChunksPerDevice: chunksPerDevice,
		MetadataChunk:   pool.ChunkID(metadataChunk),
		OpenReadOnly:    readOnly,
		Logger:          logger,
	}
	if policy != nil {
		cfg.Compaction = compaction.Config{Policy: policy}
	}
	return db.Open(cfg)
}

package compaction

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"

	"github.com/monad-labs/mpt-store/internal/logging"
	"github.com/monad-labs/mpt-store/internal/mpt/pool"
	"github.com/monad-labs/mpt-store/internal/mpt/trie"
)

// Stats tallies what a Compactor's passes have done: ChunksSelected,
// NodesRewritten and PassesRun are running totals across every pass, while
// LastPassAt and LastError describe the most recent pass. StatsSnapshot is the read-only copy returned to callers; Stats itself is
// the mutex-guarded counter set a Compactor updates in place.
type Stats struct {
	mu             sync.Mutex
	chunksSelected int
	nodesRewritten int
	passesRun      int
	lastPassAt     time.Time
	lastError      error
}

// StatsSnapshot is a point-in-time, unlocked copy of Stats.
type StatsSnapshot struct {
	ChunksSelected int
	NodesRewritten int
	PassesRun      int
	LastPassAt     time.Time
	LastError      error
}

func (s *Stats) snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		ChunksSelected: s.chunksSelected,
		NodesRewritten: s.nodesRewritten,
		PassesRun:      s.passesRun,
		LastPassAt:     s.lastPassAt,
		LastError:      s.lastError,
	}
}

func (s *Stats) addRewritten(n int) {
	s.mu.Lock()
	s.nodesRewritten += n
	s.mu.Unlock()
}

func (s *Stats) recordPass(selected int, err error) {
	s.mu.Lock()
	s.chunksSelected += selected
	s.passesRun++
	s.lastPassAt = time.Now()
	s.lastError = err
	s.mu.Unlock()
}

// PoolInfo is the subset of pool.Pool a Compactor needs to build a policy
// State: full ring membership (oldest first) for both rings, so a Policy
// can pick true eviction candidates rather than only the active append
// target, plus each candidate's current generation and the fixed chunk
// size needed to resolve child-record addresses.
type PoolInfo interface {
	FastRing() []pool.ChunkID
	SlowRing() []pool.ChunkID
	CurrentSeq(id pool.ChunkID) (uint64, error)
	ChunkSize() int64
}

// Compactor runs the rewrite-forward cascade (spec C7): for each chunk a
// Policy selects, it finds every reachable node that still points into that
// chunk and rewrites it onto the slow ring head, cascading the rewrite up to
// the root so the republished root has no stale references left.
//
// A Compactor operates on a single trie.Trie, reusing its loader, writer,
// and cache rather than opening a parallel I/O path.
type Compactor struct {
	t      *trie.Trie
	pool   PoolInfo
	policy Policy
	logger *slog.Logger

	stats Stats

	scheduler gocron.Scheduler
	job       gocron.Job
}

// Config configures a Compactor's background schedule.
type Config struct {
	Policy   Policy
	CronExpr string // e.g. "*/5 * * * *"; empty disables the background job
	Logger   *slog.Logger
}

// New constructs a Compactor. Call Start to begin its background schedule,
// or RunOnce to force a single pass synchronously (used by the operator CLI
// and by tests).
func New(t *trie.Trie, p PoolInfo, cfg Config) (*Compactor, error) {
	logger := logging.Default(cfg.Logger).With("component", "compaction")
	policy := cfg.Policy
	if policy == nil {
		policy = NeverCompactPolicy{}
	}

	c := &Compactor{t: t, pool: p, policy: policy, logger: logger}

	if cfg.CronExpr != "" {
		s, err := gocron.NewScheduler()
		if err != nil {
			return nil, fmt.Errorf("compaction: create scheduler: %w", err)
		}
		j, err := s.NewJob(
			gocron.CronJob(cfg.CronExpr, false),
			gocron.NewTask(c.runScheduled),
			gocron.WithName("mpt-compaction"),
		)
		if err != nil {
			return nil, fmt.Errorf("compaction: schedule job: %w", err)
		}
		c.scheduler = s
		c.job = j
	}

	return c, nil
}

// Start begins the background compaction schedule. A Compactor built with
// an empty CronExpr has nothing to start.
func (c *Compactor) Start() {
	if c.scheduler != nil {
		c.scheduler.Start()
		c.logger.Info("compaction scheduler started")
	}
}

// Stop shuts down the background schedule and waits for an in-progress pass
// to finish.
func (c *Compactor) Stop() error {
	if c.scheduler == nil {
		return nil
	}
	return c.scheduler.Shutdown()
}

func (c *Compactor) runScheduled() {
	ctx := context.Background()
	if err := c.RunOnce(ctx); err != nil {
		c.logger.Error("compaction pass failed", "error", err)
	}
}

// Stats returns a point-in-time copy of the compactor's counters.
func (c *Compactor) Stats() StatsSnapshot { return c.stats.snapshot() }

// RunOnce selects candidate chunks via the configured policy and runs one
// rewrite-forward pass over them. It is a no-op (not an error) if the policy
// selects nothing, or if the trie has no published root yet; a pass whose
// policy selects nothing still counts in Stats.PassesRun, while a call made
// before any root is published does not.
func (c *Compactor) RunOnce(ctx context.Context) error {
	root, hasRoot := c.t.CurrentRoot()
	if !hasRoot {
		return nil
	}

	targets := c.selectTargets()
	if len(targets) == 0 {
		c.stats.recordPass(0, nil)
		return nil
	}

	c.logger.Info("compaction pass starting", "chunks", len(targets))

	rootNode, err := c.t.Loader().LoadNode(ctx, root)
	if err != nil {
		return fmt.Errorf("compaction: load root: %w", err)
	}

	rewritten, changed, err := planRewrite(ctx, c.t.Loader(), c.t.Writer(), c.t.Cache(), rootNode, c.pool.ChunkSize(), targets, true, &c.stats)
	if err != nil {
		c.stats.recordPass(len(targets), err)
		return err
	}
	if !changed {
		c.stats.recordPass(len(targets), nil)
		return nil
	}

	res, err := c.t.Writer().WriteNode(ctx, rewritten, true, pool.RingSlow)
	if err != nil {
		return fmt.Errorf("compaction: write rewritten root: %w", err)
	}
	c.t.Cache().Put(res.Virtual, rewritten)

	if err := c.t.RepointRoot(ctx, res.Virtual); err != nil {
		return fmt.Errorf("compaction: repoint root: %w", err)
	}

	c.stats.recordPass(len(targets), nil)
	c.logger.Info("compaction pass complete", "chunks", len(targets), "nodes_rewritten", c.stats.snapshot().NodesRewritten)
	return nil
}

// selectTargets asks the policy for candidate chunks and returns them as a
// set for O(1) membership tests during the traversal.
func (c *Compactor) selectTargets() map[pool.ChunkID]bool {
	state := State{
		FastRingChunks: c.ringChunks(c.pool.FastRing(), pool.RingFast),
		SlowRingChunks: c.ringChunks(c.pool.SlowRing(), pool.RingSlow),
	}

	ids := c.policy.Apply(state)
	out := make(map[pool.ChunkID]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

// ringChunks converts a ring's oldest-first chunk id list into the
// ChunkInfo slice a Policy consumes, preserving order and deriving
// AgeRank directly from position (0 = oldest).
func (c *Compactor) ringChunks(ids []pool.ChunkID, ring pool.Ring) []ChunkInfo {
	out := make([]ChunkInfo, len(ids))
	for i, id := range ids {
		seq, _ := c.pool.CurrentSeq(id)
		out[i] = ChunkInfo{ID: id, Ring: ring, Seq: seq, AgeRank: i}
	}
	return out
}

// RunConcurrent is an alternate entry point for a larger selected set: it
// fans the per-ancestor-path rewrite out across a bounded worker group
// instead of a single recursive walk, for deployments where a pass touches
// enough chunks that serial rewriting would fall behind the fast ring's
// production rate. roots is typically a batch of sibling subtrees collected
// by the caller (e.g. every child of the trie root) so each worker owns a
// disjoint slice of the tree.
func (c *Compactor) RunConcurrent(ctx context.Context, targets map[pool.ChunkID]bool, subtreeRoots []pool.VirtualOffset, maxWorkers int) error {
	if len(subtreeRoots) == 0 {
		return nil
	}
	if maxWorkers <= 0 {
		maxWorkers = 4
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxWorkers)

	for _, off := range subtreeRoots {
		off := off
		g.Go(func() error {
			n, err := c.t.Loader().LoadNode(gctx, off)
			if err != nil {
				return fmt.Errorf("compaction: load subtree root: %w", err)
			}
			_, _, err = planRewrite(gctx, c.t.Loader(), c.t.Writer(), c.t.Cache(), n, c.pool.ChunkSize(), targets, false, &c.stats)
			return err
		})
	}
	return g.Wait()
}

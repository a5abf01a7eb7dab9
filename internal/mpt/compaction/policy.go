// Package compaction implements the background rewrite-forward pass (spec
// C7): nodes still reachable from the current root that live on a chunk
// about to cycle off the slow ring are copied onto the current slow-ring
// head, with the rewrite cascading up every ancestor to the root so no
// stale pointer is ever left behind. A chunk is only returned to the pool's
// free list once every rewrite it triggered is durable.
package compaction

import "github.com/monad-labs/mpt-store/internal/mpt/pool"

// ChunkInfo is what a Policy needs to know about one chunk to decide
// whether it's a compaction candidate.
type ChunkInfo struct {
	ID       pool.ChunkID
	Ring     pool.Ring
	Seq      uint64
	AgeRank  int // 0 = oldest chunk still on its ring, increasing with recency
}

// State is an immutable snapshot of pool occupancy handed to a Policy.
// Policies are pure functions: no IO, no locks, no mutation.
type State struct {
	SlowRingChunks []ChunkInfo // sorted oldest first
	FastRingChunks []ChunkInfo
}

// Policy decides which chunks should be compacted forward in the next
// pass, mirroring the pure Apply(state) -> decision shape used elsewhere in
// this codebase for rotation and retention decisions.
type Policy interface {
	Apply(state State) []pool.ChunkID
}

// PolicyFunc adapts an ordinary function to Policy.
type PolicyFunc func(State) []pool.ChunkID

func (f PolicyFunc) Apply(s State) []pool.ChunkID { return f(s) }

// OldestNPolicy selects the N oldest chunks on the slow ring every pass,
// the simplest viable forward-progress policy: as long as compaction runs
// more often than the slow ring cycles, every chunk eventually gets a pass
// before it reaches the head and would otherwise be recycled with live
// data still on it.
type OldestNPolicy struct {
	N int
}

func (p OldestNPolicy) Apply(s State) []pool.ChunkID {
	if p.N <= 0 {
		return nil
	}
	n := p.N
	if n > len(s.SlowRingChunks) {
		n = len(s.SlowRingChunks)
	}
	out := make([]pool.ChunkID, n)
	for i := 0; i < n; i++ {
		out[i] = s.SlowRingChunks[i].ID
	}
	return out
}

// NeverCompactPolicy never selects a chunk, useful for tests and for a
// read-only instance that must not trigger background rewrites.
type NeverCompactPolicy struct{}

func (NeverCompactPolicy) Apply(State) []pool.ChunkID { return nil }

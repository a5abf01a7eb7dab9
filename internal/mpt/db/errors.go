package db

import (
	"errors"
	"fmt"

	"github.com/monad-labs/mpt-store/internal/mpt/ioengine"
	"github.com/monad-labs/mpt-store/internal/mpt/meta"
	"github.com/monad-labs/mpt-store/internal/mpt/nodecodec"
	"github.com/monad-labs/mpt-store/internal/mpt/trie"
)

// The public surface collapses the full internal error taxonomy (pool,
// ioengine, nodecodec, trie, meta sentinels) down to three kinds a caller
// outside this module needs to branch on. Internal detail survives as the
// wrapped cause (errors.Unwrap / %w) for logging, but callers should only
// ever errors.Is against these three.
var (
	// ErrKeyNotFound means the key has no value at the requested version.
	ErrKeyNotFound = errors.New("db: key not found")

	// ErrVersionExpired means the requested version has been dropped from
	// the retained history (by Publish trimming it to HistoryLength, or by
	// ExpireBelow) and its root is no longer retained.
	ErrVersionExpired = errors.New("db: version has expired")

	// ErrIoFailure covers any storage I/O failure: device read/write
	// errors or a corrupt on-disk node. Write-buffer exhaustion is not
	// among them: the I/O engine panics on it.
	ErrIoFailure = errors.New("db: storage i/o failure")

	// ErrCorruptNode is an internal detail wrapped into ErrIoFailure at the
	// public boundary; kept distinct here so nodeStore can report the more
	// specific cause in logs before collapse.
	ErrCorruptNode = errors.New("db: corrupt node")
)

// collapse maps an internal error to the public taxonomy, preserving it as
// the wrapped cause.
func collapse(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, trie.ErrKeyNotFound), errors.Is(err, trie.ErrBranchMissing),
		errors.Is(err, trie.ErrKeyMismatch), errors.Is(err, trie.ErrKeyEndsInsideNode):
		return fmt.Errorf("%w: %v", ErrKeyNotFound, err)
	case errors.Is(err, meta.ErrVersionExpired):
		return fmt.Errorf("%w: %v", ErrVersionExpired, err)
	case errors.Is(err, nodecodec.ErrCorruptNode), errors.Is(err, nodecodec.ErrInvariantViolation),
		errors.Is(err, nodecodec.ErrNodeTooLarge), errors.Is(err, ErrCorruptNode),
		errors.Is(err, ioengine.ErrIoFailure):
		return fmt.Errorf("%w: %v", ErrIoFailure, err)
	default:
		return fmt.Errorf("%w: %v", ErrIoFailure, err)
	}
}

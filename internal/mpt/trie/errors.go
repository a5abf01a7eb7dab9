package trie

import "errors"

var (
	// ErrKeyNotFound is returned when a walk consumes its key but lands on
	// a node with no value, or runs off the trie entirely.
	ErrKeyNotFound = errors.New("trie: key not found")

	// ErrKeyMismatch is returned when the key diverges from a node's
	// inlined path prefix partway through.
	ErrKeyMismatch = errors.New("trie: key diverges from node path")

	// ErrBranchMissing is returned when a walk needs a child nibble whose
	// mask bit is unset.
	ErrBranchMissing = errors.New("trie: no branch for next nibble")

	// ErrKeyEndsInsideNode is returned when the key is exhausted partway
	// through a node's inlined path, i.e. the key names a prefix of an
	// existing key but not a key itself.
	ErrKeyEndsInsideNode = errors.New("trie: key ends inside node path")

	// ErrEmptyUpdateBatch is returned by Upsert when called with no updates.
	ErrEmptyUpdateBatch = errors.New("trie: empty update batch")
)

package trie

import "context"

// FindAsync runs Find on its own goroutine and delivers the result through
// done, mirroring the async find state machine in the original
// implementation (there, driven by io_uring completion receivers; here, Go
// already gives every blocking LoadNode its own goroutine via the runtime
// scheduler, so the "async variant" is the same walk with the caller freed
// to continue before it completes rather than a distinct state machine).
// Find itself remains the blocking convenience wrapper most callers use.
func (t *Trie) FindAsync(ctx context.Context, key []byte, done func(value []byte, err error)) {
	go func() {
		val, err := t.Find(ctx, key)
		done(val, err)
	}()
}

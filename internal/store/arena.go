package store

import "sync"

// arena is the per-shuffle scratch-buffer pool referenced in spec.md
// §5: "row and key bytes are arena-allocated per shuffle; the arena is
// released on shuffle close(). Decoded values used only inside a single
// scan use a per-iteration arena freed before the next iteration." Go's
// garbage collector, not manual allocation, owns the actual memory;
// what the arena buys is reuse of scratch buffers across iterator
// steps so a long range scan doesn't allocate a fresh buffer per entry.
type arena struct {
	pool sync.Pool
}

func newArena() *arena {
	return &arena{pool: sync.Pool{New: func() any { return make([]byte, 0, 256) }}}
}

// get returns a scratch buffer with at least cap capacity, truncated to
// length 0.
func (a *arena) get(capHint int) []byte {
	b := a.pool.Get().([]byte)
	if cap(b) < capHint {
		return make([]byte, 0, capHint)
	}
	return b[:0]
}

// put returns a scratch buffer to the pool for reuse by the next
// iterator step.
func (a *arena) put(b []byte) {
	a.pool.Put(b) //nolint:staticcheck // reused across iterator steps, not escaping
}

// close releases the arena. There is nothing to free explicitly since
// the pool's buffers are ordinary Go memory; this exists so Store.Close
// has a single, named place to sever the arena's lifetime.
func (a *arena) close() {
	a.pool = sync.Pool{}
}

// Package registry implements spec.md §4.4: the process-wide table
// mapping a shuffle's opaque identifier to its live Store, grounded in
// the teacher's WorkerRegistry (internal/master/registry.go), which
// uses the same concurrent-readers / exclusive-writer discipline over
// a map keyed by a process-wide identifier.
package registry

import (
	"sync"
	"time"

	"slices"

	"shuffler/internal/codec"
	"shuffler/internal/store"
	"shuffler/internal/wire"
)

// Shuffle is the server-side state for one live shuffle (spec.md §3's
// "Shuffle state"): its identifier, its immutable type descriptor, the
// Store backing it, and its creation time.
type Shuffle struct {
	ID        wire.ShuffleID
	Codec     *codec.Codec
	Store     *store.Store
	CreatedAt time.Time
}

// Registry is the process-wide identifier -> Shuffle table. All
// operations are safe under concurrent access: many goroutines may read
// the mapping at once, but insert and remove take the table
// exclusively, mirroring the teacher's WorkerRegistry's
// sync.RWMutex-guarded map.
type Registry struct {
	mu       sync.RWMutex
	shuffles map[wire.ShuffleID]*Shuffle
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{shuffles: make(map[wire.ShuffleID]*Shuffle)}
}

// Insert registers a newly created shuffle. It is the caller's
// responsibility to have generated a fresh, collision-free identifier
// (START does this with a cryptographically secure random source).
func (r *Registry) Insert(s *Shuffle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shuffles[s.ID] = s
}

// Get looks up a shuffle by identifier. The second return value is
// false if no such shuffle is live; callers translate that into
// UnknownShuffle on the wire (spec.md §4.4).
func (r *Registry) Get(id wire.ShuffleID) (*Shuffle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.shuffles[id]
	return s, ok
}

// Remove deregisters a shuffle and closes its Store, releasing the
// Store's files and memory (spec.md §3). It reports whether a shuffle
// was actually found; a second Remove of the same identifier is a
// no-op that reports false, which is the "idempotent STOP" property
// spec.md §8 requires.
func (r *Registry) Remove(id wire.ShuffleID) bool {
	r.mu.Lock()
	s, ok := r.shuffles[id]
	if ok {
		delete(r.shuffles, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.Store.Close()
	return true
}

// Len reports the number of live shuffles. Used by tests and by the
// Server's shutdown path to log how much state it is tearing down.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.shuffles)
}

// IDs returns every live shuffle identifier in a stable, sorted order,
// so repeated calls (e.g. across a diagnostics dump) enumerate shuffles
// the same way even though the backing map does not.
func (r *Registry) IDs() []wire.ShuffleID {
	r.mu.RLock()
	ids := make([]wire.ShuffleID, 0, len(r.shuffles))
	for id := range r.shuffles {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	slices.SortFunc(ids, func(a, b wire.ShuffleID) int {
		for i := range a {
			if a[i] != b[i] {
				return int(a[i]) - int(b[i])
			}
		}
		return 0
	})
	return ids
}

// CloseAll removes and closes every live shuffle. The Server calls this
// on shutdown (spec.md §5 "Cancellation: closing the Server ... releases
// the Store").
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]*Shuffle, 0, len(r.shuffles))
	for id, s := range r.shuffles {
		all = append(all, s)
		delete(r.shuffles, id)
	}
	r.mu.Unlock()
	for _, s := range all {
		s.Store.Close()
	}
}

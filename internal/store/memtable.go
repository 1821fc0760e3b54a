package store

// entry is one (key, row) pair with the global sequence number it was
// inserted under. seq is the insertion-order tiebreaker spec.md §3
// requires when two entries share a key.
type entry struct {
	key []byte
	row []byte
	seq int64
}

// memtable is the in-memory sorted buffer of recent puts (spec.md
// §4.2's "balanced tree or skiplist"). It is kept as a slice sorted by
// (cmp(key), seq) and mutated with an insertion-sort-style binary
// search + insert, which is the simplest structure that preserves both
// orderings without pulling in an external ordered-map dependency.
type memtable struct {
	cmp     Comparator
	entries []entry
}

func newMemtable(cmp Comparator) *memtable {
	return &memtable{cmp: cmp}
}

// put inserts e in key order. Because seq strictly increases with every
// call, appending at the end of e's equal-key run always preserves
// insertion order among entries that share a key.
func (m *memtable) put(e entry) {
	lo, hi := 0, len(m.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if m.cmp(m.entries[mid].key, e.key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	m.entries = append(m.entries, entry{})
	copy(m.entries[lo+1:], m.entries[lo:])
	m.entries[lo] = e
}

func (m *memtable) len() int { return len(m.entries) }

func (m *memtable) sizeBytes() int {
	n := 0
	for _, e := range m.entries {
		n += len(e.key) + len(e.row)
	}
	return n
}

// snapshot returns the entries currently in the memtable. Callers must
// hold the store lock while calling this and may use the result after
// releasing it, since put() never mutates an entry in place (it only
// grows the slice via append+copy, which for a held-over slice header
// already read is safe to read concurrently with future writes because
// those writes operate on a new backing array once capacity is
// exceeded; to avoid relying on that subtlety we simply copy).
func (m *memtable) snapshot() []entry {
	out := make([]entry, len(m.entries))
	copy(out, m.entries)
	return out
}

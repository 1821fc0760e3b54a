// Package store implements spec.md §4.2: a per-shuffle, persistent,
// sorted multimap from encoded key to encoded row. It is a small
// log-structured merge tree: an in-memory memtable absorbs puts and is
// flushed to an immutable sorted run file once it grows past a
// threshold; a background goroutine merges runs to bound the number of
// files a range scan has to k-way-merge against.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"shuffler/internal/shuffleerr"
)

const (
	// maxMemtableEntries triggers a flush of the memtable to a new run
	// file once the memtable holds this many entries.
	maxMemtableEntries = 4096
	// mergeThreshold triggers a background merge once this many runs
	// accumulate.
	mergeThreshold = 4
)

// Store is a per-shuffle sorted multimap. The zero value is not usable;
// construct one with Open.
type Store struct {
	dir string
	cmp Comparator

	mu       sync.Mutex
	memtable *memtable
	runs     []*run
	nextRun  int64
	nextSeq  int64
	res      *reservoir
	minKey   []byte
	maxKey   []byte

	poisoned error
	arena    *arena

	mergeCh   chan struct{}
	stopCh    chan struct{}
	mergeDone chan struct{}
	closeOnce sync.Once
}

// Open creates the scratch directory for one shuffle and returns a
// Store that will persist its sorted runs under it. cmp must behave
// identically to the Codec.Order that governed (or will govern) the
// keys this Store sees (spec.md §3's ordering invariant).
func Open(dir string, cmp Comparator) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &shuffleerr.ErrStoreIO{Op: "create shuffle directory", Err: err}
	}
	s := &Store{
		dir:       dir,
		cmp:       cmp,
		memtable:  newMemtable(cmp),
		res:       newReservoir(),
		arena:     newArena(),
		mergeCh:   make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		mergeDone: make(chan struct{}),
	}
	go s.mergeLoop()
	return s, nil
}

// Put inserts (key, row) in key order. No deduplication is performed;
// multiple entries may share a key.
func (s *Store) Put(key, row []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.poisoned != nil {
		return shuffleerr.ErrShufflePoisoned
	}

	seq := s.nextSeq
	s.nextSeq++
	keyCopy := append([]byte(nil), key...)
	rowCopy := append([]byte(nil), row...)
	s.memtable.put(entry{key: keyCopy, row: rowCopy, seq: seq})
	s.res.observe(keyCopy)

	if s.minKey == nil || s.cmp(keyCopy, s.minKey) < 0 {
		s.minKey = keyCopy
	}
	if s.maxKey == nil || s.cmp(keyCopy, s.maxKey) > 0 {
		s.maxKey = keyCopy
	}

	if s.memtable.len() >= maxMemtableEntries {
		if err := s.flushLocked(); err != nil {
			s.poisoned = err
			return err
		}
	}
	return nil
}

// flushLocked writes the current memtable to a new run file and
// signals the background merge goroutine. Caller must hold s.mu.
func (s *Store) flushLocked() error {
	if s.memtable.len() == 0 {
		return nil
	}
	seq := s.nextRun
	s.nextRun++
	path := runFileName(s.dir, seq)
	r, err := writeRun(path, s.memtable.snapshot())
	if err != nil {
		return err
	}
	r.seq = seq
	s.runs = append(s.runs, r)
	s.memtable = newMemtable(s.cmp)

	select {
	case s.mergeCh <- struct{}{}:
	default:
	}
	return nil
}

// mergeLoop is the background goroutine described in spec.md §4.2 ("a
// background merge collapses runs to bound read amplification"). It
// runs for the lifetime of the Store and exits when Close signals it.
func (s *Store) mergeLoop() {
	defer close(s.mergeDone)
	for {
		select {
		case <-s.mergeCh:
			s.maybeMerge()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store) maybeMerge() {
	s.mu.Lock()
	if len(s.runs) < mergeThreshold || s.poisoned != nil {
		s.mu.Unlock()
		return
	}
	victims := append([]*run(nil), s.runs[:mergeThreshold]...)
	s.mu.Unlock()

	merged, err := s.mergeRuns(victims)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if s.poisoned == nil {
			s.poisoned = err
		}
		return
	}
	// Splice the merged run in place of the victims. Runs appended by
	// concurrent flushes since we released the lock sit after the
	// victim slice and are preserved untouched.
	remaining := append([]*run(nil), s.runs[len(victims):]...)
	s.runs = append([]*run{merged}, remaining...)
	for _, v := range victims {
		os.Remove(v.path)
	}

	if len(s.runs) >= mergeThreshold {
		select {
		case s.mergeCh <- struct{}{}:
		default:
		}
	}
}

func (s *Store) mergeRuns(victims []*run) (*run, error) {
	sources := make([]source, 0, len(victims))
	for _, v := range victims {
		rr, err := openRunReader(v.path)
		if err != nil {
			return nil, err
		}
		rs, err := newRunSource(rr)
		if err != nil {
			rr.close()
			return nil, err
		}
		sources = append(sources, rs)
	}
	it, err := newMergeIterator(s.cmp, sources)
	if err != nil {
		return nil, err
	}
	defer it.close()

	var merged []entry
	for {
		e, ok, err := it.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		merged = append(merged, e)
	}

	s.mu.Lock()
	seq := s.nextRun
	s.nextRun++
	s.mu.Unlock()

	r, err := writeRun(runFileName(s.dir, seq), merged)
	if err != nil {
		return nil, err
	}
	r.seq = seq
	return r, nil
}

// RangeIter yields (key, row) pairs in ascending key order, insertion
// order tiebroken, for one Range call. Each call to Next reuses a
// single scratch buffer from the store's per-iteration arena (spec.md
// §5) rather than allocating fresh key/row slices; the buffer returned
// by one Next call is only valid until the next call or Close.
type RangeIter struct {
	it      *mergeIterator
	cmp     Comparator
	end     []byte
	endIncl bool
	hasEnd  bool
	arena   *arena
	scratch []byte
}

// Next advances the iterator. It returns ok=false once the end of the
// requested interval (or the store) is reached.
func (it *RangeIter) Next() (key, row []byte, ok bool, err error) {
	e, ok, err := it.it.next()
	if err != nil || !ok {
		return nil, nil, false, err
	}
	if it.hasEnd {
		c := it.cmp(e.key, it.end)
		if c > 0 || (c == 0 && !it.endIncl) {
			return nil, nil, false, nil
		}
	}
	if it.scratch != nil {
		it.arena.put(it.scratch)
	}
	buf := it.arena.get(len(e.key) + len(e.row))
	buf = append(buf, e.key...)
	buf = append(buf, e.row...)
	it.scratch = buf
	return buf[:len(e.key)], buf[len(e.key):], true, nil
}

// Close releases the run file handles backing this iterator and
// returns its scratch buffer to the arena.
func (it *RangeIter) Close() error {
	if it.scratch != nil {
		it.arena.put(it.scratch)
		it.scratch = nil
	}
	return it.it.close()
}

// Range returns an iterator over entries whose keys fall in
// [start,end] or half-open variants thereof, per startIncl/endIncl
// (spec.md §4.2). A nil start means "from the beginning"; a nil end
// means "to the end".
func (s *Store) Range(start []byte, startIncl bool, end []byte, endIncl bool) (*RangeIter, error) {
	s.mu.Lock()
	if s.poisoned != nil {
		s.mu.Unlock()
		return nil, shuffleerr.ErrShufflePoisoned
	}
	memSnap := s.memtable.snapshot()
	runsSnap := append([]*run(nil), s.runs...)
	s.mu.Unlock()

	sources := []source{&sliceSource{entries: seekSlice(s.cmp, memSnap, start, startIncl)}}
	for _, r := range runsSnap {
		if !rangeOverlapsRun(s.cmp, r, start, end) {
			continue
		}
		rr, err := openRunReader(r.path)
		if err != nil {
			closeAll(sources)
			return nil, err
		}
		rs, err := seekRun(s.cmp, rr, start, startIncl)
		if err != nil {
			closeAll(sources)
			return nil, err
		}
		sources = append(sources, rs)
	}

	mi, err := newMergeIterator(s.cmp, sources)
	if err != nil {
		closeAll(sources)
		return nil, err
	}
	return &RangeIter{it: mi, cmp: s.cmp, end: end, endIncl: endIncl, hasEnd: end != nil, arena: s.arena}, nil
}

func closeAll(sources []source) {
	for _, s := range sources {
		s.close()
	}
}

// seekSlice returns the suffix of a sorted entry slice at or after
// start (subject to startIncl).
func seekSlice(cmp Comparator, entries []entry, start []byte, startIncl bool) []entry {
	if start == nil {
		return entries
	}
	idx := sort.Search(len(entries), func(i int) bool {
		c := cmp(entries[i].key, start)
		if startIncl {
			return c >= 0
		}
		return c > 0
	})
	return entries[idx:]
}

// seekRun advances a freshly opened run source past entries before
// start, since run files are read sequentially rather than via binary
// search (spec.md's run files are a plain sequence of blocks; we trade
// a linear skip for not needing a block index here).
func seekRun(cmp Comparator, rr *runReader, start []byte, startIncl bool) (*runSource, error) {
	rs, err := newRunSource(rr)
	if err != nil {
		return nil, err
	}
	if start == nil {
		return rs, nil
	}
	for {
		e, ok := rs.peek()
		if !ok {
			return rs, nil
		}
		c := cmp(e.key, start)
		if c > 0 || (c == 0 && startIncl) {
			return rs, nil
		}
		if err := rs.advance(); err != nil {
			return nil, err
		}
	}
}

func rangeOverlapsRun(cmp Comparator, r *run, start, end []byte) bool {
	if r.count == 0 {
		return false
	}
	if end != nil && cmp(r.minKey, end) > 0 {
		return false
	}
	if start != nil && cmp(r.maxKey, start) < 0 {
		return false
	}
	return true
}

// PartitionKeys returns n+1 boundary keys approximately equally
// partitioning the store's key distribution, or an empty slice iff
// n == 0 (spec.md §4.2).
func (s *Store) PartitionKeys(n int) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.poisoned != nil {
		return nil, shuffleerr.ErrShufflePoisoned
	}
	if n == 0 {
		return nil, nil
	}
	if s.minKey == nil {
		return nil, fmt.Errorf("partition_keys: store has no entries")
	}
	scanFn := func() ([][]byte, error) {
		return s.allKeysLocked()
	}
	return partitionKeys(s.cmp, s.res, s.minKey, s.maxKey, n, scanFn)
}

// allKeysLocked scans every entry currently in the store. Caller must
// hold s.mu. Used only as a fallback when the reservoir is too small.
func (s *Store) allKeysLocked() ([][]byte, error) {
	sources := []source{&sliceSource{entries: s.memtable.snapshot()}}
	for _, r := range s.runs {
		rr, err := openRunReader(r.path)
		if err != nil {
			closeAll(sources)
			return nil, err
		}
		rs, err := newRunSource(rr)
		if err != nil {
			closeAll(sources)
			return nil, err
		}
		sources = append(sources, rs)
	}
	it, err := newMergeIterator(s.cmp, sources)
	if err != nil {
		closeAll(sources)
		return nil, err
	}
	defer it.close()

	var keys [][]byte
	for {
		e, ok, err := it.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		keys = append(keys, e.key)
	}
	return keys, nil
}

// Close releases all resources held by the Store and deletes its
// backing directory (spec.md §4.2). It is safe to call more than once.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCh)
		<-s.mergeDone
		s.mu.Lock()
		s.arena.close()
		s.mu.Unlock()
		err = os.RemoveAll(filepath.Clean(s.dir))
	})
	return err
}

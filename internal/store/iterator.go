package store

import (
	"container/heap"
)

// source is anything the merge iterator can pull ordered entries from:
// either a position within a sorted in-memory slice or an open run
// file.
type source interface {
	// peek returns the current entry without consuming it.
	peek() (entry, bool)
	// advance discards the current entry and loads the next one.
	advance() error
	// close releases any resources (a no-op for the memtable source).
	close() error
}

type sliceSource struct {
	entries []entry
	pos     int
}

func (s *sliceSource) peek() (entry, bool) {
	if s.pos >= len(s.entries) {
		return entry{}, false
	}
	return s.entries[s.pos], true
}

func (s *sliceSource) advance() error {
	s.pos++
	return nil
}

func (s *sliceSource) close() error { return nil }

type runSource struct {
	rr      *runReader
	current entry
	has     bool
}

func newRunSource(rr *runReader) (*runSource, error) {
	rs := &runSource{rr: rr}
	if err := rs.advance(); err != nil {
		return nil, err
	}
	return rs, nil
}

func (s *runSource) peek() (entry, bool) {
	return s.current, s.has
}

func (s *runSource) advance() error {
	e, ok, err := s.rr.next()
	if err != nil {
		return err
	}
	s.current, s.has = e, ok
	return nil
}

func (s *runSource) close() error { return s.rr.close() }

// mergeIterator k-way merges a set of already-sorted sources into one
// ascending (key, seq) stream, the way spec.md §4.2 describes a range
// scan: "k-way-merge the memtable iterator with one iterator per
// on-disk run".
type mergeIterator struct {
	cmp     Comparator
	sources []source
	h       *iterHeap
}

type heapItem struct {
	e      entry
	srcIdx int
}

type iterHeap struct {
	items []heapItem
	cmp   Comparator
}

func (h *iterHeap) Len() int { return len(h.items) }
func (h *iterHeap) Less(i, j int) bool {
	c := h.cmp(h.items[i].e.key, h.items[j].e.key)
	if c != 0 {
		return c < 0
	}
	return h.items[i].e.seq < h.items[j].e.seq
}
func (h *iterHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *iterHeap) Push(x any)    { h.items = append(h.items, x.(heapItem)) }
func (h *iterHeap) Pop() any {
	n := len(h.items)
	it := h.items[n-1]
	h.items = h.items[:n-1]
	return it
}

func newMergeIterator(cmp Comparator, sources []source) (*mergeIterator, error) {
	h := &iterHeap{cmp: cmp}
	for i, s := range sources {
		if e, ok := s.peek(); ok {
			heap.Push(h, heapItem{e: e, srcIdx: i})
		}
	}
	return &mergeIterator{cmp: cmp, sources: sources, h: h}, nil
}

// next returns the next entry in global ascending (key, seq) order, or
// ok=false when all sources are exhausted.
func (m *mergeIterator) next() (entry, bool, error) {
	if m.h.Len() == 0 {
		return entry{}, false, nil
	}
	top := heap.Pop(m.h).(heapItem)
	src := m.sources[top.srcIdx]
	if err := src.advance(); err != nil {
		return entry{}, false, err
	}
	if e, ok := src.peek(); ok {
		heap.Push(m.h, heapItem{e: e, srcIdx: top.srcIdx})
	}
	return top.e, true, nil
}

func (m *mergeIterator) close() error {
	var first error
	for _, s := range m.sources {
		if err := s.close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

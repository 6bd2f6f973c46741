// Package merger combines per-shard select results into one ordered stream.
//
// Every shard returns its tuples sorted by primary key. The merger keeps one
// cursor per source in a binary heap and repeatedly pops the smallest (or,
// in descending order, the largest) head, so merging k sources of n tuples
// in total costs O(n log k).
package merger

import (
	"container/heap"
	"fmt"

	"github.com/dreamware/shardq/internal/storage"
)

// Order of the merged stream.
type Order string

const (
	Asc  Order = "asc"
	Desc Order = "desc"
)

// ParseOrder converts the wire name to an Order, empty means ascending.
func ParseOrder(s string) (Order, error) {
	switch Order(s) {
	case "", Asc:
		return Asc, nil
	case Desc:
		return Desc, nil
	default:
		return "", fmt.Errorf(`unknown order "%s", expected "asc" or "desc"`, s)
	}
}

// source is a cursor over one sorted result.
type source struct {
	tuples []storage.Tuple
	keys   []storage.Key
	pos    int
	step   int
}

func (s *source) done() bool {
	return s.pos < 0 || s.pos >= len(s.tuples)
}

// Merger yields the tuples of all sources in the requested order.
// It is not safe for concurrent use.
type Merger struct {
	order Order
	heap  sourceHeap
}

// New creates a merger over sources that are each sorted by primary key ascending.
// Returns an error if a tuple has no valid primary key.
//
// Example:
//
//	m, err := merger.New(merger.Desc, shard0, shard1)
//	for t, ok := m.Next(); ok; t, ok = m.Next() {
//	    fmt.Println(t)
//	}
func New(order Order, sources ...[]storage.Tuple) (*Merger, error) {
	m := &Merger{order: order, heap: sourceHeap{desc: order == Desc}}
	for i, tuples := range sources {
		if len(tuples) == 0 {
			continue
		}
		s := &source{tuples: tuples, keys: make([]storage.Key, len(tuples)), step: 1}
		for j, t := range tuples {
			key, err := t.PrimaryKey()
			if err != nil {
				return nil, fmt.Errorf("source %d, tuple %d: %w", i, j, err)
			}
			s.keys[j] = key
		}
		if order == Desc {
			s.pos = len(tuples) - 1
			s.step = -1
		}
		m.heap.sources = append(m.heap.sources, s)
	}
	heap.Init(&m.heap)
	return m, nil
}

// Next returns the next tuple, false when all sources are exhausted.
func (m *Merger) Next() (storage.Tuple, bool) {
	if m.heap.Len() == 0 {
		return nil, false
	}
	s := m.heap.sources[0]
	t := s.tuples[s.pos]
	s.pos += s.step
	if s.done() {
		heap.Pop(&m.heap)
	} else {
		heap.Fix(&m.heap, 0)
	}
	return t, true
}

// Merge returns all tuples of the sources in the requested order.
func Merge(order Order, sources ...[]storage.Tuple) ([]storage.Tuple, error) {
	m, err := New(order, sources...)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, s := range sources {
		total += len(s)
	}
	out := make([]storage.Tuple, 0, total)
	for t, ok := m.Next(); ok; t, ok = m.Next() {
		out = append(out, t)
	}
	return out, nil
}

// sourceHeap implements heap.Interface over the current heads of the sources.
type sourceHeap struct {
	sources []*source
	desc    bool
}

func (h sourceHeap) Len() int {
	return len(h.sources)
}

func (h sourceHeap) Less(i, j int) bool {
	a, b := h.sources[i], h.sources[j]
	c := a.keys[a.pos].Compare(b.keys[b.pos])
	if h.desc {
		return c > 0
	}
	return c < 0
}

func (h sourceHeap) Swap(i, j int) {
	h.sources[i], h.sources[j] = h.sources[j], h.sources[i]
}

func (h *sourceHeap) Push(x any) {
	h.sources = append(h.sources, x.(*source))
}

func (h *sourceHeap) Pop() any {
	old := h.sources
	n := len(old)
	s := old[n-1]
	h.sources = old[:n-1]
	return s
}

package segment

import (
	"bytes"
	"container/heap"

	"github.com/stratadb/strata/core"
)

// MergeIterator merges multiple segment iterators into a single stream
// ordered by (timestamp, series key, sequence). Input time ranges may
// overlap; rows with the same series key keep their WAL sequence order,
// so a merge never reorders writes to the same key.
type MergeIterator struct {
	h   mergeHeap
	cur core.Row
	err error
}

// NewMergeIterator builds a merge over the given iterators. Iterators
// that are immediately exhausted are dropped.
func NewMergeIterator(inputs []*Iterator) (*MergeIterator, error) {
	m := &MergeIterator{h: make(mergeHeap, 0, len(inputs))}
	for _, it := range inputs {
		if it.Next() {
			m.h = append(m.h, it)
		} else if err := it.Err(); err != nil {
			return nil, err
		}
	}
	heap.Init(&m.h)
	return m, nil
}

// Next advances to the next row in merge order.
func (m *MergeIterator) Next() bool {
	if m.err != nil || m.h.Len() == 0 {
		return false
	}
	it := m.h[0]
	m.cur = it.Row()
	if it.Next() {
		heap.Fix(&m.h, 0)
	} else {
		if err := it.Err(); err != nil {
			m.err = err
			return false
		}
		heap.Pop(&m.h)
	}
	return true
}

// Row returns the current merged row.
func (m *MergeIterator) Row() core.Row { return m.cur }

// Err returns the first error encountered by any input.
func (m *MergeIterator) Err() error { return m.err }

type mergeHeap []*Iterator

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	a, b := h[i].Row(), h[j].Row()
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	if c := bytes.Compare(a.SeriesKey, b.SeriesKey); c != 0 {
		return c < 0
	}
	return a.Sequence < b.Sequence
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(*Iterator)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

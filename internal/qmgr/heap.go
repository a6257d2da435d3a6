package qmgr

import "container/heap"

// circBefore implements the circular-time ordering of spec.md §4.6.1: a
// is considered before b (closer to "now" looking forward) iff
// (b - a), interpreted as unsigned 32-bit, is less than 2^31. This is
// not the natural integer ordering; spec.md §9 warns that using a
// generic priority queue with default ordering mis-schedules links
// across the microsecond-clock wraparound, so the comparator is wired
// in explicitly here rather than left to a library default.
func circBefore(a, b uint32) bool {
	return a != b && (b-a) < (1 << 31)
}

// circReady reports whether deadline d has arrived by now, i.e. now is
// d or later in the circular sense used throughout §4.6.
func circReady(now, d uint32) bool {
	return (now - d) < (1 << 31)
}

type heapItem struct {
	link int
	key  uint32
}

// linkHeap is a min-heap over links ordered by circBefore, supporting
// the remove/change-key/member operations the dual active/vactive
// heaps of spec.md §4.6 need beyond what container/heap's Interface
// alone provides.
type linkHeap struct {
	items []heapItem
	pos   map[int]int // link -> index in items
}

func newLinkHeap() *linkHeap {
	return &linkHeap{pos: make(map[int]int)}
}

func (h *linkHeap) Len() int { return len(h.items) }
func (h *linkHeap) Less(i, j int) bool {
	return circBefore(h.items[i].key, h.items[j].key)
}
func (h *linkHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.pos[h.items[i].link] = i
	h.pos[h.items[j].link] = j
}
func (h *linkHeap) Push(x any) {
	it := x.(heapItem)
	h.pos[it.link] = len(h.items)
	h.items = append(h.items, it)
}
func (h *linkHeap) Pop() any {
	n := len(h.items)
	it := h.items[n-1]
	h.items = h.items[:n-1]
	delete(h.pos, it.link)
	return it
}

// Insert adds lnk to the heap with the given deadline key.
func (h *linkHeap) Insert(lnk int, key uint32) {
	heap.Push(h, heapItem{link: lnk, key: key})
}

// Remove deletes lnk from the heap, if present.
func (h *linkHeap) Remove(lnk int) {
	i, ok := h.pos[lnk]
	if !ok {
		return
	}
	heap.Remove(h, i)
}

// ChangeKey updates lnk's deadline and re-establishes heap order.
func (h *linkHeap) ChangeKey(lnk int, key uint32) {
	i, ok := h.pos[lnk]
	if !ok {
		h.Insert(lnk, key)
		return
	}
	h.items[i].key = key
	heap.Fix(h, i)
}

// Member reports whether lnk is currently in the heap.
func (h *linkHeap) Member(lnk int) bool {
	_, ok := h.pos[lnk]
	return ok
}

// Key returns lnk's current deadline. ok is false if lnk is absent.
func (h *linkHeap) Key(lnk int) (uint32, bool) {
	i, ok := h.pos[lnk]
	if !ok {
		return 0, false
	}
	return h.items[i].key, true
}

// Min returns the link at the root (earliest deadline). ok is false if
// the heap is empty.
func (h *linkHeap) Min() (int, uint32, bool) {
	if len(h.items) == 0 {
		return 0, 0, false
	}
	return h.items[0].link, h.items[0].key, true
}

// Empty reports whether the heap has no entries.
func (h *linkHeap) Empty() bool { return len(h.items) == 0 }

// Package comtree implements the ComtreeTable of spec.md §3/§4.4: per-
// comtree link membership, parent link, core flag and default queue
// number, with four bitmasks classifying each member link (all/router/
// local-router/core), and the admission-gating consistency check named
// in spec.md §3's "Invariants (cross-table)". Structured after the
// teacher's routing-table pattern (pkg/ip/routing.go): a slice of
// entries plus a map for fast lookup by key, here the comtree number
// rather than a destination prefix.
package comtree

import (
	"fmt"
	"sync"

	"github.com/jonturner53/forest-net-sub002/internal/forest"
)

// Entry is one comtree's table entry.
type Entry struct {
	Comtree  forest.Comtree
	Parent   int // parent link index; 0 = this router is the root
	CoreFlag bool
	QueueNum int // default queue number for forwarding within this comtree

	Links, RLinks, LLinks, CLinks LinkSet
}

// Table is the router's table of admitted comtrees.
type Table struct {
	mu sync.RWMutex

	numLinks int
	entries  []Entry
	valid    []bool
	byComt   map[forest.Comtree]int
	freeList []int
}

// New creates a comtree table with room for numEntries entries, over a
// fabric of numLinks links (used to size each entry's bitmasks).
func New(numEntries, numLinks int) *Table {
	t := &Table{
		numLinks: numLinks,
		entries:  make([]Entry, numEntries+1),
		valid:    make([]bool, numEntries+1),
		byComt:   make(map[forest.Comtree]int),
		freeList: make([]int, 0, numEntries),
	}
	for i := numEntries; i >= 1; i-- {
		t.freeList = append(t.freeList, i)
	}
	return t
}

// Lookup returns the table index for comtree comt, or 0 if absent.
func (t *Table) Lookup(comt forest.Comtree) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byComt[comt]
}

// AddEntry admits a new comtree with the given parent link, core flag
// and default queue number. Returns 0 if the table is full or comt is
// already admitted.
func (t *Table) AddEntry(comt forest.Comtree, parent int, coreFlag bool, queueNum int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.byComt[comt]; exists {
		return 0
	}
	n := len(t.freeList)
	if n == 0 {
		return 0
	}
	idx := t.freeList[n-1]
	t.freeList = t.freeList[:n-1]
	t.entries[idx] = Entry{
		Comtree:  comt,
		Parent:   parent,
		CoreFlag: coreFlag,
		QueueNum: queueNum,
		Links:    newLinkSet(t.numLinks),
		RLinks:   newLinkSet(t.numLinks),
		LLinks:   newLinkSet(t.numLinks),
		CLinks:   newLinkSet(t.numLinks),
	}
	t.valid[idx] = true
	t.byComt[comt] = idx
	return idx
}

// RemoveEntry deletes the comtree entry at idx.
func (t *Table) RemoveEntry(idx int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.validLocked(idx) {
		return fmt.Errorf("comtree: invalid entry %d", idx)
	}
	delete(t.byComt, t.entries[idx].Comtree)
	t.valid[idx] = false
	t.entries[idx] = Entry{}
	t.freeList = append(t.freeList, idx)
	return nil
}

func (t *Table) validLocked(idx int) bool {
	return idx >= 1 && idx < len(t.valid) && t.valid[idx]
}

// Capacity returns the table's configured entry capacity, for callers
// that need to enumerate every slot (e.g. addLocalRoutes).
func (t *Table) Capacity() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.valid) - 1
}

// Valid reports whether idx names a live comtree entry.
func (t *Table) Valid(idx int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.validLocked(idx)
}

// Get returns a copy of the entry at idx.
func (t *Table) Get(idx int) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.validLocked(idx) {
		return Entry{}, false
	}
	e := t.entries[idx]
	e.Links = e.Links.clone()
	e.RLinks = e.RLinks.clone()
	e.LLinks = e.LLinks.clone()
	e.CLinks = e.CLinks.clone()
	return e, true
}

// AddLink adds lnk to entry idx's link set. rFlag marks the far end as
// a router peer; lFlag marks it as a router peer in this router's own
// zip code; cFlag marks it as a core-router peer. Per spec.md §3,
// clinks/llinks imply rlinks.
func (t *Table) AddLink(idx, lnk int, rFlag, lFlag, cFlag bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.validLocked(idx) {
		return fmt.Errorf("comtree: invalid entry %d", idx)
	}
	e := &t.entries[idx]
	e.Links.Set(lnk)
	if rFlag {
		e.RLinks.Set(lnk)
		if lFlag {
			e.LLinks.Set(lnk)
		}
		if cFlag {
			e.CLinks.Set(lnk)
		}
	}
	return nil
}

// RemoveLink removes lnk from entry idx's link set (and every
// classification submask).
func (t *Table) RemoveLink(idx, lnk int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.validLocked(idx) {
		return fmt.Errorf("comtree: invalid entry %d", idx)
	}
	e := &t.entries[idx]
	e.Links.Clear(lnk)
	e.RLinks.Clear(lnk)
	e.LLinks.Clear(lnk)
	e.CLinks.Clear(lnk)
	return nil
}

// SetParent changes entry idx's parent link.
func (t *Table) SetParent(idx, parent int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.validLocked(idx) {
		return fmt.Errorf("comtree: invalid entry %d", idx)
	}
	t.entries[idx].Parent = parent
	return nil
}

// SetCoreFlag changes entry idx's core flag.
func (t *Table) SetCoreFlag(idx int, core bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.validLocked(idx) {
		return fmt.Errorf("comtree: invalid entry %d", idx)
	}
	t.entries[idx].CoreFlag = core
	return nil
}

// SetQueueNum changes entry idx's default queue number.
func (t *Table) SetQueueNum(idx, qnum int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.validLocked(idx) {
		return fmt.Errorf("comtree: invalid entry %d", idx)
	}
	t.entries[idx].QueueNum = qnum
	return nil
}

// InComt reports whether lnk is a member link of entry idx's comtree.
func (t *Table) InComt(idx, lnk int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.validLocked(idx) {
		return false
	}
	return t.entries[idx].Links.Has(lnk)
}

// Consistent tests all invariants from spec.md §3 against entry idx. It
// is the admission gate control-packet handlers must call before
// committing any comtree mutation.
func (t *Table) Consistent(idx int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.validLocked(idx) {
		return false
	}
	e := &t.entries[idx]
	if !e.CLinks.SubsetOf(e.RLinks) || !e.RLinks.SubsetOf(e.Links) {
		return false
	}
	if !e.LLinks.SubsetOf(e.RLinks) {
		return false
	}
	if e.CoreFlag {
		if e.Parent != 0 && !e.CLinks.Has(e.Parent) {
			return false
		}
	} else {
		if e.CLinks.Len() > 1 {
			return false
		}
		if e.Parent != 0 && !e.RLinks.Has(e.Parent) {
			return false
		}
	}
	return true
}

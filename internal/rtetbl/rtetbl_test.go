package rtetbl

import (
	"testing"

	"github.com/jonturner53/forest-net-sub002/internal/forest"
)

func myAdr() forest.Addr { return forest.NewUnicastAddr(1, 1) }

func TestUnicastForeignZipIsAggregated(t *testing.T) {
	tbl := New(16, myAdr())
	dst := forest.NewUnicastAddr(2, 20) // zip 2, not our zip 1
	idx := tbl.AddEntry(200, dst, 5)
	if idx == 0 {
		t.Fatalf("AddEntry() returned 0")
	}
	e, _ := tbl.Get(idx)
	if e.Dest != forest.NewUnicastAddr(2, 0) {
		t.Errorf("Dest = %v, want zip-aggregated 2.0", e.Dest)
	}

	// lookup by the specific (unlearned) address must fall back to the aggregate
	got := tbl.Lookup(200, dst)
	if got != idx {
		t.Errorf("Lookup(200, %v) = %d, want %d", dst, got, idx)
	}
	// a different local address in the same foreign zip hits the same entry
	got2 := tbl.Lookup(200, forest.NewUnicastAddr(2, 99))
	if got2 != idx {
		t.Errorf("Lookup(200, 2.99) = %d, want %d (zip aggregate)", got2, idx)
	}
}

func TestUnicastLocalZipNotAggregated(t *testing.T) {
	tbl := New(16, myAdr())
	dst := forest.NewUnicastAddr(1, 20) // same zip as router
	idx := tbl.AddEntry(200, dst, 5)
	e, _ := tbl.Get(idx)
	if e.Dest != dst {
		t.Errorf("Dest = %v, want unchanged %v", e.Dest, dst)
	}
}

func TestMulticastAddRemoveLink(t *testing.T) {
	tbl := New(16, myAdr())
	idx := tbl.AddEntry(300, forest.Addr(-5), 4)
	if idx == 0 {
		t.Fatalf("AddEntry() returned 0")
	}
	if !tbl.IsLink(idx, 4) {
		t.Errorf("IsLink(idx, 4) = false, want true")
	}
	if err := tbl.AddLink(idx, 6); err != nil {
		t.Fatalf("AddLink() failed: %v", err)
	}
	if !tbl.IsLink(idx, 6) {
		t.Errorf("IsLink(idx, 6) after AddLink = false, want true")
	}
	if err := tbl.RemoveLink(idx, 4); err != nil {
		t.Fatalf("RemoveLink() failed: %v", err)
	}
	if tbl.NoLinks(idx) {
		t.Errorf("NoLinks() = true, want false (link 6 remains)")
	}
	tbl.RemoveLink(idx, 6)
	if !tbl.NoLinks(idx) {
		t.Errorf("NoLinks() = false, want true after removing all links")
	}
}

func TestRemoveEntryFreesKey(t *testing.T) {
	tbl := New(1, myAdr())
	idx := tbl.AddEntry(300, forest.Addr(-5), 4)
	if idx == 0 {
		t.Fatalf("AddEntry() returned 0")
	}
	if err := tbl.RemoveEntry(idx); err != nil {
		t.Fatalf("RemoveEntry() failed: %v", err)
	}
	// the single slot must be reusable
	idx2 := tbl.AddEntry(301, forest.Addr(-6), 1)
	if idx2 == 0 {
		t.Errorf("AddEntry() after RemoveEntry() should reuse the freed slot")
	}
}

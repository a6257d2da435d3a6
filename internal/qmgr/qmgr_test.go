package qmgr

import (
	"net/netip"
	"testing"

	"github.com/jonturner53/forest-net-sub002/internal/lnktbl"
	"github.com/jonturner53/forest-net-sub002/internal/pktstore"
)

func newFixture(t *testing.T, numLinks int) (*pktstore.PacketStore, *lnktbl.LinkTable) {
	t.Helper()
	ps := pktstore.New(256, 256)
	lt := lnktbl.New(numLinks)
	return ps, lt
}

func addLink(t *testing.T, lt *lnktbl.LinkTable, bitRate, pktRate uint32) int {
	t.Helper()
	idx := lt.Add(lnktbl.Link{
		Iface:   1,
		PeerIP:  netip.MustParseAddr("10.0.0.1"),
		BitRate: bitRate,
		PktRate: pktRate,
	})
	if idx == 0 {
		t.Fatalf("lnktbl.Add() returned 0")
	}
	return idx
}

func allocPkt(t *testing.T, ps *pktstore.PacketStore, length uint16) pktstore.PktId {
	t.Helper()
	p := ps.Alloc()
	if p == 0 {
		t.Fatalf("pktstore.Alloc() returned 0")
	}
	ps.Hdr(p).Length = length
	return p
}

func TestEnqRejectsWhenPerQueuePacketLimitReached(t *testing.T) {
	ps, lt := newFixture(t, 4)
	lnk := addLink(t, lt, 1000000, 1000)
	qm := New(ps, lt, 1000)
	qm.SetLimits(lnk, 1, 2, 1<<20)

	p1 := allocPkt(t, ps, 100)
	p2 := allocPkt(t, ps, 100)
	p3 := allocPkt(t, ps, 100)

	if !qm.Enq(p1, lnk, 1, 0) {
		t.Fatalf("Enq #1 rejected unexpectedly")
	}
	if !qm.Enq(p2, lnk, 1, 0) {
		t.Fatalf("Enq #2 rejected unexpectedly")
	}
	if qm.Enq(p3, lnk, 1, 0) {
		t.Errorf("Enq #3 should be rejected: pktLimit=2 already reached")
	}
	if got := qm.QueueDepth(lnk, 1); got != 2 {
		t.Errorf("QueueDepth = %d, want 2", got)
	}
}

func TestEnqRejectsWhenLinkCapReached(t *testing.T) {
	ps, lt := newFixture(t, 4)
	lnk := addLink(t, lt, 1000000, 1000)
	qm := New(ps, lt, 1) // global per-link cap of 1 packet

	p1 := allocPkt(t, ps, 100)
	p2 := allocPkt(t, ps, 100)

	if !qm.Enq(p1, lnk, 1, 0) {
		t.Fatalf("Enq #1 rejected unexpectedly")
	}
	if qm.Enq(p2, lnk, 2, 0) {
		t.Errorf("Enq #2 should be rejected: link-wide cap of 1 already reached")
	}
}

func TestNewLinkIsReadyImmediatelyAfterFirstEnq(t *testing.T) {
	ps, lt := newFixture(t, 4)
	lnk := addLink(t, lt, 1000000, 1000)
	qm := New(ps, lt, 100)

	p := allocPkt(t, ps, 100)
	qm.Enq(p, lnk, 1, 1000)

	if !qm.InActive(lnk) {
		t.Errorf("link should be in the active heap after its first enqueue")
	}
	if got := qm.NextReady(1000); got != lnk {
		t.Errorf("NextReady(1000) = %d, want %d", got, lnk)
	}
}

func TestDequeueServesQueuesInRoundRobinWhenCreditsAllow(t *testing.T) {
	ps, lt := newFixture(t, 4)
	lnk := addLink(t, lt, 8000000, 10000) // credits come from the 200-byte quanta below
	qm := New(ps, lt, 1000)
	qm.SetQuantum(lnk, 1, 200)
	qm.SetQuantum(lnk, 2, 200)

	a1 := allocPkt(t, ps, 100)
	b1 := allocPkt(t, ps, 100)
	qm.Enq(a1, lnk, 1, 0)
	qm.Enq(b1, lnk, 2, 0)

	first := qm.Deq(lnk)
	if first != a1 {
		t.Fatalf("first Deq = %v, want queue-1's packet %v (schedule inserted q1 first)", first, a1)
	}
	second := qm.Deq(lnk)
	if second != b1 {
		t.Errorf("second Deq = %v, want queue-2's packet %v (next queue in the schedule)", second, b1)
	}
}

func TestDequeueSkipsQueueWithInsufficientCredits(t *testing.T) {
	ps, lt := newFixture(t, 4)
	lnk := addLink(t, lt, 8000000, 10000)
	qm := New(ps, lt, 1000)
	qm.SetQuantum(lnk, 1, 10) // tiny quantum: one 1000-byte packet needs several rounds
	qm.SetQuantum(lnk, 2, 10000)

	big := allocPkt(t, ps, 1000)
	small := allocPkt(t, ps, 50)
	qm.Enq(big, lnk, 1, 0)
	qm.Enq(small, lnk, 2, 0)

	got := qm.Deq(lnk)
	if got != small {
		t.Errorf("Deq = %v, want queue 2's packet %v (queue 1 lacks credits for a 1000-byte packet)", got, small)
	}
}

func TestLinkMovesToVactiveWhenScheduleEmpties(t *testing.T) {
	ps, lt := newFixture(t, 4)
	lnk := addLink(t, lt, 1000000, 1000)
	qm := New(ps, lt, 1000)

	p := allocPkt(t, ps, 100)
	qm.Enq(p, lnk, 1, 0)
	qm.Deq(lnk)

	if qm.InActive(lnk) {
		t.Errorf("link should leave the active heap once its schedule is empty")
	}
	if !qm.InVactive(lnk) {
		t.Errorf("link should move to the vactive heap once its schedule is empty")
	}
}

func TestNextReadyHonorsCircularWraparound(t *testing.T) {
	ps, lt := newFixture(t, 4)
	lnk := addLink(t, lt, 1000000, 1000)
	qm := New(ps, lt, 1000)

	const nearWrap = ^uint32(0) - 100 // deadline just before the uint32 wraps
	p := allocPkt(t, ps, 100)
	qm.Enq(p, lnk, 1, nearWrap)

	// "now" just after the wraparound point is still circularly >= nearWrap.
	now := uint32(50)
	if got := qm.NextReady(now); got != lnk {
		t.Errorf("NextReady(%d) = %d, want %d: deadline %d has passed across the wraparound", now, got, lnk, nearWrap)
	}
}

func TestNextReadyWithholdsUnreadyLink(t *testing.T) {
	ps, lt := newFixture(t, 4)
	lnk := addLink(t, lt, 1000000, 1000)
	qm := New(ps, lt, 1000)

	p := allocPkt(t, ps, 100)
	qm.Enq(p, lnk, 1, 1000)

	if got := qm.NextReady(500); got != 0 {
		t.Errorf("NextReady(500) = %d, want 0: deadline 1000 has not arrived", got)
	}
}

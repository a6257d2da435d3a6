// Package lnktbl implements the LinkTable of spec.md §3/§4.3: one entry
// per logical point-to-point relationship to a peer, hashed for fast
// lookup by (interface, peer IP, peer port, source forest address), in
// the style of the teacher's ARP cache (pkg/arp/cache.go) generalized
// from a simple IP->MAC map to the richer per-peer bookkeeping a forest
// link needs.
package lnktbl

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/jonturner53/forest-net-sub002/internal/forest"
)

// Link holds the configuration and live counters for one router link.
type Link struct {
	Iface    int         // interface index this link sits on
	PeerIP   netip.Addr  // peer IP address
	PeerPort uint16      // peer UDP port; 0 = not yet known, learned from first CONNECT
	PeerAddr forest.Addr // peer forest address
	PeerType forest.NodeType
	PeerDest forest.Addr // optional restriction on permissible destination addresses; 0 = none
	BitRate  uint32      // configured bit rate, Kb/s
	PktRate  uint32      // configured packet rate, pkts/s
	MinDelta uint32      // 10^6 / PktRate, microseconds

	InPkts, InBytes   uint64
	OutPkts, OutBytes uint64
}

// LinkTable is the router's table of live links, hashed for lookup by
// (interface, peer IP, peer port, source forest address).
type LinkTable struct {
	mu sync.RWMutex

	links    []Link
	valid    []bool
	freeList []int

	// Aggregate counters across all links, router peers only, and
	// client/server peers only, per spec.md §3's Link description.
	AggAll, AggRouter, AggClient Counters

	index map[hashKey][]int
}

// Counters is a pair of input/output byte and packet totals.
type Counters struct {
	InPkts, InBytes   uint64
	OutPkts, OutBytes uint64
}

type hashKey struct {
	ip netip.Addr
	x  uint32
}

// New creates a link table with room for numLinks entries (1-indexed;
// index 0 is never a valid link, matching the bitmask convention used
// by ComtreeTable).
func New(numLinks int) *LinkTable {
	lt := &LinkTable{
		links:    make([]Link, numLinks+1),
		valid:    make([]bool, numLinks+1),
		freeList: make([]int, 0, numLinks),
		index:    make(map[hashKey][]int),
	}
	for i := numLinks; i >= 1; i-- {
		lt.freeList = append(lt.freeList, i)
	}
	return lt
}

// hashIP folds an address's bytes into a uint32 so it can stand in as
// the second hash-key component x when a link's peer port is already
// known (see reindex/unindex below), per spec.md §3's "keyed by a hash
// of (peerIP, x)" rule.
func hashIP(ip netip.Addr) uint32 {
	b := ip.As16()
	var h uint32 = 2166136261
	for _, c := range b {
		h ^= uint32(c)
		h *= 16777619
	}
	return h
}

// Add installs a new link, returning its index, or 0 if the table is
// full.
func (lt *LinkTable) Add(l Link) int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	n := len(lt.freeList)
	if n == 0 {
		return 0
	}
	idx := lt.freeList[n-1]
	lt.freeList = lt.freeList[:n-1]
	l.MinDelta = minDelta(l.PktRate)
	lt.links[idx] = l
	lt.valid[idx] = true
	lt.reindex(idx)
	return idx
}

func minDelta(pktRate uint32) uint32 {
	if pktRate == 0 {
		return 0
	}
	return 1000000 / pktRate
}

func (lt *LinkTable) reindex(idx int) {
	l := &lt.links[idx]
	var x uint32
	if l.PeerPort == 0 {
		x = uint32(l.PeerAddr)
	} else {
		x = hashIP(l.PeerIP)
	}
	k := hashKey{ip: l.PeerIP, x: x}
	lt.index[k] = append(lt.index[k], idx)
}

func (lt *LinkTable) unindex(idx int) {
	l := &lt.links[idx]
	var x uint32
	if l.PeerPort == 0 {
		x = uint32(l.PeerAddr)
	} else {
		x = hashIP(l.PeerIP)
	}
	k := hashKey{ip: l.PeerIP, x: x}
	bucket := lt.index[k]
	for i, v := range bucket {
		if v == idx {
			lt.index[k] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
}

// Remove deletes link idx from the table.
func (lt *LinkTable) Remove(idx int) error {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if idx < 1 || idx >= len(lt.valid) || !lt.valid[idx] {
		return fmt.Errorf("lnktbl: invalid link %d", idx)
	}
	lt.unindex(idx)
	lt.valid[idx] = false
	lt.links[idx] = Link{}
	lt.freeList = append(lt.freeList, idx)
	return nil
}

// Valid reports whether idx names a live link.
func (lt *LinkTable) Valid(idx int) bool {
	lt.mu.RLock()
	defer lt.mu.RUnlock()
	return idx >= 1 && idx < len(lt.valid) && lt.valid[idx]
}

// Get returns a copy of link idx's state.
func (lt *LinkTable) Get(idx int) (Link, bool) {
	lt.mu.RLock()
	defer lt.mu.RUnlock()
	if idx < 1 || idx >= len(lt.valid) || !lt.valid[idx] {
		return Link{}, false
	}
	return lt.links[idx], true
}

// Lookup finds the link matching (iface, srcIP, srcPort, srcAdr),
// rejecting candidates whose interface or port mismatch (honoring the
// port-0 wildcard: a stored port of 0 matches any incoming port, and is
// set from the first matching CONNECT).
func (lt *LinkTable) Lookup(iface int, srcIP netip.Addr, srcPort uint16, srcAdr forest.Addr) int {
	lt.mu.RLock()
	defer lt.mu.RUnlock()

	for _, k := range []hashKey{
		{ip: srcIP, x: uint32(srcAdr)},
		{ip: srcIP, x: hashIP(srcIP)},
	} {
		for _, idx := range lt.index[k] {
			l := &lt.links[idx]
			if l.Iface != iface {
				continue
			}
			if l.PeerPort != 0 && l.PeerPort != srcPort {
				continue
			}
			return idx
		}
	}
	return 0
}

// LearnPort sets idx's peer port from an incoming CONNECT, but only if
// it is currently unknown (0); re-indexes the link since the hash key
// depends on whether the port is known.
func (lt *LinkTable) LearnPort(idx int, port uint16) bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if idx < 1 || idx >= len(lt.valid) || !lt.valid[idx] {
		return false
	}
	l := &lt.links[idx]
	if l.PeerPort != 0 {
		return false
	}
	lt.unindex(idx)
	l.PeerPort = port
	lt.reindex(idx)
	return true
}

// ForgetPort clears idx's learned peer port on DISCONNECT, but only if
// it currently equals the given source port (the peer that taught it
// the port is the one tearing it down).
func (lt *LinkTable) ForgetPort(idx int, port uint16) bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if idx < 1 || idx >= len(lt.valid) || !lt.valid[idx] {
		return false
	}
	l := &lt.links[idx]
	if l.PeerPort != port {
		return false
	}
	lt.unindex(idx)
	l.PeerPort = 0
	lt.reindex(idx)
	return true
}

// Modify changes idx's configured bit/packet rate ceilings, rolling back
// (returning an error, leaving the link untouched) if the new rate,
// combined with every other link already sharing its interface, would
// exceed that interface's configured caps — the same rollback-on-invalid
// pattern as InterfaceTable.Modify, run from the link's side.
func (lt *LinkTable) Modify(idx int, ifaceBitCap, ifacePktCap, bitRate, pktRate uint32) error {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if idx < 1 || idx >= len(lt.valid) || !lt.valid[idx] {
		return fmt.Errorf("lnktbl: no such link %d", idx)
	}
	l := &lt.links[idx]
	var otherBit, otherPkt uint32
	for i, v := range lt.valid {
		if i == idx || !v || lt.links[i].Iface != l.Iface {
			continue
		}
		otherBit += lt.links[i].BitRate
		otherPkt += lt.links[i].PktRate
	}
	if otherBit+bitRate > ifaceBitCap || otherPkt+pktRate > ifacePktCap {
		return fmt.Errorf("lnktbl: modify link %d: rate (%d Kb/s, %d pkts/s) would exceed interface caps (%d, %d)",
			idx, bitRate, pktRate, ifaceBitCap, ifacePktCap)
	}
	l.BitRate = bitRate
	l.PktRate = pktRate
	l.MinDelta = minDelta(pktRate)
	return nil
}

// PostIn records an inbound packet of byteLen bytes on idx, updating
// per-link and aggregate counters.
func (lt *LinkTable) PostIn(idx int, byteLen int) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if idx < 1 || idx >= len(lt.valid) || !lt.valid[idx] {
		return
	}
	l := &lt.links[idx]
	l.InPkts++
	l.InBytes += uint64(byteLen)
	lt.AggAll.InPkts++
	lt.AggAll.InBytes += uint64(byteLen)
	if l.PeerType.Trusted() {
		lt.AggRouter.InPkts++
		lt.AggRouter.InBytes += uint64(byteLen)
	} else {
		lt.AggClient.InPkts++
		lt.AggClient.InBytes += uint64(byteLen)
	}
}

// PostOut records an outbound packet of byteLen bytes on idx.
func (lt *LinkTable) PostOut(idx int, byteLen int) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if idx < 1 || idx >= len(lt.valid) || !lt.valid[idx] {
		return
	}
	l := &lt.links[idx]
	l.OutPkts++
	l.OutBytes += uint64(byteLen)
	lt.AggAll.OutPkts++
	lt.AggAll.OutBytes += uint64(byteLen)
	if l.PeerType.Trusted() {
		lt.AggRouter.OutPkts++
		lt.AggRouter.OutBytes += uint64(byteLen)
	} else {
		lt.AggClient.OutPkts++
		lt.AggClient.OutBytes += uint64(byteLen)
	}
}

// NumLinks returns the table's configured capacity.
func (lt *LinkTable) NumLinks() int { return len(lt.links) - 1 }

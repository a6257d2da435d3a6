// Package iftbl implements the InterfaceTable of spec.md §3/§4.2: one
// non-blocking UDP socket per configured local IP, each guarded by a
// bit-rate/packet-rate ceiling, plus the recvAny() demultiplexer the
// main loop polls every iteration. Named and shaped after the teacher's
// pkg/udp.Socket (Bind/RecvFrom/SendTo/LocalAddr), but where the teacher
// builds a fully simulated userspace transport for its own from-scratch
// stack, this router talks to real peers over the real network, so each
// Interface wraps a genuine net.ListenUDP socket (via
// golang.org/x/net/ipv4.NewPacketConn, as the teacher's multicast code
// does for ipv4.PacketConn) instead of the teacher's in-memory channel.
package iftbl

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/time/rate"

	"github.com/jonturner53/forest-net-sub002/internal/lnktbl"
	"github.com/jonturner53/forest-net-sub002/internal/pktstore"
)

// ForestPort is the fixed UDP port used for all router and client
// traffic, per spec.md §6.
const ForestPort = 30123

// Interface is one bound local UDP endpoint with its configured rate
// ceilings.
type Interface struct {
	Num        int
	IP         netip.Addr
	MaxBitRate uint32 // Kb/s
	MaxPktRate uint32 // pkts/s

	conn      *net.UDPConn
	pconn     *ipv4.PacketConn
	byteLimit *rate.Limiter
	pktLimit  *rate.Limiter
}

// InterfaceTable is the router's table of bound local interfaces.
type InterfaceTable struct {
	ifaces map[int]*Interface
	order  []int // interface numbers in add order, for recvAny's round-robin poll
	pos    int
}

// New creates an empty interface table.
func New() *InterfaceTable {
	return &InterfaceTable{ifaces: make(map[int]*Interface)}
}

func newLimiters(maxBitRate, maxPktRate uint32) (*rate.Limiter, *rate.Limiter) {
	bytesPerSec := rate.Limit(float64(maxBitRate) * 1000 / 8)
	byteLim := rate.NewLimiter(bytesPerSec, pktstore.BufferCapacity)
	pktLim := rate.NewLimiter(rate.Limit(maxPktRate), 1)
	return byteLim, pktLim
}

// Add opens a non-blocking UDP socket bound to (ip, ForestPort) and
// records it under ifaceNum. Returns an error if ifaceNum is already in
// use or the bind fails.
func (it *InterfaceTable) Add(ifaceNum int, ip netip.Addr, maxBitRate, maxPktRate uint32) error {
	if _, exists := it.ifaces[ifaceNum]; exists {
		return fmt.Errorf("iftbl: interface %d already exists", ifaceNum)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip.AsSlice(), Port: ForestPort})
	if err != nil {
		return fmt.Errorf("iftbl: bind interface %d to %s:%d: %w", ifaceNum, ip, ForestPort, err)
	}
	byteLim, pktLim := newLimiters(maxBitRate, maxPktRate)
	it.ifaces[ifaceNum] = &Interface{
		Num:        ifaceNum,
		IP:         ip,
		MaxBitRate: maxBitRate,
		MaxPktRate: maxPktRate,
		conn:       conn,
		pconn:      ipv4.NewPacketConn(conn),
		byteLimit:  byteLim,
		pktLimit:   pktLim,
	}
	it.order = append(it.order, ifaceNum)
	return nil
}

// Remove closes and deletes ifaceNum.
func (it *InterfaceTable) Remove(ifaceNum int) error {
	iface, ok := it.ifaces[ifaceNum]
	if !ok {
		return fmt.Errorf("iftbl: no such interface %d", ifaceNum)
	}
	iface.conn.Close()
	delete(it.ifaces, ifaceNum)
	for i, n := range it.order {
		if n == ifaceNum {
			it.order = append(it.order[:i], it.order[i+1:]...)
			break
		}
	}
	return nil
}

// sumLinkRates sums the configured bit/packet rates of every link that
// sits on ifaceNum, for modify's post-condition check.
func sumLinkRates(lt *lnktbl.LinkTable, ifaceNum int) (bitSum, pktSum uint32) {
	for idx := 1; idx <= lt.NumLinks(); idx++ {
		l, ok := lt.Get(idx)
		if !ok || l.Iface != ifaceNum {
			continue
		}
		bitSum += l.BitRate
		pktSum += l.PktRate
	}
	return
}

// Modify changes ifaceNum's rate ceilings, rolling back (returning an
// error, leaving the interface untouched) if the sum of its links'
// configured rates would exceed the requested caps.
func (it *InterfaceTable) Modify(ifaceNum int, lt *lnktbl.LinkTable, maxBitRate, maxPktRate uint32) error {
	iface, ok := it.ifaces[ifaceNum]
	if !ok {
		return fmt.Errorf("iftbl: no such interface %d", ifaceNum)
	}
	bitSum, pktSum := sumLinkRates(lt, ifaceNum)
	if bitSum > maxBitRate || pktSum > maxPktRate {
		return fmt.Errorf("iftbl: modify interface %d: link rates (%d Kb/s, %d pkts/s) exceed requested caps (%d, %d)",
			ifaceNum, bitSum, pktSum, maxBitRate, maxPktRate)
	}
	iface.MaxBitRate = maxBitRate
	iface.MaxPktRate = maxPktRate
	iface.byteLimit, iface.pktLimit = newLimiters(maxBitRate, maxPktRate)
	return nil
}

// Get returns a copy of ifaceNum's configuration.
func (it *InterfaceTable) Get(ifaceNum int) (Interface, bool) {
	iface, ok := it.ifaces[ifaceNum]
	if !ok {
		return Interface{}, false
	}
	cp := *iface
	return cp, true
}

// RecvAny performs a non-blocking readiness check across all bound
// sockets (round-robin, to avoid starving later interfaces under
// sustained traffic on an earlier one) and, if one is ready, reads one
// datagram into a freshly-allocated packet, annotates it with its
// ingress link and returns it. Returns 0 if no datagram is waiting on
// any interface.
func (it *InterfaceTable) RecvAny(ps *pktstore.PacketStore, lt *lnktbl.LinkTable) pktstore.PktId {
	n := len(it.order)
	for i := 0; i < n; i++ {
		ifaceNum := it.order[it.pos%n]
		it.pos++
		iface := it.ifaces[ifaceNum]

		iface.conn.SetReadDeadline(time.Now())
		p := ps.Alloc()
		if p == 0 {
			return 0
		}
		buf := ps.Buffer(p)
		nRead, srcAddr, err := iface.conn.ReadFromUDP(buf)
		if err != nil {
			ps.Free(p)
			continue
		}

		ps.SetIoBytes(p, nRead)
		ps.Unpack(p)
		srcIP, _ := netip.AddrFromSlice(srcAddr.IP)
		srcIP = srcIP.Unmap()
		srcPort := uint16(srcAddr.Port)
		ps.SetSrcPort(p, srcPort)
		hdr := ps.Hdr(p)

		lnk := lt.Lookup(ifaceNum, srcIP, srcPort, hdr.SrcAddr)
		ps.SetInLink(p, lnk)
		if lnk != 0 {
			lt.PostIn(lnk, nRead)
		}
		return p
	}
	return 0
}

// SendPacket transmits packet p out linkIdx's interface to its peer
// (ip, port), honoring the interface's rate-limiter admission check.
// A rate-limiter rejection is recoverable: it returns (false, nil) and
// the caller should just drop the packet. A WriteToUDP failure is not:
// per spec.md §7's "IO failure on send" row, it returns (false, err) and
// the caller must treat err as fatal, not as a per-packet drop.
func (it *InterfaceTable) SendPacket(ps *pktstore.PacketStore, lt *lnktbl.LinkTable, p pktstore.PktId, linkIdx int) (bool, error) {
	link, ok := lt.Get(linkIdx)
	if !ok {
		return false, nil
	}
	iface, ok := it.ifaces[link.Iface]
	if !ok {
		return false, nil
	}
	n := int(ps.Hdr(p).Length)
	if !iface.byteLimit.AllowN(time.Now(), n) || !iface.pktLimit.Allow() {
		return false, nil
	}
	dst := &net.UDPAddr{IP: net.IP(link.PeerIP.AsSlice()), Port: int(link.PeerPort)}
	_, err := iface.conn.WriteToUDP(ps.Buffer(p)[:n], dst)
	if err != nil {
		return false, fmt.Errorf("iftbl: send on link %d: %w", linkIdx, err)
	}
	lt.PostOut(linkIdx, n)
	return true, nil
}

// MarkSignalling sets the IPv4 TOS byte on ifaceNum's socket, so it
// applies to every packet later sent on that interface. It is the only
// use of the PacketConn wrapper; reads and writes use the plain UDPConn.
func (it *InterfaceTable) MarkSignalling(ifaceNum int, tos int) error {
	iface, ok := it.ifaces[ifaceNum]
	if !ok {
		return fmt.Errorf("iftbl: no such interface %d", ifaceNum)
	}
	return iface.pconn.SetTOS(tos)
}

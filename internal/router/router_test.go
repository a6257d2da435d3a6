package router

import (
	"encoding/binary"
	"io"
	"net/netip"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/jonturner53/forest-net-sub002/internal/comtree"
	"github.com/jonturner53/forest-net-sub002/internal/ctlpkt"
	"github.com/jonturner53/forest-net-sub002/internal/forest"
	"github.com/jonturner53/forest-net-sub002/internal/iftbl"
	"github.com/jonturner53/forest-net-sub002/internal/lnktbl"
	"github.com/jonturner53/forest-net-sub002/internal/metrics"
	"github.com/jonturner53/forest-net-sub002/internal/pktstore"
	"github.com/jonturner53/forest-net-sub002/internal/qmgr"
	"github.com/jonturner53/forest-net-sub002/internal/rtetbl"
)

const testMyAdr = forest.Addr(1<<16 | 1)

func newFixture(t *testing.T, numLinks int) *Router {
	t.Helper()
	ps := pktstore.New(200, 100)
	lt := lnktbl.New(numLinks)
	ct := comtree.New(20, numLinks)
	rt := rtetbl.New(200, testMyAdr)
	qm := qmgr.New(ps, lt, 50)
	log := logrus.New()
	log.SetOutput(io.Discard)
	return New(Config{
		PS: ps, IT: nil, LT: lt, CT: ct, RT: rt, QM: qm,
		MyAdr:   testMyAdr,
		Metrics: metrics.New(),
		Log:     log,
	})
}

func addLink(t *testing.T, r *Router, peerAdr forest.Addr, peerType forest.NodeType) int {
	t.Helper()
	idx := r.LT.Add(lnktbl.Link{
		Iface:    1,
		PeerIP:   netip.MustParseAddr("10.0.0.1"),
		PeerAddr: peerAdr,
		PeerType: peerType,
		BitRate:  1000,
		PktRate:  1000,
	})
	if idx == 0 {
		t.Fatalf("link table full")
	}
	return idx
}

// buildDataPacket allocates a packet with a CLIENT_DATA header (or the
// given type) and a payload, fully packed and checksummed, annotated
// with ingress link lnk.
func buildDataPacket(t *testing.T, r *Router, typ forest.PacketType, comt forest.Comtree, src, dst forest.Addr, payload []byte, lnk int) pktstore.PktId {
	t.Helper()
	p := r.PS.Alloc()
	if p == 0 {
		t.Fatalf("packet store exhausted")
	}
	h := r.PS.Hdr(p)
	*h = forest.Header{
		Version: forest.ForestVersion,
		Length:  uint16(forest.HeaderLength + len(payload) + forest.ChecksumTrailerLength),
		Type:    typ,
		Comtree: comt,
		SrcAddr: src,
		DstAddr: dst,
	}
	r.PS.Pack(p)
	buf := r.PS.Buffer(p)
	copy(buf[forest.HeaderLength:], payload)
	r.PS.PayErrUpdate(p)
	r.PS.HdrErrUpdate(p)
	r.PS.SetIoBytes(p, int(h.Length))
	r.PS.SetInLink(p, lnk)
	return p
}

func TestForwardKnownUnicastRouteEnqueuesOnOutputLink(t *testing.T) {
	r := newFixture(t, 4)
	inLnk := addLink(t, r, forest.Addr(2<<16|1), forest.NodeTypeClient)
	outLnk := addLink(t, r, forest.Addr(3<<16|1), forest.NodeTypeRouter)

	const comt = forest.Comtree(500)
	comtIdx := r.CT.AddEntry(comt, 0, true, 3)
	if comtIdx == 0 {
		t.Fatalf("comtree table full")
	}
	if err := r.CT.AddLink(comtIdx, inLnk, false, false, false); err != nil {
		t.Fatalf("AddLink(in): %v", err)
	}
	if err := r.CT.AddLink(comtIdx, outLnk, true, false, true); err != nil {
		t.Fatalf("AddLink(out): %v", err)
	}

	dst := forest.Addr(9<<16 | 1)
	if r.RT.AddEntry(comt, dst, outLnk) == 0 {
		t.Fatalf("route table full")
	}

	p := buildDataPacket(t, r, forest.ClientData, comt, forest.Addr(2<<16|1), dst, []byte("hello"), inLnk)
	r.handleReceived(p)

	if depth := r.QM.QueueDepth(outLnk, 3); depth != 1 {
		t.Errorf("QueueDepth(outLnk, 3) = %d, want 1", depth)
	}
}

func TestForwardWithNoRouteSetsRteReqAndFloods(t *testing.T) {
	r := newFixture(t, 4)
	inLnk := addLink(t, r, forest.Addr(2<<16|1), forest.NodeTypeClient)
	relay := addLink(t, r, forest.Addr(3<<16|1), forest.NodeTypeRouter)

	const comt = forest.Comtree(500)
	comtIdx := r.CT.AddEntry(comt, relay, true, 3)
	if err := r.CT.AddLink(comtIdx, inLnk, false, false, false); err != nil {
		t.Fatalf("AddLink(in): %v", err)
	}
	if err := r.CT.AddLink(comtIdx, relay, true, false, true); err != nil {
		t.Fatalf("AddLink(relay): %v", err)
	}

	dst := forest.Addr(9<<16 | 1) // no route installed
	p := buildDataPacket(t, r, forest.ClientData, comt, forest.Addr(2<<16|1), dst, []byte("x"), inLnk)
	r.handleReceived(p)

	if depth := r.QM.QueueDepth(relay, 3); depth != 1 {
		t.Errorf("QueueDepth(relay, 3) = %d, want 1 (flood via core/parent link)", depth)
	}
	if q := r.QM.Deq(relay); q == 0 || !r.PS.Hdr(q).RteReq() {
		t.Errorf("Deq(relay) = %v: want the flooded packet with RteReq set", q)
	}
}

func TestMultiSendClonesAcrossMultipleLinksExcludingIngress(t *testing.T) {
	r := newFixture(t, 4)
	inLnk := addLink(t, r, forest.Addr(2<<16|1), forest.NodeTypeClient)
	memberA := addLink(t, r, forest.Addr(3<<16|1), forest.NodeTypeRouter)
	memberB := addLink(t, r, forest.Addr(4<<16|1), forest.NodeTypeRouter)

	const comt = forest.Comtree(500)
	comtIdx := r.CT.AddEntry(comt, 0, true, 2)
	r.CT.AddLink(comtIdx, inLnk, false, false, false)
	r.CT.AddLink(comtIdx, memberA, true, false, false)
	r.CT.AddLink(comtIdx, memberB, true, false, false)

	const mcastDst = forest.Addr(-42)
	rteIdx := r.RT.AddEntry(comt, mcastDst, inLnk)
	r.RT.AddLink(rteIdx, memberA)
	r.RT.AddLink(rteIdx, memberB)

	p := buildDataPacket(t, r, forest.ClientData, comt, forest.Addr(2<<16|1), mcastDst, []byte("grp"), inLnk)
	r.handleReceived(p)

	if depth := r.QM.QueueDepth(memberA, 2); depth != 1 {
		t.Errorf("QueueDepth(memberA) = %d, want 1", depth)
	}
	if depth := r.QM.QueueDepth(memberB, 2); depth != 1 {
		t.Errorf("QueueDepth(memberB) = %d, want 1", depth)
	}
	if depth := r.QM.QueueDepth(inLnk, 2); depth != 0 {
		t.Errorf("QueueDepth(inLnk) = %d, want 0 (ingress link excluded)", depth)
	}
}

func encodeSubUnsub(adds, drops []forest.Addr) []byte {
	buf := make([]byte, 2+4*len(adds)+2+4*len(drops))
	off := 0
	binary.BigEndian.PutUint16(buf[off:], uint16(len(adds)))
	off += 2
	for _, a := range adds {
		binary.BigEndian.PutUint32(buf[off:], uint32(a))
		off += 4
	}
	binary.BigEndian.PutUint16(buf[off:], uint16(len(drops)))
	off += 2
	for _, a := range drops {
		binary.BigEndian.PutUint32(buf[off:], uint32(a))
		off += 4
	}
	return buf
}

func TestSubUnsubAddsRouteAndPropagatesUpwardWhenNewRoute(t *testing.T) {
	r := newFixture(t, 4)
	childLnk := addLink(t, r, forest.Addr(2<<16|1), forest.NodeTypeRouter)
	parentLnk := addLink(t, r, forest.Addr(3<<16|1), forest.NodeTypeRouter)

	const comt = forest.Comtree(500)
	comtIdx := r.CT.AddEntry(comt, parentLnk, false, 1)
	r.CT.AddLink(comtIdx, childLnk, true, false, false)
	r.CT.AddLink(comtIdx, parentLnk, true, false, false)

	const mcastDst = forest.Addr(-7)
	payload := encodeSubUnsub([]forest.Addr{mcastDst}, nil)
	p := buildDataPacket(t, r, forest.SubUnsub, comt, forest.Addr(2<<16|1), forest.NullAddr, payload, childLnk)
	r.handleReceived(p)

	rte := r.RT.Lookup(comt, mcastDst)
	if rte == 0 {
		t.Fatalf("expected route to be installed for %v", mcastDst)
	}
	if !r.RT.IsLink(rte, childLnk) {
		t.Errorf("expected childLnk to be in the new route's link set")
	}
	if depth := r.QM.QueueDepth(parentLnk, 1); depth != 1 {
		t.Errorf("QueueDepth(parentLnk, 1) = %d, want 1 (propagated upward)", depth)
	}
}

// TestHandleRteReplyWithRequestFlagSendsReply covers spec.md §4.7.4's
// first step: an incoming RTE_REPLY whose own request flag is set, for a
// destination this router already has a route to, must itself draw an
// immediate reply back to its ingress link before normal forwarding
// continues.
func TestHandleRteReplyWithRequestFlagSendsReply(t *testing.T) {
	r := newFixture(t, 4)
	inLnk := addLink(t, r, forest.Addr(2<<16|1), forest.NodeTypeRouter)
	outLnk := addLink(t, r, forest.Addr(3<<16|1), forest.NodeTypeRouter)

	const comt = forest.Comtree(500)
	comtIdx := r.CT.AddEntry(comt, 0, true, 1)
	r.CT.AddLink(comtIdx, inLnk, true, false, false)
	r.CT.AddLink(comtIdx, outLnk, true, false, false)

	dst := forest.Addr(3<<16 | 1)
	r.RT.AddEntry(comt, dst, outLnk)

	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(forest.Addr(9<<16|1)))
	p := buildDataPacket(t, r, forest.RteReply, comt, forest.Addr(2<<16|1), dst, payload, inLnk)
	hdr := r.PS.Hdr(p)
	hdr.SetRteReq(true)
	r.PS.HdrErrUpdate(p)

	r.handleReceived(p)

	if depth := r.QM.QueueDepth(inLnk, 1); depth != 1 {
		t.Fatalf("QueueDepth(inLnk, 1) = %d, want 1 (reply sent back to ingress)", depth)
	}
	reply := r.QM.Deq(inLnk)
	if reply == 0 {
		t.Fatalf("Deq returned no packet")
	}
	if r.PS.Hdr(reply).Type != forest.RteReply {
		t.Errorf("reply type = %v, want RTE_REPLY", r.PS.Hdr(reply).Type)
	}
	if depth := r.QM.QueueDepth(outLnk, 1); depth != 1 {
		t.Errorf("QueueDepth(outLnk, 1) = %d, want 1 (original RTE_REPLY still forwarded on)", depth)
	}
}

func TestHandleConnectLearnsPeerPort(t *testing.T) {
	r := newFixture(t, 2)
	lnk := addLink(t, r, forest.Addr(2<<16|1), forest.NodeTypeClient)

	comtIdx := r.CT.AddEntry(forest.ClientConnectComtree, 0, true, 0)
	r.CT.AddLink(comtIdx, lnk, false, false, false)

	p := buildDataPacket(t, r, forest.Connect, forest.ClientConnectComtree, forest.Addr(2<<16|1), testMyAdr, nil, lnk)
	r.PS.SetSrcPort(p, 40000)
	r.handleReceived(p)

	link, _ := r.LT.Get(lnk)
	if link.PeerPort != 40000 {
		t.Errorf("PeerPort = %d, want 40000", link.PeerPort)
	}
}

func TestHandleControlPacketAddLinkRoundTrip(t *testing.T) {
	r := newFixture(t, 4)
	ctrlLnk := addLink(t, r, forest.Addr(2<<16|1), forest.NodeTypeController)

	comtIdx := r.CT.AddEntry(forest.Comtree(100), 0, true, 0)
	r.CT.AddLink(comtIdx, ctrlLnk, true, false, true)

	req := ctlpkt.NewRequest(ctlpkt.AddLink, 1)
	req.Set(ctlpkt.IfaceNum, 1)
	req.Set(ctlpkt.PeerIP, 0x0A000002) // 10.0.0.2
	req.Set(ctlpkt.PeerType, uint32(forest.NodeTypeRouter))
	req.Set(ctlpkt.DestAdr, uint32(forest.Addr(5<<16|1)))
	req.Set(ctlpkt.BitRate, 500)
	req.Set(ctlpkt.PktRate, 500)

	p := buildDataPacket(t, r, forest.NetSig, forest.Comtree(100), forest.Addr(2<<16|1), testMyAdr, req.Encode(), ctrlLnk)
	r.handleReceived(p)

	if len(r.ctlQ) != 1 {
		t.Fatalf("expected control packet queued, got %d", len(r.ctlQ))
	}
	cp := r.ctlQ[0]
	r.ctlQ = r.ctlQ[1:]
	r.handleControlPacket(cp)

	if depth := r.QM.QueueDepth(ctrlLnk, 0); depth != 1 {
		t.Fatalf("expected a reply enqueued back on ctrlLnk, got depth %d", depth)
	}
	reply := r.QM.Deq(ctrlLnk)
	if reply == 0 {
		t.Fatalf("Deq returned no packet")
	}
	decoded, err := ctlpkt.Decode(r.PS.Payload(reply))
	if err != nil {
		t.Fatalf("Decode reply: %v", err)
	}
	if !decoded.Success() {
		t.Fatalf("reply was not success: %q", decoded.ErrMsg)
	}
	newLinkNum, ok := decoded.Get(ctlpkt.LinkNum)
	if !ok {
		t.Fatalf("reply missing linkNum attribute")
	}
	link, ok := r.LT.Get(int(newLinkNum))
	if !ok {
		t.Fatalf("new link %d not found", newLinkNum)
	}
	if link.PeerType != forest.NodeTypeRouter {
		t.Errorf("PeerType = %v, want ROUTER", link.PeerType)
	}
}

// TestHandleControlPacketModLinkRoundTrip exercises a real loopback-bound
// interface since doModLink validates the requested rate against the
// interface's configured caps.
func TestHandleControlPacketModLinkRoundTrip(t *testing.T) {
	r := newFixture(t, 4)
	it := iftbl.New()
	if err := it.Add(1, netip.MustParseAddr("127.0.0.1"), 1_000_000, 1_000_000); err != nil {
		t.Skipf("iface bind failed (sandboxed network?): %v", err)
	}
	defer it.Remove(1)
	r.IT = it

	ctrlLnk := addLink(t, r, forest.Addr(2<<16|1), forest.NodeTypeController)
	lnk := r.LT.Add(lnktbl.Link{
		Iface:    1,
		PeerIP:   netip.MustParseAddr("10.0.0.2"),
		PeerAddr: forest.Addr(5<<16 | 1),
		PeerType: forest.NodeTypeRouter,
		BitRate:  500,
		PktRate:  500,
	})
	if lnk == 0 {
		t.Fatalf("link table full")
	}

	comtIdx := r.CT.AddEntry(forest.Comtree(100), 0, true, 0)
	r.CT.AddLink(comtIdx, ctrlLnk, true, false, true)

	req := ctlpkt.NewRequest(ctlpkt.ModLink, 1)
	req.Set(ctlpkt.LinkNum, uint32(lnk))
	req.Set(ctlpkt.BitRate, 900)
	req.Set(ctlpkt.PktRate, 900)

	p := buildDataPacket(t, r, forest.NetSig, forest.Comtree(100), forest.Addr(2<<16|1), testMyAdr, req.Encode(), ctrlLnk)
	r.handleReceived(p)
	if len(r.ctlQ) != 1 {
		t.Fatalf("expected control packet queued, got %d", len(r.ctlQ))
	}
	cp := r.ctlQ[0]
	r.ctlQ = r.ctlQ[1:]
	r.handleControlPacket(cp)

	reply := r.QM.Deq(ctrlLnk)
	if reply == 0 {
		t.Fatalf("Deq returned no packet")
	}
	decoded, err := ctlpkt.Decode(r.PS.Payload(reply))
	if err != nil {
		t.Fatalf("Decode reply: %v", err)
	}
	if !decoded.Success() {
		t.Fatalf("reply was not success: %q", decoded.ErrMsg)
	}
	link, ok := r.LT.Get(lnk)
	if !ok {
		t.Fatalf("link %d not found", lnk)
	}
	if link.BitRate != 900 || link.PktRate != 900 {
		t.Errorf("BitRate/PktRate = %d/%d, want 900/900", link.BitRate, link.PktRate)
	}
}

// TestHandleControlPacketModLinkRejectsRateOverIfaceCap checks the
// rollback-on-invalid path: a requested rate that would push the
// interface's link-rate sum over its configured cap leaves the link
// untouched and replies with failure.
func TestHandleControlPacketModLinkRejectsRateOverIfaceCap(t *testing.T) {
	r := newFixture(t, 4)
	it := iftbl.New()
	if err := it.Add(1, netip.MustParseAddr("127.0.0.1"), 1000, 1000); err != nil {
		t.Skipf("iface bind failed (sandboxed network?): %v", err)
	}
	defer it.Remove(1)
	r.IT = it

	ctrlLnk := addLink(t, r, forest.Addr(2<<16|1), forest.NodeTypeController)
	lnk := r.LT.Add(lnktbl.Link{
		Iface:    1,
		PeerIP:   netip.MustParseAddr("10.0.0.2"),
		PeerAddr: forest.Addr(5<<16 | 1),
		PeerType: forest.NodeTypeRouter,
		BitRate:  500,
		PktRate:  500,
	})
	if lnk == 0 {
		t.Fatalf("link table full")
	}

	comtIdx := r.CT.AddEntry(forest.Comtree(100), 0, true, 0)
	r.CT.AddLink(comtIdx, ctrlLnk, true, false, true)

	req := ctlpkt.NewRequest(ctlpkt.ModLink, 1)
	req.Set(ctlpkt.LinkNum, uint32(lnk))
	req.Set(ctlpkt.BitRate, 2000) // ctrlLnk alone already uses the iface's 1000 Kb/s cap
	req.Set(ctlpkt.PktRate, 500)

	p := buildDataPacket(t, r, forest.NetSig, forest.Comtree(100), forest.Addr(2<<16|1), testMyAdr, req.Encode(), ctrlLnk)
	r.handleReceived(p)
	cp := r.ctlQ[0]
	r.ctlQ = r.ctlQ[1:]
	r.handleControlPacket(cp)

	reply := r.QM.Deq(ctrlLnk)
	if reply == 0 {
		t.Fatalf("Deq returned no packet")
	}
	decoded, err := ctlpkt.Decode(r.PS.Payload(reply))
	if err != nil {
		t.Fatalf("Decode reply: %v", err)
	}
	if decoded.Success() {
		t.Fatalf("expected modLink to be rejected for exceeding interface cap")
	}
	link, _ := r.LT.Get(lnk)
	if link.BitRate != 500 {
		t.Errorf("BitRate = %d, want unchanged 500 after rejected modify", link.BitRate)
	}
}

func TestPktCheckRejectsUntrustedSpoofedSource(t *testing.T) {
	r := newFixture(t, 2)
	lnk := addLink(t, r, forest.Addr(2<<16|1), forest.NodeTypeClient)
	comtIdx := r.CT.AddEntry(forest.Comtree(500), 0, true, 0)
	r.CT.AddLink(comtIdx, lnk, false, false, false)

	spoofed := forest.Addr(99 << 16 | 1)
	p := buildDataPacket(t, r, forest.ClientData, forest.Comtree(500), spoofed, forest.Addr(9<<16|1), []byte("x"), lnk)

	comtIdx2, ok := r.pktCheck(p)
	if ok {
		t.Errorf("pktCheck(spoofed source) = (%d, true), want ok=false", comtIdx2)
	}
}

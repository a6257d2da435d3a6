package router

import (
	"net/netip"

	"github.com/jonturner53/forest-net-sub002/internal/comtree"
	"github.com/jonturner53/forest-net-sub002/internal/ctlpkt"
	"github.com/jonturner53/forest-net-sub002/internal/forest"
	"github.com/jonturner53/forest-net-sub002/internal/lnktbl"
	"github.com/jonturner53/forest-net-sub002/internal/pktstore"
)

// handleControlPacket implements spec.md §4.7.5: decode a NET_SIG
// request from p's payload, dispatch it to the matching table operation,
// and send the reply back on the ingress link. A NET_SIG packet on a
// comtree outside the signalling range is dropped here without a reply.
func (r *Router) handleControlPacket(p pktstore.PktId) {
	defer r.PS.Free(p)

	hdr := r.PS.Hdr(p)
	if hdr.Type != forest.NetSig {
		return
	}
	if !forest.IsSignallingComtree(hdr.Comtree) {
		return
	}
	ingress := r.PS.InLink(p)

	cp, err := ctlpkt.Decode(r.PS.Payload(p))
	if err != nil {
		return
	}
	if !cp.Request {
		return // this router never issues requests of its own in the main loop
	}

	var reply *ctlpkt.CtlPkt
	switch cp.Cmd {
	case ctlpkt.AddIface:
		reply = r.doAddIface(cp)
	case ctlpkt.DropIface:
		reply = r.doDropIface(cp)
	case ctlpkt.ModIface:
		reply = r.doModIface(cp)
	case ctlpkt.GetIface:
		reply = r.doGetIface(cp)
	case ctlpkt.AddLink:
		reply = r.doAddLink(cp)
	case ctlpkt.DropLink:
		reply = r.doDropLink(cp)
	case ctlpkt.ModLink:
		reply = r.doModLink(cp)
	case ctlpkt.GetLink:
		reply = r.doGetLink(cp)
	case ctlpkt.AddComtree:
		reply = r.doAddComtree(cp)
	case ctlpkt.DropComtree:
		reply = r.doDropComtree(cp)
	case ctlpkt.ModComtree:
		reply = r.doModComtree(cp)
	case ctlpkt.GetComtree:
		reply = r.doGetComtree(cp)
	case ctlpkt.AddRoute:
		reply = r.doAddRoute(cp)
	case ctlpkt.DropRoute:
		reply = r.doDropRoute(cp)
	case ctlpkt.ModRoute:
		reply = r.doModRoute(cp)
	case ctlpkt.GetRoute:
		reply = r.doGetRoute(cp)
	default:
		reply = cp.ReplyTo(false, "unsupported command")
	}

	r.sendCtlReply(reply, hdr.SrcAddr, hdr.Comtree, ingress)
}

// sendCtlReply packs reply into a fresh NET_SIG packet addressed to
// dstAdr on comt, and enqueues it on the ingress link at the comtree's
// default queue.
func (r *Router) sendCtlReply(reply *ctlpkt.CtlPkt, dstAdr forest.Addr, comt forest.Comtree, ingress int) {
	payload := reply.Encode()
	n := r.PS.Alloc()
	if n == 0 {
		return
	}
	h := r.PS.Hdr(n)
	*h = forest.Header{
		Version: forest.ForestVersion,
		Length:  uint16(forest.HeaderLength + len(payload) + forest.ChecksumTrailerLength),
		Type:    forest.NetSig,
		Comtree: comt,
		SrcAddr: r.MyAdr,
		DstAddr: dstAdr,
	}
	r.PS.Pack(n)
	buf := r.PS.Buffer(n)
	copy(buf[forest.HeaderLength:], payload)
	r.PS.PayErrUpdate(n)
	r.PS.HdrErrUpdate(n)

	comtIdx := r.CT.Lookup(comt)
	qnum := 0
	if e, ok := r.CT.Get(comtIdx); ok {
		qnum = e.QueueNum
	}
	r.enqueueOrFree(n, ingress, qnum)
}

func ipv4FromAttr(v uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

func attrFromIPv4(ip netip.Addr) uint32 {
	b := ip.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func (r *Router) doAddIface(cp *ctlpkt.CtlPkt) *ctlpkt.CtlPkt {
	ifaceNum, ok1 := cp.Get(ctlpkt.IfaceNum)
	ipAttr, ok2 := cp.Get(ctlpkt.LocalIP)
	maxBit, _ := cp.Get(ctlpkt.MaxBitRate)
	maxPkt, _ := cp.Get(ctlpkt.MaxPktRate)
	if !ok1 || !ok2 {
		return cp.ReplyTo(false, "missing ifaceNum or localIP")
	}
	if err := r.IT.Add(int(ifaceNum), ipv4FromAttr(ipAttr), maxBit, maxPkt); err != nil {
		return cp.ReplyTo(false, err.Error())
	}
	return cp.ReplyTo(true, "")
}

func (r *Router) doDropIface(cp *ctlpkt.CtlPkt) *ctlpkt.CtlPkt {
	ifaceNum, ok := cp.Get(ctlpkt.IfaceNum)
	if !ok {
		return cp.ReplyTo(false, "missing ifaceNum")
	}
	if err := r.IT.Remove(int(ifaceNum)); err != nil {
		return cp.ReplyTo(false, err.Error())
	}
	return cp.ReplyTo(true, "")
}

func (r *Router) doModIface(cp *ctlpkt.CtlPkt) *ctlpkt.CtlPkt {
	ifaceNum, ok := cp.Get(ctlpkt.IfaceNum)
	if !ok {
		return cp.ReplyTo(false, "missing ifaceNum")
	}
	maxBit, _ := cp.Get(ctlpkt.MaxBitRate)
	maxPkt, _ := cp.Get(ctlpkt.MaxPktRate)
	if err := r.IT.Modify(int(ifaceNum), r.LT, maxBit, maxPkt); err != nil {
		return cp.ReplyTo(false, err.Error())
	}
	return cp.ReplyTo(true, "")
}

func (r *Router) doGetIface(cp *ctlpkt.CtlPkt) *ctlpkt.CtlPkt {
	ifaceNum, ok := cp.Get(ctlpkt.IfaceNum)
	if !ok {
		return cp.ReplyTo(false, "missing ifaceNum")
	}
	iface, ok := r.IT.Get(int(ifaceNum))
	if !ok {
		return cp.ReplyTo(false, "no such interface")
	}
	reply := cp.ReplyTo(true, "")
	reply.Set(ctlpkt.LocalIP, attrFromIPv4(iface.IP))
	reply.Set(ctlpkt.MaxBitRate, iface.MaxBitRate)
	reply.Set(ctlpkt.MaxPktRate, iface.MaxPktRate)
	return reply
}

func (r *Router) doAddLink(cp *ctlpkt.CtlPkt) *ctlpkt.CtlPkt {
	ifaceNum, ok1 := cp.Get(ctlpkt.IfaceNum)
	ipAttr, ok2 := cp.Get(ctlpkt.PeerIP)
	if !ok1 || !ok2 {
		return cp.ReplyTo(false, "missing ifaceNum or peerIP")
	}
	port, _ := cp.Get(ctlpkt.PeerPort)
	peerType, _ := cp.Get(ctlpkt.PeerType)
	peerAdr, _ := cp.Get(ctlpkt.DestAdr)
	peerDest, _ := cp.Get(ctlpkt.PeerDest)
	bitRate, _ := cp.Get(ctlpkt.BitRate)
	pktRate, _ := cp.Get(ctlpkt.PktRate)

	idx := r.LT.Add(lnktbl.Link{
		Iface:    int(ifaceNum),
		PeerIP:   ipv4FromAttr(ipAttr),
		PeerPort: uint16(port),
		PeerAddr: forest.Addr(peerAdr),
		PeerType: forest.NodeType(peerType),
		PeerDest: forest.Addr(peerDest),
		BitRate:  bitRate,
		PktRate:  pktRate,
	})
	if idx == 0 {
		return cp.ReplyTo(false, "link table full")
	}
	reply := cp.ReplyTo(true, "")
	reply.Set(ctlpkt.LinkNum, uint32(idx))
	return reply
}

func (r *Router) doDropLink(cp *ctlpkt.CtlPkt) *ctlpkt.CtlPkt {
	linkNum, ok := cp.Get(ctlpkt.LinkNum)
	if !ok {
		return cp.ReplyTo(false, "missing linkNum")
	}
	if err := r.LT.Remove(int(linkNum)); err != nil {
		return cp.ReplyTo(false, err.Error())
	}
	return cp.ReplyTo(true, "")
}

func (r *Router) doModLink(cp *ctlpkt.CtlPkt) *ctlpkt.CtlPkt {
	linkNum, ok := cp.Get(ctlpkt.LinkNum)
	if !ok {
		return cp.ReplyTo(false, "missing linkNum")
	}
	link, ok := r.LT.Get(int(linkNum))
	if !ok {
		return cp.ReplyTo(false, "no such link")
	}
	bitRate, ok1 := cp.Get(ctlpkt.BitRate)
	if !ok1 {
		bitRate = link.BitRate
	}
	pktRate, ok2 := cp.Get(ctlpkt.PktRate)
	if !ok2 {
		pktRate = link.PktRate
	}
	iface, ok := r.IT.Get(link.Iface)
	if !ok {
		return cp.ReplyTo(false, "no such interface")
	}
	if err := r.LT.Modify(int(linkNum), iface.MaxBitRate, iface.MaxPktRate, bitRate, pktRate); err != nil {
		return cp.ReplyTo(false, err.Error())
	}
	return cp.ReplyTo(true, "")
}

func (r *Router) doGetLink(cp *ctlpkt.CtlPkt) *ctlpkt.CtlPkt {
	linkNum, ok := cp.Get(ctlpkt.LinkNum)
	if !ok {
		return cp.ReplyTo(false, "missing linkNum")
	}
	link, ok := r.LT.Get(int(linkNum))
	if !ok {
		return cp.ReplyTo(false, "no such link")
	}
	reply := cp.ReplyTo(true, "")
	reply.Set(ctlpkt.IfaceNum, uint32(link.Iface))
	reply.Set(ctlpkt.PeerIP, attrFromIPv4(link.PeerIP))
	reply.Set(ctlpkt.PeerPort, uint32(link.PeerPort))
	reply.Set(ctlpkt.PeerType, uint32(link.PeerType))
	reply.Set(ctlpkt.BitRate, link.BitRate)
	reply.Set(ctlpkt.PktRate, link.PktRate)
	return reply
}

func (r *Router) doAddComtree(cp *ctlpkt.CtlPkt) *ctlpkt.CtlPkt {
	comtNum, ok := cp.Get(ctlpkt.ComtreeNum)
	if !ok {
		return cp.ReplyTo(false, "missing comtreeNum")
	}
	parent, _ := cp.Get(ctlpkt.ParentLink)
	coreFlag, _ := cp.Get(ctlpkt.CoreFlag)
	qnum, _ := cp.Get(ctlpkt.QueueNum)

	idx := r.CT.AddEntry(forest.Comtree(comtNum), int(parent), coreFlag != 0, int(qnum))
	if idx == 0 {
		return cp.ReplyTo(false, "comtree table full or already admitted")
	}
	if !r.CT.Consistent(idx) {
		r.CT.RemoveEntry(idx)
		return cp.ReplyTo(false, "comtree violates invariants")
	}
	return cp.ReplyTo(true, "")
}

func (r *Router) doDropComtree(cp *ctlpkt.CtlPkt) *ctlpkt.CtlPkt {
	comtNum, ok := cp.Get(ctlpkt.ComtreeNum)
	if !ok {
		return cp.ReplyTo(false, "missing comtreeNum")
	}
	idx := r.CT.Lookup(forest.Comtree(comtNum))
	if idx == 0 {
		return cp.ReplyTo(false, "no such comtree")
	}
	if err := r.CT.RemoveEntry(idx); err != nil {
		return cp.ReplyTo(false, err.Error())
	}
	return cp.ReplyTo(true, "")
}

// doModComtree applies the mutations a request carries to an existing
// comtree: adding LinkNum as a member link (CoreFlag marks that link as
// a core link), setting the parent link, and setting the default queue.
// It has no drop-link mutation and does not change the entry's own core
// flag. If the result fails Consistent, the entry is restored to its
// prior state and the reply is negative.
func (r *Router) doModComtree(cp *ctlpkt.CtlPkt) *ctlpkt.CtlPkt {
	comtNum, ok := cp.Get(ctlpkt.ComtreeNum)
	if !ok {
		return cp.ReplyTo(false, "missing comtreeNum")
	}
	idx := r.CT.Lookup(forest.Comtree(comtNum))
	if idx == 0 {
		return cp.ReplyTo(false, "no such comtree")
	}

	before, _ := r.CT.Get(idx)

	if linkNum, ok := cp.Get(ctlpkt.LinkNum); ok {
		link, ok := r.LT.Get(int(linkNum))
		if !ok {
			return cp.ReplyTo(false, "no such link")
		}
		rFlag := link.PeerType.Trusted()
		lFlag := rFlag && link.PeerAddr.Zip() == r.MyAdr.Zip()
		cFlag, _ := cp.Get(ctlpkt.CoreFlag)
		r.CT.AddLink(idx, int(linkNum), rFlag, lFlag, cFlag != 0)
	}
	if parent, ok := cp.Get(ctlpkt.ParentLink); ok {
		r.CT.SetParent(idx, int(parent))
	}
	if qnum, ok := cp.Get(ctlpkt.QueueNum); ok {
		r.CT.SetQueueNum(idx, int(qnum))
	}

	if !r.CT.Consistent(idx) {
		restoreComtree(r.CT, idx, before)
		return cp.ReplyTo(false, "mutation violates comtree invariants")
	}
	return cp.ReplyTo(true, "")
}

// restoreComtree rolls entry idx back to a previously captured snapshot,
// used when a mutation fails doModComtree's Consistent check.
func restoreComtree(ct *comtree.Table, idx int, snapshot comtree.Entry) {
	ct.SetParent(idx, snapshot.Parent)
	ct.SetCoreFlag(idx, snapshot.CoreFlag)
	ct.SetQueueNum(idx, snapshot.QueueNum)
	if cur, ok := ct.Get(idx); ok {
		for _, l := range cur.Links.Links() {
			ct.RemoveLink(idx, l)
		}
	}
	for _, l := range snapshot.Links.Links() {
		rFlag := snapshot.RLinks.Has(l)
		lFlag := snapshot.LLinks.Has(l)
		cFlag := snapshot.CLinks.Has(l)
		ct.AddLink(idx, l, rFlag, lFlag, cFlag)
	}
}

func (r *Router) doGetComtree(cp *ctlpkt.CtlPkt) *ctlpkt.CtlPkt {
	comtNum, ok := cp.Get(ctlpkt.ComtreeNum)
	if !ok {
		return cp.ReplyTo(false, "missing comtreeNum")
	}
	idx := r.CT.Lookup(forest.Comtree(comtNum))
	e, ok := r.CT.Get(idx)
	if !ok {
		return cp.ReplyTo(false, "no such comtree")
	}
	reply := cp.ReplyTo(true, "")
	reply.Set(ctlpkt.ParentLink, uint32(e.Parent))
	reply.Set(ctlpkt.QueueNum, uint32(e.QueueNum))
	if e.CoreFlag {
		reply.Set(ctlpkt.CoreFlag, 1)
	}
	return reply
}

func (r *Router) doAddRoute(cp *ctlpkt.CtlPkt) *ctlpkt.CtlPkt {
	comtNum, ok1 := cp.Get(ctlpkt.ComtreeNum)
	destAdr, ok2 := cp.Get(ctlpkt.DestAdr)
	linkNum, ok3 := cp.Get(ctlpkt.LinkNum)
	if !ok1 || !ok2 || !ok3 {
		return cp.ReplyTo(false, "missing comtreeNum, destAdr or linkNum")
	}
	idx := r.RT.AddEntry(forest.Comtree(comtNum), forest.Addr(destAdr), int(linkNum))
	if idx == 0 {
		return cp.ReplyTo(false, "route table full or route already exists")
	}
	return cp.ReplyTo(true, "")
}

func (r *Router) doDropRoute(cp *ctlpkt.CtlPkt) *ctlpkt.CtlPkt {
	comtNum, ok1 := cp.Get(ctlpkt.ComtreeNum)
	destAdr, ok2 := cp.Get(ctlpkt.DestAdr)
	if !ok1 || !ok2 {
		return cp.ReplyTo(false, "missing comtreeNum or destAdr")
	}
	idx := r.RT.Lookup(forest.Comtree(comtNum), forest.Addr(destAdr))
	if idx == 0 {
		return cp.ReplyTo(false, "no such route")
	}
	if err := r.RT.RemoveEntry(idx); err != nil {
		return cp.ReplyTo(false, err.Error())
	}
	return cp.ReplyTo(true, "")
}

func (r *Router) doModRoute(cp *ctlpkt.CtlPkt) *ctlpkt.CtlPkt {
	comtNum, ok1 := cp.Get(ctlpkt.ComtreeNum)
	destAdr, ok2 := cp.Get(ctlpkt.DestAdr)
	if !ok1 || !ok2 {
		return cp.ReplyTo(false, "missing comtreeNum or destAdr")
	}
	idx := r.RT.Lookup(forest.Comtree(comtNum), forest.Addr(destAdr))
	if idx == 0 {
		return cp.ReplyTo(false, "no such route")
	}
	if qnum, ok := cp.Get(ctlpkt.QueueNum); ok {
		r.RT.SetQueueNum(idx, int(qnum))
	}
	if linkNum, ok := cp.Get(ctlpkt.LinkNum); ok {
		if forest.Addr(destAdr).IsMulticast() {
			r.RT.AddLink(idx, int(linkNum))
		}
	}
	return cp.ReplyTo(true, "")
}

func (r *Router) doGetRoute(cp *ctlpkt.CtlPkt) *ctlpkt.CtlPkt {
	comtNum, ok1 := cp.Get(ctlpkt.ComtreeNum)
	destAdr, ok2 := cp.Get(ctlpkt.DestAdr)
	if !ok1 || !ok2 {
		return cp.ReplyTo(false, "missing comtreeNum or destAdr")
	}
	idx := r.RT.Lookup(forest.Comtree(comtNum), forest.Addr(destAdr))
	e, ok := r.RT.Get(idx)
	if !ok {
		return cp.ReplyTo(false, "no such route")
	}
	reply := cp.ReplyTo(true, "")
	reply.Set(ctlpkt.QueueNum, uint32(e.QueueNum))
	if !e.Multicast {
		reply.Set(ctlpkt.LinkNum, uint32(e.Link))
	}
	return reply
}

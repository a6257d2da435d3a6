package router

import (
	"encoding/binary"

	"github.com/jonturner53/forest-net-sub002/internal/forest"
	"github.com/jonturner53/forest-net-sub002/internal/pktstore"
)

// subUnsubMaxAddrs bounds the total add+drop multicast address count in
// a SUB_UNSUB payload, per spec.md §3.
const subUnsubMaxAddrs = 350

// forward implements spec.md §4.7.1.
func (r *Router) forward(p pktstore.PktId, comtIdx int) {
	hdr := r.PS.Hdr(p)
	comt := hdr.Comtree
	dst := hdr.DstAddr
	rte := r.RT.Lookup(comt, dst)

	if hdr.RteReq() && rte != 0 {
		r.sendRteReply(p, comtIdx)
		hdr.SetRteReq(false)
		r.PS.HdrErrUpdate(p)
	}

	switch {
	case rte != 0 && dst.IsUnicast():
		e, _ := r.CT.Get(comtIdx)
		qnum := r.RT.QueueNum(rte)
		if qnum == 0 {
			qnum = e.QueueNum
		}
		outLnk := r.RT.Link(rte)
		if outLnk == r.PS.InLink(p) || !r.enqueueOrFree(p, outLnk, qnum) {
			if outLnk == r.PS.InLink(p) {
				r.PS.Free(p)
			}
		}
	case rte != 0 && dst.IsMulticast():
		r.multiSend(p, comtIdx, rte)
	case rte == 0 && dst.IsUnicast():
		hdr.SetRteReq(true)
		r.PS.HdrErrUpdate(p)
		r.multiSend(p, comtIdx, 0)
	default: // rte == 0 && multicast
		r.multiSend(p, comtIdx, 0)
	}
}

// enqueueOrFree enqueues p on lnk/qnum, freeing p if the enqueue is
// rejected. Returns whether the enqueue succeeded.
func (r *Router) enqueueOrFree(p pktstore.PktId, lnk, qnum int) bool {
	if !r.QM.Enq(p, lnk, qnum, r.now) {
		r.PS.Free(p)
		r.Metrics.RecordDropped("queue_full")
		return false
	}
	return true
}

// multiSend implements spec.md §4.7.2.
func (r *Router) multiSend(p pktstore.PktId, comtIdx int, rte int) {
	hdr := r.PS.Hdr(p)
	e, _ := r.CT.Get(comtIdx)
	ingress := r.PS.InLink(p)

	var qnum int
	var links []int

	if hdr.DstAddr.IsUnicast() {
		qnum = e.QueueNum
		if hdr.DstAddr.Zip() == r.MyAdr.Zip() {
			links = e.LLinks.Links()
		} else {
			links = e.RLinks.Links()
		}
	} else {
		qnum = e.QueueNum
		if rte != 0 {
			if rq := r.RT.QueueNum(rte); rq != 0 {
				qnum = rq
			}
		}
		set := make(map[int]bool)
		if rte != 0 {
			for _, l := range r.RT.Links(rte) {
				set[l] = true
			}
		}
		for _, l := range e.CLinks.Links() {
			set[l] = true
		}
		if e.Parent != 0 && !e.CLinks.Has(e.Parent) {
			set[e.Parent] = true
		}
		for l := range set {
			links = append(links, l)
		}
	}

	var targets []int
	for _, l := range links {
		if l != ingress {
			targets = append(targets, l)
		}
	}

	if len(targets) == 0 {
		r.PS.Free(p)
		return
	}

	for i, l := range targets {
		if i == len(targets)-1 {
			r.enqueueOrFree(p, l, qnum)
			continue
		}
		cp := r.PS.Clone(p)
		if cp == 0 {
			r.Metrics.RecordDropped("store_exhausted")
			continue
		}
		r.enqueueOrFree(cp, l, qnum)
	}
}

// subUnsub implements spec.md §4.7.3.
func (r *Router) subUnsub(p pktstore.PktId, comtIdx int) {
	hdr := r.PS.Hdr(p)
	e, _ := r.CT.Get(comtIdx)
	ingress := r.PS.InLink(p)

	if ingress == e.Parent || e.CLinks.Has(ingress) {
		r.PS.Free(p)
		return
	}

	payload := r.PS.Payload(p)
	off := 0
	readU16 := func() (uint16, bool) {
		if off+2 > len(payload) {
			return 0, false
		}
		v := binary.BigEndian.Uint16(payload[off : off+2])
		off += 2
		return v, true
	}
	readAddr := func() (forest.Addr, int, bool) {
		if off+4 > len(payload) {
			return 0, 0, false
		}
		wordOff := off
		v := forest.Addr(binary.BigEndian.Uint32(payload[off : off+4]))
		off += 4
		return v, wordOff, true
	}

	addCount, ok := readU16()
	if !ok {
		r.PS.Free(p)
		return
	}
	type addrSlot struct {
		addr forest.Addr
		off  int
	}
	adds := make([]addrSlot, 0, addCount)
	for i := uint16(0); i < addCount; i++ {
		a, wOff, ok := readAddr()
		if !ok {
			r.PS.Free(p)
			return
		}
		adds = append(adds, addrSlot{a, wOff})
	}
	dropCount, ok := readU16()
	if !ok {
		r.PS.Free(p)
		return
	}
	drops := make([]addrSlot, 0, dropCount)
	for i := uint16(0); i < dropCount; i++ {
		a, wOff, ok := readAddr()
		if !ok {
			r.PS.Free(p)
			return
		}
		drops = append(drops, addrSlot{a, wOff})
	}
	if int(addCount)+int(dropCount) > subUnsubMaxAddrs {
		r.PS.Free(p)
		return
	}

	propagate := false

	for _, s := range adds {
		if !s.addr.IsMulticast() {
			continue
		}
		rte := r.RT.Lookup(hdr.Comtree, s.addr)
		if rte == 0 {
			r.RT.AddEntry(hdr.Comtree, s.addr, ingress)
			propagate = true
		} else if !r.RT.IsLink(rte, ingress) {
			r.RT.AddLink(rte, ingress)
			zeroAddr(payload, s.off)
		}
	}

	for _, s := range drops {
		if !s.addr.IsMulticast() {
			continue
		}
		rte := r.RT.Lookup(hdr.Comtree, s.addr)
		if rte == 0 {
			continue
		}
		r.RT.RemoveLink(rte, ingress)
		if r.RT.NoLinks(rte) {
			r.RT.RemoveEntry(rte)
			propagate = true
		} else {
			zeroAddr(payload, s.off)
		}
	}

	if propagate && !e.CoreFlag && e.Parent != 0 {
		r.PS.PayErrUpdate(p)
		r.enqueueOrFree(p, e.Parent, e.QueueNum)
		return
	}
	r.PS.Free(p)
}

func zeroAddr(payload []byte, off int) {
	if off+4 <= len(payload) {
		binary.BigEndian.PutUint32(payload[off:off+4], 0)
	}
}

// rteReplyPayloadLen is the fixed payload length of a RTE_REPLY packet:
// one forest address word.
const rteReplyPayloadLen = 4
const rteReplyLength = forest.HeaderLength + rteReplyPayloadLen + forest.ChecksumTrailerLength

// handleRteReply implements spec.md §4.7.4.
func (r *Router) handleRteReply(p pktstore.PktId, comtIdx int) {
	hdr := r.PS.Hdr(p)
	payload := r.PS.Payload(p)
	var repliedAddr forest.Addr
	if len(payload) >= 4 {
		repliedAddr = forest.Addr(binary.BigEndian.Uint32(payload[0:4]))
	}
	ingress := r.PS.InLink(p)

	rte := r.RT.Lookup(hdr.Comtree, hdr.DstAddr)
	if hdr.RteReq() && rte != 0 {
		r.sendRteReply(p, comtIdx)
		hdr.SetRteReq(false)
		r.PS.HdrErrUpdate(p)
	}

	if repliedAddr.IsUnicast() && r.RT.Lookup(hdr.Comtree, repliedAddr) == 0 {
		r.RT.AddEntry(hdr.Comtree, repliedAddr, ingress)
	}

	if rte == 0 {
		hdr.SetRteReq(true)
		r.PS.HdrErrUpdate(p)
		r.multiSend(p, comtIdx, 0)
		return
	}

	outLnk := r.RT.Link(rte)
	link, ok := r.LT.Get(outLnk)
	if ok && link.PeerType.Trusted() && outLnk != ingress {
		e, _ := r.CT.Get(comtIdx)
		qnum := r.RT.QueueNum(rte)
		if qnum == 0 {
			qnum = e.QueueNum
		}
		r.enqueueOrFree(p, outLnk, qnum)
		return
	}
	r.PS.Free(p)
}

// sendRteReply implements spec.md §4.7.4.
func (r *Router) sendRteReply(p pktstore.PktId, comtIdx int) {
	orig := r.PS.Hdr(p)
	ingress := r.PS.InLink(p)

	reply := r.PS.Alloc()
	if reply == 0 {
		return
	}
	rhdr := r.PS.Hdr(reply)
	*rhdr = forest.Header{
		Version: forest.ForestVersion,
		Length:  rteReplyLength,
		Type:    forest.RteReply,
		Comtree: orig.Comtree,
		SrcAddr: r.MyAdr,
		DstAddr: orig.SrcAddr,
	}
	r.PS.Pack(reply)
	payload := r.PS.Payload(reply)
	binary.BigEndian.PutUint32(payload[0:4], uint32(orig.DstAddr))
	r.PS.PayErrUpdate(reply)
	r.PS.HdrErrUpdate(reply)

	e, _ := r.CT.Get(comtIdx)
	r.enqueueOrFree(reply, ingress, e.QueueNum)
}

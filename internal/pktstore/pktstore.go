// Package pktstore implements the fixed-capacity packet descriptor and
// buffer pool described in spec.md §3/§4.1: a pool of packet
// descriptors backed by separately reference-counted byte buffers, with
// LIFO free lists for cache locality, mirroring the arena-plus-pool
// idiom the teacher repo uses for its buffer pools
// (pkg/common/bufferpool.go) generalized to reference-counted sharing.
package pktstore

import (
	"github.com/jonturner53/forest-net-sub002/internal/forest"
)

// PktId identifies a packet descriptor. The zero value is the null
// sentinel returned when the store is exhausted.
type PktId uint32

// BufferCapacity is the fixed size, in bytes, of every buffer in the
// pool: enough for the 20-byte header, a maximum-size payload, and the
// 4-byte trailing payload checksum.
const BufferCapacity = 1500

type descriptor struct {
	inUse   bool
	hdr     forest.Header
	bufIdx  int32  // 1-based index into bufs; 0 means unassigned
	inLink  int    // ingress link index annotated by the interface table; 0 if locally generated
	ioBytes int    // bytes actually read off the wire for this descriptor's packet
	srcPort uint16 // UDP source port of the datagram this packet arrived in, if any
}

// PacketStore is a fixed-capacity pool of packet descriptors (N) and
// byte buffers (M), N >= M. A descriptor exclusively owns its header
// fields; a buffer may be shared by multiple descriptors via reference
// counting.
type PacketStore struct {
	descs     []descriptor
	bufs      [][BufferCapacity]byte
	refCount  []int32
	freeDescs []PktId
	freeBufs  []int32
}

// New creates a packet store with capacity for numDescs descriptors and
// numBufs buffers. numDescs must be >= numBufs, matching spec.md §3.
func New(numDescs, numBufs int) *PacketStore {
	if numDescs < numBufs {
		panic("pktstore: numDescs must be >= numBufs")
	}
	ps := &PacketStore{
		descs:     make([]descriptor, numDescs+1),
		bufs:      make([][BufferCapacity]byte, numBufs+1),
		refCount:  make([]int32, numBufs+1),
		freeDescs: make([]PktId, 0, numDescs),
		freeBufs:  make([]int32, 0, numBufs),
	}
	for i := numDescs; i >= 1; i-- {
		ps.freeDescs = append(ps.freeDescs, PktId(i))
	}
	for i := numBufs; i >= 1; i-- {
		ps.freeBufs = append(ps.freeBufs, int32(i))
	}
	return ps
}

func (ps *PacketStore) popDesc() (PktId, bool) {
	n := len(ps.freeDescs)
	if n == 0 {
		return 0, false
	}
	id := ps.freeDescs[n-1]
	ps.freeDescs = ps.freeDescs[:n-1]
	return id, true
}

func (ps *PacketStore) popBuf() (int32, bool) {
	n := len(ps.freeBufs)
	if n == 0 {
		return 0, false
	}
	id := ps.freeBufs[n-1]
	ps.freeBufs = ps.freeBufs[:n-1]
	return id, true
}

// Alloc allocates a fresh descriptor and a fresh buffer with refcount 1.
// Returns 0 if the store is exhausted; header fields are undefined until
// Unpack or direct field writes.
func (ps *PacketStore) Alloc() PktId {
	d, ok := ps.popDesc()
	if !ok {
		return 0
	}
	b, ok := ps.popBuf()
	if !ok {
		ps.freeDescs = append(ps.freeDescs, d)
		return 0
	}
	ps.refCount[b] = 1
	ps.descs[d] = descriptor{inUse: true, bufIdx: b}
	return d
}

// Clone creates a fresh descriptor that shares p's buffer, incrementing
// its reference count. The new descriptor's header fields are
// initialized from p's current header. Returns 0 if descriptors are
// exhausted.
func (ps *PacketStore) Clone(p PktId) PktId {
	src := &ps.descs[p]
	d, ok := ps.popDesc()
	if !ok {
		return 0
	}
	ps.refCount[src.bufIdx]++
	ps.descs[d] = descriptor{
		inUse:   true,
		hdr:     src.hdr,
		bufIdx:  src.bufIdx,
		inLink:  src.inLink,
		ioBytes: src.ioBytes,
	}
	return d
}

// FullCopy creates a fresh descriptor with a fresh buffer, copying bytes
// up to p's current length field, then unpacking the header from the
// new buffer so subsequent mutation of p does not affect the copy.
// Returns 0 if the store is exhausted.
func (ps *PacketStore) FullCopy(p PktId) PktId {
	src := &ps.descs[p]
	d, ok := ps.popDesc()
	if !ok {
		return 0
	}
	b, ok := ps.popBuf()
	if !ok {
		ps.freeDescs = append(ps.freeDescs, d)
		return 0
	}
	ps.refCount[b] = 1
	n := int(src.hdr.Length)
	if n > BufferCapacity {
		n = BufferCapacity
	}
	copy(ps.bufs[b][:n], ps.bufs[src.bufIdx][:n])
	ps.descs[d] = descriptor{
		inUse:   true,
		bufIdx:  b,
		inLink:  src.inLink,
		ioBytes: src.ioBytes,
	}
	ps.descs[d].hdr = forest.Unpack(ps.bufs[b][:])
	return d
}

// Free releases p's descriptor to the free list and decrements its
// buffer's reference count, releasing the buffer to the free list when
// the count reaches zero.
func (ps *PacketStore) Free(p PktId) {
	if p == 0 || !ps.descs[p].inUse {
		return
	}
	b := ps.descs[p].bufIdx
	ps.descs[p] = descriptor{}
	ps.freeDescs = append(ps.freeDescs, p)
	ps.refCount[b]--
	if ps.refCount[b] == 0 {
		ps.freeBufs = append(ps.freeBufs, b)
	}
}

// RefCount returns the current reference count of p's buffer, for tests
// verifying the PacketStore invariant in spec.md §8.
func (ps *PacketStore) RefCount(p PktId) int32 {
	return ps.refCount[ps.descs[p].bufIdx]
}

// Buffer returns the raw byte buffer backing p.
func (ps *PacketStore) Buffer(p PktId) []byte {
	return ps.bufs[ps.descs[p].bufIdx][:]
}

// Hdr returns a pointer to p's in-memory header fields for direct
// mutation. Callers must call Pack (directly or via HdrErrUpdate) before
// transmitting.
func (ps *PacketStore) Hdr(p PktId) *forest.Header {
	return &ps.descs[p].hdr
}

// Payload returns the payload bytes of p: the buffer slice between the
// fixed header and the trailing payload checksum, per the current
// length field.
func (ps *PacketStore) Payload(p PktId) []byte {
	h := &ps.descs[p].hdr
	if int(h.Length) < forest.MinPacketLength {
		return nil
	}
	return ps.bufs[ps.descs[p].bufIdx][forest.HeaderLength : h.Length-forest.ChecksumTrailerLength]
}

// Pack serializes p's in-memory header into the first HeaderLength
// bytes of its buffer.
func (ps *PacketStore) Pack(p PktId) {
	d := &ps.descs[p]
	d.hdr.Pack(ps.bufs[d.bufIdx][:forest.HeaderLength])
}

// Unpack decodes the first HeaderLength bytes of p's buffer into its
// in-memory header.
func (ps *PacketStore) Unpack(p PktId) {
	d := &ps.descs[p]
	d.hdr = forest.Unpack(ps.bufs[d.bufIdx][:forest.HeaderLength])
}

// HdrErrUpdate recomputes the header checksum after a header mutation
// and packs the result into the buffer. See spec.md §9's open question:
// the reference design permits a trivial checksum, but the entry point
// must exist and be called after every header mutation that will be
// transmitted.
func (ps *PacketStore) HdrErrUpdate(p PktId) {
	d := &ps.descs[p]
	d.hdr.HdrCksum = 0
	buf := ps.bufs[d.bufIdx][:forest.HeaderLength]
	d.hdr.Pack(buf)
	d.hdr.HdrCksum = forest.HeaderChecksum(buf)
	d.hdr.Pack(buf)
}

// PayErrUpdate recomputes the trailing payload checksum after a payload
// mutation, using p's current length field to locate the trailer.
func (ps *PacketStore) PayErrUpdate(p PktId) {
	d := &ps.descs[p]
	if int(d.hdr.Length) < forest.MinPacketLength {
		return
	}
	buf := ps.bufs[d.bufIdx][:]
	payload := buf[forest.HeaderLength : d.hdr.Length-forest.ChecksumTrailerLength]
	cksum := forest.PayloadChecksum(payload)
	trailer := buf[d.hdr.Length-forest.ChecksumTrailerLength : d.hdr.Length]
	trailer[0] = byte(cksum >> 24)
	trailer[1] = byte(cksum >> 16)
	trailer[2] = byte(cksum >> 8)
	trailer[3] = byte(cksum)
}

// InLink returns the ingress link index annotated on p by the interface
// table's recvAny, or 0 if p was not received from the network.
func (ps *PacketStore) InLink(p PktId) int { return ps.descs[p].inLink }

// SetInLink annotates p with its ingress link index.
func (ps *PacketStore) SetInLink(p PktId, lnk int) { ps.descs[p].inLink = lnk }

// IoBytes returns the number of bytes actually read off the wire for p,
// used by pktCheck to validate the header's length field.
func (ps *PacketStore) IoBytes(p PktId) int { return ps.descs[p].ioBytes }

// SetIoBytes records the number of bytes actually read off the wire.
func (ps *PacketStore) SetIoBytes(p PktId, n int) { ps.descs[p].ioBytes = n }

// SrcPort returns the UDP source port of the datagram p arrived in, as
// annotated by the interface table's recvAny, or 0 if p was not
// received from the network.
func (ps *PacketStore) SrcPort(p PktId) uint16 { return ps.descs[p].srcPort }

// SetSrcPort annotates p with the UDP source port of its datagram.
func (ps *PacketStore) SetSrcPort(p PktId, port uint16) { ps.descs[p].srcPort = port }

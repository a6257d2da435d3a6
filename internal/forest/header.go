package forest

import "encoding/binary"

// PacketType is the 8-bit packet-type field of the fixed header.
type PacketType uint8

// Packet types handled by the router core.
const (
	ClientData PacketType = 1
	SubUnsub   PacketType = 2
	ClientSig  PacketType = 10
	Connect    PacketType = 11
	Disconnect PacketType = 12
	NetSig     PacketType = 100
	RteReply   PacketType = 101
)

// String names a packet type for logging.
func (t PacketType) String() string {
	switch t {
	case ClientData:
		return "CLIENT_DATA"
	case SubUnsub:
		return "SUB_UNSUB"
	case ClientSig:
		return "CLIENT_SIG"
	case Connect:
		return "CONNECT"
	case Disconnect:
		return "DISCONNECT"
	case NetSig:
		return "NET_SIG"
	case RteReply:
		return "RTE_REPLY"
	default:
		return "UNKNOWN"
	}
}

// Internal reports whether t falls in the router-internal range
// (NET_SIG and above) that untrusted peers may never use, per spec.md §7.
func (t PacketType) Internal() bool { return t >= NetSig }

// Header flag bits.
const (
	// FlagRteReq marks a packet as a route request: the sender has no
	// route for the destination and is soliciting a RTE_REPLY.
	FlagRteReq uint8 = 0x01
)

// ForestVersion is the only header version the router accepts.
const ForestVersion = 1

// HeaderLength is the fixed header size in bytes.
const HeaderLength = 20

// ChecksumTrailerLength is the size of the payload checksum trailing
// every packet.
const ChecksumTrailerLength = 4

// MinPacketLength is the minimum legal length field: header plus
// trailing payload checksum, empty payload.
const MinPacketLength = HeaderLength + ChecksumTrailerLength

// Header holds the decoded fixed 20-byte packet header.
type Header struct {
	Version  uint8
	Length   uint16 // total packet length in bytes, including the 4-byte payload checksum
	Type     PacketType
	Flags    uint8
	Comtree  Comtree
	SrcAddr  Addr
	DstAddr  Addr
	HdrCksum uint32
}

// RteReq reports whether the route-request flag is set.
func (h *Header) RteReq() bool { return h.Flags&FlagRteReq != 0 }

// SetRteReq sets or clears the route-request flag.
func (h *Header) SetRteReq(on bool) {
	if on {
		h.Flags |= FlagRteReq
	} else {
		h.Flags &^= FlagRteReq
	}
}

// Pack serializes h into the first HeaderLength bytes of buf big-endian.
// buf must be at least HeaderLength bytes long.
func (h *Header) Pack(buf []byte) {
	_ = buf[HeaderLength-1]
	buf[0] = (h.Version << 4) | byte(h.Length>>8)&0x0F
	buf[1] = byte(h.Length)
	buf[2] = byte(h.Type)
	buf[3] = h.Flags
	binary.BigEndian.PutUint32(buf[4:8], uint32(h.Comtree))
	binary.BigEndian.PutUint32(buf[8:12], uint32(h.SrcAddr))
	binary.BigEndian.PutUint32(buf[12:16], uint32(h.DstAddr))
	binary.BigEndian.PutUint32(buf[16:20], h.HdrCksum)
}

// Unpack decodes the first HeaderLength bytes of buf into a Header.
// buf must be at least HeaderLength bytes long.
func Unpack(buf []byte) Header {
	_ = buf[HeaderLength-1]
	var h Header
	h.Version = buf[0] >> 4
	h.Length = uint16(buf[0]&0x0F)<<8 | uint16(buf[1])
	h.Type = PacketType(buf[2])
	h.Flags = buf[3]
	h.Comtree = Comtree(binary.BigEndian.Uint32(buf[4:8]))
	h.SrcAddr = Addr(binary.BigEndian.Uint32(buf[8:12]))
	h.DstAddr = Addr(binary.BigEndian.Uint32(buf[12:16]))
	h.HdrCksum = binary.BigEndian.Uint32(buf[16:20])
	return h
}

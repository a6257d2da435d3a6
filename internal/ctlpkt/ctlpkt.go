// Package ctlpkt implements the CtlPkt wire structure of spec.md §4.7.5:
// the typed, request/reply control protocol carried inside NET_SIG
// packets for add/drop/get/mod operations on interfaces, links,
// comtrees, and routes. Encoding follows the teacher's big-endian
// wire-struct convention (pkg/udp/packet.go, pkg/quic/frames.go): a
// fixed attribute-count/type/value tuple stream.
package ctlpkt

import (
	"encoding/binary"
	"fmt"
)

// CmdType identifies the operation a CtlPkt requests.
type CmdType uint16

const (
	AddIface CmdType = iota + 1
	DropIface
	ModIface
	GetIface
	AddLink
	DropLink
	ModLink
	GetLink
	AddComtree
	DropComtree
	ModComtree
	GetComtree
	AddRoute
	DropRoute
	ModRoute
	GetRoute
	ClientConnect
	ClientDisconnect
)

func (c CmdType) String() string {
	switch c {
	case AddIface:
		return "addIface"
	case DropIface:
		return "dropIface"
	case ModIface:
		return "modIface"
	case GetIface:
		return "getIface"
	case AddLink:
		return "addLink"
	case DropLink:
		return "dropLink"
	case ModLink:
		return "modLink"
	case GetLink:
		return "getLink"
	case AddComtree:
		return "addComtree"
	case DropComtree:
		return "dropComtree"
	case ModComtree:
		return "modComtree"
	case GetComtree:
		return "getComtree"
	case AddRoute:
		return "addRoute"
	case DropRoute:
		return "dropRoute"
	case ModRoute:
		return "modRoute"
	case GetRoute:
		return "getRoute"
	case ClientConnect:
		return "clientConnect"
	case ClientDisconnect:
		return "clientDisconnect"
	default:
		return fmt.Sprintf("CmdType(%d)", uint16(c))
	}
}

// AttrCode identifies one attribute in a CtlPkt's attribute set.
type AttrCode uint16

const (
	ComtreeNum AttrCode = iota + 1
	PeerIP
	PeerPort
	PeerType
	PeerDest
	IfaceNum
	LinkNum
	LocalIP
	MaxBitRate
	MaxPktRate
	BitRate
	PktRate
	CoreFlag
	ParentLink
	QueueNum
	DestAdr
)

// CtlPkt is the decoded form of a NET_SIG control packet's payload.
type CtlPkt struct {
	Cmd     CmdType
	Request bool
	SeqNum  uint32
	ErrMsg  string
	Attrs   map[AttrCode]uint32
}

// NewRequest creates an empty request CtlPkt for cmd with the given
// sequence number.
func NewRequest(cmd CmdType, seqNum uint32) *CtlPkt {
	return &CtlPkt{Cmd: cmd, Request: true, SeqNum: seqNum, Attrs: make(map[AttrCode]uint32)}
}

// ReplyTo builds the positive or negative reply to a request cp.
func (cp *CtlPkt) ReplyTo(ok bool, errMsg string) *CtlPkt {
	r := &CtlPkt{Cmd: cp.Cmd, Request: false, SeqNum: cp.SeqNum, Attrs: make(map[AttrCode]uint32)}
	if !ok {
		r.ErrMsg = errMsg
	}
	return r
}

// Success reports whether a reply CtlPkt indicates the request
// succeeded (no error string attached).
func (cp *CtlPkt) Success() bool { return !cp.Request && cp.ErrMsg == "" }

// Set stores an attribute value.
func (cp *CtlPkt) Set(a AttrCode, v uint32) {
	if cp.Attrs == nil {
		cp.Attrs = make(map[AttrCode]uint32)
	}
	cp.Attrs[a] = v
}

// Get retrieves an attribute value; ok is false if absent.
func (cp *CtlPkt) Get(a AttrCode) (uint32, bool) {
	v, ok := cp.Attrs[a]
	return v, ok
}

// wireAttrLen is the encoded size of one attribute: 2 bytes of
// attribute code, 4 bytes of value.
const wireAttrLen = 6

// Encode serializes cp into a payload buffer: cmd(2) request-flag(1)
// pad(1) seqNum(4) attrCount(2) attrs(6 each) errLen(2) errBytes.
func (cp *CtlPkt) Encode() []byte {
	buf := make([]byte, 0, 10+len(cp.Attrs)*wireAttrLen+2+len(cp.ErrMsg))
	var hdr [10]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(cp.Cmd))
	if cp.Request {
		hdr[2] = 1
	}
	binary.BigEndian.PutUint32(hdr[4:8], cp.SeqNum)
	binary.BigEndian.PutUint16(hdr[8:10], uint16(len(cp.Attrs)))
	buf = append(buf, hdr[:]...)

	for code, v := range cp.Attrs {
		var a [wireAttrLen]byte
		binary.BigEndian.PutUint16(a[0:2], uint16(code))
		binary.BigEndian.PutUint32(a[2:6], v)
		buf = append(buf, a[:]...)
	}

	var errLen [2]byte
	binary.BigEndian.PutUint16(errLen[:], uint16(len(cp.ErrMsg)))
	buf = append(buf, errLen[:]...)
	buf = append(buf, []byte(cp.ErrMsg)...)
	return buf
}

// Decode parses a payload buffer produced by Encode. Returns an error
// if the buffer is truncated.
func Decode(buf []byte) (*CtlPkt, error) {
	if len(buf) < 10 {
		return nil, fmt.Errorf("ctlpkt: payload too short: %d bytes", len(buf))
	}
	cp := &CtlPkt{
		Cmd:     CmdType(binary.BigEndian.Uint16(buf[0:2])),
		Request: buf[2] != 0,
		SeqNum:  binary.BigEndian.Uint32(buf[4:8]),
		Attrs:   make(map[AttrCode]uint32),
	}
	n := int(binary.BigEndian.Uint16(buf[8:10]))
	off := 10
	for i := 0; i < n; i++ {
		if off+wireAttrLen > len(buf) {
			return nil, fmt.Errorf("ctlpkt: truncated attribute %d", i)
		}
		code := AttrCode(binary.BigEndian.Uint16(buf[off : off+2]))
		v := binary.BigEndian.Uint32(buf[off+2 : off+6])
		cp.Attrs[code] = v
		off += wireAttrLen
	}
	if off+2 > len(buf) {
		return nil, fmt.Errorf("ctlpkt: truncated error-string length")
	}
	errLen := int(binary.BigEndian.Uint16(buf[off : off+2]))
	off += 2
	if off+errLen > len(buf) {
		return nil, fmt.Errorf("ctlpkt: truncated error string")
	}
	cp.ErrMsg = string(buf[off : off+errLen])
	return cp, nil
}

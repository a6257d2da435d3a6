// Package forest defines the wire-level vocabulary shared by every
// component of the router: forest addresses, comtree numbers, packet
// types and flags, and the fixed-size packet header codec.
package forest

import "fmt"

// Addr is a forest address: a 32-bit signed integer. Positive values are
// unicast (zip.local), negative values are multicast identifiers, and
// zero is the null address.
type Addr int32

// NullAddr is the null forest address.
const NullAddr Addr = 0

// NewUnicastAddr packs a zip code and local address into a unicast Addr.
// Host addresses have both halves non-zero; ZipAggregate passes a zero
// local half to build a zip-level route key.
func NewUnicastAddr(zip, local uint16) Addr {
	return Addr(uint32(zip)<<16 | uint32(local))
}

// IsUnicast reports whether a is a (non-null) unicast address.
func (a Addr) IsUnicast() bool { return a > 0 }

// IsMulticast reports whether a is a multicast identifier.
func (a Addr) IsMulticast() bool { return a < 0 }

// IsNull reports whether a is the null address.
func (a Addr) IsNull() bool { return a == 0 }

// Zip returns the zip code of a unicast address (upper 16 bits). The
// result is meaningless for multicast or null addresses.
func (a Addr) Zip() uint16 { return uint16(uint32(a) >> 16) }

// Local returns the local address of a unicast address (lower 16 bits).
func (a Addr) Local() uint16 { return uint16(uint32(a)) }

// ZipAggregate returns the zip-aggregated form of a unicast address,
// forestAdr(zip, 0), used by RouteTable lookups and route installation
// for destinations outside this router's own zip.
func (a Addr) ZipAggregate() Addr {
	return NewUnicastAddr(a.Zip(), 0)
}

// String renders a unicast address as "zip.local", a multicast address
// as its signed decimal value, and the null address as "null".
func (a Addr) String() string {
	switch {
	case a.IsNull():
		return "null"
	case a.IsUnicast():
		return fmt.Sprintf("%d.%d", a.Zip(), a.Local())
	default:
		return fmt.Sprintf("%d", int32(a))
	}
}

// Comtree is a comtree number.
type Comtree uint32

// ClientConnectComtree is the reserved comtree used for client
// connect/disconnect traffic.
const ClientConnectComtree Comtree = 1

// SignallingComtreeMax is the upper bound (inclusive) of the comtree
// range reserved for router-to-router and client-to-router signalling.
// Untrusted CLIENT_SIG, NET_SIG and RTE_REPLY packets are accepted only
// on comtrees in this range; data packets are not kept out of it.
const SignallingComtreeMax Comtree = 999

// SignallingComtreeMin is the lower bound (inclusive) of the signalling
// comtree range named in spec.md §7's pktCheck rule.
const SignallingComtreeMin Comtree = 100

// IsSignallingComtree reports whether c falls in the designated
// signalling-only range.
func IsSignallingComtree(c Comtree) bool {
	return c >= SignallingComtreeMin && c <= SignallingComtreeMax
}

// NodeType classifies the peer at the far end of a link.
type NodeType uint8

// Node types. Untrusted peers are CLIENT/SERVER; trusted peers (ROUTER,
// CONTROLLER) are numbered at or above Router.
const (
	NodeTypeUnknown NodeType = iota
	NodeTypeClient
	NodeTypeServer
	_
	_
	_
	_
	_
	_
	_
	NodeTypeRouter     NodeType = 100
	NodeTypeController NodeType = 101
)

// TrustedNodeType is the threshold at or above which a peer is trusted
// (router or comtree controller).
const TrustedNodeType NodeType = NodeTypeRouter

// Trusted reports whether nt is a trusted (router-class) peer.
func (nt NodeType) Trusted() bool { return nt >= TrustedNodeType }

func (nt NodeType) String() string {
	switch nt {
	case NodeTypeClient:
		return "CLIENT"
	case NodeTypeServer:
		return "SERVER"
	case NodeTypeRouter:
		return "ROUTER"
	case NodeTypeController:
		return "CONTROLLER"
	default:
		return "UNKNOWN"
	}
}

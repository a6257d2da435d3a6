// Package config parses the four line-oriented configuration streams
// of spec.md §6 (interface, link, comtree, route) and builds the
// populated router tables from them. Each stream starts with an entry
// count and may contain '#' comments, matching the teacher's
// table-builder idiom in pkg/ip/routing.go. Malformed input fails
// startup with a wrapped github.com/pkg/errors diagnostic, per
// spec.md §7's Configuration row.
package config

import (
	"bufio"
	"io"
	"net/netip"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/jonturner53/forest-net-sub002/internal/comtree"
	"github.com/jonturner53/forest-net-sub002/internal/forest"
	"github.com/jonturner53/forest-net-sub002/internal/iftbl"
	"github.com/jonturner53/forest-net-sub002/internal/lnktbl"
	"github.com/jonturner53/forest-net-sub002/internal/rtetbl"
)

// QuantumSetting is one comtree-config line's instruction to set the
// initial WDRR quantum for a (link, queue) pair, per spec.md §4.6.5's
// "comtree quantum field sets the initial per-link quantum" rule. The
// router applies these to the QueueManager after all tables are built.
type QuantumSetting struct {
	Link     int
	QueueNum int
	Quantum  int
}

// lineScanner yields non-comment, non-blank lines from r, tracking line
// numbers for error messages.
type lineScanner struct {
	sc   *bufio.Scanner
	line int
}

func newLineScanner(r io.Reader) *lineScanner {
	return &lineScanner{sc: bufio.NewScanner(r)}
}

// next returns the next meaningful line, or ("", false) at EOF.
func (ls *lineScanner) next() (string, bool) {
	for ls.sc.Scan() {
		ls.line++
		text := strings.TrimSpace(ls.sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = strings.TrimSpace(text[:i])
		}
		if text == "" {
			continue
		}
		return text, true
	}
	return "", false
}

func (ls *lineScanner) errf(format string, args ...any) error {
	return errors.Errorf("config: line %d: "+format, append([]any{ls.line}, args...)...)
}

func readCount(ls *lineScanner) (int, error) {
	line, ok := ls.next()
	if !ok {
		return 0, ls.errf("expected entry count, got EOF")
	}
	n, err := strconv.Atoi(line)
	if err != nil {
		return 0, ls.errf("invalid entry count %q: %v", line, err)
	}
	return n, nil
}

// LoadInterfaces parses an interface config stream ("ifnum ip a.b.c.d
// maxBitRate maxPktRate" per line, preceded by an entry count) and
// returns a populated InterfaceTable with each interface's UDP socket
// already bound.
func LoadInterfaces(r io.Reader) (*iftbl.InterfaceTable, error) {
	ls := newLineScanner(r)
	n, err := readCount(ls)
	if err != nil {
		return nil, err
	}
	it := iftbl.New()
	for i := 0; i < n; i++ {
		line, ok := ls.next()
		if !ok {
			return nil, ls.errf("expected interface entry, got EOF")
		}
		fields := strings.Fields(line)
		if len(fields) != 5 || fields[1] != "ip" {
			return nil, ls.errf("malformed interface entry %q", line)
		}
		ifnum, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, ls.errf("invalid interface number %q: %v", fields[0], err)
		}
		ip, err := netip.ParseAddr(fields[2])
		if err != nil {
			return nil, ls.errf("invalid IP %q: %v", fields[2], err)
		}
		maxBitRate, err := strconv.ParseUint(fields[3], 10, 32)
		if err != nil {
			return nil, ls.errf("invalid maxBitRate %q: %v", fields[3], err)
		}
		maxPktRate, err := strconv.ParseUint(fields[4], 10, 32)
		if err != nil {
			return nil, ls.errf("invalid maxPktRate %q: %v", fields[4], err)
		}
		if err := it.Add(ifnum, ip, uint32(maxBitRate), uint32(maxPktRate)); err != nil {
			return nil, errors.Wrapf(err, "config: line %d", ls.line)
		}
	}
	return it, nil
}

func parsePeerType(s string) (forest.NodeType, error) {
	switch strings.ToLower(s) {
	case "client":
		return forest.NodeTypeClient, nil
	case "server":
		return forest.NodeTypeServer, nil
	case "router":
		return forest.NodeTypeRouter, nil
	case "controller":
		return forest.NodeTypeController, nil
	default:
		return 0, errors.Errorf("unknown peer type %q", s)
	}
}

// parseForestAddr accepts a unicast address written as "zip.local", or
// any address written as its signed decimal value.
func parseForestAddr(s string) (forest.Addr, error) {
	if zs, ls, ok := strings.Cut(s, "."); ok {
		zip, err := strconv.ParseUint(zs, 10, 16)
		if err != nil {
			return 0, err
		}
		local, err := strconv.ParseUint(ls, 10, 16)
		if err != nil {
			return 0, err
		}
		return forest.NewUnicastAddr(uint16(zip), uint16(local)), nil
	}
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return forest.Addr(v), nil
}

// LoadLinks parses a link config stream ("linkNum ifaceNum ip peerAddr
// peerType bitRate pktRate" per line, preceded by an entry count) into
// a populated LinkTable sized to exactly the number of entries parsed.
func LoadLinks(r io.Reader) (*lnktbl.LinkTable, error) {
	ls := newLineScanner(r)
	n, err := readCount(ls)
	if err != nil {
		return nil, err
	}
	lt := lnktbl.New(n)
	for i := 0; i < n; i++ {
		line, ok := ls.next()
		if !ok {
			return nil, ls.errf("expected link entry, got EOF")
		}
		fields := strings.Fields(line)
		if len(fields) != 7 {
			return nil, ls.errf("malformed link entry %q", line)
		}
		linkNum, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, ls.errf("invalid link number %q: %v", fields[0], err)
		}
		ifaceNum, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, ls.errf("invalid interface number %q: %v", fields[1], err)
		}
		ip, err := netip.ParseAddr(fields[2])
		if err != nil {
			return nil, ls.errf("invalid peer IP %q: %v", fields[2], err)
		}
		peerAddr, err := parseForestAddr(fields[3])
		if err != nil {
			return nil, ls.errf("invalid peer address %q: %v", fields[3], err)
		}
		peerType, err := parsePeerType(fields[4])
		if err != nil {
			return nil, ls.errf("%v", err)
		}
		bitRate, err := strconv.ParseUint(fields[5], 10, 32)
		if err != nil {
			return nil, ls.errf("invalid bitRate %q: %v", fields[5], err)
		}
		pktRate, err := strconv.ParseUint(fields[6], 10, 32)
		if err != nil {
			return nil, ls.errf("invalid pktRate %q: %v", fields[6], err)
		}
		idx := lt.Add(lnktbl.Link{
			Iface:    ifaceNum,
			PeerIP:   ip,
			PeerAddr: peerAddr,
			PeerType: peerType,
			BitRate:  uint32(bitRate),
			PktRate:  uint32(pktRate),
		})
		if idx == 0 {
			return nil, ls.errf("link table full adding link %d", linkNum)
		}
		if idx != linkNum {
			return nil, ls.errf("link entries must be listed in order starting at 1: expected slot %d, entry declares %d", idx, linkNum)
		}
	}
	return lt, nil
}

func parseLinkList(s string) ([]int, error) {
	if s == "-" || s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// LoadComtrees parses a comtree config stream ("comt coreFlag
// parentLink queueNum quantum linkList coreLinkList" per line, preceded
// by an entry count) into a populated ComtreeTable. lt classifies each
// listed link as a router peer (and, comparing peerAddr's zip against
// myAdr's zip, a same-zip "local router" peer) for the rFlag/lFlag
// bitmasks of spec.md §3. Returns the quantum settings the caller
// should apply to the QueueManager once it exists.
func LoadComtrees(r io.Reader, capacity int, lt *lnktbl.LinkTable, myAdr forest.Addr) (*comtree.Table, []QuantumSetting, error) {
	ls := newLineScanner(r)
	n, err := readCount(ls)
	if err != nil {
		return nil, nil, err
	}
	ct := comtree.New(capacity, lt.NumLinks())
	var quanta []QuantumSetting

	for i := 0; i < n; i++ {
		line, ok := ls.next()
		if !ok {
			return nil, nil, ls.errf("expected comtree entry, got EOF")
		}
		fields := strings.Fields(line)
		if len(fields) < 5 {
			return nil, nil, ls.errf("malformed comtree entry %q", line)
		}
		comtNum, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return nil, nil, ls.errf("invalid comtree number %q: %v", fields[0], err)
		}
		coreFlag, err := strconv.ParseBool(fields[1])
		if err != nil {
			return nil, nil, ls.errf("invalid coreFlag %q: %v", fields[1], err)
		}
		parent, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, nil, ls.errf("invalid parentLink %q: %v", fields[2], err)
		}
		queueNum, err := strconv.Atoi(fields[3])
		if err != nil {
			return nil, nil, ls.errf("invalid queueNum %q: %v", fields[3], err)
		}
		quantum, err := strconv.Atoi(fields[4])
		if err != nil {
			return nil, nil, ls.errf("invalid quantum %q: %v", fields[4], err)
		}

		var linkList, coreLinkList []int
		if len(fields) > 5 {
			linkList, err = parseLinkList(fields[5])
			if err != nil {
				return nil, nil, ls.errf("invalid linkList %q: %v", fields[5], err)
			}
		}
		if len(fields) > 6 {
			coreLinkList, err = parseLinkList(fields[6])
			if err != nil {
				return nil, nil, ls.errf("invalid coreLinkList %q: %v", fields[6], err)
			}
		}
		coreSet := make(map[int]bool, len(coreLinkList))
		for _, l := range coreLinkList {
			coreSet[l] = true
		}

		comt := forest.Comtree(comtNum)
		idx := ct.AddEntry(comt, parent, coreFlag, queueNum)
		if idx == 0 {
			return nil, nil, ls.errf("comtree table full or duplicate comtree %d", comt)
		}
		for _, lnk := range linkList {
			link, ok := lt.Get(lnk)
			if !ok {
				return nil, nil, ls.errf("comtree %d references unknown link %d", comt, lnk)
			}
			rFlag := link.PeerType.Trusted()
			lFlag := rFlag && link.PeerAddr.Zip() == myAdr.Zip()
			cFlag := coreSet[lnk]
			if err := ct.AddLink(idx, lnk, rFlag, lFlag, cFlag); err != nil {
				return nil, nil, ls.errf("%v", err)
			}
			quanta = append(quanta, QuantumSetting{Link: lnk, QueueNum: queueNum, Quantum: quantum})
		}
		if !ct.Consistent(idx) {
			return nil, nil, ls.errf("comtree %d fails consistency check after loading", comt)
		}
	}
	return ct, quanta, nil
}

// LoadRoutes parses a route config stream ("comt address link" for
// unicast, "comt address link1,link2,..." for multicast, preceded by an
// entry count) into a populated RouteTable.
func LoadRoutes(r io.Reader, capacity int, myAdr forest.Addr) (*rtetbl.Table, error) {
	ls := newLineScanner(r)
	n, err := readCount(ls)
	if err != nil {
		return nil, err
	}
	rt := rtetbl.New(capacity, myAdr)
	for i := 0; i < n; i++ {
		line, ok := ls.next()
		if !ok {
			return nil, ls.errf("expected route entry, got EOF")
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, ls.errf("malformed route entry %q", line)
		}
		comtNum, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return nil, ls.errf("invalid comtree number %q: %v", fields[0], err)
		}
		dst, err := parseForestAddr(fields[1])
		if err != nil {
			return nil, ls.errf("invalid destination address %q: %v", fields[1], err)
		}
		links, err := parseLinkList(fields[2])
		if err != nil {
			return nil, ls.errf("invalid link list %q: %v", fields[2], err)
		}
		if len(links) == 0 {
			return nil, ls.errf("route entry names no links")
		}
		comt := forest.Comtree(comtNum)
		idx := rt.AddEntry(comt, dst, links[0])
		if idx == 0 {
			return nil, ls.errf("route table full or duplicate route (%d, %v)", comt, dst)
		}
		for _, lnk := range links[1:] {
			if err := rt.AddLink(idx, lnk); err != nil {
				return nil, ls.errf("%v", err)
			}
		}
	}
	return rt, nil
}

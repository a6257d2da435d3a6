// Package router implements the Router main loop of spec.md §4.7: the
// single-threaded cooperative event loop that ties the packet store,
// interface/link/comtree/route tables, and queue manager together.
// Structured as one owning struct per spec.md §9's "Global mutable
// state" note, in the teacher's single-daemon-struct style
// (pkg/ip's Router-equivalent dispatch loop generalized from simulated
// ethernet frames to real UDP sockets).
package router

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jonturner53/forest-net-sub002/internal/comtree"
	"github.com/jonturner53/forest-net-sub002/internal/forest"
	"github.com/jonturner53/forest-net-sub002/internal/iftbl"
	"github.com/jonturner53/forest-net-sub002/internal/lnktbl"
	"github.com/jonturner53/forest-net-sub002/internal/metrics"
	"github.com/jonturner53/forest-net-sub002/internal/pktstore"
	"github.com/jonturner53/forest-net-sub002/internal/qmgr"
	"github.com/jonturner53/forest-net-sub002/internal/rtetbl"
)

// controlBurst is the number of busy iterations between guaranteed
// control-packet services, per spec.md §4.7's controlCount throttle.
const controlBurst = 20

// statsInterval is the stats-tick period of spec.md §4.7 step 5.
const statsInterval = 300 * time.Millisecond

// Router owns every table and drives the main loop. No other instance
// of Router exists in the same process, per spec.md §9.
type Router struct {
	PS *pktstore.PacketStore
	IT *iftbl.InterfaceTable
	LT *lnktbl.LinkTable
	CT *comtree.Table
	RT *rtetbl.Table
	QM *qmgr.QueueManager

	MyAdr forest.Addr

	Metrics *metrics.Recorder
	Log     *logrus.Logger

	now          uint32
	lastWall     time.Time
	startWall    time.Time
	finishTime   time.Duration // 0 = run forever
	ctlQ         []pktstore.PktId
	controlCount int
	lastTick     time.Time
}

// Config bundles the tables and parameters a Router is built from.
type Config struct {
	PS         *pktstore.PacketStore
	IT         *iftbl.InterfaceTable
	LT         *lnktbl.LinkTable
	CT         *comtree.Table
	RT         *rtetbl.Table
	QM         *qmgr.QueueManager
	MyAdr      forest.Addr
	Metrics    *metrics.Recorder
	Log        *logrus.Logger
	FinishTime time.Duration // 0 = run forever
}

// New constructs a Router from cfg and runs addLocalRoutes (spec.md §3's
// adjacent-router-route invariant) once before returning.
func New(cfg Config) *Router {
	r := &Router{
		PS: cfg.PS, IT: cfg.IT, LT: cfg.LT, CT: cfg.CT, RT: cfg.RT, QM: cfg.QM,
		MyAdr:        cfg.MyAdr,
		Metrics:      cfg.Metrics,
		Log:          cfg.Log,
		finishTime:   cfg.FinishTime,
		controlCount: controlBurst,
	}
	r.addLocalRoutes()
	return r
}

// addLocalRoutes installs a unicast route for every adjacent
// router-type peer, in every comtree that peer is a member of, per
// spec.md §3's cross-table invariant and SPEC_FULL.md §3.1's
// restatement of the original's addLocalRoutes.
func (r *Router) addLocalRoutes() {
	for lnk := 1; lnk <= r.LT.NumLinks(); lnk++ {
		link, ok := r.LT.Get(lnk)
		if !ok || !link.PeerType.Trusted() || link.PeerAddr.IsNull() {
			continue
		}
		for comtIdx := 1; comtIdx <= r.CT.Capacity(); comtIdx++ {
			e, ok := r.CT.Get(comtIdx)
			if !ok || !e.Links.Has(lnk) {
				continue
			}
			if r.RT.Lookup(e.Comtree, link.PeerAddr) == 0 {
				r.RT.AddEntry(e.Comtree, link.PeerAddr, lnk)
			}
		}
	}
}

// Run drives the main loop until ctx is cancelled or the configured
// finish time elapses (0 = forever).
func (r *Router) Run(ctx context.Context) error {
	r.startWall = time.Now()
	r.lastWall = r.startWall
	r.lastTick = r.startWall

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if r.finishTime > 0 && time.Since(r.startWall) > r.finishTime {
			return nil
		}
		busy, err := r.RunOnce()
		if err != nil {
			return err
		}
		if !busy {
			time.Sleep(time.Millisecond)
		}
	}
}

// RunOnce executes one main-loop iteration (spec.md §4.7) and reports
// whether the iteration did any work (receive, transmit, or control
// handling) — callers use this to decide whether to idle-sleep. A
// non-nil error is a fatal socket-send failure (spec.md §7's "IO
// failure on send" row) and the caller must stop the router.
func (r *Router) RunOnce() (bool, error) {
	r.advanceClock()
	busy := false

	if p := r.IT.RecvAny(r.PS, r.LT); p != 0 {
		busy = true
		r.Metrics.RecordReceived()
		r.handleReceived(p)
	}

	for {
		lnk := r.QM.NextReady(r.now)
		if lnk == 0 {
			break
		}
		p := r.QM.Deq(lnk)
		if p == 0 {
			break
		}
		busy = true
		sent, err := r.IT.SendPacket(r.PS, r.LT, p, lnk)
		if err != nil {
			r.PS.Free(p)
			return busy, err
		}
		if sent {
			r.Metrics.RecordSent()
		} else {
			r.Metrics.RecordDropped("send_failed")
		}
		r.PS.Free(p)
	}

	if len(r.ctlQ) > 0 && (!busy || r.controlCount == 0) {
		cp := r.ctlQ[0]
		r.ctlQ = r.ctlQ[1:]
		r.handleControlPacket(cp)
		r.controlCount = controlBurst
		busy = true
	} else if busy {
		r.controlCount--
		if r.controlCount < 0 {
			r.controlCount = 0
		}
	}

	if time.Since(r.lastTick) >= statsInterval {
		r.statsTick()
		r.lastTick = time.Now()
	}

	return busy, nil
}

func (r *Router) advanceClock() {
	wall := time.Now()
	delta := wall.Sub(r.lastWall)
	r.lastWall = wall
	r.now += uint32(delta.Microseconds())
}

func (r *Router) statsTick() {
	if r.Metrics == nil {
		return
	}
	var snaps []metrics.LinkSnapshot
	active := 0
	for lnk := 1; lnk <= r.LT.NumLinks(); lnk++ {
		link, ok := r.LT.Get(lnk)
		if !ok {
			continue
		}
		if r.QM.InActive(lnk) {
			active++
		}
		depths := make(map[string]int)
		for _, q := range r.QM.ScheduledQueues(lnk) {
			depths[itoa(q)] = r.QM.QueueDepth(lnk, q)
		}
		snaps = append(snaps, metrics.LinkSnapshot{
			Link:        itoa(lnk),
			InBytes:     link.InBytes,
			OutBytes:    link.OutBytes,
			QueueDepths: depths,
		})
	}
	r.Metrics.Tick(snaps, active)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// handleReceived runs pktCheck and dispatches a just-received packet
// per spec.md §4.7 step 2.
func (r *Router) handleReceived(p pktstore.PktId) {
	comtIdx, ok := r.pktCheck(p)
	if !ok {
		r.PS.Free(p)
		r.Metrics.RecordDropped("pkt_check")
		return
	}
	hdr := r.PS.Hdr(p)
	lnk := r.PS.InLink(p)

	switch {
	case (hdr.Type == forest.Connect || hdr.Type == forest.Disconnect) && hdr.Comtree == forest.ClientConnectComtree:
		r.handleConnectDisconnect(p, lnk)
		r.PS.Free(p)
	case hdr.Type == forest.ClientData:
		r.forward(p, comtIdx)
	case hdr.Type == forest.SubUnsub:
		r.subUnsub(p, comtIdx)
	case hdr.Type == forest.RteReply:
		r.handleRteReply(p, comtIdx)
	default:
		r.ctlQ = append(r.ctlQ, p)
	}
}

// handleConnectDisconnect implements spec.md §4.7 step 2's CONNECT/
// DISCONNECT handling: the ingress link's peerPort is set from the
// datagram's source port on CONNECT (only if currently unknown), and
// cleared on DISCONNECT (only if it still matches the source port that
// taught it).
func (r *Router) handleConnectDisconnect(p pktstore.PktId, lnk int) {
	hdr := r.PS.Hdr(p)
	port := r.PS.SrcPort(p)
	if hdr.Type == forest.Connect {
		r.LT.LearnPort(lnk, port)
	} else {
		r.LT.ForgetPort(lnk, port)
	}
}

// pktCheck validates a just-received packet per spec.md §7, returning
// the packet's comtree-table index on success.
func (r *Router) pktCheck(p pktstore.PktId) (int, bool) {
	hdr := r.PS.Hdr(p)
	if hdr.Version != forest.ForestVersion {
		return 0, false
	}
	if int(hdr.Length) != r.PS.IoBytes(p) || int(hdr.Length) < forest.HeaderLength {
		return 0, false
	}
	lnk := r.PS.InLink(p)
	if lnk == 0 {
		return 0, false
	}
	link, ok := r.LT.Get(lnk)
	if !ok {
		return 0, false
	}

	if !link.PeerType.Trusted() {
		if hdr.SrcAddr != link.PeerAddr {
			return 0, false
		}
		if !link.PeerDest.IsNull() && hdr.DstAddr != link.PeerDest && hdr.DstAddr != r.MyAdr {
			return 0, false
		}
		if hdr.Type.Internal() {
			return 0, false
		}
		if !validSignallingComtree(hdr.Type, hdr.Comtree) {
			return 0, false
		}
		// original_source's untrusted-unicast-type guard (SPEC_FULL §3.1):
		// an untrusted peer may not address ordinary data/subscription
		// traffic at the null address.
		if (hdr.Type == forest.ClientData || hdr.Type == forest.SubUnsub) && hdr.DstAddr.IsNull() {
			return 0, false
		}
	}

	comtIdx := r.CT.Lookup(hdr.Comtree)
	if comtIdx == 0 {
		return 0, false
	}
	if !r.CT.InComt(comtIdx, lnk) {
		return 0, false
	}

	// Ordinary data traffic addressed to this router itself has no local
	// application endpoint to deliver to (SPEC_FULL §3.1); CONNECT,
	// DISCONNECT, NET_SIG and RTE_REPLY are inherently addressed to the
	// router and are handled by its own control/signalling logic.
	if hdr.Type == forest.ClientData && hdr.DstAddr == r.MyAdr {
		return 0, false
	}

	return comtIdx, true
}

// validSignallingComtree reports whether t's comtree requirement is
// satisfied by comt: CONNECT/DISCONNECT must use the reserved client-
// connect comtree; other internal-adjacent signalling types
// (CLIENT_SIG, NET_SIG, RTE_REPLY) must use the designated signalling
// range; ordinary data/subscription traffic may use any admitted
// comtree.
func validSignallingComtree(t forest.PacketType, comt forest.Comtree) bool {
	switch t {
	case forest.Connect, forest.Disconnect:
		return comt == forest.ClientConnectComtree
	case forest.ClientSig, forest.NetSig, forest.RteReply:
		return forest.IsSignallingComtree(comt)
	default:
		return true
	}
}

package qmgr

import "github.com/jonturner53/forest-net-sub002/internal/pktstore"

// fifo is a plain FIFO of packet ids; WDRR is FIFO within a queue per
// spec.md §5's ordering guarantee.
type fifo struct {
	items []pktstore.PktId
}

func (f *fifo) push(p pktstore.PktId) { f.items = append(f.items, p) }

func (f *fifo) pop() pktstore.PktId {
	if len(f.items) == 0 {
		return 0
	}
	p := f.items[0]
	f.items = f.items[1:]
	return p
}

func (f *fifo) head() pktstore.PktId {
	if len(f.items) == 0 {
		return 0
	}
	return f.items[0]
}

func (f *fifo) empty() bool { return len(f.items) == 0 }

package arq

import (
	"container/heap"
	"errors"

	"github.com/meshtenna/meshtenna/internal/frame"
)

// ErrReassemblyOverflow is reported when more out-of-order frames are
// held than the configured depth allows before the gap fills. It is
// recoverable: the caller forces a resynchronization cycle.
var ErrReassemblyOverflow = errors.New("arq: reassembly buffer depth exceeded")

// Reassembler restores sequence order for one receive direction. It
// holds out-of-order frames in a bounded min-heap and releases them
// strictly in sequence. It is owned by a single ARQ goroutine and
// needs no locking.
type Reassembler struct {
	expected uint32
	depth    int
	buffer   frameHeap
}

// NewReassembler creates a reassembler expecting sequence numbers
// starting at 1 and holding at most depth out-of-order frames.
func NewReassembler(depth int) *Reassembler {
	return &Reassembler{expected: 1, depth: depth}
}

// Feed inserts an incoming data frame. It reports dup for frames whose
// payload has already been delivered or is already buffered (the
// caller re-acknowledges and discards), and ErrReassemblyOverflow when
// a fresh out-of-order frame would exceed the depth bound. Feed never
// delivers; call Drain afterwards.
func (r *Reassembler) Feed(f *frame.Frame) (dup bool, err error) {
	if frame.SeqBefore(f.Seq, r.expected) {
		return true, nil
	}

	for _, held := range r.buffer {
		if held.Seq == f.Seq {
			return true, nil
		}
	}

	if f.Seq != r.expected && len(r.buffer) >= r.depth {
		return false, ErrReassemblyOverflow
	}

	heap.Push(&r.buffer, f)
	return false, nil
}

// Drain pops frames in sequence order for as long as the head of the
// buffer is the next expected frame and accept keeps taking them.
// When accept declines (downstream backpressure), the frame stays
// buffered and the delivered watermark stops advancing, which in turn
// withholds acknowledgment from the far end.
func (r *Reassembler) Drain(accept func(*frame.Frame) bool) {
	for len(r.buffer) > 0 && r.buffer[0].Seq == r.expected {
		if !accept(r.buffer[0]) {
			return
		}
		heap.Pop(&r.buffer)
		r.expected++
	}
}

// Delivered returns the highest sequence number handed downstream, the
// value carried by cumulative acknowledgments. Zero means nothing has
// been delivered yet.
func (r *Reassembler) Delivered() uint32 {
	return r.expected - 1
}

// Held returns the number of buffered out-of-order frames.
func (r *Reassembler) Held() int {
	return len(r.buffer)
}

// Reset discards all buffered frames and restarts expectations at
// base. Used when a resynchronization cycle begins a new epoch.
func (r *Reassembler) Reset(base uint32) {
	r.buffer = nil
	r.expected = base
}

// ---------------------------------------------------------------------------
// frameHeap implements a min-heap sorted by Seq.
// ---------------------------------------------------------------------------

type frameHeap []*frame.Frame

func (h frameHeap) Len() int           { return len(h) }
func (h frameHeap) Less(i, j int) bool { return frame.SeqBefore(h[i].Seq, h[j].Seq) }
func (h frameHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *frameHeap) Push(x any)        { *h = append(*h, x.(*frame.Frame)) }

func (h *frameHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	*h = old[:n-1]
	return item
}

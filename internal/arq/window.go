package arq

import (
	"errors"
	"sort"
	"time"

	"github.com/meshtenna/meshtenna/internal/frame"
)

// ErrRetryExhausted is reported when a pending frame has been
// retransmitted MaxRetries times without acknowledgment. It is
// recoverable: the caller forces a resynchronization cycle.
var ErrRetryExhausted = errors.New("arq: retry budget exhausted")

// sendEntry is one transmitted-but-unacknowledged frame.
type sendEntry struct {
	f       *frame.Frame
	encoded []byte
	sentAt  time.Time
	retries int
}

// sendWindow is the pending-send window for one direction. A frame
// leaves only on cumulative acknowledgment or when the window is
// cleared for resynchronization. Owned by a single ARQ goroutine.
type sendWindow struct {
	entries map[uint32]*sendEntry
}

func newSendWindow() *sendWindow {
	return &sendWindow{entries: make(map[uint32]*sendEntry)}
}

func (w *sendWindow) size() int {
	return len(w.entries)
}

func (w *sendWindow) add(e *sendEntry) {
	w.entries[e.f.Seq] = e
}

// ack removes every entry with sequence number up to and including
// acked (cumulative acknowledgment) and returns how many were removed.
func (w *sendWindow) ack(acked uint32) int {
	removed := 0
	for seq := range w.entries {
		if !frame.SeqBefore(acked, seq) {
			delete(w.entries, seq)
			removed++
		}
	}
	return removed
}

// due returns the entries whose last transmission is older than the
// retransmit interval, in sequence order.
func (w *sendWindow) due(now time.Time, interval time.Duration) []*sendEntry {
	var out []*sendEntry
	for _, e := range w.entries {
		if now.Sub(e.sentAt) >= interval {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return frame.SeqBefore(out[i].f.Seq, out[j].f.Seq)
	})
	return out
}

// drain empties the window and returns the removed frames in sequence
// order. Used when entering resynchronization: the frames' payloads
// are requeued under the new epoch once the peer reports what it
// already delivered.
func (w *sendWindow) drain() []*frame.Frame {
	out := make([]*frame.Frame, 0, len(w.entries))
	for _, e := range w.entries {
		out = append(out, e.f)
	}
	w.entries = make(map[uint32]*sendEntry)
	sort.Slice(out, func(i, j int) bool {
		return frame.SeqBefore(out[i].Seq, out[j].Seq)
	})
	return out
}

// Package arq provides reliable, ordered delivery of stream fragments
// over a lossy mesh radio link: sequence assignment, retransmission of
// unacknowledged frames, deduplication, in-order reassembly, and
// stream resynchronization after unrecoverable gaps or radio power
// cycles.
package arq

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/meshtenna/meshtenna/internal/config"
	"github.com/meshtenna/meshtenna/internal/frame"
	"github.com/meshtenna/meshtenna/internal/link"
	"github.com/meshtenna/meshtenna/internal/util"
)

// Errors surfaced to the tunnel layer.
var (
	// ErrResyncFailed means the resynchronization marker was not
	// acknowledged within the attempt budget. Fatal to the bridged
	// connection.
	ErrResyncFailed = errors.New("arq: resynchronization failed")

	// ErrClosed is returned by Send after the ARQ loop has exited.
	ErrClosed = errors.New("arq: closed")
)

const deliveryBuffer = 64

type state int

const (
	stateNormal state = iota
	stateResyncing
)

// ARQ is one endpoint's reliable-delivery engine. A single goroutine
// (Run) owns the pending-send window and the reassembly buffer; all
// other components talk to it through channels, so the invariant that
// no outside component mutates either structure holds by construction.
type ARQ struct {
	cfg     config.Config
	lnk     link.Link
	tracker *link.Tracker

	outbound   chan *frame.Frame
	deliveries chan []byte
	resyncReq  chan string
	done       chan struct{}

	// Loop-owned state. Touched only inside Run.
	runCtx  context.Context
	window  *sendWindow
	reasm   *Reassembler
	state   state
	nextSeq uint32
	epoch   uint8

	ackedSent    uint32 // last cumulative ack value transmitted
	deliveredOld uint32 // receive watermark of the epoch being abandoned
	pending      []*frame.Frame
	resyncTries  int
	lastMarkerAt time.Time
}

// New creates an ARQ engine over the given link. The engine boots in
// the resyncing state with a randomized epoch: the tunnel keeps no
// state across restarts, so a fresh process must negotiate a new
// epoch with its peer before any stream bytes move. Run must be
// started before Send or Deliveries produce progress.
func New(cfg config.Config, lnk link.Link, tracker *link.Tracker) *ARQ {
	epoch := uint8(rand.UintN(255)) + 1
	return &ARQ{
		cfg:        cfg,
		lnk:        lnk,
		tracker:    tracker,
		outbound:   make(chan *frame.Frame),
		deliveries: make(chan []byte, deliveryBuffer),
		resyncReq:  make(chan string, 1),
		done:       make(chan struct{}),
		window:     newSendWindow(),
		reasm:      NewReassembler(cfg.ReassemblyDepth),
		state:      stateResyncing,
		nextSeq:    1,
		epoch:      epoch,
	}
}

// Send fragments a stream blob and queues the fragments for reliable
// transmission. It blocks while the window is full, the link is down,
// or a resynchronization cycle is in progress, which is the
// backpressure path from the radio up to the local socket pump.
func (a *ARQ) Send(ctx context.Context, blob []byte) error {
	for _, f := range Fragment(blob, a.maxPayload()) {
		select {
		case a.outbound <- f:
		case <-ctx.Done():
			return ctx.Err()
		case <-a.done:
			return ErrClosed
		}
	}
	return nil
}

// Deliveries returns the in-order stream payloads reassembled from the
// far end. The channel is closed when Run exits.
func (a *ARQ) Deliveries() <-chan []byte {
	return a.deliveries
}

// Reset asynchronously forces a resynchronization cycle, used by the
// tunnel when a fresh bridged connection replaces a dead one.
func (a *ARQ) Reset(reason string) {
	select {
	case a.resyncReq <- reason:
	case <-a.done:
	default:
	}
}

// maxPayload clamps the configured payload budget to what the link's
// MTU leaves after frame overhead.
func (a *ARQ) maxPayload() int {
	p := a.cfg.MaxPayload
	if budget := a.lnk.MTU() - frame.Overhead; budget < p {
		p = budget
	}
	return p
}

// ---------------------------------------------------------------------------
// Main loop
// ---------------------------------------------------------------------------

// Run drives the engine until ctx is cancelled, the link closes, or
// resynchronization fails beyond its attempt budget.
func (a *ARQ) Run(ctx context.Context) error {
	defer close(a.done)
	defer close(a.deliveries)

	a.runCtx = ctx
	linkStates := a.tracker.Subscribe()

	// Tick at half the retransmit interval so a frame is never overdue
	// by more than interval/2 before it is rescanned.
	tick := a.cfg.RetransmitInterval / 2
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		// Admit new outbound fragments only in normal operation, with
		// window room, over a connected link.
		var accept chan *frame.Frame
		if a.state == stateNormal &&
			a.window.size() < a.cfg.MaxInFlight &&
			a.tracker.State() == link.Connected {
			accept = a.outbound
		}

		select {
		case f := <-accept:
			a.admit(f)

		case raw, ok := <-a.lnk.Recv():
			if !ok {
				util.LogInfo("radio link closed, stopping ARQ")
				return nil
			}
			f, err := frame.Decode(raw)
			if err != nil {
				// Corrupt frames are dropped here and never reach
				// reassembly; retransmission covers the loss.
				util.Stats.AddCorrupt()
				util.LogDebug("dropping corrupt frame (%d bytes): %v", len(raw), err)
				continue
			}
			util.Stats.AddFrameRecv()
			a.handleFrame(f)

		case st := <-linkStates:
			switch st {
			case link.Disconnected:
				// A radio power cycle invalidates every frame in
				// flight; old sequence numbers are meaningless once
				// the mesh session is re-established.
				a.enterResync("link disconnected")
			case link.Connected:
				if a.state == stateResyncing {
					a.sendMarker()
				}
			}

		case now := <-ticker.C:
			if err := a.onTick(now); err != nil {
				return err
			}

		case reason := <-a.resyncReq:
			a.enterResync(reason)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// admit assigns the next sequence number to a fresh outbound fragment,
// registers it in the window, and transmits it.
func (a *ARQ) admit(f *frame.Frame) {
	f.Seq = a.nextSeq
	f.Epoch = a.epoch
	a.nextSeq++

	enc, err := frame.Encode(f, a.maxPayload())
	if err != nil {
		// Fragment() bounds payloads, so this is unreachable unless
		// the configuration shrank mid-flight.
		util.LogError("cannot encode outbound frame seq=%d: %v", f.Seq, err)
		return
	}

	e := &sendEntry{f: f, encoded: enc, sentAt: time.Now()}
	a.window.add(e)
	a.transmit(e.encoded)
}

// onTick retransmits overdue frames, retries the resync marker, and
// retries stalled deliveries. Returns ErrResyncFailed when the marker
// budget is exhausted.
func (a *ARQ) onTick(now time.Time) error {
	if a.state == stateResyncing {
		if a.tracker.State() == link.Connected &&
			now.Sub(a.lastMarkerAt) >= a.cfg.RetransmitInterval {
			if a.resyncTries >= a.cfg.ResyncAttempts {
				util.LogError("resynchronization abandoned after %d attempts", a.resyncTries)
				return ErrResyncFailed
			}
			a.sendMarker()
		}
		return nil
	}

	for _, e := range a.window.due(now, a.cfg.RetransmitInterval) {
		if e.retries >= a.cfg.MaxRetries {
			util.LogWarning("%v: frame seq=%d unacked after %d retransmissions",
				ErrRetryExhausted, e.f.Seq, e.retries)
			a.enterResync("retry budget exhausted")
			return nil
		}
		e.retries++
		e.sentAt = now
		util.Stats.AddRetransmit()
		util.LogDebug("retransmitting frame seq=%d (attempt %d)", e.f.Seq, e.retries+1)
		a.transmit(e.encoded)
	}

	// A previously stalled downstream pump may have drained; retry
	// delivery and let the ack watermark catch up.
	a.drainDeliveries()
	if a.reasm.Delivered() != a.ackedSent {
		a.sendAck()
	}
	return nil
}

// transmit hands an encoded frame to the radio. Link unavailability is
// absorbed: the frame stays pending and the retransmit timer covers it.
func (a *ARQ) transmit(encoded []byte) {
	if err := a.lnk.Send(a.runCtx, encoded); err != nil {
		if errors.Is(err, link.ErrLinkUnavailable) {
			util.LogDebug("radio unavailable, frame left pending")
			return
		}
		util.LogWarning("radio send failed: %v", err)
		return
	}
	util.Stats.AddFrameSent()
}

// ---------------------------------------------------------------------------
// Inbound frames
// ---------------------------------------------------------------------------

func (a *ARQ) handleFrame(f *frame.Frame) {
	switch {
	case f.Flags&frame.FlagResync != 0:
		a.handleResyncMarker(f)

	case f.Flags&frame.FlagResyncAck != 0:
		a.handleResyncAck(f)

	case f.Flags&frame.FlagAck != 0:
		if f.Epoch != a.epoch {
			util.LogDebug("ignoring ack from stale epoch %d", f.Epoch)
			return
		}
		a.window.ack(f.Seq)

	case f.IsData():
		a.handleData(f)

	default:
		util.LogDebug("ignoring frame with unknown flags %#02x", f.Flags)
	}
}

func (a *ARQ) handleData(f *frame.Frame) {
	if f.Epoch != a.epoch {
		util.LogDebug("dropping data frame seq=%d from stale epoch %d", f.Seq, f.Epoch)
		return
	}

	dup, err := a.reasm.Feed(f)
	if err != nil {
		util.LogWarning("%v (depth %d), forcing resynchronization", err, a.cfg.ReassemblyDepth)
		a.enterResync("reassembly overflow")
		return
	}
	if dup {
		util.LogDebug("duplicate frame seq=%d, re-acknowledging", f.Seq)
	}

	a.drainDeliveries()
	a.sendAck()
}

// drainDeliveries moves in-order payloads to the delivery channel
// without blocking. A full channel leaves frames buffered and the
// delivered watermark unchanged, so the far end is not acknowledged
// for them and throttles itself.
func (a *ARQ) drainDeliveries() {
	a.reasm.Drain(func(f *frame.Frame) bool {
		if len(f.Payload) == 0 {
			return true // empty boundary frame, nothing to hand down
		}
		select {
		case a.deliveries <- f.Payload:
			return true
		default:
			return false
		}
	})
}

func (a *ARQ) sendAck() {
	a.ackedSent = a.reasm.Delivered()
	a.sendControl(frame.FlagAck, a.ackedSent)
}

func (a *ARQ) sendControl(flags uint8, seq uint32) {
	enc, err := frame.Encode(&frame.Frame{Flags: flags, Epoch: a.epoch, Seq: seq}, a.maxPayload())
	if err != nil {
		util.LogError("cannot encode control frame: %v", err)
		return
	}
	a.transmit(enc)
}

// ---------------------------------------------------------------------------
// Resynchronization
// ---------------------------------------------------------------------------

// enterResync abandons the current epoch: the send window and the
// reassembly buffer are cleared, unacknowledged payloads are parked
// for requeueing, and a marker advertising the new epoch is sent once
// the link is connected. Sequencing restarts at 1 when the peer
// acknowledges the marker.
func (a *ARQ) enterResync(reason string) {
	if a.state == stateResyncing {
		return
	}
	util.LogWarning("entering resynchronization: %s", reason)

	a.state = stateResyncing
	a.resyncTries = 0
	a.lastMarkerAt = time.Time{}

	// Park unacked frames; the peer's marker/ack tells us which of
	// them it already delivered, so nothing is duplicated or lost.
	a.pending = a.window.drain()
	a.deliveredOld = a.reasm.Delivered()
	a.reasm.Reset(1)
	a.ackedSent = 0

	a.epoch++
	if a.epoch == 0 {
		a.epoch = 1
	}
	a.nextSeq = 1

	if a.tracker.State() == link.Connected {
		a.sendMarker()
	}
}

// sendMarker transmits the resynchronization marker. Its Seq field
// carries our receive watermark of the abandoned epoch, which the peer
// uses to prune already-delivered payloads before requeueing.
func (a *ARQ) sendMarker() {
	a.resyncTries++
	a.lastMarkerAt = time.Now()
	util.LogInfo("sending resync marker (epoch %d, attempt %d/%d)",
		a.epoch, a.resyncTries, a.cfg.ResyncAttempts)
	a.sendControl(frame.FlagResync, a.deliveredOld)
}

// handleResyncMarker adopts the peer's new epoch. The peer reports how
// much of our old-epoch stream it delivered; everything beyond that is
// renumbered and requeued so no byte is lost and none is duplicated.
func (a *ARQ) handleResyncMarker(f *frame.Frame) {
	if a.state == stateNormal && f.Epoch == a.epoch {
		// Retransmitted marker for an epoch we already adopted.
		a.sendControl(frame.FlagResyncAck, a.deliveredOld)
		return
	}

	if a.state == stateNormal && frame.EpochBefore(f.Epoch, a.epoch) {
		// Delayed duplicate from a cycle that already completed.
		// Adopting it would drag the stream back onto a dead epoch.
		util.LogDebug("ignoring stale resync marker for epoch %d", f.Epoch)
		return
	}

	if a.state == stateResyncing && f.Epoch < a.epoch {
		// Crossed markers: both sides proposed an epoch at once. The
		// higher epoch wins, so ignore the lower proposal and keep
		// advertising ours until the peer adopts it.
		util.LogDebug("ignoring crossed resync marker for lower epoch %d", f.Epoch)
		return
	}

	util.LogInfo("peer requested resynchronization (epoch %d to %d)", a.epoch, f.Epoch)

	carry := a.pending
	a.pending = nil
	carry = append(carry, a.window.drain()...)

	// If we initiated a cycle ourselves, the old-epoch watermark was
	// captured at enterResync and the reassembler may already hold
	// frames of the agreed epoch (the link does not order the peer's
	// marker ahead of its data). Only a cycle entered from normal
	// operation abandons receive state here.
	if a.state == stateNormal {
		a.deliveredOld = a.reasm.Delivered()
		a.reasm.Reset(1)
		a.ackedSent = 0
	} else if f.Epoch != a.epoch {
		a.reasm.Reset(1)
		a.ackedSent = 0
	}

	a.epoch = f.Epoch
	a.nextSeq = 1
	a.state = stateNormal
	a.resyncTries = 0

	a.sendControl(frame.FlagResyncAck, a.deliveredOld)
	a.requeue(carry, f.Seq)

	util.Stats.AddResync()
	util.LogInfo("resynchronized at epoch %d", a.epoch)
}

// handleResyncAck completes a resynchronization we initiated.
func (a *ARQ) handleResyncAck(f *frame.Frame) {
	if a.state != stateResyncing || f.Epoch != a.epoch {
		util.LogDebug("ignoring resync ack for epoch %d", f.Epoch)
		return
	}

	carry := a.pending
	a.pending = nil
	a.state = stateNormal
	a.resyncTries = 0

	a.requeue(carry, f.Seq)

	util.Stats.AddResync()
	util.LogInfo("resynchronized at epoch %d", a.epoch)
}

// requeue renumbers parked frames into the current epoch and puts them
// back on the air, skipping those the peer already delivered
// (sequence numbers up to peerDelivered in the old epoch).
func (a *ARQ) requeue(parked []*frame.Frame, peerDelivered uint32) {
	for _, old := range parked {
		if !frame.SeqBefore(peerDelivered, old.Seq) {
			continue // peer delivered this payload before the cycle
		}
		a.admit(&frame.Frame{Flags: old.Flags, Payload: old.Payload})
	}
}

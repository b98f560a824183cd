// Package rtclink carries tunnel frames over an unordered, unreliable
// WebRTC DataChannel. It exists for development and bench testing:
// the channel drops and reorders like a mesh radio but needs no
// hardware, so the full tunnel stack can be exercised end to end.
package rtclink

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/meshtenna/meshtenna/internal/config"
	"github.com/meshtenna/meshtenna/internal/link"
	"github.com/meshtenna/meshtenna/internal/signaling"
	"github.com/meshtenna/meshtenna/internal/util"
)

const (
	// mtu matches a radio-class frame budget rather than what SCTP
	// could carry, so the development link exercises the same
	// fragmentation the serial radio does.
	mtu = 220

	recvBuffer = 64

	// Backpressure watermarks for the DataChannel send buffer.
	highWaterMark = 256 * 1024
	lowWaterMark  = 64 * 1024
)

// RTCLink is a Link over a WebRTC DataChannel. Connect performs the
// WebSocket signaling exchange (serving or dialing according to the
// configuration) and maps the DataChannel lifecycle onto the shared
// state Tracker.
type RTCLink struct {
	cfg     config.Config
	tracker *link.Tracker

	recv chan []byte

	mu         sync.Mutex
	pc         *webrtc.PeerConnection
	dc         *webrtc.DataChannel
	openSignal chan struct{}
	connecting bool
	closed     bool

	drainSignal chan struct{}
	done        chan struct{}
}

// New creates an rtc link adapter. Nothing is dialed until Connect.
func New(cfg config.Config, tracker *link.Tracker) *RTCLink {
	return &RTCLink{
		cfg:         cfg,
		tracker:     tracker,
		recv:        make(chan []byte, recvBuffer),
		drainSignal: make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// Connect builds the PeerConnection, performs signaling, and resolves
// once the DataChannel is open. Idempotent while a connection exists
// or is being established.
func (l *RTCLink) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errors.New("rtclink: closed")
	}
	if l.connecting {
		l.mu.Unlock()
		return nil
	}
	l.connecting = true
	l.mu.Unlock()

	l.tracker.Set(link.Pairing)

	if err := l.setup(); err != nil {
		l.connecting = false
		l.tracker.Set(link.Disconnected)
		return err
	}

	var err error
	if l.cfg.WSURL != "" {
		err = signaling.EstablishAsAnswerer(ctx, l.cfg.WSURL, l)
	} else {
		err = signaling.EstablishAsOfferer(ctx, l.cfg.WSAddr, l)
	}
	if err != nil {
		l.teardownPeer()
		l.connecting = false
		l.tracker.Set(link.Disconnected)
		return err
	}
	return nil
}

// setup builds a fresh PeerConnection and DataChannel pair and wires
// their callbacks.
func (l *RTCLink) setup() error {
	pc, err := newPeerConnection()
	if err != nil {
		return err
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return err
	}

	openSignal := make(chan struct{})
	var openOnce sync.Once

	dc.OnOpen(func() {
		openOnce.Do(func() {
			close(openSignal)
			l.tracker.Set(link.Connected)
		})
	})

	dc.OnClose(func() {
		util.LogWarning("DataChannel closed")
		l.mu.Lock()
		l.connecting = false
		l.mu.Unlock()
		l.tracker.Set(link.Disconnected)
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case l.recv <- msg.Data:
		case <-l.done:
		default:
			// A full receive queue on a lossy link is loss; the ARQ
			// layer recovers it like any other drop.
			util.LogDebug("rtc receive queue full, dropping frame")
		}
	})

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case l.drainSignal <- struct{}{}:
		default:
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())
	})

	l.mu.Lock()
	l.pc = pc
	l.dc = dc
	l.openSignal = openSignal
	l.mu.Unlock()
	return nil
}

func (l *RTCLink) teardownPeer() {
	l.mu.Lock()
	pc, dc := l.pc, l.dc
	l.pc, l.dc = nil, nil
	l.mu.Unlock()
	if dc != nil {
		dc.Close()
	}
	if pc != nil {
		pc.Close()
	}
}

// Send transmits one frame, pausing when the DataChannel buffer is
// above the high watermark.
func (l *RTCLink) Send(ctx context.Context, payload []byte) error {
	if l.tracker.State() != link.Connected {
		return link.ErrLinkUnavailable
	}

	l.mu.Lock()
	dc := l.dc
	l.mu.Unlock()
	if dc == nil {
		return link.ErrLinkUnavailable
	}

	if dc.BufferedAmount() > uint64(highWaterMark) {
		select {
		case <-l.drainSignal:
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return link.ErrLinkUnavailable
		}
	}

	return dc.Send(payload)
}

// Recv returns the inbound frame channel.
func (l *RTCLink) Recv() <-chan []byte {
	return l.recv
}

// MTU returns the per-frame payload budget.
func (l *RTCLink) MTU() int {
	return mtu
}

// Close shuts down the DataChannel and PeerConnection.
func (l *RTCLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.done)
	l.teardownPeer()
	return nil
}

// ---------------------------------------------------------------------------
// signaling.Session
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (l *RTCLink) CreateOffer() (webrtc.SessionDescription, error) {
	return l.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (l *RTCLink) CreateAnswer() (webrtc.SessionDescription, error) {
	return l.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP.
func (l *RTCLink) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return l.pc.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the remote SDP.
func (l *RTCLink) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return l.pc.SetRemoteDescription(sdp)
}

// OnICECandidate registers a callback for newly gathered local ICE
// candidates. A nil candidate signals the end of gathering.
func (l *RTCLink) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	l.pc.OnICECandidate(fn)
}

// AddICECandidate adds a remote ICE candidate received via signaling.
func (l *RTCLink) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return l.pc.AddICECandidate(candidate)
}

// Ready returns a channel closed once the DataChannel is open.
func (l *RTCLink) Ready() <-chan struct{} {
	return l.openSignal
}

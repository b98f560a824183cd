// Package signaling performs the WebSocket-based SDP/ICE exchange
// that bootstraps the WebRTC radio link. The gateway side serves the
// exchange; the mesh side dials it. Once the DataChannel opens the
// WebSocket is torn down; it plays no further part in the tunnel.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/meshtenna/meshtenna/internal/util"
)

// Session is the slice of the rtc link that the exchange drives.
type Session interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	OnICECandidate(func(*webrtc.ICECandidate))
	AddICECandidate(webrtc.ICECandidateInit) error
	Ready() <-chan struct{}
}

// EstablishAsOfferer serves a one-shot WS exchange on wsAddr, waits
// for the peer, sends the offer, and returns once the DataChannel is
// open.
func EstablishAsOfferer(ctx context.Context, wsAddr string, sess Session) error {
	srv := &server{connCh: make(chan *websocket.Conn, 1)}
	addr, err := srv.start(wsAddr)
	if err != nil {
		return err
	}
	defer srv.close()

	util.LogInfo("signaling server listening on %s, waiting for peer", addr)

	wsConn, err := srv.waitForPeer(ctx)
	if err != nil {
		return fmt.Errorf("waiting for signaling peer: %w", err)
	}
	defer wsConn.Close()
	util.LogInfo("signaling peer connected")

	return exchange(ctx, wsConn, sess, true)
}

// EstablishAsAnswerer dials the offerer's WS exchange at wsURL and
// returns once the DataChannel is open.
func EstablishAsAnswerer(ctx context.Context, wsURL string, sess Session) error {
	wsConn, err := dial(ctx, wsURL)
	if err != nil {
		return err
	}
	defer wsConn.Close()
	util.LogInfo("signaling connected to %s", wsURL)

	return exchange(ctx, wsConn, sess, false)
}

// exchange runs the SDP/ICE conversation over an open WebSocket until
// the session reports ready.
func exchange(ctx context.Context, wsConn *websocket.Conn, sess Session, offerer bool) error {
	s := &sender{sess: sess, conn: wsConn}
	r := &receiver{sess: sess, conn: wsConn, sender: s}

	// Trickle local ICE candidates to the peer as they are gathered.
	sess.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			data, _ := json.Marshal(c.ToJSON())
			// Best-effort: a lost candidate only narrows path choice.
			s.sendCandidate(string(data))
		}
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.watch() // exits when wsConn is closed (deferred by caller)
	}()

	if offerer {
		if err := s.sendOffer(); err != nil {
			return fmt.Errorf("sending offer: %w", err)
		}
	}

	select {
	case <-sess.Ready():
		util.LogInfo("DataChannel established, closing signaling socket")
		return nil
	case err := <-errCh:
		return fmt.Errorf("signaling failed: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

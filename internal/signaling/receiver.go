package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

// receiver reacts to inbound signaling messages.
type receiver struct {
	sess   Session
	conn   *websocket.Conn
	sender *sender
}

// watch processes signaling messages until the WebSocket closes.
func (r *receiver) watch() error {
	for {
		var msg message
		if err := r.conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("reading signaling message: %w", err)
		}

		switch msg.Type {
		case msgTypeOffer:
			if err := r.sess.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeOffer, SDP: msg.SDP,
			}); err != nil {
				return err
			}
			if err := r.sender.sendAnswer(); err != nil {
				return err
			}

		case msgTypeAnswer:
			if err := r.sess.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeAnswer, SDP: msg.SDP,
			}); err != nil {
				return err
			}

		case msgTypeCandidate:
			var init webrtc.ICECandidateInit
			if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
				return fmt.Errorf("parsing ICE candidate: %w", err)
			}
			if err := r.sess.AddICECandidate(init); err != nil {
				return err
			}
		}
	}
}

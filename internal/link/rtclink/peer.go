package rtclink

import (
	"github.com/pion/webrtc/v4"
)

// STUN servers for ICE candidate gathering. No TURN: the adapter is a
// development stand-in for radio hardware, direct connectivity is
// assumed.
var stunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// newPeerConnection creates a PeerConnection configured with Google
// STUN servers.
func newPeerConnection() (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: stunServers},
		},
	}
	return webrtc.NewPeerConnection(config)
}

// newDataChannel creates a pre-negotiated DataChannel on the given
// PeerConnection. Negotiated mode (ID 0) lets both sides create the
// channel independently without relying on OnDataChannel. Unordered
// delivery with zero retransmits makes the channel genuinely lossy
// and unordered, which is exactly the radio-link behavior the tunnel
// must survive.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := false
	maxRetransmits := uint16(0)
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel("meshlink", &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
		Negotiated:     &negotiated,
		ID:             &id,
	})
}

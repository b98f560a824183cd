// Package config holds the operator-facing configuration for a tunnel
// endpoint.
package config

import "time"

// Role identifies which end of the tunnel this process is.
type Role string

const (
	// RoleMesh runs next to the payment node on the off-grid side.
	RoleMesh Role = "mesh"
	// RoleGateway runs on the internet-connected side and bridges to
	// the remote peer.
	RoleGateway Role = "gateway"
)

// SocketMode selects how the endpoint obtains its bridged TCP socket.
type SocketMode string

const (
	// SocketListen accepts a single inbound connection on Addr.
	SocketListen SocketMode = "listen"
	// SocketDial connects out to Addr.
	SocketDial SocketMode = "dial"
)

// LinkKind selects the radio link adapter.
type LinkKind string

const (
	// LinkSerial drives a KISS-framed mesh radio on a serial port.
	LinkSerial LinkKind = "serial"
	// LinkRTC carries frames over an unordered, unreliable WebRTC
	// DataChannel. Used for development and for bench testing the
	// tunnel without radio hardware.
	LinkRTC LinkKind = "rtc"
)

// Config stores all parameters for one tunnel endpoint.
type Config struct {
	Role Role

	// Bridged TCP socket.
	SocketMode SocketMode
	SocketAddr string

	// Radio link selection.
	Link      LinkKind
	Device    string // serial: device path, e.g. /dev/ttyUSB0
	Baud      int    // serial: baud rate
	WSURL     string // rtc: signaling URL to dial (answerer side)
	WSAddr    string // rtc: signaling listen address (offerer side)
	RateLimit bool   // serial: enforce the mesh duty-cycle limiter

	// Tunnel tuning.
	MaxPayload         int           // per-frame payload budget, bytes
	RetransmitInterval time.Duration // resend unacked frames this often
	MaxRetries         int           // retransmissions before forcing a resync
	MaxInFlight        int           // pending-send window cap, frames
	ReassemblyDepth    int           // out-of-order frames held before overflow
	ResyncAttempts     int           // marker retries before the bridge is torn down
}

// Default returns the configuration matching a goTenna-class radio:
// 210 usable payload bytes per transmission and a duty-cycle limiter.
func Default() Config {
	return Config{
		SocketMode:         SocketListen,
		SocketAddr:         "127.0.0.1:9733",
		Link:               LinkSerial,
		Baud:               115200,
		RateLimit:          true,
		MaxPayload:         210,
		RetransmitInterval: 15 * time.Second,
		MaxRetries:         5,
		MaxInFlight:        8,
		ReassemblyDepth:    32,
		ResyncAttempts:     5,
	}
}

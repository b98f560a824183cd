// Package link defines the radio link capability the tunnel core is
// written against: {connect, send, receive, lifecycle events}. Any
// concrete mesh hardware is an adapter satisfying Link; the core never
// reaches past this boundary into vendor specifics.
package link

import (
	"context"
	"errors"
)

// ErrLinkUnavailable is returned by Send when the link is not in the
// Connected state. The caller keeps the frame pending and retries.
var ErrLinkUnavailable = errors.New("link: radio not connected")

// Link is a point-to-point mesh radio link between exactly two
// endpoints. Send accepts a raw frame up to MTU bytes; acceptance by
// the hardware carries no delivery guarantee. Recv yields raw inbound
// payloads for the lifetime of the adapter; a disconnect is signalled
// through the state Tracker, and callers must treat it as losing every
// unacknowledged frame on the air.
type Link interface {
	// Connect begins device pairing. It is idempotent and returns once
	// pairing has begun; completion is observed via the state Tracker.
	Connect(ctx context.Context) error

	// Send hands one encoded frame to the hardware. It fails with
	// ErrLinkUnavailable when the link is not Connected.
	Send(ctx context.Context, payload []byte) error

	// Recv returns the inbound payload channel. It is closed only when
	// the adapter itself is closed, not on transient disconnects.
	Recv() <-chan []byte

	// MTU is the maximum payload size Send accepts, in bytes.
	MTU() int

	Close() error
}

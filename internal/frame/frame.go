// Package frame defines the wire format of a tunnel frame transmitted
// over the mesh radio link.
package frame

import "errors"

// Flag bits.
const (
	FlagMore      uint8 = 0x01 // data fragment, more fragments of the blob follow
	FlagLast      uint8 = 0x02 // data fragment, final fragment of the blob
	FlagAck       uint8 = 0x04 // cumulative acknowledgment; Seq is the highest delivered seq
	FlagResync    uint8 = 0x08 // resynchronization marker; Epoch is the new generation
	FlagResyncAck uint8 = 0x10 // acknowledgment of a resynchronization marker
)

// HeaderSize is the fixed header: Flags(1) + Epoch(1) + Seq(4).
// TrailerSize is the CRC-32 checksum appended after the payload.
const (
	HeaderSize  = 6
	TrailerSize = 4
)

// Overhead is the per-frame byte cost beyond the payload. The radio
// link's MTU minus Overhead bounds the usable payload size.
const Overhead = HeaderSize + TrailerSize

// Frame is the atomic unit placed on the radio link: either a fragment
// of a bridged byte stream, a cumulative acknowledgment, or a
// resynchronization control frame.
type Frame struct {
	Flags   uint8
	Epoch   uint8  // resync generation; frames from another epoch are stale
	Seq     uint32 // data: fragment sequence number; ack: highest delivered seq
	Payload []byte // data fragments only
}

// IsData reports whether the frame carries stream bytes.
func (f *Frame) IsData() bool {
	return f.Flags&(FlagMore|FlagLast) != 0 && f.Flags&(FlagAck|FlagResync|FlagResyncAck) == 0
}

// SeqBefore reports whether sequence number a precedes b, treating the
// uint32 space as a circle (signed 32-bit distance, as TCP does).
func SeqBefore(a, b uint32) bool {
	return int32(a-b) < 0
}

// EpochBefore reports whether resync epoch a precedes b, treating the
// uint8 space as a circle.
func EpochBefore(a, b uint8) bool {
	return int8(a-b) < 0
}

// Errors surfaced by the codec.
var (
	ErrPayloadTooLarge = errors.New("frame: payload exceeds maximum size")
	ErrCorruptFrame    = errors.New("frame: checksum mismatch or truncated frame")
)

package frame

import (
	"bytes"
	"errors"
	"testing"
)

const testMaxPayload = 210

// TestEncodeDecodeRoundTrip verifies that encoding and decoding are
// inverse operations for all frame kinds and payload sizes.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		f    *Frame
	}{
		{
			name: "data fragment with more to follow",
			f:    &Frame{Flags: FlagMore, Epoch: 1, Seq: 1, Payload: []byte("hello world")},
		},
		{
			name: "final data fragment",
			f:    &Frame{Flags: FlagLast, Epoch: 3, Seq: 42, Payload: []byte("tail")},
		},
		{
			name: "cumulative ack with no payload",
			f:    &Frame{Flags: FlagAck, Epoch: 1, Seq: 99},
		},
		{
			name: "resync marker",
			f:    &Frame{Flags: FlagResync, Epoch: 7, Seq: 12},
		},
		{
			name: "resync ack",
			f:    &Frame{Flags: FlagResyncAck, Epoch: 7, Seq: 5},
		},
		{
			name: "full-size payload",
			f:    &Frame{Flags: FlagMore, Epoch: 1, Seq: 1000, Payload: make([]byte, testMaxPayload)},
		},
		{
			name: "empty boundary frame",
			f:    &Frame{Flags: FlagLast, Epoch: 2, Seq: 5, Payload: []byte{}},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := Encode(tc.f, testMaxPayload)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}

			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}

			if decoded.Flags != tc.f.Flags {
				t.Errorf("Flags mismatch: got %#02x, want %#02x", decoded.Flags, tc.f.Flags)
			}
			if decoded.Epoch != tc.f.Epoch {
				t.Errorf("Epoch mismatch: got %d, want %d", decoded.Epoch, tc.f.Epoch)
			}
			if decoded.Seq != tc.f.Seq {
				t.Errorf("Seq mismatch: got %d, want %d", decoded.Seq, tc.f.Seq)
			}
			if !bytes.Equal(decoded.Payload, tc.f.Payload) {
				t.Errorf("Payload mismatch: got %v, want %v", decoded.Payload, tc.f.Payload)
			}
		})
	}
}

// TestEncodePayloadTooLarge verifies that oversize payloads are
// rejected rather than truncated.
func TestEncodePayloadTooLarge(t *testing.T) {
	f := &Frame{Flags: FlagLast, Epoch: 1, Seq: 1, Payload: make([]byte, testMaxPayload+1)}

	_, err := Encode(f, testMaxPayload)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

// TestDecodeCorrupt verifies that any flipped bit is caught by the
// checksum and surfaces as ErrCorruptFrame.
func TestDecodeCorrupt(t *testing.T) {
	f := &Frame{Flags: FlagMore, Epoch: 1, Seq: 7, Payload: []byte("payment channel bytes")}
	encoded, err := Encode(f, testMaxPayload)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	for _, pos := range []int{0, 1, 4, HeaderSize, len(encoded) - 1} {
		corrupted := make([]byte, len(encoded))
		copy(corrupted, encoded)
		corrupted[pos] ^= 0x01

		if _, err := Decode(corrupted); !errors.Is(err, ErrCorruptFrame) {
			t.Errorf("flip at %d: expected ErrCorruptFrame, got %v", pos, err)
		}
	}
}

// TestDecodeTruncated verifies that inputs shorter than a minimal
// frame are rejected as corrupt.
func TestDecodeTruncated(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"one byte", []byte{0x01}},
		{"header only", make([]byte, HeaderSize)},
		{"one short of minimum", make([]byte, HeaderSize+TrailerSize-1)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.data); !errors.Is(err, ErrCorruptFrame) {
				t.Fatalf("expected ErrCorruptFrame, got %v", err)
			}
		})
	}
}

// TestDecodePreservesPayload verifies that the decoded payload is
// copied, not aliased to the input buffer.
func TestDecodePreservesPayload(t *testing.T) {
	f := &Frame{Flags: FlagLast, Epoch: 1, Seq: 10, Payload: []byte("original")}
	encoded, err := Encode(f, testMaxPayload)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	encoded[HeaderSize] = 0xFF

	if !bytes.Equal(decoded.Payload, []byte("original")) {
		t.Errorf("payload was aliased to the input buffer: got %v", decoded.Payload)
	}
}

// TestSeqBefore exercises ordering around the wrap point.
func TestSeqBefore(t *testing.T) {
	testCases := []struct {
		a, b uint32
		want bool
	}{
		{1, 2, true},
		{2, 1, false},
		{5, 5, false},
		{0xFFFFFFFF, 0, true}, // wrap
		{0, 0xFFFFFFFF, false},
		{0xFFFFFF00, 0x00000100, true},
	}

	for _, tc := range testCases {
		if got := SeqBefore(tc.a, tc.b); got != tc.want {
			t.Errorf("SeqBefore(%d, %d) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestEpochBefore(t *testing.T) {
	testCases := []struct {
		a, b uint8
		want bool
	}{
		{1, 2, true},
		{2, 1, false},
		{5, 5, false},
		{255, 1, true}, // wrap
		{1, 255, false},
	}

	for _, tc := range testCases {
		if got := EpochBefore(tc.a, tc.b); got != tc.want {
			t.Errorf("EpochBefore(%d, %d) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

// TestIsData verifies the data/control classification used by the
// receive path.
func TestIsData(t *testing.T) {
	testCases := []struct {
		name  string
		flags uint8
		want  bool
	}{
		{"more fragment", FlagMore, true},
		{"last fragment", FlagLast, true},
		{"ack", FlagAck, false},
		{"resync", FlagResync, false},
		{"resync ack", FlagResyncAck, false},
		{"no flags", 0, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := &Frame{Flags: tc.flags}
			if got := f.IsData(); got != tc.want {
				t.Errorf("IsData() = %v, want %v", got, tc.want)
			}
		})
	}
}

package arq

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/meshtenna/meshtenna/internal/frame"
)

// TestFragmentSizes verifies the frame count and flag layout for blob
// lengths around the payload budget.
func TestFragmentSizes(t *testing.T) {
	const p = 100

	testCases := []struct {
		length     int
		wantFrames int
	}{
		{0, 1},
		{1, 1},
		{p - 1, 1},
		{p, 1},
		{p + 1, 2},
		{2 * p, 2},
		{500, 5},
		{10*1024 + 37, 103},
	}

	for _, tc := range testCases {
		t.Run(fmt.Sprintf("%d bytes", tc.length), func(t *testing.T) {
			blob := makeBlob(tc.length, 7)
			frames := Fragment(blob, p)

			if len(frames) != tc.wantFrames {
				t.Fatalf("got %d frames, want %d", len(frames), tc.wantFrames)
			}

			for i, f := range frames {
				final := i == len(frames)-1
				if final && f.Flags != frame.FlagLast {
					t.Errorf("frame %d: final fragment flags %#02x, want FlagLast", i, f.Flags)
				}
				if !final && f.Flags != frame.FlagMore {
					t.Errorf("frame %d: flags %#02x, want FlagMore", i, f.Flags)
				}
				if len(f.Payload) > p {
					t.Errorf("frame %d: payload %d exceeds budget %d", i, len(f.Payload), p)
				}
			}
		})
	}
}

// TestFragmentPreservesBytes verifies that concatenating the fragments
// in order reproduces the blob exactly.
func TestFragmentPreservesBytes(t *testing.T) {
	for _, length := range []int{1, 99, 100, 101, 500, 4096, 10 * 1024} {
		blob := makeBlob(length, byte(length))

		var rebuilt []byte
		for _, f := range Fragment(blob, 100) {
			rebuilt = append(rebuilt, f.Payload...)
		}

		if !bytes.Equal(rebuilt, blob) {
			t.Errorf("length %d: reassembled fragments differ from the blob", length)
		}
	}
}

// TestFragmentEmptyBlob verifies the boundary frame for a zero-length
// blob.
func TestFragmentEmptyBlob(t *testing.T) {
	frames := Fragment(nil, 100)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].Flags != frame.FlagLast {
		t.Errorf("flags %#02x, want FlagLast", frames[0].Flags)
	}
	if len(frames[0].Payload) != 0 {
		t.Errorf("payload length %d, want 0", len(frames[0].Payload))
	}
}

// makeBlob generates deterministic test data of the given size.
func makeBlob(size int, seed byte) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i%251) ^ seed
	}
	return data
}

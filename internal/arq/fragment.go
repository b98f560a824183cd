package arq

import "github.com/meshtenna/meshtenna/internal/frame"

// Fragment splits a stream blob into per-frame payloads within the
// given budget. Every fragment carries FlagMore except the final one,
// which carries FlagLast. Sequence numbers and epoch are assigned
// later, at transmission time. A zero-length blob still produces one
// empty FlagLast frame so blob boundaries survive the link.
func Fragment(blob []byte, maxPayload int) []*frame.Frame {
	if len(blob) == 0 {
		return []*frame.Frame{{Flags: frame.FlagLast}}
	}

	n := (len(blob) + maxPayload - 1) / maxPayload
	frames := make([]*frame.Frame, 0, n)

	for off := 0; off < len(blob); off += maxPayload {
		end := off + maxPayload
		flags := frame.FlagMore
		if end >= len(blob) {
			end = len(blob)
			flags = frame.FlagLast
		}

		payload := make([]byte, end-off)
		copy(payload, blob[off:end])
		frames = append(frames, &frame.Frame{Flags: flags, Payload: payload})
	}

	return frames
}

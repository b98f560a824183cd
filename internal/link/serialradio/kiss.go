package serialradio

// KISS framing, the de facto serial transport for packet radio TNCs.
// Each frame on the wire is FLAG, CMD_DATA, escaped payload, FLAG.

const (
	kissFlag    byte = 0xC0
	kissEsc     byte = 0xDB
	kissTFlag   byte = 0xDC
	kissTEsc    byte = 0xDD
	kissCmdData byte = 0x00
)

// kissEncode wraps a payload in a KISS data frame, escaping any
// in-band FLAG and ESC bytes.
func kissEncode(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+4)
	out = append(out, kissFlag, kissCmdData)
	for _, b := range payload {
		switch b {
		case kissFlag:
			out = append(out, kissEsc, kissTFlag)
		case kissEsc:
			out = append(out, kissEsc, kissTEsc)
		default:
			out = append(out, b)
		}
	}
	return append(out, kissFlag)
}

// kissDecoder incrementally splits a serial byte stream into KISS
// frame payloads. Bytes outside a frame and non-data frames are
// discarded.
type kissDecoder struct {
	inFrame bool
	escaped bool
	buf     []byte
}

// feed consumes a chunk of serial bytes and returns any complete
// payloads it terminated.
func (d *kissDecoder) feed(data []byte) [][]byte {
	var out [][]byte
	for _, b := range data {
		if !d.inFrame {
			if b == kissFlag {
				d.inFrame = true
				d.escaped = false
				d.buf = d.buf[:0]
			}
			continue
		}

		switch {
		case d.escaped:
			switch b {
			case kissTFlag:
				d.buf = append(d.buf, kissFlag)
			case kissTEsc:
				d.buf = append(d.buf, kissEsc)
			default:
				// Invalid escape; drop the frame.
				d.inFrame = false
			}
			d.escaped = false

		case b == kissEsc:
			d.escaped = true

		case b == kissFlag:
			// Frame terminator (or a back-to-back opener).
			if len(d.buf) > 1 && d.buf[0] == kissCmdData {
				payload := make([]byte, len(d.buf)-1)
				copy(payload, d.buf[1:])
				out = append(out, payload)
			}
			d.buf = d.buf[:0]
			d.escaped = false

		default:
			d.buf = append(d.buf, b)
		}
	}
	return out
}

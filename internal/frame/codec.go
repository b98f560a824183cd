package frame

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Encode serializes a Frame for radio transmission. maxPayload is the
// configured per-frame payload budget; exceeding it is a caller bug
// (fragmentation must have split the blob already) and is never
// silently truncated.
func Encode(f *Frame, maxPayload int) ([]byte, error) {
	if len(f.Payload) > maxPayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(f.Payload), maxPayload)
	}

	buf := make([]byte, HeaderSize+len(f.Payload)+TrailerSize)
	buf[0] = f.Flags
	buf[1] = f.Epoch
	binary.BigEndian.PutUint32(buf[2:6], f.Seq)
	copy(buf[HeaderSize:], f.Payload)

	sum := crc32.ChecksumIEEE(buf[:HeaderSize+len(f.Payload)])
	binary.BigEndian.PutUint32(buf[HeaderSize+len(f.Payload):], sum)
	return buf, nil
}

// Decode deserializes a radio payload into a Frame. A truncated frame
// or checksum mismatch yields ErrCorruptFrame; the caller drops such
// frames silently and relies on retransmission.
func Decode(data []byte) (*Frame, error) {
	if len(data) < HeaderSize+TrailerSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorruptFrame, len(data))
	}

	body := data[:len(data)-TrailerSize]
	want := binary.BigEndian.Uint32(data[len(data)-TrailerSize:])
	if crc32.ChecksumIEEE(body) != want {
		return nil, ErrCorruptFrame
	}

	f := &Frame{
		Flags: data[0],
		Epoch: data[1],
		Seq:   binary.BigEndian.Uint32(data[2:6]),
	}
	if len(body) > HeaderSize {
		f.Payload = make([]byte, len(body)-HeaderSize)
		copy(f.Payload, body[HeaderSize:])
	}
	return f, nil
}

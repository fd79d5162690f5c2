package wsframe

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"

	"github.com/klauspost/compress/flate"
)

// deflateTail is appended before inflating a permessage-deflate payload and
// stripped after deflating one, per RFC 7692 §7.2.1.
var deflateTail = []byte{0x00, 0x00, 0xff, 0xff}

// Codec is the default Framer: a straightforward RFC 6455 implementation
// with optional permessage-deflate (RFC 7692), negotiated once at
// handshake time and fixed for the connection's lifetime.
type Codec struct {
	// Deflate enables permessage-deflate on text/binary frames. Each
	// message is compressed independently (no context takeover), which
	// trades compression ratio for a stateless, trivially correct
	// implementation.
	Deflate bool
	// MaskOutbound is set for a client-role codec, where RFC 6455 requires
	// every frame sent to the server to be masked. Server-role codecs
	// leave this false.
	MaskOutbound bool
}

// Decode implements Framer.
func (c *Codec) Decode(buf []byte) ([]Frame, []byte, error) {
	var frames []Frame
	for {
		frame, consumed, err := decodeOne(buf)
		if err != nil {
			return frames, nil, err
		}
		if consumed == 0 {
			return frames, buf, nil
		}
		if frame.RSV1 && (frame.Opcode == OpText || frame.Opcode == OpBinary) {
			if err := c.maybeInflate(&frame); err != nil {
				return frames, nil, err
			}
		}
		frames = append(frames, frame)
		buf = buf[consumed:]
		if len(buf) == 0 {
			return frames, nil, nil
		}
	}
}

// decodeOne decodes at most one frame from buf, returning the number of
// bytes consumed (0 if buf does not yet contain a complete frame).
func decodeOne(buf []byte) (Frame, int, error) {
	if len(buf) < 2 {
		return Frame{}, 0, nil
	}

	b0, b1 := buf[0], buf[1]
	fin := b0&0x80 != 0
	rsv := b0 & 0x70
	rsv1 := b0&0x40 != 0
	opcode := Opcode(b0 & 0x0f)
	masked := b1&0x80 != 0
	length := int64(b1 & 0x7f)

	if rsv&^byte(0x40) != 0 {
		// Only RSV1 (permessage-deflate) is ever accepted here.
		return Frame{}, 0, ErrReservedBitsSet
	}

	offset := 2
	switch length {
	case 126:
		if len(buf) < offset+2 {
			return Frame{}, 0, nil
		}
		length = int64(binary.BigEndian.Uint16(buf[offset:]))
		offset += 2
	case 127:
		if len(buf) < offset+8 {
			return Frame{}, 0, nil
		}
		length = int64(binary.BigEndian.Uint64(buf[offset:]))
		offset += 8
	}

	if isControlOpcode(opcode) {
		if length > 125 {
			return Frame{}, 0, ErrControlTooLarge
		}
		if !fin {
			return Frame{}, 0, ErrFragmentedControl
		}
	}

	var maskKey [4]byte
	if masked {
		if len(buf) < offset+4 {
			return Frame{}, 0, nil
		}
		copy(maskKey[:], buf[offset:offset+4])
		offset += 4
	}

	if int64(len(buf)) < int64(offset)+length {
		return Frame{}, 0, nil
	}

	payload := make([]byte, length)
	copy(payload, buf[offset:int64(offset)+length])
	if masked {
		for i := range payload {
			payload[i] ^= maskKey[i%4]
		}
	}

	return Frame{Opcode: opcode, Final: fin, RSV1: rsv1, Payload: payload}, offset + int(length), nil
}

func isControlOpcode(op Opcode) bool {
	return op == OpClose || op == OpPing || op == OpPong
}

// Encode implements Framer.
func (c *Codec) Encode(opcode Opcode, payload []byte) []byte {
	rsv1 := false
	if c.Deflate && (opcode == OpText || opcode == OpBinary) {
		if compressed, ok := deflate(payload); ok {
			payload = compressed
			rsv1 = true
		}
	}

	var header bytes.Buffer
	b0 := byte(0x80) | byte(opcode) // FIN always set: no fragmentation on send
	if rsv1 {
		b0 |= 0x40
	}
	header.WriteByte(b0)

	maskBit := byte(0)
	if c.MaskOutbound {
		maskBit = 0x80
	}

	n := len(payload)
	switch {
	case n <= 125:
		header.WriteByte(maskBit | byte(n))
	case n <= 0xffff:
		header.WriteByte(maskBit | 126)
		binary.Write(&header, binary.BigEndian, uint16(n))
	default:
		header.WriteByte(maskBit | 127)
		binary.Write(&header, binary.BigEndian, uint64(n))
	}

	if c.MaskOutbound {
		var key [4]byte
		rand.Read(key[:])
		header.Write(key[:])
		masked := make([]byte, n)
		for i, b := range payload {
			masked[i] = b ^ key[i%4]
		}
		payload = masked
	}

	out := make([]byte, 0, header.Len()+len(payload))
	out = append(out, header.Bytes()...)
	out = append(out, payload...)
	return out
}

func (c *Codec) maybeInflate(frame *Frame) error {
	if !c.Deflate {
		return nil
	}
	inflated, err := inflate(frame.Payload)
	if err != nil {
		return err
	}
	frame.Payload = inflated
	return nil
}

// deflate compresses data with a fresh, stateless flate stream and strips
// the RFC 7692 sync-flush tail. ok is false if compression failed, in which
// case the caller should send the payload uncompressed.
func deflate(data []byte) (out []byte, ok bool) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, false
	}
	if _, err := w.Write(data); err != nil {
		return nil, false
	}
	if err := w.Flush(); err != nil {
		return nil, false
	}
	compressed := buf.Bytes()
	compressed = bytes.TrimSuffix(compressed, deflateTail)
	return compressed, true
}

func inflate(data []byte) ([]byte, error) {
	data = append(append([]byte{}, data...), deflateTail...)
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	return out, nil
}

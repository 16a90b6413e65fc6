package websocket

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Payload size limits.
const (
	// maxControlPayload is the maximum payload length for control frames.
	// RFC 6455 Section 5.5: Control frames must have payload <= 125 bytes.
	maxControlPayload = 125

	// DefaultMaxFrameSize is the frame payload limit used when none is configured.
	DefaultMaxFrameSize = 16 << 20

	// Payload length encoding thresholds (RFC 6455 Section 5.2).
	payloadLen7Bit  = 125 // 0-125: stored in 7 bits
	payloadLen16Bit = 126 // 126: followed by 16-bit length
	payloadLen64Bit = 127 // 127: followed by 64-bit length

	// maxHeaderSize is 2 fixed bytes + 8 extended length + 4 masking key.
	maxHeaderSize = 14

	// maskChunk bounds the scratch buffer used to mask outbound payloads.
	maskChunk = 4096
)

// Frame is one wire-level WebSocket frame (RFC 6455 Section 5.2).
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-------+-+-------------+-------------------------------+
//	|F|R|R|R| opcode|M| Payload len |    Extended payload length    |
//	|I|S|S|S|  (4)  |A|     (7)     |             (16/64)           |
//	|N|V|V|V|       |S|             |   (if payload len==126/127)   |
//	| |1|2|3|       |K|             |                               |
//	+-+-+-+-+-------+-+-------------+ - - - - - - - - - - - - - - - +
//	|     Extended payload length continued, if payload len == 127  |
//	+ - - - - - - - - - - - - - - - +-------------------------------+
//	|                               |Masking-key, if MASK set to 1  |
//	+-------------------------------+-------------------------------+
//	| Masking-key (continued)       |          Payload Data         |
//	+-------------------------------- - - - - - - - - - - - - - - - +
//
// Payload is always held unmasked. MaskingKey is only meaningful when
// Masked is set.
type Frame struct {
	Fin        bool
	Opcode     Opcode
	Masked     bool
	MaskingKey [4]byte
	Payload    []byte

	// Close is set on decoded close frames.
	Close *CloseFrame
}

// ReadFrame reads exactly one frame from r.
//
// maxPayload bounds the payload length; values <= 0 select DefaultMaxFrameSize.
// The length is checked before the payload buffer is allocated.
//
// Violations of the framing rules are returned as *ProtocolError. A stream
// that ends before the frame is complete yields an *IOError wrapping io.EOF
// (clean end before the first byte) or io.ErrUnexpectedEOF (mid-frame).
//
//nolint:gocyclo,cyclop // one branch per RFC 6455 Section 5.2 rule
func ReadFrame(r io.Reader, maxPayload int64) (*Frame, error) {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxFrameSize
	}

	var hdr [8]byte

	// Byte 0: FIN(1) RSV(3) Opcode(4)
	if err := readFull(r, hdr[:1], true); err != nil {
		return nil, err
	}
	f := &Frame{
		Fin:    hdr[0]&0x80 != 0,
		Opcode: Opcode(hdr[0] & 0x0F),
	}
	if hdr[0]&0x70 != 0 {
		return nil, protocolErr(ErrReservedBits)
	}
	if !f.Opcode.valid() {
		return nil, protocolErr(fmt.Errorf("%w: 0x%X", ErrInvalidOpcode, byte(f.Opcode)))
	}
	if f.Opcode.IsControl() && !f.Fin {
		return nil, protocolErr(ErrControlFragmented)
	}

	// Byte 1: MASK(1) PayloadLen(7)
	if err := readFull(r, hdr[:1], false); err != nil {
		return nil, err
	}
	f.Masked = hdr[0]&0x80 != 0
	length := uint64(hdr[0] & 0x7F)

	switch length {
	case payloadLen16Bit:
		if err := readFull(r, hdr[:2], false); err != nil {
			return nil, err
		}
		length = uint64(binary.BigEndian.Uint16(hdr[:2]))
		if length < payloadLen16Bit {
			return nil, protocolErr(ErrNonMinimalLength)
		}
	case payloadLen64Bit:
		if err := readFull(r, hdr[:8], false); err != nil {
			return nil, err
		}
		length = binary.BigEndian.Uint64(hdr[:8])
		if length&(1<<63) != 0 {
			return nil, protocolErr(ErrLengthMSB)
		}
		if length <= 0xFFFF {
			return nil, protocolErr(ErrNonMinimalLength)
		}
	}

	if f.Opcode.IsControl() {
		if length > maxControlPayload {
			return nil, protocolErr(ErrControlTooLarge)
		}
		if f.Opcode == OpClose && length == 1 {
			return nil, protocolErr(ErrClosePayloadLength)
		}
	}
	if length > uint64(maxPayload) {
		return nil, protocolErr(fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length))
	}

	if f.Masked {
		if err := readFull(r, f.MaskingKey[:], false); err != nil {
			return nil, err
		}
	}

	if length > 0 {
		f.Payload = make([]byte, length)
		if err := readFull(r, f.Payload, false); err != nil {
			return nil, err
		}
		if f.Masked {
			applyMask(f.Payload, f.MaskingKey, 0)
		}
	}

	if f.Opcode == OpClose {
		cf, err := parseClosePayload(f.Payload)
		if err != nil {
			return nil, protocolErr(err)
		}
		f.Close = cf
	}

	return f, nil
}

// readFull fills buf from r. A clean EOF is only reported as io.EOF when it
// happens before the first byte of a frame; anywhere else it is unexpected.
func readFull(r io.Reader, buf []byte, first bool) error {
	_, err := io.ReadFull(r, buf)
	if err == nil {
		return nil
	}
	if err == io.EOF && !first { //nolint:errorlint // io.ReadFull returns io.EOF unwrapped
		err = io.ErrUnexpectedEOF
	}
	return &IOError{Op: "read", Err: err}
}

// WriteFrame writes f to w using the minimal length encoding.
//
// When f.Masked is set the payload is XOR-masked with f.MaskingKey while it is
// written; f.Payload itself is left untouched. WriteFrame issues several
// writes, so callers sharing w must serialize calls (Conn does this with its
// write mutex).
func WriteFrame(w io.Writer, f *Frame) error {
	if !f.Opcode.valid() {
		return fmt.Errorf("websocket: %w: 0x%X", ErrInvalidOpcode, byte(f.Opcode))
	}
	if f.Opcode.IsControl() {
		if !f.Fin {
			return fmt.Errorf("websocket: %w", ErrControlFragmented)
		}
		if len(f.Payload) > maxControlPayload {
			return fmt.Errorf("websocket: %w", ErrControlTooLarge)
		}
	}

	var hdr [maxHeaderSize]byte
	n := encodeHeader(hdr[:], f)
	if _, err := w.Write(hdr[:n]); err != nil {
		return &IOError{Op: "write", Err: err}
	}

	if len(f.Payload) == 0 {
		return nil
	}
	if !f.Masked {
		if _, err := w.Write(f.Payload); err != nil {
			return &IOError{Op: "write", Err: err}
		}
		return nil
	}

	// Mask through a bounded scratch buffer; the key position carries over
	// between chunks.
	size := len(f.Payload)
	if size > maskChunk {
		size = maskChunk
	}
	buf := make([]byte, size)
	for off := 0; off < len(f.Payload); off += size {
		end := off + size
		if end > len(f.Payload) {
			end = len(f.Payload)
		}
		chunk := buf[:end-off]
		copy(chunk, f.Payload[off:end])
		applyMask(chunk, f.MaskingKey, off)
		if _, err := w.Write(chunk); err != nil {
			return &IOError{Op: "write", Err: err}
		}
	}
	return nil
}

// encodeHeader writes the frame header into dst and returns its length.
func encodeHeader(dst []byte, f *Frame) int {
	dst[0] = byte(f.Opcode) & 0x0F
	if f.Fin {
		dst[0] |= 0x80
	}

	var maskBit byte
	if f.Masked {
		maskBit = 0x80
	}

	length := uint64(len(f.Payload))
	n := 2
	switch {
	case length <= payloadLen7Bit:
		dst[1] = maskBit | byte(length)
	case length <= 0xFFFF:
		dst[1] = maskBit | payloadLen16Bit
		binary.BigEndian.PutUint16(dst[2:], uint16(length))
		n += 2
	default:
		dst[1] = maskBit | payloadLen64Bit
		binary.BigEndian.PutUint64(dst[2:], length)
		n += 8
	}

	if f.Masked {
		n += copy(dst[n:], f.MaskingKey[:])
	}
	return n
}

// applyMask XORs data with the masking key (RFC 6455 Section 5.3):
//
//	transformed-octet-i = original-octet-i XOR masking-key-octet-(i MOD 4)
//
// pos is the offset of data[0] within the whole payload. Masking is its own
// inverse, so the same call masks and unmasks.
func applyMask(data []byte, key [4]byte, pos int) {
	for i := range data {
		data[i] ^= key[(pos+i)&3]
	}
}

// Package websocket implements the RFC 6455 WebSocket protocol engine.
//
// The package is split along the protocol's layers:
//   - Frame codec: ReadFrame / WriteFrame (RFC 6455 Section 5.2)
//   - Message assembly: Assembler reduces frames to messages (Section 5.4)
//   - Opening handshake: Negotiate and Upgrade (Section 4)
//   - Connection engine: Conn runs the receive loop, serializes writes and
//     drives the closing handshake (Sections 5.5 and 7)
//
// RFC Reference: https://datatracker.ietf.org/doc/html/rfc6455
package websocket

// Opcode is the 4-bit frame operation code (RFC 6455 Section 5.2).
type Opcode byte

// Opcode values defined in RFC 6455 Section 5.2.
//
// Opcodes 0x0-0x2 are data frames, 0x8-0xA are control frames.
// Opcodes 0x3-0x7 and 0xB-0xF are reserved for future use.
const (
	// OpContinuation continues a fragmented message (Section 5.4).
	OpContinuation Opcode = 0x0

	// OpText starts a text message. Payload must be valid UTF-8.
	OpText Opcode = 0x1

	// OpBinary starts a binary message.
	OpBinary Opcode = 0x2

	// OpClose initiates or acknowledges the closing handshake (Section 5.5.1).
	OpClose Opcode = 0x8

	// OpPing is a keepalive probe (Section 5.5.2).
	OpPing Opcode = 0x9

	// OpPong answers a ping with identical application data (Section 5.5.3).
	OpPong Opcode = 0xA
)

// IsControl reports whether the opcode is a control opcode (0x8-0xF).
//
// Control frames must not be fragmented, may be interleaved with
// fragmented messages, and carry at most 125 bytes of payload.
func (op Opcode) IsControl() bool {
	return op&0x08 != 0
}

// IsData reports whether the opcode is a data opcode (0x0-0x2).
func (op Opcode) IsData() bool {
	return op == OpContinuation || op == OpText || op == OpBinary
}

// valid reports whether the opcode is defined in RFC 6455.
func (op Opcode) valid() bool {
	switch op {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	default:
		return false
	}
}

// String returns the opcode name, used in logs and metric labels.
func (op Opcode) String() string {
	switch op {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return "unknown"
	}
}

package websocket

// MessageType represents WebSocket message type.
//
// WebSocket supports two application message types (RFC 6455 Section 5.6):
// - Text (UTF-8 encoded text).
// - Binary (arbitrary binary data).
type MessageType int

const (
	// TextMessage represents a UTF-8 text message (opcode 0x1).
	TextMessage MessageType = 1

	// BinaryMessage represents a binary data message (opcode 0x2).
	BinaryMessage MessageType = 2
)

// String returns string representation of message type.
func (mt MessageType) String() string {
	switch mt {
	case TextMessage:
		return "Text"
	case BinaryMessage:
		return "Binary"
	default:
		return "Unknown"
	}
}

// opcode maps the message type to the opcode of its first frame.
func (mt MessageType) opcode() (Opcode, bool) {
	switch mt {
	case TextMessage:
		return OpText, true
	case BinaryMessage:
		return OpBinary, true
	default:
		return 0, false
	}
}

// Message is one complete application-level message.
type Message struct {
	Type MessageType
	Data []byte
}

// Text returns the payload as a string.
func (m Message) Text() string {
	return string(m.Data)
}

// NewTextMessage returns a text message carrying s.
func NewTextMessage(s string) Message {
	return Message{Type: TextMessage, Data: []byte(s)}
}

// NewBinaryMessage returns a binary message carrying b.
func NewBinaryMessage(b []byte) Message {
	return Message{Type: BinaryMessage, Data: b}
}

package websocket

import (
	"errors"
	"fmt"
	"io"
	"net"
)

// Frame-level protocol violations (RFC 6455 Section 5.2).
// Each is reported wrapped in a *ProtocolError carrying the close code.
var (
	// ErrReservedBits indicates RSV1/RSV2/RSV3 bits are set.
	// No extensions are negotiated, so all three must be 0.
	ErrReservedBits = errors.New("reserved bits must be 0")

	// ErrInvalidOpcode indicates a reserved opcode (0x3-0x7, 0xB-0xF).
	ErrInvalidOpcode = errors.New("unknown opcode")

	// ErrControlFragmented indicates a control frame with FIN=0.
	ErrControlFragmented = errors.New("fragmented control frame")

	// ErrNonMinimalLength indicates an extended length that fits a shorter form.
	ErrNonMinimalLength = errors.New("not using minimal length encoding")

	// ErrLengthMSB indicates a 64-bit length with the most significant bit set.
	ErrLengthMSB = errors.New("most significant bit of 64-bit length must be 0")

	// ErrControlTooLarge indicates a control frame payload > 125 bytes.
	ErrControlTooLarge = errors.New("control frame payload too large")

	// ErrClosePayloadLength indicates a close frame with a 1-byte payload.
	ErrClosePayloadLength = errors.New("close frame payload length of 1")

	// ErrInvalidCloseCode indicates a close code that must not appear on the wire.
	ErrInvalidCloseCode = errors.New("invalid close code")

	// ErrFrameTooLarge indicates a frame above the configured maximum.
	// Close code 1009.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrMaskRequired indicates an unmasked frame sent by a client.
	ErrMaskRequired = errors.New("client frames must be masked")
)

// Message-level protocol violations (RFC 6455 Sections 5.4 and 8.1).
var (
	// ErrUnexpectedContinuation indicates a continuation frame with no message pending.
	ErrUnexpectedContinuation = errors.New("unexpected continuation frame")

	// ErrExpectedContinuation indicates a new data frame while a message is pending.
	ErrExpectedContinuation = errors.New("expected continuation frame")

	// ErrInvalidUTF8 indicates a text payload or close reason that is not UTF-8.
	// Close code 1007.
	ErrInvalidUTF8 = errors.New("invalid UTF-8 text payload")

	// ErrMessageTooLarge indicates an assembled message above the configured maximum.
	// Close code 1009.
	ErrMessageTooLarge = errors.New("message too large")
)

// Handshake and connection errors.
var (
	// ErrNotWebSocket indicates the request is not an upgrade request and
	// should be handled by the ordinary HTTP pipeline.
	ErrNotWebSocket = errors.New("websocket: not a websocket request")

	// ErrHijackFailed indicates the HTTP connection cannot be hijacked.
	ErrHijackFailed = errors.New("websocket: cannot hijack connection")

	// ErrClosed indicates the connection is closed.
	ErrClosed = errors.New("websocket: connection closed")

	// ErrCloseSent indicates a data frame was sent after the close frame.
	ErrCloseSent = errors.New("websocket: close frame already sent")

	// ErrInvalidMessageType indicates an unknown MessageType.
	ErrInvalidMessageType = errors.New("websocket: invalid message type")
)

// ProtocolError reports that the peer violated the framing contract.
//
// Protocol errors always close the connection with Code.
type ProtocolError struct {
	Code CloseCode // Close code sent to the peer
	Err  error     // One of the Err* sentinels above
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return "websocket: protocol error: " + e.Err.Error()
}

// Unwrap returns the underlying sentinel.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// protocolErr wraps err with the close code it maps to.
func protocolErr(err error) *ProtocolError {
	code := CloseProtocolError
	switch {
	case errors.Is(err, ErrInvalidUTF8):
		code = CloseInvalidFramePayloadData
	case errors.Is(err, ErrFrameTooLarge), errors.Is(err, ErrMessageTooLarge):
		code = CloseMessageTooBig
	}
	return &ProtocolError{Code: code, Err: err}
}

// IOError reports a transport failure (EOF, reset, broken pipe, timeout).
//
// No close frame can be relied upon after an IOError.
type IOError struct {
	Op  string // "read" or "write"
	Err error
}

// Error implements the error interface.
func (e *IOError) Error() string {
	return fmt.Sprintf("websocket: %s: %v", e.Op, e.Err)
}

// Unwrap returns the transport error.
func (e *IOError) Unwrap() error {
	return e.Err
}

// IsEOF reports whether err is a peer disconnect: EOF in the middle or at the
// start of a frame, or a stream that was closed locally.
func IsEOF(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}

// HandshakeError is a rejected upgrade request.
type HandshakeError struct {
	Status int    // HTTP status written to the client
	Reason string // Short plain-text reason
}

// Error implements the error interface.
func (e *HandshakeError) Error() string {
	return fmt.Sprintf("websocket: handshake rejected (%d): %s", e.Status, e.Reason)
}

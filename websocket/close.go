package websocket

import (
	"encoding/binary"
	"unicode/utf8"
)

// CloseCode represents WebSocket close status codes (RFC 6455 Section 7.4).
type CloseCode uint16

const (
	// CloseNormalClosure indicates normal closure (1000).
	CloseNormalClosure CloseCode = 1000

	// CloseGoingAway indicates endpoint going away (1001).
	// Sent to every connection on server shutdown.
	CloseGoingAway CloseCode = 1001

	// CloseProtocolError indicates protocol error (1002).
	CloseProtocolError CloseCode = 1002

	// CloseUnsupportedData indicates unsupported data type (1003).
	CloseUnsupportedData CloseCode = 1003

	// CloseNoStatusReceived is reported locally when a close frame carried no
	// code (1005). It MUST NOT be sent in a close frame.
	CloseNoStatusReceived CloseCode = 1005

	// CloseAbnormalClosure is reported locally when the stream ended without a
	// close frame (1006). It MUST NOT be sent in a close frame.
	CloseAbnormalClosure CloseCode = 1006

	// CloseInvalidFramePayloadData indicates invalid payload data such as
	// malformed UTF-8 (1007).
	CloseInvalidFramePayloadData CloseCode = 1007

	// ClosePolicyViolation indicates a policy violation (1008).
	ClosePolicyViolation CloseCode = 1008

	// CloseMessageTooBig indicates a frame or message above the limit (1009).
	CloseMessageTooBig CloseCode = 1009

	// CloseMandatoryExtension indicates a missing extension (1010).
	CloseMandatoryExtension CloseCode = 1010

	// CloseInternalServerErr indicates an unexpected server condition (1011).
	CloseInternalServerErr CloseCode = 1011

	// CloseServiceRestart indicates the service is restarting (1012).
	CloseServiceRestart CloseCode = 1012

	// CloseTryAgainLater indicates temporary overload (1013).
	CloseTryAgainLater CloseCode = 1013

	// CloseTLSHandshake is reported locally on TLS failure (1015).
	// It MUST NOT be sent in a close frame.
	CloseTLSHandshake CloseCode = 1015
)

// String returns the RFC name of the close code.
//
//nolint:cyclop // one case per registered code
func (cc CloseCode) String() string {
	switch cc {
	case CloseNormalClosure:
		return "Normal Closure"
	case CloseGoingAway:
		return "Going Away"
	case CloseProtocolError:
		return "Protocol Error"
	case CloseUnsupportedData:
		return "Unsupported Data"
	case CloseNoStatusReceived:
		return "No Status Received"
	case CloseAbnormalClosure:
		return "Abnormal Closure"
	case CloseInvalidFramePayloadData:
		return "Invalid Frame Payload Data"
	case ClosePolicyViolation:
		return "Policy Violation"
	case CloseMessageTooBig:
		return "Message Too Big"
	case CloseMandatoryExtension:
		return "Mandatory Extension"
	case CloseInternalServerErr:
		return "Internal Server Error"
	case CloseServiceRestart:
		return "Service Restart"
	case CloseTryAgainLater:
		return "Try Again Later"
	case CloseTLSHandshake:
		return "TLS Handshake"
	default:
		return "Unknown"
	}
}

// validOnWire reports whether the code may appear in a close frame
// (RFC 6455 Section 7.4.1 and the IANA registry: 1000-1003, 1007-1014,
// and 3000-4999 for libraries and applications).
func (cc CloseCode) validOnWire() bool {
	switch {
	case cc >= 1000 && cc <= 1003:
		return true
	case cc >= 1007 && cc <= 1014:
		return true
	case cc >= 3000 && cc <= 4999:
		return true
	default:
		return false
	}
}

// CloseFrame is the parsed payload of a close frame (RFC 6455 Section 5.5.1).
//
// An empty payload leaves HasCode false; Code is then CloseNoStatusReceived.
type CloseFrame struct {
	Code    CloseCode
	Reason  string
	HasCode bool
}

// parseClosePayload decodes {2-byte code}{UTF-8 reason}.
// The payload length has already been checked to be 0 or >= 2.
func parseClosePayload(p []byte) (*CloseFrame, error) {
	if len(p) < 2 {
		return &CloseFrame{Code: CloseNoStatusReceived}, nil
	}
	cf := &CloseFrame{
		Code:    CloseCode(binary.BigEndian.Uint16(p)),
		HasCode: true,
	}
	if !utf8.Valid(p[2:]) {
		return nil, ErrInvalidUTF8
	}
	cf.Reason = string(p[2:])
	return cf, nil
}

// closePayload builds a close frame payload. Code 0 yields an empty payload.
// The reason is truncated so the payload fits a control frame.
func closePayload(code CloseCode, reason string) []byte {
	if code == 0 {
		return nil
	}
	if len(reason) > maxControlPayload-2 {
		reason = truncateUTF8(reason, maxControlPayload-2)
	}
	p := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(p, uint16(code))
	copy(p[2:], reason)
	return p
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

package websocket

import (
	"bufio"
	"crypto/sha1" // #nosec G505 - SHA-1 required by RFC 6455 Section 1.3
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Magic GUID from RFC 6455 Section 1.3.
// Used for computing Sec-WebSocket-Accept header.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Default buffer sizes for WebSocket connections.
const (
	defaultReadBufferSize  = 4096
	defaultWriteBufferSize = 4096
)

// RequestHeader is an immutable view of request headers keyed by lower-cased
// name. Repeated headers are joined with ", ".
type RequestHeader struct {
	values map[string]string
}

// NewRequestHeader copies h into a RequestHeader.
func NewRequestHeader(h http.Header) RequestHeader {
	values := make(map[string]string, len(h))
	for name, vv := range h {
		values[strings.ToLower(name)] = strings.Join(vv, ", ")
	}
	return RequestHeader{values: values}
}

// HeaderFromMap copies m into a RequestHeader, lower-casing the names.
func HeaderFromMap(m map[string]string) RequestHeader {
	values := make(map[string]string, len(m))
	for name, v := range m {
		values[strings.ToLower(name)] = v
	}
	return RequestHeader{values: values}
}

// Get returns the value of the named header; name is case-insensitive.
func (h RequestHeader) Get(name string) (string, bool) {
	v, ok := h.values[strings.ToLower(name)]
	return v, ok
}

// Outcome classifies a HandshakeResult.
type Outcome int

const (
	// NotWebSocket means the request should go to the ordinary HTTP pipeline.
	NotWebSocket Outcome = iota

	// Accepted means the upgrade succeeded and a 101 response must be sent.
	Accepted

	// Rejected means a 400 response must be sent and no upgrade happens.
	Rejected
)

// HandshakeResult is the outcome of Negotiate.
type HandshakeResult struct {
	Outcome Outcome

	// Status is 101 for Accepted and 400 for Rejected.
	Status int

	// Reason is the plain-text rejection reason.
	Reason string

	// Accept is the Sec-WebSocket-Accept value.
	Accept string

	// Subprotocol is the negotiated subprotocol, empty when none.
	Subprotocol string
}

// Header returns the response headers of an accepted handshake.
func (res HandshakeResult) Header() http.Header {
	if res.Outcome != Accepted {
		return nil
	}
	h := http.Header{}
	h.Set("Upgrade", "websocket")
	h.Set("Connection", "Upgrade")
	h.Set("Sec-WebSocket-Accept", res.Accept)
	if res.Subprotocol != "" {
		h.Set("Sec-WebSocket-Protocol", res.Subprotocol)
	}
	return h
}

// Err returns nil when accepted, ErrNotWebSocket for pass-through requests
// and a *HandshakeError for rejections.
func (res HandshakeResult) Err() error {
	switch res.Outcome {
	case Accepted:
		return nil
	case Rejected:
		return &HandshakeError{Status: res.Status, Reason: res.Reason}
	default:
		return ErrNotWebSocket
	}
}

// WriteResponse writes the raw HTTP/1.1 101 response of an accepted
// handshake. Used after the connection has been hijacked from net/http.
func (res HandshakeResult) WriteResponse(w io.Writer) error {
	if res.Outcome != Accepted {
		return res.Err()
	}
	var b strings.Builder
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Sec-WebSocket-Accept: " + res.Accept + "\r\n")
	if res.Subprotocol != "" {
		b.WriteString("Sec-WebSocket-Protocol: " + res.Subprotocol + "\r\n")
	}
	b.WriteString("\r\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// Negotiate validates an upgrade request (RFC 6455 Section 4.2.1) and
// computes the server's response (Section 4.2.2).
//
// Steps:
//  1. Upgrade must equal "websocket" and Connection must list "upgrade",
//     otherwise the request is not a WebSocket request
//  2. Sec-WebSocket-Key must be present (400 otherwise)
//  3. Sec-WebSocket-Version must be 13 (400 otherwise)
//  4. Compute Sec-WebSocket-Accept
//  5. Select the first client-offered subprotocol the server supports
//
// Negotiate has no side effects.
func Negotiate(h RequestHeader, supported []string) HandshakeResult {
	upgrade, _ := h.Get("upgrade")
	connection, _ := h.Get("connection")
	if !strings.EqualFold(strings.TrimSpace(upgrade), "websocket") ||
		!headerContainsToken(connection, "upgrade") {
		return HandshakeResult{Outcome: NotWebSocket}
	}

	key, ok := h.Get("sec-websocket-key")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return reject("missing sec-websocket-key")
	}

	version, _ := h.Get("sec-websocket-version")
	if strings.TrimSpace(version) != "13" {
		return reject("unsupported websocket version")
	}

	offered, _ := h.Get("sec-websocket-protocol")
	return HandshakeResult{
		Outcome:     Accepted,
		Status:      http.StatusSwitchingProtocols,
		Accept:      computeAcceptKey(key),
		Subprotocol: negotiateSubprotocol(offered, supported),
	}
}

func reject(reason string) HandshakeResult {
	return HandshakeResult{
		Outcome: Rejected,
		Status:  http.StatusBadRequest,
		Reason:  reason,
	}
}

// UpgradeOptions configures WebSocket upgrade behavior.
//
// All fields are optional. Zero values use sensible defaults.
type UpgradeOptions struct {
	// Subprotocols is the list of subprotocols supported by the server.
	// The first client-offered value present here is selected.
	Subprotocols []string

	// CheckOrigin verifies the Origin header.
	// nil = allow all origins. Return false to reject with 403.
	CheckOrigin func(*http.Request) bool

	// ReadBufferSize sets size of read buffer (default: 4096).
	ReadBufferSize int

	// WriteBufferSize sets size of write buffer (default: 4096).
	WriteBufferSize int

	// Conn configures the connection engine of upgraded connections.
	Conn ConnOptions
}

// Upgrade upgrades an HTTP connection to the WebSocket protocol.
//
// Requests that are not upgrade requests return ErrNotWebSocket without
// writing a response, so the caller can continue with ordinary HTTP
// handling. Rejected handshakes are answered with a plain-text error and
// return a *HandshakeError. On success the connection is hijacked, the 101
// response is flushed and a *Conn is returned; the caller must call Run.
//
// Example:
//
//	func handler(w http.ResponseWriter, r *http.Request) {
//	    conn, err := websocket.Upgrade(w, r, nil)
//	    if err != nil {
//	        return
//	    }
//	    _ = conn.Run(r.Context(), myHandler)
//	}
func Upgrade(w http.ResponseWriter, r *http.Request, opts *UpgradeOptions) (*Conn, error) {
	if opts == nil {
		opts = &UpgradeOptions{}
	}
	readSize := opts.ReadBufferSize
	if readSize <= 0 {
		readSize = defaultReadBufferSize
	}
	writeSize := opts.WriteBufferSize
	if writeSize <= 0 {
		writeSize = defaultWriteBufferSize
	}
	m := opts.Conn.Metrics

	res := Negotiate(NewRequestHeader(r.Header), opts.Subprotocols)
	switch res.Outcome {
	case NotWebSocket:
		return nil, ErrNotWebSocket
	case Rejected:
		m.Handshake("rejected")
		return nil, writeRejection(w, res.Status, res.Reason)
	}

	// RFC 6455 Section 4.1: the opening handshake is a GET request.
	if r.Method != http.MethodGet {
		m.Handshake("rejected")
		return nil, writeRejection(w, http.StatusMethodNotAllowed, "method must be GET")
	}
	if opts.CheckOrigin != nil && !opts.CheckOrigin(r) {
		m.Handshake("rejected")
		return nil, writeRejection(w, http.StatusForbidden, "origin not allowed")
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		m.Handshake("failed")
		return nil, ErrHijackFailed
	}
	netConn, brw, err := hijacker.Hijack()
	if err != nil {
		m.Handshake("failed")
		return nil, fmt.Errorf("%w: %w", ErrHijackFailed, err)
	}

	// net/http may have armed deadlines for the request; the WebSocket
	// connection manages its own.
	_ = netConn.SetDeadline(time.Time{})

	// Bytes the client sent right after the request are already buffered
	// in brw.Reader, so it must be kept whenever it holds data.
	reader := brw.Reader
	if reader.Buffered() == 0 && reader.Size() < readSize {
		reader = bufio.NewReaderSize(netConn, readSize)
	}
	writer := bufio.NewWriterSize(netConn, writeSize)

	if err := res.WriteResponse(writer); err == nil {
		err = writer.Flush()
	}
	if err != nil {
		_ = netConn.Close()
		m.Handshake("failed")
		return nil, &IOError{Op: "write", Err: err}
	}
	m.Handshake("accepted")

	conn := newConn(netConn, reader, writer, true, opts.Conn)
	conn.id = uuid.NewString()
	conn.subprotocol = res.Subprotocol
	conn.remoteAddr = r.RemoteAddr
	return conn, nil
}

// writeRejection answers a failed handshake with a short plain-text body.
func writeRejection(w http.ResponseWriter, status int, reason string) error {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if status == http.StatusBadRequest {
		w.Header().Set("Sec-WebSocket-Version", "13")
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, reason+"\n")
	return &HandshakeError{Status: status, Reason: reason}
}

// computeAcceptKey computes Sec-WebSocket-Accept from client key.
//
// RFC 6455 Section 1.3:
//
//	Sec-WebSocket-Accept = base64(SHA-1(key + GUID))
//
// Example:
//
//	computeAcceptKey("dGhlIHNhbXBsZSBub25jZQ==") // "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
func computeAcceptKey(key string) string {
	// #nosec G401 - SHA-1 required by RFC 6455 Section 1.3 (not for cryptographic security)
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// negotiateSubprotocol selects the first client-offered subprotocol that the
// server supports. Returns "" if nothing matches or nothing is configured.
func negotiateSubprotocol(offered string, supported []string) string {
	if len(supported) == 0 || offered == "" {
		return ""
	}
	for _, p := range strings.Split(offered, ",") {
		p = strings.TrimSpace(p)
		for _, s := range supported {
			if p == s {
				return p
			}
		}
	}
	return ""
}

// headerContainsToken checks if a comma-separated header value contains
// token, case-insensitively.
//
//	headerContainsToken("keep-alive, Upgrade", "upgrade") // true
//	headerContainsToken("keep-alive", "upgrade")          // false
func headerContainsToken(header, token string) bool {
	for _, h := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(h), token) {
			return true
		}
	}
	return false
}

// CheckSameOrigin reports whether the Origin header matches the request host.
// Requests without an Origin header (non-browser clients) are allowed.
//
//	opts := &websocket.UpgradeOptions{CheckOrigin: websocket.CheckSameOrigin}
func CheckSameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return strings.EqualFold(origin, scheme+"://"+r.Host)
}

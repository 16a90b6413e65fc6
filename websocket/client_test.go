package websocket

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// rawClient is a minimal client for driving a server connection frame by
// frame in tests.
type rawClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
	resp   *http.Response
}

// dialRaw connects to an httptest server and performs the opening handshake.
// It fails the test unless the server answers 101.
func dialRaw(t *testing.T, server *httptest.Server, header http.Header) *rawClient {
	t.Helper()

	c, resp := dialHandshake(t, server, header)
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("handshake failed: status %d", resp.StatusCode)
	}
	return c
}

// dialHandshake sends an upgrade request and returns the parsed response,
// whatever its status.
func dialHandshake(t *testing.T, server *httptest.Server, header http.Header) (*rawClient, *http.Response) {
	t.Helper()

	host := strings.TrimPrefix(server.URL, "http://")
	conn, err := net.Dial("tcp", host)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	key := make([]byte, 16)
	_, _ = rand.Read(key)

	var b strings.Builder
	b.WriteString("GET / HTTP/1.1\r\n")
	fmt.Fprintf(&b, "Host: %s\r\n", host)
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&b, "Sec-WebSocket-Key: %s\r\n", base64.StdEncoding.EncodeToString(key))
	b.WriteString("Sec-WebSocket-Version: 13\r\n")
	for name, values := range header {
		for _, v := range values {
			fmt.Fprintf(&b, "%s: %s\r\n", name, v)
		}
	}
	b.WriteString("\r\n")

	if _, err := conn.Write([]byte(b.String())); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, &http.Request{Method: http.MethodGet})
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		_ = resp.Body.Close()
	}
	return &rawClient{t: t, conn: conn, reader: reader, resp: resp}, resp
}

// send writes one masked frame.
func (c *rawClient) send(f *Frame) {
	c.t.Helper()
	f.Masked = true
	f.MaskingKey = [4]byte{0x0a, 0x0b, 0x0c, 0x0d}
	if err := WriteFrame(c.conn, f); err != nil {
		c.t.Fatalf("send frame: %v", err)
	}
}

// sendRaw writes bytes as-is.
func (c *rawClient) sendRaw(b []byte) {
	c.t.Helper()
	if _, err := c.conn.Write(b); err != nil {
		c.t.Fatalf("send raw: %v", err)
	}
}

// recv reads one frame from the server.
func (c *rawClient) recv() *Frame {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	f, err := ReadFrame(c.reader, 0)
	if err != nil {
		c.t.Fatalf("recv frame: %v", err)
	}
	return f
}

// expectEOF waits for the server to close the stream.
func (c *rawClient) expectEOF() {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	f, err := ReadFrame(c.reader, 0)
	if err == nil {
		c.t.Fatalf("expected end of stream, got %v frame", f.Opcode)
	}
	if !IsEOF(err) {
		c.t.Fatalf("expected end of stream, got %v", err)
	}
}

// asConn wraps the client side in a client-role *Conn.
func (c *rawClient) asConn(opts ConnOptions) *Conn {
	return newConn(c.conn, c.reader, bufio.NewWriter(c.conn), false, opts)
}

// newTestServer starts an httptest server that upgrades every request and
// runs h on the connection. Upgraded server connections are sent to conns
// when it is non-nil.
func newTestServer(t *testing.T, opts *UpgradeOptions, h Handler, conns chan<- *Conn) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r, opts)
		if err != nil {
			return
		}
		if conns != nil {
			conns <- conn
		}
		_ = conn.Run(r.Context(), h)
	}))
	t.Cleanup(server.Close)
	return server
}

// recorder is a Handler that records every callback.
type recorder struct {
	NoopHandler

	opened    chan *Conn
	messages  chan Message
	pings     chan []byte
	pongs     chan []byte
	closes    chan closeEvent
	errs      chan error
	onMessage func(c *Conn, msg Message)
}

type closeEvent struct {
	code   CloseCode
	reason string
	remote bool
}

func newRecorder() *recorder {
	return &recorder{
		opened:   make(chan *Conn, 4),
		messages: make(chan Message, 64),
		pings:    make(chan []byte, 16),
		pongs:    make(chan []byte, 16),
		closes:   make(chan closeEvent, 4),
		errs:     make(chan error, 4),
	}
}

func (r *recorder) OnOpen(c *Conn) { r.opened <- c }

func (r *recorder) OnMessage(c *Conn, msg Message) {
	if r.onMessage != nil {
		r.onMessage(c, msg)
	}
	r.messages <- msg
}

func (r *recorder) OnPing(_ *Conn, p []byte) { r.pings <- p }
func (r *recorder) OnPong(_ *Conn, p []byte) { r.pongs <- p }

func (r *recorder) OnClose(_ *Conn, code CloseCode, reason string, remote bool) {
	r.closes <- closeEvent{code: code, reason: reason, remote: remote}
}

func (r *recorder) OnException(_ *Conn, err error) { r.errs <- err }

// waitFor receives from ch or fails the test after a timeout.
func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

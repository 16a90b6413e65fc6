package websocket

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
)

type echoHandler struct{ NoopHandler }

func (echoHandler) OnMessage(c *Conn, msg Message) { _ = c.Send(msg) }

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// TestInterop_GorillaClient drives the server engine with an independent
// client implementation.
func TestInterop_GorillaClient(t *testing.T) {
	server := newTestServer(t, &UpgradeOptions{Subprotocols: []string{"echo"}}, echoHandler{}, nil)

	dialer := gorilla.Dialer{Subprotocols: []string{"echo"}, HandshakeTimeout: 5 * time.Second}
	ws, resp, err := dialer.Dial(wsURL(server), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer ws.Close()
	if resp.Header.Get("Sec-WebSocket-Protocol") != "echo" || ws.Subprotocol() != "echo" {
		t.Errorf("subprotocol = %q", ws.Subprotocol())
	}
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	tests := []struct {
		name string
		typ  int
		data []byte
	}{
		{"short text", gorilla.TextMessage, []byte("hello")},
		{"empty binary", gorilla.BinaryMessage, []byte{}},
		{"16-bit length", gorilla.BinaryMessage, bytes.Repeat([]byte{0x5a}, 1000)},
		{"64-bit length", gorilla.TextMessage, bytes.Repeat([]byte("x"), 100000)},
	}
	for _, tt := range tests {
		if err := ws.WriteMessage(tt.typ, tt.data); err != nil {
			t.Fatalf("%s: WriteMessage failed: %v", tt.name, err)
		}
		typ, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("%s: ReadMessage failed: %v", tt.name, err)
		}
		if typ != tt.typ || !bytes.Equal(data, tt.data) {
			t.Errorf("%s: echo mismatch (type %d, %d bytes)", tt.name, typ, len(data))
		}
	}

	// Message written in parts through NextWriter.
	w, err := ws.NextWriter(gorilla.TextMessage)
	if err != nil {
		t.Fatal(err)
	}
	for _, part := range []string{"AB", "CD", "EF"} {
		if _, err := w.Write([]byte(part)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if _, data, err := ws.ReadMessage(); err != nil || string(data) != "ABCDEF" {
		t.Errorf("fragmented echo = %q, %v", data, err)
	}

	// Ping is answered with an identical pong.
	pong := make(chan string, 1)
	ws.SetPongHandler(func(appData string) error {
		pong <- appData
		return nil
	})
	if err := ws.WriteControl(gorilla.PingMessage, []byte("ping-1"), time.Now().Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := ws.WriteMessage(gorilla.TextMessage, []byte("after ping")); err != nil {
		t.Fatal(err)
	}
	if _, data, err := ws.ReadMessage(); err != nil || string(data) != "after ping" {
		t.Fatalf("echo after ping = %q, %v", data, err)
	}
	if got := waitFor(t, pong, "pong"); got != "ping-1" {
		t.Errorf("pong payload = %q", got)
	}

	// Closing handshake: the echo carries the same code.
	msg := gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, "bye")
	if err := ws.WriteControl(gorilla.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	_, _, err = ws.ReadMessage()
	var ce *gorilla.CloseError
	if !errors.As(err, &ce) || ce.Code != gorilla.CloseNormalClosure {
		t.Errorf("expected close 1000, got %v", err)
	}
}

// TestInterop_GorillaProtocolError checks the close code a real client sees
// after sending invalid UTF-8.
func TestInterop_GorillaProtocolError(t *testing.T) {
	server := newTestServer(t, nil, echoHandler{}, nil)

	ws, _, err := gorilla.DefaultDialer.Dial(wsURL(server), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := ws.WriteMessage(gorilla.TextMessage, []byte{0xFF, 0xFE}); err != nil {
		t.Fatal(err)
	}
	_, _, err = ws.ReadMessage()
	var ce *gorilla.CloseError
	if !errors.As(err, &ce) || ce.Code != gorilla.CloseInvalidFramePayloadData {
		t.Errorf("expected close 1007, got %v", err)
	}
}

// TestInterop_GorillaServer drives a gorilla server with a client-role Conn.
func TestInterop_GorillaServer(t *testing.T) {
	upgrader := gorilla.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			typ, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(typ, data); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	client := dialRaw(t, server, nil)
	c := client.asConn(ConnOptions{CloseTimeout: 2 * time.Second})
	rec := newRecorder()

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(context.Background(), rec) }()
	waitFor(t, rec.opened, "OnOpen")

	if err := c.SendText("from client"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	if msg := waitFor(t, rec.messages, "echo"); msg.Text() != "from client" {
		t.Errorf("echo = %q", msg.Text())
	}

	if err := c.Close(CloseNormalClosure, "done"); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	ev := waitFor(t, rec.closes, "OnClose")
	if ev.code != CloseNormalClosure || ev.remote {
		t.Errorf("OnClose = %+v, want 1000 local", ev)
	}
	if err := waitFor(t, runErr, "Run to return"); err != nil {
		t.Errorf("Run returned %v", err)
	}
}

package websocket

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// TestComputeAcceptKey tests Sec-WebSocket-Accept computation.
// RFC 6455 Section 1.3 and Section 4.2.2.
func TestComputeAcceptKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"dGhlIHNhbXBsZSBub25jZQ==", "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="},
		{"x3JJHMbDL1EzLkh9GBhXDw==", "HSmrc0sMlYUkAGmm5OPpG2HaGWk="},
	}
	for _, tt := range tests {
		if got := computeAcceptKey(tt.key); got != tt.want {
			t.Errorf("computeAcceptKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestNegotiate_Accept(t *testing.T) {
	h := HeaderFromMap(map[string]string{
		"upgrade":                "websocket",
		"connection":             "Upgrade",
		"sec-websocket-key":      "x3JJHMbDL1EzLkh9GBhXDw==",
		"sec-websocket-version":  "13",
		"sec-websocket-protocol": "chat, superchat",
	})

	res := Negotiate(h, []string{"chat", "superchat"})
	if res.Outcome != Accepted {
		t.Fatalf("outcome = %v, want Accepted (reason %q)", res.Outcome, res.Reason)
	}
	if res.Status != http.StatusSwitchingProtocols {
		t.Errorf("status = %d", res.Status)
	}
	if res.Accept != "HSmrc0sMlYUkAGmm5OPpG2HaGWk=" {
		t.Errorf("accept = %q", res.Accept)
	}
	if res.Subprotocol != "chat" {
		t.Errorf("subprotocol = %q, want chat", res.Subprotocol)
	}

	hdr := res.Header()
	if hdr.Get("Sec-WebSocket-Accept") != res.Accept || hdr.Get("Sec-WebSocket-Protocol") != "chat" {
		t.Errorf("unexpected response headers %v", hdr)
	}
	if res.Err() != nil {
		t.Errorf("Err() = %v", res.Err())
	}
}

func TestNegotiate_Outcomes(t *testing.T) {
	base := func(mod func(m map[string]string)) RequestHeader {
		m := map[string]string{
			"Upgrade":               "WebSocket",
			"Connection":            "keep-alive, Upgrade",
			"Sec-WebSocket-Key":     "dGhlIHNhbXBsZSBub25jZQ==",
			"Sec-WebSocket-Version": "13",
		}
		mod(m)
		return HeaderFromMap(m)
	}

	tests := []struct {
		name       string
		header     RequestHeader
		want       Outcome
		wantReason string
	}{
		{"valid, mixed case", base(func(map[string]string) {}), Accepted, ""},
		{"no upgrade header", base(func(m map[string]string) { delete(m, "Upgrade") }), NotWebSocket, ""},
		{"other upgrade", base(func(m map[string]string) { m["Upgrade"] = "h2c" }), NotWebSocket, ""},
		{"no upgrade token", base(func(m map[string]string) { m["Connection"] = "keep-alive" }), NotWebSocket, ""},
		{"missing key", base(func(m map[string]string) { delete(m, "Sec-WebSocket-Key") }), Rejected, "missing sec-websocket-key"},
		{"empty key", base(func(m map[string]string) { m["Sec-WebSocket-Key"] = " " }), Rejected, "missing sec-websocket-key"},
		{"version 8", base(func(m map[string]string) { m["Sec-WebSocket-Version"] = "8" }), Rejected, "unsupported websocket version"},
		{"no version", base(func(m map[string]string) { delete(m, "Sec-WebSocket-Version") }), Rejected, "unsupported websocket version"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Negotiate(tt.header, nil)
			if res.Outcome != tt.want {
				t.Fatalf("outcome = %v, want %v", res.Outcome, tt.want)
			}
			if res.Reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", res.Reason, tt.wantReason)
			}
			if tt.want == Rejected {
				if res.Status != http.StatusBadRequest {
					t.Errorf("status = %d, want 400", res.Status)
				}
				var he *HandshakeError
				if !errors.As(res.Err(), &he) {
					t.Errorf("Err() = %v, want *HandshakeError", res.Err())
				}
			}
			if tt.want == NotWebSocket && !errors.Is(res.Err(), ErrNotWebSocket) {
				t.Errorf("Err() = %v, want ErrNotWebSocket", res.Err())
			}
		})
	}
}

func TestNegotiateSubprotocol(t *testing.T) {
	tests := []struct {
		offered   string
		supported []string
		want      string
	}{
		{"chat, superchat", []string{"superchat", "chat"}, "chat"},
		{"superchat", []string{"chat"}, ""},
		{"chat", nil, ""},
		{"", []string{"chat"}, ""},
		{" v2 ,v1", []string{"v1", "v2"}, "v2"},
	}
	for _, tt := range tests {
		if got := negotiateSubprotocol(tt.offered, tt.supported); got != tt.want {
			t.Errorf("negotiateSubprotocol(%q, %v) = %q, want %q", tt.offered, tt.supported, got, tt.want)
		}
	}
}

func TestHandshakeResult_WriteResponse(t *testing.T) {
	res := HandshakeResult{Outcome: Accepted, Status: 101, Accept: "abc=", Subprotocol: "chat"}

	var buf bytes.Buffer
	if err := res.WriteResponse(&buf); err != nil {
		t.Fatalf("WriteResponse failed: %v", err)
	}
	want := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: abc=\r\n" +
		"Sec-WebSocket-Protocol: chat\r\n" +
		"\r\n"
	if buf.String() != want {
		t.Errorf("got %q", buf.String())
	}

	rejected := HandshakeResult{Outcome: Rejected, Status: 400, Reason: "nope"}
	if err := rejected.WriteResponse(io.Discard); err == nil {
		t.Error("expected error for rejected handshake")
	}
}

func TestUpgrade_Success(t *testing.T) {
	conns := make(chan *Conn, 1)
	server := newTestServer(t, &UpgradeOptions{Subprotocols: []string{"chat"}}, NoopHandler{}, conns)

	client := dialRaw(t, server, http.Header{"Sec-WebSocket-Protocol": {"superchat, chat"}})

	if got := client.resp.Header.Get("Sec-WebSocket-Protocol"); got != "chat" {
		t.Errorf("subprotocol header = %q", got)
	}
	conn := waitFor(t, conns, "upgraded connection")
	if conn.ID() == "" {
		t.Error("connection has no ID")
	}
	if conn.Subprotocol() != "chat" {
		t.Errorf("Subprotocol() = %q", conn.Subprotocol())
	}
	if conn.State() != StateOpen {
		t.Errorf("State() = %v", conn.State())
	}
}

func TestUpgrade_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		header     map[string]string
		opts       *UpgradeOptions
		wantStatus int
		wantErr    error
	}{
		{
			name:    "plain HTTP request",
			method:  http.MethodGet,
			header:  map[string]string{},
			wantErr: ErrNotWebSocket,
		},
		{
			name:   "bad version",
			method: http.MethodGet,
			header: map[string]string{
				"Upgrade": "websocket", "Connection": "Upgrade",
				"Sec-WebSocket-Key": "dGhlIHNhbXBsZSBub25jZQ==", "Sec-WebSocket-Version": "12",
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:   "POST",
			method: http.MethodPost,
			header: map[string]string{
				"Upgrade": "websocket", "Connection": "Upgrade",
				"Sec-WebSocket-Key": "dGhlIHNhbXBsZSBub25jZQ==", "Sec-WebSocket-Version": "13",
			},
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:   "cross origin",
			method: http.MethodGet,
			header: map[string]string{
				"Upgrade": "websocket", "Connection": "Upgrade",
				"Sec-WebSocket-Key": "dGhlIHNhbXBsZSBub25jZQ==", "Sec-WebSocket-Version": "13",
				"Origin": "http://evil.example",
			},
			opts:       &UpgradeOptions{CheckOrigin: CheckSameOrigin},
			wantStatus: http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, "http://example.com/ws", nil)
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			w := httptest.NewRecorder()

			conn, err := Upgrade(w, r, tt.opts)
			if conn != nil {
				t.Fatal("expected no connection")
			}
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				if w.Body.Len() != 0 {
					t.Error("pass-through request must not get a response body")
				}
				return
			}

			var he *HandshakeError
			if !errors.As(err, &he) {
				t.Fatalf("expected *HandshakeError, got %v", err)
			}
			if w.Code != tt.wantStatus || he.Status != tt.wantStatus {
				t.Errorf("status = %d (err %d), want %d", w.Code, he.Status, tt.wantStatus)
			}
			if !strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain") {
				t.Errorf("content type = %q", w.Header().Get("Content-Type"))
			}
			if !strings.Contains(w.Body.String(), he.Reason) {
				t.Errorf("body %q does not carry reason %q", w.Body.String(), he.Reason)
			}
		})
	}
}

// TestUpgrade_NoHijacker checks the 500 path for writers that cannot hijack.
func TestUpgrade_NoHijacker(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example.com/ws", nil)
	r.Header.Set("Upgrade", "websocket")
	r.Header.Set("Connection", "Upgrade")
	r.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	r.Header.Set("Sec-WebSocket-Version", "13")
	w := httptest.NewRecorder() // does not implement http.Hijacker

	_, err := Upgrade(w, r, nil)
	if !errors.Is(err, ErrHijackFailed) {
		t.Fatalf("expected ErrHijackFailed, got %v", err)
	}
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestCheckSameOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://example.com", true},
		{"HTTP://EXAMPLE.COM", true},
		{"http://other.com", false},
		{"https://example.com", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "http://example.com/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := CheckSameOrigin(r); got != tt.want {
			t.Errorf("CheckSameOrigin(origin=%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

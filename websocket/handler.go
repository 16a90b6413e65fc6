package websocket

// Handler receives connection events from Conn.Run.
//
// Callbacks run on the connection's receive goroutine, except that OnClose
// may run on the goroutine that called Close when the peer never answers
// the closing handshake. Exactly one of OnClose or OnException is called per
// connection, exactly once.
//
// OnClose reports CloseNoStatusReceived when the peer's close frame carried
// no code and CloseAbnormalClosure when the stream ended without one.
type Handler interface {
	// OnOpen is called once before the first frame is read.
	OnOpen(c *Conn)

	// OnMessage is called for every complete text or binary message.
	OnMessage(c *Conn, msg Message)

	// OnPing is called after the automatic pong has been sent.
	OnPing(c *Conn, payload []byte)

	// OnPong is called for every pong, solicited or not.
	OnPong(c *Conn, payload []byte)

	// OnClose is called when the connection closed without error.
	// remote is true when the peer started the closing handshake or
	// dropped the stream.
	OnClose(c *Conn, code CloseCode, reason string, remote bool)

	// OnException is called when the connection ended on a protocol
	// violation (*ProtocolError) or a transport failure (*IOError).
	OnException(c *Conn, err error)
}

// NoopHandler implements Handler with empty callbacks.
// Embed it to implement only the callbacks you need.
type NoopHandler struct{}

var _ Handler = NoopHandler{}

func (NoopHandler) OnOpen(*Conn) {}
func (NoopHandler) OnMessage(*Conn, Message) {}
func (NoopHandler) OnPing(*Conn, []byte) {}
func (NoopHandler) OnPong(*Conn, []byte) {}
func (NoopHandler) OnClose(*Conn, CloseCode, string, bool) {}
func (NoopHandler) OnException(*Conn, error) {}

package websocket

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/coregx/nanows/metrics"
)

// DefaultCloseTimeout bounds how long Close waits for the peer's close frame.
const DefaultCloseTimeout = 5 * time.Second

// ErrCloseTimeout is returned by Close when the peer did not answer the
// closing handshake in time. The connection is closed regardless.
var ErrCloseTimeout = errors.New("websocket: close handshake timed out")

// State is the connection lifecycle state (RFC 6455 Section 7).
type State int32

const (
	// StateOpen is the initial state after a successful handshake.
	StateOpen State = iota

	// StateClosingLocal means we sent a close frame and await the echo.
	StateClosingLocal

	// StateClosingRemote means the peer sent a close frame first.
	StateClosingRemote

	// StateClosed is terminal: the stream is closed.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosingLocal:
		return "closing(local)"
	case StateClosingRemote:
		return "closing(remote)"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnOptions configures the connection engine. Zero values use defaults.
type ConnOptions struct {
	// MaxFrameSize bounds a single frame's payload (default DefaultMaxFrameSize).
	MaxFrameSize int64

	// MaxMessageSize bounds an assembled message (default: MaxFrameSize).
	MaxMessageSize int64

	// CloseTimeout bounds the wait for the peer's close frame
	// (default DefaultCloseTimeout).
	CloseTimeout time.Duration

	// PingInterval enables keepalive pings when > 0.
	PingInterval time.Duration

	// WriteTimeout is applied as a write deadline to every frame when > 0.
	WriteTimeout time.Duration

	// Logger receives connection events (default slog.Default()).
	Logger *slog.Logger

	// Metrics records connection traffic; nil disables instrumentation.
	Metrics *metrics.Metrics
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = DefaultMaxFrameSize
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = o.MaxFrameSize
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = DefaultCloseTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Conn is one live WebSocket connection (RFC 6455).
//
// Conn owns the underlying stream. Run drives the receive loop on the
// caller's goroutine; Send, Ping, Pong and Close may be called from any
// goroutine. Every frame is encoded and flushed under a single write mutex,
// so concurrent writers never interleave bytes on the wire.
type Conn struct {
	conn   net.Conn      // Underlying stream; nil only in tests
	reader *bufio.Reader // Buffered reader for frame parsing
	writer *bufio.Writer // Buffered writer for frame writing

	isServer bool // Server-side connection (affects masking rules)
	opts     ConnOptions
	logger   *slog.Logger
	metrics  *metrics.Metrics

	id          string
	subprotocol string
	remoteAddr  string
	openedAt    time.Time

	// Write synchronization. closeSent is guarded by writeMu.
	writeMu   sync.Mutex
	closeSent bool

	// Lifecycle. state, handler and closeTimer are guarded by mu.
	mu          sync.Mutex
	state       State
	handler     Handler
	closeTimer  *time.Timer
	running     atomic.Bool
	dispatching atomic.Bool // a Handler callback runs on the receive loop
	aborted     atomic.Bool // stream closed by context cancellation
	timedOut    atomic.Bool // closing handshake was cut short
	done        chan struct{}
	finishOnce  sync.Once

	// Fragment reassembly; touched only by the receive loop.
	asm *Assembler
}

// newConn creates a connection over an upgraded stream.
func newConn(netConn net.Conn, reader *bufio.Reader, writer *bufio.Writer, isServer bool, opts ConnOptions) *Conn {
	opts = opts.withDefaults()
	c := &Conn{
		conn:     netConn,
		reader:   reader,
		writer:   writer,
		isServer: isServer,
		opts:     opts,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		openedAt: time.Now(),
		done:     make(chan struct{}),
		asm:      NewAssembler(opts.MaxMessageSize),
	}
	c.metrics.ConnOpened()
	return c
}

// ID returns the connection identifier assigned at upgrade time.
func (c *Conn) ID() string { return c.id }

// Subprotocol returns the negotiated subprotocol, "" when none.
func (c *Conn) Subprotocol() string { return c.subprotocol }

// RemoteAddr returns the peer address reported by the HTTP layer.
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// Done is closed when the connection reaches StateClosed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run is the receive loop. It reads frames until the connection closes,
// dispatching messages and control frames to h. Run returns nil after a
// completed closing handshake, otherwise the *ProtocolError or *IOError
// that ended the connection.
//
// Cancelling ctx closes the stream, which unblocks the pending read.
func (c *Conn) Run(ctx context.Context, h Handler) error {
	if h == nil {
		h = NoopHandler{}
	}
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("websocket: Run called twice")
	}

	c.mu.Lock()
	c.handler = h
	closed := c.state == StateClosed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	c.logger.Debug("websocket connection opened",
		slog.String("id", c.id),
		slog.String("remote", c.remoteAddr),
		slog.String("subprotocol", c.subprotocol))
	c.dispatch(func() { h.OnOpen(c) })

	stop := context.AfterFunc(ctx, func() {
		c.aborted.Store(true)
		c.closeStream()
	})
	defer stop()

	if c.opts.PingInterval > 0 {
		go c.keepalive(c.opts.PingInterval)
	}

	for {
		f, err := ReadFrame(c.reader, c.opts.MaxFrameSize)
		if err != nil {
			return c.readFailed(err)
		}
		c.metrics.Frame(metrics.In, f.Opcode.String(), len(f.Payload))

		// RFC 6455 Section 5.1: a server MUST close on unmasked client frames.
		if c.isServer && !f.Masked {
			return c.protocolFailure(protocolErr(ErrMaskRequired))
		}

		res, err := c.asm.Accept(f)
		if err != nil {
			var pe *ProtocolError
			errors.As(err, &pe)
			return c.protocolFailure(pe)
		}

		switch res.Kind {
		case ResultMessage:
			c.metrics.Message(metrics.In, res.Message.Type.String())
			c.dispatch(func() { h.OnMessage(c, res.Message) })
		case ResultControl:
			if done, err := c.handleControl(h, res.Frame); done {
				return err
			}
		}
	}
}

// dispatch runs a Handler callback on the receive loop. While fn runs the
// loop cannot read the peer's close frame, so Close does not wait for it.
func (c *Conn) dispatch(fn func()) {
	c.dispatching.Store(true)
	defer c.dispatching.Store(false)
	fn()
}

// handleControl acts on a ping, pong or close frame. It reports whether the
// receive loop must stop.
func (c *Conn) handleControl(h Handler, f *Frame) (bool, error) {
	switch f.Opcode {
	case OpPing:
		err := c.writeControl(OpPong, f.Payload)
		var ioErr *IOError
		if errors.As(err, &ioErr) {
			c.finish(terminal{err: err})
			return true, err
		}
		c.dispatch(func() { h.OnPing(c, f.Payload) })

	case OpPong:
		c.dispatch(func() { h.OnPong(c, f.Payload) })

	case OpClose:
		cf := f.Close
		if cf.HasCode && !cf.Code.validOnWire() {
			return true, c.protocolFailure(protocolErr(fmt.Errorf("%w: %d", ErrInvalidCloseCode, cf.Code)))
		}

		c.mu.Lock()
		prev := c.state
		if prev == StateOpen {
			c.state = StateClosingRemote
			c.armCloseTimerLocked()
		}
		c.mu.Unlock()

		if prev == StateOpen {
			// Echo the peer's code with an empty reason (Section 5.5.1).
			var payload []byte
			if cf.HasCode {
				payload = closePayload(cf.Code, "")
			}
			if err := c.writeControl(OpClose, payload); err != nil {
				c.logger.Debug("close echo failed",
					slog.String("id", c.id),
					slog.String("error", err.Error()))
			}
		}

		c.logger.Debug("websocket close frame received",
			slog.String("id", c.id),
			slog.Int("code", int(cf.Code)),
			slog.String("reason", cf.Reason),
			slog.String("state", prev.String()))
		c.finish(terminal{code: cf.Code, reason: cf.Reason, remote: prev != StateClosingLocal})
		return true, nil
	}
	return false, nil
}

// readFailed ends the connection after ReadFrame failed.
func (c *Conn) readFailed(err error) error {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return c.protocolFailure(pe)
	}

	if IsEOF(err) {
		// The peer vanished (or the stream was closed under us) without
		// completing the closing handshake.
		remote := c.State() != StateClosingLocal && !c.aborted.Load()
		c.finish(terminal{code: CloseAbnormalClosure, remote: remote, status: "io_error"})
		return err
	}

	c.finish(terminal{err: err})
	return err
}

// protocolFailure sends a best-effort close frame carrying the violation's
// code and ends the connection.
func (c *Conn) protocolFailure(pe *ProtocolError) error {
	c.logger.Warn("websocket protocol violation",
		slog.String("id", c.id),
		slog.String("remote", c.remoteAddr),
		slog.Int("code", int(pe.Code)),
		slog.String("error", pe.Err.Error()))
	c.metrics.ProtocolError(int(pe.Code))

	c.mu.Lock()
	if c.state == StateOpen {
		c.state = StateClosingLocal
	}
	c.armCloseTimerLocked()
	c.mu.Unlock()

	_ = c.writeControl(OpClose, closePayload(pe.Code, pe.Err.Error()))
	c.finish(terminal{err: pe})
	return pe
}

// Send writes msg as a single unfragmented frame.
//
// Text messages must be valid UTF-8. Send fails with ErrClosed once the
// connection is closed and with ErrCloseSent once a close frame was sent.
func (c *Conn) Send(msg Message) error {
	op, ok := msg.Type.opcode()
	if !ok {
		return ErrInvalidMessageType
	}
	if msg.Type == TextMessage && !utf8.Valid(msg.Data) {
		return fmt.Errorf("websocket: %w", ErrInvalidUTF8)
	}
	if err := c.writeFrame(&Frame{Fin: true, Opcode: op, Payload: msg.Data}); err != nil {
		return err
	}
	c.metrics.Message(metrics.Out, msg.Type.String())
	return nil
}

// SendText writes a text message.
func (c *Conn) SendText(text string) error {
	return c.Send(NewTextMessage(text))
}

// SendBinary writes a binary message.
func (c *Conn) SendBinary(data []byte) error {
	return c.Send(NewBinaryMessage(data))
}

// SendJSON marshals v and writes it as a text message.
func (c *Conn) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Send(Message{Type: TextMessage, Data: data})
}

// Ping sends a ping frame. Payload is limited to 125 bytes.
func (c *Conn) Ping(payload []byte) error {
	return c.writeControl(OpPing, payload)
}

// Pong sends an unsolicited pong frame. Pings from the peer are answered
// automatically by Run.
func (c *Conn) Pong(payload []byte) error {
	return c.writeControl(OpPong, payload)
}

func (c *Conn) writeControl(op Opcode, payload []byte) error {
	if len(payload) > maxControlPayload {
		return fmt.Errorf("websocket: %w", ErrControlTooLarge)
	}
	return c.writeFrame(&Frame{Fin: true, Opcode: op, Payload: payload})
}

// writeFrame encodes and flushes one frame under the write mutex.
func (c *Conn) writeFrame(f *Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.State() == StateClosed {
		return ErrClosed
	}
	// RFC 6455 Section 5.5.1: nothing follows our close frame.
	if c.closeSent {
		return ErrCloseSent
	}

	if !c.isServer {
		// RFC 6455 Section 5.3: client frames carry a fresh random key.
		f.Masked = true
		if _, err := rand.Read(f.MaskingKey[:]); err != nil {
			return err
		}
	}

	if c.conn != nil && c.opts.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}

	if f.Opcode == OpClose {
		c.closeSent = true
	}

	err := WriteFrame(c.writer, f)
	if err == nil {
		if ferr := c.writer.Flush(); ferr != nil {
			err = &IOError{Op: "write", Err: ferr}
		}
	}
	if err != nil {
		return err
	}
	c.metrics.Frame(metrics.Out, f.Opcode.String(), len(f.Payload))
	return nil
}

// Close starts the closing handshake with code and reason and waits for the
// peer's close frame before closing the stream.
//
// The whole handshake, including writing our close frame, is bounded by
// CloseTimeout; on expiry the stream is closed, OnClose reports
// CloseAbnormalClosure and Close returns ErrCloseTimeout.
//
// While a Handler callback is running (typically Close called from
// OnMessage), Close sends the close frame and returns without waiting; the
// receive loop completes the handshake once the callback returns.
//
// Code 0 sends a close frame without a status code. Close is idempotent:
// calls on a closing connection wait for it to finish, calls on a closed
// connection return nil.
func (c *Conn) Close(code CloseCode, reason string) error {
	if code != 0 && !code.validOnWire() {
		return fmt.Errorf("websocket: %w: %d", ErrInvalidCloseCode, code)
	}
	if !utf8.ValidString(reason) {
		return fmt.Errorf("websocket: %w", ErrInvalidUTF8)
	}

	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return nil
	case StateClosingLocal, StateClosingRemote:
		c.mu.Unlock()
		return c.awaitClosed()
	}
	c.state = StateClosingLocal
	// Armed before the write: a peer that stops reading can block it.
	c.armCloseTimerLocked()
	c.mu.Unlock()

	err := c.writeControl(OpClose, closePayload(code, reason))
	switch {
	case errors.Is(err, ErrCloseSent), errors.Is(err, ErrClosed):
		// The receive loop got there first.
		return c.awaitClosed()
	case err != nil:
		c.finish(terminal{err: err})
		if c.timedOut.Load() {
			return ErrCloseTimeout
		}
		return err
	}

	if !c.running.Load() {
		// Nobody reads the echo.
		c.finish(terminal{code: code, reason: reason})
		return nil
	}
	return c.awaitClosed()
}

// armCloseTimerLocked starts the close-handshake timer once. c.mu must be
// held.
func (c *Conn) armCloseTimerLocked() {
	if c.closeTimer != nil || c.state == StateClosed {
		return
	}
	c.closeTimer = time.AfterFunc(c.opts.CloseTimeout, func() {
		c.logger.Debug("websocket close handshake timed out",
			slog.String("id", c.id),
			slog.Duration("timeout", c.opts.CloseTimeout))
		c.finish(terminal{code: CloseAbnormalClosure, reason: "close handshake timed out", status: "timeout"})
	})
}

// awaitClosed waits for StateClosed. The close timer bounds the wait.
func (c *Conn) awaitClosed() error {
	if c.dispatching.Load() {
		return nil
	}
	<-c.done
	if c.timedOut.Load() {
		return ErrCloseTimeout
	}
	return nil
}

// keepalive sends a ping every interval until the connection closes.
func (c *Conn) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.Ping(nil); err != nil {
				return
			}
		}
	}
}

// closeStream closes the underlying stream, unblocking a pending read.
func (c *Conn) closeStream() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// terminal describes how a connection ended.
type terminal struct {
	err    error // set for OnException
	code   CloseCode
	reason string
	remote bool
	status string // metrics label; derived when empty
}

// finish moves the connection to StateClosed, releases the stream and fires
// the terminal callback. Only the first call has any effect.
func (c *Conn) finish(t terminal) {
	first := false
	var h Handler
	c.finishOnce.Do(func() {
		first = true
		if t.status == "timeout" {
			c.timedOut.Store(true)
		}
		c.mu.Lock()
		c.state = StateClosed
		h = c.handler
		if c.closeTimer != nil {
			c.closeTimer.Stop()
		}
		c.mu.Unlock()

		c.closeStream()
		close(c.done)

		status := t.status
		switch {
		case status != "":
		case t.err != nil:
			var pe *ProtocolError
			if errors.As(t.err, &pe) {
				status = "protocol_error"
			} else {
				status = "io_error"
			}
		default:
			status = "closed"
		}
		c.metrics.ConnClosed(status, time.Since(c.openedAt))
	})
	if !first || h == nil {
		return
	}

	if t.err != nil {
		c.logger.Debug("websocket connection failed",
			slog.String("id", c.id),
			slog.String("error", t.err.Error()))
		h.OnException(c, t.err)
		return
	}
	c.logger.Debug("websocket connection closed",
		slog.String("id", c.id),
		slog.Int("code", int(t.code)),
		slog.Bool("remote", t.remote))
	h.OnClose(c, t.code, t.reason, t.remote)
}

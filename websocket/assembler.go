package websocket

import (
	"bytes"
	"unicode/utf8"
)

// ResultKind classifies the outcome of Assembler.Accept.
type ResultKind int

const (
	// ResultIncomplete means a fragment was buffered and more are expected.
	ResultIncomplete ResultKind = iota

	// ResultMessage means a complete message is available.
	ResultMessage

	// ResultControl means the frame is a control frame for the caller to act on.
	ResultControl
)

// Result is what Assembler.Accept produced for one frame.
type Result struct {
	Kind    ResultKind
	Message Message // set for ResultMessage
	Frame   *Frame  // set for ResultControl
}

// Assembler reduces a connection's frame sequence to complete messages
// (RFC 6455 Section 5.4).
//
// A fragmented message is a Text or Binary frame with FIN=0, followed by
// Continuation frames, the last of which has FIN=1. Control frames may be
// interleaved and are passed through without touching the pending message.
//
// An Assembler belongs to a single receive loop and is not safe for
// concurrent use.
type Assembler struct {
	maxMessage int64

	pending bool
	opcode  Opcode
	buf     bytes.Buffer
}

// NewAssembler returns an Assembler that rejects messages larger than
// maxMessage bytes. maxMessage <= 0 disables the limit.
func NewAssembler(maxMessage int64) *Assembler {
	return &Assembler{maxMessage: maxMessage}
}

// Accept feeds one frame to the assembler.
//
// Errors are *ProtocolError values; after an error the assembler is reset.
func (a *Assembler) Accept(f *Frame) (Result, error) {
	if f.Opcode.IsControl() {
		return Result{Kind: ResultControl, Frame: f}, nil
	}

	if !a.pending {
		if f.Opcode == OpContinuation {
			return Result{}, protocolErr(ErrUnexpectedContinuation)
		}
		a.pending = true
		a.opcode = f.Opcode
		a.buf.Reset()
	} else if f.Opcode != OpContinuation {
		a.reset()
		return Result{}, protocolErr(ErrExpectedContinuation)
	}

	if a.maxMessage > 0 && int64(a.buf.Len())+int64(len(f.Payload)) > a.maxMessage {
		a.reset()
		return Result{}, protocolErr(ErrMessageTooLarge)
	}
	a.buf.Write(f.Payload)

	if !f.Fin {
		return Result{Kind: ResultIncomplete}, nil
	}

	// Copy out; buf is reused for the next message.
	data := make([]byte, a.buf.Len())
	copy(data, a.buf.Bytes())
	op := a.opcode
	a.reset()

	if op == OpText && !utf8.Valid(data) {
		return Result{}, protocolErr(ErrInvalidUTF8)
	}

	mt := BinaryMessage
	if op == OpText {
		mt = TextMessage
	}
	return Result{Kind: ResultMessage, Message: Message{Type: mt, Data: data}}, nil
}

// Pending reports whether a fragmented message is being assembled.
func (a *Assembler) Pending() bool {
	return a.pending
}

func (a *Assembler) reset() {
	a.pending = false
	a.opcode = 0
	a.buf.Reset()
}

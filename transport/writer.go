// Package transport holds the two pieces of shared state a connection writes
// through: the single Writer that owns the outbound half of the stream, and
// the Correlator that matches replies to outstanding calls.
//
//	goroutine-1 ──Call(id=-1)──┐
//	goroutine-2 ──Call(id=-2)──┼──→ Writer (one frame at a time) ──→ peer
//	handler     ──reply(id=7)──┘
//
//	read loop: ←── reply(id=-2) → Correlator.Resolve → goroutine-2 wakes up
package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"duplex-rpc/message"
	"duplex-rpc/protocol"
)

// ErrClosed is returned for any send or call attempted after the connection
// stopped, and is the error every cancelled pending call resolves with.
var ErrClosed = errors.New("transport: connection closed")

// Writer serializes frames onto the outbound stream.
//
// The mutex is held from the first header byte to the last body byte, so two
// concurrent Sends never interleave on the wire.
type Writer struct {
	mu     sync.Mutex
	w      io.Writer
	closed atomic.Bool
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Send writes one header-framed unit. After a write error the Writer treats the
// stream as broken and refuses further frames.
func (w *Writer) Send(body []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed.Load() {
		return ErrClosed
	}
	if err := protocol.Encode(w.w, body); err != nil {
		w.closed.Store(true)
		return fmt.Errorf("transport: write frame: %w", err)
	}
	return nil
}

// SendMessage encodes msg and sends it.
func (w *Writer) SendMessage(msg *message.Message) error {
	body, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("transport: encode frame: %w", err)
	}
	return w.Send(body)
}

// Close marks the write end closed. It does not wait for a Send in progress;
// closing the underlying stream is what unblocks that one.
func (w *Writer) Close() {
	w.closed.Store(true)
}

// Closed reports whether the write end is unusable.
func (w *Writer) Closed() bool {
	return w.closed.Load()
}

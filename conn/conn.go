// Package conn binds the frame reader, the dispatch table, the correlator and
// the writer to one duplex byte stream.
//
//	             ┌── call frame ──→ go handle() ──→ reply ──┐
//	read loop ───┤                                          ├──→ Writer ──→ peer
//	             └── reply frame ─→ Correlator.Resolve      │
//	Call/Notify ────────────────────────────────────────────┘
//
// A Conn starts its read loop in New and runs until Stop is called, the peer
// closes the stream, or the stream breaks. Stopping fails every pending call
// with ErrClosed and closes the stream.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"duplex-rpc/dispatch"
	"duplex-rpc/message"
	"duplex-rpc/middleware"
	"duplex-rpc/protocol"
	"duplex-rpc/transport"

	"github.com/rs/zerolog"
)

// ErrClosed is returned by Call and Notify once the connection stopped, and is
// the error every call still pending at that point fails with.
var ErrClosed = transport.ErrClosed

type State int32

const (
	StateStarting State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Conn struct {
	rwc     io.ReadWriteCloser
	reader  *protocol.Reader
	writer  *transport.Writer
	pending *transport.Correlator
	handle  middleware.HandlerFunc
	log     zerolog.Logger

	ctx    context.Context // handed to inbound handlers, cancelled on stop
	cancel context.CancelFunc

	state    atomic.Int32
	stopOnce sync.Once
	err      error         // why the connection stopped; read only after done is closed
	done     chan struct{} // closed when shutdown has finished
	loopDone chan struct{} // closed when the read loop has returned
	handlers sync.WaitGroup
}

// New binds a connection to rwc and starts reading. Inbound calls are served
// from table; a nil table answers every request with MethodNotFound.
func New(rwc io.ReadWriteCloser, table *dispatch.Table, opts Options) *Conn {
	if table == nil {
		table = dispatch.NewTable()
	}
	if opts.Limits.MaxFrame <= 0 {
		opts.Limits = protocol.DefaultLimits()
	}

	c := &Conn{
		rwc:     rwc,
		reader:  protocol.NewReader(rwc),
		writer:  transport.NewWriter(rwc),
		pending: transport.NewCorrelator(opts.IDs),
		handle:  opts.chain(table.Handler()),
		log:     opts.Logger,

		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	c.reader.SetLimits(opts.Limits)
	c.ctx, c.cancel = context.WithCancel(context.WithValue(context.Background(), connKey{}, c))

	// Running before the loop starts, so a frame already buffered on the
	// stream is answered rather than dropped.
	c.state.Store(int32(StateRunning))
	go c.readLoop()
	return c
}

type connKey struct{}

// FromContext returns the connection an inbound handler is serving, so the
// handler can call back to the peer.
func FromContext(ctx context.Context) (*Conn, bool) {
	c, ok := ctx.Value(connKey{}).(*Conn)
	return c, ok
}

func (c *Conn) State() State {
	return State(c.state.Load())
}

// Alive reports whether the connection is running and its stream is still
// writable.
func (c *Conn) Alive() bool {
	return c.State() == StateRunning && c.ctx.Err() == nil && !c.writer.Closed()
}

// Done is closed once the connection has stopped: the stream is closed and
// every pending call has failed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection stopped: nil for Stop or a clean end of
// stream, otherwise the framing or I/O error. It returns nil while running.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Stop shuts the connection down. It is safe to call more than once and from
// several goroutines; every call returns the same value as Err. Handlers still
// running are not interrupted, but their context is cancelled and their
// replies are dropped.
//
// Stop does not wait for the read loop. A Read on a file that cannot be
// interrupted by Close, such as an inherited blocking stdin, only returns when
// the peer writes or closes; the loop then discards whatever it read and
// exits. Use ReadLoopDone to wait for that.
func (c *Conn) Stop() error {
	c.shutdown(nil)
	<-c.done
	return c.err
}

// ReadLoopDone is closed once the read loop has returned.
func (c *Conn) ReadLoopDone() <-chan struct{} {
	return c.loopDone
}

// WaitHandlers blocks until every inbound handler has returned or ctx ends.
func (c *Conn) WaitHandlers(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		c.handlers.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) shutdown(cause error) {
	c.stopOnce.Do(func() {
		c.state.Store(int32(StateStopping))
		c.err = cause
		c.cancel()
		c.writer.Close()
		if err := c.rwc.Close(); err != nil {
			c.log.Debug().Err(err).Msg("close stream")
		}
		if n := c.pending.CloseAll(ErrClosed); n > 0 {
			c.log.Debug().Int("calls", n).Msg("cancelled pending calls")
		}
		c.state.Store(int32(StateStopped))
		close(c.done)
	})
}

func (c *Conn) readLoop() {
	var cause error
	defer func() {
		c.shutdown(cause)
		close(c.loopDone)
	}()

	for {
		frame, err := c.reader.ReadFrame()
		if err != nil {
			cause = c.readError(err)
			return
		}
		if c.ctx.Err() != nil {
			return
		}
		c.onFrame(frame)
	}
}

// readError decides what a read failure means for the connection. Errors
// caused by our own Stop closing the stream are not reported.
func (c *Conn) readError(err error) error {
	switch {
	case c.ctx.Err() != nil:
		return nil
	case errors.Is(err, io.EOF):
		c.log.Debug().Msg("peer closed stream")
		return nil
	case errors.Is(err, protocol.ErrFraming):
		c.log.Error().Err(err).Msg("framing error, closing connection")
		return err
	default:
		c.log.Error().Err(err).Msg("read failed, closing connection")
		return fmt.Errorf("conn: read: %w", err)
	}
}

// onFrame classifies one frame. It runs on the read loop and never blocks on
// a handler.
func (c *Conn) onFrame(frame json.RawMessage) {
	msg, kind, err := message.Decode(frame)
	if err != nil {
		c.log.Warn().Err(err).Int("bytes", len(frame)).Msg("discarding invalid frame")
		return
	}

	switch kind {
	case message.KindRequest, message.KindNotification:
		c.dispatch(msg, kind)
	case message.KindReply:
		if !c.pending.Resolve(msg) {
			c.log.Warn().Str("id", msg.ID.Key()).Msg("discarding reply with no pending call")
		}
	default:
		c.log.Warn().Str("kind", kind.String()).Msg("discarding unsupported frame")
	}
}

func (c *Conn) dispatch(msg *message.Message, kind message.Kind) {
	c.handlers.Add(1)
	go func() {
		defer c.handlers.Done()

		reply := c.invoke(msg)
		if kind == message.KindNotification {
			c.logNotification(msg, reply)
			return
		}
		reply.ID = msg.ID
		c.reply(reply)
	}()
}

// invoke runs the handler chain. A panic anywhere in the chain becomes an
// InternalError reply instead of taking the process down.
func (c *Conn) invoke(msg *message.Message) (reply *message.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Str("method", msg.Method).Interface("panic", r).Msg("handler panicked")
			reply = message.NewErrorReply(msg.ID, message.NewError(message.InternalError, "%s: panic: %v", msg.Method, r))
		}
	}()

	reply = c.handle(c.ctx, msg)
	if reply == nil {
		reply = message.NewResult(msg.ID, nil)
	}
	return reply
}

func (c *Conn) logNotification(msg *message.Message, reply *message.Message) {
	if reply.Error == nil {
		return
	}
	if reply.Error.Code == message.MethodNotFound {
		c.log.Debug().Str("method", msg.Method).Msg("dropping notification for unknown method")
		return
	}
	c.log.Error().
		Str("method", msg.Method).
		Int("code", reply.Error.Code).
		Str("error", reply.Error.Message).
		Msg("notification failed")
}

// reply sends a handler's reply. Replies for a stopped connection are dropped.
func (c *Conn) reply(reply *message.Message) {
	if !c.Alive() {
		c.log.Debug().Str("id", reply.ID.Key()).Msg("dropping reply, connection stopped")
		return
	}
	if err := c.writer.SendMessage(reply); err != nil {
		c.writeFailed(err)
	}
}

// writeFailed stops the connection after a broken write. Encoding errors
// leave the stream intact.
func (c *Conn) writeFailed(err error) {
	if errors.Is(err, ErrClosed) {
		return
	}
	c.log.Error().Err(err).Msg("write failed")
	if c.writer.Closed() {
		c.shutdown(err)
	}
}

package conn

import (
	"context"
	"encoding/json"
	"fmt"

	"duplex-rpc/codec"
	"duplex-rpc/message"
)

// Call sends a request and waits for its reply. args are sent as a positional
// params array.
//
// The error is a *message.Error when the peer answered with an error reply,
// ErrClosed when the connection stopped first, or ctx.Err() when ctx ended
// first. In the last case the pending entry is removed, and a reply arriving
// later is discarded.
func (c *Conn) Call(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	if !c.Alive() {
		return nil, ErrClosed
	}
	params, err := codec.EncodeArgs(args...)
	if err != nil {
		return nil, err
	}

	call, err := c.pending.Register(method)
	if err != nil {
		return nil, err
	}
	if err := c.writer.SendMessage(message.NewRequest(call.ID, method, params)); err != nil {
		c.pending.Cancel(call, err)
		c.writeFailed(err)
		return nil, err
	}

	select {
	case <-call.Done():
		return call.Result()
	case <-ctx.Done():
		if !c.pending.Cancel(call, ctx.Err()) {
			// The reply won the race.
			<-call.Done()
		}
		return call.Result()
	}
}

// Notify sends a call frame without id. Nothing is tracked and no reply is
// possible.
func (c *Conn) Notify(method string, args ...any) error {
	if !c.Alive() {
		return ErrClosed
	}
	params, err := codec.EncodeArgs(args...)
	if err != nil {
		return err
	}
	if err := c.writer.SendMessage(message.NewNotification(method, params)); err != nil {
		c.writeFailed(err)
		return err
	}
	return nil
}

// CallResult is Call with the result decoded into T. A bool or *bool T gets
// the truthy coercion: null, 0, false and "" are false, anything else is true.
func CallResult[T any](ctx context.Context, c *Conn, method string, args ...any) (T, error) {
	raw, err := c.Call(ctx, method, args...)
	if err != nil {
		var zero T
		return zero, err
	}
	out, err := codec.DecodeResult[T](raw)
	if err != nil {
		return out, fmt.Errorf("conn: %s: %w", method, err)
	}
	return out, nil
}

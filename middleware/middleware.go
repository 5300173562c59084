// Package middleware wraps the handling of inbound calls.
//
// A HandlerFunc takes the call frame and returns the reply frame. For
// notifications the connection discards the reply, so middlewares do not need
// to special-case them.
package middleware

import (
	"context"

	"duplex-rpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.Message) *message.Message

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one listed runs outermost:
// Chain(A, B, C)(h) == A(B(C(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

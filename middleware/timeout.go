package middleware

import (
	"context"
	"time"

	"duplex-rpc/message"
)

// Timeout answers with a RequestTimeout error when the handler does not finish
// within d. The handler's context is cancelled at that point, but the handler
// itself is not interrupted.
func Timeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			done := make(chan *message.Message, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case reply := <-done:
				return reply
			case <-ctx.Done():
				return message.NewErrorReply(req.ID, message.NewError(message.RequestTimeout, "request timed out"))
			}
		}
	}
}

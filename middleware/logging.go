package middleware

import (
	"context"
	"time"

	"duplex-rpc/message"

	"github.com/rs/zerolog"
)

// Logging records each inbound call with its duration. Error replies are
// logged at warn level, everything else at debug.
func Logging(logger zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			start := time.Now()
			reply := next(ctx, req)

			event := logger.Debug()
			if reply != nil && reply.Error != nil {
				event = logger.Warn().
					Int("code", reply.Error.Code).
					Str("error", reply.Error.Message)
			}
			event.
				Str("method", req.Method).
				Str("id", req.ID.Key()).
				Dur("duration", time.Since(start)).
				Msg("rpc_call")
			return reply
		}
	}
}

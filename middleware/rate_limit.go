package middleware

import (
	"context"

	"duplex-rpc/message"

	"golang.org/x/time/rate"
)

// RateLimit rejects calls beyond r per second (token bucket with the given
// burst) with a RateLimited error.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			if !limiter.Allow() {
				return message.NewErrorReply(req.ID, message.NewError(message.RateLimited, "rate limit exceeded"))
			}
			return next(ctx, req)
		}
	}
}

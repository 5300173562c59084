package conn

import (
	"fmt"
	"time"

	"duplex-rpc/config"
	"duplex-rpc/middleware"
	"duplex-rpc/protocol"
	"duplex-rpc/transport"

	"github.com/rs/zerolog"
)

// Options configures a Conn. The zero value is usable: no logging, counter
// ids, default frame limits, no timeout or rate limit.
type Options struct {
	Logger      zerolog.Logger
	Middlewares []middleware.Middleware // applied to inbound calls, outermost first
	IDs         transport.IDGenerator   // nil selects the decrementing counter
	Limits      protocol.Limits

	HandlerTimeout time.Duration // 0 disables
	RateLimit      float64       // inbound calls per second, 0 disables
	RateBurst      int
}

func DefaultOptions() Options {
	return Options{
		Logger: zerolog.Nop(),
		Limits: protocol.DefaultLimits(),
	}
}

// OptionsFromConfig builds Options from the [connection] section.
func OptionsFromConfig(cfg config.Connection, logger zerolog.Logger) (Options, error) {
	ids, err := transport.NewIDGenerator(cfg.IDScheme)
	if err != nil {
		return Options{}, fmt.Errorf("conn: %w", err)
	}
	opts := DefaultOptions()
	opts.Logger = logger
	opts.IDs = ids
	if cfg.MaxFrameBytes > 0 {
		opts.Limits.MaxFrame = cfg.MaxFrameBytes
	}
	opts.HandlerTimeout = cfg.HandlerTimeout
	opts.RateLimit = cfg.RateLimit
	opts.RateBurst = cfg.RateBurst
	return opts, nil
}

// chain wraps next with the rate limiter, the configured middlewares and the
// timeout, in that order from the outside in.
func (o Options) chain(next middleware.HandlerFunc) middleware.HandlerFunc {
	mws := make([]middleware.Middleware, 0, len(o.Middlewares)+2)
	if o.RateLimit > 0 {
		mws = append(mws, middleware.RateLimit(o.RateLimit, o.RateBurst))
	}
	mws = append(mws, o.Middlewares...)
	if o.HandlerTimeout > 0 {
		mws = append(mws, middleware.Timeout(o.HandlerTimeout))
	}
	return middleware.Chain(mws...)(next)
}

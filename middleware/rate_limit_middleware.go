package middleware

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"hostbridge/message"
)

// ErrRateLimited is the error a throttled request receives.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitMiddleware throttles the sandboxed side with a token bucket shared
// by all channels: r requests per second with bursts of up to burst.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Reply {
			if !limiter.Allow() {
				return message.ErrorReply(req.Channel, ErrRateLimited)
			}
			return next(ctx, req)
		}
	}
}

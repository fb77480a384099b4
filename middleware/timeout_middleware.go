package middleware

import (
	"context"
	"errors"
	"time"

	"hostbridge/message"
)

// ErrTimeout is the error a request receives when its handler overruns.
var ErrTimeout = errors.New("request timed out")

// TimeOutMiddleware bounds how long the host spends on one request by
// cancelling the handler's context after timeout. The reply still waits for
// the handler, so it always tells the truth: work that completed despite the
// deadline is reported as done, and a handler that gave up because of it is
// answered with ErrTimeout. Handlers must return soon after ctx ends and must
// not apply changes once it has.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Reply {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			reply := next(ctx, req)
			if reply != nil && reply.HasError() && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return message.ErrorReply(req.Channel, ErrTimeout)
			}
			return reply
		}
	}
}

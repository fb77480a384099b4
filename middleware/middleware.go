// Package middleware wraps host-side handlers. Middlewares see every frame,
// request and notify alike; for notify frames the returned reply is dropped
// by the server, so a middleware may always answer with a reply.
package middleware

import (
	"context"

	"hostbridge/message"
)

type HandlerFunc func(ctx context.Context, req *message.Request) *message.Reply

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one runs outermost:
// Chain(A, B, C)(h) == A(B(C(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

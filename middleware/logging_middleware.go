package middleware

import (
	"context"
	"log/slog"
	"time"

	"hostbridge/message"
)

func LoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Reply {
			start := time.Now()
			reply := next(ctx, req)
			duration := time.Since(start)
			if reply != nil && reply.HasError() {
				logger.Warn("bridge request failed",
					"channel", req.Channel,
					"duration", duration,
					"error", string(reply.Error),
				)
				return reply
			}
			logger.Debug("bridge request handled", "channel", req.Channel, "duration", duration)
			return reply
		}
	}
}

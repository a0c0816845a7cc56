package middleware

import (
	"context"
	"time"

	"framenet/message"

	"go.uber.org/zap"
)

// LoggingMiddleware logs every handled command with its duration.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Packet) *message.Packet {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("cmd", req.Cmd),
				zap.Uint32("seq", req.Seq),
				zap.Duration("duration", time.Since(start)),
			}
			if resp != nil && resp.Error != "" {
				logger.Warn("rpc: handler failed", append(fields, zap.String("error", resp.Error))...)
				return resp
			}
			logger.Debug("rpc: handled", fields...)
			return resp
		}
	}
}

package middleware

import (
	"context"
	"errors"
	"time"

	"framenet/message"
)

const ErrTimedOut = "request timed out"

// TimeoutMiddleware gives next a context that expires after timeout. next runs
// on the caller's goroutine and is not interrupted; if the deadline passed by
// the time it returns, its answer is replaced with ErrTimedOut.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Packet) *message.Packet {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			resp := next(ctx, req)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return errorResponse(req, ErrTimedOut)
			}
			return resp
		}
	}
}

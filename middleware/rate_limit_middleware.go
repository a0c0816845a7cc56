package middleware

import (
	"context"

	"framenet/message"

	"golang.org/x/time/rate"
)

const ErrRateLimited = "rate limit exceeded"

// RateLimitMiddleware rejects requests beyond a token bucket of r per second
// with the given burst.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Packet) *message.Packet {
			if !limiter.Allow() {
				return errorResponse(req, ErrRateLimited)
			}
			return next(ctx, req)
		}
	}
}

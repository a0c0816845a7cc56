// Package middleware wraps engine request handlers.
//
// Chain composes middlewares in the onion model:
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//	A.before → B.before → C.before → handler → C.after → B.after → A.after
package middleware

import (
	"context"

	"framenet/message"
)

// HandlerFunc turns a request packet into its response packet.
type HandlerFunc func(ctx context.Context, req *message.Packet) *message.Packet

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares into one, the first one being the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// errorResponse answers req with msg as the remote error.
func errorResponse(req *message.Packet, msg string) *message.Packet {
	resp := req.NewResponse()
	resp.Error = msg
	return resp
}

// Package middleware wraps RPC handlers in an onion of cross-cutting concerns.
//
// A HandlerFunc has the shape of both a peer's inbound MessageHandler and an
// outgoing Peer.Call, so the same chain serves the server and the client side.
package middleware

import (
	"context"
	"errors"
)

type HandlerFunc func(ctx context.Context, method string, payload []byte) ([]byte, error)

type Middleware func(next HandlerFunc) HandlerFunc

var (
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrHandlerTimeout = errors.New("request timed out")
)

// Chain 将多个中间件组合成一个中间件, 第一个在最外层
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

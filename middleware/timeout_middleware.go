package middleware

import (
	"context"
	"time"
)

type result struct {
	payload []byte
	err     error
}

// TimeOutMiddleware gives up on next after timeout. next keeps running with a
// cancelled context; its result is discarded.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, method string, payload []byte) ([]byte, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan result, 1)
			go func() {
				out, err := next(ctx, method, payload)
				done <- result{out, err}
			}()

			select {
			case r := <-done:
				return r.payload, r.err
			case <-ctx.Done():
				return nil, ErrHandlerTimeout
			}
		}
	}
}

package middleware

import (
	"context"
	"errors"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"peer-rpc/peer"
)

// Retryable reports whether a failed call is worth repeating: timeouts and
// refused connections are, application errors from the remote are not.
func Retryable(err error) bool {
	return errors.Is(err, peer.ErrTimeout) ||
		errors.Is(err, ErrHandlerTimeout) ||
		errors.Is(err, syscall.ECONNREFUSED)
}

// RetryMiddleware repeats next up to maxRetries times on retryable errors,
// doubling the delay from baseDelay each time.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, method string, payload []byte) ([]byte, error) {
			b := &backoff.ExponentialBackOff{
				InitialInterval:     baseDelay,
				RandomizationFactor: 0,
				Multiplier:          2,
				MaxInterval:         baseDelay << maxRetries,
			}
			attempt := 0
			return backoff.Retry(ctx, func() ([]byte, error) {
				attempt++
				out, err := next(ctx, method, payload)
				if err == nil {
					return out, nil
				}
				if !Retryable(err) {
					return nil, backoff.Permanent(err)
				}
				logger.Debug("retrying",
					zap.String("method", method),
					zap.Int("attempt", attempt),
					zap.Error(err))
				return nil, err
			},
				backoff.WithBackOff(b),
				backoff.WithMaxTries(uint(maxRetries+1)),
			)
		}
	}
}

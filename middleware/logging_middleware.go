package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, method string, payload []byte) ([]byte, error) {
			start := time.Now()
			out, err := next(ctx, method, payload)
			fields := []zap.Field{
				zap.String("method", method),
				zap.Duration("duration", time.Since(start)),
				zap.Int("requestBytes", len(payload)),
			}
			if err != nil {
				logger.Warn("rpc failed", append(fields, zap.Error(err))...)
				return out, err
			}
			logger.Debug("rpc served", append(fields, zap.Int("responseBytes", len(out)))...)
			return out, nil
		}
	}
}

package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// LoggingMiddleware logs every dispatched invocation with its target and
// duration, and any error the rest of the chain returned.
func LoggingMiddleware(log *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) error {
			start := time.Now()
			err := next(ctx, call)
			log.Info("dispatch",
				zap.String("target", call.Target()),
				zap.Int("args", len(call.Args)),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err),
			)
			return err
		}
	}
}

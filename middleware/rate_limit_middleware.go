package middleware

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware rejects invocations beyond a token-bucket budget of r
// per second with bursts of up to burst. A rejected call never reaches the
// procedure; the peer surfaces the returned error through its error event.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) error {
			if !limiter.Allow() {
				return fmt.Errorf("rate limit exceeded: %s", call.Target())
			}
			return next(ctx, call)
		}
	}
}

package middleware

import (
	"context"
	"fmt"
)

// RecoverMiddleware converts a panic in an application procedure into an
// error, keeping the dispatch goroutine — and with it the whole peer — alive.
func RecoverMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic in %s: %v", call.Target(), r)
				}
			}()
			return next(ctx, call)
		}
	}
}

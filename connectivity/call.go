// Package connectivity wraps outbound calls (AI extraction, redirect
// resolution) with cross-cutting guards: deadline, panic recovery, circuit
// breaking and logging. Calls are never retried here: a failed call is a
// failed call for the current run.
package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"time"
)

// Call is one outbound operation taking a request and producing a response.
type Call[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

// Middleware decorates a Call without changing its signature.
type Middleware[Req, Resp any] func(next Call[Req, Resp]) Call[Req, Resp]

// Chain composes middlewares; the first one is the outermost.
//
//	guarded := Chain(Recovery[string, string](log), Timeout[string, string]("ai", 20*time.Second))(call)
func Chain[Req, Resp any](mws ...Middleware[Req, Resp]) Middleware[Req, Resp] {
	return func(next Call[Req, Resp]) Call[Req, Resp] {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// Timeout bounds the call with d. A call that runs out of time returns
// *ErrCallTimeout wrapping context.DeadlineExceeded, even when next ignores
// its context. The call runs on its own goroutine, so a panic there is
// returned as *ErrPanic.
func Timeout[Req, Resp any](service string, d time.Duration) Middleware[Req, Resp] {
	return func(next Call[Req, Resp]) Call[Req, Resp] {
		return func(ctx context.Context, req Req) (Resp, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			type result struct {
				resp Resp
				err  error
			}
			done := make(chan result, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						var zero Resp
						done <- result{zero, &ErrPanic{Value: r}}
					}
				}()
				resp, err := next(ctx, req)
				done <- result{resp, err}
			}()

			select {
			case r := <-done:
				if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() != nil {
					return r.resp, &ErrCallTimeout{Service: service, After: d}
				}
				return r.resp, r.err
			case <-ctx.Done():
				var zero Resp
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return zero, &ErrCallTimeout{Service: service, After: d}
				}
				return zero, ctx.Err()
			}
		}
	}
}

// Recovery converts a panic in the call into *ErrPanic.
func Recovery[Req, Resp any](logger *slog.Logger) Middleware[Req, Resp] {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Call[Req, Resp]) Call[Req, Resp] {
		return func(ctx context.Context, req Req) (resp Resp, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(ctx, "connectivity: call panicked",
						"panic", r, "stack", string(debug.Stack()))
					var zero Resp
					resp, err = zero, &ErrPanic{Value: r}
				}
			}()
			return next(ctx, req)
		}
	}
}

// Logging records every call's outcome and duration at debug level, and
// failures at warn.
func Logging[Req, Resp any](logger *slog.Logger, service string) Middleware[Req, Resp] {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Call[Req, Resp]) Call[Req, Resp] {
		return func(ctx context.Context, req Req) (Resp, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			if err != nil {
				logger.WarnContext(ctx, "connectivity: call failed",
					"service", service, "duration_ms", time.Since(start).Milliseconds(), "error", err)
			} else {
				logger.DebugContext(ctx, "connectivity: call ok",
					"service", service, "duration_ms", time.Since(start).Milliseconds())
			}
			return resp, err
		}
	}
}

// WithBreaker rejects calls with *ErrCircuitOpen while b is open and feeds
// every outcome back into b. Caller cancellation is not counted as a failure.
func WithBreaker[Req, Resp any](b *Breaker, service string) Middleware[Req, Resp] {
	return func(next Call[Req, Resp]) Call[Req, Resp] {
		return func(ctx context.Context, req Req) (Resp, error) {
			if !b.Allow() {
				var zero Resp
				return zero, &ErrCircuitOpen{Service: service}
			}
			resp, err := next(ctx, req)
			switch {
			case err == nil:
				b.Success()
			case errors.Is(err, context.Canceled):
			default:
				b.Failure()
			}
			return resp, err
		}
	}
}

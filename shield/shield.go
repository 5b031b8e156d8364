// Package shield is the HTTP middleware stack of the intel API: security
// headers, body limits, request tracing and per-client rate limiting on the
// trigger endpoints.
package shield

import (
	"log/slog"
	"net/http"
	"net/netip"
)

type contextKey string

const (
	// LoggerKey is the context key for the per-request structured logger.
	LoggerKey contextKey = "shield_logger"
	// TraceKey is the context key for the request trace id.
	TraceKey contextKey = "shield_trace"
)

// Config configures Stack.
type Config struct {
	// MaxBody bounds request bodies. Default 1 MiB.
	MaxBody int64
	// Limits applies rate limits to path prefixes. Empty disables limiting.
	Limits []Limit
	// TrustedProxies are the peers whose X-Forwarded-For is believed.
	// Empty means clients are identified by their connection address.
	TrustedProxies []netip.Prefix
	Logger         *slog.Logger
}

// Stack returns the middleware in application order:
// HeadToGet, SecurityHeaders, MaxBody, TraceID, then the rate limiter.
func Stack(cfg Config) []func(http.Handler) http.Handler {
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = 1 << 20
	}
	stack := []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(cfg.MaxBody),
		TraceID(cfg.Logger),
	}
	if len(cfg.Limits) > 0 {
		stack = append(stack, NewRateLimiter(cfg.Limits, cfg.TrustedProxies, cfg.Logger).Middleware)
	}
	return stack
}

// HeadToGet converts HEAD requests to GET so that routes registered with
// r.Get() answer HEAD requests. net/http strips the body.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}

// MaxBody caps every request body at maxBytes.
func MaxBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

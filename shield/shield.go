// Package shield provides the HTTP hardening middleware of the preview
// server: security headers, body limits, request ids with a per-request
// logger, and per-client rate limiting.
//
// Usage:
//
//	r := chi.NewRouter()
//	stack, rl := shield.Stack(shield.Config{MaxBody: 5 << 20, Rate: shield.Rate{Requests: 60, Window: time.Minute}})
//	rl.StartGC(done)
//	for _, mw := range stack {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// Config selects the middleware of Stack.
type Config struct {
	Headers HeaderConfig
	MaxBody int64
	Rate    Rate
	// Exempt lists path prefixes skipping rate limiting, such as /healthz.
	Exempt []string
	Logger *slog.Logger
}

// Stack returns the middleware in order: HeadToGet, SecurityHeaders,
// MaxBody, RequestID, rate limiting. The RateLimiter is nil when Rate is
// disabled.
func Stack(cfg Config) ([]func(http.Handler) http.Handler, *RateLimiter) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Headers == (HeaderConfig{}) {
		cfg.Headers = DefaultHeaders()
	}
	stack := []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(cfg.Headers),
		MaxBody(cfg.MaxBody),
		RequestID(cfg.Logger),
	}
	if !cfg.Rate.Enabled() {
		return stack, nil
	}
	rl := NewRateLimiter(cfg.Rate, cfg.Logger, cfg.Exempt...)
	return append(stack, rl.Middleware), rl
}

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

package middleware

import (
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config holds middleware configuration.
type Config struct {
	Logger *zap.Logger

	CORS *CORSConfig

	RateLimit      rate.Limit
	RateLimitBurst int

	RequestTimeout time.Duration
}

// Chain wraps a handler with the full middleware stack. Logging and
// request-id assignment sit outermost so every request is correlated,
// including the ones rejected by the rate limiter or the timeout.
func Chain(config *Config) func(http.Handler) http.Handler {
	limiter := NewRateLimiter(config.RateLimit, config.RateLimitBurst)

	return func(handler http.Handler) http.Handler {
		h := handler

		h = Timeout(config.RequestTimeout)(h)
		h = limiter.Middleware()(h)
		if config.CORS != nil {
			h = CORS(config.CORS)(h)
		}
		h = Recovery(config.Logger)(h)
		h = RequestID(h)
		h = Logger(config.Logger)(h)

		return h
	}
}

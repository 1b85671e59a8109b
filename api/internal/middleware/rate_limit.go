package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"crm-event-pipeline/shared/httpx"
)

// RateLimitMiddleware applies a sliding window limit per client IP.
type RateLimitMiddleware struct {
	Requests int
	Window   time.Duration
	Skip     func(*http.Request) bool
}

func (m RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	if m.Requests <= 0 || m.Window <= 0 {
		return next
	}
	limited := httprate.Limit(m.Requests, m.Window,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.WriteError(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded", nil)
		}),
	)(next)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		limited.ServeHTTP(w, r)
	})
}

func rateLimitKey(r *http.Request) (string, error) {
	key := httpx.ClientIP(r)
	if key == "" {
		key = "unknown"
	}
	return key, nil
}

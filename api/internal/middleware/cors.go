package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/cors"
)

var (
	defaultCORSMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	defaultCORSHeaders = []string{"Authorization", "Content-Type", "X-Request-ID", "X-Webhook-Secret"}
)

// CORSMiddleware guards the browser-facing edge endpoints (tracking pixels,
// push registration). An empty origin list allows any origin.
type CORSMiddleware struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
	MaxAge           time.Duration
}

func (m CORSMiddleware) Wrap(next http.Handler) http.Handler {
	methods := m.AllowedMethods
	if len(methods) == 0 {
		methods = defaultCORSMethods
	}
	headers := m.AllowedHeaders
	if len(headers) == 0 {
		headers = defaultCORSHeaders
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   m.AllowedOrigins,
		AllowedMethods:   methods,
		AllowedHeaders:   headers,
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: m.AllowCredentials,
		MaxAge:           int(m.MaxAge / time.Second),
	})(next)
}

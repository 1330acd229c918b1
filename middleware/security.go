package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"shopassist/utils"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
)

// SecurityHeadersMiddleware sets the response hardening headers. CORS is
// handled by the router.
func SecurityHeadersMiddleware(env string, hsts bool) func(http.Handler) http.Handler {
	csp := "default-src 'none'; frame-ancestors 'none'; base-uri 'self';"
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-XSS-Protection", "1; mode=block")
			if env != "development" {
				w.Header().Set("Content-Security-Policy", csp)
			}
			if hsts {
				// 1 year HSTS
				w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
			}
			next.ServeHTTP(w, r)
		})
	}
}

// responseRecorder wraps ResponseWriter to capture status code
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// RequestLogMiddleware logs every response. Requests slower than slow are
// logged at warn level.
func RequestLogMiddleware(logger *slog.Logger, slow time.Duration) func(http.Handler) http.Handler {
	if slow <= 0 {
		slow = 800 * time.Millisecond
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			elapsed := time.Since(start)

			level := slog.LevelInfo
			switch {
			case rec.status >= 500:
				level = slog.LevelError
			case elapsed > slow:
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", elapsed.Milliseconds(),
				"request_id", utils.RequestIDFromContext(r.Context()),
			)
		})
	}
}

// RequestIDMiddleware injects a request id into context and response headers
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get("X-Request-ID")
		if rid == "" || len(rid) > 64 {
			rid = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", rid)
		ctx := context.WithValue(r.Context(), utils.RequestIDKey, rid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TimeoutMiddleware cancels the request context after d.
func TimeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RecoveryMiddleware turns a panic into a generic JSON 500 and reports it to
// Sentry when a client is configured.
func RecoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					rid := utils.RequestIDFromContext(r.Context())
					logger.Error("panic recovered",
						"request_id", rid,
						"method", r.Method,
						"path", r.URL.Path,
						"panic", rec,
						"stack", string(debug.Stack()),
					)
					hub := sentry.GetHubFromContext(r.Context())
					if hub == nil {
						hub = sentry.CurrentHub().Clone()
					}
					hub.Scope().SetTag("request_id", rid)
					hub.Scope().SetRequest(r)
					hub.RecoverWithContext(r.Context(), rec)

					utils.WriteRawJSON(w, http.StatusInternalServerError, map[string]interface{}{
						"success":    false,
						"message":    "Internal server error",
						"request_id": rid,
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

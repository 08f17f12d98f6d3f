package web

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/promethea-labs/promethea/internal/auth"
	"github.com/promethea-labs/promethea/internal/infra"
	"github.com/promethea-labs/promethea/internal/observability"
	"github.com/promethea-labs/promethea/pkg/models"
)

type middleware func(http.Handler) http.Handler

func chain(h http.Handler, mws ...middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// requestIDMiddleware tags every request with a correlation ID.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(observability.WithRequestID(r.Context(), id)))
	})
}

// loggingMiddleware records method, path, status, and duration with the
// request's correlation fields.
func loggingMiddleware(logger *observability.Logger, metrics *observability.Metrics) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			elapsed := time.Since(start)
			logger.Debug(r.Context(), "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.status,
				"duration_ms", elapsed.Milliseconds(),
			)
			metrics.HTTPRequestDuration.WithLabelValues(
				r.Method, routeLabel(r.URL.Path), httpStatusLabel(wrapped.status),
			).Observe(elapsed.Seconds())
		})
	}
}

// authMiddleware resolves the bearer token to a user and stores it on the
// context; 401 on miss. Paths in skip are public.
func authMiddleware(service *auth.Service, skip map[string]bool) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
				writeError(w, models.E(models.KindUnauthorized, "missing bearer token"))
				return
			}
			token := strings.TrimSpace(header[7:])
			user, err := service.Resolve(r.Context(), token)
			if err != nil {
				writeError(w, err)
				return
			}

			ctx := auth.WithUser(r.Context(), user)
			ctx = observability.WithUserID(ctx, user.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// rateLimitMiddleware throttles per authenticated user. Unauthenticated
// paths pass through (they are throttled upstream or public).
func rateLimitMiddleware(limiter *infra.UserLimiter) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if user, ok := auth.UserFromContext(r.Context()); ok {
				if !limiter.Allow(user.ID) {
					writeError(w, models.E(models.KindRateLimited, "too many requests"))
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// recoverMiddleware converts panics into clean 500s; the panic value goes to
// the log, never the client.
func recoverMiddleware(logger *observability.Logger) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error(r.Context(), "handler panicked", "panic", rec, "path", r.URL.Path)
					writeError(w, models.E(models.KindInternal, "internal error"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// routeLabel collapses IDs out of paths so metric cardinality stays bounded.
func routeLabel(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if len(p) >= 16 || strings.Count(p, "-") >= 2 {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

func httpStatusLabel(status int) string {
	switch {
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

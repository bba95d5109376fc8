package httpapi

import (
	"context"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"weathercompute/internal/observability"
	"weathercompute/pkg/apperror"
	"weathercompute/pkg/config"
	"weathercompute/pkg/logger"
	"weathercompute/pkg/metrics"
	"weathercompute/pkg/ratelimit"
	"weathercompute/pkg/telemetry"
)

type contextKey int

const requestIDKey contextKey = iota

// requestIDMiddleware injects a UUID request ID into the context and the
// response header, minting one per inbound request.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// tracingMiddleware opens one span per request named after the matched
// route template, closing it once the handler returns.
func tracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := routeTemplate(r)
		ctx, span := telemetry.StartSpan(r.Context(), "http."+route)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

// rateLimitMiddleware rejects with 429 once the configured limiter denies
// the caller's key (client IP). A nil limiter (rate limiting disabled)
// passes every request through.
func rateLimitMiddleware(limiter ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			key := observability.ClientIPFromRequest(r)
			allowed, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Log.Warn("rate limiter check failed, allowing request", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", "1")
				writeJSONStatus(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// recoveryMiddleware converts a panic in the handler chain into a 500
// apperror.Internal response instead of crashing the process, logging the
// recovered value with its stack.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Log.Error("panic recovered in http handler",
					"panic", rec, "path", r.URL.Path, "request_id", requestIDFromContext(r.Context()),
					"stack", string(debug.Stack()))
				WriteError(w, r, apperror.New(apperror.CodeInternal, "internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware records request latency and outcome per route template.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if m := metrics.Get(); m != nil {
			m.RecordHTTPRequest(routeTemplate(r), http.StatusText(rec.status), time.Since(start))
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// editorGateMiddleware rejects requests lacking the configured editor
// capability header/value. Authentication proper is out of scope; this is
// a single shared-secret header check gating the prewarm endpoint.
func editorGateMiddleware(cfg config.EditorConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.CapabilityHeader == "" || r.Header.Get(cfg.CapabilityHeader) != cfg.CapabilityToken || cfg.CapabilityToken == "" {
				WriteError(w, r, apperror.ErrEditorCapability)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

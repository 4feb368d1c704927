package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/katiba-labs/katiba/pkg/metrics"
	"github.com/katiba-labs/katiba/pkg/utils"
)

// ActorMiddleware lifts the caller's identity and roles from headers into
// the request context. Authentication proper happens upstream; these headers
// arrive from the gateway already verified.
func ActorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if actorID := r.Header.Get("X-Actor-ID"); actorID != "" {
			ctx = context.WithValue(ctx, utils.ContextActorIDKey, actorID)
		}
		if roles := r.Header.Get("X-Actor-Roles"); roles != "" {
			ctx = context.WithValue(ctx, utils.ContextRolesKey, strings.Split(roles, ","))
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware logs each request with its latency and status.
func LoggingMiddleware(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			elapsed := time.Since(start)
			metrics.RequestDuration.WithLabelValues(
				r.URL.Path, r.Method, strconv.Itoa(ww.Status()),
			).Observe(elapsed.Seconds())
			log.Info("Handled request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", elapsed))
		})
	}
}

// RequireRole rejects requests whose actor lacks the given role check.
func RequireRole(check func(roles []string) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			roles, _ := utils.GetActorRoles(r.Context())
			if !check(roles) {
				writeJSON(w, http.StatusForbidden, errorBody("insufficient role"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

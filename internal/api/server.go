// Package api provides the REST API server for the sync control plane.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/berqenas/dbsync/internal/api/common"
	v1 "github.com/berqenas/dbsync/internal/api/v1"
	"github.com/berqenas/dbsync/internal/logger"
	"github.com/berqenas/dbsync/internal/state"
	"github.com/berqenas/dbsync/internal/versions"
)

// Pinger reports whether a backing connection is alive. Both store handles
// and the control-plane pool satisfy it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ServerOption configures the API server
type ServerOption func(*serverConfig)

// serverConfig holds the server configuration
type serverConfig struct {
	middlewares []func(http.Handler) http.Handler
	pingers     map[string]Pinger
}

// WithMiddlewares adds middleware to the server
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithReadinessCheck registers a named connection for the readiness probe
func WithReadinessCheck(name string, p Pinger) ServerOption {
	return func(cfg *serverConfig) {
		cfg.pingers[name] = p
	}
}

// NewServer creates and configures the HTTP router with the given dependencies
func NewServer(svc state.Service, trigger v1.SyncTrigger, opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{
		middlewares: []func(http.Handler) http.Handler{},
		pingers:     map[string]Pinger{},
	}

	for _, opt := range opts {
		opt(cfg)
	}

	r := chi.NewRouter()

	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	r.Get("/health", healthHandler)
	r.Get("/readiness", readinessHandler(cfg.pingers))
	r.Get("/version", versionHandler)

	r.Mount("/api/v1", v1.Router(svc, trigger))

	return r
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger.Debugf("HTTP %s %s %d %s %s",
			r.Method,
			r.URL.Path,
			ww.Status(),
			time.Since(start),
			middleware.GetReqID(r.Context()),
		)
	})
}

// healthHandler handles GET /health
func healthHandler(w http.ResponseWriter, _ *http.Request) {
	common.WriteJSONResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

// readinessHandler reports ready only when every registered connection pings.
func readinessHandler(pingers map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		for name, p := range pingers {
			if err := p.Ping(ctx); err != nil {
				logger.Warnf("Readiness check failed for %s: %v", name, err)
				common.WriteErrorResponse(w, name+" unavailable", http.StatusServiceUnavailable)
				return
			}
		}

		common.WriteJSONResponse(w, map[string]string{"status": "ready"}, http.StatusOK)
	}
}

// versionHandler handles GET /version
func versionHandler(w http.ResponseWriter, _ *http.Request) {
	common.WriteJSONResponse(w, versions.GetVersionInfo(), http.StatusOK)
}

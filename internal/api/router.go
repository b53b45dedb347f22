package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/fuomag9/indieauth/internal/config"
	"github.com/fuomag9/indieauth/internal/indieauth"
	"github.com/fuomag9/indieauth/internal/metrics"
)

// Pinger reports whether the backing store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewRouter creates the HTTP router for the authorization server
func NewRouter(cfg *config.Config, svc *indieauth.Service, db Pinger, m *metrics.Metrics, limiter *RateLimiter, logger *zap.Logger) http.Handler {
	logger = logger.Named("http")
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware(m))
	r.Use(SecurityHeadersMiddleware(cfg.IsProduction()))
	r.Use(middleware.Compress(5))

	// Browser-based clients call the token and metadata endpoints cross-origin
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/.well-known/oauth-authorization-server", HandleMetadata(svc))

	// Authorization flow
	r.Get("/auth", HandleAuthorize(svc, logger))
	r.Get("/callback", HandleCallback(svc, logger))

	// Presentation layer API
	r.Get("/auth/sessions/{id}", HandleGetSession(svc, logger))
	r.Post("/auth/sessions/{id}/provider", HandleSelectProvider(svc, logger))
	r.Post("/auth/sessions/{id}/consent", HandleConsent(svc, logger))

	// Code and token endpoints
	r.Group(func(r chi.Router) {
		r.Use(RateLimitMiddleware(limiter))

		r.Post("/auth", HandleProfileCode(svc, logger))
		r.Post("/token", HandleToken(svc, logger))
		r.Post("/token/introspect", HandleIntrospect(svc, logger))
		r.Post("/token/revoke", HandleRevoke(svc))
	})

	// Prometheus metrics endpoint (no auth required)
	r.Method(http.MethodGet, "/metrics", m.Handler())

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			logger.Warn("health check failed", zap.Error(err))
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return r
}

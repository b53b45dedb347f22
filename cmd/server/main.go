package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fuomag9/indieauth/internal/api"
	"github.com/fuomag9/indieauth/internal/cache"
	"github.com/fuomag9/indieauth/internal/config"
	"github.com/fuomag9/indieauth/internal/database"
	"github.com/fuomag9/indieauth/internal/discovery"
	"github.com/fuomag9/indieauth/internal/egress"
	"github.com/fuomag9/indieauth/internal/indieauth"
	"github.com/fuomag9/indieauth/internal/metrics"
	"github.com/fuomag9/indieauth/internal/oauth"
	"github.com/fuomag9/indieauth/internal/store"
	"github.com/fuomag9/indieauth/internal/token"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.GeneratedJWTSecret {
		logger.Warn("JWT_SECRET not set, using a random secret; tokens will not survive a restart")
	}
	if cfg.AllowPrivateIPs {
		logger.Warn("ALLOW_PRIVATE_IPS is set, discovery may fetch private network addresses")
	}

	st, closeStore, err := openStore(cfg.Database, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	m := metrics.New()

	// Identity providers
	registry := oauth.NewRegistry()
	if cfg.GitHub.Enabled() {
		github, err := oauth.NewGitHubProvider(oauth.GitHubConfig{
			ClientID:     cfg.GitHub.ClientID,
			ClientSecret: cfg.GitHub.ClientSecret,
			Timeout:      cfg.FetchTimeout,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to configure GitHub provider: %w", err)
		}
		registry.Register(github)
	} else {
		logger.Warn("no identity provider configured, every sign-in will fail discovery")
	}

	// Discovery of user-supplied URLs goes through the egress guard
	guard := egress.NewGuard(logger, egress.WithPrivateAddresses(cfg.AllowPrivateIPs))
	fetcher := egress.NewClient(guard, cfg.FetchTimeout)

	profiles := discovery.NewProfileDiscoverer(fetcher, registry, logger)
	var clients indieauth.ClientDiscoverer = discovery.NewClientDiscoverer(fetcher, logger)

	if cfg.Cache.RedisURL != "" {
		rdb, err := cache.NewRedisClient(ctx, cfg.Cache.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer rdb.Close()
		clients = cache.NewClientCache(clients, rdb, cfg.Cache.TTL, m, logger)
		logger.Info("client metadata cache enabled", zap.Duration("ttl", cfg.Cache.TTL))
	}

	tokens, err := token.NewIssuer(token.IssuerConfig{
		SigningKey: []byte(cfg.Tokens.JWTSecret),
		Issuer:     cfg.IssuerURL,
		Lifetime:   cfg.Tokens.AccessTokenLifetime,
	})
	if err != nil {
		return fmt.Errorf("failed to create token issuer: %w", err)
	}

	svc, err := indieauth.NewService(indieauth.Config{
		Issuer:               cfg.IssuerURL,
		AuthCodeLifetime:     cfg.Tokens.AuthCodeLifetime,
		RefreshTokenLifetime: cfg.Tokens.RefreshTokenLifetime,
		SessionLifetime:      cfg.Tokens.SessionLifetime,
		IntrospectionSecret:  cfg.IntrospectionSecret,
		AllowedProfileHosts:  cfg.AllowedProfileHosts,
		ScopesSupported:      cfg.ScopesSupported,
		SelectProviderURL:    cfg.UI.SelectProviderURL,
		ConsentURL:           cfg.UI.ConsentURL,
		ProfileEntryURL:      cfg.UI.ProfileURL,
	}, indieauth.Dependencies{
		Store:     st,
		Profiles:  profiles,
		Clients:   clients,
		Providers: registry,
		Tokens:    tokens,
		Metrics:   m,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create authorization service: %w", err)
	}
	if cfg.IntrospectionSecret == "" {
		logger.Warn("INTROSPECTION_SECRET not set, the introspection endpoint rejects every request")
	}

	limiter := api.NewPerMinuteRateLimiter(cfg.TokenRatePerMinute)
	limiter.CleanupOldLimiters(ctx)

	// Setup API router
	router := api.NewRouter(cfg, svc, st, m, limiter, logger)

	// Create HTTP server
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Callbacks wait on provider exchange and verification
		WriteTimeout: 2*cfg.FetchTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.Int("port", cfg.Port),
			zap.String("issuer", cfg.IssuerURL),
			zap.String("environment", cfg.Environment),
			zap.String("database", cfg.Database.Type))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Graceful shutdown
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed to start: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server exited")
	return nil
}

// openStore connects the configured backend and applies migrations
func openStore(cfg config.DatabaseConfig, logger *zap.Logger) (store.Store, func(), error) {
	if cfg.Type == "memory" {
		logger.Warn("using the in-memory store, state is lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	}

	db, err := database.Connect(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := database.RunMigrations(db, cfg.Type); err != nil {
		_ = database.Close(db)
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	closeDB := func() {
		if err := database.Close(db); err != nil {
			logger.Warn("failed to close database", zap.Error(err))
		}
	}
	return store.NewGormStore(db), closeDB, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewDevelopmentConfig()
	if cfg.IsProduction() {
		zcfg = zap.NewProductionConfig()
	}

	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	zcfg.Level = level

	return zcfg.Build()
}

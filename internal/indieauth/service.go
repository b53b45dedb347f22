// Package indieauth implements the authorization flow: request validation,
// the pending-session state machine, code issuance and the token endpoints.
package indieauth

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fuomag9/indieauth/internal/discovery"
	"github.com/fuomag9/indieauth/internal/metrics"
	"github.com/fuomag9/indieauth/internal/oauth"
	"github.com/fuomag9/indieauth/internal/store"
	"github.com/fuomag9/indieauth/internal/token"
)

const (
	DefaultAuthCodeLifetime     = 10 * time.Minute
	DefaultRefreshTokenLifetime = 30 * 24 * time.Hour
	DefaultSessionLifetime      = 15 * time.Minute

	callbackPath = "/callback"
)

// ProfileDiscoverer finds the identity providers linked from a profile URL
type ProfileDiscoverer interface {
	Discover(ctx context.Context, profileURL string) *discovery.ProfileResult
}

// ClientDiscoverer fetches a client's published metadata
type ClientDiscoverer interface {
	Discover(ctx context.Context, clientID string) *discovery.ClientInfo
}

// Config is the immutable configuration of the Service
type Config struct {
	// Issuer is the public base URL. It is also the iss value and the metadata issuer.
	Issuer string

	AuthCodeLifetime     time.Duration
	RefreshTokenLifetime time.Duration
	SessionLifetime      time.Duration

	// IntrospectionSecret authorizes introspection requests; empty disables introspection
	IntrospectionSecret string
	// AllowedProfileHosts restricts who may sign in; empty allows everyone
	AllowedProfileHosts []string
	ScopesSupported     []string

	// Presentation layer pages
	SelectProviderURL string
	ConsentURL        string
	ProfileEntryURL   string
}

// Dependencies are the collaborators of the Service
type Dependencies struct {
	Store     store.Store
	Profiles  ProfileDiscoverer
	Clients   ClientDiscoverer
	Providers *oauth.Registry
	Tokens    *token.Issuer
	Metrics   *metrics.Metrics
}

// Service is the authorization orchestrator
type Service struct {
	cfg       Config
	store     store.Store
	profiles  ProfileDiscoverer
	clients   ClientDiscoverer
	providers *oauth.Registry
	tokens    *token.Issuer
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates the orchestrator
func NewService(cfg Config, deps Dependencies, logger *zap.Logger) (*Service, error) {
	cfg.Issuer = strings.TrimRight(cfg.Issuer, "/")
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if deps.Store == nil || deps.Profiles == nil || deps.Clients == nil || deps.Providers == nil || deps.Tokens == nil {
		return nil, errors.New("store, discoverers, provider registry and token issuer are required")
	}

	if cfg.AuthCodeLifetime <= 0 {
		cfg.AuthCodeLifetime = DefaultAuthCodeLifetime
	}
	if cfg.RefreshTokenLifetime <= 0 {
		cfg.RefreshTokenLifetime = DefaultRefreshTokenLifetime
	}
	if cfg.SessionLifetime <= 0 {
		cfg.SessionLifetime = DefaultSessionLifetime
	}
	if cfg.SelectProviderURL == "" {
		cfg.SelectProviderURL = cfg.Issuer + "/select-provider"
	}
	if cfg.ConsentURL == "" {
		cfg.ConsentURL = cfg.Issuer + "/consent"
	}
	if cfg.ProfileEntryURL == "" {
		cfg.ProfileEntryURL = cfg.Issuer + "/"
	}
	cfg.AllowedProfileHosts = slices.Clone(cfg.AllowedProfileHosts)
	cfg.ScopesSupported = slices.Clone(cfg.ScopesSupported)

	return &Service{
		cfg:       cfg,
		store:     deps.Store,
		profiles:  deps.Profiles,
		clients:   deps.Clients,
		providers: deps.Providers,
		tokens:    deps.Tokens,
		metrics:   deps.Metrics,
		logger:    logger.Named("indieauth"),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetClock replaces the time source used for expiry
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Issuer returns the issuer identifier sent as iss and in metadata
func (s *Service) Issuer() string {
	return s.cfg.Issuer
}

// CallbackURL is where identity providers send the user back
func (s *Service) CallbackURL() string {
	return s.cfg.Issuer + callbackPath
}

// parseScopes splits a space-separated scope string, dropping duplicates and
// anything the server does not support
func (s *Service) parseScopes(raw string) []string {
	scopes := []string{}
	for _, scope := range strings.Fields(raw) {
		if slices.Contains(scopes, scope) {
			continue
		}
		if len(s.cfg.ScopesSupported) > 0 && !slices.Contains(s.cfg.ScopesSupported, scope) {
			s.logger.Debug("dropping unsupported scope", zap.String("scope", scope))
			continue
		}
		scopes = append(scopes, scope)
	}
	return scopes
}

func (s *Service) hostAllowed(host string) bool {
	if len(s.cfg.AllowedProfileHosts) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedProfileHosts {
		if strings.EqualFold(allowed, host) {
			return true
		}
	}
	return false
}

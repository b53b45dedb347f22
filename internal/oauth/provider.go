package oauth

//go:generate mockgen -destination=mocks/mock_provider.go -package=mocks -source=provider.go Provider

import (
	"context"
	"errors"
	"sync"

	"github.com/fuomag9/indieauth/internal/models"
)

var (
	// ErrTokenExchangeFailed is returned when the provider rejects an authorization code
	ErrTokenExchangeFailed = errors.New("token_exchange_failed")
	// ErrVerificationFailed is returned when the authenticated account is not the expected profile
	ErrVerificationFailed = errors.New("verification_failed")
)

// ExchangeResult holds the provider token and basic identity returned by a code exchange
type ExchangeResult struct {
	AccessToken string
	Username    string
	Name        string
	ProfileURL  string
}

// Provider is an external identity provider that can prove ownership of a
// provider profile linked from the user's site with rel="me".
type Provider interface {
	// Type is the stable identifier stored in sessions, e.g. "github"
	Type() string
	DisplayName() string
	IconURL() string

	// CanHandle reports whether profileURL is a user profile on this provider
	CanHandle(profileURL string) bool

	// AuthorizationURL builds the URL the user is sent to for authentication
	AuthorizationURL(state, redirectURI string) string

	// ExchangeCode trades the provider's authorization code for an access token
	ExchangeCode(ctx context.Context, code, redirectURI string) (*ExchangeResult, error)

	// VerifyProfile succeeds only if accessToken belongs to the account at expectedProfileURL
	VerifyProfile(ctx context.Context, accessToken, expectedProfileURL string) error
}

// Registry holds the configured providers in registration order
type Registry struct {
	mu        sync.RWMutex
	providers []Provider
}

// NewRegistry creates a registry with the given providers
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds a provider. A provider with the same type replaces the earlier one.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, existing := range r.providers {
		if existing.Type() == p.Type() {
			r.providers[i] = p
			return
		}
	}
	r.providers = append(r.providers, p)
}

// Get returns the provider registered under providerType
func (r *Registry) Get(providerType string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.providers {
		if p.Type() == providerType {
			return p, true
		}
	}
	return nil, false
}

// Match returns the first provider that can handle profileURL, described as a
// discovered provider for the session.
func (r *Registry) Match(profileURL string) (models.DiscoveredProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.providers {
		if p.CanHandle(profileURL) {
			return models.DiscoveredProvider{
				Type:               p.Type(),
				DisplayName:        p.DisplayName(),
				ProviderProfileURL: profileURL,
				IconURL:            p.IconURL(),
			}, true
		}
	}
	return models.DiscoveredProvider{}, false
}

// Len returns the number of registered providers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

package indieauth

import (
	"context"
	"net/url"
	"time"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/fuomag9/indieauth/internal/discovery"
	"github.com/fuomag9/indieauth/internal/models"
	"github.com/fuomag9/indieauth/internal/pkce"
	"github.com/fuomag9/indieauth/internal/token"
	"github.com/fuomag9/indieauth/internal/validation"
)

// AuthorizationRequest holds the query parameters of GET /auth
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
	Me                  string
}

// params re-encodes the request for the profile-entry continuation
func (r AuthorizationRequest) params() url.Values {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	set("response_type", r.ResponseType)
	set("client_id", r.ClientID)
	set("redirect_uri", r.RedirectURI)
	set("state", r.State)
	set("code_challenge", r.CodeChallenge)
	set("code_challenge_method", r.CodeChallengeMethod)
	set("scope", r.Scope)
	return v
}

// AuthorizeOutcome tells where an accepted authorization request continues
type AuthorizeOutcome string

const (
	// OutcomeProviderRedirect sends the user straight to the only discovered provider
	OutcomeProviderRedirect AuthorizeOutcome = "provider_redirect"
	// OutcomeSelectProvider asks the user to choose among several providers
	OutcomeSelectProvider AuthorizeOutcome = "select_provider"
	// OutcomeProfileEntry asks the user for their profile URL
	OutcomeProfileEntry AuthorizeOutcome = "profile_entry"
)

// AuthorizeResult is the redirect produced by a valid authorization request
type AuthorizeResult struct {
	Outcome     AuthorizeOutcome
	RedirectURL string
	SessionID   string
}

// Authorize validates an authorization request and starts a pending session
func (s *Service) Authorize(ctx context.Context, req AuthorizationRequest) (*AuthorizeResult, error) {
	result, err := s.authorize(ctx, req)
	if err != nil {
		s.metrics.Authorization("error")
		return nil, err
	}
	s.metrics.Authorization(string(result.Outcome))
	return result, nil
}

func (s *Service) authorize(ctx context.Context, req AuthorizationRequest) (*AuthorizeResult, error) {
	// Until redirect_uri is verified, errors are shown in-app only
	if req.ResponseType != "code" {
		return nil, untrusted(CodeUnsupportedResponseType, "response_type must be code", nil)
	}
	if req.ClientID == "" {
		return nil, untrusted(CodeInvalidRequest, "client_id is required", nil)
	}
	if err := validation.ValidateClientID(req.ClientID); err != nil {
		return nil, untrusted(CodeInvalidRequest, err.Error(), err)
	}
	if req.RedirectURI == "" {
		return nil, untrusted(CodeInvalidRequest, "redirect_uri is required", nil)
	}

	origin, err := validation.CheckRedirectURI(req.ClientID, req.RedirectURI)
	if err != nil {
		return nil, untrusted(CodeInvalidRequest, err.Error(), err)
	}

	client := s.discoverClient(ctx, req.ClientID)
	if origin == validation.RedirectCrossOrigin && !client.AllowsRedirectURI(req.RedirectURI) {
		s.logger.Info("rejecting unregistered cross-origin redirect_uri",
			zap.String("client_id", req.ClientID), zap.String("redirect_uri", req.RedirectURI))
		return nil, untrusted(CodeInvalidRequest, "redirect_uri is not registered by the client", nil)
	}

	// From here on the redirect_uri is safe to deliver errors to
	fail := func(code ErrorCode, description string, cause error) *Error {
		return toClient(code, description, req.RedirectURI, req.State, cause)
	}

	if req.State == "" {
		return nil, fail(CodeInvalidRequest, "state is required", nil)
	}
	if req.CodeChallenge == "" {
		return nil, fail(CodeInvalidRequest, "code_challenge is required", nil)
	}
	if req.CodeChallengeMethod != pkce.MethodS256 {
		return nil, fail(CodeInvalidRequest, "code_challenge_method must be S256", nil)
	}

	if req.Me == "" {
		params := req.params()
		if client.ClientName != "" {
			params.Set("client_name", client.ClientName)
		}
		if client.LogoURI != "" {
			params.Set("client_logo_uri", client.LogoURI)
		}
		return &AuthorizeResult{
			Outcome:     OutcomeProfileEntry,
			RedirectURL: appendQuery(s.cfg.ProfileEntryURL, params),
		}, nil
	}

	me := discovery.NormalizeProfileURL(req.Me)
	if err := validation.ValidateProfileURL(me); err != nil {
		return nil, fail(CodeInvalidRequest, err.Error(), err)
	}
	meURL, err := url.Parse(me)
	if err != nil {
		return nil, fail(CodeInvalidRequest, "me is not a valid URL", err)
	}
	if !s.hostAllowed(meURL.Hostname()) {
		s.logger.Info("profile host not allowed", zap.String("host", meURL.Hostname()))
		return nil, fail(CodeAccessDenied, "this profile is not allowed to sign in here", nil)
	}

	started := time.Now()
	profile := s.profiles.Discover(ctx, me)
	s.metrics.Discovery("profile", profile.Success, time.Since(started))
	if !profile.Success {
		return nil, fail(CodeInvalidRequest, "profile discovery failed: "+profile.Error, nil)
	}
	if len(profile.Providers) == 0 {
		return nil, fail(CodeInvalidRequest, "no supported identity provider is linked from the profile with rel=\"me\"", nil)
	}

	now := s.now()
	session := &models.PendingSession{
		ID:                  ksuid.New().String(),
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Scopes:              s.parseScopes(req.Scope),
		ProfileURL:          profile.ProfileURL,
		Providers:           profile.Providers,
		Status:              models.SessionCreated,
		ClientName:          client.ClientName,
		ClientLogoURI:       client.LogoURI,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.cfg.SessionLifetime),
	}

	if len(profile.Providers) > 1 {
		if err := s.store.CreateSession(ctx, session); err != nil {
			return nil, fail(CodeServerError, "failed to start session", err)
		}
		return &AuthorizeResult{
			Outcome:     OutcomeSelectProvider,
			RedirectURL: appendQuery(s.cfg.SelectProviderURL, url.Values{"session_id": {session.ID}}),
			SessionID:   session.ID,
		}, nil
	}

	provider, ok := s.providers.Get(profile.Providers[0].Type)
	if !ok {
		return nil, fail(CodeServerError, "discovered provider is not configured", nil)
	}
	providerState, err := token.NewState()
	if err != nil {
		return nil, fail(CodeServerError, "failed to start session", err)
	}
	session.Status = models.SessionProviderSelected
	session.SelectedProviderURL = profile.Providers[0].ProviderProfileURL
	session.ProviderState = providerState

	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, fail(CodeServerError, "failed to start session", err)
	}

	s.logger.Debug("authorization session started",
		zap.String("session_id", session.ID),
		zap.String("client_id", session.ClientID),
		zap.String("provider", provider.Type()))

	return &AuthorizeResult{
		Outcome:     OutcomeProviderRedirect,
		RedirectURL: provider.AuthorizationURL(providerState, s.CallbackURL()),
		SessionID:   session.ID,
	}, nil
}

func (s *Service) discoverClient(ctx context.Context, clientID string) *discovery.ClientInfo {
	started := time.Now()
	info := s.clients.Discover(ctx, clientID)
	if info == nil {
		info = &discovery.ClientInfo{ClientID: clientID}
	}
	s.metrics.Discovery("client", info.WasFetched, time.Since(started))
	return info
}

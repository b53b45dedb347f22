package indieauth

import (
	"context"
	"errors"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/fuomag9/indieauth/internal/models"
	"github.com/fuomag9/indieauth/internal/oauth"
	"github.com/fuomag9/indieauth/internal/store"
	"github.com/fuomag9/indieauth/internal/token"
)

// SessionView is what the presentation layer may see of a pending session
type SessionView struct {
	ID                  string                      `json:"id"`
	ClientID            string                      `json:"client_id"`
	ClientName          string                      `json:"client_name,omitempty"`
	ClientLogoURI       string                      `json:"client_logo_uri,omitempty"`
	ProfileURL          string                      `json:"me"`
	Scopes              []string                    `json:"scopes"`
	Providers           []models.DiscoveredProvider `json:"providers"`
	SelectedProviderURL string                      `json:"selected_provider_url,omitempty"`
	Status              models.SessionStatus        `json:"status"`
	ExpiresAt           time.Time                   `json:"expires_at"`
}

// CallbackRequest holds the query parameters an identity provider returns with
type CallbackRequest struct {
	State            string
	Code             string
	Error            string
	ErrorDescription string
}

// GetSession returns the display view of a pending session
func (s *Service) GetSession(ctx context.Context, sessionID string) (*SessionView, error) {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	scopes := session.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	return &SessionView{
		ID:                  session.ID,
		ClientID:            session.ClientID,
		ClientName:          session.ClientName,
		ClientLogoURI:       session.ClientLogoURI,
		ProfileURL:          session.ProfileURL,
		Scopes:              scopes,
		Providers:           session.Providers,
		SelectedProviderURL: session.SelectedProviderURL,
		Status:              session.Status,
		ExpiresAt:           session.ExpiresAt,
	}, nil
}

// SelectProvider records the user's choice among the discovered accounts, identified by
// its provider profile URL, and returns the provider's authorization URL.
// Choosing again before authentication replaces the earlier choice.
func (s *Service) SelectProvider(ctx context.Context, sessionID, providerProfileURL string) (string, error) {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if session.Status != models.SessionCreated && session.Status != models.SessionProviderSelected {
		return "", newError(CodeInvalidRequest, "session has already been authenticated")
	}

	discovered, ok := session.Provider(providerProfileURL)
	if !ok {
		return "", newError(CodeInvalidRequest, "provider was not discovered for this profile")
	}
	provider, ok := s.providers.Get(discovered.Type)
	if !ok {
		return "", newError(CodeInvalidRequest, "provider is not configured")
	}

	providerState, err := token.NewState()
	if err != nil {
		return "", serverError("failed to generate state", err)
	}

	expected := session.Status
	session.Status = models.SessionProviderSelected
	session.SelectedProviderURL = discovered.ProviderProfileURL
	session.ProviderState = providerState
	if err := s.store.UpdateSession(ctx, session, expected, s.now()); err != nil {
		return "", sessionError(err)
	}

	return provider.AuthorizationURL(providerState, s.CallbackURL()), nil
}

// HandleCallback completes authentication with the selected provider and returns
// the consent page URL
func (s *Service) HandleCallback(ctx context.Context, req CallbackRequest) (string, error) {
	if req.State == "" {
		return "", newError(CodeInvalidState, "missing state")
	}

	session, err := s.store.FindSessionByProviderState(ctx, req.State, s.now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", newError(CodeInvalidState, "session not found or expired")
		}
		return "", serverError("failed to load session", err)
	}

	fail := func(code ErrorCode, description string, cause error) *Error {
		return toClient(code, description, session.RedirectURI, session.State, cause)
	}

	if session.Status != models.SessionProviderSelected {
		return "", newError(CodeInvalidState, "session is not awaiting authentication")
	}
	if req.Error != "" {
		s.logger.Info("identity provider returned an error",
			zap.String("session_id", session.ID), zap.String("error", req.Error))
		return "", fail(CodeAccessDenied, "authentication was cancelled at the identity provider", nil)
	}
	if req.Code == "" {
		return "", fail(CodeInvalidRequest, "identity provider returned no code", nil)
	}

	// Verify against the provider recorded at discovery, not whatever the callback implies
	discovered, ok := session.SelectedProvider()
	if !ok {
		return "", fail(CodeServerError, "no provider selected", nil)
	}
	provider, ok := s.providers.Get(discovered.Type)
	if !ok {
		return "", fail(CodeServerError, "provider is not configured", nil)
	}

	exchanged, err := provider.ExchangeCode(ctx, req.Code, s.CallbackURL())
	if err != nil {
		s.logger.Warn("provider code exchange failed", zap.String("provider", discovered.Type), zap.Error(err))
		return "", fail(CodeTokenExchangeFailed, "could not complete sign-in with "+provider.DisplayName(), err)
	}

	if err := provider.VerifyProfile(ctx, exchanged.AccessToken, discovered.ProviderProfileURL); err != nil {
		s.logger.Warn("provider profile verification failed",
			zap.String("provider", discovered.Type),
			zap.String("expected", discovered.ProviderProfileURL),
			zap.Error(err))
		code := CodeVerificationFailed
		if !errors.Is(err, oauth.ErrVerificationFailed) {
			code = CodeServerError
		}
		return "", fail(code, "the signed-in account does not match "+discovered.ProviderProfileURL, err)
	}

	session.Status = models.SessionAuthenticated
	session.ProviderState = ""
	if err := s.store.UpdateSession(ctx, session, models.SessionProviderSelected, s.now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", newError(CodeInvalidState, "session not found or expired")
		}
		return "", fail(CodeServerError, "failed to update session", err)
	}

	s.logger.Info("user authenticated",
		zap.String("session_id", session.ID),
		zap.String("me", session.ProfileURL),
		zap.String("provider", discovered.Type))

	return appendQuery(s.cfg.ConsentURL, url.Values{"session_id": {session.ID}}), nil
}

// SubmitConsent records the user's decision. Approval mints the authorization code;
// denial sends access_denied to the client. Either way the client redirect is returned.
func (s *Service) SubmitConsent(ctx context.Context, sessionID string, approve bool) (string, error) {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if !session.IsAuthenticated() {
		return "", newError(CodeInvalidRequest, "session has not been authenticated")
	}

	if !approve {
		denied := toClient(CodeAccessDenied, "the user denied the request", session.RedirectURI, session.State, nil)
		return denied.RedirectURL(s.cfg.Issuer), nil
	}

	now := s.now()
	if !session.IsConsentGiven() {
		session.Status = models.SessionConsentGiven
		if err := s.store.UpdateSession(ctx, session, models.SessionAuthenticated, now); err != nil {
			return "", sessionError(err)
		}
	}

	code, err := token.NewAuthorizationCode()
	if err != nil {
		return "", serverError("failed to generate authorization code", err)
	}
	authCode := &models.AuthorizationCode{
		Code:                code,
		ClientID:            session.ClientID,
		RedirectURI:         session.RedirectURI,
		ProfileURL:          session.ProfileURL,
		Scopes:              session.Scopes,
		CodeChallenge:       session.CodeChallenge,
		CodeChallengeMethod: session.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.cfg.AuthCodeLifetime),
	}
	if err := s.store.ConsumeSession(ctx, session.ID, authCode, now); err != nil {
		return "", sessionError(err)
	}
	s.metrics.CodeIssued()

	s.logger.Info("authorization code issued",
		zap.String("client_id", authCode.ClientID),
		zap.String("me", authCode.ProfileURL),
		zap.Strings("scopes", authCode.Scopes))

	return appendQuery(session.RedirectURI, url.Values{
		"code":  {code},
		"state": {session.State},
		"iss":   {s.cfg.Issuer},
	}), nil
}

func (s *Service) loadSession(ctx context.Context, sessionID string) (*models.PendingSession, error) {
	if sessionID == "" {
		return nil, newError(CodeSessionNotFound, "session not found or expired")
	}
	session, err := s.store.GetSession(ctx, sessionID, s.now())
	if err != nil {
		return nil, sessionError(err)
	}
	return session, nil
}

func sessionError(err error) *Error {
	if errors.Is(err, store.ErrNotFound) {
		return newError(CodeSessionNotFound, "session not found or expired")
	}
	return serverError("failed to update session", err)
}

package indieauth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fuomag9/indieauth/internal/models"
	"github.com/fuomag9/indieauth/internal/pkce"
	"github.com/fuomag9/indieauth/internal/store"
	"github.com/fuomag9/indieauth/internal/token"
)

const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
)

// CodeRequest holds the parameters for redeeming an authorization code
type CodeRequest struct {
	Code         string
	ClientID     string
	RedirectURI  string
	CodeVerifier string
}

// RefreshRequest holds the parameters of a refresh_token grant
type RefreshRequest struct {
	RefreshToken string
	ClientID     string
}

// ProfileResponse is returned by the profile-only code verification
type ProfileResponse struct {
	Me string `json:"me"`
}

// TokenResponse is returned by the token endpoint
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
	Me           string `json:"me"`
}

// IntrospectionResponse follows RFC 7662
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Me        string `json:"me,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Scope     string `json:"scope,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
	TokenType string `json:"token_type,omitempty"`
}

// VerifyProfileCode redeems a code at the authorization endpoint, returning only the profile URL
func (s *Service) VerifyProfileCode(ctx context.Context, req CodeRequest) (*ProfileResponse, error) {
	code, err := s.checkCode(ctx, req, false)
	if err == nil {
		err = s.redeemCode(ctx, req.Code, nil)
	}
	if err != nil {
		s.metrics.Token("profile", "error")
		return nil, err
	}
	s.metrics.Token("profile", "success")
	return &ProfileResponse{Me: code.ProfileURL}, nil
}

// ExchangeCode redeems a code at the token endpoint for an access and refresh token
func (s *Service) ExchangeCode(ctx context.Context, req CodeRequest) (*TokenResponse, error) {
	resp, err := s.exchangeCode(ctx, req)
	if err != nil {
		s.metrics.Token(GrantAuthorizationCode, "error")
		return nil, err
	}
	s.metrics.Token(GrantAuthorizationCode, "success")
	return resp, nil
}

func (s *Service) exchangeCode(ctx context.Context, req CodeRequest) (*TokenResponse, error) {
	code, err := s.checkCode(ctx, req, true)
	if err != nil {
		return nil, err
	}

	refresh, err := s.newRefreshToken(code.ProfileURL, code.ClientID, code.Scopes)
	if err != nil {
		return nil, err
	}
	// The code is spent only if the refresh token is stored with it
	if err := s.redeemCode(ctx, req.Code, refresh); err != nil {
		return nil, err
	}

	return s.tokenResponse(refresh)
}

// Refresh rotates a refresh token and mints a new access token from its stored scopes
func (s *Service) Refresh(ctx context.Context, req RefreshRequest) (*TokenResponse, error) {
	resp, err := s.refresh(ctx, req)
	if err != nil {
		s.metrics.Token(GrantRefreshToken, "error")
		return nil, err
	}
	s.metrics.Token(GrantRefreshToken, "success")
	return resp, nil
}

func (s *Service) refresh(ctx context.Context, req RefreshRequest) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, newError(CodeInvalidRequest, "refresh_token is required")
	}
	if req.ClientID == "" {
		return nil, newError(CodeInvalidRequest, "client_id is required")
	}

	now := s.now()
	current, err := s.store.GetRefreshToken(ctx, req.RefreshToken, now)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, newError(CodeInvalidGrant, "refresh token is invalid, expired or revoked")
		}
		return nil, serverError("failed to load refresh token", err)
	}
	if current.ClientID != req.ClientID {
		s.logger.Warn("refresh token presented by another client", zap.String("client_id", req.ClientID))
		return nil, newError(CodeInvalidGrant, "refresh token was issued to another client")
	}

	next, err := s.newRefreshToken(current.ProfileURL, current.ClientID, current.Scopes)
	if err != nil {
		return nil, err
	}
	if err := s.store.RotateRefreshToken(ctx, req.RefreshToken, next, now); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, newError(CodeInvalidGrant, "refresh token is invalid, expired or revoked")
		}
		return nil, serverError("failed to rotate refresh token", err)
	}

	return s.tokenResponse(next)
}

// Introspect reports whether an access token is active. bearer must match the
// configured introspection secret; without one every request is unauthorized.
func (s *Service) Introspect(_ context.Context, bearer, tokenValue string) (*IntrospectionResponse, error) {
	if !s.introspectionAuthorized(bearer) {
		s.metrics.IntrospectionUnauthorized()
		return nil, newError(CodeUnauthorized, "a valid introspection bearer token is required")
	}

	if tokenValue == "" {
		s.metrics.Introspection(false)
		return &IntrospectionResponse{Active: false}, nil
	}

	at, err := s.tokens.Validate(tokenValue)
	if err != nil {
		if errors.Is(err, token.ErrUnexpected) {
			s.logger.Error("unexpected error validating access token", zap.Error(err))
		}
		s.metrics.Introspection(false)
		return &IntrospectionResponse{Active: false}, nil
	}

	s.metrics.Introspection(true)
	return &IntrospectionResponse{
		Active:    true,
		Me:        at.Me,
		ClientID:  at.ClientID,
		Scope:     at.Scope(),
		Exp:       at.ExpiresAt.Unix(),
		Iat:       at.IssuedAt.Unix(),
		TokenType: "Bearer",
	}, nil
}

// Revoke revokes a refresh token. It never fails: unknown tokens and access
// tokens are accepted silently, and access tokens simply expire.
func (s *Service) Revoke(ctx context.Context, tokenValue string) {
	if tokenValue == "" {
		return
	}
	revoked, err := s.store.RevokeRefreshToken(ctx, tokenValue)
	if err != nil {
		s.logger.Error("failed to revoke refresh token", zap.Error(err))
		return
	}
	if revoked {
		s.metrics.Revocation()
	}
}

// checkCode runs the checks shared by both code endpoints. It does not spend the
// code, so a code that fails a check stays usable.
func (s *Service) checkCode(ctx context.Context, req CodeRequest, requireScopes bool) (*models.AuthorizationCode, error) {
	switch {
	case req.Code == "":
		return nil, newError(CodeInvalidRequest, "code is required")
	case req.ClientID == "":
		return nil, newError(CodeInvalidRequest, "client_id is required")
	case req.RedirectURI == "":
		return nil, newError(CodeInvalidRequest, "redirect_uri is required")
	case req.CodeVerifier == "":
		return nil, newError(CodeInvalidRequest, "code_verifier is required")
	}

	now := s.now()
	code, err := s.store.GetAuthorizationCode(ctx, req.Code, now)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, newError(CodeInvalidGrant, "authorization code is invalid, expired or already used")
		}
		return nil, serverError("failed to load authorization code", err)
	}

	if code.ClientID != req.ClientID {
		return nil, newError(CodeInvalidGrant, "client_id does not match the authorization code")
	}
	if code.RedirectURI != req.RedirectURI {
		return nil, newError(CodeInvalidGrant, "redirect_uri does not match the authorization code")
	}
	if !pkce.ValidateCodeVerifier(req.CodeVerifier, code.CodeChallenge, code.CodeChallengeMethod) {
		return nil, newError(CodeInvalidGrant, "code_verifier does not match the code_challenge")
	}
	if requireScopes && !code.HasScopes() {
		return nil, newError(CodeInvalidGrant, "authorization code was issued without scopes and cannot be exchanged for a token")
	}

	return code, nil
}

// redeemCode marks the code used, storing refresh in the same unit of work when given
func (s *Service) redeemCode(ctx context.Context, code string, refresh *models.RefreshToken) error {
	if err := s.store.RedeemAuthorizationCode(ctx, code, refresh, s.now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return newError(CodeInvalidGrant, "authorization code is invalid, expired or already used")
		}
		return serverError("failed to redeem authorization code", err)
	}
	return nil
}

func (s *Service) newRefreshToken(profileURL, clientID string, scopes []string) (*models.RefreshToken, error) {
	value, err := token.NewRefreshToken()
	if err != nil {
		return nil, serverError("failed to generate refresh token", err)
	}
	now := s.now()
	return &models.RefreshToken{
		Token:      value,
		ProfileURL: profileURL,
		ClientID:   clientID,
		Scopes:     scopes,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.RefreshTokenLifetime),
	}, nil
}

func (s *Service) tokenResponse(refresh *models.RefreshToken) (*TokenResponse, error) {
	accessToken, _, err := s.tokens.Mint(refresh.ProfileURL, refresh.ClientID, refresh.Scopes)
	if err != nil {
		return nil, serverError("failed to mint access token", err)
	}

	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.tokens.Lifetime() / time.Second),
		RefreshToken: refresh.Token,
		Scope:        strings.Join(refresh.Scopes, " "),
		Me:           refresh.ProfileURL,
	}, nil
}

func (s *Service) introspectionAuthorized(bearer string) bool {
	if s.cfg.IntrospectionSecret == "" || bearer == "" {
		return false
	}
	// Hashing first keeps the comparison length-independent
	want := sha256.Sum256([]byte(s.cfg.IntrospectionSecret))
	got := sha256.Sum256([]byte(bearer))
	return subtle.ConstantTimeCompare(want[:], got[:]) == 1
}

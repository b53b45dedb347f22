package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultAccessTokenLifetime is used when no lifetime is configured
const DefaultAccessTokenLifetime = 15 * time.Minute

var (
	// ErrExpired means the token was well-formed and signed but is past its expiry
	ErrExpired = errors.New("access token expired")
	// ErrInvalid means the token failed signature, issuer, audience or format checks
	ErrInvalid = errors.New("access token invalid")
	// ErrUnexpected wraps failures that are not the caller's fault
	ErrUnexpected = errors.New("unexpected token validation failure")
)

// Claims are the JWT claims carried by an access token
type Claims struct {
	Me       string `json:"me"`
	ClientID string `json:"client_id"`
	Scope    string `json:"scope"`
	jwt.RegisteredClaims
}

// AccessToken is the validated content of an access token
type AccessToken struct {
	Me        string
	ClientID  string
	Scopes    []string
	IssuedAt  time.Time
	ExpiresAt time.Time
	ID        string
}

// Scope returns the space-joined scope string
func (t *AccessToken) Scope() string {
	return strings.Join(t.Scopes, " ")
}

// IssuerConfig holds the parameters for signing access tokens
type IssuerConfig struct {
	SigningKey []byte
	Issuer     string
	Audience   string
	Lifetime   time.Duration
}

// Issuer mints and validates HS256-signed access tokens
type Issuer struct {
	key      []byte
	issuer   string
	audience string
	lifetime time.Duration
	now      func() time.Time
}

// NewIssuer creates an access token issuer
func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	if len(cfg.SigningKey) < 32 {
		return nil, fmt.Errorf("signing key must be at least 32 bytes")
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}

	audience := cfg.Audience
	if audience == "" {
		audience = cfg.Issuer
	}

	lifetime := cfg.Lifetime
	if lifetime <= 0 {
		lifetime = DefaultAccessTokenLifetime
	}

	return &Issuer{
		key:      cfg.SigningKey,
		issuer:   cfg.Issuer,
		audience: audience,
		lifetime: lifetime,
		now:      time.Now,
	}, nil
}

// SetClock overrides the time source. Used by tests.
func (i *Issuer) SetClock(now func() time.Time) {
	i.now = now
}

// Lifetime returns how long minted tokens stay valid
func (i *Issuer) Lifetime() time.Duration {
	return i.lifetime
}

// Mint signs a new access token for the profile and client
func (i *Issuer) Mint(me, clientID string, scopes []string) (string, time.Time, error) {
	issuedAt := i.now().Truncate(time.Second)
	expiresAt := issuedAt.Add(i.lifetime)

	claims := Claims{
		Me:       me,
		ClientID: clientID,
		Scope:    strings.Join(scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   me,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate checks signature, issuer, audience and lifetime and returns the claims
func (i *Issuer) Validate(tokenString string) (*AccessToken, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return i.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(i.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, classify(err)
	}

	if claims.Me == "" || claims.ClientID == "" {
		return nil, fmt.Errorf("%w: missing me or client_id claim", ErrInvalid)
	}

	at := &AccessToken{
		Me:       claims.Me,
		ClientID: claims.ClientID,
		Scopes:   strings.Fields(claims.Scope),
		ID:       claims.ID,
	}
	if claims.IssuedAt != nil {
		at.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		at.ExpiresAt = claims.ExpiresAt.Time
	}
	return at, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	case errors.Is(err, jwt.ErrTokenMalformed),
		errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable),
		errors.Is(err, jwt.ErrTokenInvalidIssuer),
		errors.Is(err, jwt.ErrTokenInvalidAudience),
		errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenUsedBeforeIssued),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing),
		errors.Is(err, jwt.ErrTokenInvalidClaims):
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnexpected, err)
	}
}

package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

const (
	githubType       = "github"
	githubAPIBaseURL = "https://api.github.com"
	githubIconURL    = "https://github.githubassets.com/favicons/favicon.svg"
)

var githubUsername = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9-]{0,37}[A-Za-z0-9])?$`)

// githubReservedPaths are top-level github.com paths that are not user profiles
var githubReservedPaths = map[string]bool{
	"about": true, "account": true, "apps": true, "blog": true, "collections": true,
	"contact": true, "customer-stories": true, "dashboard": true, "enterprise": true,
	"events": true, "explore": true, "features": true, "home": true, "issues": true,
	"join": true, "login": true, "logout": true, "marketplace": true, "new": true,
	"notifications": true, "orgs": true, "organizations": true, "pricing": true,
	"pulls": true, "readme": true, "search": true, "security": true, "sessions": true,
	"settings": true, "signup": true, "site": true, "sponsors": true, "team": true,
	"topics": true, "trending": true,
}

// GitHubConfig holds GitHub OAuth app credentials. The URL fields default to
// github.com and only need to be set for GitHub Enterprise or tests.
type GitHubConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	APIBaseURL   string
	Timeout      time.Duration
}

// GitHubProvider authenticates users through a GitHub OAuth app
type GitHubProvider struct {
	oauth      oauth2.Config
	apiBaseURL string
	httpClient *http.Client
	logger     *zap.Logger
}

// githubUser is the subset of GET /user we use
type githubUser struct {
	Login   string `json:"login"`
	Name    string `json:"name"`
	HTMLURL string `json:"html_url"`
}

// NewGitHubProvider creates a GitHub identity provider adapter
func NewGitHubProvider(cfg GitHubConfig, logger *zap.Logger) (*GitHubProvider, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("GitHub client id and secret are required")
	}

	endpoint := github.Endpoint
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}

	apiBase := githubAPIBaseURL
	if cfg.APIBaseURL != "" {
		apiBase = strings.TrimRight(cfg.APIBaseURL, "/")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &GitHubProvider{
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			// No scope: only the public profile is read
			Scopes: nil,
		},
		apiBaseURL: apiBase,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("github"),
	}, nil
}

// Type returns the provider type name
func (g *GitHubProvider) Type() string {
	return githubType
}

// DisplayName returns the name shown in the provider picker
func (g *GitHubProvider) DisplayName() string {
	return "GitHub"
}

// IconURL returns the provider icon
func (g *GitHubProvider) IconURL() string {
	return githubIconURL
}

// CanHandle matches https://github.com/{username}
func (g *GitHubProvider) CanHandle(profileURL string) bool {
	_, ok := githubUsernameFromURL(profileURL)
	return ok
}

// AuthorizationURL returns the GitHub authorize URL for the callback
func (g *GitHubProvider) AuthorizationURL(state, redirectURI string) string {
	return g.oauth.AuthCodeURL(state,
		oauth2.SetAuthURLParam("redirect_uri", redirectURI),
		oauth2.SetAuthURLParam("allow_signup", "false"),
	)
}

// ExchangeCode exchanges the GitHub authorization code and loads the account
func (g *GitHubProvider) ExchangeCode(ctx context.Context, code, redirectURI string) (*ExchangeResult, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.httpClient)

	tok, err := g.oauth.Exchange(ctx, code, oauth2.SetAuthURLParam("redirect_uri", redirectURI))
	if err != nil {
		g.logger.Warn("code exchange failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrTokenExchangeFailed, err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response missing access_token", ErrTokenExchangeFailed)
	}

	user, err := g.fetchUser(ctx, tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenExchangeFailed, err)
	}

	return &ExchangeResult{
		AccessToken: tok.AccessToken,
		Username:    user.Login,
		Name:        user.Name,
		ProfileURL:  user.HTMLURL,
	}, nil
}

// VerifyProfile checks that the token's account is the one linked from the user's site
func (g *GitHubProvider) VerifyProfile(ctx context.Context, accessToken, expectedProfileURL string) error {
	expected, ok := githubUsernameFromURL(expectedProfileURL)
	if !ok {
		return fmt.Errorf("%w: %s is not a GitHub profile URL", ErrVerificationFailed, expectedProfileURL)
	}

	user, err := g.fetchUser(ctx, accessToken)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	if !strings.EqualFold(user.Login, expected) {
		g.logger.Warn("authenticated account does not match linked profile",
			zap.String("login", user.Login), zap.String("expected", expected))
		return fmt.Errorf("%w: authenticated as %s, expected %s", ErrVerificationFailed, user.Login, expected)
	}
	return nil
}

func (g *GitHubProvider) fetchUser(ctx context.Context, accessToken string) (*githubUser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.apiBaseURL+"/user", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create user request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("user request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("user request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var user githubUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("failed to decode user response: %w", err)
	}
	if user.Login == "" {
		return nil, fmt.Errorf("user response missing login")
	}
	return &user, nil
}

// githubUsernameFromURL extracts the username from https://github.com/{username}
func githubUsernameFromURL(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", false
	}

	host := strings.ToLower(u.Hostname())
	if host != "github.com" && host != "www.github.com" {
		return "", false
	}
	if u.Port() != "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", false
	}

	name := strings.TrimSuffix(strings.TrimPrefix(u.Path, "/"), "/")
	if name == "" || strings.Contains(name, "/") {
		return "", false
	}
	if githubReservedPaths[strings.ToLower(name)] || !githubUsername.MatchString(name) {
		return "", false
	}
	return name, true
}

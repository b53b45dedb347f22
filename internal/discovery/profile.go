package discovery

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tomnomnom/linkheader"
	"go.uber.org/zap"
	"willnorris.com/go/microformats"

	"github.com/fuomag9/indieauth/internal/egress"
	"github.com/fuomag9/indieauth/internal/models"
)

const (
	relMe                    = "me"
	relAuthorizationEndpoint = "authorization_endpoint"
	relTokenEndpoint         = "token_endpoint"
)

// ProfileResult is the outcome of discovering a user's profile page
type ProfileResult struct {
	Success    bool
	ProfileURL string
	Providers  []models.DiscoveredProvider
	RelMeLinks []string

	// Informational; this server is the authorization endpoint in use
	AuthorizationEndpoint string
	TokenEndpoint         string

	Error string
}

// ProfileDiscoverer resolves the identity providers a profile links to with rel="me"
type ProfileDiscoverer struct {
	client  HTTPDoer
	matcher ProviderMatcher
	logger  *zap.Logger
}

// NewProfileDiscoverer creates a profile discoverer
func NewProfileDiscoverer(client HTTPDoer, matcher ProviderMatcher, logger *zap.Logger) *ProfileDiscoverer {
	return &ProfileDiscoverer{
		client:  client,
		matcher: matcher,
		logger:  logger.Named("profile_discovery"),
	}
}

// Discover fetches profileURL and extracts rel="me" providers and endpoint
// relations. Failures are reported in the result, never returned as an error.
func (d *ProfileDiscoverer) Discover(ctx context.Context, profileURL string) *ProfileResult {
	normalized := NormalizeProfileURL(profileURL)
	result := &ProfileResult{ProfileURL: normalized}

	base, err := url.Parse(normalized)
	if err != nil {
		result.Error = fmt.Sprintf("invalid profile URL: %v", err)
		return result
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, normalized, nil)
	if err != nil {
		result.Error = fmt.Sprintf("failed to create request: %v", err)
		return result
	}
	req.Header.Set("Accept", "text/html, application/xhtml+xml;q=0.9, */*;q=0.1")
	req.Header.Set("User-Agent", userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Info("profile fetch failed", zap.String("profile", normalized), zap.Error(err))
		result.Error = fmt.Sprintf("failed to fetch profile: %v", err)
		return result
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		d.logger.Info("profile fetch returned non-success status",
			zap.String("profile", normalized), zap.Int("status", resp.StatusCode))
		result.Error = fmt.Sprintf("profile returned status %d", resp.StatusCode)
		return result
	}

	// Relative links resolve against the final URL after redirects
	if resp.Request != nil && resp.Request.URL != nil {
		base = resp.Request.URL
	}

	result.AuthorizationEndpoint = linkHeaderRel(resp.Header, base, relAuthorizationEndpoint)
	result.TokenEndpoint = linkHeaderRel(resp.Header, base, relTokenEndpoint)

	if ct := resp.Header.Get("Content-Type"); ct == "" || isHTML(ct) {
		body, err := egress.ReadBody(resp, egress.MaxResponseSize)
		if err != nil {
			result.Error = fmt.Sprintf("failed to read profile: %v", err)
			return result
		}

		data := microformats.Parse(bytes.NewReader(body), base)
		result.RelMeLinks = uniqueRels(data.Rels[relMe], base)

		if result.AuthorizationEndpoint == "" {
			result.AuthorizationEndpoint = firstRel(data.Rels[relAuthorizationEndpoint], base)
		}
		if result.TokenEndpoint == "" {
			result.TokenEndpoint = firstRel(data.Rels[relTokenEndpoint], base)
		}
	}

	result.Providers = d.matchProviders(result.RelMeLinks)
	result.Success = true

	d.logger.Debug("profile discovered",
		zap.String("profile", normalized),
		zap.Int("rel_me", len(result.RelMeLinks)),
		zap.Int("providers", len(result.Providers)))
	return result
}

// matchProviders keeps every rel="me" target a provider can handle, once per
// provider profile URL. Two accounts on the same provider are both kept.
func (d *ProfileDiscoverer) matchProviders(links []string) []models.DiscoveredProvider {
	var providers []models.DiscoveredProvider
	seen := make(map[string]bool)
	for _, link := range links {
		p, ok := d.matcher.Match(link)
		if !ok || seen[p.ProviderProfileURL] {
			continue
		}
		seen[p.ProviderProfileURL] = true
		providers = append(providers, p)
	}
	return providers
}

// linkHeaderRel returns the first Link header target carrying rel
func linkHeaderRel(header http.Header, base *url.URL, rel string) string {
	values := header.Values("Link")
	if len(values) == 0 {
		return ""
	}

	for _, link := range linkheader.ParseMultiple(values) {
		for _, r := range strings.Fields(link.Rel) {
			if strings.EqualFold(r, rel) {
				if resolved := resolve(base, link.URL); resolved != "" {
					return resolved
				}
			}
		}
	}
	return ""
}

func firstRel(values []string, base *url.URL) string {
	for _, v := range values {
		if resolved := resolve(base, v); resolved != "" {
			return resolved
		}
	}
	return ""
}

func uniqueRels(values []string, base *url.URL) []string {
	var out []string
	seen := make(map[string]bool)
	for _, v := range values {
		resolved := resolve(base, v)
		if resolved == "" || seen[resolved] {
			continue
		}
		seen[resolved] = true
		out = append(out, resolved)
	}
	return out
}

func resolve(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return base.ResolveReference(u).String()
}

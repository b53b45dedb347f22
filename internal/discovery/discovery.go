// Package discovery fetches user profile pages and client_id documents.
//
// Profile discovery (RelMeAuth) extracts rel="me" links and IndieAuth endpoint
// relations from the user's homepage. Client discovery reads a client's JSON
// metadata document or its h-app microformat. Every fetch goes through the
// HTTPDoer supplied at construction, which in production is the egress-guarded
// client.
package discovery

import (
	"net/http"
	"strings"

	"github.com/fuomag9/indieauth/internal/models"
)

// HTTPDoer performs HTTP requests. *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ProviderMatcher maps a rel="me" target to a supported identity provider
type ProviderMatcher interface {
	Match(profileURL string) (models.DiscoveredProvider, bool)
}

const userAgent = "indieauth-server (+https://indieauth.spec.indieweb.org/)"

// NormalizeProfileURL canonicalizes user input for "me": adds https:// when no
// scheme is present, lowercases scheme and authority, ensures a path and strips
// a non-root trailing slash. Path segments are left untouched so that
// validation still sees dot-segments.
func NormalizeProfileURL(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}

	i := strings.Index(s, "://")
	scheme := strings.ToLower(s[:i])
	rest := s[i+3:]

	authority, tail := rest, ""
	if j := strings.IndexAny(rest, "/?#"); j >= 0 {
		authority, tail = rest[:j], rest[j:]
	}
	authority = strings.ToLower(authority)

	if tail == "" || tail[0] != '/' {
		tail = "/" + tail
	}

	path, suffix := tail, ""
	if j := strings.IndexAny(tail, "?#"); j >= 0 {
		path, suffix = tail[:j], tail[j:]
	}
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		path = strings.TrimSuffix(path, "/")
	}

	return scheme + "://" + authority + path + suffix
}

func mediaType(contentType string) string {
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

func isHTML(contentType string) bool {
	mt := mediaType(contentType)
	return mt == "text/html" || mt == "application/xhtml+xml"
}

func isJSON(contentType string) bool {
	mt := mediaType(contentType)
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

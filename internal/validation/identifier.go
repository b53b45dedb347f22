package validation

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrInvalidIdentifier is wrapped by every validation failure in this package
var ErrInvalidIdentifier = errors.New("invalid identifier")

// RedirectOrigin describes how a redirect_uri relates to its client_id
type RedirectOrigin int

const (
	// RedirectSameOrigin means scheme, host and port match the client_id
	RedirectSameOrigin RedirectOrigin = iota
	// RedirectCrossOrigin means the redirect_uri must appear in the client's
	// published redirect_uris before it can be used
	RedirectCrossOrigin
)

var loopbackHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
}

var dangerousSchemes = []string{
	"javascript:",
	"data:",
	"vbscript:",
	"file:",
}

// IsLoopbackHost reports whether host is one of the loopback names a client_id
// may use over plain http.
func IsLoopbackHost(host string) bool {
	host = strings.Trim(strings.ToLower(host), "[]")
	return loopbackHosts[host]
}

// ValidateClientID checks a client_id against the IndieAuth client identifier rules.
func ValidateClientID(raw string) error {
	u, err := parseAbsolute(raw)
	if err != nil {
		return err
	}

	host := u.Hostname()
	switch u.Scheme {
	case "https":
	case "http":
		if !IsLoopbackHost(host) {
			return invalid("client_id must use https unless it is a loopback address")
		}
	default:
		return invalid("client_id must use http or https")
	}

	if err := checkCommon(raw, u); err != nil {
		return err
	}

	if net.ParseIP(host) != nil && !IsLoopbackHost(host) {
		return invalid("client_id host must be a domain name")
	}

	return nil
}

// ValidateProfileURL checks a user profile URL ("me"). It is stricter than
// ValidateClientID: IP literals are never allowed and only the default port
// may appear.
func ValidateProfileURL(raw string) error {
	u, err := parseAbsolute(raw)
	if err != nil {
		return err
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return invalid("profile URL must use http or https")
	}

	if err := checkCommon(raw, u); err != nil {
		return err
	}

	if net.ParseIP(u.Hostname()) != nil {
		return invalid("profile URL host must be a domain name")
	}

	if port := u.Port(); port != "" && port != defaultPort(u.Scheme) {
		return invalid("profile URL must not contain a port")
	}

	return nil
}

// CheckRedirectURI compares redirect_uri with client_id. A cross-origin result is
// only a candidate: the caller must still confirm it against the client's
// published metadata.
func CheckRedirectURI(clientID, redirectURI string) (RedirectOrigin, error) {
	if redirectURI == "" {
		return 0, invalid("redirect_uri is required")
	}

	client, err := url.Parse(clientID)
	if err != nil {
		return 0, invalid("client_id is not a valid URL")
	}

	redirect, err := url.Parse(redirectURI)
	if err == nil && sameOrigin(client, redirect) {
		return RedirectSameOrigin, nil
	}

	lower := strings.ToLower(strings.TrimSpace(redirectURI))
	for _, scheme := range dangerousSchemes {
		if strings.HasPrefix(lower, scheme) {
			return 0, invalid("redirect_uri uses a forbidden scheme")
		}
	}

	if err != nil || !redirect.IsAbs() || redirect.Host == "" {
		return 0, invalid("redirect_uri must be an absolute URL")
	}

	switch redirect.Scheme {
	case "https":
	case "http":
		if !IsLoopbackHost(redirect.Hostname()) {
			return 0, invalid("redirect_uri must use https")
		}
	default:
		return 0, invalid("redirect_uri must use https")
	}

	if redirect.User != nil {
		return 0, invalid("redirect_uri must not contain userinfo")
	}

	if HasDotSegments(RawPath(redirectURI)) {
		return 0, invalid("redirect_uri must not contain dot segments")
	}

	return RedirectCrossOrigin, nil
}

// RawPath returns the path portion of a URL string exactly as written, before
// any decoding or dot-segment removal.
func RawPath(raw string) string {
	rest := raw
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}

	i := strings.IndexAny(rest, "/?#")
	if i < 0 || rest[i] != '/' {
		return ""
	}
	rest = rest[i:]

	if j := strings.IndexAny(rest, "?#"); j >= 0 {
		rest = rest[:j]
	}
	return rest
}

// HasDotSegments reports whether a raw path contains "." or ".." segments,
// including their percent-encoded spellings.
func HasDotSegments(rawPath string) bool {
	for _, segment := range strings.Split(rawPath, "/") {
		switch strings.ToLower(segment) {
		case ".", "..", "%2e", "%2e%2e", ".%2e", "%2e.":
			return true
		}
	}
	return false
}

func parseAbsolute(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, invalid("URL is required")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIdentifier, err)
	}

	if !u.IsAbs() || u.Host == "" {
		return nil, invalid("URL must be absolute")
	}

	return u, nil
}

// checkCommon applies the rules shared by client and profile identifiers.
func checkCommon(raw string, u *url.URL) error {
	if strings.Contains(raw, "#") {
		return invalid("URL must not contain a fragment")
	}

	if u.User != nil {
		return invalid("URL must not contain a username or password")
	}

	rawPath := RawPath(raw)
	if rawPath == "" {
		return invalid("URL must contain a path")
	}

	if HasDotSegments(rawPath) {
		return invalid("URL must not contain single-dot or double-dot path segments")
	}

	return nil
}

func sameOrigin(a, b *url.URL) bool {
	if !strings.EqualFold(a.Scheme, b.Scheme) {
		return false
	}
	if !strings.EqualFold(a.Hostname(), b.Hostname()) {
		return false
	}
	return effectivePort(a) == effectivePort(b)
}

func effectivePort(u *url.URL) string {
	if port := u.Port(); port != "" {
		return port
	}
	return defaultPort(strings.ToLower(u.Scheme))
}

func defaultPort(scheme string) string {
	switch scheme {
	case "http":
		return "80"
	case "https":
		return "443"
	}
	return ""
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidIdentifier, msg)
}

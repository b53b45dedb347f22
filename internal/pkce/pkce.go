// Package pkce verifies Proof Key for Code Exchange parameters (RFC 7636).
// Only the S256 method is supported.
package pkce

import (
	"crypto/subtle"

	"golang.org/x/oauth2"
)

// MethodS256 is the only supported code_challenge_method
const MethodS256 = "S256"

const (
	minVerifierLength = 43
	maxVerifierLength = 128
)

// GenerateCodeChallenge returns BASE64URL(SHA256(verifier)) without padding.
func GenerateCodeChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// ValidateCodeVerifier reports whether verifier matches the stored challenge.
// "plain" and any other method are rejected.
func ValidateCodeVerifier(verifier, challenge, method string) bool {
	if method != MethodS256 || challenge == "" {
		return false
	}

	if len(verifier) < minVerifierLength || len(verifier) > maxVerifierLength {
		return false
	}

	for i := 0; i < len(verifier); i++ {
		if !isUnreserved(verifier[i]) {
			return false
		}
	}

	computed := GenerateCodeChallenge(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// isUnreserved matches RFC 3986 unreserved characters: ALPHA / DIGIT / "-" / "." / "_" / "~"
func isUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}
	return false
}

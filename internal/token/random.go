package token

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// secretBytes is 256 bits of entropy for codes and refresh tokens
const secretBytes = 32

// NewAuthorizationCode returns a random URL-safe authorization code
func NewAuthorizationCode() (string, error) {
	return randomString()
}

// NewRefreshToken returns a random opaque refresh token
func NewRefreshToken() (string, error) {
	return randomString()
}

// NewState returns a random value for correlating provider callbacks
func NewState() (string, error) {
	return randomString()
}

func randomString() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random value: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

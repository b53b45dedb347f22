package pkce

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const (
	rfcVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	rfcChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

func TestGenerateCodeChallenge_RFC7636Example(t *testing.T) {
	t.Parallel()

	assert.Equal(t, rfcChallenge, GenerateCodeChallenge(rfcVerifier))
}

func TestValidateCodeVerifier(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", 128)
	tooLong := strings.Repeat("a", 129)

	tests := []struct {
		name      string
		verifier  string
		challenge string
		method    string
		want      bool
	}{
		{"rfc example", rfcVerifier, rfcChallenge, "S256", true},
		{"max length", long, GenerateCodeChallenge(long), "S256", true},
		{"all unreserved characters", "abcABC012-._~" + strings.Repeat("x", 30), GenerateCodeChallenge("abcABC012-._~" + strings.Repeat("x", 30)), "S256", true},
		{"plain method", rfcVerifier, rfcVerifier, "plain", false},
		{"lowercase method", rfcVerifier, rfcChallenge, "s256", false},
		{"empty method", rfcVerifier, rfcChallenge, "", false},
		{"mismatched challenge", rfcVerifier, GenerateCodeChallenge(long), "S256", false},
		{"one character changed", "eBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk", rfcChallenge, "S256", false},
		{"too short", rfcVerifier[:42], GenerateCodeChallenge(rfcVerifier[:42]), "S256", false},
		{"too long", tooLong, GenerateCodeChallenge(tooLong), "S256", false},
		{"illegal character", rfcVerifier[:42] + "+", GenerateCodeChallenge(rfcVerifier[:42] + "+"), "S256", false},
		{"space", rfcVerifier[:42] + " ", GenerateCodeChallenge(rfcVerifier[:42] + " "), "S256", false},
		{"empty challenge", rfcVerifier, "", "S256", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ValidateCodeVerifier(tt.verifier, tt.challenge, tt.method))
		})
	}
}

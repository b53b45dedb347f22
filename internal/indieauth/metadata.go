package indieauth

import "github.com/fuomag9/indieauth/internal/pkce"

// Metadata is the OAuth 2.0 authorization server metadata document (RFC 8414)
type Metadata struct {
	Issuer                                     string   `json:"issuer"`
	AuthorizationEndpoint                      string   `json:"authorization_endpoint"`
	TokenEndpoint                              string   `json:"token_endpoint"`
	IntrospectionEndpoint                      string   `json:"introspection_endpoint"`
	IntrospectionEndpointAuthMethodsSupported  []string `json:"introspection_endpoint_auth_methods_supported"`
	RevocationEndpoint                         string   `json:"revocation_endpoint"`
	RevocationEndpointAuthMethodsSupported     []string `json:"revocation_endpoint_auth_methods_supported"`
	ScopesSupported                            []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported                     []string `json:"response_types_supported"`
	GrantTypesSupported                        []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported              []string `json:"code_challenge_methods_supported"`
	AuthorizationResponseIssParameterSupported bool     `json:"authorization_response_iss_parameter_supported"`
}

// Metadata describes this server's endpoints and capabilities
func (s *Service) Metadata() *Metadata {
	base := s.cfg.Issuer
	return &Metadata{
		Issuer:                base,
		AuthorizationEndpoint: base + "/auth",
		TokenEndpoint:         base + "/token",
		IntrospectionEndpoint: base + "/token/introspect",
		IntrospectionEndpointAuthMethodsSupported:  []string{"Bearer"},
		RevocationEndpoint:                         base + "/token/revoke",
		RevocationEndpointAuthMethodsSupported:     []string{"none"},
		ScopesSupported:                            s.cfg.ScopesSupported,
		ResponseTypesSupported:                     []string{"code"},
		GrantTypesSupported:                        []string{GrantAuthorizationCode, GrantRefreshToken},
		CodeChallengeMethodsSupported:              []string{pkce.MethodS256},
		AuthorizationResponseIssParameterSupported: true,
	}
}

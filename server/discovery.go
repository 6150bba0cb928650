package server

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/authrim/authrim/internal/apierr"
)

// DiscoveryDocument is the OpenID Provider Metadata document (OIDC
// Discovery 1.0 §3). SPEC_FULL.md §1 treats turning this value into bytes
// on the wire as a caller concern; handleDiscovery is that caller.
type DiscoveryDocument struct {
	Issuer                           string   `json:"issuer"`
	AuthorizationEndpoint            string   `json:"authorization_endpoint"`
	TokenEndpoint                    string   `json:"token_endpoint"`
	UserInfoEndpoint                 string   `json:"userinfo_endpoint"`
	JWKSURI                          string   `json:"jwks_uri"`
	IntrospectionEndpoint            string   `json:"introspection_endpoint"`
	RevocationEndpoint               string   `json:"revocation_endpoint"`
	PushedAuthorizationRequestEndpoint string `json:"pushed_authorization_request_endpoint"`
	DeviceAuthorizationEndpoint      string   `json:"device_authorization_endpoint"`
	ResponseTypesSupported           []string `json:"response_types_supported"`
	SubjectTypesSupported            []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
	ScopesSupported                  []string `json:"scopes_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	GrantTypesSupported              []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported    []string `json:"code_challenge_methods_supported"`
	ClaimsSupported                  []string `json:"claims_supported"`
	ClaimsParameterSupported         bool     `json:"claims_parameter_supported"`
	DPoPSigningAlgValuesSupported    []string `json:"dpop_signing_alg_values_supported"`
}

func (s *Server) discoveryDocument() DiscoveryDocument {
	scopes := s.cfg.ScopesSupported
	if len(scopes) == 0 {
		scopes = []string{"openid", "profile", "email", "phone", "address", "offline_access"}
	}
	issuer := s.cfg.IssuerURL
	return DiscoveryDocument{
		Issuer:                             issuer,
		AuthorizationEndpoint:              issuer + "/authorize",
		TokenEndpoint:                      issuer + "/token",
		UserInfoEndpoint:                   issuer + "/userinfo",
		JWKSURI:                            issuer + "/.well-known/jwks.json",
		IntrospectionEndpoint:              issuer + "/introspect",
		RevocationEndpoint:                 issuer + "/revoke",
		PushedAuthorizationRequestEndpoint: issuer + "/par",
		DeviceAuthorizationEndpoint:        issuer + "/device_authorization",
		ResponseTypesSupported:             []string{"code"},
		SubjectTypesSupported:              []string{"public"},
		IDTokenSigningAlgValuesSupported:   []string{"RS256"},
		ScopesSupported:                    scopes,
		TokenEndpointAuthMethodsSupported:  []string{"client_secret_basic", "client_secret_post", "none"},
		GrantTypesSupported: []string{
			"authorization_code", "refresh_token", "client_credentials",
			"urn:ietf:params:oauth:grant-type:device_code",
		},
		CodeChallengeMethodsSupported: []string{"S256"},
		ClaimsSupported: []string{
			"sub", "iss", "aud", "exp", "iat", "auth_time", "nonce", "acr",
			"name", "preferred_username", "email", "email_verified",
			"given_name", "family_name", "phone_number",
		},
		ClaimsParameterSupported:      true,
		DPoPSigningAlgValuesSupported: []string{"ES256"},
	}
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.discoveryDocument())
}

// handleJWKS publishes active ∪ overlap keys (never private material, per
// spec.md §4.3/§8 property 5), with Cache-Control/ETag headers per
// SPEC_FULL.md §11 item 6 so a reverse proxy can avoid re-fetching an
// unchanged set on every request.
func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	set, err := s.cfg.Keys.JWKS(r.Context())
	if err != nil {
		writeOAuthError(w, apierr.Internal(err))
		return
	}
	body, err := json.Marshal(set)
	if err != nil {
		writeOAuthError(w, apierr.Internal(err))
		return
	}
	sum := sha256.Sum256(body)
	etag := `"` + hex.EncodeToString(sum[:])[:16] + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age=300")
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

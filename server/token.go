package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/authrim/authrim/claims"
	"github.com/authrim/authrim/internal/apierr"
	"github.com/authrim/authrim/refreshfamily"
	"github.com/authrim/authrim/storage"
)

// tokenResponse is the RFC 6749 §5.1 access token response, extended with
// the OIDC id_token member when one was minted.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// handleToken implements POST /token, dispatching on grant_type to the
// authorization_code, refresh_token, client_credentials, and device_code
// grants (spec.md §4.2, SPEC_FULL.md §11.2).
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	ctx := r.Context()

	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID = r.FormValue("client_id")
		clientSecret = r.FormValue("client_secret")
	}
	if clientID == "" {
		writeOAuthError(w, apierr.Invalid("invalid_request", "client_id is required"))
		return
	}
	cl, err := s.cfg.Clients.Authenticate(ctx, clientID, clientSecret)
	if err != nil {
		writeOAuthError(w, err)
		return
	}

	grantType := r.FormValue("grant_type")
	if err := s.cfg.Clients.ValidateGrantType(cl, grantType); err != nil {
		writeOAuthError(w, err)
		return
	}

	dpopJKT, err := s.verifyDPoPIfPresent(r, cl)
	if err != nil {
		writeOAuthError(w, err)
		return
	}

	switch grantType {
	case "authorization_code":
		s.tokenAuthorizationCode(w, r, cl, dpopJKT)
	case "refresh_token":
		s.tokenRefresh(w, r, cl, dpopJKT)
	case "client_credentials":
		s.tokenClientCredentials(w, r, cl, dpopJKT)
	case "urn:ietf:params:oauth:grant-type:device_code":
		s.tokenDeviceCode(w, r, cl, dpopJKT)
	default:
		writeOAuthError(w, apierr.Invalid("unsupported_grant_type", "grant_type "+grantType+" is not supported"))
	}
}

// verifyDPoPIfPresent checks the DPoP proof header against this request
// when present, returning the proof key's JWK thumbprint to bind into any
// minted access token. A client configured RequireDPoP must present one.
func (s *Server) verifyDPoPIfPresent(r *http.Request, cl storage.Client) (string, error) {
	proofHeader := r.Header.Get("DPoP")
	if proofHeader == "" {
		if cl.RequireDPoP {
			return "", apierr.Invalid("invalid_dpop_proof", "client requires a DPoP-bound token")
		}
		return "", nil
	}
	proof, err := s.cfg.DPoP.Verify(r.Context(), proofHeader, r.Method, requestURL(r))
	if err != nil {
		return "", err
	}
	return proof.Thumbprint, nil
}

func requestURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") != "https" {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.Path
}

func (s *Server) tokenAuthorizationCode(w http.ResponseWriter, r *http.Request, cl storage.Client, dpopJKT string) {
	ctx := r.Context()
	code := r.FormValue("code")
	if code == "" {
		writeOAuthError(w, apierr.Invalid("invalid_request", "code is required"))
		return
	}
	redirectURI := r.FormValue("redirect_uri")
	codeVerifier := r.FormValue("code_verifier")

	rec, err := s.cfg.AuthCodes.Consume(ctx, code, cl.ID, codeVerifier)
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	if rec.RedirectURI != redirectURI {
		writeOAuthError(w, apierr.Invalid("invalid_grant", "redirect_uri does not match the authorization request"))
		return
	}

	user, err := s.cfg.Storage.GetUser(ctx, rec.UserID)
	if err != nil {
		writeOAuthError(w, apierr.Internal(err))
		return
	}

	if rec.DPoPJKT != "" && rec.DPoPJKT != dpopJKT {
		writeOAuthError(w, apierr.Invalid("invalid_grant", "DPoP proof key does not match the authorization request"))
		return
	}

	access, accessJTI, exp, err := s.cfg.Tokens.MintAccessToken(ctx, cl, user.ID, rec.Scope, dpopJKT)
	if err != nil {
		writeOAuthError(w, err)
		return
	}

	resp := tokenResponse{
		AccessToken: access,
		TokenType:   bearerOrDPoP(dpopJKT),
		ExpiresIn:   int(time.Until(exp).Seconds()),
		Scope:       joinScope(rec.Scope),
	}

	scopes := scopeSet(rec.Scope)
	if scopes["openid"] {
		policy := claims.Policy{GrantedScopes: scopes, AllowClaimsWithoutScope: cl.AllowClaimsWithoutScope}
		if len(rec.Claims) > 0 {
			if parsed, err := claims.Parse(string(rec.Claims)); err == nil {
				policy.Claims = parsed
			}
		}
		idToken, err := s.cfg.Tokens.MintIDToken(ctx, cl, user, rec.AuthTime, rec.Nonce, rec.ACR, nil, policy)
		if err != nil {
			writeOAuthError(w, err)
			return
		}
		resp.IDToken = idToken
	}

	if scopeSet(rec.Scope)["offline_access"] {
		fam, err := s.cfg.Refresh.Create(ctx, cl.ID, user.ID, rec.Scope, accessJTI)
		if err != nil {
			writeOAuthError(w, err)
			return
		}
		resp.RefreshToken = refreshfamily.FormatToken(fam.FamilyID, accessJTI)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) tokenRefresh(w http.ResponseWriter, r *http.Request, cl storage.Client, dpopJKT string) {
	ctx := r.Context()
	presented := r.FormValue("refresh_token")
	familyID, presentedTokenID, ok := refreshfamily.ParseToken(presented)
	if !ok {
		writeOAuthError(w, apierr.Invalid("invalid_grant", "malformed refresh token"))
		return
	}
	fam, err := s.cfg.Refresh.Get(ctx, familyID)
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	if fam.ClientID != cl.ID {
		writeOAuthError(w, apierr.Invalid("invalid_grant", "refresh token does not belong to this client"))
		return
	}

	requested := splitScope(r.FormValue("scope"))
	narrowed, err := refreshfamily.NarrowScope(fam.Scope, requested)
	if err != nil {
		writeOAuthError(w, err)
		return
	}

	user, err := s.cfg.Storage.GetUser(ctx, fam.UserID)
	if err != nil {
		writeOAuthError(w, apierr.Internal(err))
		return
	}
	access, accessJTI, exp, err := s.cfg.Tokens.MintAccessToken(ctx, cl, user.ID, narrowed, dpopJKT)
	if err != nil {
		writeOAuthError(w, err)
		return
	}

	rotated, err := s.cfg.Refresh.Rotate(ctx, familyID, presentedTokenID, accessJTI)
	if err != nil {
		writeOAuthError(w, err)
		return
	}

	resp := tokenResponse{
		AccessToken:  access,
		TokenType:    bearerOrDPoP(dpopJKT),
		ExpiresIn:    int(time.Until(exp).Seconds()),
		Scope:        joinScope(narrowed),
		RefreshToken: refreshfamily.FormatToken(rotated.FamilyID, accessJTI),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) tokenClientCredentials(w http.ResponseWriter, r *http.Request, cl storage.Client, dpopJKT string) {
	if cl.Type != storage.ClientConfidential {
		writeOAuthError(w, apierr.Invalid("unauthorized_client", "client_credentials requires a confidential client"))
		return
	}
	scopes := splitScope(r.FormValue("scope"))
	if err := s.cfg.Clients.ValidateScopes(cl, scopes); err != nil {
		writeOAuthError(w, err)
		return
	}
	ctx := r.Context()
	access, _, exp, err := s.cfg.Tokens.MintAccessToken(ctx, cl, cl.ID, scopes, dpopJKT)
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: access,
		TokenType:   bearerOrDPoP(dpopJKT),
		ExpiresIn:   int(time.Until(exp).Seconds()),
		Scope:       joinScope(scopes),
	})
}

func (s *Server) tokenDeviceCode(w http.ResponseWriter, r *http.Request, cl storage.Client, dpopJKT string) {
	ctx := r.Context()
	deviceCode := r.FormValue("device_code")
	if deviceCode == "" {
		writeOAuthError(w, apierr.Invalid("invalid_request", "device_code is required"))
		return
	}
	rec, err := s.cfg.Devices.Poll(ctx, deviceCode, cl.ID)
	if err != nil {
		writeOAuthError(w, err)
		return
	}

	user, err := s.cfg.Storage.GetUser(ctx, rec.UserID)
	if err != nil {
		writeOAuthError(w, apierr.Internal(err))
		return
	}
	access, accessJTI, exp, err := s.cfg.Tokens.MintAccessToken(ctx, cl, user.ID, rec.Scope, dpopJKT)
	if err != nil {
		writeOAuthError(w, err)
		return
	}

	resp := tokenResponse{
		AccessToken: access,
		TokenType:   bearerOrDPoP(dpopJKT),
		ExpiresIn:   int(time.Until(exp).Seconds()),
		Scope:       joinScope(rec.Scope),
	}

	if scopeSet(rec.Scope)["offline_access"] {
		fam, err := s.cfg.Refresh.Create(ctx, cl.ID, user.ID, rec.Scope, accessJTI)
		if err != nil {
			writeOAuthError(w, err)
			return
		}
		resp.RefreshToken = refreshfamily.FormatToken(fam.FamilyID, accessJTI)
	}

	writeJSON(w, http.StatusOK, resp)
}

func bearerOrDPoP(dpopJKT string) string {
	if dpopJKT != "" {
		return "DPoP"
	}
	return "Bearer"
}

func scopeSet(scope []string) map[string]bool {
	m := make(map[string]bool, len(scope))
	for _, s := range scope {
		m[s] = true
	}
	return m
}

func joinScope(scope []string) string {
	return strings.Join(scope, " ")
}

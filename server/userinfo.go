package server

import (
	"net/http"
	"strings"

	"github.com/authrim/authrim/claims"
	"github.com/authrim/authrim/internal/apierr"
	"github.com/authrim/authrim/token"
)

// handleUserInfo implements GET|POST /userinfo (OpenID Connect Core §5.3):
// returns the claims the presented access token's granted scope (and, for
// clients that allow it, its claims request) releases.
func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	bearer := bearerToken(r)
	if bearer == "" {
		writeOAuthError(w, apierr.Unauthenticated("invalid_token", "missing bearer token"))
		return
	}
	verified, err := s.cfg.Tokens.Verify(r.Context(), bearer, "")
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	if verified.Claims.Confirmation != nil {
		if err := s.requireMatchingDPoP(r, verified, bearer); err != nil {
			writeOAuthError(w, err)
			return
		}
	}

	cl, err := s.cfg.Clients.Get(r.Context(), verified.Claims.Audience)
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	user, err := s.cfg.Storage.GetUser(r.Context(), verified.Claims.Subject)
	if err != nil {
		writeOAuthError(w, apierr.Internal(err))
		return
	}

	scopes := scopeSet(strings.Fields(verified.Claims.Scope))
	policy := claims.Policy{GrantedScopes: scopes, AllowClaimsWithoutScope: cl.AllowClaimsWithoutScope}
	if raw := r.FormValue("claims"); raw != "" {
		if parsed, err := claims.Parse(raw); err == nil {
			policy.Claims = parsed
		}
	}

	resp := map[string]interface{}{"sub": user.ID}
	for attr, val := range token.ProfileAttributes(user) {
		if policy.Release(attr, false) {
			resp[attr] = val
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	const dpopPrefix = "DPoP "
	switch {
	case strings.HasPrefix(auth, prefix):
		return strings.TrimPrefix(auth, prefix)
	case strings.HasPrefix(auth, dpopPrefix):
		return strings.TrimPrefix(auth, dpopPrefix)
	default:
		return r.FormValue("access_token")
	}
}

// requireMatchingDPoP checks a DPoP-bound access token is accompanied by a
// valid proof for this request whose key matches the token's cnf.jkt, per
// RFC 9449 §7.
func (s *Server) requireMatchingDPoP(r *http.Request, verified *token.Verified, accessToken string) error {
	proofHeader := r.Header.Get("DPoP")
	if proofHeader == "" {
		return apierr.Invalid("invalid_dpop_proof", "DPoP-bound token requires a DPoP proof")
	}
	proof, err := s.cfg.DPoP.Verify(r.Context(), proofHeader, r.Method, requestURL(r))
	if err != nil {
		return err
	}
	if proof.Thumbprint != verified.Claims.Confirmation.JKT {
		return apierr.Invalid("invalid_dpop_proof", "proof key does not match token confirmation")
	}
	return nil
}

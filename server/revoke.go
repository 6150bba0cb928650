package server

import "net/http"

// handleRevoke implements POST /revoke (RFC 7009, spec.md §4.5). Every
// outcome but a client-authentication failure responds 200 with an empty
// body, per the RFC's anti-enumeration posture.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID = r.FormValue("client_id")
		clientSecret = r.FormValue("client_secret")
	}
	authedClientID, err := s.cfg.Revoke.Authenticate(r.Context(), clientID, clientSecret)
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	s.cfg.Revoke.Revoke(r.Context(), authedClientID, r.FormValue("token"), r.FormValue("token_type_hint"))
	w.WriteHeader(http.StatusOK)
}

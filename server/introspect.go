package server

import (
	"net/http"

	"github.com/authrim/authrim/internal/apierr"
)

// handleIntrospect implements POST /introspect (RFC 7662, spec.md §4.4).
func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID = r.FormValue("client_id")
		clientSecret = r.FormValue("client_secret")
	}
	authedClientID, err := s.cfg.Introspect.Authenticate(r.Context(), clientID, clientSecret)
	if err != nil {
		writeOAuthError(w, err)
		return
	}

	token := r.FormValue("token")
	if token == "" {
		writeOAuthError(w, apierr.Invalid("invalid_request", "token is required"))
		return
	}
	resp, err := s.cfg.Introspect.Introspect(r.Context(), authedClientID, token, r.FormValue("token_type_hint"))
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

package server

import (
	"net/http"
	"time"

	"github.com/authrim/authrim/internal/apierr"
	"github.com/authrim/authrim/par"
)

// handlePAR implements POST /par (RFC 9126, SPEC_FULL.md §11.1): stashes
// the full authorization parameter set and returns a request_uri a
// subsequent /authorize call resolves exactly once.
func (s *Server) handlePAR(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()

	clientID := r.FormValue("client_id")
	clientSecret := r.FormValue("client_secret")
	if clientID == "" {
		writeOAuthError(w, apierr.Invalid("invalid_request", "client_id is required"))
		return
	}
	if _, err := s.cfg.Clients.Authenticate(r.Context(), clientID, clientSecret); err != nil {
		writeOAuthError(w, err)
		return
	}

	req := par.Request{
		ClientID:            clientID,
		ResponseType:        r.FormValue("response_type"),
		RedirectURI:         r.FormValue("redirect_uri"),
		Scope:               r.FormValue("scope"),
		State:               r.FormValue("state"),
		Nonce:               r.FormValue("nonce"),
		CodeChallenge:       r.FormValue("code_challenge"),
		CodeChallengeMethod: r.FormValue("code_challenge_method"),
		Claims:              r.FormValue("claims"),
		Prompt:              r.FormValue("prompt"),
		ACRValues:           r.FormValue("acr_values"),
	}

	requestURI, expiresAt, err := s.cfg.PAR.Push(r.Context(), req)
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, struct {
		RequestURI string `json:"request_uri"`
		ExpiresIn  int    `json:"expires_in"`
	}{requestURI, int(time.Until(expiresAt).Seconds())})
}

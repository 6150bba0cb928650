package server

import (
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/authrim/authrim/connector"
	"github.com/authrim/authrim/internal/apierr"
	"github.com/authrim/authrim/internal/ids"
)

// handleDeviceAuthorization implements POST /device_authorization (RFC
// 8628 §3.1): an input-constrained client requests a device_code/user_code
// pair.
func (s *Server) handleDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	clientID := r.FormValue("client_id")
	if clientID == "" {
		writeOAuthError(w, apierr.Invalid("invalid_request", "client_id is required"))
		return
	}
	cl, err := s.cfg.Clients.Get(r.Context(), clientID)
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	if err := s.cfg.Clients.ValidateGrantType(cl, "urn:ietf:params:oauth:grant-type:device_code"); err != nil {
		writeOAuthError(w, err)
		return
	}
	scopes := splitScope(r.FormValue("scope"))
	if err := s.cfg.Clients.ValidateScopes(cl, scopes); err != nil {
		writeOAuthError(w, err)
		return
	}

	rec, err := s.cfg.Devices.Create(r.Context(), clientID, scopes)
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		DeviceCode              string `json:"device_code"`
		UserCode                string `json:"user_code"`
		VerificationURI         string `json:"verification_uri"`
		VerificationURIComplete string `json:"verification_uri_complete"`
		ExpiresIn               int    `json:"expires_in"`
		Interval                int    `json:"interval"`
	}{
		DeviceCode:              rec.DeviceCode,
		UserCode:                rec.UserCode,
		VerificationURI:         s.cfg.IssuerURL + "/device",
		VerificationURIComplete: s.cfg.IssuerURL + "/device?user_code=" + rec.UserCode,
		ExpiresIn:               int(time.Until(rec.ExpiresAt).Seconds()),
		Interval:                int(rec.Interval.Seconds()),
	})
}

var deviceVerifyTemplate = template.Must(template.New("device").Parse(`<!DOCTYPE html>
<title>Device sign-in</title>
<h1>Enter the code displayed on your device</h1>
<form method="post" action="/device">
<label>Code <input type="text" name="user_code" value="{{.UserCode}}"></label><br>
<label>Username <input type="text" name="username"></label><br>
<label>Password <input type="password" name="password"></label><br>
<button type="submit" name="action" value="approve">Approve</button>
<button type="submit" name="action" value="deny">Deny</button>
</form>
`))

// handleDeviceVerify implements the user-facing half of the device flow
// (RFC 8628 §3.3): GET renders the code-entry form; a POST with
// action=deny denies the code without authenticating the user, and any other
// POST approves it once the user's identity is established through the
// default connector.
func (s *Server) handleDeviceVerify(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	if r.Method == http.MethodGet {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		deviceVerifyTemplate.Execute(w, struct{ UserCode string }{r.FormValue("user_code")})
		return
	}

	userCode := ids.NormalizeUserCode(r.FormValue("user_code"))
	if userCode == "" {
		writeOAuthError(w, apierr.Invalid("invalid_request", "user_code is required"))
		return
	}
	if r.FormValue("action") == "deny" {
		if err := s.cfg.Devices.Deny(r.Context(), userCode); err != nil {
			writeOAuthError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct{ Status string }{"denied"})
		return
	}

	connName := s.cfg.DefaultConnector
	conn, ok := s.cfg.Connectors[connName]
	if !ok {
		writeOAuthError(w, apierr.Invalid("invalid_request", fmt.Sprintf("unknown connector %q", connName)))
		return
	}
	ident, err := conn.Login(r.Context(), connector.LoginRequest{
		Username: r.FormValue("username"),
		Password: r.FormValue("password"),
	})
	if err != nil {
		writeOAuthError(w, apierr.Unauthenticated("access_denied", "resource owner authentication failed"))
		return
	}
	user, err := s.resolveOrProvisionUser(r.Context(), ident)
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	if err := s.cfg.Devices.Approve(r.Context(), userCode, user.ID); err != nil {
		writeOAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{ Status string }{"approved"})
}

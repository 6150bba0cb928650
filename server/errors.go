package server

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/authrim/authrim/internal/apierr"
)

// writeJSON serializes v as status-coded JSON, matching the teacher's
// server/handlers.go response helpers.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// oauthError is the spec.md §6/§7 OAuth error envelope.
type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// writeOAuthError serializes err as an OAuth JSON error response.
func writeOAuthError(w http.ResponseWriter, err error) {
	e := apierr.As(err)
	writeJSON(w, e.Status, oauthError{Error: e.Code, ErrorDescription: e.Description})
}

// redirectOAuthError redirects back to redirectURI with error/error_description
// query parameters appended, per spec.md §6's /authorize failure path —
// used once redirect_uri itself has been validated as trustworthy.
func redirectOAuthError(w http.ResponseWriter, r *http.Request, redirectURI, state string, err error) {
	e := apierr.As(err)
	u, parseErr := url.Parse(redirectURI)
	if parseErr != nil {
		writeOAuthError(w, err)
		return
	}
	q := u.Query()
	q.Set("error", e.Code)
	if e.Description != "" {
		q.Set("error_description", e.Description)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// scimError is the RFC 7644 §3.12 SCIM error envelope.
type scimError struct {
	Schemas  []string `json:"schemas"`
	Status   string   `json:"status"`
	Detail   string   `json:"detail,omitempty"`
	ScimType string   `json:"scimType,omitempty"`
}

const scimErrorSchema = "urn:ietf:params:scim:api:messages:2.0:Error"

// writeSCIMError serializes err as a SCIM JSON error response.
func writeSCIMError(w http.ResponseWriter, err error) {
	e := apierr.As(err)
	scimType := ""
	if e.Kind == apierr.KindConflict {
		scimType = e.Code
	}
	writeJSON(w, e.Status, scimError{
		Schemas:  []string{scimErrorSchema},
		Status:   http.StatusText(e.Status),
		Detail:   e.Description,
		ScimType: scimType,
	})
}

// adminError is the spec.md §6 admin-surface error envelope.
type adminError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	Details          string `json:"details,omitempty"`
}

// writeAdminError serializes err as an admin-surface JSON error response.
func writeAdminError(w http.ResponseWriter, err error) {
	e := apierr.As(err)
	writeJSON(w, e.Status, adminError{Error: e.Code, ErrorDescription: e.Description})
}

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/authrim/authrim/authcode"
	"github.com/authrim/authrim/claims"
	"github.com/authrim/authrim/connector"
	"github.com/authrim/authrim/internal/apierr"
	"github.com/authrim/authrim/internal/ids"
	"github.com/authrim/authrim/storage"
)

// authorizeParams is the /authorize request's parameter set, spec.md §6.
type authorizeParams struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	Claims              string
	Prompt              string
	ACRValues           string
}

func splitScope(scope string) []string {
	if scope == "" {
		return nil
	}
	return strings.Fields(scope)
}

// handleAuthorize implements GET|POST /authorize. Resource-owner
// authentication is delegated to a federation connector (SPEC_FULL.md §12);
// when the request carries no credentials yet, a minimal login form is
// rendered that re-posts every authorization parameter as a hidden field
// alongside the chosen connector's credentials.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()

	p := authorizeParams{
		ResponseType:        r.FormValue("response_type"),
		ClientID:             r.FormValue("client_id"),
		RedirectURI:          r.FormValue("redirect_uri"),
		Scope:                r.FormValue("scope"),
		State:                r.FormValue("state"),
		Nonce:                r.FormValue("nonce"),
		CodeChallenge:        r.FormValue("code_challenge"),
		CodeChallengeMethod:  r.FormValue("code_challenge_method"),
		Claims:               r.FormValue("claims"),
		Prompt:               r.FormValue("prompt"),
		ACRValues:            r.FormValue("acr_values"),
	}

	ctx := r.Context()

	if requestURI := r.FormValue("request_uri"); requestURI != "" {
		req, err := s.cfg.PAR.Consume(ctx, p.ClientID, requestURI)
		if err != nil {
			writeOAuthError(w, err)
			return
		}
		p = authorizeParams{
			ResponseType:        req.ResponseType,
			ClientID:             req.ClientID,
			RedirectURI:          req.RedirectURI,
			Scope:                req.Scope,
			State:                req.State,
			Nonce:                req.Nonce,
			CodeChallenge:        req.CodeChallenge,
			CodeChallengeMethod:  req.CodeChallengeMethod,
			Claims:               req.Claims,
			Prompt:               req.Prompt,
			ACRValues:            req.ACRValues,
		}
	}

	if p.ClientID == "" {
		writeOAuthError(w, apierr.Invalid("invalid_request", "client_id is required"))
		return
	}
	cl, err := s.cfg.Clients.Get(ctx, p.ClientID)
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	if p.RedirectURI == "" {
		writeOAuthError(w, apierr.Invalid("invalid_request", "redirect_uri is required"))
		return
	}
	if err := s.cfg.Clients.ValidateRedirectURI(cl, p.RedirectURI); err != nil {
		writeOAuthError(w, err)
		return
	}

	// redirect_uri is now trustworthy: every error below is reported by
	// redirecting back to it rather than as a bare JSON body.
	if p.ResponseType != "code" {
		redirectOAuthError(w, r, p.RedirectURI, p.State, apierr.Invalid("unsupported_response_type", "only the code response type is supported"))
		return
	}
	if err := s.cfg.Clients.ValidateGrantType(cl, "authorization_code"); err != nil {
		redirectOAuthError(w, r, p.RedirectURI, p.State, err)
		return
	}
	scopes := splitScope(p.Scope)
	if err := s.cfg.Clients.ValidateScopes(cl, scopes); err != nil {
		redirectOAuthError(w, r, p.RedirectURI, p.State, err)
		return
	}
	if _, err := claims.Parse(p.Claims); err != nil {
		redirectOAuthError(w, r, p.RedirectURI, p.State, err)
		return
	}

	connName := r.FormValue("connector")
	if connName == "" {
		connName = s.cfg.DefaultConnector
	}
	username := r.FormValue("username")
	password := r.FormValue("password")
	upstreamCode := r.FormValue("upstream_code")

	if username == "" && upstreamCode == "" {
		renderLoginForm(w, p, connName, s.connectorNames())
		return
	}

	conn, ok := s.cfg.Connectors[connName]
	if !ok {
		redirectOAuthError(w, r, p.RedirectURI, p.State, apierr.Invalid("invalid_request", fmt.Sprintf("unknown connector %q", connName)))
		return
	}
	ident, err := conn.Login(ctx, connector.LoginRequest{Username: username, Password: password, Code: upstreamCode})
	if err != nil {
		redirectOAuthError(w, r, p.RedirectURI, p.State, apierr.Unauthenticated("access_denied", "resource owner authentication failed"))
		return
	}

	user, err := s.resolveOrProvisionUser(ctx, ident)
	if err != nil {
		redirectOAuthError(w, r, p.RedirectURI, p.State, err)
		return
	}

	var rawClaims []byte
	if p.Claims != "" {
		rawClaims = []byte(p.Claims)
	}
	rec := authcode.Record{
		ClientID:            p.ClientID,
		RedirectURI:         p.RedirectURI,
		UserID:              user.ID,
		Scope:               scopes,
		Nonce:               p.Nonce,
		State:               p.State,
		Claims:              json.RawMessage(rawClaims),
		AuthTime:            time.Now(),
		ACR:                 p.ACRValues,
		CodeChallenge:       p.CodeChallenge,
		CodeChallengeMethod: p.CodeChallengeMethod,
	}
	code, err := s.cfg.AuthCodes.Create(ctx, rec)
	if err != nil {
		redirectOAuthError(w, r, p.RedirectURI, p.State, err)
		return
	}

	redirectWithCode(w, r, p.RedirectURI, code, p.State)
}

func redirectWithCode(w http.ResponseWriter, r *http.Request, redirectURI, code, state string) {
	u := redirectURI
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	u += sep + "code=" + template.URLQueryEscaper(code)
	if state != "" {
		u += "&state=" + template.URLQueryEscaper(state)
	}
	http.Redirect(w, r, u, http.StatusFound)
}

// resolveOrProvisionUser maps a federated Identity to a local storage.User,
// just-in-time provisioning one on first login (SPEC_FULL.md §12).
func (s *Server) resolveOrProvisionUser(ctx context.Context, ident connector.Identity) (storage.User, error) {
	u, err := s.cfg.Storage.GetUserByExternalID(ctx, ident.UserID)
	if err == nil {
		return u, nil
	}
	if err != storage.ErrNotFound {
		return storage.User{}, apierr.Internal(err)
	}
	now := time.Now()
	u = storage.User{
		ID:         ids.New(),
		ExternalID: ident.UserID,
		Status:     storage.UserActive,
		Core:       storage.User_Core{Username: ident.Username, PreferredUsername: ident.Username},
		PII:        storage.User_PII{Email: ident.Email, EmailVerified: ident.EmailVerified},
		Version:    ids.New(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.cfg.Storage.CreateUser(ctx, u); err != nil {
		return storage.User{}, apierr.Internal(err)
	}
	return u, nil
}

func (s *Server) connectorNames() []string {
	names := make([]string, 0, len(s.cfg.Connectors))
	for name := range s.cfg.Connectors {
		names = append(names, name)
	}
	return names
}

var loginFormTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<title>Sign in</title>
<h1>Sign in</h1>
<form method="post" action="/authorize">
{{range $k, $v := .Hidden}}<input type="hidden" name="{{$k}}" value="{{$v}}">
{{end}}
<label>Connector
<select name="connector">
{{range .Connectors}}<option value="{{.}}" {{if eq . $.Connector}}selected{{end}}>{{.}}</option>
{{end}}
</select>
</label><br>
<label>Username <input type="text" name="username"></label><br>
<label>Password <input type="password" name="password"></label><br>
<button type="submit">Sign in</button>
</form>
`))

func renderLoginForm(w http.ResponseWriter, p authorizeParams, connName string, connectors []string) {
	hidden := map[string]string{
		"response_type":         p.ResponseType,
		"client_id":             p.ClientID,
		"redirect_uri":          p.RedirectURI,
		"scope":                 p.Scope,
		"state":                 p.State,
		"nonce":                 p.Nonce,
		"code_challenge":        p.CodeChallenge,
		"code_challenge_method": p.CodeChallengeMethod,
		"claims":                p.Claims,
		"prompt":                p.Prompt,
		"acr_values":            p.ACRValues,
	}
	for k, v := range hidden {
		if v == "" {
			delete(hidden, k)
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	loginFormTemplate.Execute(w, struct {
		Hidden     map[string]string
		Connector  string
		Connectors []string
	}{hidden, connName, connectors})
}

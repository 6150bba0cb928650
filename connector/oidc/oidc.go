// Package oidc implements the upstream-OIDC connector (spec.md §12):
// exchanges an authorization code with an upstream OpenID Connect provider,
// verifies the returned ID token, and maps its claims onto
// connector.Identity. Unlike the teacher's browser-redirect-oriented
// CallbackConnector (LoginURL + HandleCallback against an *http.Request),
// the redirect/callback HTTP plumbing lives in server/ — this connector's
// surface is the single post-redirect Login call the generalized
// connector.Connector interface expects.
package oidc

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/authrim/authrim/connector"
)

// Config holds configuration options for OpenID Connect logins.
type Config struct {
	Issuer       string `json:"issuer"`
	ClientID     string `json:"clientID"`
	ClientSecret string `json:"clientSecret"`
	RedirectURI  string `json:"redirectURI"`

	// Causes client_secret to be passed as POST parameters instead of basic
	// auth. "NOT RECOMMENDED" by RFC 6749 §2.3.1, but some providers require it.
	BasicAuthUnsupported *bool `json:"basicAuthUnsupported"`

	Scopes []string `json:"scopes"` // defaults to "profile" and "email"

	// Optional whitelist of domains when using an upstream IdP that issues
	// a "hd" (hosted domain) claim. If nonempty, only users from a listed
	// domain are allowed to log in.
	HostedDomains []string `json:"hostedDomains"`
}

// Domains known not to support HTTP Basic client auth at their token
// endpoint. golang.org/x/oauth2 has an internal list, but it only matches
// specific URLs, not top-level domains.
var brokenAuthHeaderDomains = []string{
	"okta.com",
	"oktapreview.com",
}

func knownBrokenAuthHeaderProvider(issuerURL string) bool {
	u, err := url.Parse(issuerURL)
	if err != nil {
		return false
	}
	for _, host := range brokenAuthHeaderDomains {
		if u.Host == host || strings.HasSuffix(u.Host, "."+host) {
			return true
		}
	}
	return false
}

// golang.org/x/oauth2 does its own internal locking for this registry, but
// guard it here too since Open can run concurrently for multiple configs.
var registerMu sync.Mutex

func registerBrokenAuthHeaderProvider(tokenURL string) {
	registerMu.Lock()
	defer registerMu.Unlock()
	oauth2.RegisterBrokenAuthHeaderProvider(tokenURL)
}

// Open returns a connector which logs users in through an upstream OpenID
// Connect provider.
func (c *Config) Open(ctx context.Context) (conn connector.Connector, err error) {
	ctx, cancel := context.WithCancel(ctx)

	provider, err := oidc.NewProvider(ctx, c.Issuer)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("oidc: failed to get provider: %v", err)
	}

	if c.BasicAuthUnsupported != nil {
		if *c.BasicAuthUnsupported {
			registerBrokenAuthHeaderProvider(provider.Endpoint().TokenURL)
		}
	} else if knownBrokenAuthHeaderProvider(c.Issuer) {
		registerBrokenAuthHeaderProvider(provider.Endpoint().TokenURL)
	}

	scopes := []string{oidc.ScopeOpenID}
	if len(c.Scopes) > 0 {
		scopes = append(scopes, c.Scopes...)
	} else {
		scopes = append(scopes, "profile", "email")
	}

	return &oidcConnector{
		oauth2Config: &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			Endpoint:     provider.Endpoint(),
			Scopes:       scopes,
			RedirectURL:  c.RedirectURI,
		},
		verifier:      provider.Verifier(&oidc.Config{ClientID: c.ClientID}),
		provider:      provider,
		cancel:        cancel,
		hostedDomains: c.HostedDomains,
	}, nil
}

var _ connector.Connector = (*oidcConnector)(nil)

type oidcConnector struct {
	oauth2Config  *oauth2.Config
	verifier      *oidc.IDTokenVerifier
	provider      *oidc.Provider
	cancel        context.CancelFunc
	hostedDomains []string
}

func (c *oidcConnector) Name() string { return "oidc" }

// Login exchanges req.Code with the upstream token endpoint, verifies the
// returned ID token, and maps its claims onto an Identity, querying the
// userinfo endpoint for group membership and a fallback email when the ID
// token omits them.
func (c *oidcConnector) Login(ctx context.Context, req connector.LoginRequest) (connector.Identity, error) {
	if req.Code == "" {
		return connector.Identity{}, fmt.Errorf("oidc: missing authorization code")
	}

	token, err := c.oauth2Config.Exchange(ctx, req.Code)
	if err != nil {
		return connector.Identity{}, fmt.Errorf("oidc: failed to exchange code: %v", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return connector.Identity{}, fmt.Errorf("oidc: no id_token in token response")
	}
	idToken, err := c.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return connector.Identity{}, fmt.Errorf("oidc: failed to verify ID token: %v", err)
	}

	var claims struct {
		Username      string `json:"name"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		HostedDomain  string `json:"hd"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return connector.Identity{}, fmt.Errorf("oidc: failed to decode claims: %v", err)
	}

	if len(c.hostedDomains) > 0 {
		found := false
		for _, domain := range c.hostedDomains {
			if claims.HostedDomain == domain {
				found = true
				break
			}
		}
		if !found {
			return connector.Identity{}, fmt.Errorf("oidc: unexpected hd claim %q", claims.HostedDomain)
		}
	}

	identity := connector.Identity{
		UserID:        idToken.Subject,
		Username:      claims.Username,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
	}

	if claims.Email == "" {
		userinfo, err := c.provider.UserInfo(ctx, oauth2.StaticTokenSource(token))
		if err == nil {
			identity.Email = userinfo.Email
			identity.EmailVerified = true
		}
	}

	groups, err := c.groups(ctx, token)
	if err == nil {
		identity.Groups = groups
	}

	return identity, nil
}

// groups queries the userinfo endpoint for a "memberof" claim, the shape
// PingFederate and several on-prem IdPs in the pack's target deployments use
// to surface group membership outside the ID token.
func (c *oidcConnector) groups(ctx context.Context, token *oauth2.Token) ([]string, error) {
	userinfo, err := c.provider.UserInfo(ctx, oauth2.StaticTokenSource(token))
	if err != nil {
		return nil, err
	}
	var claims map[string]interface{}
	if err := userinfo.Claims(&claims); err != nil {
		return nil, err
	}
	raw, ok := claims["memberof"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("oidc: userinfo claims did not contain a memberof array")
	}
	groups := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			groups = append(groups, s)
		}
	}
	return groups, nil
}

// Close releases the context used for background provider refresh.
func (c *oidcConnector) Close() error {
	c.cancel()
	return nil
}

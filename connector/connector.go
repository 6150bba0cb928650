// Package connector defines the federation interface external identity
// providers implement, generalized from the teacher's per-provider
// Connector/Identity split onto a single synchronous Login call — every
// concrete connector kept in this tree (connector/ldap, connector/oidc)
// already resolves a credential or an upstream token to an identity in one
// round trip, so the callback/password split the teacher used to
// accommodate browser-redirect providers (GitHub, Bitbucket, Facebook) has
// no remaining caller.
package connector

import "context"

// LoginRequest carries whatever a connector needs to authenticate a user:
// a username/password pair for connector/ldap, or an authorization code for
// connector/oidc.
type LoginRequest struct {
	Username string
	Password string
	Code     string
}

// Identity carries the external-IdP-asserted claims the authorization flow
// maps onto a local storage.User record.
type Identity struct {
	UserID        string
	Username      string
	Email         string
	EmailVerified bool
	Groups        []string
}

// Connector federates login to a remote identity service.
type Connector interface {
	Name() string
	Login(ctx context.Context, req LoginRequest) (Identity, error)
}

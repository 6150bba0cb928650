// Package introspect implements RFC 7662 token introspection (spec.md
// §4.4). Grounded on the teacher's server/introspection.go Introspection
// response shape, trimmed to the fields spec.md names and generalized to
// look a presented token up as either an access token (verified via
// token.Engine, checked against the jti revocation store) or a refresh
// token (resolved through refreshfamily.Store).
package introspect

import (
	"context"
	"mime"

	"github.com/authrim/authrim/client"
	"github.com/authrim/authrim/ephemeral"
	"github.com/authrim/authrim/internal/apierr"
	"github.com/authrim/authrim/internal/ctcompare"
	"github.com/authrim/authrim/internal/metrics"
	"github.com/authrim/authrim/refreshfamily"
	"github.com/authrim/authrim/token"
)

// Response is the RFC 7662 introspection response. Every field is
// omitempty except Active, so an inactive result serializes to exactly
// {"active": false} as spec.md §4.4 step 4 requires.
type Response struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Subject   string `json:"sub,omitempty"`
	Issuer    string `json:"iss,omitempty"`
	Expiry    int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	JTI       string `json:"jti,omitempty"`
}

var inactive = Response{Active: false}

// Service performs introspection against the token engine, the refresh
// family store, and the jti revocation list.
type Service struct {
	Clients     *client.Registry
	Tokens      *token.Engine
	Refresh     *refreshfamily.Store
	Revocations ephemeral.Store // keyed "revoke:jti:<jti>" with TTL = remaining lifetime
}

// New returns a Service.
func New(clients *client.Registry, tokens *token.Engine, refresh *refreshfamily.Store, revocations ephemeral.Store) *Service {
	return &Service{Clients: clients, Tokens: tokens, Refresh: refresh, Revocations: revocations}
}

// Authenticate validates client_id/client_secret per spec.md §4.4 step 1.
// Any failure must surface as an authentication error, distinct from an
// inactive-token result.
func (s *Service) Authenticate(ctx context.Context, clientID, clientSecret string) (string, error) {
	cl, err := s.Clients.Authenticate(ctx, clientID, clientSecret)
	if err != nil {
		return "", apierr.Unauthenticated("invalid_client", "client authentication failed")
	}
	return cl.ID, nil
}

// Introspect evaluates tokenValue on behalf of authenticatedClientID, which
// must already have passed Authenticate. tokenTypeHint, if non-empty, is
// tried first; any other failure mode collapses to {active:false} per
// spec.md §4.4 — this function never returns a non-nil error for an
// inactive or unrecognized token, only for malformed input.
func (s *Service) Introspect(ctx context.Context, authenticatedClientID, tokenValue, tokenTypeHint string) (Response, error) {
	if tokenValue == "" {
		return Response{}, apierr.Invalid("invalid_request", "token is required")
	}

	tryRefresh := tokenTypeHint != "access_token"
	tryAccess := tokenTypeHint != "refresh_token"

	if tryRefresh {
		if resp, ok := s.introspectRefreshToken(ctx, authenticatedClientID, tokenValue); ok {
			return resp, nil
		}
	}
	if tryAccess {
		if resp, ok := s.introspectAccessToken(ctx, authenticatedClientID, tokenValue); ok {
			return resp, nil
		}
	}
	// Fall back to whichever kind wasn't tried yet, in case the hint was wrong.
	if !tryRefresh {
		if resp, ok := s.introspectRefreshToken(ctx, authenticatedClientID, tokenValue); ok {
			return resp, nil
		}
	}
	if !tryAccess {
		if resp, ok := s.introspectAccessToken(ctx, authenticatedClientID, tokenValue); ok {
			return resp, nil
		}
	}
	metrics.IntrospectionCalls.WithLabelValues("false").Inc()
	return inactive, nil
}

func (s *Service) introspectAccessToken(ctx context.Context, authenticatedClientID, tokenValue string) (Response, bool) {
	verified, err := s.Tokens.Verify(ctx, tokenValue, "")
	if err != nil {
		return Response{}, false
	}
	if verified.Claims.Audience != authenticatedClientID {
		return Response{}, false
	}
	if s.Revocations != nil {
		_, err := s.Revocations.Get(ctx, "revoke:jti:"+verified.Claims.JTI)
		if err == nil {
			return Response{}, false
		}
		if err != ephemeral.ErrNotFound {
			return Response{}, false
		}
	}
	metrics.IntrospectionCalls.WithLabelValues("true").Inc()
	return Response{
		Active:    true,
		Scope:     verified.Claims.Scope,
		ClientID:  verified.Claims.Audience,
		TokenType: "Bearer",
		Subject:   verified.Claims.Subject,
		Issuer:    verified.Claims.Issuer,
		Expiry:    verified.Claims.Expiry,
		IssuedAt:  verified.Claims.IssuedAt,
		JTI:       verified.Claims.JTI,
	}, true
}

func (s *Service) introspectRefreshToken(ctx context.Context, authenticatedClientID, tokenValue string) (Response, bool) {
	familyID, tokenID, ok := refreshfamily.ParseToken(tokenValue)
	if !ok {
		return Response{}, false
	}
	f, err := s.Refresh.Get(ctx, familyID)
	if err != nil {
		return Response{}, false
	}
	if f.Revoked || !ctcompare.Equal(f.Current, tokenID) {
		return Response{}, false
	}
	if f.ClientID != authenticatedClientID {
		return Response{}, false
	}
	metrics.IntrospectionCalls.WithLabelValues("true").Inc()
	return Response{
		Active:    true,
		Scope:     joinScope(f.Scope),
		ClientID:  f.ClientID,
		TokenType: "refresh_token",
		Subject:   f.UserID,
		IssuedAt:  f.CreatedAt.Unix(),
		Expiry:    f.ExpiresAt.Unix(),
	}, true
}

func joinScope(scope []string) string {
	out := ""
	for i, sc := range scope {
		if i > 0 {
			out += " "
		}
		out += sc
	}
	return out
}

// ContentTypeAllowed rejects any media type other than
// application/x-www-form-urlencoded, per spec.md §4.4.
func ContentTypeAllowed(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/x-www-form-urlencoded"
}

// Package revoke implements RFC 7009 token revocation (spec.md §4.5): same
// client authentication as introspect, but every other outcome — success,
// unknown token, token belonging to another client, malformed token —
// responds identically (200, empty body); only a client-authentication
// failure is distinguishable. Grounded on the teacher's introspection
// client-auth path, reusing client.Registry.Authenticate directly rather
// than duplicating it.
package revoke

import (
	"context"
	"time"

	"github.com/authrim/authrim/client"
	"github.com/authrim/authrim/ephemeral"
	"github.com/authrim/authrim/internal/apierr"
	"github.com/authrim/authrim/internal/audit"
	"github.com/authrim/authrim/refreshfamily"
	"github.com/authrim/authrim/token"
)

// Service revokes access and refresh tokens.
type Service struct {
	Clients     *client.Registry
	Tokens      *token.Engine
	Refresh     *refreshfamily.Store
	Revocations ephemeral.Store // keyed "revoke:jti:<jti>"
	Audit       audit.Sink
}

// New returns a Service.
func New(clients *client.Registry, tokens *token.Engine, refresh *refreshfamily.Store, revocations ephemeral.Store, a audit.Sink) *Service {
	return &Service{Clients: clients, Tokens: tokens, Refresh: refresh, Revocations: revocations, Audit: a}
}

// Authenticate validates client_id/client_secret; failure is the only path
// that surfaces an error to the HTTP layer.
func (s *Service) Authenticate(ctx context.Context, clientID, clientSecret string) (string, error) {
	cl, err := s.Clients.Authenticate(ctx, clientID, clientSecret)
	if err != nil {
		return "", apierr.Unauthenticated("invalid_client", "client authentication failed")
	}
	return cl.ID, nil
}

// Revoke attempts to revoke tokenValue on behalf of authenticatedClientID.
// It never returns an error: every outcome other than client-auth failure
// (handled by Authenticate before this is called) is silently absorbed, per
// spec.md §4.5.
func (s *Service) Revoke(ctx context.Context, authenticatedClientID, tokenValue, tokenTypeHint string) {
	if tokenValue == "" {
		return
	}

	if tokenTypeHint != "access_token" {
		if s.revokeRefreshToken(ctx, authenticatedClientID, tokenValue) {
			return
		}
	}
	if tokenTypeHint != "refresh_token" {
		if s.revokeAccessToken(ctx, authenticatedClientID, tokenValue) {
			return
		}
	}
	// Hint didn't match either kind; try whichever wasn't attempted.
	if tokenTypeHint == "access_token" {
		s.revokeRefreshToken(ctx, authenticatedClientID, tokenValue)
	} else if tokenTypeHint == "refresh_token" {
		s.revokeAccessToken(ctx, authenticatedClientID, tokenValue)
	}
}

func (s *Service) revokeAccessToken(ctx context.Context, authenticatedClientID, tokenValue string) bool {
	verified, err := s.Tokens.Verify(ctx, tokenValue, "")
	if err != nil {
		return false
	}
	if verified.Claims.Audience != authenticatedClientID {
		return false
	}
	remaining := time.Until(time.Unix(verified.Claims.Expiry, 0))
	if remaining <= 0 {
		return true // already expired, nothing to do
	}
	if s.Revocations != nil {
		_ = s.Revocations.Set(ctx, "revoke:jti:"+verified.Claims.JTI, []byte{1}, remaining)
	}
	if s.Audit != nil {
		s.Audit.Emit(ctx, audit.New(audit.SeverityInfo, audit.KindTokenRevoked, authenticatedClientID, verified.Claims.JTI, map[string]any{"kind": "access_token"}))
	}
	return true
}

func (s *Service) revokeRefreshToken(ctx context.Context, authenticatedClientID, tokenValue string) bool {
	familyID, _, ok := refreshfamily.ParseToken(tokenValue)
	if !ok {
		return false
	}
	f, err := s.Refresh.Get(ctx, familyID)
	if err != nil {
		return false
	}
	if f.ClientID != authenticatedClientID {
		return false
	}
	if err := s.Refresh.Revoke(ctx, familyID); err != nil {
		return false
	}
	if s.Audit != nil {
		s.Audit.Emit(ctx, audit.New(audit.SeverityInfo, audit.KindTokenRevoked, authenticatedClientID, familyID, map[string]any{"kind": "refresh_token"}))
	}
	return true
}

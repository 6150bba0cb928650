// Package par implements Pushed Authorization Requests (RFC 9126,
// SPEC_FULL.md §11.1): authorization parameters are POSTed once and stashed
// server-side behind a request_uri, which the client then references from
// the real /authorize call instead of repeating every parameter in a
// browser-visible URL. Grounded on the same ephemeral.Store single-use
// pattern as authcode, since a pushed request shares its concurrency shape
// (single producer, single consumer, short TTL).
package par

import (
	"context"
	"encoding/json"
	"time"

	"github.com/authrim/authrim/ephemeral"
	"github.com/authrim/authrim/internal/apierr"
	"github.com/authrim/authrim/internal/ids"
)

// Request is the stashed set of authorization parameters.
type Request struct {
	ClientID            string `json:"client_id"`
	ResponseType        string `json:"response_type"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	State               string `json:"state"`
	Nonce               string `json:"nonce"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	Claims              string `json:"claims,omitempty"`
	Prompt              string `json:"prompt,omitempty"`
	ACRValues           string `json:"acr_values,omitempty"`
}

// Store manages pushed authorization requests.
type Store struct {
	Backend ephemeral.Store
	TTL     time.Duration // spec: <= 90s
}

// New returns a Store.
func New(backend ephemeral.Store, ttl time.Duration) *Store {
	return &Store{Backend: backend, TTL: ttl}
}

const requestURIPrefix = "urn:ietf:params:oauth:request_uri:"

func key(requestURI string) string { return "par:" + requestURI }

// Push stashes req and returns its request_uri and expiry.
func (s *Store) Push(ctx context.Context, req Request) (string, time.Time, error) {
	requestURI := requestURIPrefix + ids.New()
	exp := time.Now().Add(s.TTL)
	b, err := json.Marshal(req)
	if err != nil {
		return "", time.Time{}, apierr.Internal(err)
	}
	ok, err := s.Backend.SetNX(ctx, key(requestURI), b, s.TTL)
	if err != nil {
		return "", time.Time{}, apierr.Internal(err)
	}
	if !ok {
		return "", time.Time{}, apierr.Internal(errRequestURICollision{requestURI})
	}
	return requestURI, exp, nil
}

type errRequestURICollision struct{ uri string }

func (e errRequestURICollision) Error() string { return "par: request_uri collision" }

// Consume retrieves and deletes the pushed request for requestURI,
// enforcing single use: /authorize may reference a request_uri exactly
// once.
func (s *Store) Consume(ctx context.Context, clientID, requestURI string) (Request, error) {
	raw, err := s.Backend.Get(ctx, key(requestURI))
	if err == ephemeral.ErrNotFound {
		return Request{}, apierr.Invalid("invalid_request_uri", "unknown or expired request_uri")
	}
	if err != nil {
		return Request{}, apierr.Internal(err)
	}
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, apierr.Internal(err)
	}
	if req.ClientID != clientID {
		return Request{}, apierr.Invalid("invalid_request_uri", "client_id does not match pushed request")
	}
	// Best-effort single-use: delete regardless of outcome so a second
	// reference always fails, even if the deletion itself races.
	_ = s.Backend.Delete(ctx, key(requestURI))
	return req, nil
}

// Package authcode implements the authorization-code store contract from
// spec.md §4.1: create, atomic single-use consume with PKCE verification,
// and a revoke-descendants hook. Grounded on the teacher's storage.AuthCode
// shape and storage.Storage.UpdateX CAS idiom, here expressed against
// ephemeral.Store's CompareAndSwap since authorization codes are TTL
// records rather than relational rows.
package authcode

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/authrim/authrim/ephemeral"
	"github.com/authrim/authrim/internal/apierr"
	"github.com/authrim/authrim/internal/audit"
	"github.com/authrim/authrim/internal/ctcompare"
	"github.com/authrim/authrim/internal/ids"
	"github.com/authrim/authrim/internal/metrics"
)

// Record is one authorization code's bound state (spec.md §3).
type Record struct {
	Code                string          `json:"code"`
	ClientID             string          `json:"client_id"`
	RedirectURI          string          `json:"redirect_uri"`
	UserID               string          `json:"user_id"`
	Scope                []string        `json:"scope"`
	Nonce                string          `json:"nonce"`
	State                string          `json:"state"`
	Claims               json.RawMessage `json:"claims,omitempty"`
	AuthTime             time.Time       `json:"auth_time"`
	ACR                  string          `json:"acr,omitempty"`
	CodeChallenge        string          `json:"code_challenge,omitempty"`
	CodeChallengeMethod  string          `json:"code_challenge_method,omitempty"`
	DPoPJKT              string          `json:"dpop_jkt,omitempty"`
	Used                 bool            `json:"used"`
	ExpiresAt            time.Time       `json:"expires_at"`
}

// Store manages authorization codes against an ephemeral.Store.
type Store struct {
	Backend ephemeral.Store
	Audit   audit.Sink
	TTL     time.Duration

	// OnReuse is called, best-effort, whenever a code is presented a
	// second time (spec.md §9 open question 1; see DESIGN.md). Nothing in
	// this module sets it, so by default reuse is only rejected and
	// audited; no token descended from rec is revoked.
	OnReuse func(ctx context.Context, rec Record)
}

// New returns a Store.
func New(backend ephemeral.Store, a audit.Sink, ttl time.Duration) *Store {
	return &Store{Backend: backend, Audit: a, TTL: ttl}
}

func codeKey(code string) string { return "authcode:" + code }

// Create mints a fresh code and writes its record with TTL.
func (s *Store) Create(ctx context.Context, rec Record) (string, error) {
	rec.Code = ids.NewCode()
	rec.ExpiresAt = time.Now().Add(s.TTL)
	b, err := json.Marshal(rec)
	if err != nil {
		return "", apierr.Internal(err)
	}
	ok, err := s.Backend.SetNX(ctx, codeKey(rec.Code), b, s.TTL)
	if err != nil {
		return "", apierr.Internal(err)
	}
	if !ok {
		// Collision on a cryptographically random code is effectively
		// impossible; treat it as an internal error rather than retry.
		return "", apierr.Internal(errCodeCollision{rec.Code})
	}
	return rec.Code, nil
}

type errCodeCollision struct{ code string }

func (e errCodeCollision) Error() string { return "authcode: code collision" }

// ConsumeResult is the outcome of a successful Consume.
type ConsumeResult struct {
	Record Record
}

// Consume atomically validates and marks code used exactly once, per
// spec.md §4.1. clientID must match the record; if a code_challenge was
// stored, codeVerifier must satisfy it. Any failure — missing, expired,
// already used, client mismatch, PKCE mismatch — returns invalid_grant.
// A second consumption additionally emits a code_reused audit event.
func (s *Store) Consume(ctx context.Context, code, clientID, codeVerifier string) (Record, error) {
	key := codeKey(code)
	raw, err := s.Backend.Get(ctx, key)
	if err == ephemeral.ErrNotFound {
		return Record{}, apierr.Invalid("invalid_grant", "unknown or expired authorization code")
	}
	if err != nil {
		return Record{}, apierr.Internal(err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, apierr.Internal(err)
	}

	if rec.Used {
		if s.Audit != nil {
			s.Audit.Emit(ctx, audit.New(audit.SeverityWarning, audit.KindCodeReused, clientID, code, nil))
		}
		if s.OnReuse != nil {
			s.OnReuse(ctx, rec)
		}
		metrics.CodesConsumed.WithLabelValues("reused").Inc()
		return Record{}, apierr.Invalid("invalid_grant", "authorization code already used")
	}
	if time.Now().After(rec.ExpiresAt) {
		metrics.CodesConsumed.WithLabelValues("expired").Inc()
		return Record{}, apierr.Invalid("invalid_grant", "authorization code expired")
	}
	if rec.ClientID != clientID {
		metrics.CodesConsumed.WithLabelValues("client_mismatch").Inc()
		return Record{}, apierr.Invalid("invalid_grant", "client_id does not match authorization code")
	}
	if rec.CodeChallenge != "" {
		if codeVerifier == "" {
			metrics.CodesConsumed.WithLabelValues("pkce_missing").Inc()
			return Record{}, apierr.Invalid("invalid_grant", "code_verifier required")
		}
		if !verifyPKCE(rec.CodeChallenge, rec.CodeChallengeMethod, codeVerifier) {
			metrics.CodesConsumed.WithLabelValues("pkce_mismatch").Inc()
			return Record{}, apierr.Invalid("invalid_grant", "code_verifier does not match code_challenge")
		}
	}

	updated := rec
	updated.Used = true
	newRaw, err := json.Marshal(updated)
	if err != nil {
		return Record{}, apierr.Internal(err)
	}
	ok, err := s.Backend.CompareAndSwap(ctx, key, raw, newRaw, time.Until(rec.ExpiresAt))
	if err != nil {
		return Record{}, apierr.Internal(err)
	}
	if !ok {
		// Another concurrent consumer won the race.
		if s.Audit != nil {
			s.Audit.Emit(ctx, audit.New(audit.SeverityWarning, audit.KindCodeReused, clientID, code, nil))
		}
		if s.OnReuse != nil {
			s.OnReuse(ctx, rec)
		}
		metrics.CodesConsumed.WithLabelValues("raced").Inc()
		return Record{}, apierr.Invalid("invalid_grant", "authorization code already used")
	}
	metrics.CodesConsumed.WithLabelValues("ok").Inc()
	if s.Audit != nil {
		s.Audit.Emit(ctx, audit.New(audit.SeverityInfo, audit.KindCodeConsumed, clientID, code, nil))
	}
	return updated, nil
}

// verifyPKCE checks verifier against challenge per method ∈ {S256, plain}.
func verifyPKCE(challenge, method, verifier string) bool {
	switch method {
	case "", "plain":
		return ctcompare.Equal(challenge, verifier)
	case "S256":
		sum := sha256.Sum256([]byte(verifier))
		computed := base64.RawURLEncoding.EncodeToString(sum[:])
		return ctcompare.Equal(challenge, computed)
	default:
		return false
	}
}

// Package refreshfamily implements refresh-token rotation with reuse
// detection (RFC 6749 §10.4, spec.md §3/§4.2): every refresh token belongs
// to a family; presenting any token but the family's current one kills the
// whole family. Grounded on the teacher's server/rotation.go
// RefreshTokenPolicy (absolute lifetime / valid-if-not-used-for / reuse
// grace window), generalized from dex's single refresh-token record to an
// explicit family lineage stored in ephemeral.Store, advanced via
// CompareAndSwap so the "family currently at token X" fact is a
// single-instance durable actor per spec.md §5.
package refreshfamily

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/authrim/authrim/ephemeral"
	"github.com/authrim/authrim/internal/apierr"
	"github.com/authrim/authrim/internal/audit"
	"github.com/authrim/authrim/internal/ids"
	"github.com/authrim/authrim/internal/metrics"
)

// Family is one refresh-token lineage.
type Family struct {
	FamilyID  string   `json:"family_id"`
	ClientID  string   `json:"client_id"`
	UserID    string   `json:"user_id"`
	Scope     []string `json:"scope"`
	Current   string   `json:"current"`   // current token_id
	Superseded []string `json:"superseded"`
	Revoked   bool     `json:"revoked"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store manages refresh-token families against an ephemeral.Store.
type Store struct {
	Backend ephemeral.Store
	Audit   audit.Sink
	TTL     time.Duration
}

// New returns a Store.
func New(backend ephemeral.Store, a audit.Sink, ttl time.Duration) *Store {
	return &Store{Backend: backend, Audit: a, TTL: ttl}
}

func familyKey(familyID string) string { return "refreshfamily:" + familyID }

// tokenSeparator joins a family id to the token id current within it. The
// wire-visible refresh token is opaque and carries both so that Rotate can
// locate the family without a secondary index, and so that a superseded
// token string presented later still names the family it belonged to.
const tokenSeparator = "."

// FormatToken builds the opaque refresh token string for tokenID within
// familyID.
func FormatToken(familyID, tokenID string) string {
	return familyID + tokenSeparator + tokenID
}

// ParseToken splits a wire refresh token back into its family id and token
// id. ok is false if token is not well-formed.
func ParseToken(token string) (familyID, tokenID string, ok bool) {
	i := strings.LastIndex(token, tokenSeparator)
	if i <= 0 || i == len(token)-1 {
		return "", "", false
	}
	return token[:i], token[i+1:], true
}

// Create starts a new family with its first token as current.
func (s *Store) Create(ctx context.Context, clientID, userID string, scope []string, firstTokenID string) (Family, error) {
	now := time.Now()
	f := Family{
		FamilyID:  ids.New(),
		ClientID:  clientID,
		UserID:    userID,
		Scope:     scope,
		Current:   firstTokenID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.TTL),
	}
	b, err := json.Marshal(f)
	if err != nil {
		return Family{}, apierr.Internal(err)
	}
	ok, err := s.Backend.SetNX(ctx, familyKey(f.FamilyID), b, s.TTL)
	if err != nil {
		return Family{}, apierr.Internal(err)
	}
	if !ok {
		return Family{}, apierr.Internal(errFamilyIDCollision{f.FamilyID})
	}
	return f, nil
}

type errFamilyIDCollision struct{ id string }

func (e errFamilyIDCollision) Error() string { return "refreshfamily: id collision: " + e.id }

// Get returns the family identified by familyID without mutating it, for
// introspection and revocation, which only need to read current state.
func (s *Store) Get(ctx context.Context, familyID string) (Family, error) {
	raw, err := s.Backend.Get(ctx, familyKey(familyID))
	if err == ephemeral.ErrNotFound {
		return Family{}, apierr.NotFound("not_found", "refresh token family not found")
	}
	if err != nil {
		return Family{}, apierr.Internal(err)
	}
	var f Family
	if err := json.Unmarshal(raw, &f); err != nil {
		return Family{}, apierr.Internal(err)
	}
	return f, nil
}

// Rotate validates presentedTokenID against family familyID and, if it
// matches the family's current token, atomically advances the family to
// newTokenID. Presenting any superseded token id kills the entire family
// (marks it revoked) and returns invalid_grant, per spec.md's reuse
// invariant; so does presenting a token against an already-revoked family.
func (s *Store) Rotate(ctx context.Context, familyID, presentedTokenID, newTokenID string) (Family, error) {
	for {
		raw, err := s.Backend.Get(ctx, familyKey(familyID))
		if err == ephemeral.ErrNotFound {
			return Family{}, apierr.Invalid("invalid_grant", "unknown refresh token family")
		}
		if err != nil {
			return Family{}, apierr.Internal(err)
		}
		var f Family
		if err := json.Unmarshal(raw, &f); err != nil {
			return Family{}, apierr.Internal(err)
		}

		if f.Revoked {
			return Family{}, apierr.Invalid("invalid_grant", "refresh token family has been revoked")
		}

		if f.Current != presentedTokenID {
			// Reused (superseded) token presented: kill the family.
			f.Revoked = true
			newRaw, err := json.Marshal(f)
			if err != nil {
				return Family{}, apierr.Internal(err)
			}
			ok, err := s.Backend.CompareAndSwap(ctx, familyKey(familyID), raw, newRaw, s.TTL)
			if err != nil {
				return Family{}, apierr.Internal(err)
			}
			if !ok {
				continue // lost the race to another writer; retry against fresh state
			}
			metrics.RefreshFamilyKills.Inc()
			if s.Audit != nil {
				s.Audit.Emit(ctx, audit.New(audit.SeverityWarning, audit.KindRefreshFamilyKill, f.ClientID, familyID, map[string]any{"presented": presentedTokenID}))
			}
			return Family{}, apierr.Invalid("invalid_grant", "refresh token reuse detected")
		}

		updated := f
		updated.Superseded = append(append([]string{}, f.Superseded...), f.Current)
		updated.Current = newTokenID
		newRaw, err := json.Marshal(updated)
		if err != nil {
			return Family{}, apierr.Internal(err)
		}
		ok, err := s.Backend.CompareAndSwap(ctx, familyKey(familyID), raw, newRaw, s.TTL)
		if err != nil {
			return Family{}, apierr.Internal(err)
		}
		if !ok {
			continue // concurrent rotation; retry
		}
		if s.Audit != nil {
			s.Audit.Emit(ctx, audit.New(audit.SeverityInfo, audit.KindRefreshRotated, updated.ClientID, familyID, nil))
		}
		return updated, nil
	}
}

// Revoke marks familyID revoked unconditionally, used when a refresh token
// of the family is revoked via /revoke.
func (s *Store) Revoke(ctx context.Context, familyID string) error {
	for {
		raw, err := s.Backend.Get(ctx, familyKey(familyID))
		if err == ephemeral.ErrNotFound {
			return nil
		}
		if err != nil {
			return apierr.Internal(err)
		}
		var f Family
		if err := json.Unmarshal(raw, &f); err != nil {
			return apierr.Internal(err)
		}
		if f.Revoked {
			return nil
		}
		f.Revoked = true
		newRaw, err := json.Marshal(f)
		if err != nil {
			return apierr.Internal(err)
		}
		ok, err := s.Backend.CompareAndSwap(ctx, familyKey(familyID), raw, newRaw, s.TTL)
		if err != nil {
			return apierr.Internal(err)
		}
		if ok {
			return nil
		}
	}
}

// NarrowScope returns requested if it is a subset of granted (granted itself
// when requested is empty) and an invalid_scope error otherwise, enforcing
// spec.md §4.2's "scope may narrow but never widen" rule for refresh-token
// rotation.
func NarrowScope(granted, requested []string) ([]string, error) {
	if len(requested) == 0 {
		return granted, nil
	}
	allowed := make(map[string]bool, len(granted))
	for _, s := range granted {
		allowed[s] = true
	}
	for _, s := range requested {
		if !allowed[s] {
			return nil, apierr.Invalid("invalid_scope", "refresh token scope may not widen the originally granted scope")
		}
	}
	return requested, nil
}

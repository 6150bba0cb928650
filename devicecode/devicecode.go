// Package devicecode implements the Device Authorization Grant (RFC 8628,
// SPEC_FULL.md §11.2): an input-constrained client obtains a device_code and
// a short user_code, displays the user_code, and polls the token endpoint
// with device_code while a second device completes the browser flow against
// user_code. Grounded on the same ephemeral.Store single-use/CAS pattern as
// authcode and par, since a pending device authorization is another
// short-lived durable actor keyed by a partitioning identifier (spec.md §5).
package devicecode

import (
	"context"
	"encoding/json"
	"time"

	"github.com/authrim/authrim/ephemeral"
	"github.com/authrim/authrim/internal/apierr"
	"github.com/authrim/authrim/internal/ids"
)

// Status is a device authorization's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusDenied    Status = "denied"
)

// Record is one device authorization request's state.
type Record struct {
	DeviceCode string   `json:"device_code"`
	UserCode   string   `json:"user_code"`
	ClientID   string   `json:"client_id"`
	Scope      []string `json:"scope"`
	Status     Status   `json:"status"`
	UserID     string   `json:"user_id,omitempty"`
	// LastPolled gates the minimum polling interval (RFC 8628 §3.5): a
	// client polling faster than Interval gets slow_down.
	LastPolled time.Time `json:"last_polled"`
	Interval   time.Duration `json:"interval"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Store manages device authorization requests against an ephemeral.Store.
// Two independent indices are kept: device_code (polled by the client, never
// shown to a user) and user_code (typed by the user on a second device), so
// Approve can be looked up by the short code without leaking the long one.
type Store struct {
	Backend  ephemeral.Store
	TTL      time.Duration
	Interval time.Duration // minimum seconds between polls, RFC 8628 default 5s
}

// New returns a Store.
func New(backend ephemeral.Store, ttl, interval time.Duration) *Store {
	return &Store{Backend: backend, TTL: ttl, Interval: interval}
}

func deviceKey(deviceCode string) string { return "devicecode:device:" + deviceCode }
func userKey(userCode string) string     { return "devicecode:user:" + userCode }

// Create starts a new pending device authorization.
func (s *Store) Create(ctx context.Context, clientID string, scope []string) (Record, error) {
	now := time.Now()
	rec := Record{
		DeviceCode: ids.NewDeviceCode(),
		UserCode:   ids.NewUserCode(),
		ClientID:   clientID,
		Scope:      scope,
		Status:     StatusPending,
		Interval:   s.Interval,
		ExpiresAt:  now.Add(s.TTL),
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return Record{}, apierr.Internal(err)
	}
	ok, err := s.Backend.SetNX(ctx, deviceKey(rec.DeviceCode), b, s.TTL)
	if err != nil {
		return Record{}, apierr.Internal(err)
	}
	if !ok {
		return Record{}, apierr.Internal(errCollision{"device_code"})
	}
	// The user_code index stores only the device_code it maps to, so a
	// lookup-by-user-code can fetch the authoritative device_code record.
	ok, err = s.Backend.SetNX(ctx, userKey(rec.UserCode), []byte(rec.DeviceCode), s.TTL)
	if err != nil {
		return Record{}, apierr.Internal(err)
	}
	if !ok {
		_ = s.Backend.Delete(ctx, deviceKey(rec.DeviceCode))
		return Record{}, apierr.Internal(errCollision{"user_code"})
	}
	return rec, nil
}

type errCollision struct{ which string }

func (e errCollision) Error() string { return "devicecode: " + e.which + " collision" }

// Lookup resolves a user_code (normalized per ids.NormalizeUserCode) to its
// device authorization record, for the verification-page flow where a human
// types the short code.
func (s *Store) Lookup(ctx context.Context, userCode string) (Record, error) {
	normalized := ids.NormalizeUserCode(userCode)
	deviceCode, err := s.Backend.Get(ctx, userKey(normalized))
	if err == ephemeral.ErrNotFound {
		return Record{}, apierr.Invalid("invalid_request", "unknown or expired user code")
	}
	if err != nil {
		return Record{}, apierr.Internal(err)
	}
	return s.get(ctx, string(deviceCode))
}

func (s *Store) get(ctx context.Context, deviceCode string) (Record, error) {
	raw, err := s.Backend.Get(ctx, deviceKey(deviceCode))
	if err == ephemeral.ErrNotFound {
		return Record{}, apierr.Invalid("expired_token", "device code expired")
	}
	if err != nil {
		return Record{}, apierr.Internal(err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, apierr.Internal(err)
	}
	return rec, nil
}

// Approve marks the device authorization identified by userCode as approved
// for userID, called once the resource owner authenticates and consents on
// the verification page.
func (s *Store) Approve(ctx context.Context, userCode, userID string) error {
	return s.resolve(ctx, userCode, StatusApproved, userID)
}

// Deny marks the device authorization identified by userCode as denied.
func (s *Store) Deny(ctx context.Context, userCode string) error {
	return s.resolve(ctx, userCode, StatusDenied, "")
}

func (s *Store) resolve(ctx context.Context, userCode string, status Status, userID string) error {
	normalized := ids.NormalizeUserCode(userCode)
	deviceCodeRaw, err := s.Backend.Get(ctx, userKey(normalized))
	if err == ephemeral.ErrNotFound {
		return apierr.Invalid("invalid_request", "unknown or expired user code")
	}
	if err != nil {
		return apierr.Internal(err)
	}
	deviceCode := string(deviceCodeRaw)
	key := deviceKey(deviceCode)
	for {
		raw, err := s.Backend.Get(ctx, key)
		if err == ephemeral.ErrNotFound {
			return apierr.Invalid("expired_token", "device code expired")
		}
		if err != nil {
			return apierr.Internal(err)
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return apierr.Internal(err)
		}
		if rec.Status != StatusPending {
			return apierr.Invalid("invalid_request", "device authorization already resolved")
		}
		rec.Status = status
		rec.UserID = userID
		newRaw, err := json.Marshal(rec)
		if err != nil {
			return apierr.Internal(err)
		}
		ok, err := s.Backend.CompareAndSwap(ctx, key, raw, newRaw, time.Until(rec.ExpiresAt))
		if err != nil {
			return apierr.Internal(err)
		}
		if ok {
			return nil
		}
		// lost race against a concurrent resolution; retry against fresh state
	}
}

// Poll implements the token endpoint's device_code grant check per RFC 8628
// §3.5: returns (rec, nil) only once, when the authorization has just been
// observed approved; otherwise returns the RFC error code to surface
// (authorization_pending, slow_down, expired_token, access_denied).
func (s *Store) Poll(ctx context.Context, deviceCode, clientID string) (Record, error) {
	key := deviceKey(deviceCode)
	raw, err := s.Backend.Get(ctx, key)
	if err == ephemeral.ErrNotFound {
		return Record{}, apierr.Invalid("expired_token", "device code expired")
	}
	if err != nil {
		return Record{}, apierr.Internal(err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, apierr.Internal(err)
	}
	if rec.ClientID != clientID {
		return Record{}, apierr.Invalid("invalid_grant", "client_id does not match device authorization")
	}
	now := time.Now()
	if now.Before(rec.LastPolled.Add(rec.Interval)) {
		return Record{}, apierr.Invalid("slow_down", "polling too frequently")
	}

	switch rec.Status {
	case StatusDenied:
		return Record{}, apierr.Invalid("access_denied", "user denied the authorization request")
	case StatusPending:
		updated := rec
		updated.LastPolled = now
		newRaw, err := json.Marshal(updated)
		if err != nil {
			return Record{}, apierr.Internal(err)
		}
		// Best effort: a lost race here just means the next poll re-checks
		// the interval against a slightly stale LastPolled, which is safe.
		_, _ = s.Backend.CompareAndSwap(ctx, key, raw, newRaw, time.Until(rec.ExpiresAt))
		return Record{}, apierr.Invalid("authorization_pending", "authorization request is still pending")
	case StatusApproved:
		// Single-use: CAS the record to a consumed marker so that of two
		// concurrent pollers racing on the same approved device_code, only
		// one observes ok==true and actually returns the token-mintable
		// record; the loser sees its CAS fail against the now-consumed
		// value and falls through to authorization_pending.
		consumed := rec
		consumed.Status = "consumed"
		newRaw, err := json.Marshal(consumed)
		if err != nil {
			return Record{}, apierr.Internal(err)
		}
		ok, err := s.Backend.CompareAndSwap(ctx, key, raw, newRaw, time.Until(rec.ExpiresAt))
		if err != nil {
			return Record{}, apierr.Internal(err)
		}
		if !ok {
			return Record{}, apierr.Invalid("authorization_pending", "authorization request is still pending")
		}
		_ = s.Backend.Delete(ctx, key)
		_ = s.Backend.Delete(ctx, userKey(rec.UserCode))
		return rec, nil
	default:
		return Record{}, apierr.Invalid("invalid_grant", "unknown device authorization status")
	}
}

// Package keymanager drives the signing-key ring through its
// active/overlap/revoked state machine, grounded on the teacher's
// server/rotation.go keyRotator: periodic rotation via
// storage.UpdateKeys(old, new) compare-and-swap so multiple server
// instances rotating concurrently cooperate instead of racing, plus an
// emergency path the teacher's rotator does not have (rotate() only ever
// runs on its own schedule; spec.md §4.3 requires an operator-triggered
// emergency rotation that revokes the current active key immediately
// instead of demoting it to overlap).
package keymanager

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/authrim/authrim/internal/audit"
	"github.com/authrim/authrim/internal/ids"
	"github.com/authrim/authrim/internal/log"
	"github.com/authrim/authrim/storage"
)

// Alg is the signature algorithm Authrim mints and verifies keys for.
// RSA is used, not ECDSA, because it is the lowest common denominator
// across OIDC relying-party libraries — matching the teacher's comment
// in server/rotation.go.
const Alg = "RS256"

// errAlreadyRotated indicates another instance already rotated the ring
// before this one acquired the UpdateKeys compare-and-swap.
type errAlreadyRotated struct{}

func (errAlreadyRotated) Error() string { return "keys already rotated by another server instance" }

// Manager owns the signing-key ring's rotation schedule.
type Manager struct {
	Storage storage.Storage
	Audit   audit.Sink
	Logger  log.Logger

	RotationFrequency time.Duration
	OverlapWindow     time.Duration

	now func() time.Time
}

// New returns a Manager. now defaults to time.Now when nil, overridable in
// tests.
func New(s storage.Storage, a audit.Sink, logger log.Logger, rotationFrequency, overlapWindow time.Duration) *Manager {
	return &Manager{
		Storage:           s,
		Audit:             a,
		Logger:            logger,
		RotationFrequency: rotationFrequency,
		OverlapWindow:     overlapWindow,
		now:               time.Now,
	}
}

// Start rotates immediately so a freshly provisioned storage has keys
// before the first request, then rotates on a ticker until ctx is
// canceled, mirroring the teacher's startKeyRotation.
func (m *Manager) Start(ctx context.Context) {
	if err := m.Rotate(ctx); err != nil {
		if _, ok := err.(errAlreadyRotated); ok {
			m.Logger.Infof("key rotation not needed: %v", err)
		} else {
			m.Logger.Errorf("failed to rotate signing keys: %v", err)
		}
	}
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Rotate(ctx); err != nil {
					if _, ok := err.(errAlreadyRotated); !ok {
						m.Logger.Errorf("failed to rotate signing keys: %v", err)
					}
				}
			}
		}
	}()
}

// Rotate generates a new active key if RotationFrequency has elapsed since
// the last rotation, demoting the current active key to overlap rather
// than dropping it, so tokens it already signed keep verifying through
// OverlapWindow.
func (m *Manager) Rotate(ctx context.Context) error {
	keys, err := m.Storage.GetKeys(ctx)
	if err != nil && err != storage.ErrNotFound {
		return fmt.Errorf("get keys: %w", err)
	}
	if m.now().Before(keys.NextRotation) {
		return nil
	}

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}
	newKey, err := toSigningKey(priv, m.now())
	if err != nil {
		return err
	}

	var nextRotation time.Time
	err = m.Storage.UpdateKeys(ctx, func(cur storage.Keys) (storage.Keys, error) {
		tNow := m.now()
		if tNow.Before(cur.NextRotation) && !cur.NextRotation.IsZero() {
			return storage.Keys{}, errAlreadyRotated{}
		}

		retained := cur.Keys[:0]
		for _, k := range cur.Keys {
			switch k.Status {
			case storage.KeyActive:
				k.Status = storage.KeyOverlap
				k.OverlapUntil = tNow.Add(m.OverlapWindow)
				k.PrivateJWK = nil
				retained = append(retained, k)
			case storage.KeyOverlap:
				if tNow.Before(k.OverlapUntil) {
					retained = append(retained, k)
				}
			case storage.KeyRevoked:
				// revoked keys are dropped from the ring at this rotation.
			}
		}

		nextRotation = tNow.Add(m.RotationFrequency)
		return storage.Keys{
			Keys:         append(retained, newKey),
			NextRotation: nextRotation,
		}, nil
	})
	if err != nil {
		return err
	}
	m.Logger.Infof("signing keys rotated, next rotation: %s", nextRotation)
	if m.Audit != nil {
		m.Audit.Emit(ctx, audit.New(audit.SeverityInfo, audit.KindKeyRotated, "keymanager", newKey.ID, nil))
	}
	return nil
}

// EmergencyRotate immediately revokes the current active key (rather than
// demoting it to overlap) and mints a new active key, for use when a
// signing key is suspected compromised. Unlike scheduled Rotate, the
// previously active key stops verifying tokens right away — callers must
// expect any token it signed to fail verification after this call.
func (m *Manager) EmergencyRotate(ctx context.Context, reason string) error {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}
	newKey, err := toSigningKey(priv, m.now())
	if err != nil {
		return err
	}

	var revokedID string
	err = m.Storage.UpdateKeys(ctx, func(cur storage.Keys) (storage.Keys, error) {
		tNow := m.now()
		out := make([]storage.SigningKey, 0, len(cur.Keys)+1)
		for _, k := range cur.Keys {
			if k.Status == storage.KeyActive {
				k.Status = storage.KeyRevoked
				k.PrivateJWK = nil
				k.RevokedAt = tNow
				k.RevokedReason = reason
				revokedID = k.ID
			}
			out = append(out, k)
		}
		out = append(out, newKey)
		return storage.Keys{Keys: out, NextRotation: tNow.Add(m.RotationFrequency)}, nil
	})
	if err != nil {
		return err
	}
	m.Logger.Warnf("signing key %s emergency-revoked (%s); new active key %s", revokedID, reason, newKey.ID)
	if m.Audit != nil {
		m.Audit.Emit(ctx, audit.New(audit.SeverityCritical, audit.KindKeyEmergencyRotate, "keymanager", revokedID, map[string]any{"reason": reason}))
	}
	return nil
}

// JWKS returns the public JWKS document: active and overlap keys only,
// never revoked or private material.
func (m *Manager) JWKS(ctx context.Context) (*jose.JSONWebKeySet, error) {
	keys, err := m.Storage.GetKeys(ctx)
	if err != nil {
		return nil, err
	}
	set := &jose.JSONWebKeySet{}
	for _, k := range keys.Keys {
		if k.Status == storage.KeyRevoked {
			continue
		}
		var jwk jose.JSONWebKey
		if err := jwk.UnmarshalJSON(k.PublicJWK); err != nil {
			return nil, fmt.Errorf("unmarshal public jwk %s: %w", k.ID, err)
		}
		set.Keys = append(set.Keys, jwk)
	}
	return set, nil
}

// Active returns the current signing key, including its private material,
// for use by the token engine when minting a new token.
func (m *Manager) Active(ctx context.Context) (storage.SigningKey, error) {
	keys, err := m.Storage.GetKeys(ctx)
	if err != nil {
		return storage.SigningKey{}, err
	}
	for _, k := range keys.Keys {
		if k.Status == storage.KeyActive {
			return k, nil
		}
	}
	return storage.SigningKey{}, fmt.Errorf("no active signing key")
}

// Lookup returns the signing key for kid regardless of status, so the
// token engine's Verify can distinguish "unknown kid" from "revoked kid"
// and produce the right validation error for each.
func (m *Manager) Lookup(ctx context.Context, kid string) (storage.SigningKey, error) {
	keys, err := m.Storage.GetKeys(ctx)
	if err != nil {
		return storage.SigningKey{}, err
	}
	for _, k := range keys.Keys {
		if k.ID == kid {
			return k, nil
		}
	}
	return storage.SigningKey{}, fmt.Errorf("unknown kid %q", kid)
}

func toSigningKey(priv *rsa.PrivateKey, now time.Time) (storage.SigningKey, error) {
	kid := ids.NewKeyID()
	pub := jose.JSONWebKey{Key: priv.Public(), KeyID: kid, Algorithm: Alg, Use: "sig"}
	privJWK := jose.JSONWebKey{Key: priv, KeyID: kid, Algorithm: Alg, Use: "sig"}

	pubB, err := pub.MarshalJSON()
	if err != nil {
		return storage.SigningKey{}, fmt.Errorf("marshal public jwk: %w", err)
	}
	privB, err := privJWK.MarshalJSON()
	if err != nil {
		return storage.SigningKey{}, fmt.Errorf("marshal private jwk: %w", err)
	}
	return storage.SigningKey{
		ID:         kid,
		Alg:        Alg,
		Status:     storage.KeyActive,
		PublicJWK:  pubB,
		PrivateJWK: privB,
		CreatedAt:  now,
	}, nil
}

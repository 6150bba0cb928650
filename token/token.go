// Package token mints and verifies access and ID tokens, grounded on the
// spec's §4.2 claim tables and the teacher's server/rotation.go key-ring
// access pattern, signed with github.com/go-jose/go-jose/v4 (the JOSE
// library the teacher already depends on for JWKS) rather than
// golang-jwt/jwt/v5, which this module reserves for DPoP proof parsing —
// two different concerns, two different libraries, matching how the
// retrieval pack itself splits "sign our own tokens" from "verify a
// client-presented proof" across libraries.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/authrim/authrim/claims"
	"github.com/authrim/authrim/internal/apierr"
	"github.com/authrim/authrim/internal/ids"
	"github.com/authrim/authrim/internal/metrics"
	"github.com/authrim/authrim/keymanager"
	"github.com/authrim/authrim/storage"
)

// AccessClaims is an access token's payload (spec.md §4.2).
type AccessClaims struct {
	Issuer    string   `json:"iss"`
	Subject   string   `json:"sub"`
	Audience  string   `json:"aud"`
	Scope     string   `json:"scope"`
	IssuedAt  int64    `json:"iat"`
	Expiry    int64    `json:"exp"`
	JTI       string   `json:"jti"`
	Confirmation *Confirmation `json:"cnf,omitempty"`
}

// Confirmation carries the DPoP JWK thumbprint binding an access token to
// the key that must present proofs for it (RFC 9449 §6.1).
type Confirmation struct {
	JKT string `json:"jkt"`
}

// Engine mints and verifies tokens against the active/overlap signing-key
// ring.
type Engine struct {
	Keys             *keymanager.Manager
	Issuer           string
	AccessTokenTTL   time.Duration
	IDTokenTTL       time.Duration
}

// New returns an Engine.
func New(keys *keymanager.Manager, issuer string, accessTTL, idTTL time.Duration) *Engine {
	return &Engine{Keys: keys, Issuer: issuer, AccessTokenTTL: accessTTL, IDTokenTTL: idTTL}
}

func (e *Engine) signer(ctx context.Context) (jose.Signer, string, error) {
	active, err := e.Keys.Active(ctx)
	if err != nil {
		return nil, "", apierr.Internal(fmt.Errorf("no active signing key: %w", err))
	}
	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(active.PrivateJWK); err != nil {
		return nil, "", apierr.Internal(fmt.Errorf("unmarshal active private jwk: %w", err))
	}
	sig, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.SignatureAlgorithm(active.Alg), Key: jwk.Key}, &jose.SignerOptions{
		ExtraHeaders: map[jose.HeaderKey]interface{}{"kid": active.ID},
	})
	if err != nil {
		return nil, "", apierr.Internal(fmt.Errorf("build signer: %w", err))
	}
	return sig, active.ID, nil
}

// MintAccessToken mints a signed access token for user acting under client
// with the granted scope. dpopJKT is non-empty when the client is
// dpop-bound or the request carried a valid DPoP proof, per spec.md §4.2.
func (e *Engine) MintAccessToken(ctx context.Context, cl storage.Client, userID string, scope []string, dpopJKT string) (string, string, time.Time, error) {
	sig, _, err := e.signer(ctx)
	if err != nil {
		return "", "", time.Time{}, err
	}
	now := time.Now()
	exp := now.Add(e.AccessTokenTTL)
	jti := ids.NewJTI()
	claims := AccessClaims{
		Issuer:   e.Issuer,
		Subject:  userID,
		Audience: cl.ID,
		Scope:    joinScope(scope),
		IssuedAt: now.Unix(),
		Expiry:   exp.Unix(),
		JTI:      jti,
	}
	if dpopJKT != "" {
		claims.Confirmation = &Confirmation{JKT: dpopJKT}
	}
	compact, err := signJSON(sig, claims)
	if err != nil {
		return "", "", time.Time{}, apierr.Internal(err)
	}
	metrics.TokensMinted.WithLabelValues("access_token").Inc()
	return compact, jti, exp, nil
}

// MintIDToken mints a signed ID token. policy decides which profile/email/
// address/phone attributes from profile are released.
func (e *Engine) MintIDToken(ctx context.Context, cl storage.Client, u storage.User, authTime time.Time, nonce, acr string, amr []string, policy claims.Policy) (string, error) {
	sig, _, err := e.signer(ctx)
	if err != nil {
		return "", err
	}
	now := time.Now()
	payload := map[string]interface{}{
		"iss":       e.Issuer,
		"sub":       u.ID,
		"aud":       cl.ID,
		"iat":       now.Unix(),
		"exp":       now.Add(e.IDTokenTTL).Unix(),
		"auth_time": authTime.Unix(),
	}
	if nonce != "" {
		payload["nonce"] = nonce
	}
	if acr != "" {
		payload["acr"] = acr
	}
	if len(amr) > 0 {
		payload["amr"] = amr
	}
	for attr, val := range ProfileAttributes(u) {
		if policy.Release(attr, true) {
			payload[attr] = val
		}
	}
	compact, err := signJSON(sig, payload)
	if err != nil {
		return "", apierr.Internal(err)
	}
	metrics.TokensMinted.WithLabelValues("id_token").Inc()
	return compact, nil
}

// ProfileAttributes flattens a storage.User's profile into the claim names
// spec.md §4.2 names, ready for claims.Policy.Release filtering.
func ProfileAttributes(u storage.User) map[string]interface{} {
	return map[string]interface{}{
		"name":               u.Core.Username,
		"preferred_username": u.Core.PreferredUsername,
		"email":              u.PII.Email,
		"email_verified":     u.PII.EmailVerified,
		"given_name":         u.PII.GivenName,
		"family_name":        u.PII.FamilyName,
		"phone_number":       u.PII.PhoneNumber,
	}
}

// Verified is a successfully verified access token's payload plus the key
// that verified it.
type Verified struct {
	Claims AccessClaims
	KeyID  string
}

// Verify parses and verifies a compact JWS access token: resolves kid
// against the key manager, rejects revoked keys, checks signature, iss,
// aud (when expectedAudience is non-empty), and exp.
func (e *Engine) Verify(ctx context.Context, compact, expectedAudience string) (*Verified, error) {
	parsed, err := jose.ParseSigned(compact, []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		return nil, apierr.Invalid("invalid_token", "malformed token")
	}
	if len(parsed.Signatures) != 1 {
		return nil, apierr.Invalid("invalid_token", "unexpected signature count")
	}
	kid := parsed.Signatures[0].Header.KeyID
	key, err := e.Keys.Lookup(ctx, kid)
	if err != nil {
		return nil, apierr.Invalid("invalid_token", "unknown signing key")
	}
	if key.Status == storage.KeyRevoked {
		return nil, apierr.Invalid("invalid_token", "signing key has been revoked")
	}
	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(key.PublicJWK); err != nil {
		return nil, apierr.Internal(fmt.Errorf("unmarshal public jwk: %w", err))
	}
	payload, err := parsed.Verify(jwk.Key)
	if err != nil {
		return nil, apierr.Invalid("invalid_token", "signature verification failed")
	}
	var claims AccessClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, apierr.Invalid("invalid_token", "malformed claims")
	}
	if claims.Issuer != e.Issuer {
		return nil, apierr.Invalid("invalid_token", "issuer mismatch")
	}
	if expectedAudience != "" && claims.Audience != expectedAudience {
		return nil, apierr.Invalid("invalid_token", "audience mismatch")
	}
	now := time.Now().Unix()
	if claims.Expiry <= now {
		return nil, apierr.Invalid("invalid_token", "token expired")
	}
	return &Verified{Claims: claims, KeyID: kid}, nil
}

func signJSON(sig jose.Signer, v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	obj, err := sig.Sign(b)
	if err != nil {
		return "", err
	}
	return obj.CompactSerialize()
}

func joinScope(scope []string) string {
	out := ""
	for i, s := range scope {
		if i > 0 {
			out += " "
		}
		out += s
	}
	return out
}

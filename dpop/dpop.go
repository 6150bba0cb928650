// Package dpop verifies RFC 9449 DPoP proofs: a client-signed JWT bound to
// one HTTP request, whose JWK thumbprint ties it to a specific access
// token via the token's cnf.jkt claim. Grounded on the retrieval pack's
// a18462f6_BrettM86-coves atproto DPoP verifier (parse-unverified to read
// the jwk header, verify the signature against that embedded key, then
// validate htm/htu/iat/jti), adapted from an in-process NonceCache to the
// shared ephemeral.Store so replay detection works across instances, and
// using go-jose's JSONWebKey.Thumbprint instead of hand-rolled RFC 7638
// canonicalization.
package dpop

import (
	"context"
	"crypto"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/authrim/authrim/ephemeral"
	"github.com/authrim/authrim/internal/apierr"
)

// Claims is the payload of a DPoP proof JWT (RFC 9449 §4.2).
type Claims struct {
	jwt.RegisteredClaims
	HTTPMethod      string `json:"htm"`
	HTTPURI         string `json:"htu"`
	AccessTokenHash string `json:"ath,omitempty"`
}

// Proof is a parsed, signature-verified DPoP proof.
type Proof struct {
	Claims     Claims
	Thumbprint string // base64url SHA-256 JWK thumbprint, for cnf.jkt binding
}

// Verifier checks DPoP proofs against the request they claim to bind and
// records each jti in the replay store for MaxProofAge.
type Verifier struct {
	Store        ephemeral.Store
	MaxClockSkew time.Duration
	MaxProofAge  time.Duration
}

// New returns a Verifier with the spec's defaults (30s clock skew, proof
// age bound supplied by caller from config.DPoP.ProofMaxAge).
func New(store ephemeral.Store, maxProofAge time.Duration) *Verifier {
	return &Verifier{Store: store, MaxClockSkew: 30 * time.Second, MaxProofAge: maxProofAge}
}

// Verify checks proofJWT was signed by the key embedded in its own header
// (DPoP proofs are self-certifying — the server has no prior relationship
// with the client's proof key), that typ is "dpop+jwt", and that htm/htu/
// iat are consistent with the current request. It returns the verified
// Proof, whose Thumbprint callers compare against a token's cnf.jkt.
func (v *Verifier) Verify(ctx context.Context, proofJWT, httpMethod, httpURL string) (*Proof, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	unverified, _, err := parser.ParseUnverified(proofJWT, &Claims{})
	if err != nil {
		return nil, apierr.Invalid("invalid_dpop_proof", "malformed DPoP proof")
	}

	typ, _ := unverified.Header["typ"].(string)
	if typ != "dpop+jwt" {
		return nil, apierr.Invalid("invalid_dpop_proof", "typ must be dpop+jwt")
	}

	jwkRaw, ok := unverified.Header["jwk"]
	if !ok {
		return nil, apierr.Invalid("invalid_dpop_proof", "missing jwk header")
	}
	jwk, err := parseJWKHeader(jwkRaw)
	if err != nil {
		return nil, apierr.Invalid("invalid_dpop_proof", "invalid jwk header: "+err.Error())
	}
	if !jwk.IsPublic() {
		return nil, apierr.Invalid("invalid_dpop_proof", "jwk header must be a public key")
	}

	verified, err := jwt.ParseWithClaims(proofJWT, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return jwk.Key, nil
	})
	if err != nil || !verified.Valid {
		return nil, apierr.Invalid("invalid_dpop_proof", "signature verification failed")
	}
	claims, ok := verified.Claims.(*Claims)
	if !ok {
		return nil, apierr.Invalid("invalid_dpop_proof", "unexpected claims type")
	}

	if err := v.validateClaims(claims, httpMethod, httpURL); err != nil {
		return nil, err
	}

	thumbprintBytes, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, apierr.Internal(fmt.Errorf("compute jwk thumbprint: %w", err))
	}
	thumbprint := base64.RawURLEncoding.EncodeToString(thumbprintBytes)

	if err := v.checkReplay(ctx, claims.ID); err != nil {
		return nil, err
	}

	return &Proof{Claims: *claims, Thumbprint: thumbprint}, nil
}

func parseJWKHeader(raw interface{}) (jose.JSONWebKey, error) {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return jose.JSONWebKey{}, fmt.Errorf("jwk header is not an object")
	}
	// Round-trip through JSON so go-jose's own decoder (rather than a
	// hand-written field-by-field parse) builds the key.
	b, err := json.Marshal(m)
	if err != nil {
		return jose.JSONWebKey{}, err
	}
	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(b); err != nil {
		return jose.JSONWebKey{}, err
	}
	return jwk, nil
}

func (v *Verifier) validateClaims(claims *Claims, expectedMethod, expectedURL string) error {
	if claims.ID == "" {
		return apierr.Invalid("invalid_dpop_proof", "missing jti")
	}
	if !strings.EqualFold(claims.HTTPMethod, expectedMethod) {
		return apierr.Invalid("invalid_dpop_proof", "htm mismatch")
	}
	if stripQuery(claims.HTTPURI) != stripQuery(expectedURL) {
		return apierr.Invalid("invalid_dpop_proof", "htu mismatch")
	}
	if claims.IssuedAt == nil {
		return apierr.Invalid("invalid_dpop_proof", "missing iat")
	}
	now := time.Now()
	iat := claims.IssuedAt.Time
	if iat.After(now.Add(v.MaxClockSkew)) {
		return apierr.Invalid("invalid_dpop_proof", "iat is in the future")
	}
	if v.MaxProofAge > 0 && now.Sub(iat) > v.MaxProofAge {
		return apierr.Invalid("invalid_dpop_proof", "proof is too old")
	}
	return nil
}

func stripQuery(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return u
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed.String()
}

func (v *Verifier) checkReplay(ctx context.Context, jti string) error {
	key := "dpop:jti:" + jti
	ok, err := v.Store.SetNX(ctx, key, []byte{1}, v.MaxProofAge)
	if err != nil {
		return apierr.Internal(fmt.Errorf("dpop replay check: %w", err))
	}
	if !ok {
		return apierr.Invalid("invalid_dpop_proof", "proof jti already used")
	}
	return nil
}

// VerifyAccessTokenHash checks the proof's optional ath claim against the
// bearer token it accompanies, per RFC 9449 §4.2: when present, it MUST
// match.
func VerifyAccessTokenHash(p *Proof, accessToken string) error {
	if p.Claims.AccessTokenHash == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(accessToken))
	expected := base64.RawURLEncoding.EncodeToString(sum[:])
	if p.Claims.AccessTokenHash != expected {
		return apierr.Invalid("invalid_dpop_proof", "ath does not match presented access token")
	}
	return nil
}

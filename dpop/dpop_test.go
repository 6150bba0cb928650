package dpop

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/authrim/authrim/ephemeral/memory"
)

// newProof builds a self-certifying DPoP proof JWT signed by a fresh EC key,
// mirroring what a real client's DPoP library produces.
func newProof(t *testing.T, htm, htu string, iat time.Time, jti string) (string, *ecdsa.PrivateKey) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	pubJWK := jose.JSONWebKey{Key: priv.Public(), Algorithm: "ES256", Use: "sig"}
	b, err := pubJWK.MarshalJSON()
	require.NoError(t, err)
	var jwkHeader map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &jwkHeader))

	c := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       jti,
			IssuedAt: jwt.NewNumericDate(iat),
		},
		HTTPMethod: htm,
		HTTPURI:    htu,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, c)
	tok.Header["typ"] = "dpop+jwt"
	tok.Header["jwk"] = jwkHeader

	signed, err := tok.SignedString(priv)
	require.NoError(t, err)
	return signed, priv
}

func newVerifier() *Verifier {
	return New(memory.New(), time.Minute)
}

func TestVerifyAcceptsWellFormedProof(t *testing.T) {
	v := newVerifier()
	proof, _ := newProof(t, "POST", "https://as.example.com/token", time.Now(), "jti-1")

	p, err := v.Verify(context.Background(), proof, "POST", "https://as.example.com/token")
	require.NoError(t, err)
	require.NotEmpty(t, p.Thumbprint)
}

func TestVerifyRejectsMethodMismatch(t *testing.T) {
	v := newVerifier()
	proof, _ := newProof(t, "POST", "https://as.example.com/token", time.Now(), "jti-2")

	_, err := v.Verify(context.Background(), proof, "GET", "https://as.example.com/token")
	require.Error(t, err)
}

func TestVerifyRejectsURIMismatchIgnoringQuery(t *testing.T) {
	v := newVerifier()
	// htu must match ignoring query/fragment, but the path must still agree.
	okProof, _ := newProof(t, "GET", "https://as.example.com/userinfo", time.Now(), "jti-3a")
	_, err := v.Verify(context.Background(), okProof, "GET", "https://as.example.com/userinfo?foo=bar")
	require.NoError(t, err)

	mismatchProof, _ := newProof(t, "GET", "https://as.example.com/userinfo", time.Now(), "jti-3b")
	_, err = v.Verify(context.Background(), mismatchProof, "GET", "https://as.example.com/other")
	require.Error(t, err)
}

func TestVerifyRejectsReplayedJTI(t *testing.T) {
	v := newVerifier()
	proof, _ := newProof(t, "POST", "https://as.example.com/token", time.Now(), "jti-replay")

	_, err := v.Verify(context.Background(), proof, "POST", "https://as.example.com/token")
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), proof, "POST", "https://as.example.com/token")
	require.Error(t, err, "a second use of the same proof jti must be rejected as a replay")
}

func TestVerifyRejectsStaleProof(t *testing.T) {
	v := newVerifier()
	v.MaxProofAge = time.Minute
	proof, _ := newProof(t, "POST", "https://as.example.com/token", time.Now().Add(-time.Hour), "jti-stale")

	_, err := v.Verify(context.Background(), proof, "POST", "https://as.example.com/token")
	require.Error(t, err)
}

func TestVerifyRejectsFutureIat(t *testing.T) {
	v := newVerifier()
	proof, _ := newProof(t, "POST", "https://as.example.com/token", time.Now().Add(time.Hour), "jti-future")

	_, err := v.Verify(context.Background(), proof, "POST", "https://as.example.com/token")
	require.Error(t, err)
}

func TestVerifyRejectsWrongTyp(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pubJWK := jose.JSONWebKey{Key: priv.Public(), Algorithm: "ES256", Use: "sig"}
	b, err := pubJWK.MarshalJSON()
	require.NoError(t, err)
	var jwkHeader map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &jwkHeader))

	c := Claims{
		RegisteredClaims: jwt.RegisteredClaims{ID: "jti-wrong-typ", IssuedAt: jwt.NewNumericDate(time.Now())},
		HTTPMethod:       "POST",
		HTTPURI:          "https://as.example.com/token",
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, c)
	tok.Header["typ"] = "JWT" // not dpop+jwt
	tok.Header["jwk"] = jwkHeader
	signed, err := tok.SignedString(priv)
	require.NoError(t, err)

	v := newVerifier()
	_, err = v.Verify(context.Background(), signed, "POST", "https://as.example.com/token")
	require.Error(t, err)
}

func TestVerifyAccessTokenHashMatches(t *testing.T) {
	accessToken := "the-access-token-value"
	sum := sha256.Sum256([]byte(accessToken))
	ath := base64.RawURLEncoding.EncodeToString(sum[:])

	p := &Proof{Claims: Claims{AccessTokenHash: ath}}
	require.NoError(t, VerifyAccessTokenHash(p, accessToken))

	bad := &Proof{Claims: Claims{AccessTokenHash: "not-the-right-hash"}}
	require.Error(t, VerifyAccessTokenHash(bad, accessToken))
}

func TestVerifyAccessTokenHashOptional(t *testing.T) {
	p := &Proof{Claims: Claims{}}
	require.NoError(t, VerifyAccessTokenHash(p, "anything"))
}

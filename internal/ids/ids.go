// Package ids generates the random identifiers used throughout Authrim:
// resource IDs, authorization codes, key IDs, JWT jti values, and the
// device-flow user code.
package ids

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/hex"
	"io"
	"strings"
)

// encoding avoids characters that are awkward in URLs or case-insensitive
// stores (no padding, lower case only).
var encoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// validUserCharacters excludes vowels so device-flow user codes never spell
// an accidental word.
const validUserCharacters = "BCDFGHJKLMNPQRSTVWXZ"

// New returns a random URL-safe identifier suitable for client IDs, role
// IDs, and SCIM resource IDs.
func New() string {
	return newSecureID(16)
}

// NewCode returns a random, high-entropy authorization code or PAR request
// suffix.
func NewCode() string {
	return newSecureID(32)
}

// NewKeyID returns a random hex key identifier for a signing key.
func NewKeyID() string {
	b := make([]byte, 20)
	mustRead(b)
	return hex.EncodeToString(b)
}

// NewJTI returns a random JWT ID.
func NewJTI() string {
	return newSecureID(20)
}

// NewDeviceCode returns a long, opaque device code for the device
// authorization grant.
func NewDeviceCode() string {
	return newSecureID(32)
}

// NewUserCode returns an 8-character, vowel-free user code grouped as
// XXXX-YYYY for the device authorization grant. Normalization on lookup
// must mirror NormalizeUserCode.
func NewUserCode() string {
	b := make([]byte, 8)
	mustRead(b)
	out := make([]byte, 8)
	n := int64(len(validUserCharacters))
	for i, c := range b {
		out[i] = validUserCharacters[int64(c)%n]
	}
	return string(out[:4]) + "-" + string(out[4:])
}

// NormalizeUserCode applies the same normalization on write and lookup:
// uppercase, with internal whitespace stripped. Dashes are preserved since
// the generator always emits them as literal separators.
func NormalizeUserCode(code string) string {
	code = strings.ToUpper(code)
	code = strings.ReplaceAll(code, " ", "")
	return code
}

func newSecureID(n int) string {
	buf := make([]byte, n)
	mustRead(buf)
	// Avoid an identifier that starts with a digit.
	return string(buf[0]%26+'a') + encoding.EncodeToString(buf[1:])
}

func mustRead(b []byte) {
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic(err)
	}
}

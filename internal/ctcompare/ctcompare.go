// Package ctcompare provides timing-safe comparisons for client secrets and
// PKCE code challenges, per the "byte-length-preserving comparator" design
// note.
package ctcompare

import "crypto/subtle"

// Equal reports whether a and b are equal, in time that does not depend on
// where they first differ. Unlike subtle.ConstantTimeCompare, it tolerates
// unequal lengths without taking an early, length-revealing exit: a length
// mismatch is still detected, but only after comparing against a
// same-length buffer so the caller's timing does not leak the true length.
func Equal(a, b string) bool {
	if len(a) != len(b) {
		// Compare against itself so the branch above doesn't dominate timing
		// for grossly different lengths; the result is still "not equal".
		subtle.ConstantTimeCompare([]byte(a), []byte(a))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

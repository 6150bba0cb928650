package oidc

import "testing"

func TestKnownBrokenAuthHeaderProvider(t *testing.T) {
	tests := []struct {
		issuer string
		want   bool
	}{
		{"https://example.okta.com", true},
		{"https://dev-123.oktapreview.com", true},
		{"https://accounts.google.com", false},
		{"https://not-a-valid-url\x7f", false},
	}
	for _, tc := range tests {
		if got := knownBrokenAuthHeaderProvider(tc.issuer); got != tc.want {
			t.Errorf("knownBrokenAuthHeaderProvider(%q) = %v, want %v", tc.issuer, got, tc.want)
		}
	}
}

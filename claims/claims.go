// Package claims parses and validates the OIDC "claims" authorization
// request parameter (OpenID Connect Core §5.5) into a typed AST, and
// implements the claim-release policy the token engine consults when
// deciding which profile/email/address/phone attributes to include in an
// ID token or UserInfo response. There is no teacher equivalent — dex does
// not implement the claims parameter — so this package is grounded on
// spec.md §4.2/§9's description of the tagged-variant ClaimReq shape,
// written in the teacher's validation style (explicit error returns via
// apierr, no panics on malformed input).
package claims

import (
	"encoding/json"

	"github.com/authrim/authrim/internal/apierr"
)

// profileClaims, emailClaims, addressClaims, and phoneClaims are the scope
// to claim-set mappings from spec.md §4.2.
var (
	profileClaims = map[string]bool{
		"name": true, "family_name": true, "given_name": true, "middle_name": true,
		"nickname": true, "preferred_username": true, "profile": true, "picture": true,
		"website": true, "gender": true, "birthdate": true, "zoneinfo": true,
		"locale": true, "updated_at": true,
	}
	emailClaims   = map[string]bool{"email": true, "email_verified": true}
	addressClaims = map[string]bool{"address": true}
	phoneClaims   = map[string]bool{"phone_number": true, "phone_number_verified": true}
)

// Req is one claim's requested options: {Null, Essential(bool), Value(json),
// Values([]json)}, per spec.md §9's tagged-variant description.
type Req struct {
	Essential *bool
	Value     json.RawMessage
	Values    []json.RawMessage
}

// UnmarshalJSON accepts null, {"essential": bool}, {"value": ...}, or
// {"values": [...]}.
func (r *Req) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*r = Req{}
		return nil
	}
	var raw struct {
		Essential *bool             `json:"essential"`
		Value     json.RawMessage   `json:"value"`
		Values    []json.RawMessage `json:"values"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	r.Essential = raw.Essential
	r.Value = raw.Value
	r.Values = raw.Values
	return nil
}

// Request is the validated "claims" request parameter AST.
type Request struct {
	UserInfo map[string]Req
	IDToken  map[string]Req
}

// Parse validates raw against the claims parameter's grammar: the
// top-level object's keys must be a subset of {userinfo, id_token}. Any
// other shape fails with invalid_request, per spec.md §4.2.
func Parse(raw string) (*Request, error) {
	if raw == "" {
		return &Request{}, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, apierr.Invalid("invalid_request", "claims parameter is not a JSON object")
	}
	req := &Request{}
	for key, val := range obj {
		var dst *map[string]Req
		switch key {
		case "userinfo":
			dst = &req.UserInfo
		case "id_token":
			dst = &req.IDToken
		default:
			return nil, apierr.Invalid("invalid_request", "claims parameter has unknown top-level key "+key)
		}
		m := map[string]Req{}
		if err := json.Unmarshal(val, &m); err != nil {
			return nil, apierr.Invalid("invalid_request", "claims."+key+" must be an object of claim name to request options")
		}
		*dst = m
	}
	return req, nil
}

// Policy evaluates the claim-release decision for one attribute name.
type Policy struct {
	GrantedScopes           map[string]bool
	AllowClaimsWithoutScope bool
	Claims                  *Request
}

// Release reports whether attribute should be released into either the
// UserInfo response or the ID token, per spec.md §4.2's two-path rule:
// scope-granted, or explicitly requested via claims when the client allows
// claims without a covering scope.
func (p Policy) Release(attribute string, inIDToken bool) bool {
	if p.grantedByScope(attribute) {
		return true
	}
	if !p.AllowClaimsWithoutScope || p.Claims == nil {
		return false
	}
	set := p.Claims.UserInfo
	if inIDToken {
		set = p.Claims.IDToken
	}
	_, requested := set[attribute]
	return requested
}

func (p Policy) grantedByScope(attribute string) bool {
	switch {
	case profileClaims[attribute]:
		return p.GrantedScopes["profile"]
	case emailClaims[attribute]:
		return p.GrantedScopes["email"]
	case addressClaims[attribute]:
		return p.GrantedScopes["address"]
	case phoneClaims[attribute]:
		return p.GrantedScopes["phone"]
	default:
		return false
	}
}

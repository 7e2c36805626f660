package jwt

import (
	"encoding/json"

	"github.com/golang-jwt/jwt/v5"
)

// reservedClaims cannot be overridden by extra claims.
var reservedClaims = map[string]struct{}{
	"iss": {},
	"sub": {},
	"aud": {},
	"exp": {},
	"nbf": {},
	"iat": {},
	"jti": {},
	"sid": {},
}

// IsReserved reports whether name is a claim owned by the token itself.
func IsReserved(name string) bool {
	_, ok := reservedClaims[name]
	return ok
}

// AccessClaims is the payload of an access token. Extra claims are flattened
// into the top level of the JWT payload.
type AccessClaims struct {
	SID   string         `json:"sid"`
	Extra map[string]any `json:"-"`
	jwt.RegisteredClaims
}

type accessClaimsWire struct {
	SID string `json:"sid"`
	jwt.RegisteredClaims
}

// MarshalJSON merges Extra into the registered claims; registered names win.
func (c AccessClaims) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(accessClaimsWire{SID: c.SID, RegisteredClaims: c.RegisteredClaims})
	if err != nil {
		return nil, err
	}
	if len(c.Extra) == 0 {
		return base, nil
	}

	merged := make(map[string]json.RawMessage, len(c.Extra)+8)
	for k, v := range c.Extra {
		if IsReserved(k) {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		merged[k] = raw
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(base, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON fills the registered claims and collects every other member
// into Extra.
func (c *AccessClaims) UnmarshalJSON(data []byte) error {
	var wire accessClaimsWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}

	c.SID = wire.SID
	c.RegisteredClaims = wire.RegisteredClaims
	c.Extra = nil
	for k, v := range all {
		if IsReserved(k) {
			continue
		}
		if c.Extra == nil {
			c.Extra = make(map[string]any)
		}
		c.Extra[k] = v
	}
	return nil
}

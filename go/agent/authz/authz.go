// Package authz decodes the FLOW_AUTH_TOKEN refresh-token substitute:
// the environment's base64 refresh token becomes the bearer credential
// a CLI or controller attaches to outbound control-plane requests.
// Full authentication and multi-tenancy RBAC live upstream and filter
// inputs before they reach this process.
package authz

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RefreshToken is the decoded form of FLOW_AUTH_TOKEN: an id/secret pair
// a client exchanges for a short-lived bearer token
// ("FLOW_AUTH_TOKEN (refresh token, base64 of {id,secret}) may
// substitute for stored credentials").
type RefreshToken struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
}

// ParseRefreshToken decodes a FLOW_AUTH_TOKEN environment value.
func ParseRefreshToken(raw string) (RefreshToken, error) {
	var decoded, err = base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return RefreshToken{}, fmt.Errorf("decoding FLOW_AUTH_TOKEN: %w", err)
	}
	var tok RefreshToken
	if err := json.Unmarshal(decoded, &tok); err != nil {
		return RefreshToken{}, fmt.Errorf("parsing FLOW_AUTH_TOKEN: %w", err)
	}
	if tok.ID == "" || tok.Secret == "" {
		return RefreshToken{}, fmt.Errorf("FLOW_AUTH_TOKEN is missing id or secret")
	}
	return tok, nil
}

// Claims is the minimal claim set this exchange signs (this package
// does not verify tokens), mirroring pb.Claims's Subject/Issuer/expiry fields without
// pulling in the full broker protocol package this boundary package has
// no other reason to depend on.
type Claims struct {
	jwt.RegisteredClaims
	Capability uint32 `json:"cap,omitempty"`
}

// Sign self-signs a bearer token asserting tok's identity, for
// submission to the control plane's authorization endpoint.
func Sign(tok RefreshToken, ttl time.Duration) (string, error) {
	var claims = Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tok.ID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	var signed, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(tok.Secret))
	if err != nil {
		return "", fmt.Errorf("signing refresh-token bearer: %w", err)
	}
	return signed, nil
}

// BearerRoundTripper attaches an Authorization header derived from tok
// to every outbound request, re-signing once the cached token is within
// a minute of expiring.
type BearerRoundTripper struct {
	Base http.RoundTripper
	Tok  RefreshToken
	TTL  time.Duration

	cached  string
	expires time.Time
}

func (b *BearerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if b.cached == "" || time.Until(b.expires) < time.Minute {
		var ttl = b.TTL
		if ttl == 0 {
			ttl = 10 * time.Minute
		}
		var token, err = Sign(b.Tok, ttl)
		if err != nil {
			return nil, err
		}
		b.cached = token
		b.expires = time.Now().Add(ttl)
	}
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+b.cached)

	var base = b.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// Package token mints and validates capability tokens.
//
// A capability token is a self-contained HS256-signed credential carrying the
// four authorization claims a request needs: tenant id, subscription plan,
// plugin id, and surface address. Nothing is stored server-side; the token is
// the whole session.
//
// Known limitation: tokens carry no expiry claim, matching current issuance
// behavior. There is no revocation list either, so a compromised token can
// only be invalidated by rotating the signing key, which invalidates every
// outstanding token at once.
package token

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fyrsmithlabs/docgate/internal/plan"
)

// ErrUnauthenticated is returned for any token that cannot be fully
// validated: malformed input, wrong signing method, bad signature, missing
// claims, or an expired token. Validation fails closed - callers never see
// partial or defaulted claims.
var ErrUnauthenticated = errors.New("invalid or missing token")

// Claims are the authorization claims carried by a capability token.
type Claims struct {
	TenantID       string `json:"tenant"`
	Plan           string `json:"plan"`
	PluginID       string `json:"plugin"`
	SurfaceAddress string `json:"surface"`
	jwt.RegisteredClaims
}

// Identity is the validated, typed view of a token's claims.
type Identity struct {
	TenantID       string
	Plan           plan.Plan
	PluginID       string
	SurfaceAddress string
}

// Issuer mints and validates capability tokens with a symmetric key.
// The key is injected at construction; there is no ambient secret.
type Issuer struct {
	key []byte
}

// NewIssuer creates an Issuer with the given signing key.
func NewIssuer(key []byte) (*Issuer, error) {
	if len(key) == 0 {
		return nil, errors.New("signing key is required")
	}
	return &Issuer{key: key}, nil
}

// Mint signs a token carrying the four claims. Pure function of its inputs
// and the signing key; no side effects.
func (i *Issuer) Mint(tenantID string, p plan.Plan, pluginID, surfaceAddress string) (string, error) {
	if tenantID == "" {
		return "", errors.New("tenant id is required")
	}
	if !plan.Valid(p) {
		return "", fmt.Errorf("%w: %q", plan.ErrUnknownPlan, p)
	}
	if pluginID == "" {
		return "", errors.New("plugin id is required")
	}

	claims := Claims{
		TenantID:       tenantID,
		Plan:           p.String(),
		PluginID:       pluginID,
		SurfaceAddress: surfaceAddress,
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a token, returning the typed identity.
//
// Any failure mode collapses into ErrUnauthenticated: the caller learns that
// the request is unauthenticated, never which claim was wrong.
func (i *Issuer) Validate(tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, ErrUnauthenticated
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(t *jwt.Token) (any, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing method: %s", t.Method.Alg())
			}
			return i.key, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !parsed.Valid {
		return nil, ErrUnauthenticated
	}

	if claims.TenantID == "" || claims.PluginID == "" {
		return nil, fmt.Errorf("%w: missing identity claims", ErrUnauthenticated)
	}
	p, err := plan.Parse(claims.Plan)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	return &Identity{
		TenantID:       claims.TenantID,
		Plan:           p,
		PluginID:       claims.PluginID,
		SurfaceAddress: claims.SurfaceAddress,
	}, nil
}

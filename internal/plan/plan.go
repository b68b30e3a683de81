// Package plan defines the closed set of subscription plans and the
// quota/rate ceilings attached to each.
//
// Every authenticated request carries a plan claim. The policy table here is
// the single source of truth for both the character ceiling enforced by the
// quota ledger and the request ceiling enforced by the rate limiter; no other
// package branches on plan names directly.
package plan

import (
	"errors"
	"fmt"
)

// Plan is a subscription tier.
type Plan string

const (
	Free      Plan = "free"
	Hobby     Plan = "hobby"
	Standard  Plan = "standard"
	Unlimited Plan = "unlimited"
)

// ErrUnknownPlan is returned when a plan string is not in the closed set.
var ErrUnknownPlan = errors.New("unknown subscription plan")

// Policy holds the ceilings for one plan.
type Policy struct {
	// CharacterCeiling is the maximum cumulative ingested characters
	// per (tenant, plugin).
	CharacterCeiling int64

	// RateCeiling is the maximum requests per caller identity within
	// one rate window.
	RateCeiling int64
}

// policies maps each plan to its ceilings.
var policies = map[Plan]Policy{
	Free:      {CharacterCeiling: 400_000, RateCeiling: 100},
	Hobby:     {CharacterCeiling: 7_000_000, RateCeiling: 1_000},
	Standard:  {CharacterCeiling: 10_000_000, RateCeiling: 5_000},
	Unlimited: {CharacterCeiling: 20_000_000, RateCeiling: 1_000_000},
}

// Parse converts a plan claim string into a Plan.
// Returns ErrUnknownPlan for anything outside the closed set.
func Parse(s string) (Plan, error) {
	p := Plan(s)
	if _, ok := policies[p]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPlan, s)
	}
	return p, nil
}

// PolicyFor returns the policy for a plan.
// Returns ErrUnknownPlan for plans outside the closed set.
func PolicyFor(p Plan) (Policy, error) {
	policy, ok := policies[p]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %q", ErrUnknownPlan, p)
	}
	return policy, nil
}

// Valid reports whether p is a known plan.
func Valid(p Plan) bool {
	_, ok := policies[p]
	return ok
}

// String implements fmt.Stringer.
func (p Plan) String() string {
	return string(p)
}

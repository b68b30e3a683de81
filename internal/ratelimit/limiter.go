// Package ratelimit enforces per-caller request ceilings over a fixed
// 24-hour window.
//
// Rate limiting is deliberately keyed differently from the quota ledger: it
// throttles request volume per caller credential (or source IP when no
// credential is presented), while the ledger caps ingested content volume
// per tenant+plugin. Two independent axes of abuse control.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/docgate/internal/plan"
	"github.com/fyrsmithlabs/docgate/internal/store"
)

// Window is the fixed rate-limiting period. Counters expire and restart
// after the window elapses; there is no manual reset path.
const Window = 24 * time.Hour

// ErrRateLimitExceeded is returned once a caller's request count exceeds the
// plan ceiling within the current window.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// keyPrefix namespaces window counters in the shared store.
const keyPrefix = "ratelimiter"

// Limiter counts requests per caller identity in the shared store. The
// Limiter is the only writer of its key space.
type Limiter struct {
	store store.Store
}

// NewLimiter creates a Limiter over the given shared store.
func NewLimiter(s store.Store) (*Limiter, error) {
	if s == nil {
		return nil, errors.New("store is required")
	}
	return &Limiter{store: s}, nil
}

// windowKey returns the shared-store key for one caller's window counter.
func windowKey(identity string) string {
	return fmt.Sprintf("%s:%s", keyPrefix, identity)
}

// Check increments the caller's window counter and fails with
// ErrRateLimitExceeded once the plan ceiling is exceeded.
//
// The TTL is set only on the first increment of a window so that requests
// mid-window never push the reset point out.
func (l *Limiter) Check(ctx context.Context, identity string, p plan.Plan) error {
	if identity == "" {
		return errors.New("caller identity is required")
	}
	policy, err := plan.PolicyFor(p)
	if err != nil {
		return err
	}

	key := windowKey(identity)
	count, err := l.store.Incr(ctx, key)
	if err != nil {
		return err
	}
	if count == 1 {
		if err := l.store.Expire(ctx, key, Window); err != nil {
			return err
		}
	}

	if count > policy.RateCeiling {
		return fmt.Errorf("%w: %d requests in window, plan %s allows %d",
			ErrRateLimitExceeded, count, p, policy.RateCeiling)
	}
	return nil
}

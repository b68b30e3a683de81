package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/docgate/internal/plan"
)

// Checker is the contract the dispatcher depends on. Satisfied by both the
// shared-store Limiter and the process-local LocalLimiter.
type Checker interface {
	Check(ctx context.Context, identity string, p plan.Plan) error
}

// LocalLimiter is a process-local token-bucket limiter used when no shared
// store is configured (dev and test runs). The plan's daily ceiling is
// spread evenly over the window with a burst of the full ceiling, which
// approximates the fixed window closely enough for single-process use.
//
// Not suitable for horizontally scaled deployments: buckets are per process,
// so N instances multiply the effective ceiling by N.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewLocalLimiter creates an empty LocalLimiter.
func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{buckets: make(map[string]*rate.Limiter)}
}

// Check consumes one token from the caller's bucket, creating the bucket on
// first sight with the plan's ceiling.
func (l *LocalLimiter) Check(_ context.Context, identity string, p plan.Plan) error {
	if identity == "" {
		return errors.New("caller identity is required")
	}
	policy, err := plan.PolicyFor(p)
	if err != nil {
		return err
	}

	l.mu.Lock()
	bucket, ok := l.buckets[identity]
	if !ok {
		perSecond := rate.Limit(float64(policy.RateCeiling) / Window.Seconds())
		bucket = rate.NewLimiter(perSecond, int(policy.RateCeiling))
		l.buckets[identity] = bucket
	}
	l.mu.Unlock()

	if !bucket.Allow() {
		return fmt.Errorf("%w: plan %s allows %d requests per %s",
			ErrRateLimitExceeded, p, policy.RateCeiling, Window)
	}
	return nil
}

var (
	_ Checker = (*Limiter)(nil)
	_ Checker = (*LocalLimiter)(nil)
)

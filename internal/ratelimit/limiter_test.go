package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/docgate/internal/plan"
	"github.com/fyrsmithlabs/docgate/internal/store"
)

func TestNewLimiter_NilStore(t *testing.T) {
	_, err := NewLimiter(nil)
	require.Error(t, err)
}

// TestCheck_FreeCeiling drives one identity to the free-plan ceiling: the
// 100th request in the window succeeds, the 101st fails.
func TestCheck_FreeCeiling(t *testing.T) {
	l, err := NewLimiter(store.NewMemoryStore())
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		require.NoError(t, l.Check(ctx, "caller-1", plan.Free), "request %d", i+1)
	}
	require.ErrorIs(t, l.Check(ctx, "caller-1", plan.Free), ErrRateLimitExceeded)
}

func TestCheck_IdentitiesIndependent(t *testing.T) {
	l, err := NewLimiter(store.NewMemoryStore())
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		require.NoError(t, l.Check(ctx, "caller-a", plan.Free))
	}
	require.ErrorIs(t, l.Check(ctx, "caller-a", plan.Free), ErrRateLimitExceeded)

	// A different identity still has a fresh window.
	require.NoError(t, l.Check(ctx, "caller-b", plan.Free))
}

func TestCheck_WindowExpiry(t *testing.T) {
	mem := store.NewMemoryStore()
	current := time.Now()
	mem.SetClock(func() time.Time { return current })

	l, err := NewLimiter(mem)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		require.NoError(t, l.Check(ctx, "caller-1", plan.Free))
	}
	require.ErrorIs(t, l.Check(ctx, "caller-1", plan.Free), ErrRateLimitExceeded)

	// Once the 24h window elapses the counter restarts from zero.
	current = current.Add(Window + time.Minute)
	require.NoError(t, l.Check(ctx, "caller-1", plan.Free))
}

func TestCheck_UnknownPlanAndEmptyIdentity(t *testing.T) {
	l, err := NewLimiter(store.NewMemoryStore())
	require.NoError(t, err)
	ctx := context.Background()

	require.ErrorIs(t, l.Check(ctx, "caller-1", plan.Plan("gold")), plan.ErrUnknownPlan)
	require.Error(t, l.Check(ctx, "", plan.Free))
}

func TestLocalLimiter_Burst(t *testing.T) {
	l := NewLocalLimiter()
	ctx := context.Background()

	// The local fallback grants the full ceiling as burst.
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Check(ctx, "caller-1", plan.Free))
	}
	err := l.Check(ctx, "caller-1", plan.Free)
	assert.ErrorIs(t, err, ErrRateLimitExceeded)
}

package store

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Counters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	val, err := s.GetInt64(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(0), val)

	val, err = s.IncrBy(ctx, "k", 500)
	require.NoError(t, err)
	assert.Equal(t, int64(500), val)

	val, err = s.IncrBy(ctx, "k", 250)
	require.NoError(t, err)
	assert.Equal(t, int64(750), val)

	require.NoError(t, s.Del(ctx, "k"))
	val, err = s.GetInt64(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(0), val)
}

func TestMemoryStore_ConcurrentIncrBy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	const workers = 32
	const perWorker = 100

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				_, err := s.IncrBy(ctx, "counter", 3)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	val, err := s.GetInt64(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(workers*perWorker*3), val)
}

func TestMemoryStore_Sets(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	members, err := s.SMembers(ctx, "ids")
	require.NoError(t, err)
	assert.Empty(t, members)

	require.NoError(t, s.SAdd(ctx, "ids", "a", "b", "c"))
	require.NoError(t, s.SAdd(ctx, "ids", "b")) // duplicate is a no-op

	members, err = s.SMembers(ctx, "ids")
	require.NoError(t, err)
	sort.Strings(members)
	assert.Equal(t, []string{"a", "b", "c"}, members)

	require.NoError(t, s.SRem(ctx, "ids", "a"))
	members, err = s.SMembers(ctx, "ids")
	require.NoError(t, err)
	sort.Strings(members)
	assert.Equal(t, []string{"b", "c"}, members)
}

func TestMemoryStore_Expiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	current := time.Now()
	s.SetClock(func() time.Time { return current })

	_, err := s.Incr(ctx, "window")
	require.NoError(t, err)
	require.NoError(t, s.Expire(ctx, "window", time.Hour))

	val, err := s.GetInt64(ctx, "window")
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)

	// Advance past the TTL; the key must read as absent and a fresh
	// increment restarts from zero.
	current = current.Add(2 * time.Hour)

	val, err = s.GetInt64(ctx, "window")
	require.NoError(t, err)
	assert.Equal(t, int64(0), val)

	val, err = s.Incr(ctx, "window")
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)
}

package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by unit tests and storeless dev
// runs. It mirrors the Redis semantics the gateway depends on: atomic
// increments, set operations, and lazily-expired keys.
//
// Not suitable for multi-instance deployments - state is process-local.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]int64
	sets     map[string]map[string]struct{}
	deadline map[string]time.Time

	// now is replaceable in tests to drive window expiry.
	now func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]int64),
		sets:     make(map[string]map[string]struct{}),
		deadline: make(map[string]time.Time),
		now:      time.Now,
	}
}

// SetClock replaces the store's clock. Test helper.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// expireLocked drops key if its deadline has passed. Callers hold s.mu.
func (s *MemoryStore) expireLocked(key string) {
	if dl, ok := s.deadline[key]; ok && s.now().After(dl) {
		delete(s.counters, key)
		delete(s.sets, key)
		delete(s.deadline, key)
	}
}

func (s *MemoryStore) GetInt64(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	return s.counters[key], nil
}

func (s *MemoryStore) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	s.counters[key] += delta
	return s.counters[key], nil
}

func (s *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.IncrBy(ctx, key, 1)
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadline[key] = s.now().Add(ttl)
	return nil
}

func (s *MemoryStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.counters, key)
		delete(s.sets, key)
		delete(s.deadline, key)
	}
	return nil
}

func (s *MemoryStore) SAdd(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) SRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	set, ok := s.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(set, m)
	}
	if len(set) == 0 {
		delete(s.sets, key)
	}
	return nil
}

func (s *MemoryStore) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	set := s.sets[key]
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	return members, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)

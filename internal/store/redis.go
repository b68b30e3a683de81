package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis-backed store.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string `koanf:"addr"`

	// Password is the optional AUTH password.
	Password string `koanf:"password"`

	// DB is the logical database number.
	DB int `koanf:"db"`

	// DialTimeout bounds the initial connectivity check.
	DialTimeout time.Duration `koanf:"dial_timeout"`
}

// ApplyDefaults sets default values for unset fields.
func (c *RedisConfig) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
}

// RedisStore implements Store on go-redis. All operations map 1:1 onto
// Redis commands, so the atomicity guarantees are Redis's own.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed store and verifies connectivity.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	cfg.ApplyDefaults()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	s := &RedisStore{client: client}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return s, nil
}

// GetInt64 returns the integer at key, or 0 when the key is absent.
func (s *RedisStore) GetInt64(ctx context.Context, key string) (int64, error) {
	val, err := s.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: GET %s: %v", ErrStoreUnavailable, key, err)
	}
	return val, nil
}

// IncrBy atomically adds delta to the integer at key.
func (s *RedisStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	val, err := s.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: INCRBY %s: %v", ErrStoreUnavailable, key, err)
	}
	return val, nil
}

// Incr atomically increments the integer at key.
func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	val, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: INCR %s: %v", ErrStoreUnavailable, key, err)
	}
	return val, nil
}

// Expire sets a TTL on key.
func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("%w: EXPIRE %s: %v", ErrStoreUnavailable, key, err)
	}
	return nil
}

// Del removes keys.
func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: DEL: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// SAdd adds members to the set at key.
func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SAdd(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("%w: SADD %s: %v", ErrStoreUnavailable, key, err)
	}
	return nil
}

// SRem removes members from the set at key.
func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SRem(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("%w: SREM %s: %v", ErrStoreUnavailable, key, err)
	}
	return nil
}

// SMembers returns all members of the set at key.
func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: SMEMBERS %s: %v", ErrStoreUnavailable, key, err)
	}
	return members, nil
}

// Ping verifies connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

var _ Store = (*RedisStore)(nil)

// Package idempotency deduplicates handler side effects. A handler claims a
// key before an external mutation; a second claim of the same key within the
// TTL loses and reads the recorded result instead of re-executing.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// ErrNoResult is returned by Lookup when no result was recorded for the key.
var ErrNoResult = errors.New("no recorded result")

// Store claims keys and records results. Claim returns true exactly once per
// key within the TTL.
type Store interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Record(ctx context.Context, key string, result json.RawMessage, ttl time.Duration) error
	Lookup(ctx context.Context, key string) (json.RawMessage, error)
	Release(ctx context.Context, key string) error
	Close() error
}

// RedisStore backs claims with Redis SET NX, shared across engine replicas.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects and pings.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, "idem:claim:"+key, 1, ttl).Result()
}

func (s *RedisStore) Record(ctx context.Context, key string, result json.RawMessage, ttl time.Duration) error {
	return s.client.Set(ctx, "idem:result:"+key, []byte(result), ttl).Err()
}

func (s *RedisStore) Lookup(ctx context.Context, key string) (json.RawMessage, error) {
	data, err := s.client.Get(ctx, "idem:result:"+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoResult
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, "idem:claim:"+key).Err()
}

func (s *RedisStore) Close() error { return s.client.Close() }

// LocalStore is the in-process fallback when Redis is not configured. Claims
// do not survive a restart, which is acceptable for single-node runs.
type LocalStore struct {
	claims  *cache.Cache
	results *cache.Cache
}

// NewLocalStore creates the fallback store.
func NewLocalStore() *LocalStore {
	return &LocalStore{
		claims:  cache.New(cache.NoExpiration, 10*time.Minute),
		results: cache.New(cache.NoExpiration, 10*time.Minute),
	}
}

func (s *LocalStore) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	return s.claims.Add(key, struct{}{}, ttl) == nil, nil
}

func (s *LocalStore) Record(_ context.Context, key string, result json.RawMessage, ttl time.Duration) error {
	s.results.Set(key, append(json.RawMessage(nil), result...), ttl)
	return nil
}

func (s *LocalStore) Lookup(_ context.Context, key string) (json.RawMessage, error) {
	v, ok := s.results.Get(key)
	if !ok {
		return nil, ErrNoResult
	}
	return v.(json.RawMessage), nil
}

func (s *LocalStore) Release(_ context.Context, key string) error {
	s.claims.Delete(key)
	return nil
}

func (s *LocalStore) Close() error { return nil }

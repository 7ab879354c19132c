package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mrmushfiq/pricewatch-gateway/internal/shared/redis"
)

// RedisStore keeps buckets in Redis so every replica shares them. Updates
// are optimistic: read, compute, and write only if the key is unchanged.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a shared store. ttl is how long an idle bucket is
// kept; pass the time a bucket needs to refill from empty, or more.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit:bucket"
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) Name() string { return "redis" }

// wireBucket stores nanoseconds so replicas agree on precision.
type wireBucket struct {
	Tokens     float64 `json:"t"`
	LastRefill int64   `json:"r"`
}

// Update implements CounterStore.
func (s *RedisStore) Update(ctx context.Context, key string, fn UpdateFunc) (Bucket, error) {
	var next Bucket
	err := s.client.CompareAndSwap(ctx, s.key(key), s.ttl, func(cur string, found bool) (string, error) {
		var b Bucket
		if found {
			var w wireBucket
			if err := json.Unmarshal([]byte(cur), &w); err != nil {
				// A corrupt value is treated as a fresh bucket.
				found = false
			} else {
				b = Bucket{Tokens: w.Tokens, LastRefill: time.Unix(0, w.LastRefill)}
			}
		}

		next = fn(b, found)
		data, err := json.Marshal(wireBucket{Tokens: next.Tokens, LastRefill: next.LastRefill.UnixNano()})
		if err != nil {
			return "", err
		}
		return string(data), nil
	})
	if errors.Is(err, redis.ErrConflict) {
		return Bucket{}, ErrContention
	}
	if err != nil {
		return Bucket{}, fmt.Errorf("redis bucket update: %w", err)
	}
	return next, nil
}

// Reset drops the bucket for key
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key))
}

func (s *RedisStore) key(k string) string {
	return s.prefix + ":" + k
}

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mrmushfiq/pricewatch-gateway/internal/shared/redis"
)

// ErrTierMiss is returned by a Tier that does not hold the key
var ErrTierMiss = errors.New("shared cache miss")

// Tier is a second cache level shared between replicas. Get returns the
// time the value was originally stored so every replica expires it at
// the same moment.
type Tier[V any] interface {
	Get(ctx context.Context, key string) (V, time.Time, error)
	Set(ctx context.Context, key string, value V, storedAt time.Time, ttl time.Duration) error
}

type tierEntry[V any] struct {
	Value    V     `json:"v"`
	StoredAt int64 `json:"at"`
}

// RedisTier stores JSON-encoded values in Redis
type RedisTier[V any] struct {
	redis *redis.Client
}

// NewRedisTier creates a shared tier on redisClient
func NewRedisTier[V any](redisClient *redis.Client) *RedisTier[V] {
	return &RedisTier[V]{redis: redisClient}
}

// Get retrieves a cached value and its store time
func (t *RedisTier[V]) Get(ctx context.Context, key string) (V, time.Time, error) {
	var zero V

	val, err := t.redis.Get(ctx, key)
	if errors.Is(err, redis.ErrNotFound) {
		return zero, time.Time{}, ErrTierMiss
	}
	if err != nil {
		return zero, time.Time{}, err
	}

	var e tierEntry[V]
	if err := json.Unmarshal([]byte(val), &e); err != nil {
		return zero, time.Time{}, fmt.Errorf("failed to deserialize cached value: %w", err)
	}
	return e.Value, time.Unix(0, e.StoredAt), nil
}

// Set stores a value. A zero ttl keeps it until Redis evicts it.
func (t *RedisTier[V]) Set(ctx context.Context, key string, value V, storedAt time.Time, ttl time.Duration) error {
	data, err := json.Marshal(tierEntry[V]{Value: value, StoredAt: storedAt.UnixNano()})
	if err != nil {
		return fmt.Errorf("failed to serialize value: %w", err)
	}
	return t.redis.Set(ctx, key, string(data), ttl)
}

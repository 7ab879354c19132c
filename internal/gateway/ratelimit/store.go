package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrContention means a store kept losing update races for one key. The
// store is reachable; the update was simply not applied.
var ErrContention = errors.New("rate limit store contention")

// Bucket is the persisted state of one identity's token bucket. Capacity
// and refill rate belong to the Limiter, not to the bucket.
type Bucket struct {
	Tokens     float64   `json:"tokens"`
	LastRefill time.Time `json:"last_refill"`
}

// UpdateFunc computes a bucket's next state. found is false when the
// identity has no bucket yet. It may run more than once per Update call
// and must not have side effects beyond its return value.
type UpdateFunc func(current Bucket, found bool) Bucket

// CounterStore is where buckets live. Update must apply fn atomically per
// key: two concurrent updates of the same key never both start from the
// same state.
type CounterStore interface {
	Update(ctx context.Context, key string, fn UpdateFunc) (Bucket, error)
	Reset(ctx context.Context, key string) error
	Name() string
}

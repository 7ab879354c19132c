package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/mrmushfiq/pricewatch-gateway/internal/shared/clock"
	"github.com/mrmushfiq/pricewatch-gateway/internal/shared/logging"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Cache memoizes expensive computations with LRU eviction, optional TTL,
// and at most one in-flight computation per key.
type Cache[V any] struct {
	mu      sync.Mutex
	lru     *simplelru.LRU[string, *entry[V]]
	maxSize int
	ttl     time.Duration
	stats   Stats

	flights        singleflight.Group
	shared         Tier[V]
	computeTimeout time.Duration
	clock          clock.Clock
	logger         *zap.Logger
}

type entry[V any] struct {
	value        V
	createdAt    time.Time
	lastAccessed time.Time
	hitCount     int64
}

// Option configures a Cache
type Option[V any] func(*Cache[V])

// WithTTL expires entries ttl after they were stored. Zero disables expiry.
func WithTTL[V any](ttl time.Duration) Option[V] {
	return func(c *Cache[V]) { c.ttl = ttl }
}

// WithSharedTier adds a second level consulted on local misses
func WithSharedTier[V any](t Tier[V]) Option[V] {
	return func(c *Cache[V]) { c.shared = t }
}

// WithClock overrides the time source
func WithClock[V any](clk clock.Clock) Option[V] {
	return func(c *Cache[V]) { c.clock = clk }
}

// WithLogger sets the logger used for recovered write failures
func WithLogger[V any](l *zap.Logger) Option[V] {
	return func(c *Cache[V]) { c.logger = logging.OrNop(l) }
}

// WithComputeTimeout bounds a single computation
func WithComputeTimeout[V any](d time.Duration) Option[V] {
	return func(c *Cache[V]) { c.computeTimeout = d }
}

// New creates a cache holding at most maxSize entries
func New[V any](maxSize int, opts ...Option[V]) (*Cache[V], error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("cache max size must be > 0, got %d", maxSize)
	}
	lru, err := simplelru.NewLRU[string, *entry[V]](maxSize, nil)
	if err != nil {
		return nil, err
	}

	c := &Cache[V]{
		lru:            lru,
		maxSize:        maxSize,
		computeTimeout: 30 * time.Second,
		clock:          clock.Real{},
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// flightResult is what the flight leader hands to every caller
type flightResult[V any] struct {
	value    V
	computed bool
}

// GetOrCompute returns the value stored under key, computing it with fn on
// a miss. Concurrent misses for one key share a single fn call. A caller
// whose ctx ends stops waiting and gets ctx.Err(); the computation keeps
// running for the remaining callers. Errors from fn are returned to every
// caller sharing the flight and are not cached.
func (c *Cache[V]) GetOrCompute(ctx context.Context, key string, fn func(ctx context.Context) (V, error)) (V, Status, error) {
	var zero V

	if v, ok := c.lookup(key, true); ok {
		return v, StatusHit, nil
	}

	leader := false
	ch := c.flights.DoChan(key, func() (any, error) {
		leader = true
		return c.resolve(ctx, key, fn)
	})

	select {
	case <-ctx.Done():
		return zero, "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, "", res.Err
		}
		fr := res.Val.(flightResult[V])
		if leader && fr.computed {
			return fr.value, StatusMiss, nil
		}
		c.mu.Lock()
		c.stats.Hits++
		c.mu.Unlock()
		return fr.value, StatusHit, nil
	}
}

// resolve runs once per flight.
func (c *Cache[V]) resolve(parent context.Context, key string, fn func(ctx context.Context) (V, error)) (flightResult[V], error) {
	// A previous flight may have stored the value after our lookup.
	if v, ok := c.lookup(key, false); ok {
		return flightResult[V]{value: v}, nil
	}

	// The computation outlives a cancelled leader; other callers may be
	// waiting on it.
	ctx := context.WithoutCancel(parent)
	if c.computeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.computeTimeout)
		defer cancel()
	}

	if c.shared != nil {
		v, storedAt, err := c.shared.Get(ctx, key)
		switch {
		case err == nil:
			// The entry keeps its original age; it expires here when it
			// expires everywhere else.
			now := c.clock.Now()
			if storedAt.IsZero() || storedAt.After(now) {
				storedAt = now
			}
			if !c.expiredAt(storedAt, now) {
				c.storeAt(key, v, storedAt)
				return flightResult[V]{value: v}, nil
			}
		case !errors.Is(err, ErrTierMiss):
			c.logger.Warn("shared cache read failed", zap.String("key", key), zap.Error(err))
		}
	}

	c.mu.Lock()
	c.stats.Misses++
	c.mu.Unlock()

	v, err := safeCompute(ctx, fn)
	if err != nil {
		var zero V
		return flightResult[V]{value: zero}, err
	}

	storedAt := c.clock.Now()
	c.storeAt(key, v, storedAt)
	if c.shared != nil {
		if err := c.shared.Set(ctx, key, v, storedAt, c.ttl); err != nil {
			c.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return flightResult[V]{value: v, computed: true}, nil
}

func safeCompute[V any](ctx context.Context, fn func(context.Context) (V, error)) (v V, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compute panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// lookup returns a live entry, dropping it if expired. countHit controls
// whether a hit bumps the global hit counter.
func (c *Cache[V]) lookup(key string, countHit bool) (V, bool) {
	var zero V
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		return zero, false
	}
	if c.expired(e, now) {
		c.lru.Remove(key)
		return zero, false
	}

	e.lastAccessed = now
	e.hitCount++
	if countHit {
		c.stats.Hits++
	}
	return e.value, true
}

// storeAt inserts v with the given creation time
func (c *Cache[V]) storeAt(key string, v V, createdAt time.Time) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lru.Add(key, &entry[V]{value: v, createdAt: createdAt, lastAccessed: now}) {
		c.stats.Evictions++
	}
}

func (c *Cache[V]) expired(e *entry[V], now time.Time) bool {
	return c.expiredAt(e.createdAt, now)
}

func (c *Cache[V]) expiredAt(createdAt, now time.Time) bool {
	return c.ttl > 0 && now.Sub(createdAt) >= c.ttl
}

// Peek reports the entry metadata for key without touching recency
func (c *Cache[V]) Peek(key string) (hitCount int64, lastAccessed time.Time, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(key)
	if !ok {
		return 0, time.Time{}, false
	}
	return e.hitCount, e.lastAccessed, true
}

// Contains reports whether key is stored, expired or not
func (c *Cache[V]) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Contains(key)
}

// Len returns the number of entries in the cache
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Clear removes all local entries. Counters keep accumulating.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Stats returns a snapshot of cache statistics.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = c.lru.Len()
	s.MaxSize = c.maxSize
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

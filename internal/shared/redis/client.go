package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

var (
	// ErrNotFound is returned by Get when the key does not exist
	ErrNotFound = errors.New("key not found")
	// ErrConflict is returned by CompareAndSwap when every attempt lost the race
	ErrConflict = errors.New("compare-and-swap retries exhausted")
)

type Client struct {
	client *redis.Client

	casAttempts    int
	casBaseBackoff time.Duration
	casMaxBackoff  time.Duration
}

// New creates a new Redis client
func New(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("Redis ping failed: %w", err)
	}

	return Wrap(client), nil
}

// Wrap adopts an existing go-redis client
func Wrap(client *redis.Client) *Client {
	return &Client{
		client:         client,
		casAttempts:    10,
		casBaseBackoff: 2 * time.Millisecond,
		casMaxBackoff:  64 * time.Millisecond,
	}
}

// WithCASRetry overrides the retry budget of CompareAndSwap
func (c *Client) WithCASRetry(attempts int, base, max time.Duration) *Client {
	if attempts > 0 {
		c.casAttempts = attempts
	}
	if base > 0 {
		c.casBaseBackoff = base
	}
	if max > 0 {
		c.casMaxBackoff = max
	}
	return c
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

// Ping checks connectivity
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Get retrieves a value by key
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// Set stores a value with TTL
func (c *Client) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Del removes keys
func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.client.Del(ctx, keys...).Err()
}

// CompareAndSwap reads key, passes its value to fn and writes fn's result
// back only if nobody modified key in between (WATCH/MULTI/EXEC). Lost races
// are retried with exponential backoff; after the attempt budget is spent it
// returns ErrConflict. Errors returned by fn abort without writing.
func (c *Client) CompareAndSwap(ctx context.Context, key string, ttl time.Duration, fn func(current string, found bool) (string, error)) error {
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Result()
		found := true
		if err == redis.Nil {
			found = false
		} else if err != nil {
			return err
		}

		next, err := fn(current, found)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, ttl)
			return nil
		})
		return err
	}

	backoff := c.casBaseBackoff
	for attempt := 0; attempt < c.casAttempts; attempt++ {
		err := c.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}

		if attempt == c.casAttempts-1 {
			break
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff *= 2
		if backoff > c.casMaxBackoff {
			backoff = c.casMaxBackoff
		}
	}
	return ErrConflict
}

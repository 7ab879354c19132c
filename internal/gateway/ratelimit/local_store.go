package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/mrmushfiq/pricewatch-gateway/internal/shared/clock"
)

// LocalStore keeps buckets in process memory, one mutex per identity.
type LocalStore struct {
	entries      sync.Map // map[string]*localEntry
	clock        clock.Clock
	idleTTL      time.Duration
	cleanupEvery time.Duration
}

type localEntry struct {
	mu       sync.Mutex
	bucket   Bucket
	found    bool
	lastSeen time.Time
	// dead is set by the janitor under mu once the entry left the map.
	dead bool
}

type LocalOption func(*LocalStore)

// WithIdleTTL sets how long an untouched bucket survives
func WithIdleTTL(d time.Duration) LocalOption {
	return func(s *LocalStore) { s.idleTTL = d }
}

// WithCleanupEvery sets the janitor period; zero disables it
func WithCleanupEvery(d time.Duration) LocalOption {
	return func(s *LocalStore) { s.cleanupEvery = d }
}

// WithLocalClock overrides the clock used for idle tracking
func WithLocalClock(c clock.Clock) LocalOption {
	return func(s *LocalStore) { s.clock = c }
}

func NewLocalStore(opts ...LocalOption) *LocalStore {
	s := &LocalStore{
		clock:        clock.Real{},
		idleTTL:      15 * time.Minute,
		cleanupEvery: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *LocalStore) Name() string { return "local" }

// Update implements CounterStore.
func (s *LocalStore) Update(ctx context.Context, key string, fn UpdateFunc) (Bucket, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Bucket{}, err
		}

		v, _ := s.entries.LoadOrStore(key, &localEntry{})
		ent := v.(*localEntry)

		ent.mu.Lock()
		if ent.dead {
			// Lost a race with Cleanup; pick up the replacement entry.
			ent.mu.Unlock()
			continue
		}
		next := fn(ent.bucket, ent.found)
		ent.bucket = next
		ent.found = true
		ent.lastSeen = s.clock.Now()
		ent.mu.Unlock()
		return next, nil
	}
}

// Reset drops the bucket for key
func (s *LocalStore) Reset(_ context.Context, key string) error {
	if v, ok := s.entries.LoadAndDelete(key); ok {
		ent := v.(*localEntry)
		ent.mu.Lock()
		ent.dead = true
		ent.mu.Unlock()
	}
	return nil
}

// Len returns the number of live buckets
func (s *LocalStore) Len() int {
	n := 0
	s.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Cleanup removes buckets idle for longer than the idle TTL
func (s *LocalStore) Cleanup() {
	cutoff := s.clock.Now().Add(-s.idleTTL)

	s.entries.Range(func(k, v any) bool {
		ent := v.(*localEntry)
		ent.mu.Lock()
		if ent.found && ent.lastSeen.Before(cutoff) {
			ent.dead = true
			s.entries.CompareAndDelete(k, v)
		}
		ent.mu.Unlock()
		return true
	})
}

// StartJanitor runs Cleanup periodically until ctx is done
func (s *LocalStore) StartJanitor(ctx context.Context) {
	if s.cleanupEvery <= 0 {
		return
	}

	t := time.NewTicker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
}

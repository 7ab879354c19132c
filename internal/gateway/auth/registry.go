package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mrmushfiq/pricewatch-gateway/internal/shared/clock"
	"github.com/mrmushfiq/pricewatch-gateway/internal/shared/logging"
	"github.com/mrmushfiq/pricewatch-gateway/internal/shared/models"
	"go.uber.org/zap"
)

var (
	ErrKeyExists   = errors.New("api key already registered")
	ErrKeyNotFound = errors.New("api key not found")
	ErrKeyRevoked  = errors.New("api key already revoked")
)

// Persister stores key records outside the process. *database.DB implements it.
type Persister interface {
	ListAPIKeys(ctx context.Context) ([]models.APIKey, error)
	InsertAPIKey(ctx context.Context, k models.APIKey) error
	RevokeAPIKey(ctx context.Context, id string, at time.Time) error
	RotateAPIKey(ctx context.Context, oldID string, next models.APIKey, at time.Time) error
}

// snapshot is immutable once published
type snapshot struct {
	byHash map[string]*models.APIKey
	byID   map[string]*models.APIKey
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		byHash: make(map[string]*models.APIKey, len(s.byHash)+1),
		byID:   make(map[string]*models.APIKey, len(s.byID)+1),
	}
	for h, k := range s.byHash {
		next.byHash[h] = k
	}
	for id, k := range s.byID {
		next.byID[id] = k
	}
	return next
}

func (s *snapshot) put(k *models.APIKey) {
	s.byHash[k.KeyHash] = k
	s.byID[k.ID] = k
}

// Registry holds the valid API keys. Lookups read an atomically published
// snapshot and never lock; mutations serialize on mu, build a new snapshot
// and publish it with a single store.
type Registry struct {
	mu     sync.Mutex
	snap   atomic.Pointer[snapshot]
	store  Persister
	clock  clock.Clock
	logger *zap.Logger
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithPersister makes every mutation write through to p first
func WithPersister(p Persister) RegistryOption {
	return func(r *Registry) { r.store = p }
}

// WithClock overrides the time source used for created/revoked stamps
func WithClock(c clock.Clock) RegistryOption {
	return func(r *Registry) { r.clock = c }
}

// WithLogger sets the logger used by background reloads
func WithLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logging.OrNop(l) }
}

// NewRegistry creates an empty registry
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{clock: clock.Real{}, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	r.snap.Store(&snapshot{
		byHash: make(map[string]*models.APIKey),
		byID:   make(map[string]*models.APIKey),
	})
	return r
}

// Load merges the persister's records into the registry. Records are
// never dropped and a revoked record stays revoked, so a stale read can
// not undo a mutation made after it started.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	keys, err := r.store.ListAPIKeys(ctx)
	if err != nil {
		return fmt.Errorf("failed to load api keys: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.snap.Load().clone()
	for i := range keys {
		k := keys[i]
		if cur, ok := next.byID[k.ID]; ok && cur.Revoked && !k.Revoked {
			continue
		}
		next.put(&k)
	}
	r.snap.Store(next)
	return nil
}

// StartSync reloads from the persister whenever changes delivers and
// every interval, until ctx is done. A nil changes channel or a zero
// interval disables that trigger.
func (r *Registry) StartSync(ctx context.Context, changes <-chan struct{}, every time.Duration) {
	if r.store == nil || (changes == nil && every <= 0) {
		return
	}

	var tick <-chan time.Time
	if every > 0 {
		t := time.NewTicker(every)
		tick = t.C
		go func() {
			<-ctx.Done()
			t.Stop()
		}()
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					changes = nil
					continue
				}
			case <-tick:
			}
			if err := r.Load(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("api key reload failed", zap.Error(err))
			}
		}
	}()
}

// Lookup returns the record for a raw key value. Revoked records are
// returned too; callers decide what revocation means.
func (r *Registry) Lookup(value string) (models.APIKey, bool) {
	k, ok := r.snap.Load().byHash[HashKey(value)]
	if !ok {
		return models.APIKey{}, false
	}
	return *k, true
}

// List returns all records ordered by creation time
func (r *Registry) List() []models.APIKey {
	snap := r.snap.Load()
	out := make([]models.APIKey, 0, len(snap.byID))
	for _, k := range snap.byID {
		out = append(out, *k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Register generates a fresh key and returns its raw value together with
// the stored record. The raw value is not retrievable afterwards.
func (r *Registry) Register(ctx context.Context, label string) (string, models.APIKey, error) {
	value, err := GenerateKey("pk")
	if err != nil {
		return "", models.APIKey{}, err
	}
	rec, err := r.RegisterKey(ctx, value, label)
	if err != nil {
		return "", models.APIKey{}, err
	}
	return value, rec, nil
}

// RegisterKey imports a known key value
func (r *Registry) RegisterKey(ctx context.Context, value, label string) (models.APIKey, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return models.APIKey{}, errors.New("api key value is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	hash := HashKey(value)
	if _, ok := cur.byHash[hash]; ok {
		return models.APIKey{}, ErrKeyExists
	}

	rec := r.newRecord(hash, value, label)
	if r.store != nil {
		if err := r.store.InsertAPIKey(ctx, *rec); err != nil {
			return models.APIKey{}, err
		}
	}

	next := cur.clone()
	next.put(rec)
	r.snap.Store(next)
	return *rec, nil
}

// Revoke revokes the key with the given raw value
func (r *Registry) Revoke(ctx context.Context, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k, ok := r.snap.Load().byHash[HashKey(value)]
	if !ok {
		return ErrKeyNotFound
	}
	return r.revokeLocked(ctx, k)
}

// RevokeID revokes the key with the given record id
func (r *Registry) RevokeID(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k, ok := r.snap.Load().byID[id]
	if !ok {
		return ErrKeyNotFound
	}
	return r.revokeLocked(ctx, k)
}

func (r *Registry) revokeLocked(ctx context.Context, k *models.APIKey) error {
	if k.Revoked {
		return nil
	}
	now := r.clock.Now()
	if r.store != nil {
		if err := r.store.RevokeAPIKey(ctx, k.ID, now); err != nil {
			return err
		}
	}

	next := r.snap.Load().clone()
	next.put(revoked(k, now))
	r.snap.Store(next)
	return nil
}

// Rotate revokes oldValue and issues a replacement. Both changes become
// visible in the same snapshot swap.
func (r *Registry) Rotate(ctx context.Context, oldValue, label string) (string, models.APIKey, error) {
	newValue, err := GenerateKey("pk")
	if err != nil {
		return "", models.APIKey{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	old, ok := cur.byHash[HashKey(oldValue)]
	if !ok {
		return "", models.APIKey{}, ErrKeyNotFound
	}
	if old.Revoked {
		return "", models.APIKey{}, ErrKeyRevoked
	}
	if label == "" {
		label = old.Label
	}

	now := r.clock.Now()
	rec := r.newRecord(HashKey(newValue), newValue, label)
	if r.store != nil {
		if err := r.store.RotateAPIKey(ctx, old.ID, *rec, now); err != nil {
			return "", models.APIKey{}, err
		}
	}

	next := cur.clone()
	next.put(revoked(old, now))
	next.put(rec)
	r.snap.Store(next)
	return newValue, *rec, nil
}

func (r *Registry) newRecord(hash, value, label string) *models.APIKey {
	return &models.APIKey{
		ID:        uuid.NewString(),
		KeyHash:   hash,
		KeyHint:   Mask(value),
		Label:     label,
		CreatedAt: r.clock.Now().UTC(),
	}
}

func revoked(k *models.APIKey, at time.Time) *models.APIKey {
	cp := *k
	cp.Revoked = true
	t := at.UTC()
	cp.RevokedAt = &t
	return &cp
}

// GenerateKey returns prefix_ followed by 32 random bytes, base64url encoded
func GenerateKey(prefix string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	return prefix + "_" + base64.RawURLEncoding.EncodeToString(buf), nil
}

package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mrmushfiq/pricewatch-gateway/internal/shared/clock"
	"github.com/mrmushfiq/pricewatch-gateway/internal/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memPersister struct {
	mu      sync.Mutex
	keys    map[string]models.APIKey
	failAll bool
}

func newMemPersister() *memPersister {
	return &memPersister{keys: make(map[string]models.APIKey)}
}

func (p *memPersister) ListAPIKeys(context.Context) ([]models.APIKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.APIKey
	for _, k := range p.keys {
		out = append(out, k)
	}
	return out, nil
}

func (p *memPersister) InsertAPIKey(_ context.Context, k models.APIKey) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAll {
		return errors.New("db down")
	}
	p.keys[k.ID] = k
	return nil
}

func (p *memPersister) RevokeAPIKey(_ context.Context, id string, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAll {
		return errors.New("db down")
	}
	k := p.keys[id]
	k.Revoked = true
	k.RevokedAt = &at
	p.keys[id] = k
	return nil
}

func (p *memPersister) RotateAPIKey(ctx context.Context, oldID string, next models.APIKey, at time.Time) error {
	if err := p.RevokeAPIKey(ctx, oldID, at); err != nil {
		return err
	}
	return p.InsertAPIKey(ctx, next)
}

func TestRegistry_RegisterKeyAndLookup(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	rec, err := r.RegisterKey(ctx, "pk_abc123", "demo")
	require.NoError(t, err)
	assert.Equal(t, "***c123", rec.KeyHint)
	assert.Equal(t, HashKey("pk_abc123"), rec.KeyHash)

	got, ok := r.Lookup("pk_abc123")
	require.True(t, ok)
	assert.Equal(t, rec.ID, got.ID)

	_, err = r.RegisterKey(ctx, "pk_abc123", "dup")
	assert.ErrorIs(t, err, ErrKeyExists)
}

func TestRegistry_RegisterGeneratesPrefixedKey(t *testing.T) {
	r := NewRegistry()

	value, rec, err := r.Register(context.Background(), "generated")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(value, "pk_"))
	assert.NotContains(t, rec.KeyHint, value[:len(value)-4])

	_, ok := r.Lookup(value)
	assert.True(t, ok)
}

func TestRegistry_RevokeIsMonotonic(t *testing.T) {
	fc := clock.NewFake(time.Unix(1_700_000_000, 0))
	r := NewRegistry(WithClock(fc))
	ctx := context.Background()

	rec, err := r.RegisterKey(ctx, "pk_abc", "")
	require.NoError(t, err)

	require.NoError(t, r.Revoke(ctx, "pk_abc"))
	fc.Advance(time.Hour)
	require.NoError(t, r.RevokeID(ctx, rec.ID))

	got, _ := r.Lookup("pk_abc")
	assert.True(t, got.Revoked)
	require.NotNil(t, got.RevokedAt)
	assert.Equal(t, time.Unix(1_700_000_000, 0).UTC(), *got.RevokedAt)

	assert.ErrorIs(t, r.Revoke(ctx, "pk_unknown"), ErrKeyNotFound)
	assert.ErrorIs(t, r.RevokeID(ctx, "nope"), ErrKeyNotFound)
}

func TestRegistry_Rotate(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	_, err := r.RegisterKey(ctx, "pk_old", "svc")
	require.NoError(t, err)

	newValue, rec, err := r.Rotate(ctx, "pk_old", "")
	require.NoError(t, err)
	assert.Equal(t, "svc", rec.Label)

	old, _ := r.Lookup("pk_old")
	assert.True(t, old.Revoked)
	fresh, ok := r.Lookup(newValue)
	require.True(t, ok)
	assert.False(t, fresh.Revoked)

	_, _, err = r.Rotate(ctx, "pk_old", "")
	assert.ErrorIs(t, err, ErrKeyRevoked)
	_, _, err = r.Rotate(ctx, "pk_missing", "")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestRegistry_RotateHasNoGap(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()
	_, err := r.RegisterKey(ctx, "pk_old", "")
	require.NoError(t, err)

	var (
		newValue atomic.Value
		stop     atomic.Bool
		bad      atomic.Int64
		wg       sync.WaitGroup
	)
	newValue.Store("")

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				// Read the snapshot once so both lookups see the same state.
				snap := r.snap.Load()
				oldRec := snap.byHash[HashKey("pk_old")]
				oldValid := oldRec != nil && !oldRec.Revoked
				nv := newValue.Load().(string)
				newValid := false
				if nv != "" {
					if rec := snap.byHash[HashKey(nv)]; rec != nil && !rec.Revoked {
						newValid = true
					}
				}
				if nv != "" && oldValid == newValid {
					bad.Add(1)
				}
			}
		}()
	}

	v, _, err := r.Rotate(ctx, "pk_old", "")
	require.NoError(t, err)
	newValue.Store(v)
	time.Sleep(10 * time.Millisecond)
	stop.Store(true)
	wg.Wait()

	assert.Zero(t, bad.Load())
}

func TestRegistry_PersisterFailureLeavesStateUnchanged(t *testing.T) {
	p := newMemPersister()
	r := NewRegistry(WithPersister(p))
	ctx := context.Background()

	_, err := r.RegisterKey(ctx, "pk_keep", "")
	require.NoError(t, err)

	p.failAll = true
	_, err = r.RegisterKey(ctx, "pk_new", "")
	assert.Error(t, err)
	_, ok := r.Lookup("pk_new")
	assert.False(t, ok)

	assert.Error(t, r.Revoke(ctx, "pk_keep"))
	rec, _ := r.Lookup("pk_keep")
	assert.False(t, rec.Revoked)
}

func TestRegistry_LoadFromPersister(t *testing.T) {
	p := newMemPersister()
	ctx := context.Background()

	writer := NewRegistry(WithPersister(p))
	_, err := writer.RegisterKey(ctx, "pk_one", "a")
	require.NoError(t, err)
	_, err = writer.RegisterKey(ctx, "pk_two", "b")
	require.NoError(t, err)
	require.NoError(t, writer.Revoke(ctx, "pk_two"))

	reader := NewRegistry(WithPersister(p))
	require.NoError(t, reader.Load(ctx))

	assert.Len(t, reader.List(), 2)
	one, ok := reader.Lookup("pk_one")
	require.True(t, ok)
	assert.False(t, one.Revoked)
	two, ok := reader.Lookup("pk_two")
	require.True(t, ok)
	assert.True(t, two.Revoked)
}

func TestRegistry_ListOrdersByCreation(t *testing.T) {
	fc := clock.NewFake(time.Unix(1_700_000_000, 0))
	r := NewRegistry(WithClock(fc))
	ctx := context.Background()

	for _, v := range []string{"pk_c", "pk_a", "pk_b"} {
		_, err := r.RegisterKey(ctx, v, v)
		require.NoError(t, err)
		fc.Advance(time.Second)
	}

	var labels []string
	for _, k := range r.List() {
		labels = append(labels, k.Label)
	}
	assert.Equal(t, []string{"pk_c", "pk_a", "pk_b"}, labels)
}

func TestRegistry_RevocationReachesOtherReplicaOnReload(t *testing.T) {
	p := newMemPersister()
	ctx := context.Background()

	a := NewRegistry(WithPersister(p))
	rec, err := a.RegisterKey(ctx, "pk_shared", "")
	require.NoError(t, err)

	b := NewRegistry(WithPersister(p))
	require.NoError(t, b.Load(ctx))
	gate := NewGate(b, Required{})
	_, err = gate.Validate("pk_shared", "")
	require.NoError(t, err)

	require.NoError(t, a.RevokeID(ctx, rec.ID))
	require.NoError(t, b.Load(ctx))

	_, err = gate.Validate("pk_shared", "")
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestRegistry_StartSyncReloadsOnChange(t *testing.T) {
	p := newMemPersister()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := NewRegistry(WithPersister(p))
	rec, err := a.RegisterKey(ctx, "pk_shared", "")
	require.NoError(t, err)

	b := NewRegistry(WithPersister(p))
	require.NoError(t, b.Load(ctx))
	changes := make(chan struct{}, 1)
	b.StartSync(ctx, changes, 0)

	require.NoError(t, a.RevokeID(ctx, rec.ID))
	changes <- struct{}{}

	assert.Eventually(t, func() bool {
		k, ok := b.Lookup("pk_shared")
		return ok && k.Revoked
	}, time.Second, 5*time.Millisecond)
}

func TestRegistry_StartSyncReloadsPeriodically(t *testing.T) {
	p := newMemPersister()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := NewRegistry(WithPersister(p))
	b := NewRegistry(WithPersister(p))
	b.StartSync(ctx, nil, 5*time.Millisecond)

	_, err := a.RegisterKey(ctx, "pk_late", "")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, ok := b.Lookup("pk_late")
		return ok
	}, time.Second, 5*time.Millisecond)
}

// stalePersister always lists the records it started with
type stalePersister struct {
	*memPersister
	snapshot []models.APIKey
}

func (p *stalePersister) ListAPIKeys(context.Context) ([]models.APIKey, error) {
	return p.snapshot, nil
}

func TestRegistry_LoadNeverUnrevokes(t *testing.T) {
	ctx := context.Background()
	p := &stalePersister{memPersister: newMemPersister()}

	r := NewRegistry(WithPersister(p))
	rec, err := r.RegisterKey(ctx, "pk_gone", "")
	require.NoError(t, err)
	p.snapshot = []models.APIKey{rec}

	require.NoError(t, r.Revoke(ctx, "pk_gone"))
	require.NoError(t, r.Load(ctx))

	got, ok := r.Lookup("pk_gone")
	require.True(t, ok)
	assert.True(t, got.Revoked)
}

func TestRegistry_LoadKeepsLocalRecords(t *testing.T) {
	ctx := context.Background()
	p := &stalePersister{memPersister: newMemPersister()}

	r := NewRegistry(WithPersister(p))
	_, err := r.RegisterKey(ctx, "pk_new", "")
	require.NoError(t, err)

	require.NoError(t, r.Load(ctx))
	_, ok := r.Lookup("pk_new")
	assert.True(t, ok)
}

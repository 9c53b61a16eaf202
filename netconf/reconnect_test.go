package netconf

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/tunnelcore/crypto"
)

func TestNextBackoffDelay(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, NextBackoffDelay(cfg, 1, nil))
	assert.Equal(t, 2*time.Second, NextBackoffDelay(cfg, 2, nil))
	assert.Equal(t, 16*time.Second, NextBackoffDelay(cfg, 5, nil))
	assert.Equal(t, 30*time.Second, NextBackoffDelay(cfg, 10, nil))

	cfg.Jitter = true
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		d := NextBackoffDelay(cfg, 3, rng)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.Less(t, d, 6*time.Second)
	}

	assert.Zero(t, NextBackoffDelay(BackoffConfig{}, 3, nil))
}

// flakyStore fails every call with ErrStoreUnavailable once broken.
type flakyStore struct {
	*MemoryStore
	broken bool
	closed bool
}

func (f *flakyStore) Network(ctx context.Context, nwid uint64) (*NetworkRecord, error) {
	if f.broken {
		return nil, fmt.Errorf("select network: %w", ErrStoreUnavailable)
	}
	return f.MemoryStore.Network(ctx, nwid)
}

func (f *flakyStore) Close() error {
	f.closed = true
	return nil
}

func TestReconnectingStore_RetriesWithBackoff(t *testing.T) {
	calls := 0
	backing := &flakyStore{MemoryStore: NewMemoryStore()}
	r := NewReconnectingStore(func(context.Context) (Store, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("connection refused")
		}
		return backing, nil
	}, BackoffConfig{InitialDelay: time.Second, Multiplier: 2})

	var slept []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	_, err := r.Network(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, slept)
	assert.True(t, r.Connected())
}

func TestReconnectingStore_DropsBrokenConnection(t *testing.T) {
	first := &flakyStore{MemoryStore: NewMemoryStore()}
	second := &flakyStore{MemoryStore: NewMemoryStore()}
	second.AddNetwork(NetworkRecord{ID: 1, Open: true})
	stores := []*flakyStore{first, second}

	r := NewReconnectingStore(func(context.Context) (Store, error) {
		s := stores[0]
		stores = stores[1:]
		return s, nil
	}, DefaultBackoff())

	ctx := context.Background()
	_, err := r.Network(ctx, 1)
	require.ErrorIs(t, err, ErrNotFound)

	first.broken = true
	_, err = r.Network(ctx, 1)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.True(t, first.closed)
	assert.False(t, r.Connected())

	rec, err := r.Network(ctx, 1)
	require.NoError(t, err)
	assert.True(t, rec.Open)
}

func TestReconnectingStore_GivesUpAfterMaxAttempts(t *testing.T) {
	r := NewReconnectingStore(func(context.Context) (Store, error) {
		return nil, errors.New("down")
	}, BackoffConfig{InitialDelay: time.Millisecond, MaxAttempts: 2})
	r.sleep = func(context.Context, time.Duration) error { return nil }

	_, err := r.NodeIdentity(context.Background(), crypto.Address(1))
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestReconnectingStore_StopsOnContextCancel(t *testing.T) {
	r := NewReconnectingStore(func(context.Context) (Store, error) {
		return nil, errors.New("down")
	}, DefaultBackoff())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.TouchNode(ctx, crypto.Address(1), time.Now())
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, context.Canceled)
}

package netconf

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tunnelcore/crypto"
)

// BackoffConfig shapes reconnect delays.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
	// MaxAttempts of zero retries until the context ends.
	MaxAttempts int
}

// DefaultBackoff is 1s doubling to 30s with jitter.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		Jitter:       true,
	}
}

// NextBackoffDelay returns the wait before the given 1-based attempt.
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f += rng.Float64()
		}
		delay *= f
	}
	return time.Duration(delay)
}

// Connector opens a fresh Store.
type Connector func(ctx context.Context) (Store, error)

// ReconnectingStore owns a Store connection and reopens it with backoff
// after a failure wrapping ErrStoreUnavailable.
type ReconnectingStore struct {
	mu      sync.Mutex
	connect Connector
	backoff BackoffConfig
	rng     *rand.Rand
	sleep   func(ctx context.Context, d time.Duration) error
	cur     Store
}

// NewReconnectingStore creates a store that connects lazily.
func NewReconnectingStore(connect Connector, backoff BackoffConfig) *ReconnectingStore {
	return &ReconnectingStore{
		connect: connect,
		backoff: backoff,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:   sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Connected reports whether a live connection is held.
func (r *ReconnectingStore) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur != nil
}

func (r *ReconnectingStore) current(ctx context.Context) (Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur != nil {
		return r.cur, nil
	}
	for attempt := 1; ; attempt++ {
		s, err := r.connect(ctx)
		if err == nil {
			if attempt > 1 {
				logrus.WithFields(logrus.Fields{
					"function": "ReconnectingStore.current",
					"attempts": attempt,
				}).Info("Store connection restored")
			}
			r.cur = s
			return s, nil
		}
		if r.backoff.MaxAttempts > 0 && attempt >= r.backoff.MaxAttempts {
			return nil, fmt.Errorf("netconf: connect after %d attempts: %w", attempt, errors.Join(ErrStoreUnavailable, err))
		}
		delay := NextBackoffDelay(r.backoff, attempt, r.rng)
		logrus.WithFields(logrus.Fields{
			"function": "ReconnectingStore.current",
			"attempt":  attempt,
			"delay":    delay,
			"error":    err.Error(),
		}).Warn("Store connection failed")
		if err := r.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("netconf: connect: %w", errors.Join(ErrStoreUnavailable, err))
		}
	}
}

// check drops s when err says the connection is gone.
func (r *ReconnectingStore) check(s Store, err error) error {
	if err == nil || !errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	r.mu.Lock()
	if r.cur == s {
		r.cur = nil
	}
	r.mu.Unlock()
	s.Close()
	logrus.WithFields(logrus.Fields{
		"function": "ReconnectingStore.check",
		"error":    err.Error(),
	}).Warn("Store connection lost")
	return err
}

func (r *ReconnectingStore) NodeIdentity(ctx context.Context, addr crypto.Address) (string, error) {
	s, err := r.current(ctx)
	if err != nil {
		return "", err
	}
	v, err := s.NodeIdentity(ctx, addr)
	return v, r.check(s, err)
}

func (r *ReconnectingStore) InsertNode(ctx context.Context, addr crypto.Address, identity string, now time.Time) error {
	s, err := r.current(ctx)
	if err != nil {
		return err
	}
	return r.check(s, s.InsertNode(ctx, addr, identity, now))
}

func (r *ReconnectingStore) TouchNode(ctx context.Context, addr crypto.Address, now time.Time) error {
	s, err := r.current(ctx)
	if err != nil {
		return err
	}
	return r.check(s, s.TouchNode(ctx, addr, now))
}

func (r *ReconnectingStore) Network(ctx context.Context, nwid uint64) (*NetworkRecord, error) {
	s, err := r.current(ctx)
	if err != nil {
		return nil, err
	}
	v, err := s.Network(ctx, nwid)
	return v, r.check(s, err)
}

func (r *ReconnectingStore) IPv4Static(ctx context.Context, nwid uint64, addr crypto.Address) ([]netip.Prefix, error) {
	s, err := r.current(ctx)
	if err != nil {
		return nil, err
	}
	v, err := s.IPv4Static(ctx, nwid, addr)
	return v, r.check(s, err)
}

func (r *ReconnectingStore) AutoAssignPools(ctx context.Context, nwid uint64) ([]netip.Prefix, error) {
	s, err := r.current(ctx)
	if err != nil {
		return nil, err
	}
	v, err := s.AutoAssignPools(ctx, nwid)
	return v, r.check(s, err)
}

func (r *ReconnectingStore) InsertIPv4Static(ctx context.Context, nwid uint64, addr crypto.Address, p netip.Prefix) error {
	s, err := r.current(ctx)
	if err != nil {
		return err
	}
	return r.check(s, s.InsertIPv4Static(ctx, nwid, addr, p))
}

// Close releases the held connection, if any.
func (r *ReconnectingStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil {
		return nil
	}
	err := r.cur.Close()
	r.cur = nil
	return err
}

package netconf

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/tunnelcore/crypto"
)

func TestAutoAssign_FirstCandidateFromAddress(t *testing.T) {
	store := NewMemoryStore()
	addr := crypto.Address(0x0a0b0c0d0e)
	pool := netip.MustParsePrefix("10.0.0.0/8")

	p, err := AutoAssign(context.Background(), store, testNetwork, addr, []netip.Prefix{pool}, 0)
	require.NoError(t, err)
	// host bits from bytes 1..3 of the address, last octet (0x0e % 254) + 1
	assert.Equal(t, "10.12.13.15/8", p.String())
}

func TestAutoAssign_SkipsCollisionsAndZeroOctet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	addr := crypto.Address(0x00000000fe) // last octet (0xfe % 254) + 1 = 1
	pool := netip.MustParsePrefix("10.1.0.0/16")
	other := crypto.Address(0x1111111111)

	// Occupy the first candidate 10.1.0.1 and everything up to 10.1.0.255.
	for i := 1; i <= 255; i++ {
		ip := netip.AddrFrom4([4]byte{10, 1, 0, byte(i)})
		require.NoError(t, store.InsertIPv4Static(ctx, testNetwork, other, netip.PrefixFrom(ip, 16)))
	}

	p, err := AutoAssign(ctx, store, testNetwork, addr, []netip.Prefix{pool}, 0)
	require.NoError(t, err)
	assert.Equal(t, "10.1.1.1/16", p.String())
}

func TestAutoAssign_NoPools(t *testing.T) {
	p, err := AutoAssign(context.Background(), NewMemoryStore(), testNetwork, crypto.Address(1), nil, 0)
	require.NoError(t, err)
	assert.False(t, p.IsValid())
}

func TestAutoAssign_ExhaustionBoundedByAttempts(t *testing.T) {
	store := &countingStore{MemoryStore: NewMemoryStore(), alwaysInUse: true}
	pool := netip.MustParsePrefix("10.0.0.0/8")

	_, err := AutoAssign(context.Background(), store, testNetwork, crypto.Address(5), []netip.Prefix{pool}, 50)
	assert.ErrorIs(t, err, ErrAddressSpaceExhausted)
	assert.Equal(t, 50, store.inserts)
}

func TestAutoAssign_FallsThroughToNextPool(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	other := crypto.Address(0x2222222222)
	full := netip.MustParsePrefix("172.16.0.0/31")
	require.NoError(t, store.InsertIPv4Static(ctx, testNetwork, other, netip.MustParsePrefix("172.16.0.0/31")))
	require.NoError(t, store.InsertIPv4Static(ctx, testNetwork, other, netip.MustParsePrefix("172.16.0.1/31")))

	p, err := AutoAssign(ctx, store, testNetwork, crypto.Address(9), []netip.Prefix{full, netip.MustParsePrefix("10.9.0.0/24")}, 0)
	require.NoError(t, err)
	assert.True(t, netip.MustParsePrefix("10.9.0.0/24").Contains(p.Addr()))
}

func TestAutoAssign_StoreErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	store := &countingStore{MemoryStore: NewMemoryStore(), err: boom}
	_, err := AutoAssign(context.Background(), store, testNetwork, crypto.Address(5), []netip.Prefix{netip.MustParsePrefix("10.0.0.0/24")}, 0)
	assert.ErrorIs(t, err, boom)
}

func TestAutoAssign_RejectsIPv6Pool(t *testing.T) {
	_, err := AutoAssign(context.Background(), NewMemoryStore(), testNetwork, crypto.Address(5), []netip.Prefix{netip.MustParsePrefix("fd00::/64")}, 0)
	assert.Error(t, err)
}

type countingStore struct {
	*MemoryStore
	alwaysInUse bool
	err         error
	inserts     int
}

func (c *countingStore) InsertIPv4Static(ctx context.Context, nwid uint64, addr crypto.Address, p netip.Prefix) error {
	c.inserts++
	if c.err != nil {
		return c.err
	}
	if c.alwaysInUse {
		return ErrAddressInUse
	}
	return c.MemoryStore.InsertIPv4Static(ctx, nwid, addr, p)
}

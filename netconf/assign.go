package netconf

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"go4.org/netipx"

	"github.com/opd-ai/tunnelcore/crypto"
)

// DefaultMaxAssignAttempts bounds collision retries within one pool.
const DefaultMaxAssignAttempts = 100000

func ipv4ToUint32(a netip.Addr) uint32 {
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}

func uint32ToIPv4(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}

// firstCandidate derives a host address from the node address so that
// repeated requests land on the same slot when it is free.
func firstCandidate(addr crypto.Address) uint32 {
	b := addr.Bytes()
	return uint32(b[1])<<24 | uint32(b[2])<<16 | uint32(b[3])<<8 | (uint32(b[4])%254 + 1)
}

// assignFromPool walks pool from the node's first candidate, skipping .0
// host octets, until an insert succeeds or the attempt budget runs out.
func assignFromPool(ctx context.Context, store Store, nwid uint64, addr crypto.Address, pool netip.Prefix, maxAttempts int) (netip.Prefix, error) {
	if !pool.IsValid() || !pool.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("netconf: auto-assign pool %v is not IPv4", pool)
	}
	pool = pool.Masked()
	span := netipx.RangeOfPrefix(pool)
	base := ipv4ToUint32(span.From())
	hostMask := ^uint32(0) >> uint(pool.Bits())

	attempts := maxAttempts
	if size := uint64(hostMask) + 1; size < uint64(attempts) {
		attempts = int(size)
	}

	try := firstCandidate(addr)&hostMask | base
	for k := 0; k < attempts; k++ {
		if err := ctx.Err(); err != nil {
			return netip.Prefix{}, err
		}
		candidate := netip.PrefixFrom(uint32ToIPv4(try), pool.Bits())
		err := store.InsertIPv4Static(ctx, nwid, addr, candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, ErrAddressInUse) {
			return netip.Prefix{}, err
		}
		try++
		if try&0xff == 0 {
			try |= 1
		}
		try = try&hostMask | base
		if !span.Contains(uint32ToIPv4(try)) {
			return netip.Prefix{}, fmt.Errorf("netconf: candidate escaped pool %v", pool)
		}
	}
	return netip.Prefix{}, ErrAddressSpaceExhausted
}

// AutoAssign tries each pool in order and returns the first address that
// could be reserved. With no pools it returns an invalid prefix and nil.
func AutoAssign(ctx context.Context, store Store, nwid uint64, addr crypto.Address, pools []netip.Prefix, maxAttempts int) (netip.Prefix, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAssignAttempts
	}
	exhausted := false
	for _, pool := range pools {
		p, err := assignFromPool(ctx, store, nwid, addr, pool, maxAttempts)
		switch {
		case err == nil:
			return p, nil
		case errors.Is(err, ErrAddressSpaceExhausted):
			exhausted = true
		default:
			return netip.Prefix{}, err
		}
	}
	if exhausted {
		return netip.Prefix{}, ErrAddressSpaceExhausted
	}
	return netip.Prefix{}, nil
}

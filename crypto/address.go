package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// AddressSize is the size of an address on the wire.
const AddressSize = 5

// addressMask keeps the low 40 bits.
const addressMask = 0xffffffffff

// addressReservedPrefix marks addresses that may never be assigned to a peer.
const addressReservedPrefix = 0xff

// Address is a 40-bit peer address derived from an identity's public keys.
type Address uint64

var (
	// ErrInvalidAddress indicates a malformed or reserved address.
	ErrInvalidAddress = errors.New("invalid address")
)

// AddressFromBytes reads a big-endian 40-bit address. b must hold at least
// AddressSize bytes.
func AddressFromBytes(b []byte) (Address, error) {
	if len(b) < AddressSize {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrInvalidAddress, AddressSize, len(b))
	}
	var a uint64
	for i := 0; i < AddressSize; i++ {
		a = (a << 8) | uint64(b[i])
	}
	return Address(a), nil
}

// ParseAddress parses the 10 hex digit text form.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if len(s) != AddressSize*2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return AddressFromBytes(b)
}

// Bytes returns the 5 byte wire form.
func (a Address) Bytes() [AddressSize]byte {
	var b [AddressSize]byte
	a.PutBytes(b[:])
	return b
}

// PutBytes writes the wire form into b, which must be at least AddressSize long.
func (a Address) PutBytes(b []byte) {
	v := uint64(a) & addressMask
	for i := AddressSize - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

// IsReserved reports whether a may not be used as a peer address.
func (a Address) IsReserved() bool {
	return a == 0 || (uint64(a)>>32)&0xff == addressReservedPrefix || uint64(a) > addressMask
}

// String returns the address as 10 lower-case hex digits.
func (a Address) String() string {
	return fmt.Sprintf("%010x", uint64(a)&addressMask)
}

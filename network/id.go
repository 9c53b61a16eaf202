package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/opd-ai/tunnelcore/crypto"
)

// NetworkID is a 64-bit network identifier. Its top 40 bits are the address
// of the network's controller.
type NetworkID uint64

// ErrInvalidNetworkID indicates a malformed network identifier.
var ErrInvalidNetworkID = errors.New("invalid network id")

// ParseNetworkID parses the 16 hex digit text form.
func ParseNetworkID(s string) (NetworkID, error) {
	s = strings.TrimSpace(s)
	if len(s) != 16 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNetworkID, s)
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidNetworkID, err)
	}
	return NetworkID(v), nil
}

// Controller returns the address of the peer allowed to configure this network.
func (n NetworkID) Controller() crypto.Address {
	return crypto.Address(uint64(n) >> 24)
}

func (n NetworkID) String() string {
	return fmt.Sprintf("%016x", uint64(n))
}

// MACSize is the size of a data-link hardware address.
const MACSize = 6

// MAC is an Ethernet hardware address.
type MAC [MACSize]byte

// BroadcastMAC is ff:ff:ff:ff:ff:ff.
var BroadcastMAC = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// macPrefix is a locally administered unicast first octet.
const macPrefix = 0x32

// MACFromAddress derives the hardware address a peer uses on every network.
func MACFromAddress(a crypto.Address) MAC {
	var m MAC
	m[0] = macPrefix
	a.PutBytes(m[1:])
	return m
}

// MACFromBytes copies a hardware address out of b, which must hold MACSize bytes.
func MACFromBytes(b []byte) MAC {
	var m MAC
	copy(m[:], b)
	return m
}

// IsMulticast reports whether the group bit is set.
func (m MAC) IsMulticast() bool {
	return m[0]&0x01 != 0
}

// Address returns the peer address embedded in a derived MAC.
func (m MAC) Address() (crypto.Address, bool) {
	if m[0] != macPrefix {
		return 0, false
	}
	a, err := crypto.AddressFromBytes(m[1:])
	return a, err == nil
}

func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// MulticastGroup is a multicast MAC plus an additional distinguishing
// information field, used for example to scope ARP to one IPv4 address.
type MulticastGroup struct {
	MAC MAC
	ADI uint32
}

// MulticastGroupSize is the wire size of a group: MAC(6) ADI(4).
const MulticastGroupSize = MACSize + 4

// BroadcastGroup is the group every member listens to.
var BroadcastGroup = MulticastGroup{MAC: BroadcastMAC}

// AppendTo appends the wire form of g.
func (g MulticastGroup) AppendTo(b []byte) []byte {
	b = append(b, g.MAC[:]...)
	return binary.BigEndian.AppendUint32(b, g.ADI)
}

func (g MulticastGroup) String() string {
	return fmt.Sprintf("%s/%08x", g.MAC, g.ADI)
}

package crypto

import (
	"golang.org/x/crypto/poly1305"
)

const (
	// MACKeySize is the size of a one-time authenticator key.
	MACKeySize = 32

	// MACSize is the size of an authentication tag.
	MACSize = poly1305.TagSize
)

// ComputeMAC computes a Poly1305 tag over data. key must authenticate this
// message only: authenticating two different messages under the same key
// lets an observer forge tags.
func ComputeMAC(data []byte, key *[MACKeySize]byte) [MACSize]byte {
	var tag [MACSize]byte
	poly1305.Sum(&tag, data, key)
	return tag
}

// VerifyMAC recomputes the tag over data and compares it to tag in constant time.
func VerifyMAC(tag [MACSize]byte, data []byte, key *[MACKeySize]byte) bool {
	return poly1305.Verify(&tag, data, key)
}

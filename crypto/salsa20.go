package crypto

import (
	"encoding/binary"

	"golang.org/x/crypto/salsa20"
)

// keystreamOffset is where payload encryption starts in the keystream. The
// first block belongs to the one-time MAC key.
const keystreamOffset = 64

// DeriveOneTimeKey returns the one-time authenticator key for a packet: the
// first 32 bytes of the Salsa20 keystream under key with the packet id as
// nonce.
func DeriveOneTimeKey(key [32]byte, packetID uint64) [MACKeySize]byte {
	var block [keystreamOffset]byte
	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], packetID)
	salsa20.XORKeyStream(block[:], block[:], nonce[:], &key)

	var otk [MACKeySize]byte
	copy(otk[:], block[:MACKeySize])
	ZeroBytes(block[:])
	return otk
}

// StreamXOR encrypts or decrypts data in place with the Salsa20 keystream
// for packetID, starting after the first block, and returns the one-time
// authenticator key taken from that first block. The returned key equals
// DeriveOneTimeKey(key, packetID).
func StreamXOR(key [32]byte, packetID uint64, data []byte) [MACKeySize]byte {
	buf := make([]byte, keystreamOffset+len(data))
	copy(buf[keystreamOffset:], data)

	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], packetID)
	salsa20.XORKeyStream(buf, buf, nonce[:], &key)

	copy(data, buf[keystreamOffset:])
	var otk [MACKeySize]byte
	copy(otk[:], buf[:MACKeySize])
	ZeroBytes(buf[:keystreamOffset])
	return otk
}

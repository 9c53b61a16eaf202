package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"lukechampine.com/blake3"
)

// KeyPair holds the two key pairs behind an identity: an Ed25519 pair for
// signatures and an X25519 pair for key agreement.
type KeyPair struct {
	SignPublic   [32]byte
	SignSeed     [32]byte
	AgreePublic  [32]byte
	AgreePrivate [32]byte
}

// maxGenerateAttempts bounds the search for a key pair whose derived address
// is not reserved. A reserved address occurs with probability about 1/256.
const maxGenerateAttempts = 1024

// GenerateKeyPair creates new random signing and agreement key pairs.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	kp := &KeyPair{}
	copy(kp.SignPublic[:], pub)
	copy(kp.SignSeed[:], priv.Seed())
	ZeroBytes(priv)

	if _, err := rand.Read(kp.AgreePrivate[:]); err != nil {
		return nil, fmt.Errorf("generate x25519 key: %w", err)
	}
	agreePub, err := curve25519.X25519(kp.AgreePrivate[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive x25519 public key: %w", err)
	}
	copy(kp.AgreePublic[:], agreePub)

	return kp, nil
}

// DeriveAddress computes the address bound to a pair of public keys.
func DeriveAddress(signPublic, agreePublic [32]byte) Address {
	var buf [64]byte
	copy(buf[:32], signPublic[:])
	copy(buf[32:], agreePublic[:])
	sum := blake3.Sum256(buf[:])
	a, _ := AddressFromBytes(sum[:AddressSize])
	return a
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}

// errNoUsableKey is returned when generation keeps landing on reserved addresses.
var errNoUsableKey = errors.New("could not generate identity with a usable address")

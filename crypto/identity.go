package crypto

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
	"lukechampine.com/blake3"
)

// IdentityType is the key algorithm tag in serialized identities.
type IdentityType byte

const (
	// IdentityTypeC25519 is Ed25519 signing plus X25519 agreement.
	IdentityTypeC25519 IdentityType = 0
)

// IdentityBinarySize is the size of a public identity on the wire:
// address(5) type(1) ed25519 public(32) x25519 public(32).
const IdentityBinarySize = AddressSize + 1 + 64

var (
	// ErrInvalidIdentity indicates a malformed serialized identity.
	ErrInvalidIdentity = errors.New("invalid identity")

	// ErrNoPrivateKey indicates an operation that needs the private half.
	ErrNoPrivateKey = errors.New("identity has no private key")
)

// Identity is a peer's cryptographic identity. The address is derived from
// the public keys, so an identity whose address does not match its keys is
// rejected by LocallyValidate.
type Identity struct {
	address    Address
	keys       KeyPair
	hasPrivate bool
}

// GenerateIdentity creates a new identity with a non-reserved address.
func GenerateIdentity() (*Identity, error) {
	for i := 0; i < maxGenerateAttempts; i++ {
		kp, err := GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		addr := DeriveAddress(kp.SignPublic, kp.AgreePublic)
		if addr.IsReserved() {
			continue
		}
		logrus.WithFields(logrus.Fields{
			"function": "GenerateIdentity",
			"address":  addr.String(),
			"attempts": i + 1,
		}).Debug("Generated identity")
		return &Identity{address: addr, keys: *kp, hasPrivate: true}, nil
	}
	return nil, errNoUsableKey
}

// Address returns the identity's address.
func (id *Identity) Address() Address {
	return id.address
}

// HasPrivate reports whether the identity carries private keys.
func (id *Identity) HasPrivate() bool {
	return id.hasPrivate
}

// SignPublicKey returns the Ed25519 public key.
func (id *Identity) SignPublicKey() [32]byte {
	return id.keys.SignPublic
}

// AgreePublicKey returns the X25519 public key.
func (id *Identity) AgreePublicKey() [32]byte {
	return id.keys.AgreePublic
}

// LocallyValidate checks that the address is not reserved and matches the
// public keys.
func (id *Identity) LocallyValidate() bool {
	if id == nil || id.address.IsReserved() {
		return false
	}
	if isZeroKey(id.keys.SignPublic) || isZeroKey(id.keys.AgreePublic) {
		return false
	}
	return DeriveAddress(id.keys.SignPublic, id.keys.AgreePublic) == id.address
}

// Equal compares the public parts of two identities.
func (id *Identity) Equal(other *Identity) bool {
	if id == nil || other == nil {
		return id == other
	}
	return id.address == other.address &&
		id.keys.SignPublic == other.keys.SignPublic &&
		id.keys.AgreePublic == other.keys.AgreePublic
}

// PublicOnly returns a copy without private keys.
func (id *Identity) PublicOnly() *Identity {
	return &Identity{
		address: id.address,
		keys: KeyPair{
			SignPublic:  id.keys.SignPublic,
			AgreePublic: id.keys.AgreePublic,
		},
	}
}

// Agree computes the long-term shared secret between this identity and peer.
// Both sides arrive at the same 32 bytes.
func (id *Identity) Agree(peer *Identity) ([32]byte, error) {
	if !id.hasPrivate {
		return [32]byte{}, ErrNoPrivateKey
	}
	raw, err := DeriveSharedSecret(peer.keys.AgreePublic, id.keys.AgreePrivate)
	if err != nil {
		return [32]byte{}, err
	}
	secret := blake3.Sum256(raw[:])
	ZeroBytes(raw[:])
	return secret, nil
}

// Sign signs message with the identity's Ed25519 key.
func (id *Identity) Sign(message []byte) (Signature, error) {
	if !id.hasPrivate {
		return Signature{}, ErrNoPrivateKey
	}
	return Sign(message, id.keys.SignSeed)
}

// Verify checks an Ed25519 signature made by this identity.
func (id *Identity) Verify(message, signature []byte) bool {
	if len(signature) != SignatureSize {
		return false
	}
	var sig Signature
	copy(sig[:], signature)
	ok, err := Verify(message, sig, id.keys.SignPublic)
	return err == nil && ok
}

// MarshalBinary returns the public identity in wire form.
func (id *Identity) MarshalBinary() []byte {
	b := make([]byte, IdentityBinarySize)
	id.address.PutBytes(b[:AddressSize])
	b[AddressSize] = byte(IdentityTypeC25519)
	copy(b[AddressSize+1:AddressSize+33], id.keys.SignPublic[:])
	copy(b[AddressSize+33:], id.keys.AgreePublic[:])
	return b
}

// UnmarshalIdentity reads a public identity from the start of b and returns
// the number of bytes consumed.
func UnmarshalIdentity(b []byte) (*Identity, int, error) {
	if len(b) < IdentityBinarySize {
		return nil, 0, fmt.Errorf("%w: need %d bytes, have %d", ErrInvalidIdentity, IdentityBinarySize, len(b))
	}
	addr, err := AddressFromBytes(b[:AddressSize])
	if err != nil {
		return nil, 0, err
	}
	if IdentityType(b[AddressSize]) != IdentityTypeC25519 {
		return nil, 0, fmt.Errorf("%w: unknown type %d", ErrInvalidIdentity, b[AddressSize])
	}
	id := &Identity{address: addr}
	copy(id.keys.SignPublic[:], b[AddressSize+1:AddressSize+33])
	copy(id.keys.AgreePublic[:], b[AddressSize+33:IdentityBinarySize])
	return id, IdentityBinarySize, nil
}

// String returns the text form, without private keys.
func (id *Identity) String() string {
	return id.Serialize(false)
}

// Serialize returns "<address>:0:<public hex>[:<private hex>]".
func (id *Identity) Serialize(includePrivate bool) string {
	var sb strings.Builder
	sb.WriteString(id.address.String())
	sb.WriteString(":0:")
	sb.WriteString(hex.EncodeToString(id.keys.SignPublic[:]))
	sb.WriteString(hex.EncodeToString(id.keys.AgreePublic[:]))
	if includePrivate && id.hasPrivate {
		sb.WriteByte(':')
		sb.WriteString(hex.EncodeToString(id.keys.SignSeed[:]))
		sb.WriteString(hex.EncodeToString(id.keys.AgreePrivate[:]))
	}
	return sb.String()
}

// ParseIdentity parses the text form produced by Serialize. When private keys
// are present they must match the public keys.
func ParseIdentity(s string) (*Identity, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 && len(parts) != 4 {
		return nil, fmt.Errorf("%w: expected 3 or 4 fields, got %d", ErrInvalidIdentity, len(parts))
	}
	addr, err := ParseAddress(parts[0])
	if err != nil {
		return nil, err
	}
	if parts[1] != "0" {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidIdentity, parts[1])
	}
	pub, err := hex.DecodeString(parts[2])
	if err != nil || len(pub) != 64 {
		return nil, fmt.Errorf("%w: bad public key field", ErrInvalidIdentity)
	}

	id := &Identity{address: addr}
	copy(id.keys.SignPublic[:], pub[:32])
	copy(id.keys.AgreePublic[:], pub[32:])

	if len(parts) == 4 {
		priv, err := hex.DecodeString(parts[3])
		if err != nil || len(priv) != 64 {
			return nil, fmt.Errorf("%w: bad private key field", ErrInvalidIdentity)
		}
		copy(id.keys.SignSeed[:], priv[:32])
		copy(id.keys.AgreePrivate[:], priv[32:])
		ZeroBytes(priv)
		if err := id.checkPrivate(); err != nil {
			return nil, err
		}
		id.hasPrivate = true
	}
	return id, nil
}

// checkPrivate re-derives both public keys from the private halves.
func (id *Identity) checkPrivate() error {
	signPub := signPublicFromSeed(id.keys.SignSeed)
	if !bytes.Equal(signPub[:], id.keys.SignPublic[:]) {
		return fmt.Errorf("%w: signing key mismatch", ErrInvalidIdentity)
	}
	agreePub, err := curve25519.X25519(id.keys.AgreePrivate[:], curve25519.Basepoint)
	if err != nil || !bytes.Equal(agreePub, id.keys.AgreePublic[:]) {
		return fmt.Errorf("%w: agreement key mismatch", ErrInvalidIdentity)
	}
	return nil
}

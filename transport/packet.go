package transport

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/s2"

	"github.com/opd-ai/tunnelcore/crypto"
	"github.com/opd-ai/tunnelcore/limits"
)

// Header field offsets.
const (
	idxPacketID    = 0
	idxDestination = 8
	idxSource      = 13
	idxFlags       = 18
	idxMAC         = 19
	idxVerb        = 35
	idxPayload     = 36
)

const (
	// FlagEncrypted marks an encrypted verb and payload.
	FlagEncrypted byte = 0x80

	// FlagCompressed marks an s2 compressed payload.
	FlagCompressed byte = 0x40

	hopsMask byte = 0x07

	// MaxHops is the largest hop count a packet may carry.
	MaxHops = int(hopsMask)
)

var (
	// ErrMalformedPacket indicates inconsistent header fields or payload structure.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrAuthenticationFailure indicates a packet whose tag does not verify.
	ErrAuthenticationFailure = errors.New("packet authentication failed")

	errNotAuthenticated = errors.New("packet not authenticated")
)

// Packet is a wire packet. Until Authenticate succeeds none of its fields
// may be used for control decisions.
type Packet struct {
	data          []byte
	authenticated bool
}

// ParsePacket copies raw into a new Packet after checking its length.
func ParsePacket(raw []byte) (*Packet, error) {
	if err := limits.ValidatePacket(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	data := make([]byte, len(raw))
	copy(data, raw)
	return &Packet{data: data}, nil
}

// NewPacket creates an outbound packet with a random packet id.
func NewPacket(dest, source crypto.Address, verb Verb) *Packet {
	data := make([]byte, idxPayload, limits.MaxPacketSize)
	var id [8]byte
	_, _ = rand.Read(id[:])
	copy(data[idxPacketID:], id[:])
	dest.PutBytes(data[idxDestination:])
	source.PutBytes(data[idxSource:])
	data[idxVerb] = byte(verb)
	return &Packet{data: data}
}

// PacketID returns the packet id, which is also the per-packet nonce.
func (p *Packet) PacketID() uint64 {
	return binary.BigEndian.Uint64(p.data[idxPacketID:])
}

// Destination returns the destination address.
func (p *Packet) Destination() crypto.Address {
	a, _ := crypto.AddressFromBytes(p.data[idxDestination:])
	return a
}

// Source returns the source address.
func (p *Packet) Source() crypto.Address {
	a, _ := crypto.AddressFromBytes(p.data[idxSource:])
	return a
}

// Flags returns the flag bits without the hop count.
func (p *Packet) Flags() byte {
	return p.data[idxFlags] &^ hopsMask
}

// Encrypted reports whether the verb and payload are encrypted.
func (p *Packet) Encrypted() bool {
	return p.data[idxFlags]&FlagEncrypted != 0
}

// Compressed reports whether the payload is compressed.
func (p *Packet) Compressed() bool {
	return p.data[idxFlags]&FlagCompressed != 0
}

// Hops returns the hop count.
func (p *Packet) Hops() int {
	return int(p.data[idxFlags] & hopsMask)
}

// IncrementHops bumps the hop count. Hops are not covered by the tag, so
// relays may do this without the shared secret.
func (p *Packet) IncrementHops() bool {
	h := p.data[idxFlags] & hopsMask
	if int(h) >= MaxHops {
		return false
	}
	p.data[idxFlags] = (p.data[idxFlags] &^ hopsMask) | (h + 1)
	return true
}

// MAC returns the authentication tag carried in the header.
func (p *Packet) MAC() [crypto.MACSize]byte {
	var tag [crypto.MACSize]byte
	copy(tag[:], p.data[idxMAC:idxVerb])
	return tag
}

// Verb returns the verb byte. For encrypted packets it is meaningless until
// DecryptAndDecompress succeeds.
func (p *Packet) Verb() Verb {
	return Verb(p.data[idxVerb])
}

// Payload returns the payload following the verb.
func (p *Packet) Payload() []byte {
	return p.data[idxPayload:]
}

// Size returns the total packet length.
func (p *Packet) Size() int {
	return len(p.data)
}

// Bytes returns the wire form.
func (p *Packet) Bytes() []byte {
	return p.data
}

// Authenticated reports whether Authenticate has succeeded.
func (p *Packet) Authenticated() bool {
	return p.authenticated
}

// Append adds raw bytes to the payload.
func (p *Packet) Append(b ...byte) {
	p.data = append(p.data, b...)
}

// AppendUint16 adds a big-endian uint16 to the payload.
func (p *Packet) AppendUint16(v uint16) {
	p.data = binary.BigEndian.AppendUint16(p.data, v)
}

// AppendUint32 adds a big-endian uint32 to the payload.
func (p *Packet) AppendUint32(v uint32) {
	p.data = binary.BigEndian.AppendUint32(p.data, v)
}

// AppendUint64 adds a big-endian uint64 to the payload.
func (p *Packet) AppendUint64(v uint64) {
	p.data = binary.BigEndian.AppendUint64(p.data, v)
}

// AppendAddress adds a 5 byte address to the payload.
func (p *Packet) AppendAddress(a crypto.Address) {
	b := a.Bytes()
	p.data = append(p.data, b[:]...)
}

// mangleKey binds the long-term secret to this packet's header: id,
// addresses, flags without hops, and total size. Two packets that differ in
// any of these fields get different one-time keys.
func (p *Packet) mangleKey(secret [32]byte) [32]byte {
	mangled := secret
	for i := 0; i < idxFlags; i++ {
		mangled[i] ^= p.data[i]
	}
	mangled[idxFlags] ^= p.data[idxFlags] &^ hopsMask
	size := len(p.data)
	mangled[idxFlags+1] ^= byte(size >> 8)
	mangled[idxFlags+2] ^= byte(size)
	return mangled
}

// Armor sets the encryption flag, encrypts the verb and payload when
// encrypt is true, and writes the tag. Compress must run before Armor.
func (p *Packet) Armor(secret [32]byte, encrypt bool) {
	if encrypt {
		p.data[idxFlags] |= FlagEncrypted
	} else {
		p.data[idxFlags] &^= FlagEncrypted
	}

	mangled := p.mangleKey(secret)
	defer crypto.ZeroBytes(mangled[:])

	var otk [crypto.MACKeySize]byte
	if encrypt {
		otk = crypto.StreamXOR(mangled, p.PacketID(), p.data[idxVerb:])
	} else {
		otk = crypto.DeriveOneTimeKey(mangled, p.PacketID())
	}
	tag := crypto.ComputeMAC(p.data[idxVerb:], &otk)
	crypto.ZeroBytes(otk[:])
	copy(p.data[idxMAC:idxVerb], tag[:])
}

// Authenticate derives the one-time key for this packet from secret and
// checks the tag. It does not modify the packet.
func (p *Packet) Authenticate(secret [32]byte) bool {
	mangled := p.mangleKey(secret)
	otk := crypto.DeriveOneTimeKey(mangled, p.PacketID())
	crypto.ZeroBytes(mangled[:])

	ok := crypto.VerifyMAC(p.MAC(), p.data[idxVerb:], &otk)
	crypto.ZeroBytes(otk[:])
	if ok {
		p.authenticated = true
	}
	return ok
}

// DecryptAndDecompress unwraps the verb and payload in place. It may only run
// after Authenticate has succeeded with the same secret.
func (p *Packet) DecryptAndDecompress(secret [32]byte) error {
	if !p.authenticated {
		return errNotAuthenticated
	}
	if p.Encrypted() {
		mangled := p.mangleKey(secret)
		otk := crypto.StreamXOR(mangled, p.PacketID(), p.data[idxVerb:])
		crypto.ZeroBytes(mangled[:])
		crypto.ZeroBytes(otk[:])
		p.data[idxFlags] &^= FlagEncrypted
	}
	return p.Uncompress()
}

// Compress replaces the payload with its s2 encoding when that is smaller.
func (p *Packet) Compress() bool {
	payload := p.data[idxPayload:]
	if len(payload) == 0 {
		return false
	}
	enc := s2.Encode(nil, payload)
	if len(enc) >= len(payload) {
		return false
	}
	p.data = append(p.data[:idxPayload], enc...)
	p.data[idxFlags] |= FlagCompressed
	return true
}

// Uncompress expands a compressed payload. The declared length is checked
// against limits.MaxPayloadSize before anything is allocated.
func (p *Packet) Uncompress() error {
	if !p.Compressed() {
		return nil
	}
	payload := p.data[idxPayload:]
	n, err := s2.DecodedLen(payload)
	if err != nil {
		return fmt.Errorf("%w: compressed length: %v", ErrMalformedPacket, err)
	}
	if n > limits.MaxPayloadSize {
		return fmt.Errorf("%w: decompressed size %d exceeds %d", ErrMalformedPacket, n, limits.MaxPayloadSize)
	}
	out, err := s2.Decode(make([]byte, n), payload)
	if err != nil {
		return fmt.Errorf("%w: decompress: %v", ErrMalformedPacket, err)
	}
	data := make([]byte, idxPayload, idxPayload+len(out))
	copy(data, p.data[:idxPayload])
	p.data = append(data, out...)
	p.data[idxFlags] &^= FlagCompressed
	return nil
}
